package tracker

import (
	"context"
)

// Status is a task lifecycle state as reported by the tracker.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusClosed     Status = "closed"
	StatusResolved   Status = "resolved"
)

// IsTerminal reports whether a task in this status needs no further work.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusClosed, StatusResolved:
		return true
	default:
		return false
	}
}

// Kind classifies a task in the backlog hierarchy.
type Kind string

const (
	KindEpic    Kind = "epic"
	KindFeature Kind = "feature"
	KindTask    Kind = "task"
	KindBug     Kind = "bug"
	KindChore   Kind = "chore"
)

// IsParent reports whether tasks of this kind may have children and must
// never be claimed while an unresolved child exists.
func (k Kind) IsParent() bool {
	return k == KindEpic || k == KindFeature
}

// LabelHumanRequired marks a task no autonomous agent may claim.
const LabelHumanRequired = "human-required"

// Task is a unit of work owned by the external tracker. Assignee is the
// agent instance actively working the task; Owner is the human who created
// it. Only Assignee determines claim ownership.
type Task struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Priority int      `json:"priority"`
	Kind     Kind     `json:"issue_type"`
	Status   Status   `json:"status"`
	Assignee string   `json:"assignee,omitempty"`
	Owner    string   `json:"owner,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

// HasLabel reports whether the task carries the given label.
func (t Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Relation is the kind of a dependency edge between two tasks.
type Relation string

const (
	RelationParent         Relation = "parent"
	RelationBlocks         Relation = "blocks"
	RelationRelated        Relation = "related"
	RelationDiscoveredFrom Relation = "discovered-from"
)

// Edge is a directed dependency relation between two tasks.
type Edge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Relation Relation `json:"relation"`
}

// NewTask describes a task to be created in the tracker, e.g. a follow-up
// filed when a merge conflict needs human remediation.
type NewTask struct {
	Title       string
	Description string
	Priority    int
	Kind        Kind
	Labels      []string
	ParentID    string
}

// Client is the issue-tracker collaborator. Implementations talk to the
// external system of record; its wire format is out of scope here.
type Client interface {
	// ListReady returns all tasks with no unresolved blockers.
	ListReady(ctx context.Context) ([]Task, error)
	// GetWithDependencies returns a single task's current state together
	// with its dependency edges. Used for claim re-verification, so it must
	// always hit the store, never a cache.
	GetWithDependencies(ctx context.Context, id string) (Task, []Edge, error)
	// UpdateStatus atomically sets status and assignee on a task.
	UpdateStatus(ctx context.Context, id string, status Status, assignee string) error
	// Close marks a task terminal with a reason.
	Close(ctx context.Context, id, reason string) error
	// Create files a new task and returns its id.
	Create(ctx context.Context, t NewTask) (string, error)
	// Sync propagates local tracker state to the shared store. May fail
	// transiently under concurrent writers.
	Sync(ctx context.Context) error
}
