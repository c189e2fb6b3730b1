package claim

import (
	"context"
	"sort"

	"github.com/AmeliaRose802/overseer/log"
	"github.com/AmeliaRose802/overseer/tracker"
)

// Selector resolves the next task an agent should claim from the
// hierarchical backlog. Parents (epics/features) are never returned while
// an unresolved child exists; only leaves are claimable, except a parent
// with zero children, which has nothing to decompose.
type Selector struct {
	client  tracker.Client
	agentID string
}

// NewSelector creates a Selector for the given agent identity.
func NewSelector(client tracker.Client, agentID string) *Selector {
	return &Selector{client: client, agentID: agentID}
}

// Select returns the next claimable task, or nil if nothing is assignable.
// The caller should idle and retry later when nil is returned.
func (s *Selector) Select(ctx context.Context) (*tracker.Task, error) {
	ready, err := s.client.ListReady(ctx)
	if err != nil {
		return nil, err
	}

	candidates := s.filterEligible(ready)
	sortByPriority(candidates)

	visited := make(map[string]bool)
	for _, task := range candidates {
		resolved, err := s.resolve(ctx, task, visited)
		if err != nil {
			return nil, err
		}
		if resolved != nil {
			return resolved, nil
		}
	}
	return nil, nil
}

// filterEligible drops tasks no agent may claim and tasks another agent is
// already working. Unassigned and self-assigned tasks remain eligible.
func (s *Selector) filterEligible(tasks []tracker.Task) []tracker.Task {
	eligible := make([]tracker.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.HasLabel(tracker.LabelHumanRequired) {
			continue
		}
		if t.Assignee != "" && t.Assignee != s.agentID {
			continue
		}
		eligible = append(eligible, t)
	}
	return eligible
}

func sortByPriority(tasks []tracker.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority < tasks[j].Priority
	})
}

// resolve walks one candidate. A leaf is returned as-is. A parent is
// resolved through its children; a childless parent is itself claimable.
// An already-visited id means the tracker reported a cyclic edge, so the
// candidate is unresolvable and skipped.
func (s *Selector) resolve(ctx context.Context, task tracker.Task, visited map[string]bool) (*tracker.Task, error) {
	if visited[task.ID] {
		log.WarningLog.Printf("cyclic dependency at %s, skipping", task.ID)
		return nil, nil
	}
	visited[task.ID] = true

	if !task.Kind.IsParent() {
		t := task
		return &t, nil
	}

	children, err := s.children(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		// Nothing to decompose further; the parent itself is the work.
		t := task
		return &t, nil
	}

	open := make([]tracker.Task, 0, len(children))
	allTerminal := true
	for _, child := range children {
		if !child.Status.IsTerminal() {
			allTerminal = false
			open = append(open, child)
		}
	}

	if allTerminal {
		// Every child is done/closed/resolved; close the parent
		// opportunistically and move on. Failure is non-fatal.
		if err := s.client.Close(ctx, task.ID, "all children complete"); err != nil {
			log.WarningLog.Printf("auto-close %s: %v", task.ID, err)
		}
		return nil, nil
	}

	eligible := s.filterEligible(open)
	sortByPriority(eligible)
	for _, child := range eligible {
		resolved, err := s.resolve(ctx, child, visited)
		if err != nil {
			return nil, err
		}
		if resolved != nil {
			return resolved, nil
		}
	}

	// Children exist but none are claimable right now (claimed by others,
	// filtered, or unresolvable). Skip to the next outer candidate.
	return nil, nil
}

// children fetches the tasks this parent decomposes into. An edge with the
// parent relation from X to Y means X is the parent of Y.
func (s *Selector) children(ctx context.Context, parentID string) ([]tracker.Task, error) {
	_, edges, err := s.client.GetWithDependencies(ctx, parentID)
	if err != nil {
		return nil, err
	}

	var children []tracker.Task
	for _, edge := range edges {
		if edge.Relation != tracker.RelationParent || edge.From != parentID {
			continue
		}
		child, _, err := s.client.GetWithDependencies(ctx, edge.To)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}
