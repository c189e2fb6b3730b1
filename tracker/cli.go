package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CLI talks to a bd-style tracker binary with --json output. One database
// backs all agents in the process; the binary serializes its own writes.
type CLI struct {
	Bin    string // tracker binary (default: "bd")
	DBPath string // --db flag value (optional)
}

// NewCLI creates a CLI client for the given binary and database path.
func NewCLI(bin, dbPath string) *CLI {
	if bin == "" {
		bin = "bd"
	}
	return &CLI{Bin: bin, DBPath: dbPath}
}

func (c *CLI) baseArgs() []string {
	if c.DBPath != "" {
		return []string{"--db", c.DBPath}
	}
	return nil
}

func (c *CLI) run(ctx context.Context, args ...string) ([]byte, error) {
	all := append(c.baseArgs(), args...)
	cmd := exec.CommandContext(ctx, c.Bin, all...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w\n%s", c.Bin, strings.Join(args, " "), err, string(out))
	}
	return out, nil
}

// rawTask is the JSON shape the tracker binary emits for list/show.
type rawTask struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Status   string   `json:"status"`
	Priority int      `json:"priority"`
	Type     string   `json:"issue_type"`
	Assignee string   `json:"assignee"`
	Owner    string   `json:"owner"`
	Labels   []string `json:"labels,omitempty"`
}

func (r rawTask) toTask() Task {
	return Task{
		ID:       r.ID,
		Title:    r.Title,
		Priority: r.Priority,
		Kind:     Kind(r.Type),
		Status:   Status(r.Status),
		Assignee: r.Assignee,
		Owner:    r.Owner,
		Labels:   r.Labels,
	}
}

// ListReady returns tasks that are open with no unresolved blockers.
func (c *CLI) ListReady(ctx context.Context) ([]Task, error) {
	out, err := c.run(ctx, "ready", "--json", "--limit", "0")
	if err != nil {
		return nil, err
	}
	var raw []rawTask
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse ready output: %w", err)
	}
	tasks := make([]Task, 0, len(raw))
	for _, r := range raw {
		tasks = append(tasks, r.toTask())
	}
	return tasks, nil
}

// GetWithDependencies fetches one task and its dependency edges. It always
// hits the binary, never a cached snapshot.
func (c *CLI) GetWithDependencies(ctx context.Context, id string) (Task, []Edge, error) {
	out, err := c.run(ctx, "show", id, "--json")
	if err != nil {
		return Task{}, nil, err
	}
	var raw rawTask
	if err := json.Unmarshal(out, &raw); err != nil {
		// Some tracker versions wrap show output in a one-element array.
		var list []rawTask
		if err2 := json.Unmarshal(out, &list); err2 != nil || len(list) == 0 {
			return Task{}, nil, fmt.Errorf("parse show output: %w", err)
		}
		raw = list[0]
	}

	edges, err := c.depEdges(ctx, id)
	if err != nil {
		return Task{}, nil, err
	}
	return raw.toTask(), edges, nil
}

type depItem struct {
	ID       string `json:"id"`
	Relation string `json:"dependency_type"`
}

func (c *CLI) depEdges(ctx context.Context, id string) ([]Edge, error) {
	out, err := c.run(ctx, "dep", "list", id, "--json")
	if err != nil {
		// dep list fails when no edges exist; treat as empty.
		return nil, nil
	}
	var items []depItem
	if err := json.Unmarshal(out, &items); err != nil {
		return nil, fmt.Errorf("parse dep list output: %w", err)
	}
	edges := make([]Edge, 0, len(items))
	for _, it := range items {
		rel := Relation(it.Relation)
		if rel == "" {
			rel = RelationBlocks
		}
		edges = append(edges, Edge{From: id, To: it.ID, Relation: rel})
	}
	return edges, nil
}

// UpdateStatus sets status and assignee in a single update invocation so
// concurrent claimers observe both fields together. An empty assignee
// clears the field, which is how a claim is released.
func (c *CLI) UpdateStatus(ctx context.Context, id string, status Status, assignee string) error {
	args := []string{"update", id, "--status", string(status), "--assignee", assignee}
	_, err := c.run(ctx, args...)
	return err
}

// Close marks a task terminal.
func (c *CLI) Close(ctx context.Context, id, reason string) error {
	args := []string{"close", id}
	if reason != "" {
		args = append(args, "--reason", sanitizeReason(reason))
	}
	_, err := c.run(ctx, args...)
	return err
}

// Create files a new task and returns the id the tracker assigned.
func (c *CLI) Create(ctx context.Context, t NewTask) (string, error) {
	args := []string{"create", t.Title, "--json"}
	if t.Kind != "" {
		args = append(args, "--type", string(t.Kind))
	}
	if t.Priority > 0 {
		args = append(args, "--priority", strconv.Itoa(t.Priority))
	}
	if t.Description != "" {
		args = append(args, "--description", t.Description)
	}
	for _, label := range t.Labels {
		args = append(args, "--label", label)
	}
	if t.ParentID != "" {
		args = append(args, "--parent", t.ParentID)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return "", fmt.Errorf("parse create output: %w", err)
	}
	return created.ID, nil
}

// Sync pushes local tracker state to the shared store. Lock contention from
// a concurrent writer surfaces as an error the caller should classify.
func (c *CLI) Sync(ctx context.Context) error {
	_, err := c.run(ctx, "sync")
	return err
}

func sanitizeReason(reason string) string {
	trimmed := strings.TrimSpace(reason)
	trimmed = strings.ReplaceAll(trimmed, "\r\n", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\r", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\n", "; ")
	const maxLen = 500
	if len(trimmed) > maxLen {
		return trimmed[:maxLen]
	}
	return trimmed
}
