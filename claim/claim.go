package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/AmeliaRose802/overseer/log"
	"github.com/AmeliaRose802/overseer/retry"
	"github.com/AmeliaRose802/overseer/tracker"
)

// ErrRaceLost means another agent claimed the task first. It is a normal
// outcome, not a failure: the caller should skip and select again.
var ErrRaceLost = errors.New("task already claimed by another agent")

// Claimer performs the claim write protocol against the tracker.
type Claimer struct {
	client  tracker.Client
	agentID string
	backoff *retry.Backoff
}

// NewClaimer creates a Claimer writing claims as the given agent.
func NewClaimer(client tracker.Client, agentID string, backoff *retry.Backoff) *Claimer {
	return &Claimer{client: client, agentID: agentID, backoff: backoff}
}

// AgentID returns the identity claims are written under.
func (c *Claimer) AgentID() string {
	return c.agentID
}

// Claim marks the task in_progress and assigned to this agent. The task's
// state is re-fetched immediately before the write, never reused from the
// selection snapshot, to close the check-then-act window. If the store is
// unreachable during the re-fetch the claim fails closed.
func (c *Claimer) Claim(ctx context.Context, taskID string) error {
	fresh, _, err := c.client.GetWithDependencies(ctx, taskID)
	if err != nil {
		// Cannot verify ownership; never proceed optimistically.
		log.WarningLog.Printf("claim re-fetch %s failed, treating as lost: %v", taskID, err)
		return ErrRaceLost
	}

	if fresh.Assignee != "" && fresh.Assignee != c.agentID {
		return ErrRaceLost
	}

	if err := c.client.UpdateStatus(ctx, taskID, tracker.StatusInProgress, c.agentID); err != nil {
		// The store is the arbiter: if it rejected the write because someone
		// else got there between our re-fetch and the update, that is a
		// lost race, not a failure.
		if current, _, ferr := c.client.GetWithDependencies(ctx, taskID); ferr == nil &&
			current.Assignee != "" && current.Assignee != c.agentID {
			return ErrRaceLost
		}
		return fmt.Errorf("claim %s: %w", taskID, err)
	}

	// Propagate so other agents observe the claim promptly. The write above
	// already succeeded, so a sync failure does not undo the claim.
	if err := c.backoff.Do("tracker sync", func() error { return c.client.Sync(ctx) }); err != nil {
		log.WarningLog.Printf("claim %s: sync failed (claim still holds): %v", taskID, err)
	}

	return nil
}
