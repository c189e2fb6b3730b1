package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AmeliaRose802/overseer/claim"
	"github.com/AmeliaRose802/overseer/log"
	"github.com/AmeliaRose802/overseer/mergequeue"
	"github.com/AmeliaRose802/overseer/retry"
	"github.com/AmeliaRose802/overseer/shutdown"
	"github.com/AmeliaRose802/overseer/tracker"
	"github.com/AmeliaRose802/overseer/workspace"
)

// RunResult is what the black-box agent invocation reports back.
type RunResult struct {
	Success bool
	Output  string
}

// Runner is the AI-agent invocation collaborator. It is a long-running
// operation that must respect the context deadline, since polling alone
// cannot interrupt a call already in flight.
type Runner interface {
	Run(ctx context.Context, task tracker.Task, workspacePath string) (RunResult, error)
}

// LoopOptions configures one agent's work loop.
type LoopOptions struct {
	PollInterval time.Duration
	RunTimeout   time.Duration
	TargetBranch string
	MaxTasks     int // 0 = unbounded
	// Stopped, when set, keeps the loop from claiming another task once the
	// pool has been told to stop accepting new work.
	Stopped func() bool
}

// Loop is one agent's claim → work → merge cycle. Each loop owns its own
// workspaces and never touches another agent's files.
type Loop struct {
	selector *claim.Selector
	claimer  *claim.Claimer
	client   tracker.Client
	spaces   *workspace.Manager
	queue    *mergequeue.Queue
	runner   Runner
	coord    *shutdown.Coordinator
	backoff  *retry.Backoff
	options  LoopOptions
}

// NewLoop wires up one agent's work loop.
func NewLoop(selector *claim.Selector, claimer *claim.Claimer, client tracker.Client,
	spaces *workspace.Manager, queue *mergequeue.Queue, runner Runner,
	coord *shutdown.Coordinator, backoff *retry.Backoff, options LoopOptions) *Loop {
	if options.PollInterval <= 0 {
		options.PollInterval = 2 * time.Second
	}
	return &Loop{
		selector: selector,
		claimer:  claimer,
		client:   client,
		spaces:   spaces,
		queue:    queue,
		runner:   runner,
		coord:    coord,
		backoff:  backoff,
		options:  options,
	}
}

// Summary counts loop outcomes.
type Summary struct {
	Completed int
	Conflicts int
	Failed    int
	Skipped   int
}

func (s Summary) TotalProcessed() int {
	return s.Completed + s.Conflicts + s.Failed + s.Skipped
}

// Run processes tasks until the backlog is empty, MaxTasks is reached, or
// shutdown is requested. The agent registers as active for the duration so
// the watchdog grace period accounts for it.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	l.coord.RegisterAgent()
	defer l.coord.UnregisterAgent()

	summary := Summary{}
	for {
		if l.coord.Requested() || ctx.Err() != nil {
			return summary, nil
		}
		if l.options.Stopped != nil && l.options.Stopped() {
			return summary, nil
		}
		if l.options.MaxTasks > 0 && summary.TotalProcessed() >= l.options.MaxTasks {
			return summary, nil
		}

		task, err := l.selector.Select(ctx)
		if err != nil {
			return summary, err
		}
		if task == nil {
			// Nothing assignable right now.
			if !l.idle(ctx) {
				return summary, nil
			}
			continue
		}

		if err := l.claimer.Claim(ctx, task.ID); err != nil {
			if errors.Is(err, claim.ErrRaceLost) {
				// Normal outcome: another agent won. Try the next task.
				summary.Skipped++
				continue
			}
			return summary, err
		}

		outcome, err := l.processClaimed(ctx, *task)
		if err != nil {
			return summary, err
		}
		switch outcome {
		case mergequeue.ResultSuccess:
			summary.Completed++
		case mergequeue.ResultConflict:
			summary.Conflicts++
		case mergequeue.ResultShutdownAborted:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
}

// idle waits one poll interval. Returns false if shutdown arrived while
// waiting.
func (l *Loop) idle(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.coord.Done():
		return false
	case <-time.After(l.options.PollInterval):
		return true
	}
}

// processClaimed takes a claimed task through workspace, agent run, and
// merge. It always leaves the tracker and branch in a consistent state.
func (l *Loop) processClaimed(ctx context.Context, task tracker.Task) (mergequeue.ResultKind, error) {
	ws, err := l.spaces.Acquire(task.ID)
	if err != nil {
		l.releaseClaim(ctx, task.ID)
		return mergequeue.ResultFailed, fmt.Errorf("acquire workspace for %s: %w", task.ID, err)
	}

	runCtx := ctx
	if l.options.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.options.RunTimeout)
		defer cancel()
	}

	result, err := l.runner.Run(runCtx, task, ws.Path)
	if err != nil || !result.Success {
		if err != nil {
			log.ErrorLog.Printf("agent run for %s: %v", task.ID, err)
		} else {
			log.WarningLog.Printf("agent run for %s did not succeed", task.ID)
		}
		l.releaseClaim(ctx, task.ID)
		if relErr := l.spaces.Release(task.ID, true); relErr != nil {
			log.WarningLog.Printf("release workspace %s: %v", task.ID, relErr)
		}
		return mergequeue.ResultFailed, nil
	}

	if err := l.spaces.CommitAll(ws, fmt.Sprintf("%s: %s", task.ID, task.Title)); err != nil {
		l.releaseClaim(ctx, task.ID)
		return mergequeue.ResultFailed, fmt.Errorf("commit work for %s: %w", task.ID, err)
	}

	count, err := l.spaces.CommitCountSince(l.options.TargetBranch, ws)
	if err != nil {
		log.WarningLog.Printf("commit count for %s: %v", task.ID, err)
	}
	if err == nil && count == 0 {
		// Nothing to integrate; close out and discard the workspace.
		l.closeTask(ctx, task.ID, "completed with no changes")
		if relErr := l.spaces.Release(task.ID, true); relErr != nil {
			log.WarningLog.Printf("release workspace %s: %v", task.ID, relErr)
		}
		return mergequeue.ResultSuccess, nil
	}

	// Ownership of the workspace transfers to the queue until a terminal
	// result comes back.
	res := l.queue.Submit(ws).Result()
	switch res.Kind {
	case mergequeue.ResultSuccess:
		l.closeTask(ctx, task.ID, "completed and merged")
	case mergequeue.ResultConflict:
		l.delegateConflict(ctx, task, ws, res.Conflicts)
	case mergequeue.ResultFailed:
		log.ErrorLog.Printf("merge of %s failed, workspace preserved at %s: %s", task.ID, ws.Path, res.Message)
		l.releaseClaim(ctx, task.ID)
	case mergequeue.ResultShutdownAborted:
		// Abandoned due to cancellation, not a failure. Leave the task open
		// for the next run; the workspace survives for reuse.
		l.releaseClaim(ctx, task.ID)
	}
	return res.Kind, nil
}

// delegateConflict files a follow-up item for human remediation with enough
// detail to act on without re-deriving it, then releases the claim. The
// conflicted workspace is preserved.
func (l *Loop) delegateConflict(ctx context.Context, task tracker.Task, ws *workspace.Workspace, conflicts []string) {
	desc := fmt.Sprintf("Merge of %s conflicted.\nWorkspace: %s\nBranch: %s\nConflicting files:\n%s",
		task.ID, ws.Path, ws.BranchName, strings.Join(conflicts, "\n"))
	id, err := l.client.Create(ctx, tracker.NewTask{
		Title:       fmt.Sprintf("Resolve merge conflict for %s", task.ID),
		Description: desc,
		Priority:    task.Priority,
		Kind:        tracker.KindTask,
		Labels:      []string{tracker.LabelHumanRequired},
		ParentID:    task.ID,
	})
	if err != nil {
		log.ErrorLog.Printf("file conflict follow-up for %s: %v", task.ID, err)
	} else {
		log.InfoLog.Printf("filed conflict follow-up %s for %s", id, task.ID)
	}
	l.releaseClaim(ctx, task.ID)
}

// releaseClaim returns a task to the open pool so another agent (or run)
// can pick it up.
func (l *Loop) releaseClaim(ctx context.Context, taskID string) {
	if err := l.client.UpdateStatus(ctx, taskID, tracker.StatusOpen, ""); err != nil {
		log.WarningLog.Printf("release claim on %s: %v", taskID, err)
	}
	l.syncBestEffort(ctx)
}

func (l *Loop) closeTask(ctx context.Context, taskID, reason string) {
	if err := l.client.Close(ctx, taskID, reason); err != nil {
		log.ErrorLog.Printf("close %s: %v", taskID, err)
	}
	l.syncBestEffort(ctx)
}

func (l *Loop) syncBestEffort(ctx context.Context) {
	if err := l.backoff.Do("tracker sync", func() error { return l.client.Sync(ctx) }); err != nil {
		log.WarningLog.Printf("tracker sync: %v", err)
	}
}
