package mergequeue

import (
	"fmt"
	"sync"
	"time"

	"github.com/AmeliaRose802/overseer/log"
	"github.com/AmeliaRose802/overseer/workspace"
)

// ResultKind tags the terminal outcome of a merge request.
type ResultKind string

const (
	ResultSuccess         ResultKind = "success"
	ResultConflict        ResultKind = "conflict"
	ResultFailed          ResultKind = "failed"
	ResultShutdownAborted ResultKind = "shutdown-aborted"
)

// MergeResult is the terminal outcome of one merge request. Conflicts holds
// the conflicting paths when Kind is ResultConflict; Message carries the
// error detail when Kind is ResultFailed.
type MergeResult struct {
	Kind      ResultKind
	Conflicts []string
	Message   string
}

// Future resolves to exactly one MergeResult. Result blocks until the queue
// worker (or shutdown drain) resolves it; callers never block forever.
type Future struct {
	ch   chan MergeResult
	once sync.Once
	res  MergeResult
}

// Result blocks until the request reaches a terminal state.
func (f *Future) Result() MergeResult {
	f.once.Do(func() { f.res = <-f.ch })
	return f.res
}

type request struct {
	ws     *workspace.Workspace
	future *Future

	resolveOnce sync.Once
}

// resolve delivers the terminal result. Exactly one resolution per request,
// always: later calls are no-ops.
func (r *request) resolve(res MergeResult) {
	r.resolveOnce.Do(func() { r.future.ch <- res })
}

// Queue serializes integration merges into the shared branch. Any number of
// producers submit finished workspaces; a single worker executes merges
// strictly one at a time in submission order. Task priority never reorders
// the queue: fairness among already-completed work wins at this stage.
type Queue struct {
	ops GitOps

	mu       sync.Mutex
	requests chan *request
	stopping bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// queueCapacity bounds pending requests. Submission beyond it blocks the
// producer, which only happens if agents outpace merges pathologically.
const queueCapacity = 128

// NewQueue creates a merge queue and starts its worker.
func NewQueue(ops GitOps) *Queue {
	q := &Queue{
		ops:      ops,
		requests: make(chan *request, queueCapacity),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go q.worker()
	return q
}

// Submit hands a finished workspace to the queue and returns immediately.
// The returned future resolves with the merge's terminal result. After
// shutdown has begun the future resolves at once with shutdown-aborted.
func (q *Queue) Submit(ws *workspace.Workspace) *Future {
	req := &request{ws: ws, future: &Future{ch: make(chan MergeResult, 1)}}

	// The send happens under the same lock Shutdown takes to flip stopping,
	// so a request is either observed by the drain or rejected here; no
	// future is ever left unresolved.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		req.resolve(MergeResult{Kind: ResultShutdownAborted})
		return req.future
	}

	q.requests <- req
	return req.future
}

// Shutdown stops the worker after it finishes the request in flight, then
// drains still-queued requests by resolving each with shutdown-aborted. It
// returns once the worker has exited or the grace budget elapses; either
// way no future is left unresolved.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	q.mu.Unlock()

	close(q.stopCh)

	select {
	case <-q.doneCh:
	case <-time.After(grace):
		log.WarningLog.Printf("merge queue did not drain within %s", grace)
	}
	// The worker drains the channel on exit; anything submitted in the
	// window before stopping was observed is drained here.
	q.drain()
}

func (q *Queue) worker() {
	defer close(q.doneCh)
	defer q.drain()

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		select {
		case <-q.stopCh:
			return
		case req := <-q.requests:
			req.resolve(q.process(req))
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case req := <-q.requests:
			req.resolve(MergeResult{Kind: ResultShutdownAborted})
		default:
			return
		}
	}
}

// process executes one integration merge. Any panic is converted into a
// failed result at this boundary: the worker's survival is itself an
// invariant, since its death would starve every future submission.
func (q *Queue) process(req *request) (res MergeResult) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("merge worker panic on %s: %v", req.ws.TaskID, r)
			res = MergeResult{Kind: ResultFailed, Message: fmt.Sprintf("merge worker panic: %v", r)}
		}
	}()

	ws := req.ws

	// Absorb merges that completed while this request waited. A failed
	// resync reverts itself; the merge below then reports the real
	// conflicting paths instead of masking them as a rebase failure.
	if err := q.ops.Resync(ws); err != nil {
		log.WarningLog.Printf("resync %s failed, merging against stale base: %v", ws.BranchName, err)
	}

	clean, err := q.ops.IsClean(ws)
	if err != nil {
		return MergeResult{Kind: ResultFailed, Message: fmt.Sprintf("workspace state check: %v", err)}
	}
	if !clean {
		return MergeResult{Kind: ResultFailed, Message: "workspace has uncommitted changes"}
	}

	// The shared branch checkout must carry no unrelated changes. Known
	// bookkeeping files are committed; anything unrecognized blocks the
	// merge and is reported, never silently overwritten.
	recognized, unrecognized, err := q.ops.PartitionStrayChanges()
	if err != nil {
		return MergeResult{Kind: ResultFailed, Message: fmt.Sprintf("stray change check: %v", err)}
	}
	if len(unrecognized) > 0 {
		return MergeResult{
			Kind:    ResultFailed,
			Message: fmt.Sprintf("target branch has unrecognized uncommitted changes: %v", unrecognized),
		}
	}
	if len(recognized) > 0 {
		if err := q.ops.CommitBookkeeping(recognized); err != nil {
			return MergeResult{Kind: ResultFailed, Message: fmt.Sprintf("commit bookkeeping files: %v", err)}
		}
	}

	conflicts, err := q.ops.Merge(ws.BranchName)
	if len(conflicts) > 0 {
		// Workspace preserved for inspection or recovery.
		return MergeResult{Kind: ResultConflict, Conflicts: conflicts}
	}
	if err != nil {
		return MergeResult{Kind: ResultFailed, Message: err.Error()}
	}

	if err := q.ops.Push(); err != nil {
		return MergeResult{Kind: ResultFailed, Message: fmt.Sprintf("push: %v", err)}
	}

	// A merge that "succeeded" locally but is not reachable from the target
	// is treated as a failure: a force-push or reset could have hidden it.
	merged, err := q.ops.IsMerged(ws.BranchName)
	if err != nil {
		return MergeResult{Kind: ResultFailed, Message: fmt.Sprintf("merge confirmation: %v", err)}
	}
	if !merged {
		return MergeResult{Kind: ResultFailed, Message: "merge not reachable from target branch after push"}
	}

	if err := q.ops.Cleanup(ws); err != nil {
		// Best effort; the merge itself landed.
		log.WarningLog.Printf("cleanup of %s after merge: %v", ws.BranchName, err)
	}

	return MergeResult{Kind: ResultSuccess}
}
