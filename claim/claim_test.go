package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmeliaRose802/overseer/retry"
	"github.com/AmeliaRose802/overseer/tracker"
)

// fakeTracker is an in-memory tracker whose UpdateStatus arbitrates claims
// the way the real store does: the first writer wins, later claimers are
// rejected.
type fakeTracker struct {
	mu    sync.Mutex
	tasks map[string]*tracker.Task
	edges map[string][]tracker.Edge

	closed      []string
	created     []tracker.NewTask
	syncErr     error
	syncCalls   int
	fetchErr    error
	updateCalls int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		tasks: make(map[string]*tracker.Task),
		edges: make(map[string][]tracker.Edge),
	}
}

func (f *fakeTracker) add(t tracker.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := t
	f.tasks[t.ID] = &copied
}

func (f *fakeTracker) addChild(parentID, childID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges[parentID] = append(f.edges[parentID], tracker.Edge{
		From: parentID, To: childID, Relation: tracker.RelationParent,
	})
}

func (f *fakeTracker) ListReady(ctx context.Context) ([]tracker.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tracker.Task
	for _, t := range f.tasks {
		if t.Status == tracker.StatusOpen && len(f.edges[t.ID]) == 0 {
			out = append(out, *t)
		}
	}
	// Parents with children are ready candidates too; leaves get filtered
	// during resolution.
	for id, edges := range f.edges {
		if len(edges) > 0 && f.tasks[id] != nil && !f.tasks[id].Status.IsTerminal() {
			out = append(out, *f.tasks[id])
		}
	}
	return out, nil
}

func (f *fakeTracker) GetWithDependencies(ctx context.Context, id string) (tracker.Task, []tracker.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return tracker.Task{}, nil, f.fetchErr
	}
	t, ok := f.tasks[id]
	if !ok {
		return tracker.Task{}, nil, fmt.Errorf("task %s not found", id)
	}
	return *t, append([]tracker.Edge(nil), f.edges[id]...), nil
}

func (f *fakeTracker) UpdateStatus(ctx context.Context, id string, status tracker.Status, assignee string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if assignee != "" && t.Assignee != "" && t.Assignee != assignee {
		return fmt.Errorf("task %s already claimed by %s", id, t.Assignee)
	}
	t.Status = status
	t.Assignee = assignee
	return nil
}

func (f *fakeTracker) Close(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	if t, ok := f.tasks[id]; ok {
		t.Status = tracker.StatusClosed
	}
	return nil
}

func (f *fakeTracker) Create(ctx context.Context, t tracker.NewTask) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, t)
	return fmt.Sprintf("new-%d", len(f.created)), nil
}

func (f *fakeTracker) Sync(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	return f.syncErr
}

func testBackoff() *retry.Backoff {
	return retry.NewBackoff(time.Millisecond, 2)
}

func TestClaimExactlyOneWinner(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "t-1", Kind: tracker.KindTask, Status: tracker.StatusOpen, Priority: 1})

	const agents = 16
	var wg sync.WaitGroup
	wins := make(chan string, agents)

	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%d", i)
			claimer := NewClaimer(ft, agentID, testBackoff())
			if err := claimer.Claim(context.Background(), "t-1"); err == nil {
				wins <- agentID
			} else {
				assert.ErrorIs(t, err, ErrRaceLost)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one agent must win the claim")

	got, _, err := ft.GetWithDependencies(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Assignee)
	assert.Equal(t, tracker.StatusInProgress, got.Status)
}

func TestClaimFailsClosedWhenStoreUnreachable(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "t-1", Kind: tracker.KindTask, Status: tracker.StatusOpen})
	ft.fetchErr = errors.New("store unreachable")

	claimer := NewClaimer(ft, "agent-a", testBackoff())
	err := claimer.Claim(context.Background(), "t-1")
	assert.ErrorIs(t, err, ErrRaceLost)
	assert.Zero(t, ft.updateCalls, "no write may happen when ownership cannot be verified")
}

func TestClaimLostToOtherAgent(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "t-1", Kind: tracker.KindTask, Status: tracker.StatusInProgress, Assignee: "agent-b"})

	claimer := NewClaimer(ft, "agent-a", testBackoff())
	err := claimer.Claim(context.Background(), "t-1")
	assert.ErrorIs(t, err, ErrRaceLost)
	assert.Zero(t, ft.updateCalls)
}

func TestClaimSelfAssignedIsReclaimable(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "t-1", Kind: tracker.KindTask, Status: tracker.StatusInProgress, Assignee: "agent-a"})

	claimer := NewClaimer(ft, "agent-a", testBackoff())
	require.NoError(t, claimer.Claim(context.Background(), "t-1"))
}

func TestClaimSurvivesSyncFailure(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "t-1", Kind: tracker.KindTask, Status: tracker.StatusOpen})
	ft.syncErr = errors.New("remote rejected")

	claimer := NewClaimer(ft, "agent-a", testBackoff())
	require.NoError(t, claimer.Claim(context.Background(), "t-1"), "sync failure must not undo the claim")

	got, _, err := ft.GetWithDependencies(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.Assignee)
}

func TestSelectSkipsHumanRequired(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "t-1", Kind: tracker.KindTask, Status: tracker.StatusOpen, Labels: []string{tracker.LabelHumanRequired}})
	ft.add(tracker.Task{ID: "t-2", Kind: tracker.KindTask, Status: tracker.StatusOpen, Labels: []string{tracker.LabelHumanRequired}})

	sel := NewSelector(ft, "agent-a")
	task, err := sel.Select(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task, "a backlog of human-required tasks yields nothing")
}

func TestSelectSkipsOtherAgentsTasks(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "t-1", Kind: tracker.KindTask, Status: tracker.StatusOpen, Assignee: "agent-b", Priority: 0})
	ft.add(tracker.Task{ID: "t-2", Kind: tracker.KindTask, Status: tracker.StatusOpen, Priority: 1})

	sel := NewSelector(ft, "agent-a")
	task, err := sel.Select(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t-2", task.ID)
}

func TestSelectPrefersLowerPriority(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "low", Kind: tracker.KindTask, Status: tracker.StatusOpen, Priority: 5})
	ft.add(tracker.Task{ID: "urgent", Kind: tracker.KindTask, Status: tracker.StatusOpen, Priority: 1})

	sel := NewSelector(ft, "agent-a")
	task, err := sel.Select(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "urgent", task.ID)
}

func TestSelectResolvesEpicToOpenChild(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "epic", Kind: tracker.KindEpic, Status: tracker.StatusOpen, Priority: 0})
	ft.add(tracker.Task{ID: "done-child", Kind: tracker.KindTask, Status: tracker.StatusDone})
	ft.add(tracker.Task{ID: "open-child", Kind: tracker.KindTask, Status: tracker.StatusOpen})
	ft.addChild("epic", "done-child")
	ft.addChild("epic", "open-child")

	sel := NewSelector(ft, "agent-a")
	task, err := sel.Select(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "open-child", task.ID, "a parent with an open child must never be returned")
}

func TestSelectReturnsChildlessParent(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "feat", Kind: tracker.KindFeature, Status: tracker.StatusOpen})

	sel := NewSelector(ft, "agent-a")
	task, err := sel.Select(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "feat", task.ID, "a parent with zero children has nothing to decompose")
}

func TestAutoCloseFiresOnlyWhenAllChildrenTerminal(t *testing.T) {
	t.Run("all terminal closes the epic", func(t *testing.T) {
		ft := newFakeTracker()
		ft.add(tracker.Task{ID: "epic", Kind: tracker.KindEpic, Status: tracker.StatusOpen})
		ft.add(tracker.Task{ID: "c1", Kind: tracker.KindTask, Status: tracker.StatusDone})
		ft.add(tracker.Task{ID: "c2", Kind: tracker.KindTask, Status: tracker.StatusClosed})
		ft.addChild("epic", "c1")
		ft.addChild("epic", "c2")

		sel := NewSelector(ft, "agent-a")
		task, err := sel.Select(context.Background())
		require.NoError(t, err)
		assert.Nil(t, task)
		assert.Contains(t, ft.closed, "epic")
	})

	t.Run("open child keeps the epic open", func(t *testing.T) {
		ft := newFakeTracker()
		ft.add(tracker.Task{ID: "epic", Kind: tracker.KindEpic, Status: tracker.StatusOpen})
		ft.add(tracker.Task{ID: "c1", Kind: tracker.KindTask, Status: tracker.StatusDone})
		ft.add(tracker.Task{ID: "c2", Kind: tracker.KindTask, Status: tracker.StatusOpen})
		ft.addChild("epic", "c1")
		ft.addChild("epic", "c2")

		sel := NewSelector(ft, "agent-a")
		task, err := sel.Select(context.Background())
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "c2", task.ID)
		assert.NotContains(t, ft.closed, "epic")
	})
}

func TestSelectGuardsAgainstCyclicEdges(t *testing.T) {
	ft := newFakeTracker()
	ft.add(tracker.Task{ID: "a", Kind: tracker.KindEpic, Status: tracker.StatusOpen})
	ft.add(tracker.Task{ID: "b", Kind: tracker.KindFeature, Status: tracker.StatusOpen})
	ft.addChild("a", "b")
	ft.addChild("b", "a")

	sel := NewSelector(ft, "agent-a")
	done := make(chan struct{})
	var task *tracker.Task
	var err error
	go func() {
		task, err = sel.Select(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("selection looped on a cyclic dependency edge")
	}
	require.NoError(t, err)
	assert.Nil(t, task, "a cyclic candidate is unresolvable and skipped")
}
