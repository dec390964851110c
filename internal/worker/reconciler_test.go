package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bulk-task-dispatcher/internal/common"
	"bulk-task-dispatcher/internal/executor"
	"bulk-task-dispatcher/internal/storage"
)

// --- fakes ---

type fakeLookup struct {
	mu       sync.Mutex
	calls    map[string]int
	statusFn func(ctx context.Context, remoteID string) (string, error)
}

func (l *fakeLookup) TaskStatus(ctx context.Context, remoteID string) (string, error) {
	l.mu.Lock()
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[remoteID]++
	l.mu.Unlock()
	return l.statusFn(ctx, remoteID)
}

// remoteTable answers lookups from a fixed map; missing ids are not found
func remoteTable(statuses map[string]string) *fakeLookup {
	return &fakeLookup{statusFn: func(_ context.Context, remoteID string) (string, error) {
		s, ok := statuses[remoteID]
		if !ok {
			return "", fmt.Errorf("%w: %s", executor.ErrRemoteNotFound, remoteID)
		}
		return s, nil
	}}
}

// countingStore counts status writes
type countingStore struct {
	*storage.MemoryStore
	writes atomic.Int32
}

func (s *countingStore) UpdateStatus(ctx context.Context, id string, from, to common.Status) (common.Task, error) {
	s.writes.Add(1)
	return s.MemoryStore.UpdateStatus(ctx, id, from, to)
}

func newStore() *countingStore {
	return &countingStore{MemoryStore: storage.NewMemoryStore()}
}

// seed stores a task, dispatches it as remoteID (if set) and moves it to status
func seed(t *testing.T, s *countingStore, id, remoteID string, status common.Status) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	err := s.AddTask(ctx, common.Task{
		ID:        id,
		OwnerID:   "u1",
		Content:   "hi",
		Numbers:   []string{"+1555"},
		MediaType: common.MediaNone,
		Status:    common.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("AddTask(%s) err=%v", id, err)
	}
	if remoteID == "" {
		return
	}
	if _, err := s.SetRemoteID(ctx, id, remoteID); err != nil {
		t.Fatalf("SetRemoteID(%s) err=%v", id, err)
	}
	if status != common.StatusPending {
		if _, err := s.MemoryStore.UpdateStatus(ctx, id, common.StatusPending, status); err != nil {
			t.Fatalf("UpdateStatus(%s) err=%v", id, err)
		}
	}
}

func statusOf(t *testing.T, s storage.Store, id string) common.Task {
	t.Helper()
	task, err := s.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s) err=%v", id, err)
	}
	return task
}

func newReconciler(s TaskStore, l StatusLookup) *Reconciler {
	return NewReconciler(s, l, Config{Interval: time.Hour, Timeout: time.Second, Concurrency: 4})
}

// --- tests ---

func TestMapRemoteStatus(t *testing.T) {
	tests := []struct {
		remote string
		want   common.Status
		ok     bool
	}{
		{"pending", common.StatusPending, true},
		{"processing", common.StatusProcessing, true},
		{"completed", common.StatusCompleted, true},
		{"failed", common.StatusFailed, true},
		{"queued", "", false},
		{"COMPLETED", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := MapRemoteStatus(tt.remote)
		if got != tt.want || ok != tt.ok {
			t.Errorf("MapRemoteStatus(%q) = %q, %t; want %q, %t", tt.remote, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRunCycle_RemoteCompletedUpdatesLocal(t *testing.T) {
	s := newStore()
	seed(t, s, "c", "R2", common.StatusPending)

	report := newReconciler(s, remoteTable(map[string]string{"R2": "completed"})).RunCycle(context.Background())

	if report.Updated != 1 || report.Checked != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := statusOf(t, s, "c").Status; got != common.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

func TestRunCycle_RemoteNotFoundMarksFailed(t *testing.T) {
	for _, prior := range []common.Status{common.StatusPending, common.StatusProcessing, common.StatusCompleted} {
		t.Run(string(prior), func(t *testing.T) {
			s := newStore()
			seed(t, s, "d", "R3", prior)

			report := newReconciler(s, remoteTable(nil)).RunCycle(context.Background())

			if report.MarkedFailed != 1 {
				t.Fatalf("report = %+v", report)
			}
			task := statusOf(t, s, "d")
			if task.Status != common.StatusFailed {
				t.Fatalf("status = %s, want failed", task.Status)
			}
			if task.RemoteID != "R3" {
				t.Fatalf("remote id = %q, want it unchanged", task.RemoteID)
			}
		})
	}
}

// There is no monotonic guard: a completed task follows the platform back
// to processing. This pins the current behaviour.
func TestRunCycle_CompletedTaskRegressesWithRemote(t *testing.T) {
	s := newStore()
	seed(t, s, "e", "R4", common.StatusCompleted)

	newReconciler(s, remoteTable(map[string]string{"R4": "processing"})).RunCycle(context.Background())

	if got := statusOf(t, s, "e").Status; got != common.StatusProcessing {
		t.Fatalf("status = %s, want processing", got)
	}
}

func TestRunCycle_UnknownStatusIsIgnored(t *testing.T) {
	s := newStore()
	seed(t, s, "u", "R5", common.StatusProcessing)

	report := newReconciler(s, remoteTable(map[string]string{"R5": "queued"})).RunCycle(context.Background())

	if report.Ignored != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := statusOf(t, s, "u").Status; got != common.StatusProcessing {
		t.Fatalf("status = %s, want processing", got)
	}
	if n := s.writes.Load(); n != 0 {
		t.Fatalf("%d status writes, want 0", n)
	}
}

func TestRunCycle_IsIdempotent(t *testing.T) {
	s := newStore()
	seed(t, s, "a", "RA", common.StatusPending)
	seed(t, s, "b", "RB", common.StatusProcessing)
	seed(t, s, "c", "RC", common.StatusCompleted)
	seed(t, s, "gone", "RX", common.StatusPending)
	r := newReconciler(s, remoteTable(map[string]string{"RA": "processing", "RB": "completed", "RC": "completed"}))

	first := r.RunCycle(context.Background())
	if first.Updated != 2 || first.MarkedFailed != 1 || first.Unchanged != 1 {
		t.Fatalf("first report = %+v", first)
	}
	writes := s.writes.Load()

	before := map[string]common.Task{}
	for _, id := range []string{"a", "b", "c", "gone"} {
		before[id] = statusOf(t, s, id)
	}

	second := r.RunCycle(context.Background())
	if second.Unchanged != 4 || second.Updated != 0 || second.MarkedFailed != 0 {
		t.Fatalf("second report = %+v", second)
	}
	if n := s.writes.Load(); n != writes {
		t.Fatalf("second cycle wrote %d times, want 0", n-writes)
	}
	for id, want := range before {
		got := statusOf(t, s, id)
		if got.Status != want.Status || !got.UpdatedAt.Equal(want.UpdatedAt) {
			t.Errorf("task %s changed: %+v -> %+v", id, want, got)
		}
	}
}

func TestRunCycle_SkipsUndispatchedTasks(t *testing.T) {
	s := newStore()
	seed(t, s, "local-only", "", common.StatusPending)
	lookup := remoteTable(nil)

	report := newReconciler(s, lookup).RunCycle(context.Background())

	if report.Checked != 0 || len(lookup.calls) != 0 {
		t.Fatalf("report = %+v, lookups = %v", report, lookup.calls)
	}
	if task := statusOf(t, s, "local-only"); task.Status != common.StatusPending || task.RemoteID != "" {
		t.Fatalf("task = %+v", task)
	}
}

func TestRunCycle_ErrorsAreIsolatedPerTask(t *testing.T) {
	s := newStore()
	seed(t, s, "flaky", "R-flaky", common.StatusPending)
	seed(t, s, "panics", "R-panic", common.StatusPending)
	seed(t, s, "ok", "R-ok", common.StatusPending)

	lookup := &fakeLookup{statusFn: func(_ context.Context, remoteID string) (string, error) {
		switch remoteID {
		case "R-flaky":
			return "", errors.New("connection reset")
		case "R-panic":
			panic("boom")
		}
		return "completed", nil
	}}

	report := newReconciler(s, lookup).RunCycle(context.Background())

	if report.Errors != 2 || report.Updated != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := statusOf(t, s, "ok").Status; got != common.StatusCompleted {
		t.Fatalf("ok status = %s, want completed", got)
	}
	if got := statusOf(t, s, "flaky").Status; got != common.StatusPending {
		t.Fatalf("flaky status = %s, want pending", got)
	}
}

func TestRunCycle_ListFailure(t *testing.T) {
	boom := errors.New("store down")
	r := newReconciler(listFailStore{err: boom}, remoteTable(nil))

	report := r.RunCycle(context.Background())
	if !errors.Is(report.Err, boom) {
		t.Fatalf("report.Err = %v, want %v", report.Err, boom)
	}
}

type listFailStore struct{ err error }

func (s listFailStore) ListDispatched(context.Context) ([]common.Task, error) { return nil, s.err }
func (s listFailStore) UpdateStatus(context.Context, string, common.Status, common.Status) (common.Task, error) {
	return common.Task{}, s.err
}

func TestRunCycle_SkipTerminal(t *testing.T) {
	s := newStore()
	seed(t, s, "done", "R-done", common.StatusCompleted)
	seed(t, s, "busy", "R-busy", common.StatusProcessing)
	lookup := remoteTable(map[string]string{"R-busy": "completed"})

	r := NewReconciler(s, lookup, Config{Interval: time.Hour, Timeout: time.Second, SkipTerminal: true})
	report := r.RunCycle(context.Background())

	if report.Skipped != 1 || report.Updated != 1 {
		t.Fatalf("report = %+v", report)
	}
	if lookup.calls["R-done"] != 0 {
		t.Fatal("terminal task was looked up")
	}
}

func TestRunCycle_BoundedConcurrency(t *testing.T) {
	s := newStore()
	for i := 0; i < 12; i++ {
		seed(t, s, fmt.Sprintf("t%d", i), fmt.Sprintf("R%d", i), common.StatusPending)
	}

	var inFlight, peak atomic.Int32
	lookup := &fakeLookup{statusFn: func(context.Context, string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "processing", nil
	}}

	r := NewReconciler(s, lookup, Config{Interval: time.Hour, Timeout: time.Second, Concurrency: 3})
	report := r.RunCycle(context.Background())

	if report.Updated != 12 {
		t.Fatalf("report = %+v", report)
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", p)
	}
}

func TestReconcileTask_LookupIsBoundedByTimeout(t *testing.T) {
	s := newStore()
	seed(t, s, "slow", "R-slow", common.StatusPending)
	lookup := &fakeLookup{statusFn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}

	r := NewReconciler(s, lookup, Config{Interval: time.Hour, Timeout: 20 * time.Millisecond})
	task := statusOf(t, s, "slow")

	done := make(chan Outcome, 1)
	go func() { done <- r.ReconcileTask(context.Background(), task) }()

	select {
	case o := <-done:
		if o != OutcomeError {
			t.Fatalf("outcome = %v, want OutcomeError", o)
		}
	case <-time.After(time.Second):
		t.Fatal("ReconcileTask did not return after the lookup timeout")
	}
}

func TestStart_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	s := newStore()
	seed(t, s, "c", "R2", common.StatusPending)

	looked := make(chan struct{}, 10)
	lookup := &fakeLookup{statusFn: func(context.Context, string) (string, error) {
		looked <- struct{}{}
		return "completed", nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		newReconciler(s, lookup).Start(ctx)
		close(stopped)
	}()

	select {
	case <-looked:
	case <-time.After(time.Second):
		t.Fatal("Start did not run a cycle immediately")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStart_RunsEveryInterval(t *testing.T) {
	s := newStore()
	seed(t, s, "c", "R2", common.StatusPending)

	var cycles atomic.Int32
	lookup := &fakeLookup{statusFn: func(context.Context, string) (string, error) {
		cycles.Add(1)
		return "processing", nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewReconciler(s, lookup, Config{Interval: 10 * time.Millisecond, Timeout: time.Second}).Start(ctx)

	deadline := time.After(2 * time.Second)
	for cycles.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d cycles ran", cycles.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
