package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"bulk-task-dispatcher/internal/common"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTask(id, owner string, created time.Time) common.Task {
	return common.Task{
		ID:        id,
		OwnerID:   owner,
		Content:   "hello " + id,
		Numbers:   []string{"+15550001", "+15550002"},
		MediaURLs: []string{},
		MediaType: common.MediaNone,
		Status:    common.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// storeFactory returns a store for one subtest. Ids and owners are unique per
// subtest so shared etcd and postgres instances can be reused between runs.
type storeFactory func(t *testing.T) Store

func runStoreContract(t *testing.T, newStore storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store, id func(string) string)
	}{
		{"AddAndGet", testAddAndGet},
		{"AddValidates", testAddValidates},
		{"DuplicateID", testDuplicateID},
		{"GetMissing", testGetMissing},
		{"ListFilterAndOrder", testListFilterAndOrder},
		{"SetRemoteIDOnce", testSetRemoteIDOnce},
		{"UpdateStatusRequiresRemoteID", testUpdateStatusRequiresRemoteID},
		{"UpdateStatusCompareAndSwap", testUpdateStatusCompareAndSwap},
		{"UpdateStatusMissing", testUpdateStatusMissing},
		{"ListDispatched", testListDispatched},
		{"ConcurrentStatusWriters", testConcurrentStatusWriters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			run := uuid.NewString()[:8]
			tt.fn(t, s, func(id string) string { return run + "-" + id })
		})
	}
}

func testAddAndGet(t *testing.T, s Store, id func(string) string) {
	ctx := context.Background()
	task := newTask(id("a"), id("owner"), base)
	task.MediaURLs = []string{"http://media/x.png"}
	task.MediaType = common.MediaImage
	task.Options = common.Options{common.OptionAIRevise: true}

	if err := s.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.OwnerID != task.OwnerID || got.Content != task.Content || got.Status != common.StatusPending {
		t.Errorf("GetTask = %+v", got)
	}
	if len(got.Numbers) != 2 || got.Numbers[1] != "+15550002" {
		t.Errorf("Numbers = %v", got.Numbers)
	}
	if len(got.MediaURLs) != 1 || got.MediaType != common.MediaImage {
		t.Errorf("media = %v %s", got.MediaURLs, got.MediaType)
	}
	if got.Options[common.OptionAIRevise] != true {
		t.Errorf("Options = %v", got.Options)
	}
	if got.RemoteID != "" {
		t.Errorf("RemoteID = %q, want empty", got.RemoteID)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %s, want %s", got.CreatedAt, base)
	}
}

func testAddValidates(t *testing.T, s Store, id func(string) string) {
	ctx := context.Background()

	noNumbers := newTask(id("n"), "o", base)
	noNumbers.Numbers = nil
	dispatched := newTask(id("d"), "o", base)
	dispatched.RemoteID = "R"
	processing := newTask(id("p"), "o", base)
	processing.Status = common.StatusProcessing
	mediaMismatch := newTask(id("m"), "o", base)
	mediaMismatch.MediaType = common.MediaVideo

	for _, task := range []common.Task{noNumbers, dispatched, processing, mediaMismatch, newTask("", "o", base)} {
		if err := s.AddTask(ctx, task); err == nil {
			t.Errorf("AddTask(%+v) err=nil", task)
		}
	}
}

func testDuplicateID(t *testing.T, s Store, id func(string) string) {
	ctx := context.Background()
	task := newTask(id("dup"), "o", base)
	if err := s.AddTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTask(ctx, task); !errors.Is(err, ErrTaskExists) {
		t.Errorf("second AddTask err=%v, want ErrTaskExists", err)
	}
}

func testGetMissing(t *testing.T, s Store, id func(string) string) {
	if _, err := s.GetTask(context.Background(), id("missing")); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("GetTask err=%v, want ErrTaskNotFound", err)
	}
}

func testListFilterAndOrder(t *testing.T, s Store, id func(string) string) {
	ctx := context.Background()
	owner, other := id("owner"), id("other")

	tasks := []common.Task{
		newTask(id("t1"), owner, base.Add(-48*time.Hour)),
		newTask(id("t2"), owner, base.Add(-time.Hour)),
		newTask(id("t3"), owner, base),
		newTask(id("t4"), other, base.Add(time.Hour)),
	}
	for _, task := range tasks {
		if err := s.AddTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.SetRemoteID(ctx, id("t2"), "R2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, id("t2"), common.StatusPending, common.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListTasks(ctx, Filter{OwnerID: owner})
	if err != nil {
		t.Fatal(err)
	}
	if ids, want := taskIDs(got), strings.Join([]string{id("t3"), id("t2"), id("t1")}, ","); ids != want {
		t.Errorf("ListTasks order = %s, want %s", ids, want)
	}

	latest, err := s.ListTasks(ctx, Filter{OwnerID: owner, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 || latest[0].ID != id("t3") {
		t.Errorf("latest = %s", taskIDs(latest))
	}

	counts := []struct {
		filter Filter
		want   int
	}{
		{Filter{OwnerID: owner}, 3},
		{Filter{OwnerID: other}, 1},
		{Filter{OwnerID: owner, CreatedSince: base.Add(-2 * time.Hour)}, 2},
		{Filter{OwnerID: owner, Status: common.StatusCompleted}, 1},
		{Filter{OwnerID: id("nobody")}, 0},
	}
	for _, c := range counts {
		n, err := s.CountTasks(ctx, c.filter)
		if err != nil {
			t.Fatal(err)
		}
		if n != c.want {
			t.Errorf("CountTasks(%+v) = %d, want %d", c.filter, n, c.want)
		}
	}
}

func testSetRemoteIDOnce(t *testing.T, s Store, id func(string) string) {
	ctx := context.Background()
	task := newTask(id("r"), "o", base)
	if err := s.AddTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, err := s.SetRemoteID(ctx, task.ID, "R1")
	if err != nil {
		t.Fatalf("SetRemoteID failed: %v", err)
	}
	if got.RemoteID != "R1" || got.Status != common.StatusPending {
		t.Errorf("SetRemoteID = %+v", got)
	}

	if _, err := s.SetRemoteID(ctx, task.ID, "R2"); !errors.Is(err, ErrRemoteIDSet) {
		t.Errorf("second SetRemoteID err=%v, want ErrRemoteIDSet", err)
	}
	stored, _ := s.GetTask(ctx, task.ID)
	if stored.RemoteID != "R1" {
		t.Errorf("remote id overwritten: %q", stored.RemoteID)
	}

	if _, err := s.SetRemoteID(ctx, id("ghost"), "R3"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("SetRemoteID on missing task err=%v", err)
	}
	if _, err := s.SetRemoteID(ctx, task.ID, ""); err == nil {
		t.Error("SetRemoteID with an empty id err=nil")
	}
}

func testUpdateStatusRequiresRemoteID(t *testing.T, s Store, id func(string) string) {
	ctx := context.Background()
	task := newTask(id("u"), "o", base)
	if err := s.AddTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	for _, to := range []common.Status{common.StatusProcessing, common.StatusCompleted, common.StatusFailed} {
		if _, err := s.UpdateStatus(ctx, task.ID, common.StatusPending, to); !errors.Is(err, ErrNotDispatched) {
			t.Errorf("UpdateStatus(pending->%s) err=%v, want ErrNotDispatched", to, err)
		}
	}
	stored, _ := s.GetTask(ctx, task.ID)
	if stored.Status != common.StatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
}

func testUpdateStatusCompareAndSwap(t *testing.T, s Store, id func(string) string) {
	ctx := context.Background()
	task := newTask(id("cas"), "o", base)
	if err := s.AddTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetRemoteID(ctx, task.ID, "R"); err != nil {
		t.Fatal(err)
	}

	got, err := s.UpdateStatus(ctx, task.ID, common.StatusPending, common.StatusProcessing)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if got.Status != common.StatusProcessing || got.RemoteID != "R" {
		t.Errorf("UpdateStatus = %+v", got)
	}

	// stale from
	if _, err := s.UpdateStatus(ctx, task.ID, common.StatusPending, common.StatusCompleted); !errors.Is(err, ErrConflict) {
		t.Errorf("stale UpdateStatus err=%v, want ErrConflict", err)
	}
	if _, err := s.UpdateStatus(ctx, task.ID, common.StatusProcessing, common.Status("bogus")); err == nil {
		t.Error("UpdateStatus to an invalid status err=nil")
	}

	// terminal statuses are not sticky
	if _, err := s.UpdateStatus(ctx, task.ID, common.StatusProcessing, common.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateStatus(ctx, task.ID, common.StatusCompleted, common.StatusFailed); err != nil {
		t.Errorf("completed->failed err=%v", err)
	}
}

func testUpdateStatusMissing(t *testing.T, s Store, id func(string) string) {
	_, err := s.UpdateStatus(context.Background(), id("ghost"), common.StatusPending, common.StatusFailed)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("UpdateStatus err=%v, want ErrTaskNotFound", err)
	}
}

func testListDispatched(t *testing.T, s Store, id func(string) string) {
	ctx := context.Background()
	for i, remote := range []string{"", "R1", "R2"} {
		task := newTask(id(fmt.Sprintf("ld%d", i)), "o", base.Add(time.Duration(i)*time.Minute))
		if err := s.AddTask(ctx, task); err != nil {
			t.Fatal(err)
		}
		if remote != "" {
			if _, err := s.SetRemoteID(ctx, task.ID, remote); err != nil {
				t.Fatal(err)
			}
		}
	}
	if _, err := s.UpdateStatus(ctx, id("ld2"), common.StatusPending, common.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListDispatched(ctx)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, task := range got {
		if task.RemoteID == "" {
			t.Errorf("ListDispatched returned undispatched task %s", task.ID)
		}
		seen[task.ID] = true
	}
	// terminal tasks are still listed
	if !seen[id("ld1")] || !seen[id("ld2")] || seen[id("ld0")] {
		t.Errorf("ListDispatched = %s", taskIDs(got))
	}
}

func testConcurrentStatusWriters(t *testing.T, s Store, id func(string) string) {
	ctx := context.Background()
	task := newTask(id("race"), "o", base)
	if err := s.AddTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetRemoteID(ctx, task.ID, "R"); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateStatus(ctx, task.ID, common.StatusPending, common.StatusProcessing)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("UpdateStatus err=%v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("%d writers won the same transition, want 1", winners)
	}
}

func taskIDs(tasks []common.Task) string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return strings.Join(ids, ",")
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	task := newTask("persisted", "o", base)
	if err := s.AddTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.GetTask(context.Background(), "persisted"); err != nil {
		t.Errorf("task lost after reopen: %v", err)
	}
}

func TestEtcdStore(t *testing.T) {
	endpoints := os.Getenv("DISPATCHER_TEST_ETCD")
	if endpoints == "" {
		t.Skip("DISPATCHER_TEST_ETCD not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewEtcdStore(strings.Split(endpoints, ","), 5*time.Second)
		if err != nil {
			t.Fatalf("NewEtcdStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DISPATCHER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DISPATCHER_TEST_POSTGRES_DSN not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(context.Background(), dsn)
		if err != nil {
			t.Fatalf("NewPostgresStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Settings{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("memory driver returned %T", s)
	}

	s, err = Open(ctx, Settings{SQLitePath: filepath.Join(t.TempDir(), "t.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("default driver returned %T", s)
	}

	if _, err := Open(ctx, Settings{Driver: "redis"}); err == nil {
		t.Error("unknown driver err=nil")
	}
}
