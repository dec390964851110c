package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"bulk-task-dispatcher/internal/common"
	"bulk-task-dispatcher/internal/executor"
)

// StatusLookup fetches a task's status from the execution platform
type StatusLookup interface {
	TaskStatus(ctx context.Context, remoteID string) (string, error)
}

// TaskStore is the slice of the task store the reconciler uses.
// It reads remote ids but only ever writes status.
type TaskStore interface {
	ListDispatched(ctx context.Context) ([]common.Task, error)
	UpdateStatus(ctx context.Context, id string, from, to common.Status) (common.Task, error)
}

// Config tunes a Reconciler
type Config struct {
	Interval     time.Duration // Time between cycles
	Timeout      time.Duration // Bound on each status lookup
	Concurrency  int           // Lookups in flight per cycle
	SkipTerminal bool          // Do not re-check completed or failed tasks
}

// Outcome is what a cycle did with one task
type Outcome int

const (
	OutcomeUnchanged    Outcome = iota // Remote status matches local status
	OutcomeUpdated                     // Local status advanced to the mapped remote status
	OutcomeMarkedFailed                // Remote has no such task, local status forced to failed
	OutcomeIgnored                     // Remote reported a status we do not recognise
	OutcomeSkipped                     // Terminal task skipped by configuration
	OutcomeError                       // Lookup or write failed; retried next cycle
)

// CycleReport summarises one reconciliation cycle
type CycleReport struct {
	Checked      int
	Updated      int
	MarkedFailed int
	Unchanged    int
	Ignored      int
	Skipped      int
	Errors       int
	Err          error // Set when the dispatched tasks could not be listed
	Duration     time.Duration
}

func (r CycleReport) String() string {
	if r.Err != nil {
		return fmt.Sprintf("cycle aborted: %v", r.Err)
	}
	return fmt.Sprintf("checked=%d updated=%d marked_failed=%d unchanged=%d ignored=%d skipped=%d errors=%d in %s",
		r.Checked, r.Updated, r.MarkedFailed, r.Unchanged, r.Ignored, r.Skipped, r.Errors, r.Duration.Round(time.Millisecond))
}

func (r *CycleReport) add(o Outcome) {
	r.Checked++
	switch o {
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeMarkedFailed:
		r.MarkedFailed++
	case OutcomeIgnored:
		r.Ignored++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Errors++
	}
}

// Reconciler periodically folds the execution platform's view of every
// dispatched task back into the local store.
type Reconciler struct {
	store        TaskStore
	lookup       StatusLookup
	interval     time.Duration
	timeout      time.Duration
	concurrency  int
	skipTerminal bool
}

// NewReconciler initializes and returns a Reconciler
func NewReconciler(store TaskStore, lookup StatusLookup, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Reconciler{
		store:        store,
		lookup:       lookup,
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		concurrency:  cfg.Concurrency,
		skipTerminal: cfg.SkipTerminal,
	}
}

// Start runs a cycle immediately and then once per interval until ctx is done
func (r *Reconciler) Start(ctx context.Context) {
	log.Printf("Reconciler started, interval %s", r.interval)

	r.logCycle(r.RunCycle(ctx))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.logCycle(r.RunCycle(ctx))
		case <-ctx.Done():
			log.Printf("Reconciler stopping")
			return
		}
	}
}

func (r *Reconciler) logCycle(report CycleReport) {
	log.Printf("Reconciler: %s", report)
}

// RunCycle checks every dispatched task once. A failure on one task never
// affects the others.
func (r *Reconciler) RunCycle(ctx context.Context) CycleReport {
	start := time.Now()

	tasks, err := r.store.ListDispatched(ctx)
	if err != nil {
		return CycleReport{Err: fmt.Errorf("list dispatched tasks: %w", err), Duration: time.Since(start)}
	}

	outcomes := make([]Outcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, task := range tasks {
		if ctx.Err() != nil {
			outcomes[i] = OutcomeError
			continue
		}
		i, task := i, task
		g.Go(func() error {
			outcomes[i] = r.reconcileSafely(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	report := CycleReport{}
	for _, o := range outcomes {
		report.add(o)
	}
	report.Duration = time.Since(start)
	return report
}

func (r *Reconciler) reconcileSafely(ctx context.Context, task common.Task) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Reconciler: task %s panicked: %v\n%s", task.ID, rec, debug.Stack())
			outcome = OutcomeError
		}
	}()
	return r.ReconcileTask(ctx, task)
}

// ReconcileTask looks up one task's remote status and applies it locally
func (r *Reconciler) ReconcileTask(ctx context.Context, task common.Task) Outcome {
	if !task.Dispatched() {
		return OutcomeSkipped
	}
	if r.skipTerminal && task.Status.Terminal() {
		return OutcomeSkipped
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	remote, err := r.lookup.TaskStatus(lookupCtx, task.RemoteID)
	cancel()

	switch {
	case errors.Is(err, executor.ErrRemoteNotFound):
		log.Printf("Reconciler: task %s (remote %s) no longer exists on the execution platform", task.ID, task.RemoteID)
		if task.Status == common.StatusFailed {
			return OutcomeUnchanged
		}
		if !r.update(ctx, task, common.StatusFailed) {
			return OutcomeError
		}
		return OutcomeMarkedFailed
	case err != nil:
		log.Printf("Reconciler: status check for task %s (remote %s) failed: %v", task.ID, task.RemoteID, err)
		return OutcomeError
	}

	status, ok := MapRemoteStatus(remote)
	if !ok {
		log.Printf("Reconciler: task %s (remote %s) reported unknown status %q, ignoring", task.ID, task.RemoteID, remote)
		return OutcomeIgnored
	}
	if status == task.Status {
		return OutcomeUnchanged
	}
	if !r.update(ctx, task, status) {
		return OutcomeError
	}
	return OutcomeUpdated
}

func (r *Reconciler) update(ctx context.Context, task common.Task, to common.Status) bool {
	if _, err := r.store.UpdateStatus(ctx, task.ID, task.Status, to); err != nil {
		log.Printf("Reconciler: failed to move task %s from %s to %s: %v", task.ID, task.Status, to, err)
		return false
	}
	log.Printf("Reconciler: task %s (remote %s) %s -> %s", task.ID, task.RemoteID, task.Status, to)
	return true
}
