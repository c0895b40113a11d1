// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"continuumtasks/src/logging"
	"continuumtasks/src/model"
	"continuumtasks/src/repository"
	"continuumtasks/src/task"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultStaleAfter is how long a claim may be held before RecoverTasks
// considers the owning worker dead.
const DefaultStaleAfter = time.Hour

// Store is the durable store plus the claim operations the worker needs.
type Store interface {
	task.Store
	ClaimRunnable(ctx context.Context, node string) (*model.TaskRecord, error)
	Release(ctx context.Context, oid string) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// Processor claims runnable tasks and drives their handler chains.
type Processor struct {
	store      Store
	deps       task.Deps
	node       string
	stats      *logging.WorkerStats
	StaleAfter time.Duration

	mu      sync.Mutex
	running map[string]*task.Task
}

// New returns a processor for node. deps.Store is replaced by store.
func New(store Store, deps task.Deps, node string, stats *logging.WorkerStats) *Processor {
	deps.Store = store
	return &Processor{
		store:      store,
		deps:       deps,
		node:       node,
		stats:      stats,
		StaleAfter: DefaultStaleAfter,
		running:    make(map[string]*task.Task),
	}
}

// ProcessTasks runs claimable tasks until none is left or ctx is done. A
// task claimed twice in one pass ends the pass, so a task that keeps
// failing temporarily is retried on the next trigger instead of in a loop.
func (p *Processor) ProcessTasks(ctx context.Context) int {
	seen := make(map[string]bool)
	processed := 0
	for ctx.Err() == nil {
		rec, err := p.store.ClaimRunnable(ctx, p.node)
		if errors.Is(err, repository.ErrNotFound) {
			break
		}
		if err != nil {
			logging.Log(fmt.Sprintf("Error claiming task: %v", err), slog.LevelError)
			p.stats.UpdateStats(0, 0, 0, 1)
			break
		}
		if seen[rec.OID] {
			p.unclaim(rec.OID)
			break
		}
		seen[rec.OID] = true

		if err := p.RunTask(ctx, task.Load(p.deps, *rec)); err != nil {
			logging.Log(fmt.Sprintf("Task %s ended with error: %v", rec.OID, err), slog.LevelError)
		}
		processed++
	}
	return processed
}

// RunTask executes the handler chain of a claimed task and releases the
// claim afterwards.
func (p *Processor) RunTask(ctx context.Context, t *task.Task) (err error) {
	first, _ := t.HandlerURI()
	ctx, span := logging.StartSpan(ctx, "processor.run_task",
		attribute.String("task.oid", t.OID()),
		attribute.String("task.handler", first))
	defer span.End()

	p.track(t)
	defer p.untrack(t)
	defer p.release(t.OID())

	p.stats.TaskStarted(t.Identifier())
	defer p.stats.TaskEnded(t.Identifier())
	p.stats.UpdateStats(1, 0, 0, 0)
	logging.LogContext(ctx, fmt.Sprintf("Processing %s", t), slog.LevelInfo)

	failed := false
	defer func() {
		if err != nil {
			failed = true
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if ferr := p.finishRun(ctx, t); ferr != nil {
			p.stats.UpdateStats(0, 0, 0, 1)
			if err == nil {
				err = ferr
				failed = true
			}
		}
		if failed {
			p.stats.UpdateStats(0, 0, 1, 0)
		} else {
			p.stats.UpdateStats(0, 1, 0, 0)
		}
	}()

	now := time.Now()
	t.SetResultTransient(model.NewOperationResult("continuum.task.run"))
	t.SetCurrentlyExecutesAt(p.node)
	t.SetNode(p.node)
	t.SetLastRunStart(&now)
	if err := t.SavePendingModifications(ctx); err != nil {
		return fmt.Errorf("record start of %s: %w", t, err)
	}

	if !t.StillCanStart(now) {
		t.Result().RecordFatalError("latest start time has passed", nil)
		failed = true
		return t.Close(ctx)
	}

	for t.CanRun() && t.ExecutionStatus() == model.ExecutionRunnable {
		n, err := t.HandlersCount()
		if err != nil {
			t.Result().RecordFatalError("handler chain is corrupted", err)
			return err
		}
		if n == 0 {
			break
		}

		uri, err := t.HandlerURI()
		if err != nil {
			t.Result().RecordFatalError("handler chain is corrupted", err)
			return err
		}
		h, err := t.Handler()
		if err != nil {
			t.Result().RecordFatalError("handler chain is corrupted", err)
			return err
		}
		if h == nil {
			t.Result().RecordFatalError(fmt.Sprintf("no handler registered for %s", uri), nil)
			failed = true
			return t.Suspend(ctx)
		}

		rr := h.Run(ctx, t)
		logging.UpdateSpanValue(ctx, "task.progress", float64(t.Progress()))
		logging.LogContext(ctx, fmt.Sprintf("Handler %s returned %s for %s", uri, rr.Status, t), slog.LevelDebug)

		switch rr.Status {
		case task.RunFinished:
			// A handler that pushed or replaced a step has already handed
			// over; its successor runs next.
			m, _ := t.HandlersCount()
			if next, _ := t.HandlerURI(); m != n || next != uri {
				if err := t.SavePendingModifications(ctx); err != nil {
					return err
				}
				continue
			}
			if err := t.FinishHandler(ctx); err != nil {
				return err
			}
		case task.RunInterrupted:
			return p.applyStopAction(ctx, t)
		case task.RunTemporaryError:
			t.Result().RecordPartialError("handler failed, will retry", rr.Err)
			failed = true
			return nil
		case task.RunPermanentError:
			t.Result().RecordFatalError("handler failed", rr.Err)
			failed = true
			return t.Close(ctx)
		}
	}
	if !t.CanRun() {
		return p.applyStopAction(ctx, t)
	}
	if t.Result().Status() == model.ResultUnknown {
		t.Result().RecordSuccess()
	}
	return nil
}

// applyStopAction decides what becomes of a task whose run was stopped
// before its chain completed.
func (p *Processor) applyStopAction(ctx context.Context, t *task.Task) error {
	if t.IsResilient() || t.IsClosed() {
		return nil
	}
	t.Result().RecordWarning("run was interrupted")
	if t.ThreadStopAction() == model.StopActionClose {
		return t.Close(ctx)
	}
	return t.Suspend(ctx)
}

// finishRun stores the end of the run. It still runs when ctx was
// cancelled by a shutdown.
func (p *Processor) finishRun(ctx context.Context, t *task.Task) error {
	ctx = context.WithoutCancel(ctx)
	finish := time.Now()
	t.SetLastRunFinish(&finish)
	t.SetNode("")
	t.SetCurrentlyExecutesAt("")
	t.SetResult(t.Result())
	if err := t.SavePendingModifications(ctx); err != nil {
		logging.LogContext(ctx, fmt.Sprintf("Error saving end of run for %s: %v", t, err), slog.LevelError)
		return err
	}
	return nil
}

// RecoverTasks releases claims held for longer than StaleAfter, which
// happens when a worker crashed mid-run. Tasks that cannot survive an
// interrupted run are suspended or closed according to their stop action.
func (p *Processor) RecoverTasks(ctx context.Context) (int, error) {
	released, err := p.store.ReleaseStale(ctx, p.StaleAfter)
	if err != nil {
		logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		p.stats.UpdateStats(0, 0, 0, 1)
		return 0, err
	}

	var errs []error
	for _, oid := range released {
		rec, err := p.store.Get(ctx, oid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t := task.Load(p.deps, *rec)
		t.SetNode("")
		if err := t.SavePendingModifications(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.applyStopAction(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	if len(released) > 0 {
		logging.Log(fmt.Sprintf("Recovered %d stale tasks", len(released)), slog.LevelInfo)
	}
	return len(released), errors.Join(errs...)
}

// Shutdown asks every task running on this worker to stop.
func (p *Processor) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.running {
		t.SignalShutdown()
	}
}

func (p *Processor) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Processor) track(t *task.Task) {
	p.mu.Lock()
	p.running[t.Identifier()] = t
	p.mu.Unlock()
}

func (p *Processor) untrack(t *task.Task) {
	p.mu.Lock()
	delete(p.running, t.Identifier())
	p.mu.Unlock()
}

// unclaim gives back a claim that will not be run. The node written by the
// claim is cleared before the lock is released.
func (p *Processor) unclaim(oid string) {
	changes := []model.Change{model.Replace(model.FieldNode, "")}
	if err := p.store.ApplyChanges(context.Background(), oid, changes); err != nil {
		logging.Log(fmt.Sprintf("Error clearing node of task %s: %v", oid, err), slog.LevelError)
	}
	p.release(oid)
}

func (p *Processor) release(oid string) {
	if err := p.store.Release(context.Background(), oid); err != nil {
		logging.Log(fmt.Sprintf("Error releasing task %s: %v", oid, err), slog.LevelError)
	}
}
