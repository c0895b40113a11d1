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

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"continuumtasks/src/logging"
	"continuumtasks/src/model"
	"continuumtasks/src/repository"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// schedulerRelevant are the fields whose change must be propagated to the
// external scheduler.
var schedulerRelevant = map[model.Field]bool{
	model.FieldBinding:    true,
	model.FieldRecurrence: true,
	model.FieldSchedule:   true,
}

// prepare returns the change describing a mutation that was already applied
// in memory, or nil when the task is transient and there is nothing durable
// to update.
func (t *Task) prepare(c model.Change) *model.Change {
	if !t.IsPersistent() {
		return nil
	}
	return &c
}

// batched queues the given changes for the next SavePendingModifications.
func (t *Task) batched(changes ...*model.Change) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for _, c := range changes {
		if c != nil {
			t.pending = append(t.pending, *c)
		}
	}
}

// immediate applies the given changes to the store as one change set.
// Queued changes to the same paths are sent ahead of them in that set and
// leave the queue, so a later flush cannot overwrite the newer value.
func (t *Task) immediate(ctx context.Context, changes ...*model.Change) error {
	var list []model.Change
	paths := make(map[string]bool)
	for _, c := range changes {
		if c != nil {
			list = append(list, *c)
			paths[c.Path()] = true
		}
	}
	if len(list) == 0 {
		return nil
	}

	t.pendingMu.Lock()
	var ahead, kept []model.Change
	for _, c := range t.pending {
		if paths[c.Path()] {
			ahead = append(ahead, c)
		} else {
			kept = append(kept, c)
		}
	}
	applied := append(ahead, list...)
	if err := t.applyToStore(ctx, applied); err != nil {
		t.pendingMu.Unlock()
		return err
	}
	if len(ahead) > 0 {
		t.pending = kept
	}
	t.pendingMu.Unlock()

	return t.synchronizeWithSchedulerIfNeeded(ctx, applied)
}

// PendingModifications returns a copy of the queued changes.
func (t *Task) PendingModifications() []model.Change {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return append([]model.Change(nil), t.pending...)
}

// SavePendingModifications writes all queued changes in one store call. The
// queue is cleared only once the store accepted them; on failure it keeps
// its order and later changes are appended behind it.
func (t *Task) SavePendingModifications(ctx context.Context) error {
	t.pendingMu.Lock()
	if len(t.pending) == 0 {
		t.pendingMu.Unlock()
		return nil
	}
	changes := append([]model.Change(nil), t.pending...)
	if err := t.applyToStore(ctx, changes); err != nil {
		t.pendingMu.Unlock()
		logging.AddToCounter(ctx, "task_flush_failures_total", 1)
		return err
	}
	t.pending = nil
	t.pendingMu.Unlock()

	logging.AddToCounter(ctx, "task_flushes_total", 1)
	return t.synchronizeWithSchedulerIfNeeded(ctx, changes)
}

func (t *Task) applyToStore(ctx context.Context, changes []model.Change) error {
	ctx, span := logging.StartSpan(ctx, "task.apply_changes",
		attribute.String("task.oid", t.rec.OID),
		attribute.Int("changes.count", len(changes)))
	defer span.End()

	err := t.deps.Store.ApplyChanges(ctx, t.rec.OID, changes)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, repository.ErrAlreadyExists) {
		// A modification of an existing oid cannot create anything.
		return invariantf("ApplyChanges", nil, "store reported an existing object while modifying task %s: %v", t.rec.OID, err)
	}
	return fmt.Errorf("apply %d change(s) to task %s: %w", len(changes), t.rec.OID, err)
}

func (t *Task) synchronizeWithSchedulerIfNeeded(ctx context.Context, changes []model.Change) error {
	for _, c := range changes {
		if c.Field != model.FieldExtension && schedulerRelevant[c.Field] {
			return t.SynchronizeWithScheduler(ctx)
		}
	}
	return nil
}

// SynchronizeWithScheduler asks the scheduler to bring its trigger in line
// with the task's current binding, recurrence and schedule.
func (t *Task) SynchronizeWithScheduler(ctx context.Context) error {
	if t.deps.Scheduler == nil {
		return nil
	}
	logging.AddToCounter(ctx, "task_scheduler_resyncs_total", 1)
	if err := t.deps.Scheduler.Resynchronize(ctx, t); err != nil {
		logging.LogContext(ctx, fmt.Sprintf("Scheduler resynchronization failed for %s: %v", t, err), slog.LevelError)
		return fmt.Errorf("resynchronize scheduler for task %s: %w", t.rec.OID, err)
	}
	return nil
}
