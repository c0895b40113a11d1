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
	"fmt"
	"log/slog"

	"continuumtasks/src/logging"
	"continuumtasks/src/model"
)

func (t *Task) ExecutionStatus() model.ExecutionStatus { return t.rec.ExecutionStatus }

func (t *Task) IsClosed() bool { return t.rec.ExecutionStatus == model.ExecutionClosed }

// allowedTransition reports whether the task may move from one execution
// status to another. A closed task stays closed.
func allowedTransition(from, to model.ExecutionStatus) bool {
	if !to.Valid() {
		return false
	}
	return from != model.ExecutionClosed || to == model.ExecutionClosed
}

// SetInitialExecutionStatus forces the status of a task that was not
// persisted yet. A persistent task must go through the normal transitions.
func (t *Task) SetInitialExecutionStatus(s model.ExecutionStatus) error {
	if t.IsPersistent() {
		return illegalStatef("SetInitialExecutionStatus", "task %s is already persistent", t)
	}
	if !s.Valid() {
		return illegalStatef("SetInitialExecutionStatus", "unknown execution status %q", s)
	}
	t.rec.ExecutionStatus = s
	return nil
}

// MakeRunnable and MakeWaiting are only for tasks that were not persisted yet.
func (t *Task) MakeRunnable() error {
	if !t.IsTransient() {
		return illegalStatef("MakeRunnable", "task %s is persistent", t)
	}
	t.rec.ExecutionStatus = model.ExecutionRunnable
	return nil
}

func (t *Task) MakeWaiting() error {
	if !t.IsTransient() {
		return illegalStatef("MakeWaiting", "task %s is persistent", t)
	}
	t.rec.ExecutionStatus = model.ExecutionWaiting
	return nil
}

// SetExecutionStatusTransient changes the in-memory status of a task that
// was not persisted yet. A persistent task's status changes only together
// with its durable record.
func (t *Task) SetExecutionStatusTransient(s model.ExecutionStatus) error {
	if t.IsPersistent() {
		return illegalStatef("SetExecutionStatusTransient", "task %s is persistent", t)
	}
	_, err := t.prepareExecutionStatus(s)
	return err
}

func (t *Task) prepareExecutionStatus(s model.ExecutionStatus) (*model.Change, error) {
	if !allowedTransition(t.rec.ExecutionStatus, s) {
		return nil, illegalStatef("SetExecutionStatus", "task %s cannot move from %s to %q", t, t.rec.ExecutionStatus, s)
	}
	t.rec.ExecutionStatus = s
	return t.prepare(model.Replace(model.FieldExecutionStatus, s)), nil
}

func (t *Task) SetExecutionStatus(s model.ExecutionStatus) error {
	c, err := t.prepareExecutionStatus(s)
	if err != nil {
		return err
	}
	t.batched(c)
	return nil
}

func (t *Task) SetExecutionStatusImmediate(ctx context.Context, s model.ExecutionStatus) error {
	c, err := t.prepareExecutionStatus(s)
	if err != nil {
		return err
	}
	return t.immediate(ctx, c)
}

// closeWithoutSavingState marks the task closed as a batched change. The
// caller saves it and tells the scheduler.
func (t *Task) closeWithoutSavingState() error {
	return t.SetExecutionStatus(model.ExecutionClosed)
}

// Close saves pending changes together with the closed status and removes
// the task's trigger from the scheduler.
func (t *Task) Close(ctx context.Context) error {
	if err := t.closeWithoutSavingState(); err != nil {
		return err
	}
	if err := t.SavePendingModifications(ctx); err != nil {
		return err
	}
	logging.LogContext(ctx, fmt.Sprintf("Closed %s", t), slog.LevelInfo)
	if t.deps.Scheduler == nil {
		return nil
	}
	if err := t.deps.Scheduler.CloseWithoutPersisting(ctx, t); err != nil {
		return fmt.Errorf("close scheduler trigger for task %s: %w", t.rec.OID, err)
	}
	return nil
}

// Suspend stops the task from being picked up until it is resumed.
func (t *Task) Suspend(ctx context.Context) error {
	if t.IsClosed() {
		return illegalStatef("Suspend", "task %s is closed", t)
	}
	if err := t.SetExecutionStatusImmediate(ctx, model.ExecutionSuspended); err != nil {
		return err
	}
	return t.SynchronizeWithScheduler(ctx)
}

// Resume makes a suspended task runnable again.
func (t *Task) Resume(ctx context.Context) error {
	if t.rec.ExecutionStatus != model.ExecutionSuspended {
		return illegalStatef("Resume", "task %s is %s, not suspended", t, t.rec.ExecutionStatus)
	}
	if err := t.SetExecutionStatusImmediate(ctx, model.ExecutionRunnable); err != nil {
		return err
	}
	return t.SynchronizeWithScheduler(ctx)
}

// MakeSingle turns the task into a one-off run under the given schedule.
func (t *Task) MakeSingle(s *model.Schedule) {
	t.batched(t.prepareRecurrence(model.RecurrenceSingle), t.prepareSchedule(s))
}

// MakeRecurrent makes the task fire repeatedly under the given schedule.
func (t *Task) MakeRecurrent(s *model.Schedule) {
	t.batched(t.prepareRecurrence(model.RecurrenceRecurring), t.prepareSchedule(s))
}

func (t *Task) MakeRecurrentInterval(seconds int) {
	t.MakeRecurrent(&model.Schedule{Interval: seconds})
}

func (t *Task) MakeRecurrentCron(pattern string) {
	t.MakeRecurrent(&model.Schedule{CronLikePattern: pattern})
}
