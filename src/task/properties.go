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
	"time"

	"continuumtasks/src/model"
	"continuumtasks/src/repository"
)

// Every persistable attribute X has:
//   SetXTransient  - in-memory only
//   prepareX       - in-memory update plus the change for persistent tasks
//   SetX           - prepareX queued for the next SavePendingModifications
//   SetXImmediate  - prepareX applied to the store right away

// Name

func (t *Task) Name() string { return t.rec.Name }

func (t *Task) SetNameTransient(v string) { t.rec.Name = v }

func (t *Task) prepareName(v string) *model.Change {
	t.SetNameTransient(v)
	return t.prepare(model.Replace(model.FieldName, v))
}

func (t *Task) SetName(v string) { t.batched(t.prepareName(v)) }

func (t *Task) SetNameImmediate(ctx context.Context, v string) error {
	return t.immediate(ctx, t.prepareName(v))
}

// Description

func (t *Task) Description() string { return t.rec.Description }

func (t *Task) SetDescriptionTransient(v string) { t.rec.Description = v }

func (t *Task) prepareDescription(v string) *model.Change {
	t.SetDescriptionTransient(v)
	return t.prepare(model.Replace(model.FieldDescription, v))
}

func (t *Task) SetDescription(v string) { t.batched(t.prepareDescription(v)) }

func (t *Task) SetDescriptionImmediate(ctx context.Context, v string) error {
	return t.immediate(ctx, t.prepareDescription(v))
}

// Category

func (t *Task) Category() string { return t.rec.Category }

func (t *Task) SetCategoryTransient(v string) { t.rec.Category = v }

func (t *Task) prepareCategory(v string) *model.Change {
	t.SetCategoryTransient(v)
	return t.prepare(model.Replace(model.FieldCategory, v))
}

func (t *Task) SetCategory(v string) { t.batched(t.prepareCategory(v)) }

func (t *Task) SetCategoryImmediate(ctx context.Context, v string) error {
	return t.immediate(ctx, t.prepareCategory(v))
}

// CategoryFromHandler asks the current handler which category the task belongs to.
func (t *Task) CategoryFromHandler() string {
	if h, err := t.Handler(); err == nil && h != nil {
		return h.Category(t)
	}
	return ""
}

// Node

func (t *Task) Node() string { return t.rec.Node }

func (t *Task) SetNodeTransient(v string) { t.rec.Node = v }

func (t *Task) prepareNode(v string) *model.Change {
	t.SetNodeTransient(v)
	return t.prepare(model.Replace(model.FieldNode, v))
}

func (t *Task) SetNode(v string) { t.batched(t.prepareNode(v)) }

func (t *Task) SetNodeImmediate(ctx context.Context, v string) error {
	return t.immediate(ctx, t.prepareNode(v))
}

// Progress

func (t *Task) Progress() int64 { return t.rec.Progress }

func (t *Task) SetProgressTransient(v int64) { t.rec.Progress = v }

func (t *Task) prepareProgress(v int64) *model.Change {
	t.SetProgressTransient(v)
	return t.prepare(model.Replace(model.FieldProgress, v))
}

func (t *Task) SetProgress(v int64) { t.batched(t.prepareProgress(v)) }

func (t *Task) SetProgressImmediate(ctx context.Context, v int64) error {
	return t.immediate(ctx, t.prepareProgress(v))
}

// Last run start / finish

func (t *Task) LastRunStart() *time.Time { return copyTime(t.rec.LastRunStart) }

func (t *Task) SetLastRunStartTransient(v *time.Time) { t.rec.LastRunStart = copyTime(v) }

func (t *Task) prepareLastRunStart(v *time.Time) *model.Change {
	t.SetLastRunStartTransient(v)
	return t.prepare(model.Replace(model.FieldLastRunStart, copyTime(v)))
}

func (t *Task) SetLastRunStart(v *time.Time) { t.batched(t.prepareLastRunStart(v)) }

func (t *Task) SetLastRunStartImmediate(ctx context.Context, v *time.Time) error {
	return t.immediate(ctx, t.prepareLastRunStart(v))
}

func (t *Task) LastRunFinish() *time.Time { return copyTime(t.rec.LastRunFinish) }

func (t *Task) SetLastRunFinishTransient(v *time.Time) { t.rec.LastRunFinish = copyTime(v) }

func (t *Task) prepareLastRunFinish(v *time.Time) *model.Change {
	t.SetLastRunFinishTransient(v)
	return t.prepare(model.Replace(model.FieldLastRunFinish, copyTime(v)))
}

func (t *Task) SetLastRunFinish(v *time.Time) { t.batched(t.prepareLastRunFinish(v)) }

func (t *Task) SetLastRunFinishImmediate(ctx context.Context, v *time.Time) error {
	return t.immediate(ctx, t.prepareLastRunFinish(v))
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Thread stop action

func (t *Task) ThreadStopAction() model.ThreadStopAction { return t.rec.ThreadStopAction }

func (t *Task) SetThreadStopActionTransient(v model.ThreadStopAction) { t.rec.ThreadStopAction = v }

func (t *Task) prepareThreadStopAction(v model.ThreadStopAction) *model.Change {
	t.SetThreadStopActionTransient(v)
	return t.prepare(model.Replace(model.FieldThreadStopAction, v))
}

func (t *Task) SetThreadStopAction(v model.ThreadStopAction) { t.batched(t.prepareThreadStopAction(v)) }

func (t *Task) SetThreadStopActionImmediate(ctx context.Context, v model.ThreadStopAction) error {
	return t.immediate(ctx, t.prepareThreadStopAction(v))
}

// IsResilient reports whether an interrupted run leaves the task in a
// state from which it can be picked up again.
func (t *Task) IsResilient() bool {
	switch t.rec.ThreadStopAction {
	case "", model.StopActionReschedule, model.StopActionRestart:
		return true
	}
	return false
}

// Binding

func (t *Task) Binding() model.Binding { return t.rec.Binding }

func (t *Task) IsTightlyBound() bool { return t.rec.Binding == model.BindingTight }

func (t *Task) IsLooselyBound() bool { return t.rec.Binding == model.BindingLoose }

func (t *Task) SetBindingTransient(v model.Binding) { t.rec.Binding = v }

func (t *Task) prepareBinding(v model.Binding) *model.Change {
	t.SetBindingTransient(v)
	return t.prepare(model.Replace(model.FieldBinding, v))
}

func (t *Task) SetBinding(v model.Binding) { t.batched(t.prepareBinding(v)) }

func (t *Task) SetBindingImmediate(ctx context.Context, v model.Binding) error {
	return t.immediate(ctx, t.prepareBinding(v))
}

// Recurrence

func (t *Task) Recurrence() model.Recurrence { return t.rec.Recurrence }

func (t *Task) IsSingle() bool { return t.rec.Recurrence == model.RecurrenceSingle }

func (t *Task) IsRecurring() bool { return t.rec.Recurrence == model.RecurrenceRecurring }

func (t *Task) SetRecurrenceTransient(v model.Recurrence) { t.rec.Recurrence = v }

func (t *Task) prepareRecurrence(v model.Recurrence) *model.Change {
	t.SetRecurrenceTransient(v)
	return t.prepare(model.Replace(model.FieldRecurrence, v))
}

func (t *Task) SetRecurrence(v model.Recurrence) { t.batched(t.prepareRecurrence(v)) }

func (t *Task) SetRecurrenceImmediate(ctx context.Context, v model.Recurrence) error {
	return t.immediate(ctx, t.prepareRecurrence(v))
}

// Schedule

func (t *Task) Schedule() *model.Schedule { return copySchedule(t.rec.Schedule) }

func (t *Task) SetScheduleTransient(v *model.Schedule) { t.rec.Schedule = copySchedule(v) }

func (t *Task) prepareSchedule(v *model.Schedule) *model.Change {
	t.SetScheduleTransient(v)
	return t.prepare(model.Replace(model.FieldSchedule, copySchedule(v)))
}

func (t *Task) SetSchedule(v *model.Schedule) { t.batched(t.prepareSchedule(v)) }

func (t *Task) SetScheduleImmediate(ctx context.Context, v *model.Schedule) error {
	return t.immediate(ctx, t.prepareSchedule(v))
}

func copySchedule(v *model.Schedule) *model.Schedule {
	if v == nil {
		return nil
	}
	c := *v
	c.LatestStartTime = copyTime(v.LatestStartTime)
	return &c
}

// StillCanStart reports whether the schedule's latest start time, if any,
// has not passed yet.
func (t *Task) StillCanStart(now time.Time) bool {
	s := t.rec.Schedule
	if s == nil || s.LatestStartTime == nil {
		return true
	}
	return !s.LatestStartTime.Before(now)
}

// Owner and object

func (t *Task) Owner() *model.ObjectRef {
	if t.rec.Owner == nil {
		return nil
	}
	o := *t.rec.Owner
	return &o
}

func (t *Task) SetOwner(ref *model.ObjectRef) {
	if ref == nil {
		t.rec.Owner = nil
		return
	}
	o := *ref
	t.rec.Owner = &o
}

func (t *Task) ObjectRef() *model.ObjectRef {
	if t.rec.ObjectRef == nil {
		return nil
	}
	o := *t.rec.ObjectRef
	return &o
}

// SetObjectRef points the task at another object and drops the cached one.
func (t *Task) SetObjectRef(ref *model.ObjectRef) {
	t.object = nil
	if ref == nil {
		t.rec.ObjectRef = nil
		return
	}
	o := *ref
	t.rec.ObjectRef = &o
}

// Object returns the referenced object, loading it on first use. It
// returns nil without error when the task references no object.
func (t *Task) Object(ctx context.Context) (any, error) {
	if t.rec.ObjectRef == nil {
		return nil, nil
	}
	if t.object != nil {
		return t.object, nil
	}
	if t.deps.Objects == nil {
		return nil, fmt.Errorf("no object resolver configured for task %s", t.rec.Identifier)
	}
	obj, err := t.deps.Objects.Resolve(ctx, *t.rec.ObjectRef)
	if err != nil {
		return nil, fmt.Errorf("resolve object %s of task %s: %w", t.rec.ObjectRef.OID, t.rec.Identifier, err)
	}
	t.object = obj
	return obj, nil
}

// Extension

func (t *Task) Extension(key string) (model.ExtensionValue, bool) {
	v, ok := t.rec.Extension[key]
	return v, ok
}

func (t *Task) ExtensionKeys() []string {
	keys := make([]string, 0, len(t.rec.Extension))
	for k := range t.rec.Extension {
		keys = append(keys, k)
	}
	return keys
}

func (t *Task) SetExtensionTransient(key string, v model.ExtensionValue) error {
	_, err := t.prepareExtension(key, v)
	return err
}

func (t *Task) prepareExtension(key string, v model.ExtensionValue) (*model.Change, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty extension key", repository.ErrSchema)
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: extension %q: %v", repository.ErrSchema, key, err)
	}
	t.rec.Extension[key] = v
	return t.prepare(model.ReplaceExtension(key, v)), nil
}

func (t *Task) SetExtension(key string, v model.ExtensionValue) error {
	c, err := t.prepareExtension(key, v)
	if err != nil {
		return err
	}
	t.batched(c)
	return nil
}

func (t *Task) SetExtensionImmediate(ctx context.Context, key string, v model.ExtensionValue) error {
	c, err := t.prepareExtension(key, v)
	if err != nil {
		return err
	}
	return t.immediate(ctx, c)
}

func (t *Task) prepareDeleteExtension(key string) *model.Change {
	delete(t.rec.Extension, key)
	return t.prepare(model.DeleteExtension(key))
}

func (t *Task) DeleteExtension(key string) { t.batched(t.prepareDeleteExtension(key)) }

func (t *Task) DeleteExtensionImmediate(ctx context.Context, key string) error {
	return t.immediate(ctx, t.prepareDeleteExtension(key))
}
