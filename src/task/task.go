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

// Package task keeps a task's in-memory state, its durable record and the
// external scheduler consistent, and tracks the chain of step handlers that
// execute the task.
//
// A Task has a single logical owner: the worker executing it, or the API
// call performing a life-cycle operation. Only the pending-change list is
// guarded; ordinary field access is not synchronized.
package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"continuumtasks/src/model"

	"github.com/google/uuid"
)

const resultOperation = "continuum.task.run"

// Store is the durable task store.
type Store interface {
	Get(ctx context.Context, oid string) (*model.TaskRecord, error)
	ApplyChanges(ctx context.Context, oid string, changes []model.Change) error
}

// Scheduler is the external triggering engine. Both calls must be idempotent.
type Scheduler interface {
	Resynchronize(ctx context.Context, t *Task) error
	CloseWithoutPersisting(ctx context.Context, t *Task) error
}

// HandlerRegistry resolves handler URIs. Lookup returns nil for unknown URIs.
type HandlerRegistry interface {
	Lookup(uri string) Handler
}

// ObjectResolver loads the object a task operates on.
type ObjectResolver interface {
	Resolve(ctx context.Context, ref model.ObjectRef) (any, error)
}

// Deps are the collaborators a Task talks to. Handlers and Objects are optional.
type Deps struct {
	Store     Store
	Scheduler Scheduler
	Handlers  HandlerRegistry
	Objects   ObjectResolver
}

type Task struct {
	deps        Deps
	rec         model.TaskRecord
	persistence model.PersistenceStatus
	result      *model.OperationResult
	object      any

	canRun              atomic.Bool
	currentlyExecutesAt string

	pendingMu sync.Mutex
	pending   []model.Change
}

// New creates a transient task with a fresh identifier and default settings.
func New(deps Deps) *Task {
	t := &Task{
		deps:        deps,
		persistence: model.PersistenceTransient,
		rec: model.TaskRecord{
			Identifier:      uuid.New().String(),
			ExecutionStatus: model.ExecutionRunnable,
			Recurrence:      model.RecurrenceSingle,
			Binding:         model.BindingTight,
			Extension:       map[string]model.ExtensionValue{},
		},
	}
	t.canRun.Store(true)
	t.setDefaults()
	return t
}

// Load wraps a record read from the durable store. The task is persistent
// when the record carries an oid.
func Load(deps Deps, rec model.TaskRecord) *Task {
	t := &Task{deps: deps, rec: rec.Clone()}
	t.canRun.Store(true)
	t.setDefaults()
	return t
}

func (t *Task) setDefaults() {
	if t.rec.Binding == "" {
		t.rec.Binding = model.BindingTight
	}
	if t.rec.Extension == nil {
		t.rec.Extension = map[string]model.ExtensionValue{}
	}
	if t.rec.OID == "" {
		t.persistence = model.PersistenceTransient
	} else {
		t.persistence = model.PersistencePersistent
	}
	if t.rec.Result != nil {
		t.result = model.ResultFromSnapshot(*t.rec.Result)
	} else {
		t.result = model.NewOperationResult(resultOperation)
		snap := t.result.Snapshot()
		t.rec.Result = &snap
	}
}

func (t *Task) Identifier() string { return t.rec.Identifier }

func (t *Task) OID() string { return t.rec.OID }

func (t *Task) PersistenceStatus() model.PersistenceStatus { return t.persistence }

func (t *Task) IsPersistent() bool { return t.persistence == model.PersistencePersistent }

func (t *Task) IsTransient() bool { return t.persistence == model.PersistenceTransient }

// IsAsynchronous reports whether the task runs detached from its creator.
func (t *Task) IsAsynchronous() bool { return t.IsPersistent() }

// MarkPersistent records that the task was written to the store under oid.
// It can happen only once.
func (t *Task) MarkPersistent(oid string) error {
	if t.IsPersistent() {
		return illegalStatef("MarkPersistent", "task %s is already persistent (oid %s)", t.rec.Identifier, t.rec.OID)
	}
	if oid == "" {
		return illegalStatef("MarkPersistent", "empty oid for task %s", t.rec.Identifier)
	}
	t.rec.OID = oid
	t.persistence = model.PersistencePersistent
	return nil
}

// Refresh reloads the task from the durable store. Unsaved batched changes
// are discarded; concurrent writes by other parties are not detected.
func (t *Task) Refresh(ctx context.Context) error {
	if !t.IsPersistent() {
		return nil
	}
	rec, err := t.deps.Store.Get(ctx, t.rec.OID)
	if err != nil {
		return fmt.Errorf("refresh task %s: %w", t.rec.OID, err)
	}
	t.rec = rec.Clone()
	t.result = nil
	t.object = nil
	t.setDefaults()

	t.pendingMu.Lock()
	t.pending = nil
	t.pendingMu.Unlock()
	return nil
}

// Snapshot returns the durable record with the live result materialized.
func (t *Task) Snapshot() model.TaskRecord {
	rec := t.rec.Clone()
	if t.result != nil {
		snap := t.result.Snapshot()
		rec.Result = &snap
		rec.ResultStatus = snap.Status
	}
	return rec
}

// SignalShutdown asks the executing handler to stop at its next safe point.
// It only affects this instance, so it must be called on the task that is
// actually running.
func (t *Task) SignalShutdown() {
	t.canRun.Store(false)
}

func (t *Task) CanRun() bool {
	return t.canRun.Load()
}

// CurrentlyExecutesAt is the node running the task, if known.
func (t *Task) CurrentlyExecutesAt() string { return t.currentlyExecutesAt }

func (t *Task) SetCurrentlyExecutesAt(node string) { t.currentlyExecutesAt = node }

func (t *Task) String() string {
	return fmt.Sprintf("Task(id:%s, name:%s, oid:%s)", t.rec.Identifier, t.rec.Name, t.rec.OID)
}

// Dump renders every attribute for debugging.
func (t *Task) Dump() string {
	var sb strings.Builder
	rec := t.Snapshot()
	fmt.Fprintf(&sb, "%s\n", t)
	fmt.Fprintf(&sb, "  persistenceStatus: %s\n", t.persistence)
	fmt.Fprintf(&sb, "  executionStatus: %s\n", rec.ExecutionStatus)
	fmt.Fprintf(&sb, "  recurrence: %s, binding: %s\n", rec.Recurrence, rec.Binding)
	if rec.Schedule != nil {
		fmt.Fprintf(&sb, "  schedule: interval=%d cron=%q\n", rec.Schedule.Interval, rec.Schedule.CronLikePattern)
	}
	fmt.Fprintf(&sb, "  handler: %q, other handlers: %v\n", rec.HandlerURI, rec.OtherHandlers)
	fmt.Fprintf(&sb, "  progress: %d, node: %q\n", rec.Progress, rec.Node)
	fmt.Fprintf(&sb, "  result: %s", rec.ResultStatus)
	for _, m := range t.result.Messages() {
		fmt.Fprintf(&sb, "\n    %s", m)
	}
	return sb.String()
}
