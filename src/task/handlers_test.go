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
	"testing"

	"continuumtasks/src/model"
	"continuumtasks/src/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireConsistent(t *testing.T, tk *Task) {
	t.Helper()
	stack, err := tk.OtherHandlers()
	require.NoError(t, err)
	uri, err := tk.HandlerURI()
	require.NoError(t, err)
	if uri == "" {
		assert.Empty(t, stack)
	}
}

func currentURI(t *testing.T, tk *Task) string {
	t.Helper()
	uri, err := tk.HandlerURI()
	require.NoError(t, err)
	return uri
}

func TestPushFinishIsInverse(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	tk := persistentTask(t, store, &fakeScheduler{}, func(r *model.TaskRecord) { r.HandlerURI = "h1" })

	require.NoError(t, tk.PushHandler("h2"))
	requireConsistent(t, tk)
	require.NoError(t, tk.FinishHandler(ctx))
	requireConsistent(t, tk)
	assert.Equal(t, "h1", currentURI(t, tk))

	require.NoError(t, tk.FinishHandler(ctx))
	requireConsistent(t, tk)
	assert.Equal(t, "", currentURI(t, tk))
	n, err := tk.HandlersCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChainedPushes(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	tk := persistentTask(t, store, &fakeScheduler{}, nil)

	require.NoError(t, tk.PushHandler("h1"))
	stack, err := tk.OtherHandlers()
	require.NoError(t, err)
	assert.Empty(t, stack, "the first push only sets the current handler")

	require.NoError(t, tk.PushHandler("h2"))
	assert.Equal(t, "h2", currentURI(t, tk))
	stack, err = tk.OtherHandlers()
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, stack)
	n, err := tk.HandlersCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, tk.FinishHandler(ctx))
	assert.Equal(t, "h1", currentURI(t, tk))
	stack, err = tk.OtherHandlers()
	require.NoError(t, err)
	assert.Empty(t, stack)

	stored := store.records["oid-1"]
	assert.Equal(t, "h1", stored.HandlerURI)
	assert.Empty(t, stored.OtherHandlers)
	assert.Equal(t, model.ExecutionRunnable, stored.ExecutionStatus)
}

func TestFinishLastHandlerClosesTask(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	sched := &fakeScheduler{}
	tk := persistentTask(t, store, sched, func(r *model.TaskRecord) { r.HandlerURI = "h1" })

	require.NoError(t, tk.FinishHandler(ctx))

	assert.Equal(t, "", currentURI(t, tk))
	assert.Equal(t, model.ExecutionClosed, tk.ExecutionStatus())
	assert.Equal(t, 1, sched.closes)
	assert.Empty(t, tk.PendingModifications(), "finishing saves pending changes")
	assert.Equal(t, model.ExecutionClosed, store.records["oid-1"].ExecutionStatus)
	assert.Equal(t, "", store.records["oid-1"].HandlerURI)
}

func TestFinishSavesEarlierBatchedChanges(t *testing.T) {
	store := newFakeStore()
	tk := persistentTask(t, store, &fakeScheduler{}, func(r *model.TaskRecord) {
		r.HandlerURI = "h2"
		r.OtherHandlers = []string{"h1"}
	})

	tk.SetProgress(10)
	require.NoError(t, tk.FinishHandler(context.Background()))

	require.Equal(t, 1, store.calls())
	assert.Equal(t, int64(10), store.records["oid-1"].Progress)
	assert.Equal(t, "h1", store.records["oid-1"].HandlerURI)
}

func TestReplaceCurrentHandlerKeepsStack(t *testing.T) {
	tk := persistentTask(t, newFakeStore(), &fakeScheduler{}, func(r *model.TaskRecord) {
		r.HandlerURI = "h2"
		r.OtherHandlers = []string{"h1"}
	})

	require.NoError(t, tk.ReplaceCurrentHandler("h3"))

	assert.Equal(t, "h3", currentURI(t, tk))
	stack, err := tk.OtherHandlers()
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, stack)
	require.Len(t, tk.PendingModifications(), 1)
	assert.Equal(t, model.FieldHandlerURI, tk.PendingModifications()[0].Field)

	err = tk.ReplaceCurrentHandler("")
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestCorruptedStackIsReportedNotRepaired(t *testing.T) {
	tk := persistentTask(t, newFakeStore(), &fakeScheduler{}, func(r *model.TaskRecord) {
		r.HandlerURI = ""
		r.OtherHandlers = []string{"h1"}
	})

	_, err := tk.OtherHandlers()
	require.ErrorIs(t, err, ErrInvariantViolation)
	_, err = tk.HandlersCount()
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.ErrorIs(t, tk.PushHandler("h2"), ErrInvariantViolation)
	require.ErrorIs(t, tk.ReplaceCurrentHandler("h2"), ErrInvariantViolation)
	require.ErrorIs(t, tk.FinishHandler(context.Background()), ErrInvariantViolation)

	assert.Empty(t, tk.PendingModifications())
}

func TestCorruptedStackHidesCurrentHandler(t *testing.T) {
	reg := fakeRegistry{"h1": fakeHandler{category: "provisioning"}}
	tk := Load(Deps{Store: newFakeStore(), Scheduler: &fakeScheduler{}, Handlers: reg}, model.TaskRecord{
		OID:           "oid-1",
		OtherHandlers: []string{"h1"},
	})

	uri, err := tk.HandlerURI()
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, "", uri)

	h, err := tk.Handler()
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Nil(t, h)
	assert.Equal(t, "", tk.CategoryFromHandler())
}

func TestPushEmptyHandlerIsSchemaError(t *testing.T) {
	tk := New(Deps{Store: newFakeStore(), Scheduler: &fakeScheduler{}})
	require.ErrorIs(t, tk.PushHandler(""), repository.ErrSchema)
}

func TestHandlerResolution(t *testing.T) {
	reg := fakeRegistry{"h1": fakeHandler{category: "provisioning"}}
	tk := New(Deps{Store: newFakeStore(), Scheduler: &fakeScheduler{}, Handlers: reg})

	h, err := tk.Handler()
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Equal(t, "", tk.CategoryFromHandler())

	require.NoError(t, tk.PushHandler("h1"))
	h, err = tk.Handler()
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "provisioning", tk.CategoryFromHandler())

	require.NoError(t, tk.ReplaceCurrentHandler("unknown"))
	h, err = tk.Handler()
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestFinishOnTransientTaskStaysInMemory(t *testing.T) {
	store := newFakeStore()
	sched := &fakeScheduler{}
	tk := New(Deps{Store: store, Scheduler: sched})
	require.NoError(t, tk.PushHandler("h1"))

	require.NoError(t, tk.FinishHandler(context.Background()))

	assert.True(t, tk.IsClosed())
	assert.Zero(t, store.calls())
}

func TestPushFinishFromEmptyChain(t *testing.T) {
	ctx := context.Background()
	tk := persistentTask(t, newFakeStore(), &fakeScheduler{}, nil)
	before, err := tk.HandlersCount()
	require.NoError(t, err)
	require.Zero(t, before)

	require.NoError(t, tk.PushHandler("h2"))
	require.NoError(t, tk.FinishHandler(ctx))
	require.NoError(t, tk.FinishHandler(ctx))

	requireConsistent(t, tk)
	assert.Equal(t, "", currentURI(t, tk))
	after, err := tk.HandlersCount()
	require.NoError(t, err)
	assert.Zero(t, after)
}
