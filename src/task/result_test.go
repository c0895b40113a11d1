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
	"testing"

	"continuumtasks/src/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultStatusReadsLiveTracker(t *testing.T) {
	store := newFakeStore()
	tk := persistentTask(t, store, &fakeScheduler{}, nil)

	tk.Result().RecordPartialError("one account failed", errors.New("timeout"))

	assert.Equal(t, model.ResultPartialError, tk.ResultStatus())
	assert.Empty(t, store.records["oid-1"].ResultStatus, "nothing was written yet")
}

func TestSetResultAppliesSnapshotAndStatusTogether(t *testing.T) {
	store := newFakeStore()
	tk := persistentTask(t, store, &fakeScheduler{}, nil)

	r := model.NewOperationResult("continuum.task.run")
	r.CreateSubresult("step").RecordWarning("slow response")
	require.NoError(t, tk.SetResultImmediate(context.Background(), r))

	require.Equal(t, 1, store.calls())
	applied := store.lastApplied()
	require.Len(t, applied, 2)
	assert.Equal(t, model.FieldResult, applied[0].Field)
	assert.Equal(t, model.FieldResultStatus, applied[1].Field)

	stored := store.records["oid-1"]
	assert.Equal(t, model.ResultWarning, stored.ResultStatus)
	require.NotNil(t, stored.Result)
	require.Len(t, stored.Result.Subresults, 1)
	assert.Equal(t, []string{"slow response"}, stored.Result.Subresults[0].Messages)
}

func TestSetResultBatchedQueuesBothChanges(t *testing.T) {
	tk := persistentTask(t, newFakeStore(), &fakeScheduler{}, nil)

	r := model.NewOperationResult("run")
	r.RecordSuccess()
	tk.SetResult(r)

	pending := tk.PendingModifications()
	require.Len(t, pending, 2)
	assert.Equal(t, model.ResultSuccess, pending[1].Value)
	assert.Same(t, r, tk.Result())
}

func TestResultSurvivesReload(t *testing.T) {
	store := newFakeStore()
	tk := persistentTask(t, store, &fakeScheduler{}, nil)

	r := model.NewOperationResult("run")
	r.RecordFatalError("handler crashed", errors.New("exit 1"))
	require.NoError(t, tk.SetResultImmediate(context.Background(), r))

	reloaded := Load(Deps{Store: store}, store.records["oid-1"])
	assert.Equal(t, model.ResultFatalError, reloaded.ResultStatus())
	assert.Equal(t, []string{"handler crashed: exit 1"}, reloaded.Result().Messages())
}
