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

	"continuumtasks/src/model"
)

// Result is the live outcome tracker of the current execution.
func (t *Task) Result() *model.OperationResult { return t.result }

// ResultStatus reads the live tracker, so it reflects operations that were
// not saved yet.
func (t *Task) ResultStatus() model.ResultStatus {
	if t.result == nil {
		return model.ResultUnknown
	}
	return t.result.Status()
}

func (t *Task) SetResultTransient(r *model.OperationResult) {
	if r == nil {
		r = model.NewOperationResult(resultOperation)
	}
	t.result = r
	snap := r.Snapshot()
	t.rec.Result = &snap
	t.rec.ResultStatus = snap.Status
}

// prepareResult returns the snapshot and its status as two changes that
// must always be applied together.
func (t *Task) prepareResult(r *model.OperationResult) []*model.Change {
	t.SetResultTransient(r)
	snap := t.rec.Result.Clone()
	return []*model.Change{
		t.prepare(model.Replace(model.FieldResult, &snap)),
		t.prepare(model.Replace(model.FieldResultStatus, snap.Status)),
	}
}

func (t *Task) SetResult(r *model.OperationResult) { t.batched(t.prepareResult(r)...) }

func (t *Task) SetResultImmediate(ctx context.Context, r *model.OperationResult) error {
	return t.immediate(ctx, t.prepareResult(r)...)
}
