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

package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyToSetsFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := &ResultSnapshot{Operation: "op", Status: ResultSuccess}
	rec := TaskRecord{}

	changes := []Change{
		Replace(FieldName, "nightly"),
		Replace(FieldExecutionStatus, ExecutionSuspended),
		Replace(FieldRecurrence, RecurrenceRecurring),
		Replace(FieldBinding, BindingLoose),
		Replace(FieldSchedule, &Schedule{Interval: 30}),
		Replace(FieldOtherHandlers, []string{"urn:b"}),
		Replace(FieldProgress, int64(7)),
		Replace(FieldLastRunStart, &now),
		Replace(FieldResult, snap),
		Replace(FieldResultStatus, ResultSuccess),
		ReplaceExtension("attempts", IntValue(2)),
	}
	for _, c := range changes {
		require.NoError(t, c.ApplyTo(&rec), c.String())
	}

	assert.Equal(t, "nightly", rec.Name)
	assert.Equal(t, ExecutionSuspended, rec.ExecutionStatus)
	assert.Equal(t, RecurrenceRecurring, rec.Recurrence)
	assert.Equal(t, BindingLoose, rec.Binding)
	assert.Equal(t, 30, rec.Schedule.Interval)
	assert.Equal(t, []string{"urn:b"}, rec.OtherHandlers)
	assert.Equal(t, int64(7), rec.Progress)
	assert.True(t, rec.LastRunStart.Equal(now))
	assert.Equal(t, ResultSuccess, rec.Result.Status)
	assert.Equal(t, int64(2), rec.Extension["attempts"].Int)

	require.NoError(t, DeleteExtension("attempts").ApplyTo(&rec))
	assert.NotContains(t, rec.Extension, "attempts")
}

func TestApplyToRejectsBadValues(t *testing.T) {
	cases := map[string]Change{
		"wrong type":         Replace(FieldProgress, 3),
		"invalid enum":       Replace(FieldExecutionStatus, ExecutionStatus("running")),
		"unknown field":      Replace(Field("colour"), "red"),
		"delete plain field": {Field: FieldName, Op: OpDelete},
		"extension no key":   ReplaceExtension("", StringValue("x")),
		"extension bad kind": ReplaceExtension("k", ExtensionValue{Kind: "float"}),
		"time without value": ReplaceExtension("k", ExtensionValue{Kind: KindTime}),
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			rec := TaskRecord{}
			assert.Error(t, c.ApplyTo(&rec))
		})
	}
}

func TestChangePath(t *testing.T) {
	assert.Equal(t, "progress", Replace(FieldProgress, int64(1)).Path())
	assert.Equal(t, "extension/code", ReplaceExtension("code", StringValue("x")).Path())
	assert.Equal(t, "delete extension/code", DeleteExtension("code").String())
}

func TestCloneIsDeep(t *testing.T) {
	lst := time.Now()
	rec := TaskRecord{
		Schedule:      &Schedule{Interval: 5, LatestStartTime: &lst},
		OtherHandlers: []string{"a"},
		Owner:         &ObjectRef{OID: "o1"},
		Extension:     map[string]ExtensionValue{"k": StringValue("v")},
		Result:        &ResultSnapshot{Messages: []string{"m"}},
	}
	c := rec.Clone()
	c.Schedule.Interval = 9
	c.OtherHandlers[0] = "b"
	c.Owner.OID = "o2"
	c.Extension["k"] = StringValue("w")
	c.Result.Messages[0] = "n"

	assert.Equal(t, 5, rec.Schedule.Interval)
	assert.Equal(t, "a", rec.OtherHandlers[0])
	assert.Equal(t, "o1", rec.Owner.OID)
	assert.Equal(t, "v", rec.Extension["k"].Str)
	assert.Equal(t, "m", rec.Result.Messages[0])
}

func TestScheduleEqual(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.In(time.FixedZone("x", 3600))

	assert.True(t, (*Schedule)(nil).Equal(nil))
	assert.False(t, (&Schedule{}).Equal(nil))
	assert.True(t, (&Schedule{Interval: 1, LatestStartTime: &a}).Equal(&Schedule{Interval: 1, LatestStartTime: &b}))
	assert.False(t, (&Schedule{CronLikePattern: "* *"}).Equal(&Schedule{CronLikePattern: "*/5 *"}))
}

func TestResultStatusSummarizesSubresults(t *testing.T) {
	r := NewOperationResult("run")
	assert.Equal(t, ResultUnknown, r.Status())

	r.CreateSubresult("a").RecordSuccess()
	warn := r.CreateSubresult("b")
	warn.RecordWarning("slow")
	assert.Equal(t, ResultWarning, r.Status())

	r.CreateSubresult("c").RecordFatalError("boom", errors.New("disk"))
	assert.Equal(t, ResultFatalError, r.Status())

	r.RecordSuccess()
	assert.Equal(t, ResultSuccess, r.Status(), "own status wins once recorded")

	snap := r.Snapshot()
	require.Len(t, snap.Subresults, 3)
	assert.Equal(t, []string{"boom: disk"}, snap.Subresults[2].Messages)

	back := ResultFromSnapshot(snap)
	assert.Equal(t, snap, back.Snapshot())
}

func TestResultFromEmptySnapshot(t *testing.T) {
	r := ResultFromSnapshot(ResultSnapshot{Operation: "x"})
	assert.Equal(t, ResultUnknown, r.Status())
	assert.Equal(t, "x", r.Operation())
}

func TestStatusCounts(t *testing.T) {
	var c StatusCounts
	c.Add(ExecutionRunnable, true)
	c.Add(ExecutionRunnable, false)
	c.Add(ExecutionWaiting, false)
	c.Add(ExecutionClosed, false)

	assert.Equal(t, StatusCounts{Total: 4, Runnable: 2, Waiting: 1, Closed: 1, Claimed: 1}, c)
}

func TestExtensionInterface(t *testing.T) {
	ts := time.Unix(100, 0)
	assert.Equal(t, "s", StringValue("s").Interface())
	assert.Equal(t, int64(3), IntValue(3).Interface())
	assert.Equal(t, true, BoolValue(true).Interface())
	assert.Equal(t, ts, TimeValue(ts).Interface())
	assert.Nil(t, ExtensionValue{}.Interface())
}
