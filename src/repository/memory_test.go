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

package repository

import (
	"context"
	"testing"
	"time"

	"continuumtasks/src/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runnable(name string) model.TaskRecord {
	return model.TaskRecord{
		Identifier:      name,
		Name:            name,
		ExecutionStatus: model.ExecutionRunnable,
		Recurrence:      model.RecurrenceSingle,
		Binding:         model.BindingTight,
		HandlerURI:      "urn:step",
	}
}

func TestMemoryAddAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	oid, err := s.Add(ctx, runnable("a"))
	require.NoError(t, err)
	require.NotEmpty(t, oid)

	rec, err := s.Get(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Name)
	assert.Equal(t, oid, rec.OID)

	rec.Name = "mutated"
	again, err := s.Get(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Name, "records are copied out")

	dup := runnable("b")
	dup.OID = oid
	_, err = s.Add(ctx, dup)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryApplyChangesIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	oid, err := s.Add(ctx, runnable("a"))
	require.NoError(t, err)

	err = s.ApplyChanges(ctx, oid, []model.Change{
		model.Replace(model.FieldName, "renamed"),
		model.Replace(model.FieldProgress, "not a number"),
	})
	require.ErrorIs(t, err, ErrSchema)

	rec, err := s.Get(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Name)

	require.NoError(t, s.ApplyChanges(ctx, oid, []model.Change{
		model.Replace(model.FieldName, "first"),
		model.Replace(model.FieldName, "second"),
	}))
	rec, err = s.Get(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, "second", rec.Name)
	assert.Equal(t, 2, s.ApplyCalls())

	assert.ErrorIs(t, s.ApplyChanges(ctx, "missing", nil), ErrNotFound)
}

func TestMemoryClaimOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	earlier := time.Now().Add(-time.Hour)
	old := runnable("old")
	old.LastRunStart = &earlier
	_, err := s.Add(ctx, old)
	require.NoError(t, err)

	fresh, err := s.Add(ctx, runnable("fresh"))
	require.NoError(t, err)

	waiting := runnable("waiting")
	waiting.ExecutionStatus = model.ExecutionWaiting
	_, err = s.Add(ctx, waiting)
	require.NoError(t, err)

	noHandler := runnable("idle")
	noHandler.HandlerURI = ""
	_, err = s.Add(ctx, noHandler)
	require.NoError(t, err)

	first, err := s.ClaimRunnable(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, fresh, first.OID, "never-run tasks come first")
	assert.Equal(t, "node-1", first.Node)

	second, err := s.ClaimRunnable(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "old", second.Name)

	_, err = s.ClaimRunnable(ctx, "node-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Release(ctx, fresh))
	again, err := s.ClaimRunnable(ctx, "node-2")
	require.NoError(t, err)
	assert.Equal(t, fresh, again.OID)
}

func TestMemoryReleaseStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	oid, err := s.Add(ctx, runnable("a"))
	require.NoError(t, err)
	_, err = s.ClaimRunnable(ctx, "node-1")
	require.NoError(t, err)

	released, err := s.ReleaseStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, released)

	// a negative age puts the cutoff in the future, so every claim is stale
	released, err = s.ReleaseStale(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{oid}, released)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Claimed)
}

func TestMemoryCountsAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, err := s.Add(ctx, runnable("a"))
	require.NoError(t, err)
	closed := runnable("b")
	closed.ExecutionStatus = model.ExecutionClosed
	_, err = s.Add(ctx, closed)
	require.NoError(t, err)
	_, err = s.ClaimRunnable(ctx, "n")
	require.NoError(t, err)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCounts{Total: 2, Runnable: 1, Closed: 1, Claimed: 1}, counts)

	require.NoError(t, s.Delete(ctx, a))
	assert.ErrorIs(t, s.Delete(ctx, a), ErrNotFound)
	counts, err = s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCounts{Total: 1, Closed: 1}, counts)
}

func TestMemoryResolve(t *testing.T) {
	s := NewMemoryStore()
	ref := model.ObjectRef{OID: "o1", Type: "report"}
	s.PutObject(ref, "payload")

	obj, err := s.Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "payload", obj)

	_, err = s.Resolve(context.Background(), model.ObjectRef{OID: "o1", Type: "other"})
	assert.ErrorIs(t, err, ErrNotFound)
}
