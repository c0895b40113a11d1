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
	"sync"
	"testing"

	"continuumtasks/src/model"
	"continuumtasks/src/repository"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]model.TaskRecord
	applied [][]model.Change
	failErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]model.TaskRecord)}
}

func (s *fakeStore) Get(ctx context.Context, oid string) (*model.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[oid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := rec.Clone()
	return &c, nil
}

func (s *fakeStore) ApplyChanges(ctx context.Context, oid string, changes []model.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, append([]model.Change(nil), changes...))
	if s.failErr != nil {
		return s.failErr
	}
	rec, ok := s.records[oid]
	if !ok {
		return repository.ErrNotFound
	}
	rec = rec.Clone()
	for _, c := range changes {
		if err := c.ApplyTo(&rec); err != nil {
			return err
		}
	}
	s.records[oid] = rec
	return nil
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func (s *fakeStore) lastApplied() []model.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.applied) == 0 {
		return nil
	}
	return s.applied[len(s.applied)-1]
}

type fakeScheduler struct {
	resyncs int
	closes  int
	err     error
}

func (s *fakeScheduler) Resynchronize(ctx context.Context, t *Task) error {
	s.resyncs++
	return s.err
}

func (s *fakeScheduler) CloseWithoutPersisting(ctx context.Context, t *Task) error {
	s.closes++
	return s.err
}

type fakeHandler struct{ category string }

func (h fakeHandler) Run(ctx context.Context, t *Task) RunResult { return RunResult{Status: RunFinished} }

func (h fakeHandler) Category(t *Task) string { return h.category }

type fakeRegistry map[string]Handler

func (r fakeRegistry) Lookup(uri string) Handler { return r[uri] }

type fakeObjects map[string]any

func (o fakeObjects) Resolve(ctx context.Context, ref model.ObjectRef) (any, error) {
	obj, ok := o[ref.OID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return obj, nil
}

// persistentTask stores a fresh record and loads it back as a persistent task.
func persistentTask(t *testing.T, store *fakeStore, sched *fakeScheduler, mutate func(*model.TaskRecord)) *Task {
	t.Helper()
	rec := model.TaskRecord{
		OID:             "oid-1",
		Identifier:      "id-1",
		Name:            "sync",
		ExecutionStatus: model.ExecutionRunnable,
		Recurrence:      model.RecurrenceSingle,
		Binding:         model.BindingTight,
		Extension:       map[string]model.ExtensionValue{},
	}
	if mutate != nil {
		mutate(&rec)
	}
	store.records[rec.OID] = rec
	tk := Load(Deps{Store: store, Scheduler: sched}, rec)
	require.True(t, tk.IsPersistent())
	return tk
}
