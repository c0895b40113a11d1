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
	"sort"
	"sync"
	"time"

	"continuumtasks/src/model"

	"github.com/google/uuid"
)

// MemoryStore keeps task records in process memory. Records are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]model.TaskRecord
	lockedAt map[string]time.Time
	objects  map[string]any

	applyCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]model.TaskRecord),
		lockedAt: make(map[string]time.Time),
		objects:  make(map[string]any),
	}
}

// Add stores rec under a new oid, or under rec.OID when it is already set.
func (s *MemoryStore) Add(ctx context.Context, rec model.TaskRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.OID == "" {
		rec.OID = uuid.New().String()
	}
	if _, ok := s.records[rec.OID]; ok {
		return "", ErrAlreadyExists
	}
	s.records[rec.OID] = rec.Clone()
	return rec.OID, nil
}

func (s *MemoryStore) Get(ctx context.Context, oid string) (*model.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[oid]
	if !ok {
		return nil, notFound(oid)
	}
	out := rec.Clone()
	return &out, nil
}

// ApplyChanges applies all changes or none of them.
func (s *MemoryStore) ApplyChanges(ctx context.Context, oid string, changes []model.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyCalls++
	rec, ok := s.records[oid]
	if !ok {
		return notFound(oid)
	}
	updated := rec.Clone()
	for _, c := range changes {
		if err := c.ApplyTo(&updated); err != nil {
			return schemaErrorf("%v", err)
		}
	}
	s.records[oid] = updated
	return nil
}

// ApplyCalls returns how many times ApplyChanges was invoked.
func (s *MemoryStore) ApplyCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applyCalls
}

func (s *MemoryStore) Delete(ctx context.Context, oid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[oid]; !ok {
		return notFound(oid)
	}
	delete(s.records, oid)
	delete(s.lockedAt, oid)
	return nil
}

// ClaimRunnable locks the runnable task with a handler that ran least recently.
func (s *MemoryStore) ClaimRunnable(ctx context.Context, node string) (*model.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []model.TaskRecord
	for oid, rec := range s.records {
		if _, locked := s.lockedAt[oid]; locked {
			continue
		}
		if rec.ExecutionStatus == model.ExecutionRunnable && rec.HandlerURI != "" {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].LastRunStart, candidates[j].LastRunStart
		switch {
		case a == nil && b == nil:
			return candidates[i].OID < candidates[j].OID
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.Before(*b)
	})

	rec := candidates[0]
	rec.Node = node
	s.records[rec.OID] = rec
	s.lockedAt[rec.OID] = time.Now()
	out := rec.Clone()
	return &out, nil
}

func (s *MemoryStore) Release(ctx context.Context, oid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lockedAt, oid)
	return nil
}

func (s *MemoryStore) ReleaseStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var released []string
	for oid, at := range s.lockedAt {
		if at.Before(cutoff) {
			delete(s.lockedAt, oid)
			released = append(released, oid)
		}
	}
	sort.Strings(released)
	return released, nil
}

// PutObject registers an object that tasks may reference through their object ref.
func (s *MemoryStore) PutObject(ref model.ObjectRef, obj any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[ref.Type+"/"+ref.OID] = obj
}

func (s *MemoryStore) Resolve(ctx context.Context, ref model.ObjectRef) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[ref.Type+"/"+ref.OID]
	if !ok {
		return nil, notFound(ref.OID)
	}
	return obj, nil
}

func (s *MemoryStore) Counts(ctx context.Context) (model.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c model.StatusCounts
	for oid, rec := range s.records {
		_, claimed := s.lockedAt[oid]
		c.Add(rec.ExecutionStatus, claimed)
	}
	return c, nil
}
