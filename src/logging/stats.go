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

package logging

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID             string    `json:"id"`
	StartTime      time.Time `json:"start_time"`
	Uptime         string    `json:"uptime"`
	TasksProcessed uint64    `json:"tasks_processed"`
	TasksSucceeded uint64    `json:"tasks_succeeded"`
	TasksFailed    uint64    `json:"tasks_failed"`
	StoreFailures  uint64    `json:"store_failures"`
	CurrentTasks   []string  `json:"current_tasks,omitempty"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
	current        map[string]struct{}
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{ID: id, StartTime: time.Now()},
		current:        make(map[string]struct{}),
	}
}

// UpdateStats adds the deltas to the worker statistics and mirrors them into metrics.
func (s *WorkerStats) UpdateStats(processed, succeeded, failed, storeFailures uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksProcessed += processed
	s.statusResponse.TasksSucceeded += succeeded
	s.statusResponse.TasksFailed += failed
	s.statusResponse.StoreFailures += storeFailures

	ctx := context.Background()
	AddToCounter(ctx, "worker_tasks_total", float64(processed))
	AddToCounter(ctx, "worker_tasks_succeeded", float64(succeeded))
	AddToCounter(ctx, "worker_tasks_failed", float64(failed))
	AddToCounter(ctx, "worker_store_failures", float64(storeFailures))
}

func (s *WorkerStats) TaskStarted(identifier string) {
	s.mu.Lock()
	s.current[identifier] = struct{}{}
	s.mu.Unlock()
}

func (s *WorkerStats) TaskEnded(identifier string) {
	s.mu.Lock()
	delete(s.current, identifier)
	s.mu.Unlock()
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	for id := range s.current {
		resp.CurrentTasks = append(resp.CurrentTasks, id)
	}
	sort.Strings(resp.CurrentTasks)
	return resp
}
