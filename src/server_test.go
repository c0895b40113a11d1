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

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"continuumtasks/src/logging"
	"continuumtasks/src/model"
	"continuumtasks/src/repository"
	"continuumtasks/src/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingScheduler struct {
	mu      sync.Mutex
	resyncs []string
}

func (s *countingScheduler) Resynchronize(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncs = append(s.resyncs, t.OID())
	return nil
}

func (s *countingScheduler) CloseWithoutPersisting(ctx context.Context, t *task.Task) error {
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *repository.MemoryStore, *countingScheduler) {
	t.Helper()
	store := repository.NewMemoryStore()
	sched := &countingScheduler{}
	api := NewAPIServer(store, task.Deps{Scheduler: sched}, logging.NewWorkerStats("node-test"))
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return srv, store, sched
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeRecord(t *testing.T, resp *http.Response) model.TaskRecord {
	t.Helper()
	var rec model.TaskRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	return rec
}

func TestCreateTask(t *testing.T) {
	srv, store, sched := newTestServer(t)

	resp := post(t, srv.URL+"/tasks/", `{"name":"report","handlers":["urn:a","urn:b","urn:c"],"recurrence":"recurring","schedule":{"interval":60}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decodeRecord(t, resp)

	assert.NotEmpty(t, rec.OID)
	assert.Equal(t, "report", rec.Name)
	assert.Equal(t, "urn:a", rec.HandlerURI)
	assert.Equal(t, []string{"urn:c", "urn:b"}, rec.OtherHandlers)
	assert.Equal(t, model.ExecutionRunnable, rec.ExecutionStatus)
	assert.Equal(t, model.RecurrenceRecurring, rec.Recurrence)

	stored, err := store.Get(context.Background(), rec.OID)
	require.NoError(t, err)
	assert.Equal(t, "urn:a", stored.HandlerURI)
	assert.Equal(t, 60, stored.Schedule.Interval)
	assert.Equal(t, []string{rec.OID}, sched.resyncs)
}

func TestCreateWaitingTask(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := post(t, srv.URL+"/tasks/", `{"name":"later","handlers":["urn:a"],"waiting":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, model.ExecutionWaiting, decodeRecord(t, resp).ExecutionStatus)
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	srv, _, sched := newTestServer(t)

	cases := map[string]string{
		"malformed json":  `{"name":`,
		"no handlers":     `{"name":"x"}`,
		"empty handler":   `{"name":"x","handlers":[""]}`,
		"unknown binding": `{"name":"x","handlers":["urn:a"],"binding":"sticky"}`,
		"unknown stop":    `{"name":"x","handlers":["urn:a"],"thread_stop_action":"explode"}`,
		"empty ext key":   `{"name":"x","handlers":["urn:a"],"extension":{"":{"int":1}}}`,
		"bad recurrence":  `{"name":"x","handlers":["urn:a"],"recurrence":"sometimes"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := post(t, srv.URL+"/tasks/", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, sched.resyncs)
}

func TestGetTask(t *testing.T) {
	srv, _, _ := newTestServer(t)
	created := decodeRecord(t, post(t, srv.URL+"/tasks/", `{"name":"fetch","handlers":["urn:a"]}`))

	resp, err := http.Get(srv.URL + "/tasks/" + created.OID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.Identifier, decodeRecord(t, resp).Identifier)

	missing, err := http.Get(srv.URL + "/tasks/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestSuspendAndResume(t *testing.T) {
	srv, store, sched := newTestServer(t)
	created := decodeRecord(t, post(t, srv.URL+"/tasks/", `{"name":"pause me","handlers":["urn:a"]}`))

	resp := post(t, srv.URL+"/tasks/"+created.OID+"/suspend", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ExecutionSuspended, decodeRecord(t, resp).ExecutionStatus)

	stored, err := store.Get(context.Background(), created.OID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSuspended, stored.ExecutionStatus)

	resp = post(t, srv.URL+"/tasks/"+created.OID+"/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ExecutionRunnable, decodeRecord(t, resp).ExecutionStatus)

	// create, suspend and resume each resynchronize once
	assert.Len(t, sched.resyncs, 3)

	resp = post(t, srv.URL+"/tasks/"+created.OID+"/resume", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/tasks/missing/suspend", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	post(t, srv.URL+"/tasks/", `{"name":"one","handlers":["urn:a"]}`)
	second := decodeRecord(t, post(t, srv.URL+"/tasks/", `{"name":"two","handlers":["urn:a"]}`))
	post(t, srv.URL+"/tasks/"+second.OID+"/suspend", "")

	resp, err := http.Get(srv.URL + "/global-status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var counts model.StatusCounts
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counts))
	assert.Equal(t, model.StatusCounts{Total: 2, Runnable: 1, Suspended: 1}, counts)

	resp2, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var stats logging.StatusResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stats))
	assert.Equal(t, "node-test", stats.ID)
}
