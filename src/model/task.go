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

import "time"

type ExecutionStatus string

const (
	ExecutionRunnable  ExecutionStatus = "runnable"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionSuspended ExecutionStatus = "suspended"
	ExecutionClosed    ExecutionStatus = "closed"
)

func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionRunnable, ExecutionWaiting, ExecutionSuspended, ExecutionClosed:
		return true
	}
	return false
}

type PersistenceStatus string

const (
	PersistenceTransient  PersistenceStatus = "transient"
	PersistencePersistent PersistenceStatus = "persistent"
)

type Recurrence string

const (
	RecurrenceSingle    Recurrence = "single"
	RecurrenceRecurring Recurrence = "recurring"
)

func (r Recurrence) Valid() bool {
	return r == RecurrenceSingle || r == RecurrenceRecurring
}

// Binding tells the scheduler whether to keep a live trigger coupled to the task.
type Binding string

const (
	BindingTight Binding = "tight"
	BindingLoose Binding = "loose"
)

func (b Binding) Valid() bool {
	return b == BindingTight || b == BindingLoose
}

// ThreadStopAction is what happens to the task when its executing worker is stopped.
// The empty value means "not set".
type ThreadStopAction string

const (
	StopActionRestart    ThreadStopAction = "restart"
	StopActionReschedule ThreadStopAction = "reschedule"
	StopActionSuspend    ThreadStopAction = "suspend"
	StopActionClose      ThreadStopAction = "close"
)

func (a ThreadStopAction) Valid() bool {
	switch a {
	case "", StopActionRestart, StopActionReschedule, StopActionSuspend, StopActionClose:
		return true
	}
	return false
}

type Schedule struct {
	Interval        int        `json:"interval,omitempty" dynamodbav:"interval,omitempty"`           // seconds
	CronLikePattern string     `json:"cron_like_pattern,omitempty" dynamodbav:"cron_like_pattern,omitempty"`
	LatestStartTime *time.Time `json:"latest_start_time,omitempty" dynamodbav:"latest_start_time,omitempty"`
}

// Equal reports whether two schedules describe the same trigger.
func (s *Schedule) Equal(o *Schedule) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Interval != o.Interval || s.CronLikePattern != o.CronLikePattern {
		return false
	}
	if s.LatestStartTime == nil || o.LatestStartTime == nil {
		return s.LatestStartTime == o.LatestStartTime
	}
	return s.LatestStartTime.Equal(*o.LatestStartTime)
}

type ObjectRef struct {
	OID  string `json:"oid" dynamodbav:"oid"`
	Type string `json:"type,omitempty" dynamodbav:"type,omitempty"`
}

// TaskRecord is the durable representation of a task.
// An empty HandlerURI means "no current handler".
type TaskRecord struct {
	OID              string                    `json:"oid" dynamodbav:"oid"`
	Identifier       string                    `json:"identifier" dynamodbav:"identifier"`
	Name             string                    `json:"name" dynamodbav:"name"`
	Description      string                    `json:"description,omitempty" dynamodbav:"description"`
	Category         string                    `json:"category,omitempty" dynamodbav:"category"`
	Node             string                    `json:"node,omitempty" dynamodbav:"node"`
	ExecutionStatus  ExecutionStatus           `json:"execution_status" dynamodbav:"execution_status"`
	Recurrence       Recurrence                `json:"recurrence" dynamodbav:"recurrence"`
	Binding          Binding                   `json:"binding" dynamodbav:"binding"`
	Schedule         *Schedule                 `json:"schedule,omitempty" dynamodbav:"schedule"`
	ThreadStopAction ThreadStopAction          `json:"thread_stop_action,omitempty" dynamodbav:"thread_stop_action"`
	HandlerURI       string                    `json:"handler_uri,omitempty" dynamodbav:"handler_uri"`
	OtherHandlers    []string                  `json:"other_handlers" dynamodbav:"other_handlers"`
	Owner            *ObjectRef                `json:"owner,omitempty" dynamodbav:"owner"`
	ObjectRef        *ObjectRef                `json:"object_ref,omitempty" dynamodbav:"object_ref"`
	Progress         int64                     `json:"progress" dynamodbav:"progress"`
	LastRunStart     *time.Time                `json:"last_run_start,omitempty" dynamodbav:"last_run_start"`
	LastRunFinish    *time.Time                `json:"last_run_finish,omitempty" dynamodbav:"last_run_finish"`
	Result           *ResultSnapshot           `json:"result,omitempty" dynamodbav:"result"`
	ResultStatus     ResultStatus              `json:"result_status,omitempty" dynamodbav:"result_status"`
	Extension        map[string]ExtensionValue `json:"extension" dynamodbav:"extension"`
}

// Clone returns a copy that shares no mutable state with r.
func (r TaskRecord) Clone() TaskRecord {
	out := r
	if r.Schedule != nil {
		s := *r.Schedule
		if s.LatestStartTime != nil {
			lst := *s.LatestStartTime
			s.LatestStartTime = &lst
		}
		out.Schedule = &s
	}
	out.OtherHandlers = append([]string(nil), r.OtherHandlers...)
	if r.Owner != nil {
		o := *r.Owner
		out.Owner = &o
	}
	if r.ObjectRef != nil {
		o := *r.ObjectRef
		out.ObjectRef = &o
	}
	if r.LastRunStart != nil {
		ts := *r.LastRunStart
		out.LastRunStart = &ts
	}
	if r.LastRunFinish != nil {
		ts := *r.LastRunFinish
		out.LastRunFinish = &ts
	}
	if r.Result != nil {
		res := r.Result.Clone()
		out.Result = &res
	}
	out.Extension = make(map[string]ExtensionValue, len(r.Extension))
	for k, v := range r.Extension {
		out.Extension[k] = v
	}
	return out
}
