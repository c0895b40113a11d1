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
	"fmt"
	"sync"
)

type ResultStatus string

const (
	ResultUnknown       ResultStatus = "unknown"
	ResultSuccess       ResultStatus = "success"
	ResultWarning       ResultStatus = "warning"
	ResultPartialError  ResultStatus = "partial_error"
	ResultFatalError    ResultStatus = "fatal_error"
	ResultInProgress    ResultStatus = "in_progress"
	ResultNotApplicable ResultStatus = "not_applicable"
)

// severity orders statuses so a parent can summarize its subresults.
func (s ResultStatus) severity() int {
	switch s {
	case ResultFatalError:
		return 6
	case ResultPartialError:
		return 5
	case ResultWarning:
		return 4
	case ResultInProgress:
		return 3
	case ResultSuccess:
		return 2
	case ResultNotApplicable:
		return 1
	default:
		return 0
	}
}

// ResultSnapshot is the serializable form of an OperationResult.
type ResultSnapshot struct {
	Operation  string           `json:"operation" dynamodbav:"operation"`
	Status     ResultStatus     `json:"status" dynamodbav:"status"`
	Messages   []string         `json:"messages,omitempty" dynamodbav:"messages,omitempty"`
	Subresults []ResultSnapshot `json:"subresults,omitempty" dynamodbav:"subresults,omitempty"`
}

func (s ResultSnapshot) Clone() ResultSnapshot {
	out := s
	out.Messages = append([]string(nil), s.Messages...)
	if s.Subresults != nil {
		out.Subresults = make([]ResultSnapshot, len(s.Subresults))
		for i, sub := range s.Subresults {
			out.Subresults[i] = sub.Clone()
		}
	}
	return out
}

// OperationResult is the live, mutable outcome tracker of an execution.
type OperationResult struct {
	mu         sync.Mutex
	operation  string
	status     ResultStatus
	messages   []string
	subresults []*OperationResult
}

func NewOperationResult(operation string) *OperationResult {
	return &OperationResult{operation: operation, status: ResultUnknown}
}

// ResultFromSnapshot rebuilds a live tracker from its durable snapshot.
func ResultFromSnapshot(s ResultSnapshot) *OperationResult {
	r := &OperationResult{
		operation: s.Operation,
		status:    s.Status,
		messages:  append([]string(nil), s.Messages...),
	}
	if r.status == "" {
		r.status = ResultUnknown
	}
	for _, sub := range s.Subresults {
		r.subresults = append(r.subresults, ResultFromSnapshot(sub))
	}
	return r
}

func (r *OperationResult) Operation() string { return r.operation }

func (r *OperationResult) CreateSubresult(operation string) *OperationResult {
	sub := NewOperationResult(operation)
	r.mu.Lock()
	r.subresults = append(r.subresults, sub)
	r.mu.Unlock()
	return sub
}

func (r *OperationResult) record(status ResultStatus, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	if msg != "" {
		r.messages = append(r.messages, msg)
	}
}

func (r *OperationResult) RecordSuccess() { r.record(ResultSuccess, "") }

func (r *OperationResult) RecordInProgress() { r.record(ResultInProgress, "") }

func (r *OperationResult) RecordWarning(msg string) { r.record(ResultWarning, msg) }

func (r *OperationResult) RecordPartialError(msg string, err error) {
	r.record(ResultPartialError, withCause(msg, err))
}

func (r *OperationResult) RecordFatalError(msg string, err error) {
	r.record(ResultFatalError, withCause(msg, err))
}

func (r *OperationResult) AddMessage(msg string) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func withCause(msg string, err error) string {
	if err == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, err)
}

// Status returns the recorded status. While nothing was recorded on r
// itself, the most severe subresult status is reported.
func (r *OperationResult) Status() ResultStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != ResultUnknown {
		return r.status
	}
	worst := ResultUnknown
	for _, sub := range r.subresults {
		if s := sub.Status(); s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}

func (r *OperationResult) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// Snapshot materializes the whole outcome tree.
func (r *OperationResult) Snapshot() ResultSnapshot {
	status := r.Status()
	r.mu.Lock()
	defer r.mu.Unlock()
	s := ResultSnapshot{
		Operation: r.operation,
		Status:    status,
		Messages:  append([]string(nil), r.messages...),
	}
	for _, sub := range r.subresults {
		s.Subresults = append(s.Subresults, sub.Snapshot())
	}
	return s
}
