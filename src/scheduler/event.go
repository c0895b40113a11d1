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

// Package scheduler tells the workers when a task's trigger changed. Tasks
// are never fired from here; an event only wakes the workers, which then
// claim runnable tasks from the store.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"

	"continuumtasks/src/model"
	"continuumtasks/src/task"
)

// ErrBadEvent is returned for payloads that are not scheduler events.
var ErrBadEvent = errors.New("bad scheduler event")

// Channel is the Postgres notification channel the workers listen on.
const Channel = "tasks_updated"

type Action string

const (
	ActionResync Action = "resync"
	ActionClose  Action = "close"
)

// Event describes the trigger state of one task.
type Event struct {
	OID             string                `json:"oid"`
	Identifier      string                `json:"identifier"`
	Action          Action                `json:"action"`
	ExecutionStatus model.ExecutionStatus `json:"execution_status"`
	Binding         model.Binding         `json:"binding"`
	Recurrence      model.Recurrence      `json:"recurrence"`
	Schedule        *model.Schedule       `json:"schedule,omitempty"`
}

func NewEvent(t *task.Task, action Action) Event {
	return Event{
		OID:             t.OID(),
		Identifier:      t.Identifier(),
		Action:          action,
		ExecutionStatus: t.ExecutionStatus(),
		Binding:         t.Binding(),
		Recurrence:      t.Recurrence(),
		Schedule:        t.Schedule(),
	}
}

func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode scheduler event for %s: %w", e.OID, err)
	}
	return b, nil
}

// Decode parses an event payload. Payloads without an oid are rejected.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if e.OID == "" {
		return Event{}, fmt.Errorf("%w: missing oid", ErrBadEvent)
	}
	return e, nil
}

// Wakes reports whether the event can make a task claimable.
func (e Event) Wakes() bool {
	return e.Action == ActionResync && e.ExecutionStatus == model.ExecutionRunnable
}
