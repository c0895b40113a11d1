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
	"time"
)

// Field names a persistable task attribute.
type Field string

const (
	FieldName             Field = "name"
	FieldDescription      Field = "description"
	FieldCategory         Field = "category"
	FieldNode             Field = "node"
	FieldExecutionStatus  Field = "execution_status"
	FieldRecurrence       Field = "recurrence"
	FieldBinding          Field = "binding"
	FieldSchedule         Field = "schedule"
	FieldThreadStopAction Field = "thread_stop_action"
	FieldHandlerURI       Field = "handler_uri"
	FieldOtherHandlers    Field = "other_handlers"
	FieldProgress         Field = "progress"
	FieldLastRunStart     Field = "last_run_start"
	FieldLastRunFinish    Field = "last_run_finish"
	FieldResult           Field = "result"
	FieldResultStatus     Field = "result_status"
	FieldExtension        Field = "extension"
)

type ChangeOp string

const (
	OpReplace ChangeOp = "replace"
	OpDelete  ChangeOp = "delete"
)

// Change is a single modification of the durable record.
//
// Value carries the new value for OpReplace and has the Go type of the
// matching TaskRecord field (string, int64, *time.Time, *Schedule, []string,
// the status enums, *ResultSnapshot or ExtensionValue). Key is only used for
// FieldExtension.
type Change struct {
	Field Field
	Key   string
	Op    ChangeOp
	Value any
}

func Replace(field Field, value any) Change {
	return Change{Field: field, Op: OpReplace, Value: value}
}

func ReplaceExtension(key string, value ExtensionValue) Change {
	return Change{Field: FieldExtension, Key: key, Op: OpReplace, Value: value}
}

func DeleteExtension(key string) Change {
	return Change{Field: FieldExtension, Key: key, Op: OpDelete}
}

// Path is the attribute path the change targets, e.g. "progress" or "extension/code".
func (c Change) Path() string {
	if c.Field == FieldExtension {
		return string(c.Field) + "/" + c.Key
	}
	return string(c.Field)
}

func (c Change) String() string {
	if c.Op == OpDelete {
		return fmt.Sprintf("%s %s", c.Op, c.Path())
	}
	return fmt.Sprintf("%s %s = %v", c.Op, c.Path(), c.Value)
}

// ApplyTo applies c to rec in memory. It fails with a descriptive error when
// the value does not have the type the field requires.
func (c Change) ApplyTo(rec *TaskRecord) error {
	if c.Op != OpReplace && !(c.Op == OpDelete && c.Field == FieldExtension) {
		return fmt.Errorf("operation %q not supported for %s", c.Op, c.Path())
	}
	ok := true
	switch c.Field {
	case FieldName:
		rec.Name, ok = c.Value.(string)
	case FieldDescription:
		rec.Description, ok = c.Value.(string)
	case FieldCategory:
		rec.Category, ok = c.Value.(string)
	case FieldNode:
		rec.Node, ok = c.Value.(string)
	case FieldHandlerURI:
		rec.HandlerURI, ok = c.Value.(string)
	case FieldExecutionStatus:
		rec.ExecutionStatus, ok = c.Value.(ExecutionStatus)
		ok = ok && rec.ExecutionStatus.Valid()
	case FieldRecurrence:
		rec.Recurrence, ok = c.Value.(Recurrence)
		ok = ok && rec.Recurrence.Valid()
	case FieldBinding:
		rec.Binding, ok = c.Value.(Binding)
		ok = ok && rec.Binding.Valid()
	case FieldThreadStopAction:
		rec.ThreadStopAction, ok = c.Value.(ThreadStopAction)
		ok = ok && rec.ThreadStopAction.Valid()
	case FieldResultStatus:
		rec.ResultStatus, ok = c.Value.(ResultStatus)
	case FieldSchedule:
		rec.Schedule, ok = c.Value.(*Schedule)
	case FieldOtherHandlers:
		var stack []string
		stack, ok = c.Value.([]string)
		rec.OtherHandlers = append([]string(nil), stack...)
	case FieldProgress:
		rec.Progress, ok = c.Value.(int64)
	case FieldLastRunStart:
		rec.LastRunStart, ok = c.Value.(*time.Time)
	case FieldLastRunFinish:
		rec.LastRunFinish, ok = c.Value.(*time.Time)
	case FieldResult:
		rec.Result, ok = c.Value.(*ResultSnapshot)
	case FieldExtension:
		if c.Key == "" {
			return fmt.Errorf("extension change without a key")
		}
		if rec.Extension == nil {
			rec.Extension = make(map[string]ExtensionValue)
		}
		if c.Op == OpDelete {
			delete(rec.Extension, c.Key)
			return nil
		}
		var v ExtensionValue
		v, ok = c.Value.(ExtensionValue)
		if ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("extension %q: %w", c.Key, err)
			}
			rec.Extension[c.Key] = v
		}
	default:
		return fmt.Errorf("unknown field %q", c.Field)
	}
	if !ok {
		return fmt.Errorf("invalid value %v (%T) for %s", c.Value, c.Value, c.Path())
	}
	return nil
}
