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
	"fmt"
	"log/slog"

	"continuumtasks/src/logging"
	"continuumtasks/src/model"
	"continuumtasks/src/repository"
)

// checkHandlerConsistency fails when the stack holds entries but there is
// no current handler. That state is never repaired here.
func (t *Task) checkHandlerConsistency(op string) error {
	if t.rec.HandlerURI == "" && len(t.rec.OtherHandlers) > 0 {
		return invariantf(op, nil, "task %s has no current handler but %d stacked handler(s): %v",
			t, len(t.rec.OtherHandlers), t.rec.OtherHandlers)
	}
	return nil
}

// HandlerURI is the current handler, or "" when the chain is empty.
func (t *Task) HandlerURI() (string, error) {
	if err := t.checkHandlerConsistency("HandlerURI"); err != nil {
		return "", err
	}
	return t.rec.HandlerURI, nil
}

// OtherHandlers returns the suspended handlers, most recently pushed last.
func (t *Task) OtherHandlers() ([]string, error) {
	if err := t.checkHandlerConsistency("OtherHandlers"); err != nil {
		return nil, err
	}
	return append([]string(nil), t.rec.OtherHandlers...), nil
}

// HandlersCount is the number of handlers left to run, the current one included.
func (t *Task) HandlersCount() (int, error) {
	if err := t.checkHandlerConsistency("HandlersCount"); err != nil {
		return 0, err
	}
	n := len(t.rec.OtherHandlers)
	if t.rec.HandlerURI != "" {
		n++
	}
	return n, nil
}

func (t *Task) setHandlerURI(uri string) *model.Change {
	t.rec.HandlerURI = uri
	return t.prepare(model.Replace(model.FieldHandlerURI, uri))
}

func (t *Task) setOtherHandlers(stack []string) *model.Change {
	t.rec.OtherHandlers = stack
	return t.prepare(model.Replace(model.FieldOtherHandlers, append([]string(nil), stack...)))
}

// PushHandler defers the current handler and makes uri the current one.
// The change is batched.
func (t *Task) PushHandler(uri string) error {
	if uri == "" {
		return fmt.Errorf("%w: empty handler uri", repository.ErrSchema)
	}
	if err := t.checkHandlerConsistency("PushHandler"); err != nil {
		return err
	}
	if t.rec.HandlerURI == "" {
		t.batched(t.setHandlerURI(uri))
	} else {
		stack := append(append([]string(nil), t.rec.OtherHandlers...), t.rec.HandlerURI)
		t.batched(t.setOtherHandlers(stack), t.setHandlerURI(uri))
	}
	return t.checkHandlerConsistency("PushHandler")
}

// ReplaceCurrentHandler swaps the current handler without touching the stack.
func (t *Task) ReplaceCurrentHandler(uri string) error {
	if err := t.checkHandlerConsistency("ReplaceCurrentHandler"); err != nil {
		return err
	}
	if uri == "" && len(t.rec.OtherHandlers) > 0 {
		return invariantf("ReplaceCurrentHandler", nil, "cannot clear the current handler of %s while handlers are stacked", t)
	}
	t.batched(t.setHandlerURI(uri))
	return nil
}

// FinishHandler ends the current step. The most recently suspended handler
// becomes current again; when there is none the task is closed. Pending
// changes are saved before returning.
func (t *Task) FinishHandler(ctx context.Context) error {
	if err := t.checkHandlerConsistency("FinishHandler"); err != nil {
		return err
	}
	finished := t.rec.HandlerURI
	closing := false

	if n := len(t.rec.OtherHandlers); n > 0 {
		top := t.rec.OtherHandlers[n-1]
		stack := append([]string(nil), t.rec.OtherHandlers[:n-1]...)
		t.batched(t.setHandlerURI(top), t.setOtherHandlers(stack))
	} else {
		t.batched(t.setHandlerURI(""))
		if err := t.closeWithoutSavingState(); err != nil {
			return err
		}
		closing = true
	}
	if err := t.checkHandlerConsistency("FinishHandler"); err != nil {
		return err
	}

	if err := t.SavePendingModifications(ctx); err != nil {
		return err
	}
	logging.AddToCounter(ctx, "task_handlers_finished_total", 1)
	logging.LogContext(ctx, fmt.Sprintf("Handler %q finished for %s", finished, t), slog.LevelDebug,
		"task.handler_next", t.rec.HandlerURI, "task.closed", closing)

	if closing && t.deps.Scheduler != nil {
		if err := t.deps.Scheduler.CloseWithoutPersisting(ctx, t); err != nil {
			return fmt.Errorf("close scheduler trigger for task %s: %w", t.rec.OID, err)
		}
	}
	return nil
}
