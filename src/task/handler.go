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

import "context"

// RunStatus is the outcome of one handler run.
type RunStatus int

const (
	// RunFinished means the handler completed its step and can be popped.
	RunFinished RunStatus = iota
	// RunInterrupted means the handler stopped because CanRun went false.
	RunInterrupted
	// RunTemporaryError leaves the handler in place to be retried later.
	RunTemporaryError
	// RunPermanentError ends the task.
	RunPermanentError
)

func (s RunStatus) String() string {
	switch s {
	case RunFinished:
		return "finished"
	case RunInterrupted:
		return "interrupted"
	case RunTemporaryError:
		return "temporary_error"
	case RunPermanentError:
		return "permanent_error"
	}
	return "unknown"
}

// RunResult reports how a step ended. Handlers record progress on the task
// themselves.
type RunResult struct {
	Status RunStatus
	Err    error
}

// Handler executes one step of a task. Run must return promptly once
// t.CanRun() reports false.
type Handler interface {
	Run(ctx context.Context, t *Task) RunResult
	Category(t *Task) string
}

// Handler resolves the current handler URI through the registry. The
// handler is nil when the chain is empty, no registry is configured or the
// URI is unknown. A corrupted chain is an error.
func (t *Task) Handler() (Handler, error) {
	if err := t.checkHandlerConsistency("Handler"); err != nil {
		return nil, err
	}
	if t.rec.HandlerURI == "" || t.deps.Handlers == nil {
		return nil, nil
	}
	return t.deps.Handlers.Lookup(t.rec.HandlerURI), nil
}
