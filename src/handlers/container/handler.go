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

// Package container runs a task step as a Python script inside a Docker
// sandbox. The script and its input come from the task's extension bag.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"continuumtasks/src/logging"
	"continuumtasks/src/model"
	"continuumtasks/src/task"
)

const (
	URI      = "urn:continuum:handler:container"
	Category = "container"

	// Extension keys read and written by the handler.
	CodeKey    = "code"
	PayloadKey = "payload"
	OutputKey  = "output"
)

// Executor runs a script with the given JSON payload and returns its stdout.
type Executor interface {
	Execute(ctx context.Context, code, payload string) (string, error)
}

type Handler struct {
	exec Executor
}

func NewHandler(exec Executor) *Handler {
	return &Handler{exec: exec}
}

func (h *Handler) Category(t *task.Task) string { return Category }

func (h *Handler) Run(ctx context.Context, t *task.Task) task.RunResult {
	if !t.CanRun() {
		return task.RunResult{Status: task.RunInterrupted}
	}

	code, ok := t.Extension(CodeKey)
	if !ok || code.Kind != model.KindString || strings.TrimSpace(code.Str) == "" {
		return task.RunResult{
			Status: task.RunPermanentError,
			Err:    fmt.Errorf("task %s has no %q extension to execute", t.Identifier(), CodeKey),
		}
	}
	payload := "{}"
	if p, ok := t.Extension(PayloadKey); ok && p.Kind == model.KindString {
		payload = p.Str
	}

	sub := t.Result().CreateSubresult("container.execute")
	output, err := h.exec.Execute(ctx, code.Str, payload)
	if output != "" {
		sub.AddMessage(strings.TrimSpace(output))
		if serr := t.SetExtension(OutputKey, model.StringValue(output)); serr != nil {
			logging.LogContext(ctx, fmt.Sprintf("Cannot keep output of %s: %v", t, serr), slog.LevelWarn)
		}
	}

	switch {
	case err == nil:
		sub.RecordSuccess()
		t.SetProgress(t.Progress() + 1)
		return task.RunResult{Status: task.RunFinished}
	case ctx.Err() != nil || !t.CanRun():
		sub.RecordWarning("execution interrupted")
		return task.RunResult{Status: task.RunInterrupted, Err: err}
	case errors.Is(err, ErrScriptFailed):
		sub.RecordFatalError("script failed", err)
		return task.RunResult{Status: task.RunPermanentError, Err: err}
	default:
		sub.RecordPartialError("sandbox unavailable", err)
		return task.RunResult{Status: task.RunTemporaryError, Err: err}
	}
}
