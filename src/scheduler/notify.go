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

package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"continuumtasks/src/logging"
	"continuumtasks/src/task"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Notifier publishes trigger changes with pg_notify so that listening
// workers re-check the store. Sending the same event twice is harmless.
type Notifier struct {
	db      Execer
	channel string
}

func NewNotifier(db Execer) *Notifier {
	return &Notifier{db: db, channel: Channel}
}

func (n *Notifier) Resynchronize(ctx context.Context, t *task.Task) error {
	return n.publish(ctx, t, ActionResync)
}

func (n *Notifier) CloseWithoutPersisting(ctx context.Context, t *task.Task) error {
	return n.publish(ctx, t, ActionClose)
}

func (n *Notifier) publish(ctx context.Context, t *task.Task, action Action) error {
	// Transient tasks have no stored record a worker could claim.
	if !t.IsPersistent() {
		return nil
	}
	payload, err := NewEvent(t, action).Encode()
	if err != nil {
		return err
	}
	if _, err := n.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.channel, string(payload)); err != nil {
		return fmt.Errorf("notify %s for task %s: %w", action, t.OID(), err)
	}
	logging.Log(fmt.Sprintf("Published %s for task %s on %s", action, t.OID(), n.channel), slog.LevelDebug)
	return nil
}
