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
	"fmt"
	"log/slog"
	"time"

	"continuumtasks/src/logging"

	"github.com/lib/pq"
)

// Listener receives scheduler events over Postgres LISTEN.
type Listener struct {
	pl *pq.Listener
}

func NewListener(connStr string) (*Listener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelWarn)
		}
	}
	pl := pq.NewListener(connStr, 10*time.Second, time.Minute, reportProblem)
	if err := pl.Listen(Channel); err != nil {
		pl.Close()
		return nil, fmt.Errorf("listen on %s: %w", Channel, err)
	}
	return &Listener{pl: pl}, nil
}

// Notify delivers raw notifications. A nil notification means the
// connection was re-established and events may have been missed.
func (l *Listener) Notify() <-chan *pq.Notification { return l.pl.Notify }

func (l *Listener) Close() error { return l.pl.Close() }

// FromNotification decodes the event carried by n. The boolean is false
// for reconnect markers and malformed payloads; in both cases the caller
// should fall back to a full check of the store.
func FromNotification(n *pq.Notification) (Event, bool) {
	if n == nil {
		return Event{}, false
	}
	e, err := Decode([]byte(n.Extra))
	if err != nil {
		logging.Log(fmt.Sprintf("Ignoring notification on %s: %v", n.Channel, err), slog.LevelWarn)
		return Event{}, false
	}
	return e, true
}
