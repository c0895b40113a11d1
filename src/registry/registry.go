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

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"continuumtasks/src/logging"
	"continuumtasks/src/task"
)

// ErrDuplicate is returned when a uri already has a handler.
var ErrDuplicate = errors.New("handler already registered")

// Registry maps handler URIs to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]task.Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]task.Handler)}
}

// Register adds h under uri. A uri can be registered only once.
func (r *Registry) Register(uri string, h task.Handler) error {
	if uri == "" {
		return fmt.Errorf("register handler: empty uri")
	}
	if h == nil {
		return fmt.Errorf("register handler %s: nil handler", uri)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[uri]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, uri)
	}
	r.handlers[uri] = h
	logging.Log(fmt.Sprintf("Handler registered for %s", uri), slog.LevelInfo)
	return nil
}

// Lookup returns nil for unknown URIs.
func (r *Registry) Lookup(uri string) task.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[uri]
}

func (r *Registry) URIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uris := make([]string, 0, len(r.handlers))
	for uri := range r.handlers {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}
