// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry maps a WorkSpec's (kind, name) to the Handler that
// knows how to execute it (§4.5). Registration happens once at process
// start; lookup happens on every dispatch.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/tracklane/engine/internal/ledger"
	pkgerrors "github.com/tracklane/engine/pkg/errors"
)

// Handler executes one unit of work described by a WorkSpec's Params
// and returns either a result payload or an error. Handlers that want
// their failures classified for retry purposes should return an error
// implementing pkgerrors.CategorizedError; otherwise the dispatcher
// treats the failure as pkgerrors.CategoryUnknown.
type Handler interface {
	Handle(ctx context.Context, spec ledger.WorkSpec) (map[string]any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, spec ledger.WorkSpec) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, spec ledger.WorkSpec) (map[string]any, error) {
	return f(ctx, spec)
}

type key struct {
	kind ledger.Kind
	name string
}

// Registry is the process-wide (kind, name) -> Handler map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[key]Handler)}
}

// Register adds a handler for (kind, name). It returns
// pkgerrors.DuplicateHandlerError if one is already registered — the
// registry never silently overwrites (§4.5 invariant).
func (r *Registry) Register(kind ledger.Kind, name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{kind: kind, name: name}
	if _, exists := r.handlers[k]; exists {
		return &pkgerrors.DuplicateHandlerError{Kind: string(kind), Name: name}
	}
	r.handlers[k] = h
	return nil
}

// ReplaceRegister registers a handler for (kind, name) unconditionally,
// overwriting any existing registration. This is the explicit
// replace-flag path (§4.4): callers that want Register's duplicate
// protection should use Register instead.
func (r *Registry) ReplaceRegister(kind ledger.Kind, name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{kind: kind, name: name}] = h
}

// MustRegister is Register that panics on conflict, for use in package
// init() blocks where a duplicate registration is a programming error.
func (r *Registry) MustRegister(kind ledger.Kind, name string, h Handler) {
	if err := r.Register(kind, name, h); err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
}

// Lookup resolves a WorkSpec to its handler, returning
// pkgerrors.HandlerNotFoundError if none is registered.
func (r *Registry) Lookup(spec ledger.WorkSpec) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[key{kind: spec.Kind, name: spec.Name}]
	if !ok {
		return nil, &pkgerrors.HandlerNotFoundError{Kind: string(spec.Kind), Name: spec.Name}
	}
	return h, nil
}

// Names lists every registered (kind, name) pair as "kind/name", for
// diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, fmt.Sprintf("%s/%s", k.kind, k.name))
	}
	return out
}

// Has reports whether a handler is registered for (kind, name), without
// the allocation Lookup's error path would otherwise force on callers
// that only want to probe capability (§4.4).
func (r *Registry) Has(kind ledger.Kind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[key{kind: kind, name: name}]
	return ok
}

// Reset clears every registration. It exists for test isolation (§4.4):
// production code registers once at process start and never calls it.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[key]Handler)
}
