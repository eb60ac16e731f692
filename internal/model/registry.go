// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownModel indicates the model is not in the registry.
var ErrUnknownModel = errors.New("unknown model")

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the set of models the relay accepts. It is safe for
// concurrent use and may be swapped wholesale by the models file watcher.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]Model
	defaultID string
}

// NewRegistry creates a registry from models. An empty slice yields the
// built-in table.
func NewRegistry(models []Model, defaultID string) (*Registry, error) {
	r := &Registry{defaultID: defaultID}
	if len(models) == 0 {
		models = Builtin()
	}
	if err := r.Replace(models); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the model with the given id. Unknown ids fail closed with
// ErrUnknownModel.
func (r *Registry) Lookup(id string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[id]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return m, nil
}

// List returns all models sorted by ID.
func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// Default returns the configured default model. When that id is not
// registered the fallback model is returned, and when that is missing too
// the first model by ID.
func (r *Registry) Default() Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.models[r.defaultID]; ok {
		return m
	}
	if m, ok := r.models[FallbackModelID]; ok {
		return m
	}
	var first Model
	for id, m := range r.models {
		if first.ID == "" || id < first.ID {
			first = m
		}
	}
	return first
}

// Replace validates models and swaps the whole table. On error the
// existing table is kept.
func (r *Registry) Replace(models []Model) error {
	next := make(map[string]Model, len(models))
	for _, m := range models {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := next[m.ID]; dup {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		next[m.ID] = m
	}
	if len(next) == 0 {
		return errors.New("model table must not be empty")
	}

	r.mu.Lock()
	r.models = next
	r.mu.Unlock()
	return nil
}
