// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"sort"
)

// =============================================================================
// MODEL TYPE
// =============================================================================

// Model describes a chat model the relay may forward to.
type Model struct {
	// ID is the model identifier sent upstream in direct mode.
	ID string `json:"id" toml:"id"`

	// Name is the human-readable display name.
	Name string `json:"name" toml:"name"`

	// MaxLength is the maximum prompt length in characters the client should send.
	MaxLength int `json:"maxLength" toml:"max_length"`

	// TokenLimit is the model's context window in tokens.
	TokenLimit int `json:"tokenLimit" toml:"token_limit"`
}

// Validate checks that the model entry is usable.
func (m Model) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("model id must not be empty")
	}
	if m.MaxLength <= 0 {
		return fmt.Errorf("model %q: max_length must be positive", m.ID)
	}
	if m.TokenLimit <= 0 {
		return fmt.Errorf("model %q: token_limit must be positive", m.ID)
	}
	return nil
}

// =============================================================================
// BUILT-IN MODELS
// =============================================================================

// Known model identifiers.
const (
	GPT35Turbo      = "gpt-3.5-turbo"
	GPT35TurboAzure = "gpt-35-turbo"
	GPT4            = "gpt-4"
	GPT432K         = "gpt-4-32k"
)

// FallbackModelID is used when the configured default model is unknown.
const FallbackModelID = GPT432K

// builtinModels is the table used when no models file is configured.
var builtinModels = map[string]Model{
	GPT35Turbo: {
		ID:         GPT35Turbo,
		Name:       "GPT-3.5",
		MaxLength:  12000,
		TokenLimit: 4096,
	},
	GPT35TurboAzure: {
		ID:         GPT35TurboAzure,
		Name:       "GPT-3.5",
		MaxLength:  12000,
		TokenLimit: 4096,
	},
	GPT4: {
		ID:         GPT4,
		Name:       "GPT-4",
		MaxLength:  24000,
		TokenLimit: 8192,
	},
	GPT432K: {
		ID:         GPT432K,
		Name:       "GPT-4-32K",
		MaxLength:  96000,
		TokenLimit: 32768,
	},
}

// Builtin returns a copy of the built-in model table sorted by ID.
func Builtin() []Model {
	out := make([]Model, 0, len(builtinModels))
	for _, m := range builtinModels {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
