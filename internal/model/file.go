// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// modelsFile is the on-disk layout of a models file:
//
//	[[model]]
//	id = "gpt-4"
//	name = "GPT-4"
//	max_length = 24000
//	token_limit = 8192
type modelsFile struct {
	Model []Model `toml:"model"`
}

// LoadFile reads and validates a TOML models file.
func LoadFile(path string) ([]Model, error) {
	var f modelsFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse models file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("models file %s: unknown key %q", path, undecoded[0].String())
	}
	if len(f.Model) == 0 {
		return nil, fmt.Errorf("models file %s: no [[model]] entries", path)
	}

	seen := make(map[string]bool, len(f.Model))
	for i, m := range f.Model {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("models file %s: entry %d: %w", path, i, err)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("models file %s: duplicate model id %q", path, m.ID)
		}
		seen[m.ID] = true
	}
	return f.Model, nil
}
