// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model holds the chat message types and the registry of models the
// relay is allowed to forward to.
//
// The registry starts from a built-in table of OpenAI models or from a TOML
// models file. Lookups of unknown ids fail closed with ErrUnknownModel.
// A Watcher can keep the registry in sync with the models file.
package model
