// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the chatrelay command tree.
//
// # Commands
//
//   - serve: run the relay HTTP API until SIGINT or SIGTERM
//   - models: list the model registry
//   - config show|init|validate: inspect and manage the config file
//   - doctor: check configuration and upstream connectivity
//   - version: print build information
//
// Every command accepts --config to pick the config file and --json to
// print a JSONResponse envelope instead of styled text.
package cli
