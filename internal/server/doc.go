// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the chat relay HTTP API.
//
// # Endpoints
//
//   - POST /api/chat   - Stream a chat completion as plain text
//   - POST /api/models - List the models the relay accepts
//   - GET  /health     - Health check
//   - GET  /stats      - Relay counters and journal summary
//
// Every failure on /api/chat, whether from the provider or from the request
// itself, is rendered by the classify package as {"errorType": ...}.
//
// # Middleware
//
// Requests pass through, in order: panic recovery, security headers,
// request id, access logging, per-client rate limiting, CORS and the
// optional unlock code.
//
// # Usage
//
//	srv, err := server.New(server.OptionsFromConfig(cfg), relay, registry, recorder)
//	if err != nil {
//		log.Fatal(err)
//	}
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
