// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for chatrelay.
//
// Configuration is a TOML file with sensible defaults, environment variable
// overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ProviderConfig: Upstream mode, host, credential and token cap
//   - ServerConfig: Listen address, CORS and unlock code
//   - BreakerConfig, RateLimitConfig: Upstream and inbound protection
//
// # Configuration Precedence
//
// The file is chosen from (first match wins):
//   - the --config flag
//   - $CHATRELAY_CONFIG
//   - ~/.chatrelay/config.toml
//
// Environment variables (OPENAI_*, CHATRELAY_*, LOG_*) then override values
// from the file, and unset values fall back to built-in defaults.
//
// # Usage
//
//	cfg, err := config.Load(flagPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Addr())
package config
