// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Provider mode names.
const (
	ModeDirect  = "direct"
	ModeGateway = "gateway"
)

// =============================================================================
// PROVIDER MODE
// =============================================================================

// Mode is the provider variant chosen once at configuration time. It owns
// everything that differs between providers: the endpoint URL, the auth
// header and whether the body names the model. The set of implementations
// is closed.
type Mode interface {
	// Name returns the mode name used in logs and error messages.
	Name() string

	// Endpoint returns the full URL of the streaming chat completions call.
	Endpoint() string

	// Authorize sets the credential headers on h.
	Authorize(h http.Header, credential string)

	// IncludeModel reports whether the upstream body carries "model".
	IncludeModel() bool

	sealed()
}

// DirectMode talks to the provider's own API.
//
//	POST <host>/v1/chat/completions
//	Authorization: Bearer <credential>
//	OpenAI-Organization: <organization>   (when set)
type DirectMode struct {
	Host         string
	Organization string
}

func (m DirectMode) Name() string { return ModeDirect }

func (m DirectMode) Endpoint() string {
	return strings.TrimSuffix(m.Host, "/") + "/v1/chat/completions"
}

func (m DirectMode) Authorize(h http.Header, credential string) {
	h.Set("Authorization", "Bearer "+credential)
	if m.Organization != "" {
		h.Set("OpenAI-Organization", m.Organization)
	}
}

func (m DirectMode) IncludeModel() bool { return true }

func (DirectMode) sealed() {}

// GatewayMode talks to a deployment-scoped gateway. The deployment fixes
// the model, so the body does not name one.
//
//	POST <host>/openai/deployments/<deployment>/chat/completions?api-version=<v>
//	api-key: <credential>
type GatewayMode struct {
	Host         string
	DeploymentID string
	APIVersion   string
}

func (m GatewayMode) Name() string { return ModeGateway }

func (m GatewayMode) Endpoint() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimSuffix(m.Host, "/"),
		url.PathEscape(m.DeploymentID),
		url.QueryEscape(m.APIVersion))
}

func (m GatewayMode) Authorize(h http.Header, credential string) {
	h.Set("api-key", credential)
}

func (m GatewayMode) IncludeModel() bool { return false }

func (GatewayMode) sealed() {}

// =============================================================================
// MODE SELECTION
// =============================================================================

// ModeSettings carries the provider settings from configuration.
type ModeSettings struct {
	Type         string
	Host         string
	APIVersion   string
	DeploymentID string
	Organization string
}

// NormalizeMode maps a configured mode name, including the legacy "openai"
// and "azure" names, to ModeDirect or ModeGateway.
func NormalizeMode(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ModeDirect, "openai", "":
		return ModeDirect, nil
	case ModeGateway, "azure":
		return ModeGateway, nil
	}
	return "", fmt.Errorf("unknown provider mode %q (expected %s or %s)", name, ModeDirect, ModeGateway)
}

// NewMode selects and validates the provider mode.
func NewMode(s ModeSettings) (Mode, error) {
	name, err := NormalizeMode(s.Type)
	if err != nil {
		return nil, err
	}
	if s.Host == "" {
		return nil, fmt.Errorf("provider host must be set")
	}
	if _, err := url.ParseRequestURI(s.Host); err != nil {
		return nil, fmt.Errorf("invalid provider host %q: %w", s.Host, err)
	}

	if name == ModeGateway {
		if s.DeploymentID == "" {
			return nil, fmt.Errorf("gateway mode requires a deployment id")
		}
		if s.APIVersion == "" {
			return nil, fmt.Errorf("gateway mode requires an api version")
		}
		return GatewayMode{Host: s.Host, DeploymentID: s.DeploymentID, APIVersion: s.APIVersion}, nil
	}
	return DirectMode{Host: s.Host, Organization: s.Organization}, nil
}
