// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// doctor.go - Doctor command implementation for chatrelay.
//
// Command: doctor
// Short:   Check configuration and upstream connectivity
//
// Health Checks Performed:
//   1. Config Valid       - Loads and validates the config file
//   2. Provider Mode      - Builds the upstream endpoint for the mode
//   3. Credential         - Checks for a default API key (optional)
//   4. Models             - Loads the model registry
//   5. Journal            - Opens the relay journal when enabled
//   6. Upstream Reachable - Connects to the provider host
//
// Flags:
//   --offline           Skip the upstream connectivity check
//
// Exit Codes:
//   0   No check failed
//   1   One or more checks failed
package cli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/telemetry"
)

const upstreamCheckTimeout = 5 * time.Second

// =============================================================================
// HEALTH CHECK TYPES
// =============================================================================

// CheckStatus represents the status of a health check.
type CheckStatus int

const (
	// CheckPass indicates the check passed successfully.
	CheckPass CheckStatus = iota
	// CheckWarn indicates the check passed with warnings.
	CheckWarn
	// CheckFail indicates the check failed.
	CheckFail
)

// String returns the lower-case name used in JSON output.
func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "pass"
	case CheckWarn:
		return "warn"
	case CheckFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns the styled marker for the check status.
func (s CheckStatus) Symbol() string {
	switch s {
	case CheckPass:
		return passStyle.Render("[OK]")
	case CheckWarn:
		return warnStyle.Render("[!!]")
	case CheckFail:
		return errorStyle.Render("[FAIL]")
	default:
		return "?"
	}
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Render returns a formatted string representation of the health check.
func (c *HealthCheck) Render() string {
	result := fmt.Sprintf("%s %s", c.Status.Symbol(), c.Message)
	if c.Status != CheckPass && c.Fix != "" {
		result += "\n" + fixStyle.Render("-> "+c.Fix)
	}
	return result
}

// =============================================================================
// DOCTOR COMMAND
// =============================================================================

type doctorOptions struct {
	offline bool
}

func newDoctorCommand(root *rootOptions) *cobra.Command {
	opts := &doctorOptions{}

	cmd := &cobra.Command{
		Use:     "doctor",
		Aliases: []string{"diag"},
		Short:   "Check configuration and upstream connectivity",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			checks := runAllChecks(cmd.Context(), root.configPath, !opts.offline)

			summary := DoctorSummary{}
			for _, check := range checks {
				switch check.Status {
				case CheckPass:
					summary.Passed++
				case CheckWarn:
					summary.Warned++
				case CheckFail:
					summary.Failed++
				}
			}
			summary.Healthy = summary.Failed == 0

			out := cmd.OutOrStdout()
			if root.json {
				data := DoctorData{Summary: summary}
				for _, check := range checks {
					data.Checks = append(data.Checks, DoctorCheck{
						Name:    check.Name,
						Status:  check.Status.String(),
						Message: check.Message,
						Fix:     check.Fix,
					})
				}
				resp := NewJSONResponse("doctor", data)
				if !summary.Healthy {
					resp.Fail(fmt.Sprintf("%d health check(s) failed", summary.Failed))
				}
				if err := resp.Print(out); err != nil {
					return err
				}
				if !summary.Healthy {
					return reported(fmt.Errorf("%d health check(s) failed", summary.Failed))
				}
				return nil
			}

			separator := strings.Repeat("=", 41)
			fmt.Fprintln(out, titleStyle.Render("chatrelay Doctor"))
			fmt.Fprintln(out, labelStyle.Render(separator))
			for _, check := range checks {
				fmt.Fprintln(out, check.Render())
			}
			fmt.Fprintln(out, labelStyle.Render(strings.Repeat("-", 41)))

			parts := []string{fmt.Sprintf("%d passed", summary.Passed)}
			if summary.Warned > 0 {
				parts = append(parts, warnStyle.Render(fmt.Sprintf("%d warning", summary.Warned)))
			}
			if summary.Failed > 0 {
				parts = append(parts, errorStyle.Render(fmt.Sprintf("%d failed", summary.Failed)))
			}
			fmt.Fprintln(out, strings.Join(parts, ", "))

			if !summary.Healthy {
				return fmt.Errorf("%d health check(s) failed", summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.offline, "offline", false, "skip the upstream connectivity check")
	return cmd
}

// =============================================================================
// HEALTH CHECK FUNCTIONS
// =============================================================================

// runAllChecks runs the checks in order. When the config does not load, the
// checks that depend on it are skipped.
func runAllChecks(ctx context.Context, configPath string, network bool) []*HealthCheck {
	cfg, check := checkConfigValid(configPath)
	checks := []*HealthCheck{check}
	if cfg == nil {
		return checks
	}

	mode, check := checkProviderMode(cfg)
	checks = append(checks, check,
		checkCredential(cfg),
		checkModels(cfg),
		checkJournal(cfg),
	)
	if network && mode != nil {
		checks = append(checks, checkUpstream(ctx, cfg, mode))
	}
	return checks
}

func checkConfigValid(configPath string) (*config.Config, *HealthCheck) {
	check := &HealthCheck{Name: "Config Valid"}

	path, found := config.ResolvePath(configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Config invalid: %s", err)
		check.Fix = "Run: chatrelay config validate"
		return nil, check
	}

	check.Status = CheckPass
	if found {
		check.Message = fmt.Sprintf("Config valid (%s)", path)
	} else {
		check.Message = "Config valid (using defaults)"
	}
	return cfg, check
}

func checkProviderMode(cfg *config.Config) (relay.Mode, *HealthCheck) {
	check := &HealthCheck{Name: "Provider Mode"}

	mode, err := relay.NewMode(modeSettings(cfg.Provider))
	if err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Provider mode invalid: %s", err)
		check.Fix = "Check [provider] mode, host, deployment_id and api_version"
		return nil, check
	}

	check.Status = CheckPass
	check.Message = fmt.Sprintf("%s mode -> %s", mode.Name(), mode.Endpoint())
	return mode, check
}

func checkCredential(cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Credential"}
	if cfg.Provider.APIKey == "" {
		check.Status = CheckWarn
		check.Message = "No default API key; callers must send their own apiKey"
		check.Fix = "Set OPENAI_API_KEY or [provider] api_key"
		return check
	}
	check.Status = CheckPass
	check.Message = "Default API key configured"
	return check
}

func checkModels(cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Models"}

	registry, err := buildRegistry(cfg.Models.File, cfg.Models.DefaultModel)
	if err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Models file invalid: %s", err)
		check.Fix = "Run: chatrelay models --file " + cfg.Models.File
		return check
	}

	def := registry.Default()
	if def.ID != cfg.Models.DefaultModel {
		check.Status = CheckWarn
		check.Message = fmt.Sprintf("%d models; default %q not registered, using %q",
			registry.Len(), cfg.Models.DefaultModel, def.ID)
		check.Fix = "Set [models] default_model to a registered id"
		return check
	}
	check.Status = CheckPass
	check.Message = fmt.Sprintf("%d models, default %s", registry.Len(), def.ID)
	return check
}

func checkJournal(cfg *config.Config) *HealthCheck {
	check := &HealthCheck{Name: "Journal"}
	if !cfg.Journal.Enabled {
		check.Status = CheckPass
		check.Message = "Journal disabled"
		return check
	}

	j, err := telemetry.OpenJournal(cfg.Journal.Path)
	if err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Journal unavailable: %s", err)
		check.Fix = "Check [journal] path permissions"
		return check
	}
	j.Close()

	check.Status = CheckPass
	check.Message = fmt.Sprintf("Journal writable (%s)", cfg.Journal.Path)
	return check
}

// checkUpstream opens a connection to the provider host. Any HTTP response
// counts as reachable; no credential is sent.
func checkUpstream(ctx context.Context, cfg *config.Config, mode relay.Mode) *HealthCheck {
	check := &HealthCheck{Name: "Upstream Reachable"}

	ctx, cancel := context.WithTimeout(ctx, upstreamCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Provider.Host, nil)
	if err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Invalid provider host: %s", err)
		return check
	}
	req.Header.Set("User-Agent", "chatrelay/"+Version)

	resp, err := upstreamClient(upstreamCheckTimeout).Do(req)
	if err != nil {
		check.Status = CheckFail
		check.Message = fmt.Sprintf("Cannot reach %s: %s", cfg.Provider.Host, err)
		check.Fix = "Check network access, proxy settings and [provider] host"
		return check
	}
	resp.Body.Close()

	check.Status = CheckPass
	check.Message = fmt.Sprintf("%s reachable (HTTP %d, %s mode)", cfg.Provider.Host, resp.StatusCode, mode.Name())
	return check
}
