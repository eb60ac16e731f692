// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - Config command implementation for chatrelay.
//
// Command: config [subcommand]
// Short:   View and manage configuration
//
// Subcommands:
//   show                Display the effective configuration (secrets redacted)
//   init                Write a default config file
//   validate            Load and validate the config file
//
// Examples:
//   chatrelay config show
//   chatrelay config init --ask-key
//   chatrelay --config ./relay.toml config validate --json
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jeranaias/chatrelay/internal/config"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
	}
	cmd.AddCommand(
		newConfigShowCommand(root),
		newConfigInitCommand(root),
		newConfigValidateCommand(root),
	)
	return cmd
}

// =============================================================================
// CONFIG SHOW
// =============================================================================

func newConfigShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			safe := cfg.Redacted()

			out := cmd.OutOrStdout()
			if root.json {
				return NewJSONResponse("config show", safe).Print(out)
			}

			data, err := config.Encode(safe)
			if err != nil {
				return err
			}
			path, found := config.ResolvePath(root.configPath)
			if !found {
				path = "built-in defaults"
			}
			fmt.Fprintf(out, "# source: %s\n", path)
			_, err = out.Write(data)
			return err
		},
	}
}

// =============================================================================
// CONFIG INIT
// =============================================================================

type configInitOptions struct {
	force  bool
	askKey bool
}

func newConfigInitCommand(root *rootOptions) *cobra.Command {
	opts := &configInitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := config.ResolvePath(root.configPath)
			if path == "" {
				return errors.New("could not determine config path")
			}
			if _, err := os.Stat(path); err == nil && !opts.force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			if opts.askKey {
				key, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Provider API key: ")
				if err != nil {
					return fmt.Errorf("failed to read API key: %w", err)
				}
				cfg.Provider.APIKey = key
			}

			if err := config.SaveTOML(cfg, path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.json {
				return NewJSONResponse("config init", ConfigInitData{Path: path}).Print(out)
			}
			fmt.Fprintf(out, "%s Wrote %s\n", passStyle.Render("[OK]"), path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&opts.askKey, "ask-key", false, "prompt for the provider API key")
	return cmd
}

// readSecret reads one line from in. When in is a terminal the input is not
// echoed.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	fmt.Fprint(prompt, label)

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// CONFIG VALIDATE
// =============================================================================

func newConfigValidateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, found := config.ResolvePath(root.configPath)
			if !found {
				path = "built-in defaults"
			}

			data := ConfigValidateData{Path: path, Valid: true}
			_, err := config.Load(root.configPath)
			if err != nil {
				data.Valid = false
				var verrs config.ValidateErrors
				if errors.As(err, &verrs) {
					for _, v := range verrs {
						data.Errors = append(data.Errors, v.Error())
					}
				} else {
					data.Errors = []string{err.Error()}
				}
			}

			out := cmd.OutOrStdout()
			if root.json {
				resp := NewJSONResponse("config validate", data)
				if !data.Valid {
					resp.Fail("configuration is invalid")
				}
				if perr := resp.Print(out); perr != nil {
					return perr
				}
				if !data.Valid {
					return reported(errInvalidConfig)
				}
				return nil
			}

			if data.Valid {
				fmt.Fprintf(out, "%s %s is valid\n", passStyle.Render("[OK]"), path)
				return nil
			}
			fmt.Fprintf(out, "%s %s is invalid\n", errorStyle.Render("[FAIL]"), path)
			for _, e := range data.Errors {
				fmt.Fprintln(out, fixStyle.Render("-> "+e))
			}
			return errInvalidConfig
		},
	}
}

var errInvalidConfig = errors.New("configuration is invalid")
