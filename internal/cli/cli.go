// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	json       bool
}

// NewRootCommand builds the chatrelay command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "Streaming chat relay for OpenAI-compatible providers",
		Long: `chatrelay accepts chat conversations over HTTP, forwards them to an
OpenAI-compatible provider (direct or gateway mode) and streams the
generated text back as it arrives. Provider failures are classified into a
stable JSON error taxonomy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $CHATRELAY_CONFIG or ~/.chatrelay/config.toml)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")

	root.AddCommand(
		newServeCommand(opts),
		newModelsCommand(opts),
		newConfigCommand(opts),
		newDoctorCommand(opts),
		newVersionCommand(opts),
	)
	return root
}

// Execute runs the command tree against os.Args and returns the process
// exit code.
func Execute() int {
	return run(NewRootCommand())
}

// run executes root and reports a failure in the requested output format.
func run(root *cobra.Command) int {
	cmd, err := root.ExecuteC()
	if err == nil {
		return 0
	}
	var rep reportedError
	if errors.As(err, &rep) {
		return 1
	}

	if asJSON, _ := root.PersistentFlags().GetBool("json"); asJSON {
		NewJSONErrorResponse(commandPath(cmd), err).Print(root.OutOrStdout())
		return 1
	}
	fmt.Fprintf(root.ErrOrStderr(), "%s %s\n", errorStyle.Render("Error:"), err)
	return 1
}

// commandPath returns the command path without the binary name, e.g.
// "config init".
func commandPath(cmd *cobra.Command) string {
	if cmd == nil || !cmd.HasParent() {
		return "chatrelay"
	}
	path := cmd.Name()
	for p := cmd.Parent(); p != nil && p.HasParent(); p = p.Parent() {
		path = p.Name() + " " + path
	}
	return path
}

// reportedError marks a failure the command already printed in full.
type reportedError struct{ err error }

func reported(err error) error { return reportedError{err: err} }

func (e reportedError) Error() string { return e.err.Error() }

func (e reportedError) Unwrap() error { return e.err }
