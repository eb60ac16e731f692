// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func currentVersion() VersionData {
	return VersionData{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

func newVersionCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data := currentVersion()
			out := cmd.OutOrStdout()
			if root.json {
				return NewJSONResponse("version", data).Print(out)
			}

			fmt.Fprintf(out, "%s %s\n", titleStyle.Render("chatrelay"), data.Version)
			fmt.Fprintf(out, "  %s %s\n", labelStyle.Render("Commit:"), data.GitCommit)
			fmt.Fprintf(out, "  %s  %s\n", labelStyle.Render("Built:"), data.BuildDate)
			fmt.Fprintf(out, "  %s     %s\n", labelStyle.Render("Go:"), data.GoVersion)
			return nil
		},
	}
}
