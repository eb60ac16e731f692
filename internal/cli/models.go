// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/config"
)

type modelsOptions struct {
	file string
}

func newModelsCommand(root *rootOptions) *cobra.Command {
	opts := &modelsOptions{}

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models the relay accepts",
		Long: `List the model registry the server would use: the models file from
--file or [models] file, otherwise the built-in table. The default model
is marked with *.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			file := cfg.Models.File
			if opts.file != "" {
				file = opts.file
			}

			registry, err := buildRegistry(file, cfg.Models.DefaultModel)
			if err != nil {
				return err
			}

			source := "built-in"
			if file != "" {
				source = file
			}
			data := ModelsData{
				Source:  source,
				Default: registry.Default().ID,
				Models:  registry.List(),
			}

			out := cmd.OutOrStdout()
			if root.json {
				return NewJSONResponse("models", data).Print(out)
			}

			rows := make([][]string, 0, len(data.Models))
			for _, m := range data.Models {
				mark := ""
				if m.ID == data.Default {
					mark = "*"
				}
				rows = append(rows, []string{
					mark,
					m.ID,
					m.Name,
					strconv.Itoa(m.MaxLength),
					strconv.Itoa(m.TokenLimit),
				})
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("", "ID", "NAME", "MAX LENGTH", "TOKEN LIMIT").
				Rows(rows...).
				StyleFunc(func(row, _ int) lipgloss.Style {
					if row == table.HeaderRow {
						return headerStyle
					}
					return cellStyle
				})

			fmt.Fprintf(out, "%s %s\n", titleStyle.Render("Models"), labelStyle.Render("("+source+")"))
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "models TOML file (overrides [models] file)")
	return cmd
}
