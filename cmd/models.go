package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"codeagent/internal/models"
)

func newModelsCommand() *cobra.Command {
	var (
		providerName string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models each provider offers",
		Long: `List the models each provider offers. OpenRouter's catalog is fetched
remotely when an API key is configured; otherwise the built-in list is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			a.selection.RefreshModels(cmd.Context())

			var list []models.ModelInfo
			if providerName == "" {
				list = a.selection.AllModels()
			} else {
				tag, err := models.ParseProviderTag(providerName)
				if err != nil {
					return err
				}
				list = a.selection.Models(tag)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			active := a.selection.Active()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tPROVIDER\tMODEL\tLABEL\tMAX TOKENS")
			for _, m := range list {
				marker := ""
				if m.Provider == active.Provider && m.ID == active.Model {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", marker, m.Provider, m.ID, m.Label, m.MaxOutputTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "only list models of this provider")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	return cmd
}
