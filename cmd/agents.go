package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentdeck/internal/registry"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List persisted agents",
	Long: `List the agents recorded in the session registry, with their roles,
session ids, turn counts, and accumulated cost.

Examples:
  # List agents as a table
  agentdeck agents

  # Emit JSON for scripting
  agentdeck agents --json | jq 'keys'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := registry.New(cfg.Registry.Path)
		if err := reg.Load(); err != nil {
			return fmt.Errorf("loading registry: %w", err)
		}
		records := reg.Records()

		if agentsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}

		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no agents recorded")
			return nil
		}

		names := make([]string, 0, len(records))
		for name := range records {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tROLE\tSESSION\tTURNS\tCOST\tLAST USED")
		for _, name := range names {
			rec := records[name]
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\t%s\n",
				name, rec.Role, rec.SessionID, rec.Turns, rec.TotalCostUSD,
				rec.LastUsedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(agentsCmd)
}
