package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as JSON",
		Long:  "Export memories, embeddings included, oldest first. Filter by source with -s.",
		Run:   runExport,
	}

	cmd.Flags().StringP("source", "s", "", "Filter by source (its summaries are included)")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	source, _ := cmd.Flags().GetString("source")

	a := mustOpen(cmd)
	defer a.Close()

	memories, err := a.store.ExportAll(cmd.Context(), source)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(memories)
}
