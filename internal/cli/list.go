package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/brain-memory/internal/retrieval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent memories",
		Long:  "List unexpired memories newest first.",
		Run:   runList,
	}

	cmd.Flags().StringSliceP("source", "s", nil, "Filter by source")
	cmd.Flags().StringSliceP("privacy", "p", nil, "Filter by privacy label")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	sources, _ := cmd.Flags().GetStringSlice("source")
	privacy, _ := cmd.Flags().GetStringSlice("privacy")
	limit, _ := cmd.Flags().GetInt("limit")

	a := mustOpen(cmd)
	defer a.Close()

	memories, err := a.svc.Timeline(cmd.Context(), retrieval.TimelineParams{
		Sources: sources,
		Privacy: privacy,
		Limit:   limit,
	})
	if err != nil {
		exitErr("list", err)
	}
	printMemories(memories)
}
