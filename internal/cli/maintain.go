package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/brain-memory/internal/consolidation"
)

func init() {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run maintenance now",
		Long:  "Delete expired memories, consolidate old ones into per-source summaries, upgrade fallback embeddings and drop old time partitions.",
		Run:   runMaintain,
	}

	cmd.Flags().Bool("dry-run", false, "Report what would change without writing")
	cmd.Flags().Int("days-old", 0, "Consolidate memories older than this (default from config)")
	cmd.Flags().Int("batch-size", 0, "Max memories consolidated per run (default from config)")

	RootCmd.AddCommand(cmd)
}

func runMaintain(cmd *cobra.Command, args []string) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	daysOld, _ := cmd.Flags().GetInt("days-old")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	a := mustOpen(cmd)
	defer a.Close()

	report, err := a.svc.RunMaintenance(cmd.Context(), consolidation.MaintenanceOptions{
		Consolidate: consolidation.Options{DaysOld: daysOld, BatchSize: batchSize},
		DryRun:      dryRun,
	})
	if err != nil {
		exitErr("maintain", err)
	}
	printJSON(report)
}
