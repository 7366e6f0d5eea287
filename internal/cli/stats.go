package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/brain-memory/internal/brain"
	"github.com/rcliao/brain-memory/internal/partition"
	"github.com/rcliao/brain-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

type statsOutput struct {
	*store.Stats
	Embedder   string               `json:"embedder"`
	Partitions []partition.Info     `json:"partitions"`
	Pipeline   brain.PipelineStatus `json:"pipeline"`
}

func runStats(cmd *cobra.Command, args []string) {
	a := mustOpen(cmd)
	defer a.Close()

	st, err := a.store.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	parts, err := a.partitions.Stats(cmd.Context())
	if err != nil {
		exitErr("partition stats", err)
	}

	printJSON(statsOutput{
		Stats:      st,
		Embedder:   a.store.Embedder().Name(),
		Partitions: parts,
		Pipeline:   a.svc.PipelineStats(),
	})
}
