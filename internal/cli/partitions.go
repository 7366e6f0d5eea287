package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/brain-memory/internal/model"
	"github.com/rcliao/brain-memory/internal/partition"
)

func init() {
	partCmd := &cobra.Command{
		Use:   "partitions",
		Short: "Partition index management",
	}

	keysCmd := &cobra.Command{
		Use:   "keys <id>",
		Short: "Show the partition keys of a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runPartitionKeys,
	}

	searchCmd := &cobra.Command{
		Use:   "search <key>",
		Short: "List members of a partition",
		Long:  "List the memories held in a partition, optionally filtered by exact field matches (e.g. -w privacy_label=public -w metadata.user_id=u1).",
		Args:  cobra.ExactArgs(1),
		Run:   runPartitionSearch,
	}
	searchCmd.Flags().StringArrayP("where", "w", nil, "Field filter key=value (repeatable)")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop time partitions older than the retention window",
		Run:   runPartitionCleanup,
	}
	cleanupCmd.Flags().Int("retention-days", 0, "Retention window (default from config)")

	statsCmd := &cobra.Command{
		Use:   "stats [key]",
		Short: "Show partition sizes",
		Args:  cobra.MaximumNArgs(1),
		Run:   runPartitionStats,
	}

	partCmd.AddCommand(keysCmd, searchCmd, cleanupCmd, statsCmd)
	RootCmd.AddCommand(partCmd)
}

func runPartitionKeys(cmd *cobra.Command, args []string) {
	a := mustOpen(cmd)
	defer a.Close()

	mem, err := a.svc.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	printJSON(partition.Keys(*mem))
}

func runPartitionSearch(cmd *cobra.Command, args []string) {
	where, _ := cmd.Flags().GetStringArray("where")
	filters, err := parseFilters(where)
	if err != nil {
		exitErr("partition search", err)
	}

	a := mustOpen(cmd)
	defer a.Close()

	memories, err := a.partitions.Search(cmd.Context(), args[0], filters)
	if err != nil {
		exitErr("partition search", err)
	}
	if memories == nil {
		memories = []model.Memory{}
	}
	printMemories(memories)
}

func runPartitionCleanup(cmd *cobra.Command, args []string) {
	days, _ := cmd.Flags().GetInt("retention-days")

	a := mustOpen(cmd)
	defer a.Close()

	if days <= 0 {
		days = a.cfg.Partition.RetentionDays
	}
	removed, err := a.partitions.CleanupOldPartitions(cmd.Context(), days)
	if err != nil {
		exitErr("partition cleanup", err)
	}
	if removed == nil {
		removed = []string{}
	}
	printJSON(map[string]any{"retention_days": days, "removed": removed})
}

func runPartitionStats(cmd *cobra.Command, args []string) {
	a := mustOpen(cmd)
	defer a.Close()

	if len(args) == 1 {
		info, err := a.partitions.Info(cmd.Context(), args[0])
		if err != nil {
			exitErr("partition stats", err)
		}
		printJSON(info)
		return
	}

	infos, err := a.partitions.Stats(cmd.Context())
	if err != nil {
		exitErr("partition stats", err)
	}
	if formatFlag == "text" {
		for _, in := range infos {
			fmt.Printf("%s\t%d\t%d\n", in.Key, in.Count, in.SizeBytes)
		}
		return
	}
	printJSON(infos)
}
