package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/brain-memory/internal/retrieval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories by meaning",
		Long:  "Rank unexpired memories by embedding similarity to the query.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().IntP("limit", "l", 10, "Max results")
	cmd.Flags().StringSliceP("source", "s", nil, "Filter by source (summaries of a source match too)")
	cmd.Flags().StringSliceP("privacy", "p", nil, "Filter by privacy label")
	cmd.Flags().Int("days", 0, "Only memories from the last N days")
	cmd.Flags().Float64("min-similarity", 0, "Override the similarity floor")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	sources, _ := cmd.Flags().GetStringSlice("source")
	privacy, _ := cmd.Flags().GetStringSlice("privacy")
	days, _ := cmd.Flags().GetInt("days")

	params := retrieval.SearchParams{
		Query:          strings.Join(args, " "),
		Limit:          limit,
		Sources:        sources,
		Privacy:        privacy,
		TimeWindowDays: days,
	}
	if cmd.Flags().Changed("min-similarity") {
		v, _ := cmd.Flags().GetFloat64("min-similarity")
		params.MinSimilarity = retrieval.Threshold(v)
	}

	a := mustOpen(cmd)
	defer a.Close()

	hits := a.svc.SearchMemories(cmd.Context(), params)
	if formatFlag == "text" {
		for _, h := range hits {
			fmt.Printf("%.3f\t%s\t%s\t%s\n", h.Similarity, h.ID, h.Source, oneLine(h.Content))
		}
		return
	}
	printJSON(hits)
}
