package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Print a memory context block for a prompt",
		Long:  "Format the most relevant memories as a context block. Prints nothing when none clear the context floor.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}

	cmd.Flags().IntP("max", "m", 5, "Max memories in the block")
	cmd.Flags().StringSliceP("privacy", "p", nil, "Filter by privacy label")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	maxItems, _ := cmd.Flags().GetInt("max")
	privacy, _ := cmd.Flags().GetStringSlice("privacy")

	a := mustOpen(cmd)
	defer a.Close()

	block := a.svc.GetContext(cmd.Context(), strings.Join(args, " "), maxItems, privacy)
	if formatFlag == "text" {
		fmt.Print(block)
		return
	}
	printJSON(map[string]string{"context": block})
}
