package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().Bool("embedding", false, "Include the embedding vector")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	withEmbedding, _ := cmd.Flags().GetBool("embedding")

	a := mustOpen(cmd)
	defer a.Close()

	mem, err := a.svc.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	if withEmbedding {
		printJSON(mem)
		return
	}
	printMemory(mem)
}
