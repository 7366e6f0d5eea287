package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a memory",
		Long:  "Permanently delete a memory and drop it from every partition.",
		Args:  cobra.ExactArgs(1),
		Run:   runRm,
	}

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	a := mustOpen(cmd)
	defer a.Close()

	deleted, err := a.svc.DeleteMemory(cmd.Context(), args[0])
	if err != nil {
		exitErr("rm", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":%t,"id":%q}`+"\n", deleted, args[0])
}
