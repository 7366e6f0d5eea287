package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "privacy <id> <label>",
		Short: "Change a memory's privacy label",
		Long:  "Relabel a memory as public, private or confidential.",
		Args:  cobra.ExactArgs(2),
		Run:   runPrivacy,
	}

	RootCmd.AddCommand(cmd)
}

func runPrivacy(cmd *cobra.Command, args []string) {
	a := mustOpen(cmd)
	defer a.Close()

	if err := a.svc.UpdatePrivacy(cmd.Context(), args[0], args[1]); err != nil {
		exitErr("privacy", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%q,"privacy_label":%q}`+"\n", args[0], args[1])
}
