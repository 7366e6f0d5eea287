package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/brain-memory/internal/config"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from memory",
		Long:  "Retrieve relevant memories, build a prompt and ask the configured generator. Falls back to listing what was found.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAsk,
	}

	cmd.Flags().Bool("remember", false, "Store the exchange as a conversation memory")
	cmd.Flags().Bool("show-prompt", false, "Include the augmented prompt in the output")

	RootCmd.AddCommand(cmd)
}

func runAsk(cmd *cobra.Command, args []string) {
	remember, _ := cmd.Flags().GetBool("remember")
	showPrompt, _ := cmd.Flags().GetBool("show-prompt")

	var overrides []func(*config.Config)
	if showPrompt {
		overrides = append(overrides, func(c *config.Config) { c.Generation.IncludePrompt = true })
	}
	a := mustOpen(cmd, overrides...)
	defer a.Close()

	resp := a.svc.Ask(cmd.Context(), strings.Join(args, " "), remember)
	if formatFlag == "text" {
		fmt.Println(resp.Text)
		return
	}
	printJSON(resp)
}
