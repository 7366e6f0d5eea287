package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List sources with memory counts",
		Run:   runSources,
	}

	RootCmd.AddCommand(cmd)
}

func runSources(cmd *cobra.Command, args []string) {
	a := mustOpen(cmd)
	defer a.Close()

	st, err := a.store.Stats(cmd.Context())
	if err != nil {
		exitErr("list sources", err)
	}

	if formatFlag == "text" {
		for _, s := range st.Sources {
			fmt.Printf("%s\t%d\n", s.Source, s.Count)
		}
		return
	}
	printJSON(st.Sources)
}
