package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/brain-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import memories from JSON",
		Long:  "Import memories from JSON on stdin. Expects the format produced by export; existing ids are skipped.",
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}

	var memories []model.Memory
	if err := json.Unmarshal(data, &memories); err != nil {
		exitErr("parse json", err)
	}

	a := mustOpen(cmd)
	defer a.Close()

	imported, err := a.store.Import(cmd.Context(), memories)
	if err != nil {
		exitErr("import", err)
	}

	ids := make([]string, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}
	indexed, err := a.svc.Reindex(cmd.Context(), ids)
	if err != nil {
		exitErr("index imported memories", err)
	}

	fmt.Printf(`{"ok":true,"imported":%d,"indexed":%d}`+"\n", imported, indexed)
}
