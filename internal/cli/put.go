package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/brain-memory/internal/brain"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().StringP("source", "s", "", "Source tag, e.g. meds, receipt (required)")
	cmd.Flags().StringP("modality", "m", "text", "Modality: text, image, audio")
	cmd.Flags().StringP("privacy", "p", "private", "Privacy: public, private, confidential")
	cmd.Flags().Int64("ttl", 0, "Expire after this many seconds (0 keeps forever)")
	cmd.Flags().String("meta", "", "JSON metadata")

	cmd.MarkFlagRequired("source")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	source, _ := cmd.Flags().GetString("source")
	modality, _ := cmd.Flags().GetString("modality")
	privacy, _ := cmd.Flags().GetString("privacy")
	ttl, _ := cmd.Flags().GetInt64("ttl")
	meta, _ := cmd.Flags().GetString("meta")

	content := strings.TrimSpace(readContent(args))
	if content == "" {
		exitErr("put", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	var metadata map[string]any
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
			exitErr("parse meta", err)
		}
	}

	req := brain.StoreRequest{
		Content:      content,
		Source:       source,
		Modality:     modality,
		Metadata:     metadata,
		PrivacyLabel: privacy,
	}
	if ttl > 0 {
		req.TTLSeconds = &ttl
	}

	a := mustOpen(cmd)
	defer a.Close()

	mem, err := a.svc.StoreMemory(cmd.Context(), req)
	if err != nil {
		exitErr("put", err)
	}
	printMemory(mem)
}
