// Package cli implements the brain-memory CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/brain-memory/internal/brain"
	"github.com/rcliao/brain-memory/internal/config"
	"github.com/rcliao/brain-memory/internal/consolidation"
	"github.com/rcliao/brain-memory/internal/embedding"
	"github.com/rcliao/brain-memory/internal/llm"
	"github.com/rcliao/brain-memory/internal/logging"
	"github.com/rcliao/brain-memory/internal/model"
	"github.com/rcliao/brain-memory/internal/partition"
	"github.com/rcliao/brain-memory/internal/pipeline"
	"github.com/rcliao/brain-memory/internal/rag"
	"github.com/rcliao/brain-memory/internal/retrieval"
	"github.com/rcliao/brain-memory/internal/store"
)

var (
	configPath string
	dbPath     string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "brain-memory",
	Short: "Semantic memory for a personal assistant",
	Long:  "Store life-events with embeddings, search them by meaning, answer questions from them, and keep storage compact.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $BRAIN_CONFIG or ~/.config/brain-memory/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path, overrides storage.path")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

// app holds everything a command may touch.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	svc        *brain.Service
	store      *store.SQLiteStore
	partitions *partition.SQLiteStore
}

func (a *app) Close() {
	if err := a.svc.Close(); err != nil {
		a.logger.Warn("close", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("BRAIN_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	return cfg, nil
}

// openService builds the service from configuration, applying overrides
// after loading. The pipeline is not started; only serve needs workers.
func openService(ctx context.Context, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	for _, p := range []string{cfg.Storage.Path, cfg.Partition.Path} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	embedder := embedding.NewProvider(ctx, embedding.Config{
		Provider:     cfg.Embedding.Provider,
		Model:        cfg.Embedding.Model,
		BaseURL:      cfg.Embedding.BaseURL,
		APIKey:       cfg.Embedding.APIKey,
		Dims:         cfg.Embedding.Dims,
		CacheSize:    cfg.Embedding.CacheSize,
		CacheTTL:     cfg.Embedding.CacheTTL,
		ProbeTimeout: cfg.Embedding.ProbeTimeout,
	}, logger)

	st, err := store.NewSQLiteStore(cfg.Storage.Path, embedder, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	parts, err := partition.NewSQLiteStore(cfg.Partition.Path, partition.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, err
	}

	engine := retrieval.New(st, embedder, retrieval.Config{
		MinSimilarity:        cfg.Retrieval.MinSimilarity,
		ContextMinSimilarity: cfg.Retrieval.ContextMinSimilarity,
		DefaultLimit:         cfg.Retrieval.DefaultLimit,
		ContextItems:         cfg.Retrieval.ContextItems,
	}, logger)

	generator := llm.New(llm.Config{
		Provider: cfg.Generation.Provider,
		Model:    cfg.Generation.Model,
		BaseURL:  cfg.Generation.BaseURL,
		APIKey:   cfg.Generation.APIKey,
	}, logger)

	svc, err := brain.New(brain.Deps{
		Store:     st,
		Embedder:  embedder,
		Retrieval: engine,
		Consolidation: consolidation.New(st, embedder, consolidation.Config{
			DaysOld:         cfg.Consolidation.DaysOld,
			BatchSize:       cfg.Consolidation.BatchSize,
			SemanticMinDims: cfg.Embedding.SemanticMinDims,
		}, logger),
		Partitions: parts,
		RAG: rag.New(engine, st, generator, rag.Config{
			MaxContextMemories: cfg.Generation.MaxContextMemories,
			MinSimilarity:      cfg.Retrieval.MinSimilarity,
			Timeout:            cfg.Generation.Timeout,
			IncludePrompt:      cfg.Generation.IncludePrompt,
		}, logger),
		Resources: pipeline.NewResourceManager(pipeline.ResourceLimits{
			MaxMemoryMB:   cfg.Resources.MaxMemoryMB,
			MaxCPUPercent: cfg.Resources.MaxCPUPercent,
		}),
		Pipeline: pipeline.Config{
			Workers:       cfg.Pipeline.Workers,
			QueueCapacity: cfg.Pipeline.QueueCapacity,
			SubmitTimeout: cfg.Pipeline.SubmitTimeout,
			PollInterval:  cfg.Pipeline.PollInterval,
		},
		EmbedBatchSize: cfg.Pipeline.EmbedBatchSize,
		RetentionDays:  cfg.Partition.RetentionDays,
		Logger:         logger,
	})
	if err != nil {
		parts.Close()
		st.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, svc: svc, store: st, partitions: parts}, nil
}

func mustOpen(cmd *cobra.Command, overrides ...func(*config.Config)) *app {
	a, err := openService(cmd.Context(), overrides...)
	if err != nil {
		exitErr("open service", err)
	}
	return a
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// printMemories writes memories without their embeddings.
func printMemories(mems []model.Memory) {
	if formatFlag == "text" {
		for _, m := range mems {
			fmt.Printf("%s\t%s\t%s\t%s\n", m.ID, m.CreatedAt.Format("2006-01-02 15:04"), m.Source, oneLine(m.Content))
		}
		return
	}
	out := make([]model.Memory, len(mems))
	for i, m := range mems {
		m.Embedding = nil
		out[i] = m
	}
	printJSON(out)
}

func printMemory(m *model.Memory) {
	c := *m
	c.Embedding = nil
	printJSON(c)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// readContent takes content from args, or stdin when it is piped.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}

// parseFilters turns key=value pairs into partition filters. Values that
// parse as JSON keep their JSON type.
func parseFilters(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errors.New("filter must be key=value: " + p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}
