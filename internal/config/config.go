// Package config loads brain-memory configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BRAIN_"

const maxConfigFileSize = 1024 * 1024

//go:embed defaults.yaml
var defaultYAML []byte

// Config is the full configuration.
type Config struct {
	Storage       StorageConfig       `koanf:"storage"`
	Partition     PartitionConfig     `koanf:"partition"`
	Embedding     EmbeddingConfig     `koanf:"embedding"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Resources     ResourcesConfig     `koanf:"resources"`
	Consolidation ConsolidationConfig `koanf:"consolidation"`
	Generation    GenerationConfig    `koanf:"generation"`
	Log           LogConfig           `koanf:"log"`
	Metrics       MetricsConfig       `koanf:"metrics"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type PartitionConfig struct {
	Path          string `koanf:"path"`
	RetentionDays int    `koanf:"retention_days"`
}

type EmbeddingConfig struct {
	Provider        string        `koanf:"provider"`
	Model           string        `koanf:"model"`
	BaseURL         string        `koanf:"base_url"`
	APIKey          string        `koanf:"api_key"`
	Dims            int           `koanf:"dims"`
	SemanticMinDims int           `koanf:"semantic_min_dims"`
	CacheSize       int           `koanf:"cache_size"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	ProbeTimeout    time.Duration `koanf:"probe_timeout"`
}

type RetrievalConfig struct {
	MinSimilarity        float64 `koanf:"min_similarity"`
	ContextMinSimilarity float64 `koanf:"context_min_similarity"`
	DefaultLimit         int     `koanf:"default_limit"`
	ContextItems         int     `koanf:"context_items"`
}

type PipelineConfig struct {
	Workers        int           `koanf:"workers"`
	QueueCapacity  int           `koanf:"queue_capacity"`
	SubmitTimeout  time.Duration `koanf:"submit_timeout"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	EmbedBatchSize int           `koanf:"embed_batch_size"`
}

type ResourcesConfig struct {
	MaxMemoryMB   float64 `koanf:"max_memory_mb"`
	MaxCPUPercent float64 `koanf:"max_cpu_percent"`
}

type ConsolidationConfig struct {
	DaysOld   int    `koanf:"days_old"`
	BatchSize int    `koanf:"batch_size"`
	Schedule  string `koanf:"schedule"`
}

type GenerationConfig struct {
	Provider           string        `koanf:"provider"`
	Model              string        `koanf:"model"`
	BaseURL            string        `koanf:"base_url"`
	APIKey             string        `koanf:"api_key"`
	Timeout            time.Duration `koanf:"timeout"`
	MaxContextMemories int           `koanf:"max_context_memories"`
	IncludePrompt      bool          `koanf:"include_prompt"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Load reads configuration with precedence, highest first:
//  1. environment variables (BRAIN_EMBEDDING_PROVIDER -> embedding.provider)
//  2. the YAML file at path, when it exists
//  3. built-in defaults
//
// An empty path uses DefaultPath. A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = DefaultPath()
	}
	if content, err := readConfigFile(path); err != nil {
		return nil, err
	} else if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	cfg.Partition.Path = expandHome(cfg.Partition.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// DefaultPath is ~/.config/brain-memory/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "brain-memory", "config.yaml")
}

// envKey maps BRAIN_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return os.ReadFile(path)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Partition.Path == "" {
		errs = append(errs, errors.New("partition.path is required"))
	}
	if c.Partition.Path != "" && c.Partition.Path == c.Storage.Path {
		errs = append(errs, errors.New("partition.path must differ from storage.path"))
	}
	if c.Partition.RetentionDays <= 0 {
		errs = append(errs, errors.New("partition.retention_days must be positive"))
	}

	switch strings.ToLower(c.Embedding.Provider) {
	case "", "hash", "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q is not one of hash, ollama, openai", c.Embedding.Provider))
	}
	if c.Embedding.Dims < 0 {
		errs = append(errs, errors.New("embedding.dims must not be negative"))
	}

	for name, v := range map[string]float64{
		"retrieval.min_similarity":         c.Retrieval.MinSimilarity,
		"retrieval.context_min_similarity": c.Retrieval.ContextMinSimilarity,
	} {
		if v < -1 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [-1, 1]", name))
		}
	}
	if c.Retrieval.DefaultLimit <= 0 || c.Retrieval.ContextItems <= 0 {
		errs = append(errs, errors.New("retrieval limits must be positive"))
	}

	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be positive"))
	}
	if c.Pipeline.QueueCapacity <= 0 {
		errs = append(errs, errors.New("pipeline.queue_capacity must be positive"))
	}
	if c.Pipeline.SubmitTimeout <= 0 || c.Pipeline.PollInterval <= 0 {
		errs = append(errs, errors.New("pipeline timeouts must be positive"))
	}

	if c.Resources.MaxMemoryMB <= 0 {
		errs = append(errs, errors.New("resources.max_memory_mb must be positive"))
	}
	if c.Resources.MaxCPUPercent <= 0 || c.Resources.MaxCPUPercent > 100 {
		errs = append(errs, errors.New("resources.max_cpu_percent must be within (0, 100]"))
	}

	if c.Consolidation.DaysOld <= 0 || c.Consolidation.BatchSize <= 0 {
		errs = append(errs, errors.New("consolidation.days_old and batch_size must be positive"))
	}
	if c.Consolidation.Schedule != "" {
		if _, err := cron.ParseStandard(c.Consolidation.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("consolidation.schedule: %w", err))
		}
	}

	switch strings.ToLower(c.Generation.Provider) {
	case "", "none", "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("generation.provider %q is not one of none, ollama, openai", c.Generation.Provider))
	}

	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}
