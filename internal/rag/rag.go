// Package rag answers questions by retrieving related memories and feeding
// them to a text generator as prompt context.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/brain-memory/internal/llm"
	"github.com/rcliao/brain-memory/internal/model"
	"github.com/rcliao/brain-memory/internal/retrieval"
	"github.com/rcliao/brain-memory/internal/store"
)

const (
	DefaultMaxContextMemories = 5
	DefaultMinSimilarity      = 0.3
	DefaultTimeout            = 60 * time.Second

	sourcePreviewLen = 100
)

const systemPrompt = `You are a personal AI assistant. You help the user track their health, habits, finances, and daily life.

Your personality:
- Friendly and supportive, but concise
- You remember the user's preferences and patterns
- You provide actionable advice, not generic tips`

// Searcher finds memories related to a query.
type Searcher interface {
	Search(ctx context.Context, p retrieval.SearchParams) []retrieval.Result
}

// Config tunes answering.
type Config struct {
	MaxContextMemories int
	MinSimilarity      float64
	Timeout            time.Duration
	// IncludePrompt copies the augmented prompt into responses.
	IncludePrompt bool
}

// DefaultConfig returns the default answering settings.
func DefaultConfig() Config {
	return Config{
		MaxContextMemories: DefaultMaxContextMemories,
		MinSimilarity:      DefaultMinSimilarity,
		Timeout:            DefaultTimeout,
	}
}

// Source is a memory cited in an answer.
type Source struct {
	ID         string  `json:"id"`
	Source     string  `json:"source"`
	Similarity float64 `json:"similarity"`
	Text       string  `json:"text"`
}

// Response is an answer with the context behind it.
type Response struct {
	Text        string   `json:"response"`
	ContextUsed int      `json:"context_used"`
	Sources     []Source `json:"sources"`
	Generator   string   `json:"generator,omitempty"`
	Fallback    bool     `json:"fallback"`
	Prompt      string   `json:"augmented_prompt,omitempty"`
}

// Orchestrator ties retrieval, prompting and generation together.
type Orchestrator struct {
	searcher  Searcher
	store     store.Store
	generator llm.Generator
	cfg       Config
	logger    *zap.Logger
}

// New creates an Orchestrator. generator may be nil, in which case answers
// fall back to listing what was retrieved.
func New(searcher Searcher, st store.Store, generator llm.Generator, cfg Config, logger *zap.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxContextMemories <= 0 {
		cfg.MaxContextMemories = def.MaxContextMemories
	}
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = def.MinSimilarity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{searcher: searcher, store: st, generator: generator, cfg: cfg, logger: logger}
}

// Answer responds to query. It never fails: when generation is unavailable,
// times out or errors, Text carries a fallback message.
func (o *Orchestrator) Answer(ctx context.Context, query string) *Response {
	results := o.searcher.Search(ctx, retrieval.SearchParams{
		Query:         query,
		Limit:         o.cfg.MaxContextMemories,
		MinSimilarity: retrieval.Threshold(o.cfg.MinSimilarity),
	})

	resp := &Response{ContextUsed: len(results), Sources: sources(results)}
	prompt := Prompt(query, results)
	if o.cfg.IncludePrompt {
		resp.Prompt = prompt
	}

	if o.generator == nil {
		resp.Fallback = true
		resp.Text = fallbackText(fmt.Sprintf("I found %d relevant memories, but no text generator is configured.", len(results)), results)
		return resp
	}
	resp.Generator = o.generator.Name()

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	text, err := o.generator.Generate(genCtx, prompt)
	switch {
	case err == nil:
		resp.Text = text
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded):
		o.logger.Warn("generation timed out", zap.String("generator", resp.Generator), zap.Duration("timeout", o.cfg.Timeout))
		resp.Fallback = true
		resp.Text = fallbackText("Response generation timed out. Try a faster model.", results)
	default:
		o.logger.Warn("generation failed", zap.String("generator", resp.Generator), zap.Error(err))
		resp.Fallback = true
		resp.Text = fallbackText("I couldn't generate a response right now.", results)
	}
	return resp
}

// RememberExchange stores a question and its answer as a private
// conversation memory.
func (o *Orchestrator) RememberExchange(ctx context.Context, query, answer string, metadata map[string]any) (*model.Memory, error) {
	meta := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["user_query"] = query
	meta["ai_response"] = answer
	meta["conversation_turn"] = true

	m, err := o.store.Insert(ctx, store.InsertParams{
		Source:       model.SourceConversation,
		Content:      fmt.Sprintf("User asked: %s\nAssistant responded: %s", query, answer),
		Metadata:     meta,
		PrivacyLabel: model.PrivacyPrivate,
	})
	if err != nil {
		return nil, fmt.Errorf("remember exchange: %w", err)
	}
	o.logger.Info("stored conversation memory", zap.String("id", m.ID))
	return m, nil
}

// Prompt builds the augmented prompt for query.
func Prompt(query string, results []retrieval.Result) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\n")
	if len(results) > 0 {
		sb.WriteString("=== Your Memory Context ===\n")
		for i, r := range results {
			fmt.Fprintf(&sb, "[Memory %d] (%s, %s): %s\n",
				i+1, r.Memory.Source, r.Memory.CreatedAt.Format("2006-01-02"), r.Memory.Content)
		}
		sb.WriteString("=== End Context ===\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s\n\n", query)
	sb.WriteString("Instructions: Answer the question using the memory context above when relevant.\n")
	sb.WriteString("If the memories contain relevant information, reference them naturally. Be conversational and concise.\n\n")
	sb.WriteString("Response:")
	return sb.String()
}

func sources(results []retrieval.Result) []Source {
	out := make([]Source, 0, len(results))
	for _, r := range results {
		out = append(out, Source{
			ID:         r.Memory.ID,
			Source:     r.Memory.Source,
			Similarity: r.Score,
			Text:       preview(r.Memory.Content),
		})
	}
	return out
}

func fallbackText(msg string, results []retrieval.Result) string {
	if len(results) == 0 {
		return msg
	}
	lines := []string{msg, "", "Here is what I remember:"}
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("- (%s, %s) %s",
			r.Memory.Source, r.Memory.CreatedAt.Format("2006-01-02"), preview(r.Memory.Content)))
	}
	return strings.Join(lines, "\n")
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= sourcePreviewLen {
		return s
	}
	return string(r[:sourcePreviewLen]) + "..."
}
