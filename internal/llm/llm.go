// Package llm provides text generation backends for answering questions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrEmptyResponse is returned when a backend answers with no text.
var ErrEmptyResponse = errors.New("empty generation")

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Config selects and configures a generation backend.
type Config struct {
	Provider string // "" or "none", "ollama", "openai"
	Model    string
	BaseURL  string
	APIKey   string
}

// New returns the configured generator, or nil when generation is disabled
// or the backend cannot be constructed. Failures are logged, not returned.
func New(cfg Config, logger *zap.Logger) Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		g   Generator
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil
	case "ollama":
		g, err = NewOllama(cfg.BaseURL, cfg.Model)
	case "openai":
		g, err = NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		err = fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
	if err != nil {
		logger.Warn("generation backend unavailable", zap.String("provider", cfg.Provider), zap.Error(err))
		return nil
	}
	logger.Info("generation backend configured", zap.String("generator", g.Name()))
	return g
}

// Ollama generates with a local Ollama model.
type Ollama struct {
	client *api.Client
	model  string
}

// NewOllama creates an Ollama generator. An empty baseURL uses OLLAMA_HOST.
func NewOllama(baseURL, model string) (*Ollama, error) {
	if model == "" {
		model = "tinyllama"
	}
	if baseURL == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		return &Ollama{client: c, model: model}, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	return &Ollama{client: api.NewClient(u, &http.Client{Timeout: 2 * time.Minute}), model: model}, nil
}

func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	stream := false
	var sb strings.Builder
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: &stream,
	}, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

func (o *Ollama) Name() string { return "ollama/" + o.model }

// OpenAI generates with any OpenAI-compatible chat completion API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a chat-completion generator.
func NewOpenAI(baseURL, apiKey, model string) (*OpenAI, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("openai generator needs an api key or a compatible base url")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(config), model: model}, nil
}

func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

func (o *OpenAI) Name() string { return "openai/" + o.model }
