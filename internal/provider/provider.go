package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/reconly/reconly/config"
)

// ErrorCategory classifies a provider failure for retry decisions.
type ErrorCategory string

const (
	// ErrorTransient failures are retried in place with backoff.
	ErrorTransient ErrorCategory = "transient"
	// ErrorPermanent failures move to the next provider immediately.
	ErrorPermanent ErrorCategory = "permanent"
)

// RetryConfig is supplied by each provider to drive the retry helper.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Request carries one summarization call.
type Request struct {
	Title        string
	URL          string
	Content      string
	Language     string
	SystemPrompt string
	UserPrompt   string
}

// ModelInfo identifies the model that produced a result.
type ModelInfo struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Result is a successful summarization, annotated by the fallback
// wrapper with chain metadata.
type Result struct {
	Summary       string
	Model         ModelInfo
	EstimatedCost float64

	// Fallback metadata, preserved end-to-end for observability.
	ProviderName  string
	FallbackUsed  bool
	FallbackLevel int
	Attempts      int
	Delays        []time.Duration
	AttemptLog    []string
}

// Message is one chat turn in provider-neutral form.
type Message struct {
	Role     string // user, assistant, system, tool
	Content  string
	ToolName string // set on tool-result turns
}

// ToolSpec describes one callable tool advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ChatResponse is the outcome of one chat completion.
type ChatResponse struct {
	Text          string
	ToolCalls     []ToolCall
	Model         ModelInfo
	EstimatedCost float64
}

// Provider is a single LLM backend.
type Provider interface {
	Name() string
	// IsAvailable is probed immediately before each attempt; local
	// servers can go up and down between calls.
	IsAvailable(ctx context.Context) bool
	Summarize(ctx context.Context, req Request) (Result, error)
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatResponse, error)
	RetryConfig() RetryConfig
	ClassifyError(err error) ErrorCategory
}

// New constructs a provider client from its config entry.
func New(name string, cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return newOpenAI(name, cfg), nil
	case "anthropic":
		return newAnthropic(name, cfg), nil
	case "ollama":
		return newOllama(name, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// NewChain builds the ordered provider chain from config. Position 0
// is the preferred provider.
func NewChain(cfg config.ProvidersConfig) ([]Provider, error) {
	providers := make([]Provider, 0, len(cfg.Chain))
	for _, name := range cfg.Chain {
		entry, ok := cfg.Registry[name]
		if !ok {
			return nil, fmt.Errorf("provider %q not in registry", name)
		}
		p, err := New(name, entry)
		if err != nil {
			return nil, fmt.Errorf("building provider %q: %w", name, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// classifyMessage is the shared keyword heuristic: rate limits,
// connection drops and 5xx responses are worth retrying; auth and
// validation errors are not.
func classifyMessage(msg string) ErrorCategory {
	lower := strings.ToLower(msg)
	transient := []string{
		"timeout", "timed out", "connection", "temporarily", "rate limit",
		"429", "500", "502", "503", "504", "overloaded", "unavailable",
	}
	for _, kw := range transient {
		if strings.Contains(lower, kw) {
			return ErrorTransient
		}
	}
	return ErrorPermanent
}

// estimateCost converts token counts to USD using per-1K pricing.
func estimateCost(cfg config.ProviderConfig, in, out int64) float64 {
	return float64(in)/1000*cfg.CostPer1KInput + float64(out)/1000*cfg.CostPer1KOutput
}
