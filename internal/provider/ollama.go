package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reconly/reconly/config"
)

// Ollama client for local models. Availability is an HTTP ping because
// local servers come and go while the process is running.
type ollamaProvider struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
	ping   *http.Client
}

func newOllama(name string, cfg config.ProviderConfig) *ollamaProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		// local models are slow; default well above cloud timeouts
		timeout = 5 * time.Minute
	}
	return &ollamaProvider{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		ping:   &http.Client{Timeout: 2 * time.Second},
	}
}

func (p *ollamaProvider) Name() string { return p.name }

func (p *ollamaProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return "http://localhost:11434"
}

func (p *ollamaProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.ping.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *ollamaProvider) RetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: p.cfg.MaxRetries + 1, Backoff: p.cfg.RetryBackoff}
}

func (p *ollamaProvider) ClassifyError(err error) ErrorCategory {
	return classifyMessage(err.Error())
}

type ollamaChatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream bool `json:"stream"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

func (p *ollamaProvider) chat(ctx context.Context, system, user string) (ollamaChatResponse, error) {
	req := ollamaChatRequest{Model: p.cfg.Model}
	if system != "" {
		req.Messages = append(req.Messages, struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{"system", system})
	}
	req.Messages = append(req.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{"user", user})

	body, err := json.Marshal(req)
	if err != nil {
		return ollamaChatResponse{}, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return ollamaChatResponse{}, fmt.Errorf("request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return ollamaChatResponse{}, fmt.Errorf("ollama call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ollamaChatResponse{}, fmt.Errorf("ollama %s: %s", resp.Status, string(b))
	}
	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ollamaChatResponse{}, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}

func (p *ollamaProvider) Summarize(ctx context.Context, req Request) (Result, error) {
	resp, err := p.chat(ctx, req.SystemPrompt, req.UserPrompt)
	if err != nil {
		return Result{}, err
	}
	if resp.Message.Content == "" {
		return Result{}, fmt.Errorf("ollama returned empty summary")
	}
	return Result{
		Summary: resp.Message.Content,
		Model: ModelInfo{Provider: p.name, Model: p.cfg.Model,
			InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount},
		// local models run at zero marginal cost
		EstimatedCost: 0,
	}, nil
}

// Chat ignores tools: ollama's plain chat endpoint has no tool-calling
// protocol, so the loop treats every response as final text.
func (p *ollamaProvider) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatResponse, error) {
	var system, user string
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		default:
			user += m.Role + ": " + m.Content + "\n"
		}
	}
	resp, err := p.chat(ctx, system, user)
	if err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{
		Text: resp.Message.Content,
		Model: ModelInfo{Provider: p.name, Model: p.cfg.Model,
			InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount},
	}, nil
}
