package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/reconly/reconly/config"
)

// Anthropic messages-API client.
type anthropicProvider struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
}

func newAnthropic(name string, cfg config.ProviderConfig) *anthropicProvider {
	return &anthropicProvider{name: name, cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *anthropicProvider) Name() string { return p.name }

func (p *anthropicProvider) apiKey() string {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

func (p *anthropicProvider) IsAvailable(ctx context.Context) bool { return p.apiKey() != "" }

func (p *anthropicProvider) RetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: p.cfg.MaxRetries + 1, Backoff: p.cfg.RetryBackoff}
}

func (p *anthropicProvider) ClassifyError(err error) ErrorCategory {
	return classifyMessage(err.Error())
}

func (p *anthropicProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return "https://api.anthropic.com/v1"
}

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *anthropicProvider) call(ctx context.Context, req anthropicRequest) (anthropicResponse, error) {
	key := p.apiKey()
	if key == "" {
		return anthropicResponse{}, fmt.Errorf("anthropic api key not configured")
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 1024
	}
	body, err := json.Marshal(req)
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/messages", bytes.NewReader(body))
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("anthropic call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return anthropicResponse{}, fmt.Errorf("anthropic %s: %s", resp.Status, string(b))
	}
	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return anthropicResponse{}, fmt.Errorf("decode: %w", err)
	}
	if out.Error != nil {
		return anthropicResponse{}, fmt.Errorf("anthropic error: %s", out.Error.Message)
	}
	return out, nil
}

func (p *anthropicProvider) Summarize(ctx context.Context, req Request) (Result, error) {
	resp, err := p.call(ctx, anthropicRequest{
		Model:     p.cfg.Model,
		System:    req.SystemPrompt,
		MaxTokens: p.cfg.MaxTokens,
		Messages: []anthropicMessage{
			{Role: "user", Content: []anthropicContent{{Type: "text", Text: req.UserPrompt}}},
		},
	})
	if err != nil {
		return Result{}, err
	}
	var summary string
	for _, c := range resp.Content {
		if c.Type == "text" {
			summary += c.Text
		}
	}
	if summary == "" {
		return Result{}, fmt.Errorf("anthropic returned empty summary")
	}
	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	return Result{
		Summary:       summary,
		Model:         ModelInfo{Provider: p.name, Model: p.cfg.Model, InputTokens: in, OutputTokens: out},
		EstimatedCost: estimateCost(p.cfg, in, out),
	}, nil
}

func (p *anthropicProvider) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatResponse, error) {
	req := anthropicRequest{Model: p.cfg.Model, MaxTokens: p.cfg.MaxTokens}
	for _, m := range messages {
		switch m.Role {
		case "system":
			req.System = m.Content
		case "tool":
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "tool_result", ToolUseID: m.ToolName, Content: m.Content}},
			})
		default:
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    m.Role,
				Content: []anthropicContent{{Type: "text", Text: m.Content}},
			})
		}
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	resp, err := p.call(ctx, req)
	if err != nil {
		return ChatResponse{}, err
	}
	out := ChatResponse{
		Model: ModelInfo{Provider: p.name, Model: p.cfg.Model,
			InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		EstimatedCost: estimateCost(p.cfg, resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			out.Text += c.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: c.ID, Name: c.Name, Args: c.Input})
		}
	}
	return out, nil
}
