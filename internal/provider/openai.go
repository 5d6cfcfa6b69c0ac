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

// OpenAI chat-completions client. Requests are hand-rolled HTTP so the
// same shape serves OpenAI-compatible gateways via base_url.
type openAIProvider struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
}

func newOpenAI(name string, cfg config.ProviderConfig) *openAIProvider {
	return &openAIProvider{name: name, cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) apiKey() string {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

// IsAvailable for a cloud provider is a credential presence check;
// there is no cheap liveness endpoint worth paying latency for.
func (p *openAIProvider) IsAvailable(ctx context.Context) bool { return p.apiKey() != "" }

func (p *openAIProvider) RetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: p.cfg.MaxRetries + 1, Backoff: p.cfg.RetryBackoff}
}

func (p *openAIProvider) ClassifyError(err error) ErrorCategory {
	return classifyMessage(err.Error())
}

func (p *openAIProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return "https://api.openai.com/v1"
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	Name       string       `json:"name,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature float64     `json:"temperature,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Tools       []oaTool    `json:"tools,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message oaMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *openAIProvider) complete(ctx context.Context, req oaRequest) (oaResponse, error) {
	key := p.apiKey()
	if key == "" {
		return oaResponse{}, fmt.Errorf("openai api key not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return oaResponse{}, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return oaResponse{}, fmt.Errorf("request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return oaResponse{}, fmt.Errorf("openai call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return oaResponse{}, fmt.Errorf("openai %s: %s", resp.Status, string(b))
	}
	var out oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return oaResponse{}, fmt.Errorf("decode: %w", err)
	}
	if out.Error != nil {
		return oaResponse{}, fmt.Errorf("openai error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return oaResponse{}, fmt.Errorf("openai returned no choices")
	}
	return out, nil
}

func (p *openAIProvider) Summarize(ctx context.Context, req Request) (Result, error) {
	resp, err := p.complete(ctx, oaRequest{
		Model: p.cfg.Model,
		Messages: []oaMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return Result{}, err
	}
	summary := resp.Choices[0].Message.Content
	if summary == "" {
		return Result{}, fmt.Errorf("openai returned empty summary")
	}
	in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	return Result{
		Summary:       summary,
		Model:         ModelInfo{Provider: p.name, Model: p.cfg.Model, InputTokens: in, OutputTokens: out},
		EstimatedCost: estimateCost(p.cfg, in, out),
	}, nil
}

func (p *openAIProvider) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatResponse, error) {
	req := oaRequest{Model: p.cfg.Model, Temperature: p.cfg.Temperature, MaxTokens: p.cfg.MaxTokens}
	for _, m := range messages {
		om := oaMessage{Role: m.Role, Content: m.Content}
		if m.Role == "tool" {
			om.Name = m.ToolName
			om.ToolCallID = m.ToolName
		}
		req.Messages = append(req.Messages, om)
	}
	for _, t := range tools {
		var ot oaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, ot)
	}

	resp, err := p.complete(ctx, req)
	if err != nil {
		return ChatResponse{}, err
	}
	msg := resp.Choices[0].Message
	out := ChatResponse{
		Text: msg.Content,
		Model: ModelInfo{Provider: p.name, Model: p.cfg.Model,
			InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
		EstimatedCost: estimateCost(p.cfg, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}
