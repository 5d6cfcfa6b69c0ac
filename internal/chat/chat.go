package chat

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/reconly/reconly/internal/provider"
	"github.com/reconly/reconly/internal/store"
)

// History persists conversation turns so a conversation can resume
// across processes.
type History interface {
	AppendChatMessage(ctx context.Context, m store.ChatMessage) error
	ListChatMessages(ctx context.Context, conversationID string) ([]store.ChatMessage, error)
}

// Config bounds the tool loop and the history window.
type Config struct {
	MaxToolIterations int
	HistoryTokenLimit int
	KeepRecentTurns   int
	SystemPrompt      string
}

const defaultSystemPrompt = "You are the assistant of a feed aggregation service. " +
	"Use the available tools to inspect feeds, trigger runs and search digests. " +
	"Answer concisely and report tool failures honestly."

// capResponse is returned when the iteration cap is hit. The loop
// degrades gracefully instead of erroring the turn.
const capResponse = "I've completed multiple operations but reached the limit of " +
	"consecutive tool calls for one message. The results so far are recorded; " +
	"ask a follow-up to continue."

// Loop runs the call, act, feed-back cycle for one conversation turn.
type Loop struct {
	provider provider.Provider
	tools    *Registry
	history  History
	cfg      Config
	logger   *log.Logger
}

func NewLoop(p provider.Provider, tools *Registry, history History, cfg Config, logger *log.Logger) *Loop {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 5
	}
	if cfg.HistoryTokenLimit <= 0 {
		cfg.HistoryTokenLimit = 6000
	}
	if cfg.KeepRecentTurns <= 0 {
		cfg.KeepRecentTurns = 6
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[CHAT] ", log.LstdFlags)
	}
	return &Loop{provider: p, tools: tools, history: history, cfg: cfg, logger: logger}
}

// Converse handles one user message and returns the assistant's final
// answer. Every turn, including intermediate tool results, is persisted
// before the next provider call.
func (l *Loop) Converse(ctx context.Context, conversationID, userText string) (string, error) {
	stored, err := l.history.ListChatMessages(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}

	msgs := make([]provider.Message, 0, len(stored)+2)
	msgs = append(msgs, provider.Message{Role: "system", Content: l.cfg.SystemPrompt})
	for _, m := range stored {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content, ToolName: m.ToolName})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: userText})
	if err := l.persist(ctx, conversationID, "user", userText, ""); err != nil {
		return "", err
	}

	msgs = CompressHistory(msgs, l.cfg.HistoryTokenLimit, l.cfg.KeepRecentTurns)

	for iteration := 0; iteration < l.cfg.MaxToolIterations; iteration++ {
		resp, err := l.provider.Chat(ctx, msgs, l.tools.Specs())
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if err := l.persist(ctx, conversationID, "assistant", resp.Text, ""); err != nil {
				return "", err
			}
			return resp.Text, nil
		}

		// record the assistant's intent, then every tool result
		intent := resp.Text
		if intent == "" {
			intent = describeCalls(resp.ToolCalls)
		}
		msgs = append(msgs, provider.Message{Role: "assistant", Content: intent})
		if err := l.persist(ctx, conversationID, "assistant", intent, ""); err != nil {
			return "", err
		}
		for _, call := range resp.ToolCalls {
			l.logger.Printf("conversation %s iteration %d: tool %s", conversationID, iteration, call.Name)
			result := l.tools.Execute(ctx, call)
			msgs = append(msgs, provider.Message{Role: "tool", Content: result, ToolName: call.Name})
			if err := l.persist(ctx, conversationID, "tool", result, call.Name); err != nil {
				return "", err
			}
		}
	}

	if err := l.persist(ctx, conversationID, "assistant", capResponse, ""); err != nil {
		return "", err
	}
	return capResponse, nil
}

func (l *Loop) persist(ctx context.Context, conversationID, role, content, toolName string) error {
	err := l.history.AppendChatMessage(ctx, store.ChatMessage{
		ConversationID: conversationID, Role: role, Content: content, ToolName: toolName,
	})
	if err != nil {
		return fmt.Errorf("persisting %s turn: %w", role, err)
	}
	return nil
}

func describeCalls(calls []provider.ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return "Calling tools: " + strings.Join(names, ", ")
}

// estimateTokens is the usual chars/4 heuristic. Precise counting is
// not worth a tokenizer dependency for a budget check.
func estimateTokens(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)/4 + 4
	}
	return total
}

// CompressHistory folds older turns into one synthetic system message
// when the history exceeds the token budget, keeping the leading system
// prompt and the most recent keepRecent turns verbatim. Lossy and
// bounded; not model-made summarization.
func CompressHistory(msgs []provider.Message, tokenLimit, keepRecent int) []provider.Message {
	if estimateTokens(msgs) <= tokenLimit {
		return msgs
	}

	head := 0
	if len(msgs) > 0 && msgs[0].Role == "system" {
		head = 1
	}
	if len(msgs)-head <= keepRecent {
		return msgs
	}

	cut := len(msgs) - keepRecent
	var b strings.Builder
	b.WriteString("Previous context (older turns, truncated):\n")
	for _, m := range msgs[head:cut] {
		content := m.Content
		if runes := []rune(content); len(runes) > 200 {
			content = string(runes[:200]) + "..."
		}
		label := m.Role
		if m.ToolName != "" {
			label = m.Role + ":" + m.ToolName
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, content)
	}

	out := make([]provider.Message, 0, head+1+keepRecent)
	out = append(out, msgs[:head]...)
	out = append(out, provider.Message{Role: "system", Content: b.String()})
	out = append(out, msgs[cut:]...)
	return out
}
