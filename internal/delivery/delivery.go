package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/reconly/reconly/internal/store"
)

// OutputConfig is the per-feed delivery configuration stored as JSON on
// the feed row. Absent sections are simply not delivered to.
type OutputConfig struct {
	Webhook *WebhookConfig `json:"webhook,omitempty"`
	Email   *EmailConfig   `json:"email,omitempty"`
	Export  *ExportConfig  `json:"export,omitempty"`
}

type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

type EmailConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject,omitempty"`
}

type ExportConfig struct {
	Format string `json:"format"` // json or markdown
	Dir    string `json:"dir,omitempty"`
}

// Wire payload types. Store structs stay free of json tags; the wire
// shape is owned here.
type runPayload struct {
	Event       string          `json:"event"`
	Feed        feedPayload     `json:"feed"`
	FeedRun     feedRunPayload  `json:"feed_run"`
	Digests     []digestPayload `json:"digests"`
	DigestCount int             `json:"digest_count"`
	Timestamp   string          `json:"timestamp"`
}

type feedPayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DigestMode string `json:"digest_mode"`
}

type feedRunPayload struct {
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	TriggerReason    string  `json:"trigger_reason"`
	TraceID          string  `json:"trace_id"`
	SourcesTotal     int     `json:"sources_total"`
	SourcesProcessed int     `json:"sources_processed"`
	SourcesFailed    int     `json:"sources_failed"`
	SourcesSkipped   int     `json:"sources_skipped"`
	ItemsProcessed   int     `json:"items_processed"`
	CostUSD          float64 `json:"cost_usd"`
}

type digestPayload struct {
	ID                string `json:"id"`
	URL               string `json:"url"`
	Title             string `json:"title"`
	Summary           string `json:"summary"`
	ConsolidatedCount int    `json:"consolidated_count"`
	Language          string `json:"language,omitempty"`
}

func buildPayload(feed store.Feed, run store.FeedRun, digests []store.Digest) runPayload {
	dp := make([]digestPayload, len(digests))
	for i, d := range digests {
		dp[i] = digestPayload{
			ID: d.ID, URL: d.URL, Title: d.Title, Summary: d.Summary,
			ConsolidatedCount: d.ConsolidatedCount, Language: d.Language,
		}
	}
	return runPayload{
		Event: EventRunCompleted,
		Feed:  feedPayload{ID: feed.ID, Name: feed.Name, DigestMode: feed.DigestMode},
		FeedRun: feedRunPayload{
			ID: run.ID, Status: run.Status, TriggerReason: run.TriggerReason, TraceID: run.TraceID,
			SourcesTotal: run.SourcesTotal, SourcesProcessed: run.SourcesProcessed,
			SourcesFailed: run.SourcesFailed, SourcesSkipped: run.SourcesSkipped,
			ItemsProcessed: run.ItemsProcessed, CostUSD: run.CostUSD,
		},
		Digests:     dp,
		DigestCount: len(dp),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// Dispatcher fans a finished run out to every sink the feed configured.
// Sink failures are joined; the orchestrator downgrades the run status
// but never fails the run over delivery.
type Dispatcher struct {
	webhook  *Webhook
	email    EmailSender
	exporter *FileExporter
	logger   *log.Logger
}

func NewDispatcher(webhook *Webhook, email EmailSender, exporter *FileExporter, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[DELIVERY] ", log.LstdFlags)
	}
	return &Dispatcher{webhook: webhook, email: email, exporter: exporter, logger: logger}
}

func (d *Dispatcher) Deliver(ctx context.Context, feed store.Feed, run store.FeedRun, digests []store.Digest) error {
	if len(feed.OutputConfig) == 0 {
		return nil
	}
	var cfg OutputConfig
	if err := json.Unmarshal(feed.OutputConfig, &cfg); err != nil {
		return fmt.Errorf("parsing output config of feed %s: %w", feed.ID, err)
	}

	payload := buildPayload(feed, run, digests)
	var errs []error

	if cfg.Webhook != nil && cfg.Webhook.URL != "" && d.webhook != nil {
		if err := d.webhook.Send(ctx, cfg.Webhook.URL, cfg.Webhook.Secret, EventRunCompleted, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Email != nil && len(cfg.Email.To) > 0 && d.email != nil {
		subject := cfg.Email.Subject
		if subject == "" {
			subject = fmt.Sprintf("%s: %d new digest(s)", feed.Name, len(digests))
		}
		if err := d.email.Send(ctx, cfg.Email.To, subject, RenderMarkdown(feed, run, digests)); err != nil {
			errs = append(errs, fmt.Errorf("sending email: %w", err))
		}
	}
	if cfg.Export != nil && d.exporter != nil {
		if _, err := d.exporter.Export(feed, run, digests, *cfg.Export); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
