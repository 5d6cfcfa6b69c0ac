package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Telemetry bundles prometheus metrics with an in-process cost tracker.
type Telemetry struct {
	RunsTotal         *prometheus.CounterVec // label: status
	SourcesTotal      *prometheus.CounterVec // label: outcome (processed|failed|skipped)
	ItemsProcessed    prometheus.Counter
	LLMTokens         *prometheus.CounterVec // labels: provider, direction (input|output)
	LLMCostUSD        *prometheus.CounterVec // label: provider
	WebhookDeliveries *prometheus.CounterVec // label: outcome (ok|failed)
	RunDuration       prometheus.Histogram

	costs *CostTracker
}

// CostTracker accumulates LLM spend per provider and model.
type CostTracker struct {
	mu            sync.RWMutex
	ProviderCosts map[string]float64
	ModelCosts    map[string]float64
	TotalCost     float64
	TotalTokens   int64
}

// New registers metrics on the given registerer (nil = default).
func New(reg prometheus.Registerer) *Telemetry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Telemetry{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconly_feed_runs_total",
			Help: "Feed runs by terminal status.",
		}, []string{"status"}),
		SourcesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconly_feed_sources_total",
			Help: "Per-run source outcomes.",
		}, []string{"outcome"}),
		ItemsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconly_feed_items_processed_total",
			Help: "Items summarized and persisted.",
		}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconly_llm_tokens_total",
			Help: "LLM tokens by provider and direction.",
		}, []string{"provider", "direction"}),
		LLMCostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconly_llm_cost_usd_total",
			Help: "Estimated LLM spend by provider.",
		}, []string{"provider"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconly_webhook_deliveries_total",
			Help: "Webhook delivery outcomes.",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconly_feed_run_duration_seconds",
			Help:    "Wall-clock duration of feed runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		costs: &CostTracker{
			ProviderCosts: make(map[string]float64),
			ModelCosts:    make(map[string]float64),
		},
	}
}

// RecordRun records a terminal run status and duration.
func (t *Telemetry) RecordRun(status string, seconds float64) {
	t.RunsTotal.WithLabelValues(status).Inc()
	t.RunDuration.Observe(seconds)
}

// RecordSource records one per-source outcome.
func (t *Telemetry) RecordSource(outcome string) {
	t.SourcesTotal.WithLabelValues(outcome).Inc()
}

// RecordLLMUsage attributes tokens and cost to a provider/model.
func (t *Telemetry) RecordLLMUsage(provider, model string, inputTokens, outputTokens int64, cost float64) {
	t.LLMTokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	t.LLMTokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	t.LLMCostUSD.WithLabelValues(provider).Add(cost)

	t.costs.mu.Lock()
	defer t.costs.mu.Unlock()
	t.costs.ProviderCosts[provider] += cost
	t.costs.ModelCosts[model] += cost
	t.costs.TotalCost += cost
	t.costs.TotalTokens += inputTokens + outputTokens
}

// RecordItems counts items persisted.
func (t *Telemetry) RecordItems(n int) {
	t.ItemsProcessed.Add(float64(n))
}

// RecordWebhook records a delivery outcome.
func (t *Telemetry) RecordWebhook(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	t.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// CostSummary returns a snapshot of accumulated spend.
func (t *Telemetry) CostSummary() (total float64, tokens int64, byProvider map[string]float64) {
	t.costs.mu.RLock()
	defer t.costs.mu.RUnlock()
	byProvider = make(map[string]float64, len(t.costs.ProviderCosts))
	for k, v := range t.costs.ProviderCosts {
		byProvider[k] = v
	}
	return t.costs.TotalCost, t.costs.TotalTokens, byProvider
}
