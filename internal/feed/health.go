package feed

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/reconly/reconly/internal/store"
)

// HealthStore persists circuit-breaker counters.
type HealthStore interface {
	UpdateSourceHealth(ctx context.Context, src store.Source) error
}

// CircuitBreaker gates sources on their consecutive-failure streak.
// Behaviorally: closed = healthy and eligible, open = failed enough
// times recently to be skipped. It is purely advisory: the orchestrator
// consults ShouldSkip before each attempt and the breaker never raises.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	store     HealthStore
	logger    *log.Logger
	now       func() time.Time
}

// NewCircuitBreaker builds a breaker with the configured threshold and
// cool-down window.
func NewCircuitBreaker(threshold int, cooldown time.Duration, hs HealthStore, logger *log.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[BREAKER] ", log.LstdFlags)
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, store: hs, logger: logger, now: time.Now}
}

// ShouldSkip reports whether a source is open: the failure streak has
// reached the threshold and the latest failure is still inside the
// cool-down window. The reason surfaces the health status for
// structured error reporting.
func (cb *CircuitBreaker) ShouldSkip(src store.Source) (bool, string) {
	if src.ConsecutiveFailures < cb.threshold {
		return false, ""
	}
	if src.LastFailureAt == nil {
		return false, ""
	}
	elapsed := cb.now().Sub(*src.LastFailureAt)
	if elapsed >= cb.cooldown {
		// cool-down elapsed: let one attempt through to probe recovery
		return false, ""
	}
	return true, fmt.Sprintf("source %s is %s: %d consecutive failures, last %s ago (cooldown %s)",
		src.Name, src.HealthStatus(cb.threshold), src.ConsecutiveFailures,
		elapsed.Round(time.Second), cb.cooldown)
}

// RecordSuccess resets the failure streak and persists the counters.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, src *store.Source) {
	now := cb.now()
	src.ConsecutiveFailures = 0
	src.LastSuccessAt = &now
	if err := cb.store.UpdateSourceHealth(ctx, *src); err != nil {
		cb.logger.Printf("persisting success for source %s failed: %v", src.ID, err)
	}
}

// RecordFailure increments the failure streak and persists the
// counters. Error classification stays with the orchestrator.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, src *store.Source) {
	now := cb.now()
	src.ConsecutiveFailures++
	src.LastFailureAt = &now
	if err := cb.store.UpdateSourceHealth(ctx, *src); err != nil {
		cb.logger.Printf("persisting failure for source %s failed: %v", src.ID, err)
	}
}
