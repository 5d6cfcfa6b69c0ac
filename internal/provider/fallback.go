package provider

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ChainExhaustedError is returned when every provider in the chain
// failed or was unavailable.
type ChainExhaustedError struct {
	ChainLength int
	LastErr     error
	Category    ErrorCategory
}

func (e *ChainExhaustedError) Error() string {
	return fmt.Sprintf("all %d providers in chain exhausted, last error (%s): %v",
		e.ChainLength, e.Category, e.LastErr)
}

func (e *ChainExhaustedError) Unwrap() error { return e.LastErr }

// Fallback wraps an ordered provider chain with at-least-one-success
// semantics: each provider is retried per its own RetryConfig, then the
// chain advances.
type Fallback struct {
	providers []Provider
	logger    *log.Logger
}

// NewFallback builds the wrapper. Position 0 is the preferred provider.
func NewFallback(providers []Provider, logger *log.Logger) *Fallback {
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	return &Fallback{providers: providers, logger: logger}
}

// Providers exposes the underlying chain, preferred first.
func (f *Fallback) Providers() []Provider { return f.providers }

// Primary returns the chain's preferred provider, or nil for an empty chain.
func (f *Fallback) Primary() Provider {
	if len(f.providers) == 0 {
		return nil
	}
	return f.providers[0]
}

// Summarize walks the chain until one provider succeeds. The result is
// annotated with fallback metadata: which provider answered, its chain
// position, total attempts, and the reasons earlier candidates were
// skipped or failed.
func (f *Fallback) Summarize(ctx context.Context, req Request) (Result, error) {
	if len(f.providers) == 0 {
		return Result{}, fmt.Errorf("provider chain is empty")
	}

	var attemptLog []string
	var delays []time.Duration
	var lastErr error
	lastCategory := ErrorPermanent
	totalAttempts := 0

	for level, p := range f.providers {
		// Availability is re-probed before every attempt; local
		// providers can come back between calls. The primary is always
		// tried so its real error surfaces instead of a skip.
		if level > 0 && !p.IsAvailable(ctx) {
			reason := fmt.Sprintf("%s: unavailable, skipped", p.Name())
			attemptLog = append(attemptLog, reason)
			f.logger.Printf("provider %s unavailable, advancing chain", p.Name())
			continue
		}

		res, outcome := withRetry(ctx, p.RetryConfig(), p.ClassifyError, func() (Result, error) {
			return p.Summarize(ctx, req)
		})
		totalAttempts += outcome.Attempts
		delays = append(delays, outcome.Delays...)
		if outcome.Err == nil {
			res.ProviderName = p.Name()
			res.FallbackUsed = level > 0
			res.FallbackLevel = level
			res.Attempts = totalAttempts
			res.Delays = delays
			res.AttemptLog = attemptLog
			if level > 0 {
				f.logger.Printf("summarize succeeded on fallback provider %s (level %d)", p.Name(), level)
			}
			return res, nil
		}

		lastErr = outcome.Err
		lastCategory = p.ClassifyError(outcome.Err)
		attemptLog = append(attemptLog, fmt.Sprintf("%s: %d attempt(s) failed (%s): %v",
			p.Name(), outcome.Attempts, lastCategory, outcome.Err))
		f.logger.Printf("provider %s failed after %d attempt(s): %v", p.Name(), outcome.Attempts, outcome.Err)

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
	}

	return Result{}, &ChainExhaustedError{
		ChainLength: len(f.providers),
		LastErr:     lastErr,
		Category:    lastCategory,
	}
}

// ResolveDefaultProvider is the read-only chain probe callers use to
// decide provider/model before invoking Summarize: it returns the first
// available provider and whether position 0 was passed over.
func (f *Fallback) ResolveDefaultProvider(ctx context.Context) (Provider, bool, error) {
	for level, p := range f.providers {
		if p.IsAvailable(ctx) {
			return p, level > 0, nil
		}
	}
	return nil, false, fmt.Errorf("no provider in chain of %d is available", len(f.providers))
}
