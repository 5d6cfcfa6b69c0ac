package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reconly/reconly/internal/telemetry"
)

// EventRunCompleted is the only event emitted today.
const EventRunCompleted = "feed.run_completed"

// Webhook posts signed run notifications. Receivers verify the body
// with HMAC-SHA256 over the raw payload using the shared secret.
type Webhook struct {
	client    *http.Client
	secret    string // global fallback when the feed has no secret
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewWebhook(secret string, timeout time.Duration, tel *telemetry.Telemetry, logger *log.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags)
	}
	return &Webhook{
		client:    &http.Client{Timeout: timeout},
		secret:    secret,
		telemetry: tel,
		logger:    logger,
	}
}

// Send signs and posts one event. secret overrides the global one when
// non-empty.
func (w *Webhook) Send(ctx context.Context, targetURL, secret, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	if secret == "" {
		secret = w.secret
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	deliveryID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reconly-Event", event)
	req.Header.Set("X-Reconly-Delivery", deliveryID)
	req.Header.Set("X-Reconly-Timestamp", time.Now().UTC().Format(time.RFC3339))
	req.Header.Set("X-Reconly-Signature", "sha256="+Sign(secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		w.record(false)
		return fmt.Errorf("posting webhook to %s: %w", targetURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.record(false)
		return fmt.Errorf("webhook %s returned status %d", targetURL, resp.StatusCode)
	}
	w.record(true)
	w.logger.Printf("delivered %s to %s (delivery %s)", event, targetURL, deliveryID)
	return nil
}

func (w *Webhook) record(ok bool) {
	if w.telemetry != nil {
		w.telemetry.RecordWebhook(ok)
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received "sha256=<hex>" signature header in
// constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	want := "sha256=" + Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(header))
}
