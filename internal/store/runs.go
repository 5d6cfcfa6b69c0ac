package store

import (
	"context"
	"database/sql"
	"time"
)

// CreateFeedRun inserts a feed run in running state and returns its id.
func (s *Store) CreateFeedRun(ctx context.Context, feedID, trigger, traceID string, sourcesTotal int) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO feed_runs (feed_id, status, trigger_reason, trace_id, sources_total)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		feedID, RunStatusRunning, trigger, traceID, sourcesTotal).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// FinishFeedRun persists the terminal state of a run. Runs are never
// re-opened after this.
func (s *Store) FinishFeedRun(ctx context.Context, run FeedRun) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE feed_runs SET
  status = $2,
  completed_at = NOW(),
  sources_total = $3,
  sources_processed = $4,
  sources_failed = $5,
  sources_skipped = $6,
  items_processed = $7,
  tokens_input = $8,
  tokens_output = $9,
  cost_usd = $10,
  error_log = $11,
  errors = $12
WHERE id = $1`,
		run.ID, run.Status, run.SourcesTotal, run.SourcesProcessed, run.SourcesFailed,
		run.SourcesSkipped, run.ItemsProcessed, run.TokensInput, run.TokensOutput,
		run.CostUSD, run.ErrorLog, run.Errors)
	return err
}

// GetFeedRun fetches a run by id.
func (s *Store) GetFeedRun(ctx context.Context, id string) (FeedRun, error) {
	var r FeedRun
	var completed sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT id, feed_id, status, trigger_reason, trace_id, started_at, completed_at,
       sources_total, sources_processed, sources_failed, sources_skipped,
       items_processed, tokens_input, tokens_output, cost_usd, error_log, errors
FROM feed_runs WHERE id = $1`, id).Scan(
		&r.ID, &r.FeedID, &r.Status, &r.TriggerReason, &r.TraceID, &r.StartedAt, &completed,
		&r.SourcesTotal, &r.SourcesProcessed, &r.SourcesFailed, &r.SourcesSkipped,
		&r.ItemsProcessed, &r.TokensInput, &r.TokensOutput, &r.CostUSD, &r.ErrorLog, &r.Errors)
	if err != nil {
		return FeedRun{}, err
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// ListFeedRuns returns the most recent runs of a feed.
func (s *Store) ListFeedRuns(ctx context.Context, feedID string, limit int) ([]FeedRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, feed_id, status, trigger_reason, trace_id, started_at, completed_at,
       sources_total, sources_processed, sources_failed, sources_skipped,
       items_processed, tokens_input, tokens_output, cost_usd, error_log, errors
FROM feed_runs WHERE feed_id = $1 ORDER BY started_at DESC LIMIT $2`, feedID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeedRun
	for rows.Next() {
		var r FeedRun
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.FeedID, &r.Status, &r.TriggerReason, &r.TraceID,
			&r.StartedAt, &completed,
			&r.SourcesTotal, &r.SourcesProcessed, &r.SourcesFailed, &r.SourcesSkipped,
			&r.ItemsProcessed, &r.TokensInput, &r.TokensOutput, &r.CostUSD,
			&r.ErrorLog, &r.Errors); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRunTime returns the start time of a feed's most recent run.
// ok is false when the feed has never run.
func (s *Store) LatestRunTime(ctx context.Context, feedID string) (time.Time, bool, error) {
	var t sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT MAX(started_at) FROM feed_runs WHERE feed_id = $1`, feedID).Scan(&t)
	if err != nil {
		return time.Time{}, false, err
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}
