package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetDigestByURL looks up a digest by its idempotency key. ok is false
// when no digest exists for the URL.
func (s *Store) GetDigestByURL(ctx context.Context, url string) (Digest, bool, error) {
	d, err := scanDigest(s.DB.QueryRowContext(ctx, digestSelect+` WHERE url = $1`, url))
	if errors.Is(err, sql.ErrNoRows) {
		return Digest{}, false, nil
	}
	if err != nil {
		return Digest{}, false, err
	}
	return d, true, nil
}

const digestSelect = `
SELECT id, url, title, content, summary,
       COALESCE(source_id::text, ''), COALESCE(feed_run_id::text, ''),
       consolidated_count, language, provider, cost_usd, created_at
FROM digests`

// SaveDigest inserts a digest with its provenance items and usage log
// in one transaction. The insert is idempotent by URL: when a digest
// already exists for the URL, the existing row is returned unchanged,
// created is false, and no provenance or usage rows are written.
func (s *Store) SaveDigest(ctx context.Context, d Digest, items []DigestSourceItem, usage *UsageLog) (Digest, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Digest{}, false, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
INSERT INTO digests (url, title, content, summary, source_id, feed_run_id, consolidated_count, language, provider, cost_usd)
VALUES ($1,$2,$3,$4,NULLIF($5,'')::uuid,NULLIF($6,'')::uuid,$7,$8,$9,$10)
ON CONFLICT (url) DO NOTHING
RETURNING id`,
		d.URL, d.Title, d.Content, d.Summary, d.SourceID, d.FeedRunID,
		d.ConsolidatedCount, d.Language, d.Provider, d.CostUSD).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race or re-run: return the existing row.
		existing, err := scanDigest(tx.QueryRowContext(ctx, digestSelect+` WHERE url = $1`, d.URL))
		if err != nil {
			return Digest{}, false, fmt.Errorf("loading existing digest for %s: %w", d.URL, err)
		}
		if err := tx.Commit(); err != nil {
			return Digest{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return Digest{}, false, err
	}
	d.ID = id

	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO digest_source_items (digest_id, item_url, item_title, published_at, snapshot)
VALUES ($1,$2,$3,$4,$5)`,
			id, it.ItemURL, it.ItemTitle, nullableTime(it.PublishedAt), it.Snapshot); err != nil {
			return Digest{}, false, fmt.Errorf("inserting provenance for %s: %w", d.URL, err)
		}
	}

	if usage != nil {
		usage.DigestID = id
		if err := insertUsageLogTx(ctx, tx, *usage); err != nil {
			return Digest{}, false, fmt.Errorf("inserting usage log for %s: %w", d.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Digest{}, false, err
	}
	return d, true, nil
}

// InsertUsageLog appends one LLM usage row outside a digest transaction
// (failed calls, chat turns).
func (s *Store) InsertUsageLog(ctx context.Context, u UsageLog) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO llm_usage_logs (digest_id, feed_run_id, provider, model, input_tokens, output_tokens, cost_usd, success)
VALUES (NULLIF($1,'')::uuid,NULLIF($2,'')::uuid,$3,$4,$5,$6,$7,$8)`,
		u.DigestID, u.FeedRunID, u.Provider, u.Model, u.InputTokens, u.OutputTokens, u.CostUSD, u.Success)
	return err
}

func insertUsageLogTx(ctx context.Context, tx *sql.Tx, u UsageLog) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO llm_usage_logs (digest_id, feed_run_id, provider, model, input_tokens, output_tokens, cost_usd, success)
VALUES (NULLIF($1,'')::uuid,NULLIF($2,'')::uuid,$3,$4,$5,$6,$7,$8)`,
		u.DigestID, u.FeedRunID, u.Provider, u.Model, u.InputTokens, u.OutputTokens, u.CostUSD, u.Success)
	return err
}

// ListDigestItems returns provenance rows for a digest.
func (s *Store) ListDigestItems(ctx context.Context, digestID string) ([]DigestSourceItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT digest_id, item_url, item_title, published_at, snapshot
FROM digest_source_items WHERE digest_id = $1 ORDER BY id`, digestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DigestSourceItem
	for rows.Next() {
		var it DigestSourceItem
		var pub sql.NullTime
		if err := rows.Scan(&it.DigestID, &it.ItemURL, &it.ItemTitle, &pub, &it.Snapshot); err != nil {
			return nil, err
		}
		if pub.Valid {
			t := pub.Time
			it.PublishedAt = &t
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListDigestsByRun returns digests produced by one feed run.
func (s *Store) ListDigestsByRun(ctx context.Context, feedRunID string) ([]Digest, error) {
	rows, err := s.DB.QueryContext(ctx, digestSelect+` WHERE feed_run_id = $1 ORDER BY created_at`, feedRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Digest
	for rows.Next() {
		var d Digest
		if err := rows.Scan(&d.ID, &d.URL, &d.Title, &d.Content, &d.Summary,
			&d.SourceID, &d.FeedRunID, &d.ConsolidatedCount, &d.Language,
			&d.Provider, &d.CostUSD, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SearchDigests finds digests whose title or URL matches the query
// substring, newest first. Used by the chat search tool.
func (s *Store) SearchDigests(ctx context.Context, query string, limit int) ([]Digest, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx,
		digestSelect+` WHERE title ILIKE '%'||$1||'%' OR url ILIKE '%'||$1||'%' ORDER BY created_at DESC LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Digest
	for rows.Next() {
		var d Digest
		if err := rows.Scan(&d.ID, &d.URL, &d.Title, &d.Content, &d.Summary,
			&d.SourceID, &d.FeedRunID, &d.ConsolidatedCount, &d.Language,
			&d.Provider, &d.CostUSD, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDigest(row rowScanner) (Digest, error) {
	var d Digest
	err := row.Scan(&d.ID, &d.URL, &d.Title, &d.Content, &d.Summary,
		&d.SourceID, &d.FeedRunID, &d.ConsolidatedCount, &d.Language,
		&d.Provider, &d.CostUSD, &d.CreatedAt)
	return d, err
}
