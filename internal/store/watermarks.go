package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// WatermarkStore reads and advances per-source "last read" timestamps.
// Postgres is the source of truth; Redis is a read-through cache so
// frequent scheduler ticks avoid hitting the database.
type WatermarkStore struct {
	store  *Store
	rdb    *redis.Client
	logger *log.Logger
	ttl    time.Duration
}

// NewWatermarkStore builds a watermark store. rdb may be nil, in which
// case reads and writes go straight to Postgres.
func NewWatermarkStore(s *Store, rdb *redis.Client, logger *log.Logger) *WatermarkStore {
	if logger == nil {
		logger = log.New(log.Writer(), "[WATERMARK] ", log.LstdFlags)
	}
	return &WatermarkStore{store: s, rdb: rdb, logger: logger, ttl: 24 * time.Hour}
}

func watermarkKey(sourceKey string) string { return "wm:" + sourceKey }

// Get returns the last-read timestamp for a source key. ok is false
// when the source has never been read.
func (w *WatermarkStore) Get(ctx context.Context, sourceKey string) (time.Time, bool, error) {
	if w.rdb != nil {
		raw, err := w.rdb.Get(ctx, watermarkKey(sourceKey)).Result()
		if err == nil {
			if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
				return t, true, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			w.logger.Printf("redis watermark read failed for %s: %v", sourceKey, err)
		}
	}

	var t time.Time
	err := w.store.DB.QueryRowContext(ctx,
		`SELECT last_read_at FROM source_watermarks WHERE source_key = $1`, sourceKey).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if w.rdb != nil {
		if err := w.rdb.Set(ctx, watermarkKey(sourceKey), t.Format(time.RFC3339Nano), w.ttl).Err(); err != nil {
			w.logger.Printf("redis watermark cache fill failed for %s: %v", sourceKey, err)
		}
	}
	return t, true, nil
}

// Set advances the watermark. Written only after successful,
// non-dry-run processing of a source.
func (w *WatermarkStore) Set(ctx context.Context, sourceKey string, at time.Time) error {
	_, err := w.store.DB.ExecContext(ctx, `
INSERT INTO source_watermarks (source_key, last_read_at, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (source_key) DO UPDATE SET last_read_at = EXCLUDED.last_read_at, updated_at = NOW()`,
		sourceKey, at)
	if err != nil {
		return fmt.Errorf("persisting watermark for %s: %w", sourceKey, err)
	}
	if w.rdb != nil {
		if err := w.rdb.Set(ctx, watermarkKey(sourceKey), at.Format(time.RFC3339Nano), w.ttl).Err(); err != nil {
			w.logger.Printf("redis watermark cache update failed for %s: %v", sourceKey, err)
		}
	}
	return nil
}
