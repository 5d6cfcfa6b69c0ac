package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Store wraps the Postgres connection used by the feed engine.
type Store struct {
	DB *sql.DB
}

// Digest modes supported by feeds.
const (
	DigestModeIndividual = "individual"
	DigestModePerSource  = "per_source"
	DigestModeAllSources = "all_sources"
)

// Feed run terminal statuses.
const (
	RunStatusPending               = "pending"
	RunStatusRunning               = "running"
	RunStatusCompleted             = "completed"
	RunStatusPartial               = "partial"
	RunStatusFailed                = "failed"
	RunStatusCompletedWithWarnings = "completed_with_warnings"
)

// Source types.
const (
	SourceTypeRSS     = "rss"
	SourceTypeYouTube = "youtube"
	SourceTypeIMAP    = "imap"
	SourceTypeAgent   = "agent"
	SourceTypeWebsite = "website"
)

// Source health statuses derived from the consecutive-failure counter.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Source is a content origin. For agent sources URL carries the
// research prompt instead of an address.
type Source struct {
	ID                  string
	Type                string
	Name                string
	URL                 string
	Enabled             bool
	IncludeKeywords     []string
	ExcludeKeywords     []string
	FilterScope         string
	Provider            string
	Model               string
	ConsecutiveFailures int
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	// Priority comes from the feed_sources junction when loaded per feed.
	Priority int
}

// HealthStatus derives the operator-facing health label from the
// failure counter. The orchestrator never sets this directly.
func (s Source) HealthStatus(failureThreshold int) string {
	switch {
	case s.ConsecutiveFailures == 0:
		return HealthHealthy
	case s.ConsecutiveFailures < failureThreshold:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// Feed is a named aggregation unit over an ordered set of sources.
type Feed struct {
	ID             string
	Name           string
	DigestMode     string
	ScheduleCron   string
	PromptTemplate string
	Provider       string
	Model          string
	Language       string
	OutputConfig   []byte // raw JSON delivery config
	LastRunAt      *time.Time
}

// FeedRun is one execution instance of a feed.
type FeedRun struct {
	ID               string
	FeedID           string
	Status           string
	TriggerReason    string
	TraceID          string
	StartedAt        time.Time
	CompletedAt      *time.Time
	SourcesTotal     int
	SourcesProcessed int
	SourcesFailed    int
	SourcesSkipped   int
	ItemsProcessed   int
	TokensInput      int64
	TokensOutput     int64
	CostUSD          float64
	ErrorLog         string
	Errors           []byte // structured error list, JSON
}

// Digest is one summarized output unit, unique by URL.
type Digest struct {
	ID                string
	URL               string
	Title             string
	Content           string
	Summary           string
	SourceID          string
	FeedRunID         string
	ConsolidatedCount int
	Language          string
	Provider          string
	CostUSD           float64
	CreatedAt         time.Time
}

// DigestSourceItem links a consolidated digest back to one original item.
type DigestSourceItem struct {
	DigestID    string
	ItemURL     string
	ItemTitle   string
	PublishedAt *time.Time
	Snapshot    string
}

// UsageLog records one LLM call attributed to a digest/run.
type UsageLog struct {
	DigestID     string
	FeedRunID    string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Success      bool
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// GetFeed fetches a feed by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetFeed(ctx context.Context, id string) (Feed, error) {
	var f Feed
	var lastRun sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT id, name, digest_mode, schedule_cron, prompt_template, provider, model, language, output_config, last_run_at
FROM feeds WHERE id = $1`, id).Scan(
		&f.ID, &f.Name, &f.DigestMode, &f.ScheduleCron, &f.PromptTemplate,
		&f.Provider, &f.Model, &f.Language, &f.OutputConfig, &lastRun)
	if err != nil {
		return Feed{}, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		f.LastRunAt = &t
	}
	return f, nil
}

// ListFeeds returns all feeds ordered by name.
func (s *Store) ListFeeds(ctx context.Context) ([]Feed, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, name, digest_mode, schedule_cron, prompt_template, provider, model, language, output_config, last_run_at
FROM feeds ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Feed
	for rows.Next() {
		var f Feed
		var lastRun sql.NullTime
		if err := rows.Scan(&f.ID, &f.Name, &f.DigestMode, &f.ScheduleCron, &f.PromptTemplate,
			&f.Provider, &f.Model, &f.Language, &f.OutputConfig, &lastRun); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time
			f.LastRunAt = &t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFeedSources returns the enabled sources of a feed in descending
// priority order. Both the source and the junction must be enabled.
func (s *Store) ListFeedSources(ctx context.Context, feedID string) ([]Source, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT src.id, src.type, src.name, src.url, src.enabled,
       src.include_keywords, src.exclude_keywords, src.filter_scope,
       src.provider, src.model, src.consecutive_failures,
       src.last_success_at, src.last_failure_at, fs.priority
FROM feed_sources fs
JOIN sources src ON src.id = fs.source_id
WHERE fs.feed_id = $1 AND fs.enabled AND src.enabled
ORDER BY fs.priority DESC, src.name`, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		var src Source
		var lastOK, lastFail sql.NullTime
		if err := rows.Scan(&src.ID, &src.Type, &src.Name, &src.URL, &src.Enabled,
			pq.Array(&src.IncludeKeywords), pq.Array(&src.ExcludeKeywords), &src.FilterScope,
			&src.Provider, &src.Model, &src.ConsecutiveFailures,
			&lastOK, &lastFail, &src.Priority); err != nil {
			return nil, err
		}
		if lastOK.Valid {
			t := lastOK.Time
			src.LastSuccessAt = &t
		}
		if lastFail.Valid {
			t := lastFail.Time
			src.LastFailureAt = &t
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// UpdateFeedLastRun stamps feeds.last_run_at.
func (s *Store) UpdateFeedLastRun(ctx context.Context, feedID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE feeds SET last_run_at = $2, updated_at = NOW() WHERE id = $1`, feedID, at)
	return err
}

// UpdateSourceHealth persists circuit-breaker counters for a source.
func (s *Store) UpdateSourceHealth(ctx context.Context, src Source) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE sources SET consecutive_failures = $2, last_success_at = $3, last_failure_at = $4, updated_at = NOW()
WHERE id = $1`, src.ID, src.ConsecutiveFailures, nullableTime(src.LastSuccessAt), nullableTime(src.LastFailureAt))
	return err
}

// User operations.
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id, hash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	return id, hash, err
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
