package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func digestColumns() []string {
	return []string{"id", "url", "title", "content", "summary", "source_id", "feed_run_id",
		"consolidated_count", "language", "provider", "cost_usd", "created_at"}
}

func TestSaveDigestInsertsProvenanceAndUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO digests`)).
		WithArgs("https://example.com/a", "Title", "body", "summary", "src-1", "run-1", 1, "en", "openai", 0.01).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("digest-1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO digest_source_items`)).
		WithArgs("digest-1", "https://example.com/a", "Title", sqlmock.AnyArg(), "snap").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO llm_usage_logs`)).
		WithArgs("digest-1", "run-1", "openai", "gpt-4o-mini", int64(100), int64(50), 0.01, true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	pub := time.Now()
	d, created, err := st.SaveDigest(context.Background(),
		Digest{URL: "https://example.com/a", Title: "Title", Content: "body", Summary: "summary",
			SourceID: "src-1", FeedRunID: "run-1", ConsolidatedCount: 1, Language: "en",
			Provider: "openai", CostUSD: 0.01},
		[]DigestSourceItem{{ItemURL: "https://example.com/a", ItemTitle: "Title", PublishedAt: &pub, Snapshot: "snap"}},
		&UsageLog{FeedRunID: "run-1", Provider: "openai", Model: "gpt-4o-mini",
			InputTokens: 100, OutputTokens: 50, CostUSD: 0.01, Success: true})
	if err != nil {
		t.Fatalf("SaveDigest: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
	if d.ID != "digest-1" {
		t.Fatalf("expected digest-1, got %s", d.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveDigestIdempotentOnExistingURL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	created := time.Now().Add(-time.Hour)
	mock.ExpectBegin()
	// ON CONFLICT DO NOTHING yields no RETURNING row for an existing URL.
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO digests`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id, url, title`).
		WithArgs("https://example.com/a").
		WillReturnRows(sqlmock.NewRows(digestColumns()).
			AddRow("digest-existing", "https://example.com/a", "Old", "old body", "old summary",
				"src-1", "run-0", 1, "en", "openai", 0.02, created))
	mock.ExpectCommit()

	d, wasCreated, err := st.SaveDigest(context.Background(),
		Digest{URL: "https://example.com/a", Title: "New", FeedRunID: "run-1"},
		[]DigestSourceItem{{ItemURL: "https://example.com/a"}},
		&UsageLog{Provider: "openai"})
	if err != nil {
		t.Fatalf("SaveDigest: %v", err)
	}
	if wasCreated {
		t.Fatalf("expected created=false for existing URL")
	}
	if d.ID != "digest-existing" || d.Title != "Old" {
		t.Fatalf("expected existing row unchanged, got %+v", d)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetDigestByURLMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectQuery(`SELECT id, url, title`).
		WithArgs("https://example.com/missing").
		WillReturnError(sql.ErrNoRows)

	_, ok, err := st.GetDigestByURL(context.Background(), "https://example.com/missing")
	if err != nil {
		t.Fatalf("GetDigestByURL: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing digest")
	}
}

func TestFinishFeedRunPersistsAggregates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE feed_runs SET`)).
		WithArgs("run-1", RunStatusPartial, 3, 2, 1, 0, 7, int64(1000), int64(400), 0.05,
			"source x: fetch failed", []byte(`[{"source_id":"x"}]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = st.FinishFeedRun(context.Background(), FeedRun{
		ID: "run-1", Status: RunStatusPartial,
		SourcesTotal: 3, SourcesProcessed: 2, SourcesFailed: 1,
		ItemsProcessed: 7, TokensInput: 1000, TokensOutput: 400, CostUSD: 0.05,
		ErrorLog: "source x: fetch failed", Errors: []byte(`[{"source_id":"x"}]`),
	})
	if err != nil {
		t.Fatalf("FinishFeedRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
