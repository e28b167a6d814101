package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the record tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inference (
			id UUID PRIMARY KEY,
			episode_id UUID NOT NULL,
			function_name TEXT NOT NULL,
			variant_name TEXT NOT NULL,
			input JSONB,
			output JSONB,
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			finish_reason TEXT,
			outcome TEXT NOT NULL,
			error TEXT,
			cached BOOLEAN NOT NULL DEFAULT FALSE,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			tags JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS inference_episode_idx ON inference (episode_id)`,
		`CREATE INDEX IF NOT EXISTS inference_function_idx ON inference (function_name, created_at)`,
		`CREATE TABLE IF NOT EXISTS model_inference (
			id UUID PRIMARY KEY,
			inference_id UUID NOT NULL,
			variant_name TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			raw_request JSONB,
			raw_response JSONB,
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			finish_reason TEXT,
			success BOOLEAN NOT NULL,
			error TEXT,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS model_inference_inference_idx ON model_inference (inference_id)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id UUID PRIMARY KEY,
			metric_name TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id UUID NOT NULL,
			value JSONB,
			tags JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS feedback_target_idx ON feedback (target_type, target_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// WriteInferences inserts a batch of inference records in one transaction.
func (s *PostgresStore) WriteInferences(ctx context.Context, records []*InferenceRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO inference (
			id, episode_id, function_name, variant_name, input, output,
			input_tokens, output_tokens, finish_reason, outcome, error,
			cached, latency_ms, tags, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	return s.withTx(ctx, query, len(records), func(stmt *sql.Stmt, i int) error {
		rec := records[i]
		tagsJSON, _ := json.Marshal(rec.Tags)
		_, err := stmt.ExecContext(ctx,
			rec.ID, rec.EpisodeID, rec.FunctionName, rec.VariantName,
			nullableJSON(rec.Input), nullableJSON(rec.Output),
			rec.Usage.InputTokens, rec.Usage.OutputTokens,
			string(rec.FinishReason), string(rec.Outcome), nullString(rec.Error),
			rec.Cached, rec.LatencyMS, string(tagsJSON), recordTime(rec.CreatedAt),
		)
		return err
	})
}

// WriteModelInferences inserts a batch of model inference records.
func (s *PostgresStore) WriteModelInferences(ctx context.Context, records []*ModelInferenceRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO model_inference (
			id, inference_id, variant_name, provider, model,
			raw_request, raw_response, input_tokens, output_tokens,
			finish_reason, success, error, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	return s.withTx(ctx, query, len(records), func(stmt *sql.Stmt, i int) error {
		rec := records[i]
		_, err := stmt.ExecContext(ctx,
			rec.ID, rec.InferenceID, rec.VariantName, rec.Provider, rec.Model,
			nullableJSON(rec.RawRequest), nullableJSON(rec.RawResponse),
			rec.Usage.InputTokens, rec.Usage.OutputTokens,
			string(rec.FinishReason), rec.Success, nullString(rec.Error),
			rec.LatencyMS, recordTime(rec.CreatedAt),
		)
		return err
	})
}

// WriteFeedback inserts a batch of feedback records.
func (s *PostgresStore) WriteFeedback(ctx context.Context, records []*FeedbackRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO feedback (
			id, metric_name, target_type, target_id, value, tags, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	return s.withTx(ctx, query, len(records), func(stmt *sql.Stmt, i int) error {
		rec := records[i]
		tagsJSON, _ := json.Marshal(rec.Tags)
		_, err := stmt.ExecContext(ctx,
			rec.ID, rec.MetricName, rec.TargetType, rec.TargetID,
			nullableJSON(rec.Value), string(tagsJSON), recordTime(rec.CreatedAt),
		)
		return err
	})
}

// withTx runs n prepared inserts inside one transaction.
func (s *PostgresStore) withTx(ctx context.Context, query string, n int, exec func(stmt *sql.Stmt, i int) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func recordTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)
