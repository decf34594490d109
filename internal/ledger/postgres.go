package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
	_ "github.com/lib/pq"
)

// PostgresStore persists records in the execution_records table. The unique
// constraint on request_id plus ON CONFLICT DO NOTHING makes Append
// idempotent under replay.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func OpenPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// Migrate creates the ledger tables. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS execution_records (
			request_id    TEXT PRIMARY KEY,
			caller_id     TEXT NOT NULL,
			tier          TEXT NOT NULL,
			model         TEXT,
			provider      TEXT,
			status        TEXT NOT NULL,
			reason        TEXT,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_ms   BIGINT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_execution_records_caller_time
			ON execution_records (caller_id, created_at);

		CREATE TABLE IF NOT EXISTS usage_rollups (
			caller_id    TEXT NOT NULL,
			day          DATE NOT NULL,
			count        BIGINT NOT NULL,
			total_cost   DOUBLE PRECISION NOT NULL,
			total_tokens BIGINT NOT NULL,
			successes    BIGINT NOT NULL,
			PRIMARY KEY (caller_id, day)
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, record domain.ExecutionRecord) error {
	query := `
		INSERT INTO execution_records
			(request_id, caller_id, tier, model, provider, status, reason,
			 input_tokens, output_tokens, cost_usd, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (request_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		record.RequestID,
		record.CallerID,
		record.Tier,
		record.Model,
		record.Provider,
		string(record.Status),
		record.Reason,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.DurationMs,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Aggregate(ctx context.Context, callerID string, from, to time.Time) (domain.UsageSummary, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(input_tokens + output_tokens), 0),
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0)
		FROM execution_records
		WHERE caller_id = $1 AND created_at >= $2 AND created_at < $3
	`

	summary := domain.UsageSummary{CallerID: callerID, From: from, To: to}
	var successes int64

	err := s.db.QueryRowContext(ctx, query, callerID, from, to).
		Scan(&summary.Count, &summary.TotalCost, &summary.TotalTokens, &successes)
	if err != nil {
		return domain.UsageSummary{}, fmt.Errorf("aggregate usage: %w", err)
	}

	if summary.Count > 0 {
		summary.SuccessRate = float64(successes) / float64(summary.Count)
	}
	return summary, nil
}

func (s *PostgresStore) Records(ctx context.Context, callerID string, since time.Time) ([]domain.ExecutionRecord, error) {
	query := `
		SELECT request_id, caller_id, tier, model, provider, status, reason,
		       input_tokens, output_tokens, cost_usd, duration_ms, created_at
		FROM execution_records
		WHERE caller_id = $1 AND created_at > $2
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, callerID, since)
	if err != nil {
		return nil, fmt.Errorf("query execution records: %w", err)
	}
	defer rows.Close()

	var records []domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		var status string
		err := rows.Scan(
			&r.RequestID, &r.CallerID, &r.Tier, &r.Model, &r.Provider,
			&status, &r.Reason, &r.InputTokens, &r.OutputTokens,
			&r.CostUSD, &r.DurationMs, &r.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		r.Status = domain.Status(status)
		records = append(records, r)
	}

	return records, rows.Err()
}

// RollupDay folds one day's records into the usage_rollups table. Run
// periodically; the upsert recomputes from the append-only source, so
// replays are harmless.
func (s *PostgresStore) RollupDay(ctx context.Context, day time.Time) error {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	query := `
		INSERT INTO usage_rollups (caller_id, day, count, total_cost, total_tokens, successes)
		SELECT caller_id, $1::date,
		       COUNT(*),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(input_tokens + output_tokens), 0),
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0)
		FROM execution_records
		WHERE created_at >= $2 AND created_at < $3
		GROUP BY caller_id
		ON CONFLICT (caller_id, day) DO UPDATE SET
			count        = EXCLUDED.count,
			total_cost   = EXCLUDED.total_cost,
			total_tokens = EXCLUDED.total_tokens,
			successes    = EXCLUDED.successes
	`

	if _, err := s.db.ExecContext(ctx, query, start, start, end); err != nil {
		return fmt.Errorf("rollup day %s: %w", start.Format("2006-01-02"), err)
	}
	return nil
}
