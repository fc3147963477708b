// Package postgres persists batch results and summaries.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Open connects through the pgx database/sql driver and pings the server.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}

const upsertResult = `INSERT INTO formfill_unit_results
    (batch_id, record_id, success, state, error_kind, error_code, error_message, data, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (batch_id, record_id) DO UPDATE SET
    success = EXCLUDED.success,
    state = EXCLUDED.state,
    error_kind = EXCLUDED.error_kind,
    error_code = EXCLUDED.error_code,
    error_message = EXCLUDED.error_message,
    data = EXCLUDED.data,
    recorded_at = EXCLUDED.recorded_at`

const upsertBatch = `INSERT INTO formfill_batches
    (id, total, successful, failed, skipped, cancelled, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    total = EXCLUDED.total,
    successful = EXCLUDED.successful,
    failed = EXCLUDED.failed,
    skipped = EXCLUDED.skipped,
    cancelled = EXCLUDED.cancelled,
    completed_at = EXCLUDED.completed_at`

// ResultStore writes unit results and batch summaries.
type ResultStore struct {
	db      *sql.DB
	timeout time.Duration
	logger  *slog.Logger
}

func NewResultStore(db *sql.DB, logger *slog.Logger) *ResultStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultStore{db: db, timeout: 30 * time.Second, logger: logger}
}

// SaveResults upserts results for batchID in one transaction.
func (s *ResultStore) SaveResults(ctx context.Context, batchID string, results []core.UnitResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range results {
		var state string
		var data any
		if r.Data != nil {
			state = r.Data.State
			b, err := json.Marshal(r.Data)
			if err != nil {
				return fmt.Errorf("encode result %s: %w", r.RecordID, err)
			}
			data = string(b)
		}
		var info core.ErrorInfo
		if r.Error != nil {
			info = *r.Error
		}
		if _, err := tx.ExecContext(ctx, upsertResult,
			batchID, r.RecordID, r.Success, state,
			string(info.Kind), info.Code, info.Message,
			data, r.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert result %s: %w", r.RecordID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

// SaveSummary upserts the batch row.
func (s *ResultStore) SaveSummary(ctx context.Context, batchID string, sum core.Summary, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, upsertBatch,
		batchID, sum.Total, sum.Successful, sum.Failed, sum.Skipped, sum.Cancelled, at,
	); err != nil {
		return fmt.Errorf("failed to save batch summary: %w", err)
	}
	return nil
}

// ForBatch adapts the store to core.OutputAdapter for one batch.
func (s *ResultStore) ForBatch(batchID string) core.OutputAdapter[core.UnitResult] {
	return batchWriter{store: s, batchID: batchID}
}

type batchWriter struct {
	store   *ResultStore
	batchID string
}

func (w batchWriter) Store(ctx context.Context, rows []core.UnitResult) error {
	return w.store.SaveResults(ctx, w.batchID, rows)
}

// Persist stores the results and the summary of a finished batch. The context
// is detached from cancellation so a cancelled run still records what it did.
func (s *ResultStore) Persist(ctx context.Context, batchID string, results []core.UnitResult, sum core.Summary, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.ForBatch(batchID).Store(ctx, results); err != nil {
		return err
	}
	if err := s.SaveSummary(ctx, batchID, sum, at); err != nil {
		return err
	}
	s.logger.Info("results persisted", "batch_id", batchID, "results", len(results))
	return nil
}
