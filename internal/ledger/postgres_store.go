package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-meter/internal/metrics"
	"github.com/vnmchuo/usage-meter/internal/stats"
)

const postgresBackend = "postgres"

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
	CREATE TABLE IF NOT EXISTS usage_records (
		turn_key      TEXT PRIMARY KEY,
		input_tokens  BIGINT NOT NULL,
		output_tokens BIGINT NOT NULL,
		total_cost    NUMERIC NOT NULL,
		new_balance   NUMERIC NOT NULL,
		elapsed_time  DOUBLE PRECISION,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the usage_records table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create usage_records table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Write(ctx context.Context, key string, r stats.Record) (err error) {
	defer func() { metrics.RecordLedgerOp(postgresBackend, "write", outcomeOf(err)) }()

	if err := validateKey(key); err != nil {
		return err
	}

	var elapsed *float64
	if secs, ok := r.ElapsedSeconds(); ok {
		elapsed = &secs
	}

	query := `
		INSERT INTO usage_records (turn_key, input_tokens, output_tokens, total_cost, new_balance, elapsed_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (turn_key) DO UPDATE SET
			input_tokens  = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			total_cost    = EXCLUDED.total_cost,
			new_balance   = EXCLUDED.new_balance,
			elapsed_time  = EXCLUDED.elapsed_time,
			updated_at    = now()
	`
	_, err = s.db.Exec(ctx, query,
		key, r.InputTokens, r.OutputTokens, r.TotalCost, r.NewBalance, elapsed,
	)
	if err != nil {
		return fmt.Errorf("failed to write usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, key string) (rec stats.Record, err error) {
	defer func() { metrics.RecordLedgerOp(postgresBackend, "read", outcomeOf(err)) }()

	if err := validateKey(key); err != nil {
		return stats.Record{}, &ReadError{Key: key, Err: err}
	}

	query := `
		SELECT input_tokens, output_tokens, total_cost, new_balance, elapsed_time
		FROM usage_records
		WHERE turn_key = $1
	`
	var (
		input, output int64
		cost, balance decimal.Decimal
		elapsed       *float64
	)
	err = s.db.QueryRow(ctx, query, key).Scan(&input, &output, &cost, &balance, &elapsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stats.Record{}, ErrNotFound
		}
		return stats.Record{}, &ReadError{Key: key, Err: err}
	}

	if elapsed != nil && *elapsed < 0 {
		return stats.Record{}, &ReadError{Key: key, Err: fmt.Errorf("negative elapsed_time %v", *elapsed)}
	}

	timed := elapsed != nil
	var secs float64
	if timed {
		secs = *elapsed
	}
	return stats.NewRecord(input, output, cost, balance, secondsToDuration(secs), timed), nil
}
