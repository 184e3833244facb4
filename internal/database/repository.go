package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairwatch/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	SaveTicks(ctx context.Context, ticks []model.Tick) error
	SaveBars(ctx context.Context, bars []model.Bar) error
	Migrate(ctx context.Context) error
}

// PostgresRepository persists ticks and bars in PostgreSQL.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects a pool and verifies the server is reachable.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	r.Pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
	id BIGSERIAL PRIMARY KEY,
	symbol VARCHAR(32) NOT NULL,
	exchange_time TIMESTAMPTZ NOT NULL,
	receipt_time TIMESTAMPTZ NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	quantity DOUBLE PRECISION NOT NULL,
	side SMALLINT NOT NULL,
	trade_id BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS ticks_symbol_time_idx ON ticks (symbol, exchange_time);
CREATE TABLE IF NOT EXISTS bars (
	symbol VARCHAR(32) NOT NULL,
	interval_ms BIGINT NOT NULL,
	bar_start TIMESTAMPTZ NOT NULL,
	open DOUBLE PRECISION NOT NULL,
	high DOUBLE PRECISION NOT NULL,
	low DOUBLE PRECISION NOT NULL,
	close DOUBLE PRECISION NOT NULL,
	volume DOUBLE PRECISION NOT NULL,
	tick_count INTEGER NOT NULL,
	PRIMARY KEY (symbol, interval_ms, bar_start)
);`

// Migrate creates the tables when they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

var tickColumns = []string{"symbol", "exchange_time", "receipt_time", "price", "quantity", "side", "trade_id"}

// SaveTicks bulk-loads ticks with COPY.
func (r *PostgresRepository) SaveTicks(ctx context.Context, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	n, err := r.Pool.CopyFrom(ctx, pgx.Identifier{"ticks"}, tickColumns,
		pgx.CopyFromSlice(len(ticks), func(i int) ([]any, error) {
			t := ticks[i]
			return []any{t.Symbol, t.ExchangeTime, t.ReceiptTime, t.Price, t.Quantity, int16(t.Side), t.TradeID}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy ticks: %w", err)
	}
	if int(n) != len(ticks) {
		return fmt.Errorf("copy ticks: wrote %d of %d rows", n, len(ticks))
	}
	return nil
}

const upsertBar = `
INSERT INTO bars (symbol, interval_ms, bar_start, open, high, low, close, volume, tick_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (symbol, interval_ms, bar_start) DO UPDATE SET
	open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
	volume = EXCLUDED.volume, tick_count = EXCLUDED.tick_count`

// SaveBars upserts closed bars in a single batch, so a retried flush does not
// duplicate rows.
func (r *PostgresRepository) SaveBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(upsertBar, b.Symbol, b.Interval.Milliseconds(), b.Start, b.Open, b.High, b.Low, b.Close, b.Volume, b.TickCount)
	}

	br := r.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range bars {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert bars: %w", err)
		}
	}
	return nil
}
