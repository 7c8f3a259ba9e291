package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjannette/marketdash/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS feed_points (
	symbol      TEXT             NOT NULL,
	ts          TIMESTAMPTZ      NOT NULL,
	open        DOUBLE PRECISION,
	high        DOUBLE PRECISION,
	low         DOUBLE PRECISION,
	close       DOUBLE PRECISION,
	volume      DOUBLE PRECISION NOT NULL DEFAULT 0,
	recorded_at TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
	PRIMARY KEY (symbol, ts)
)`

const upsertPoint = `
INSERT INTO feed_points (symbol, ts, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (symbol, ts) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume,
	recorded_at = NOW()`

// PointRepo archives feed points keyed by (symbol, time).
type PointRepo struct {
	pool *pgxpool.Pool
}

func NewPointRepo(pool *pgxpool.Pool) *PointRepo {
	return &PointRepo{pool: pool}
}

func (r *PointRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create feed_points: %w", err)
	}
	return nil
}

// Upsert writes pts for symbol in one batch. A point whose time is already
// stored overwrites the stored values.
func (r *PointRepo) Upsert(ctx context.Context, symbol string, pts []models.Point) (int, error) {
	if len(pts) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, p := range pts {
		b.Queue(upsertPoint, symbol, p.Time.UTC(), p.Open, p.High, p.Low, p.Close, p.Volume)
	}

	br := r.pool.SendBatch(ctx, b)
	for i := range pts {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return i, fmt.Errorf("upsert %s point %d: %w", symbol, i, err)
		}
	}
	return len(pts), br.Close()
}

func (r *PointRepo) GetRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Point, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ts, open, high, low, close, volume FROM feed_points
		 WHERE symbol = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts ASC`,
		symbol, start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPoints(rows)
}

// GetLatest returns the newest stored point for symbol, or nil if there is
// none.
func (r *PointRepo) GetLatest(ctx context.Context, symbol string) (*models.Point, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT ts, open, high, low, close, volume FROM feed_points
		 WHERE symbol = $1 ORDER BY ts DESC LIMIT 1`,
		symbol,
	)
	p, err := scanPoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (r *PointRepo) Symbols(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT symbol FROM feed_points ORDER BY symbol ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSymbol drops every archived point for symbol.
func (r *PointRepo) DeleteSymbol(ctx context.Context, symbol string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM feed_points WHERE symbol = $1`, symbol)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanPoint(row scannable) (*models.Point, error) {
	var p models.Point
	if err := row.Scan(&p.Time, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume); err != nil {
		return nil, err
	}
	p.Time = p.Time.UTC()
	return &p, nil
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectPoints(rows rowsIter) ([]models.Point, error) {
	var out []models.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
