package storage

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB holds the primary pool and an optional read replica pool.
type DB struct {
	writer *pgxpool.Pool
	reader *pgxpool.Pool
}

// NewDB connects to url and, when readURL is set, to a read replica.
// Zero pool sizes keep the pgx defaults.
func NewDB(ctx context.Context, url, readURL string, maxConns, minConns int32) (*DB, error) {
	writer, err := newPool(ctx, url, maxConns, minConns)
	if err != nil {
		return nil, fmt.Errorf("connect primary: %w", err)
	}
	db := &DB{writer: writer, reader: writer}
	if readURL != "" {
		reader, err := newPool(ctx, readURL, maxConns, minConns)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("connect read replica: %w", err)
		}
		db.reader = reader
	}
	return db, nil
}

func newPool(ctx context.Context, url string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Writer returns the primary pool.
func (d *DB) Writer() *pgxpool.Pool { return d.writer }

// Reader returns the replica pool, or the primary when none is configured.
func (d *DB) Reader() *pgxpool.Pool { return d.reader }

func (d *DB) Close() {
	if d.reader != d.writer {
		d.reader.Close()
	}
	d.writer.Close()
}
