package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions configures NewPool. TimeZone sets the session time zone, which
// decides the day boundary of route_events.ingest_time; it should match the
// retention time zone the partitions are cut in.
type PoolOptions struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ApplicationName string
	TimeZone        string
}

// ParseConfig builds the pool configuration without connecting.
func ParseConfig(opts PoolOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns

	params := cfg.ConnConfig.RuntimeParams
	if opts.ApplicationName != "" {
		if _, ok := params["application_name"]; !ok {
			params["application_name"] = opts.ApplicationName
		}
	}
	if opts.TimeZone != "" {
		params["timezone"] = opts.TimeZone
	}
	return cfg, nil
}

func NewPool(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := ParseConfig(opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	return pool.Ping(ctx)
}
