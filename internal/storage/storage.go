// Package storage owns all PostgreSQL access: schema bootstrap, the
// bulk loader with its index lifecycle, user aggregate maintenance,
// and the materialized community statistics.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/17Amir17/redd-archiver/internal/config"
	"github.com/17Amir17/redd-archiver/internal/model"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// NewPool builds a pgx connection pool from configuration and verifies
// connectivity with a ping.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Store wraps the pool with the archiver's storage operations.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store on an established pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: slog.Default()}
}

// Pool exposes the underlying pool for collaborators that manage their
// own connections (the export worker pool).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// HealthCheck verifies the database responds.
func (s *Store) HealthCheck(ctx context.Context) bool {
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one) == nil
}

// RowCounts returns how many posts and comments storage holds for a
// community. Used to validate checkpoints before resuming.
func (s *Store) RowCounts(ctx context.Context, community model.Community) (posts, comments int64, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT
			(SELECT count(*) FROM posts WHERE platform = $1 AND subreddit = $2),
			(SELECT count(*) FROM comments WHERE platform = $1 AND subreddit = $2)`,
		community.Platform, community.Name,
	).Scan(&posts, &comments)
	if err != nil {
		return 0, 0, &StorageError{Op: "row counts", Err: err}
	}
	return posts, comments, nil
}

// DatabaseInfo is a small operational snapshot used by the run summary.
type DatabaseInfo struct {
	SizeMB       float64
	PostCount    int64
	CommentCount int64
	UserCount    int64
}

// Info reports database size and table counts.
func (s *Store) Info(ctx context.Context) (DatabaseInfo, error) {
	var info DatabaseInfo
	err := s.pool.QueryRow(ctx,
		`SELECT
			pg_database_size(current_database())::float8 / (1024*1024),
			(SELECT count(*) FROM posts),
			(SELECT count(*) FROM comments),
			(SELECT count(*) FROM users)`,
	).Scan(&info.SizeMB, &info.PostCount, &info.CommentCount, &info.UserCount)
	if err != nil {
		return DatabaseInfo{}, &StorageError{Op: "database info", Err: err}
	}
	return info, nil
}
