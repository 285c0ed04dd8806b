package storage

// schema.go bootstraps the archive schema and manages the secondary
// index lifecycle around bulk loads.
//
// Design notes that matter to correctness:
//
//   - posts and comments key on (platform, id): entity ids are only
//     unique within one source platform.
//   - users.total_activity is a stored generated column, so the
//     derived-field invariant is enforced by the database itself.
//   - the comments -> posts foreign key is DEFERRABLE INITIALLY
//     DEFERRED and is dropped for the duration of a bulk import run:
//     archive dumps routinely contain comments whose parent post was
//     removed before the dump was taken, so the reference is validated
//     eventually, not per transaction.

import (
	"context"
	"fmt"
	"time"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		platform     text   NOT NULL,
		id           text   NOT NULL,
		subreddit    text   NOT NULL,
		author       text   NOT NULL DEFAULT '',
		title        text   NOT NULL DEFAULT '',
		selftext     text   NOT NULL DEFAULT '',
		url          text   NOT NULL DEFAULT '',
		permalink    text   NOT NULL DEFAULT '',
		created_utc  bigint NOT NULL DEFAULT 0,
		score        bigint NOT NULL DEFAULT 0,
		num_comments bigint NOT NULL DEFAULT 0,
		is_self      boolean NOT NULL DEFAULT false,
		over_18      boolean NOT NULL DEFAULT false,
		locked       boolean NOT NULL DEFAULT false,
		stickied     boolean NOT NULL DEFAULT false,
		raw          jsonb,
		PRIMARY KEY (platform, id)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		platform          text   NOT NULL,
		id                text   NOT NULL,
		post_id           text   NOT NULL,
		parent_comment_id text,
		subreddit         text   NOT NULL,
		author            text   NOT NULL DEFAULT '',
		body              text   NOT NULL DEFAULT '',
		permalink         text   NOT NULL DEFAULT '',
		created_utc       bigint NOT NULL DEFAULT 0,
		score             bigint NOT NULL DEFAULT 0,
		depth             int    NOT NULL DEFAULT 0,
		raw               jsonb,
		PRIMARY KEY (platform, id)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username       text   NOT NULL,
		platform       text   NOT NULL,
		post_count     bigint NOT NULL DEFAULT 0,
		comment_count  bigint NOT NULL DEFAULT 0,
		total_activity bigint GENERATED ALWAYS AS (post_count + comment_count) STORED,
		karma          bigint NOT NULL DEFAULT 0,
		first_seen_utc bigint NOT NULL DEFAULT 0,
		last_seen_utc  bigint NOT NULL DEFAULT 0,
		PRIMARY KEY (username, platform)
	)`,
	`CREATE TABLE IF NOT EXISTS user_community_activity (
		username      text   NOT NULL,
		platform      text   NOT NULL,
		subreddit     text   NOT NULL,
		post_count    bigint NOT NULL DEFAULT 0,
		comment_count bigint NOT NULL DEFAULT 0,
		PRIMARY KEY (username, platform, subreddit)
	)`,
	`CREATE TABLE IF NOT EXISTS processing_metadata (
		platform          text NOT NULL,
		subreddit         text NOT NULL,
		status            text NOT NULL DEFAULT 'pending',
		import_started_at timestamptz,
		imported_at       timestamptz,
		export_started_at timestamptz,
		completed_at      timestamptz,
		posts_imported    bigint NOT NULL DEFAULT 0,
		comments_imported bigint NOT NULL DEFAULT 0,
		entities_exported bigint NOT NULL DEFAULT 0,
		last_error        text NOT NULL DEFAULT '',
		metadata          jsonb,
		updated_at        timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (platform, subreddit)
	)`,
	`CREATE TABLE IF NOT EXISTS community_statistics (
		platform      text NOT NULL,
		subreddit     text NOT NULL,
		post_count    bigint NOT NULL DEFAULT 0,
		comment_count bigint NOT NULL DEFAULT 0,
		user_count    bigint NOT NULL DEFAULT 0,
		earliest_utc  bigint NOT NULL DEFAULT 0,
		latest_utc    bigint NOT NULL DEFAULT 0,
		total_score   bigint NOT NULL DEFAULT 0,
		posts_per_day float8 NOT NULL DEFAULT 0,
		computed_at   timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (platform, subreddit)
	)`,
}

// secondaryIndexes are non-essential for loading and expensive to
// maintain per row; they are dropped before a bulk import and rebuilt
// afterwards. The keyset export indexes on the primary keys and the
// users primary key survive as part of the table definitions.
var secondaryIndexes = []struct {
	Name   string
	Create string
}{
	{"idx_posts_subreddit_created", "CREATE INDEX IF NOT EXISTS idx_posts_subreddit_created ON posts (subreddit, created_utc, id)"},
	{"idx_posts_author", "CREATE INDEX IF NOT EXISTS idx_posts_author ON posts (author)"},
	{"idx_comments_subreddit_created", "CREATE INDEX IF NOT EXISTS idx_comments_subreddit_created ON comments (subreddit, created_utc, id)"},
	{"idx_comments_post", "CREATE INDEX IF NOT EXISTS idx_comments_post ON comments (platform, post_id)"},
	{"idx_comments_author", "CREATE INDEX IF NOT EXISTS idx_comments_author ON comments (author)"},
}

// commentsPostFK is validated eventually: archive dumps contain
// comments whose post never appears, so the constraint is added NOT
// VALID after bulk loads instead of being enforced per row.
const (
	commentsPostFKName = "comments_post_fk"
	commentsPostFKAdd  = `ALTER TABLE comments
		ADD CONSTRAINT comments_post_fk
		FOREIGN KEY (platform, post_id) REFERENCES posts (platform, id)
		DEFERRABLE INITIALLY DEFERRED NOT VALID`
)

// EnsureSchema creates all tables and secondary indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &StorageError{Op: "ensure schema", Err: err}
		}
	}
	for _, idx := range secondaryIndexes {
		if _, err := s.pool.Exec(ctx, idx.Create); err != nil {
			return &StorageError{Op: "create index " + idx.Name, Err: err}
		}
	}
	if err := s.ensureCommentsFK(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Store) ensureCommentsFK(ctx context.Context) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = $1)`,
		commentsPostFKName,
	).Scan(&exists)
	if err != nil {
		return &StorageError{Op: "check comments fk", Err: err}
	}
	if exists {
		return nil
	}
	if _, err := s.pool.Exec(ctx, commentsPostFKAdd); err != nil {
		return &StorageError{Op: "add comments fk", Err: err}
	}
	return nil
}

// DropIndexesForBulkLoad removes secondary indexes and the comments
// foreign key so a large import pays no per-row maintenance cost.
// Primary keys stay: the loader's upsert depends on them.
func (s *Store) DropIndexesForBulkLoad(ctx context.Context) error {
	start := time.Now()
	if _, err := s.pool.Exec(ctx,
		fmt.Sprintf("ALTER TABLE comments DROP CONSTRAINT IF EXISTS %s", commentsPostFKName),
	); err != nil {
		return &StorageError{Op: "drop comments fk", Err: err}
	}
	for _, idx := range secondaryIndexes {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", idx.Name)); err != nil {
			return &StorageError{Op: "drop index " + idx.Name, Err: err}
		}
	}
	s.logger.Info("dropped secondary indexes for bulk load",
		"count", len(secondaryIndexes), "elapsed", time.Since(start))
	return nil
}

// CreateIndexesAfterBulkLoad rebuilds secondary indexes, re-adds the
// comments foreign key, and refreshes planner statistics.
func (s *Store) CreateIndexesAfterBulkLoad(ctx context.Context) error {
	start := time.Now()
	for _, idx := range secondaryIndexes {
		if _, err := s.pool.Exec(ctx, idx.Create); err != nil {
			return &StorageError{Op: "recreate index " + idx.Name, Err: err}
		}
	}
	if err := s.ensureCommentsFK(ctx); err != nil {
		return err
	}
	s.logger.Info("recreated secondary indexes after bulk load",
		"count", len(secondaryIndexes), "elapsed", time.Since(start))
	return s.Analyze(ctx, "posts", "comments", "users")
}

// Analyze refreshes query-planner statistics for the given tables
// (default: the three content tables).
func (s *Store) Analyze(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		tables = []string{"posts", "comments", "users"}
	}
	for _, table := range tables {
		if _, err := s.pool.Exec(ctx, "ANALYZE "+table); err != nil {
			return &StorageError{Op: "analyze " + table, Err: err}
		}
	}
	return nil
}

// CountOrphanComments reports comments whose parent post is absent.
// Referential integrity is validated eventually rather than per row;
// this surfaces how far off the archive actually was.
func (s *Store) CountOrphanComments(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM comments c
		 WHERE NOT EXISTS (
			SELECT 1 FROM posts p
			WHERE p.platform = c.platform AND p.id = c.post_id
		 )`,
	).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "count orphan comments", Err: err}
	}
	return n, nil
}
