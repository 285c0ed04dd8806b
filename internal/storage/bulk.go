package storage

// bulk.go is the high-throughput batch load path. Each batch moves
// through COPY into a session temp table, then merges into the target
// with an insert-or-ignore keyed on (platform, id). First write wins:
// replaying a batch after an interrupted run changes nothing, which is
// what makes checkpoint resume safe.
//
// User aggregates ride the same statement: only rows that actually
// inserted feed the grouped upsert, so counts never double on replay.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/17Amir17/redd-archiver/internal/batch"
	"github.com/17Amir17/redd-archiver/internal/model"
)

// LoadResult reports the outcome of one batch load.
type LoadResult struct {
	Inserted int64
	Skipped  int64
}

// BulkLoader performs batched inserts with bounded retry.
type BulkLoader struct {
	store      *Store
	maxRetries int
	timeout    time.Duration
	logger     *slog.Logger
}

// NewBulkLoader creates a loader. maxRetries bounds retry attempts per
// batch; timeout applies to each attempt.
func NewBulkLoader(store *Store, maxRetries int, timeout time.Duration) *BulkLoader {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &BulkLoader{
		store:      store,
		maxRetries: maxRetries,
		timeout:    timeout,
		logger:     slog.Default(),
	}
}

// LoadBatch bulk-inserts one batch. Transient storage errors are
// retried with exponential backoff up to the configured budget; the
// final error is returned as a *StorageError for the driver to record.
func (l *BulkLoader) LoadBatch(ctx context.Context, b batch.Batch) (LoadResult, error) {
	if b.Len() == 0 {
		return LoadResult{}, nil
	}

	var result LoadResult
	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		res, err := l.loadOnce(attemptCtx, b)
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			l.logger.Warn("batch load failed, retrying",
				"kind", string(b.Kind), "size", b.Len(), "attempt", attempt, "error", err)
			return err
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(l.maxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return LoadResult{}, &StorageError{Op: fmt.Sprintf("load %s batch", b.Kind), Err: err}
	}
	return result, nil
}

func (l *BulkLoader) loadOnce(ctx context.Context, b batch.Batch) (LoadResult, error) {
	tx, err := l.store.pool.Begin(ctx)
	if err != nil {
		return LoadResult{}, err
	}
	defer tx.Rollback(ctx)

	// Batches arrive out of dependency order; constraint checks wait
	// for commit.
	if _, err := tx.Exec(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
		return LoadResult{}, err
	}

	var inserted int64
	switch b.Kind {
	case model.KindPost:
		inserted, err = l.loadPosts(ctx, tx, b.Records)
	case model.KindComment:
		inserted, err = l.loadComments(ctx, tx, b.Records)
	default:
		return LoadResult{}, fmt.Errorf("unknown batch kind %q", b.Kind)
	}
	if err != nil {
		return LoadResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return LoadResult{}, err
	}
	return LoadResult{Inserted: inserted, Skipped: int64(b.Len()) - inserted}, nil
}

var postColumns = []string{
	"platform", "id", "subreddit", "author", "title", "selftext", "url",
	"permalink", "created_utc", "score", "num_comments", "is_self",
	"over_18", "locked", "stickied", "raw",
}

const mergePostsSQL = `
WITH deduped AS (
	SELECT DISTINCT ON (platform, id) * FROM tmp_posts
),
inserted AS (
	INSERT INTO posts (platform, id, subreddit, author, title, selftext, url,
	                   permalink, created_utc, score, num_comments, is_self,
	                   over_18, locked, stickied, raw)
	SELECT platform, id, subreddit, author, title, selftext, url,
	       permalink, created_utc, score, num_comments, is_self,
	       over_18, locked, stickied, raw
	FROM deduped
	ON CONFLICT (platform, id) DO NOTHING
	RETURNING platform, subreddit, author, score, created_utc
),
user_totals AS (
	INSERT INTO users (username, platform, post_count, karma, first_seen_utc, last_seen_utc)
	SELECT author, platform, count(*), sum(score), min(created_utc), max(created_utc)
	FROM inserted
	WHERE author <> '' AND author <> '[deleted]'
	GROUP BY author, platform
	ON CONFLICT (username, platform) DO UPDATE SET
		post_count     = users.post_count + EXCLUDED.post_count,
		karma          = users.karma + EXCLUDED.karma,
		first_seen_utc = LEAST(users.first_seen_utc, EXCLUDED.first_seen_utc),
		last_seen_utc  = GREATEST(users.last_seen_utc, EXCLUDED.last_seen_utc)
),
community_totals AS (
	INSERT INTO user_community_activity (username, platform, subreddit, post_count)
	SELECT author, platform, subreddit, count(*)
	FROM inserted
	WHERE author <> '' AND author <> '[deleted]'
	GROUP BY author, platform, subreddit
	ON CONFLICT (username, platform, subreddit) DO UPDATE SET
		post_count = user_community_activity.post_count + EXCLUDED.post_count
)
SELECT count(*) FROM inserted`

func (l *BulkLoader) loadPosts(ctx context.Context, tx pgx.Tx, records []model.Record) (int64, error) {
	if _, err := tx.Exec(ctx,
		"CREATE TEMP TABLE tmp_posts (LIKE posts INCLUDING DEFAULTS) ON COMMIT DROP",
	); err != nil {
		return 0, err
	}

	_, err := tx.CopyFrom(ctx, pgx.Identifier{"tmp_posts"}, postColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			p := records[i].Post
			return []any{
				p.Platform, p.ID, p.Subreddit, p.Author, p.Title, p.Selftext,
				p.URL, p.Permalink, p.CreatedUTC, p.Score, p.NumComments,
				p.IsSelf, p.Over18, p.Locked, p.Stickied, rawOrNil(p.Raw),
			}, nil
		}))
	if err != nil {
		return 0, err
	}

	var inserted int64
	if err := tx.QueryRow(ctx, mergePostsSQL).Scan(&inserted); err != nil {
		return 0, err
	}
	return inserted, nil
}

var commentColumns = []string{
	"platform", "id", "post_id", "parent_comment_id", "subreddit",
	"author", "body", "permalink", "created_utc", "score", "depth", "raw",
}

const mergeCommentsSQL = `
WITH deduped AS (
	SELECT DISTINCT ON (platform, id) * FROM tmp_comments
),
inserted AS (
	INSERT INTO comments (platform, id, post_id, parent_comment_id, subreddit,
	                      author, body, permalink, created_utc, score, depth, raw)
	SELECT platform, id, post_id, parent_comment_id, subreddit,
	       author, body, permalink, created_utc, score, depth, raw
	FROM deduped
	ON CONFLICT (platform, id) DO NOTHING
	RETURNING platform, subreddit, author, score, created_utc
),
user_totals AS (
	INSERT INTO users (username, platform, comment_count, karma, first_seen_utc, last_seen_utc)
	SELECT author, platform, count(*), sum(score), min(created_utc), max(created_utc)
	FROM inserted
	WHERE author <> '' AND author <> '[deleted]'
	GROUP BY author, platform
	ON CONFLICT (username, platform) DO UPDATE SET
		comment_count  = users.comment_count + EXCLUDED.comment_count,
		karma          = users.karma + EXCLUDED.karma,
		first_seen_utc = LEAST(users.first_seen_utc, EXCLUDED.first_seen_utc),
		last_seen_utc  = GREATEST(users.last_seen_utc, EXCLUDED.last_seen_utc)
),
community_totals AS (
	INSERT INTO user_community_activity (username, platform, subreddit, comment_count)
	SELECT author, platform, subreddit, count(*)
	FROM inserted
	WHERE author <> '' AND author <> '[deleted]'
	GROUP BY author, platform, subreddit
	ON CONFLICT (username, platform, subreddit) DO UPDATE SET
		comment_count = user_community_activity.comment_count + EXCLUDED.comment_count
)
SELECT count(*) FROM inserted`

func (l *BulkLoader) loadComments(ctx context.Context, tx pgx.Tx, records []model.Record) (int64, error) {
	if _, err := tx.Exec(ctx,
		"CREATE TEMP TABLE tmp_comments (LIKE comments INCLUDING DEFAULTS) ON COMMIT DROP",
	); err != nil {
		return 0, err
	}

	_, err := tx.CopyFrom(ctx, pgx.Identifier{"tmp_comments"}, commentColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			c := records[i].Comment
			return []any{
				c.Platform, c.ID, c.PostID, nullableString(c.ParentCommentID),
				c.Subreddit, c.Author, c.Body, c.Permalink, c.CreatedUTC,
				c.Score, c.Depth, rawOrNil(c.Raw),
			}, nil
		}))
	if err != nil {
		return 0, err
	}

	var inserted int64
	if err := tx.QueryRow(ctx, mergeCommentsSQL).Scan(&inserted); err != nil {
		return 0, err
	}
	return inserted, nil
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
