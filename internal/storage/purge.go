package storage

import (
	"context"
	"time"

	"github.com/17Amir17/redd-archiver/internal/model"
)

// reverseUserAggregatesSQL subtracts one community's contribution from
// the global user aggregates before its content rows are deleted.
const reverseUserAggregatesSQL = `
WITH p AS (
	SELECT author, count(*) AS post_count, COALESCE(sum(score), 0) AS score
	FROM posts
	WHERE platform = $1 AND subreddit = $2 AND author <> '' AND author <> '[deleted]'
	GROUP BY author
),
c AS (
	SELECT author, count(*) AS comment_count, COALESCE(sum(score), 0) AS score
	FROM comments
	WHERE platform = $1 AND subreddit = $2 AND author <> '' AND author <> '[deleted]'
	GROUP BY author
),
deltas AS (
	SELECT COALESCE(p.author, c.author) AS author,
	       COALESCE(p.post_count, 0)    AS post_count,
	       COALESCE(c.comment_count, 0) AS comment_count,
	       COALESCE(p.score, 0) + COALESCE(c.score, 0) AS karma
	FROM p FULL OUTER JOIN c ON p.author = c.author
)
UPDATE users u
SET post_count    = GREATEST(u.post_count - d.post_count, 0),
    comment_count = GREATEST(u.comment_count - d.comment_count, 0),
    karma         = u.karma - d.karma
FROM deltas d
WHERE u.username = d.author AND u.platform = $1`

// PurgeCommunity removes everything stored for one community: content
// rows, the community activity rows, its statistics, and its share of
// the global user aggregates. Users left with no activity anywhere are
// removed. Runs in one transaction so a crash mid-purge leaves the
// previous state intact.
func (s *Store) PurgeCommunity(ctx context.Context, community model.Community) error {
	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "purge " + community.String(), Err: err}
	}
	defer tx.Rollback(ctx)

	statements := []string{
		reverseUserAggregatesSQL,
		`DELETE FROM comments WHERE platform = $1 AND subreddit = $2`,
		`DELETE FROM posts WHERE platform = $1 AND subreddit = $2`,
		`DELETE FROM user_community_activity WHERE platform = $1 AND subreddit = $2`,
		`DELETE FROM community_statistics WHERE platform = $1 AND subreddit = $2`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, community.Platform, community.Name); err != nil {
			return &StorageError{Op: "purge " + community.String(), Err: err}
		}
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM users WHERE platform = $1 AND post_count = 0 AND comment_count = 0`,
		community.Platform,
	); err != nil {
		return &StorageError{Op: "purge " + community.String(), Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &StorageError{Op: "purge " + community.String(), Err: err}
	}
	s.logger.Info("purged community",
		"community", community.String(), "elapsed", time.Since(start))
	return nil
}
