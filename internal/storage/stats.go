package storage

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/17Amir17/redd-archiver/internal/model"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ErrNoStatistics is returned when a community has no computed
// statistics row yet.
var ErrNoStatistics = errors.New("storage: no statistics computed for community")

const computeStatisticsSQL = `
INSERT INTO community_statistics
	(platform, subreddit, post_count, comment_count, user_count,
	 earliest_utc, latest_utc, total_score, posts_per_day, computed_at)
SELECT
	$1, $2,
	p.post_count,
	c.comment_count,
	u.user_count,
	COALESCE(LEAST(p.earliest, c.earliest), 0),
	COALESCE(GREATEST(p.latest, c.latest), 0),
	p.total_score + c.total_score,
	CASE
		WHEN COALESCE(GREATEST(p.latest, c.latest), 0) > COALESCE(LEAST(p.earliest, c.earliest), 0)
		THEN p.post_count::float8 /
			((GREATEST(p.latest, c.latest) - LEAST(p.earliest, c.earliest)) / 86400.0)
		ELSE p.post_count::float8
	END,
	now()
FROM
	(SELECT count(*) AS post_count,
	        min(created_utc) AS earliest,
	        max(created_utc) AS latest,
	        COALESCE(sum(score), 0) AS total_score
	 FROM posts WHERE platform = $1 AND subreddit = $2) p,
	(SELECT count(*) AS comment_count,
	        min(created_utc) AS earliest,
	        max(created_utc) AS latest,
	        COALESCE(sum(score), 0) AS total_score
	 FROM comments WHERE platform = $1 AND subreddit = $2) c,
	(SELECT count(*) AS user_count
	 FROM user_community_activity
	 WHERE platform = $1 AND subreddit = $2) u
ON CONFLICT (platform, subreddit) DO UPDATE SET
	post_count    = EXCLUDED.post_count,
	comment_count = EXCLUDED.comment_count,
	user_count    = EXCLUDED.user_count,
	earliest_utc  = EXCLUDED.earliest_utc,
	latest_utc    = EXCLUDED.latest_utc,
	total_score   = EXCLUDED.total_score,
	posts_per_day = EXCLUDED.posts_per_day,
	computed_at   = EXCLUDED.computed_at`

// ComputeCommunityStatistics aggregates one community's imported
// content into its statistics row. Safe to recompute; the row is
// replaced wholesale.
func (s *Store) ComputeCommunityStatistics(ctx context.Context, community model.Community) error {
	start := time.Now()
	if _, err := s.pool.Exec(ctx, computeStatisticsSQL, community.Platform, community.Name); err != nil {
		return &StorageError{Op: "compute statistics " + community.String(), Err: err}
	}
	s.logger.Info("computed community statistics",
		"community", community.String(), "elapsed", time.Since(start))
	return nil
}

// GetCommunityStatistics fetches the computed statistics row for one
// community, or ErrNoStatistics if import never completed for it.
func (s *Store) GetCommunityStatistics(ctx context.Context, community model.Community) (model.CommunityStatistics, error) {
	query, args, err := psql.
		Select("post_count", "comment_count", "user_count", "earliest_utc",
			"latest_utc", "total_score", "posts_per_day", "computed_at").
		From("community_statistics").
		Where(sq.Eq{"platform": community.Platform, "subreddit": community.Name}).
		ToSql()
	if err != nil {
		return model.CommunityStatistics{}, &StorageError{Op: "build statistics query", Err: err}
	}

	stats := model.CommunityStatistics{Community: community}
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&stats.PostCount, &stats.CommentCount, &stats.UserCount,
		&stats.EarliestUTC, &stats.LatestUTC, &stats.TotalScore,
		&stats.PostsPerDay, &stats.ComputedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CommunityStatistics{}, ErrNoStatistics
	}
	if err != nil {
		return model.CommunityStatistics{}, &StorageError{Op: "get statistics " + community.String(), Err: err}
	}
	return stats, nil
}
