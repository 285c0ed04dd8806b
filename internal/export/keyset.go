// Package export streams imported entities back out of storage using
// keyset pagination. Every stream is strictly ordered by its sort key
// and fetches one bounded page per round trip, so memory stays flat no
// matter how large a community grew.
package export

import (
	"context"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/17Amir17/redd-archiver/internal/model"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostCursor is the keyset position within a post or comment stream.
// The zero value starts from the beginning.
type PostCursor struct {
	CreatedUTC int64
	ID         string
}

// Range is a contiguous username partition: Lower exclusive, Upper
// inclusive. An empty Upper means unbounded.
type Range struct {
	Lower string
	Upper string
}

// Exporter reads pages from PostgreSQL. Read-only: it never mutates
// storage, so workers need no locking beyond pool checkout.
type Exporter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewExporter creates an exporter on an established pool.
func NewExporter(pool *pgxpool.Pool) *Exporter {
	return &Exporter{pool: pool, logger: slog.Default()}
}

// PartitionUsernames splits a community's active users into up to n
// contiguous username ranges of roughly equal population. Fewer ranges
// come back when the community has fewer users than partitions.
func (e *Exporter) PartitionUsernames(ctx context.Context, community model.Community, n int) ([]Range, error) {
	if n < 1 {
		n = 1
	}
	rows, err := e.pool.Query(ctx,
		`SELECT max(username) FROM (
			SELECT username, ntile($3) OVER (ORDER BY username) AS bucket
			FROM user_community_activity
			WHERE platform = $1 AND subreddit = $2
		) buckets
		GROUP BY bucket
		ORDER BY 1`,
		community.Platform, community.Name, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uppers []string
	for rows.Next() {
		var upper string
		if err := rows.Scan(&upper); err != nil {
			return nil, err
		}
		uppers = append(uppers, upper)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ranges := make([]Range, 0, len(uppers))
	lower := ""
	for i, upper := range uppers {
		if i == len(uppers)-1 {
			upper = "" // last partition is unbounded above
		}
		ranges = append(ranges, Range{Lower: lower, Upper: upper})
		lower = uppers[i]
	}
	return ranges, nil
}

// UserPage returns the next page of users active in the community,
// ordered by username, within r and strictly after the cursor.
func (e *Exporter) UserPage(ctx context.Context, community model.Community, r Range, after string, limit int) ([]model.User, error) {
	if after < r.Lower {
		after = r.Lower
	}
	builder := psql.
		Select("u.username", "u.platform", "u.post_count", "u.comment_count",
			"u.karma", "u.first_seen_utc", "u.last_seen_utc").
		From("users u").
		Join("user_community_activity a ON a.username = u.username AND a.platform = u.platform").
		Where(sq.Eq{"a.platform": community.Platform, "a.subreddit": community.Name}).
		Where(sq.Gt{"u.username": after}).
		OrderBy("u.username").
		Limit(uint64(limit))
	if r.Upper != "" {
		builder = builder.Where(sq.LtOrEq{"u.username": r.Upper})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.Username, &u.Platform, &u.PostCount, &u.CommentCount,
			&u.Karma, &u.FirstSeenUTC, &u.LastSeenUTC); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// PostPage returns the next page of the community's posts ordered by
// (created_utc, id), strictly after the cursor.
func (e *Exporter) PostPage(ctx context.Context, community model.Community, after PostCursor, limit int) ([]model.Post, error) {
	query, args, err := psql.
		Select("id", "platform", "subreddit", "author", "title", "selftext",
			"url", "permalink", "created_utc", "score", "num_comments",
			"is_self", "over_18", "locked", "stickied").
		From("posts").
		Where(sq.Eq{"platform": community.Platform, "subreddit": community.Name}).
		Where(sq.Expr("(created_utc, id) > (?, ?)", after.CreatedUTC, after.ID)).
		OrderBy("created_utc", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var p model.Post
		if err := rows.Scan(&p.ID, &p.Platform, &p.Subreddit, &p.Author, &p.Title,
			&p.Selftext, &p.URL, &p.Permalink, &p.CreatedUTC, &p.Score,
			&p.NumComments, &p.IsSelf, &p.Over18, &p.Locked, &p.Stickied); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CommentPage returns the next page of the community's comments
// ordered by (created_utc, id), strictly after the cursor.
func (e *Exporter) CommentPage(ctx context.Context, community model.Community, after PostCursor, limit int) ([]model.Comment, error) {
	query, args, err := psql.
		Select("id", "platform", "post_id", "parent_comment_id", "subreddit",
			"author", "body", "permalink", "created_utc", "score", "depth").
		From("comments").
		Where(sq.Eq{"platform": community.Platform, "subreddit": community.Name}).
		Where(sq.Expr("(created_utc, id) > (?, ?)", after.CreatedUTC, after.ID)).
		OrderBy("created_utc", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []model.Comment
	for rows.Next() {
		var c model.Comment
		var parent *string
		if err := rows.Scan(&c.ID, &c.Platform, &c.PostID, &parent, &c.Subreddit,
			&c.Author, &c.Body, &c.Permalink, &c.CreatedUTC, &c.Score, &c.Depth); err != nil {
			return nil, err
		}
		if parent != nil {
			c.ParentCommentID = *parent
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
