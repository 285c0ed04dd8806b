// Package model defines the normalized record types shared by the
// import and export paths. Decoders from every source format produce
// these shapes; storage persists them unchanged.
package model

import (
	"encoding/json"
	"time"
)

// RecordKind discriminates the two entity types a decoder can emit.
type RecordKind string

const (
	KindPost    RecordKind = "post"
	KindComment RecordKind = "comment"
)

// Community is the unit of import/export progress tracking.
// It holds no content itself.
type Community struct {
	Platform string
	Name     string
}

func (c Community) String() string {
	return c.Platform + "/" + c.Name
}

// Post is an immutable archival submission record. Once inserted it is
// never updated; the Raw payload preserves source fields that are not
// modeled explicitly.
type Post struct {
	ID          string          `json:"id"`
	Platform    string          `json:"platform"`
	Subreddit   string          `json:"subreddit"`
	Author      string          `json:"author"`
	Title       string          `json:"title"`
	Selftext    string          `json:"selftext"`
	URL         string          `json:"url"`
	Permalink   string          `json:"permalink"`
	CreatedUTC  int64           `json:"created_utc"`
	Score       int64           `json:"score"`
	NumComments int64           `json:"num_comments"`
	IsSelf      bool            `json:"is_self"`
	Over18      bool            `json:"over_18"`
	Locked      bool            `json:"locked"`
	Stickied    bool            `json:"stickied"`
	Raw         json.RawMessage `json:"-"`
}

// Comment is an immutable archival comment record. PostID is a logical
// reference that may not be satisfiable within the same batch; the
// storage layer defers the constraint check to commit.
type Comment struct {
	ID              string          `json:"id"`
	Platform        string          `json:"platform"`
	PostID          string          `json:"post_id"`
	ParentCommentID string          `json:"parent_comment_id,omitempty"`
	Subreddit       string          `json:"subreddit"`
	Author          string          `json:"author"`
	Body            string          `json:"body"`
	Permalink       string          `json:"permalink"`
	CreatedUTC      int64           `json:"created_utc"`
	Score           int64           `json:"score"`
	Depth           int             `json:"depth"`
	Raw             json.RawMessage `json:"-"`
}

// Record is the tagged union produced by decoders. Exactly one of Post
// or Comment is non-nil, matching Kind.
type Record struct {
	Kind    RecordKind
	Post    *Post
	Comment *Comment
}

// NewPostRecord wraps a post in a Record.
func NewPostRecord(p *Post) Record {
	return Record{Kind: KindPost, Post: p}
}

// NewCommentRecord wraps a comment in a Record.
func NewCommentRecord(c *Comment) Record {
	return Record{Kind: KindComment, Comment: c}
}

// Community returns the community the record belongs to.
func (r Record) Community() Community {
	switch r.Kind {
	case KindPost:
		return Community{Platform: r.Post.Platform, Name: r.Post.Subreddit}
	case KindComment:
		return Community{Platform: r.Comment.Platform, Name: r.Comment.Subreddit}
	}
	return Community{}
}

// ID returns the platform-scoped entity id.
func (r Record) ID() string {
	switch r.Kind {
	case KindPost:
		return r.Post.ID
	case KindComment:
		return r.Comment.ID
	}
	return ""
}

// User carries aggregate activity for one (username, platform) pair.
// Rows are only ever touched by grouped batch statements and
// TotalActivity is always derived, never stored independently.
type User struct {
	Username     string
	Platform     string
	PostCount    int64
	CommentCount int64
	Karma        int64
	FirstSeenUTC int64
	LastSeenUTC  int64
}

// TotalActivity is the derived sum of post and comment counts.
func (u User) TotalActivity() int64 {
	return u.PostCount + u.CommentCount
}

// CommunityStatistics is the materialized aggregate computed once a
// community's import completes. Read-only to the export path.
type CommunityStatistics struct {
	Community     Community
	PostCount     int64
	CommentCount  int64
	UserCount     int64
	EarliestUTC   int64
	LatestUTC     int64
	TotalScore    int64
	PostsPerDay   float64
	ComputedAt    time.Time
}
