package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/17Amir17/redd-archiver/internal/model"
)

// NDJSONWriter is a Consumer writing newline-delimited JSON files
// under root/<platform>/<community>/{posts,comments,users}.ndjson.
// Each file is guarded by its own lock, so concurrent partitions of
// the same entity type serialize on the file while different entity
// types stream in parallel.
type NDJSONWriter struct {
	root string

	mu    sync.Mutex
	sinks map[string]*fileSink
}

type fileSink struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

// NewNDJSONWriter creates a writer rooted at dir.
func NewNDJSONWriter(dir string) *NDJSONWriter {
	return &NDJSONWriter{root: dir, sinks: make(map[string]*fileSink)}
}

// sink opens (or reuses) the file for one community and entity name.
// Files are truncated on first open within a run: a re-exported
// community rewrites its files rather than appending duplicates.
func (w *NDJSONWriter) sink(community model.Community, name string) (*fileSink, error) {
	path := filepath.Join(w.root, community.Platform, community.Name, name+".ndjson")

	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.sinks[path]; ok {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	s := &fileSink{f: f, buf: buf, enc: json.NewEncoder(buf)}
	w.sinks[path] = s
	return s, nil
}

func (s *fileSink) write(values []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		if err := s.enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

// Posts writes one page of posts.
func (w *NDJSONWriter) Posts(_ context.Context, community model.Community, page []model.Post) error {
	s, err := w.sink(community, "posts")
	if err != nil {
		return err
	}
	values := make([]any, len(page))
	for i := range page {
		values[i] = &page[i]
	}
	return s.write(values)
}

// Comments writes one page of comments.
func (w *NDJSONWriter) Comments(_ context.Context, community model.Community, page []model.Comment) error {
	s, err := w.sink(community, "comments")
	if err != nil {
		return err
	}
	values := make([]any, len(page))
	for i := range page {
		values[i] = &page[i]
	}
	return s.write(values)
}

// userRecord is the user export shape; the derived total rides along
// so consumers never recompute it.
type userRecord struct {
	Username      string `json:"username"`
	Platform      string `json:"platform"`
	PostCount     int64  `json:"post_count"`
	CommentCount  int64  `json:"comment_count"`
	TotalActivity int64  `json:"total_activity"`
	Karma         int64  `json:"karma"`
	FirstSeenUTC  int64  `json:"first_seen_utc"`
	LastSeenUTC   int64  `json:"last_seen_utc"`
}

// Users writes one page of users.
func (w *NDJSONWriter) Users(_ context.Context, community model.Community, page []model.User) error {
	s, err := w.sink(community, "users")
	if err != nil {
		return err
	}
	values := make([]any, len(page))
	for i, u := range page {
		values[i] = &userRecord{
			Username:      u.Username,
			Platform:      u.Platform,
			PostCount:     u.PostCount,
			CommentCount:  u.CommentCount,
			TotalActivity: u.TotalActivity(),
			Karma:         u.Karma,
			FirstSeenUTC:  u.FirstSeenUTC,
			LastSeenUTC:   u.LastSeenUTC,
		}
	}
	return s.write(values)
}

// Close flushes and closes every open file.
func (w *NDJSONWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, s := range w.sinks {
		s.mu.Lock()
		if err := s.buf.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mu.Unlock()
	}
	w.sinks = make(map[string]*fileSink)
	return firstErr
}
