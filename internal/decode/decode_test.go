package decode

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/17Amir17/redd-archiver/internal/model"
)

func writeZst(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func drain(t *testing.T, d Decoder) []model.Record {
	t.Helper()
	var out []model.Record
	for {
		rec, err := d.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, rec)
	}
}

func samplePostLines() []string {
	return []string{
		`{"id":"abc123","subreddit":"technology","author":"testuser","title":"Test Post Title","selftext":"This is the post content","url":"https://example.com","permalink":"/r/technology/comments/abc123/test_post_title/","created_utc":1640000000,"score":100,"num_comments":50,"is_self":true,"over_18":false}`,
		`{"id":"def456","subreddit":"privacy","author":"another_user","title":"Privacy Discussion","selftext":"Discussion about privacy","created_utc":1640001000,"score":50,"num_comments":25,"is_self":true}`,
	}
}

func sampleCommentLines() []string {
	return []string{
		`{"id":"xyz789","subreddit":"technology","author":"commenter1","body":"Great post!","link_id":"t3_abc123","parent_id":"t3_abc123","created_utc":1640000100,"score":20,"depth":0}`,
		`{"id":"uvw012","subreddit":"technology","author":"commenter2","body":"I agree!","link_id":"t3_abc123","parent_id":"t1_xyz789","created_utc":1640000200,"score":10,"depth":1}`,
	}
}

func TestZstdPostStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "technology_submissions.zst")
	writeZst(t, path, samplePostLines())

	d, err := Open(path, model.KindPost, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	records := drain(t, d)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	first := records[0]
	if first.Kind != model.KindPost {
		t.Fatalf("Kind = %q, want post", first.Kind)
	}
	if first.Post.Platform != "reddit" {
		t.Errorf("Platform = %q, want reddit", first.Post.Platform)
	}
	if first.Post.Title != "Test Post Title" {
		t.Errorf("Title = %q", first.Post.Title)
	}
	if first.Post.Selftext != "This is the post content" {
		t.Errorf("Selftext = %q", first.Post.Selftext)
	}
	if len(first.Post.Raw) == 0 {
		t.Error("Raw payload not retained")
	}

	stats := d.Stats()
	if stats.Decoded != 2 || stats.Skipped != 0 {
		t.Errorf("Stats = %+v, want 2 decoded / 0 skipped", stats)
	}
}

func TestCommunityFilterCaseInsensitive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed_submissions.zst")
	writeZst(t, path, samplePostLines())

	d, err := Open(path, model.KindPost, Options{Communities: []string{"TECHNOLOGY"}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	records := drain(t, d)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Post.Subreddit != "technology" {
		t.Errorf("Subreddit = %q, want technology", records[0].Post.Subreddit)
	}
}

func TestCommentNormalization(t *testing.T) {
	path := filepath.Join(t.TempDir(), "technology_comments.zst")
	writeZst(t, path, sampleCommentLines())

	d, err := Open(path, model.KindComment, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	records := drain(t, d)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	top := records[0].Comment
	if top.PostID != "abc123" {
		t.Errorf("PostID = %q, want abc123 (stripped from link_id)", top.PostID)
	}
	if top.ParentCommentID != "" {
		t.Errorf("ParentCommentID = %q, want empty for top-level comment", top.ParentCommentID)
	}

	reply := records[1].Comment
	if reply.ParentCommentID != "xyz789" {
		t.Errorf("ParentCommentID = %q, want xyz789", reply.ParentCommentID)
	}
	if reply.Depth != 1 {
		t.Errorf("Depth = %d, want 1", reply.Depth)
	}
}

func TestCreatedUTCEncodingVariants(t *testing.T) {
	// Older dump eras encode created_utc as a quoted string or a float;
	// all three forms carry the same timestamp.
	lines := []string{
		`{"id":"a1","subreddit":"golang","author":"u1","title":"int","created_utc":1329878400}`,
		`{"id":"a2","subreddit":"golang","author":"u2","title":"string","created_utc":"1329878400"}`,
		`{"id":"a3","subreddit":"golang","author":"u3","title":"float","created_utc":1329878400.0}`,
	}
	path := filepath.Join(t.TempDir(), "golang_submissions.zst")
	writeZst(t, path, lines)

	d, err := Open(path, model.KindPost, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	records := drain(t, d)
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3 (skipped %d)", len(records), d.Stats().Skipped)
	}
	for _, rec := range records {
		if rec.Post.CreatedUTC != 1329878400 {
			t.Errorf("post %s: CreatedUTC = %d, want 1329878400", rec.Post.ID, rec.Post.CreatedUTC)
		}
	}
}

func TestMalformedLinesSkippedAndCounted(t *testing.T) {
	lines := []string{
		samplePostLines()[0],
		`{not json at all`,
		`{"title":"missing id and subreddit"}`,
		samplePostLines()[1],
	}
	path := filepath.Join(t.TempDir(), "broken_submissions.zst")
	writeZst(t, path, lines)

	d, err := Open(path, model.KindPost, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	records := drain(t, d)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (malformed skipped)", len(records))
	}
	stats := d.Stats()
	if stats.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", stats.Skipped)
	}
}

func TestCorruptThresholdAborts(t *testing.T) {
	// 200 lines, half garbage: far past any sane threshold.
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, fmt.Sprintf(`{"id":"p%d","subreddit":"technology","created_utc":%d}`, i, 1640000000+i))
		lines = append(lines, "{garbage")
	}
	path := filepath.Join(t.TempDir(), "corrupt_submissions.zst")
	writeZst(t, path, lines)

	d, err := Open(path, model.KindPost, Options{CorruptThreshold: 0.05})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	var corrupt *CorruptArchiveError
	for {
		_, err := d.Next()
		if err == io.EOF {
			t.Fatal("stream ended without CorruptArchiveError")
		}
		if errors.As(err, &corrupt) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if corrupt.Ratio <= 0.05 {
		t.Errorf("Ratio = %g, want > threshold", corrupt.Ratio)
	}

	// The stream stays terminated after aborting.
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("Next after abort = %v, want io.EOF", err)
	}
}

func TestSQLDumpPosts(t *testing.T) {
	dump := strings.Join([]string{
		`CREATE TABLE posts (id text primary key);`,
		`INSERT INTO posts (id, subreddit, author, title, selftext, created_utc, score, num_comments) VALUES`,
		`('sql1', 'technology', 'alice', 'First', 'body one', 1640000000, 10, 2),`,
		`('sql2', 'technology', 'bob', 'It''s quoted', NULL, 1640000100, 5, 0);`,
		`INSERT INTO other_table (id) VALUES ('ignored');`,
	}, "\n")

	path := filepath.Join(t.TempDir(), "archive_posts.sql")
	if err := os.WriteFile(path, []byte(dump), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Open(path, model.KindPost, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	records := drain(t, d)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Post.Title != "First" || records[0].Post.Score != 10 {
		t.Errorf("first record = %+v", records[0].Post)
	}
	if records[1].Post.Title != "It's quoted" {
		t.Errorf("escaped quote not handled: %q", records[1].Post.Title)
	}
	if records[1].Post.Selftext != "" {
		t.Errorf("NULL selftext = %q, want empty", records[1].Post.Selftext)
	}
}

func TestSQLDumpComments(t *testing.T) {
	dump := strings.Join([]string{
		`INSERT INTO comments (id, subreddit, author, body, post_id, parent_id, created_utc, score) VALUES`,
		`('c1', 'technology', 'alice', 'top level', 'sql1', 't3_sql1', 1640000200, 3),`,
		`('c2', 'technology', 'bob', 'a reply', 'sql1', 't1_c1', 1640000300, 1);`,
	}, "\n")

	path := filepath.Join(t.TempDir(), "archive_comments.sql")
	if err := os.WriteFile(path, []byte(dump), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Open(path, model.KindComment, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	records := drain(t, d)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Comment.ParentCommentID != "" {
		t.Errorf("top-level ParentCommentID = %q, want empty", records[0].Comment.ParentCommentID)
	}
	if records[1].Comment.ParentCommentID != "c1" {
		t.Errorf("reply ParentCommentID = %q, want c1", records[1].Comment.ParentCommentID)
	}
}

func TestDetectFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"technology_submissions.zst",
		"technology_comments.zst",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := DetectFiles(dir)
	if err != nil {
		t.Fatalf("DetectFiles: %v", err)
	}
	if len(files.Posts) != 1 || !strings.Contains(files.Posts[0], "submissions") {
		t.Errorf("Posts = %v", files.Posts)
	}
	if len(files.Comments) != 1 || !strings.Contains(files.Comments[0], "comments") {
		t.Errorf("Comments = %v", files.Comments)
	}
}

func TestDetectFilesEmptyDir(t *testing.T) {
	if _, err := DetectFiles(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without archives")
	}
}

func TestFileCommunity(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/dumps/askscience_submissions.zst", "askscience"},
		{"/dumps/AskScience_Comments.zst", "askscience"},
		{"wallstreetbets_posts.ndjson", "wallstreetbets"},
		{"golang_comments.sql.gz", "golang"},
		{"submissions.zst", ""},
		{"data.ndjson", ""},
	}
	for _, tt := range tests {
		if got := FileCommunity(tt.path); got != tt.want {
			t.Errorf("FileCommunity(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestCommunityNames(t *testing.T) {
	files := ArchiveFiles{
		Posts:    []string{"a/golang_submissions.zst", "a/rust_submissions.zst"},
		Comments: []string{"a/golang_comments.zst", "a/zig_comments.zst"},
	}
	got := files.CommunityNames()
	want := []string{"golang", "rust", "zig"}
	if len(got) != len(want) {
		t.Fatalf("CommunityNames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CommunityNames[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOpenUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, model.KindPost, Options{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
