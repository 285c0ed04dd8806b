package decode

// ndjson.go decodes line-delimited JSON archives, the format of the
// pushshift-style reddit dumps. Each line is one submission or comment
// object; the full line is retained as the record's raw payload so
// fields not modeled explicitly survive the import.

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/17Amir17/redd-archiver/internal/model"
)

// maxLineBytes bounds a single JSON line. Pushshift dumps contain
// posts with very large selftext, so this is generous.
const maxLineBytes = 16 * 1024 * 1024

type linesDecoder struct {
	scanner *bufio.Scanner
	kind    model.RecordKind
	opts    Options
	filter  map[string]struct{}

	line    int64
	stats   Stats
	closers []func() error
	done    bool
}

// newLines decodes plain line-delimited JSON from r, closing c on Close.
func newLines(r io.Reader, c io.Closer, kind model.RecordKind, opts Options) *linesDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	d := &linesDecoder{
		scanner: scanner,
		kind:    kind,
		opts:    opts,
		filter:  opts.communityFilter(),
	}
	if c != nil {
		d.closers = append(d.closers, c.Close)
	}
	return d
}

// newZstdLines wraps f in a streaming zstd reader before line decoding.
func newZstdLines(f io.ReadCloser, kind model.RecordKind, opts Options) (*linesDecoder, error) {
	zr, err := zstd.NewReader(f, zstd.WithDecoderMaxWindow(1<<31))
	if err != nil {
		return nil, err
	}
	d := newLines(zr, f, kind, opts)
	d.closers = append(d.closers, func() error {
		zr.Close()
		return nil
	})
	return d, nil
}

func (d *linesDecoder) Next() (model.Record, error) {
	if d.done {
		return model.Record{}, io.EOF
	}

	for d.scanner.Scan() {
		d.line++
		raw := d.scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		rec, err := d.parse(raw)
		if err != nil {
			d.stats.Skipped++
			if corrupt := d.corruptCheck(); corrupt != nil {
				d.done = true
				return model.Record{}, corrupt
			}
			continue
		}

		if d.filter != nil {
			if _, ok := d.filter[strings.ToLower(rec.Community().Name)]; !ok {
				continue
			}
		}

		d.stats.Decoded++
		return rec, nil
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		return model.Record{}, err
	}
	return model.Record{}, io.EOF
}

func (d *linesDecoder) Stats() Stats { return d.stats }

func (d *linesDecoder) Close() error {
	var firstErr error
	// Close in reverse wrap order.
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *linesDecoder) corruptCheck() error {
	total := d.stats.Decoded + d.stats.Skipped
	if d.opts.CorruptThreshold <= 0 || total < minCorruptSample {
		return nil
	}
	ratio := float64(d.stats.Skipped) / float64(total)
	if ratio > d.opts.CorruptThreshold {
		return &CorruptArchiveError{Skipped: d.stats.Skipped, Total: total, Ratio: ratio}
	}
	return nil
}

func (d *linesDecoder) parse(raw []byte) (model.Record, error) {
	switch d.kind {
	case model.KindPost:
		return parsePostLine(raw)
	default:
		return parseCommentLine(raw)
	}
}

// epochSeconds tolerates the created_utc encodings found across dump
// eras: integers, floats, and quoted strings of either.
type epochSeconds int64

func (e *epochSeconds) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*e = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*e = epochSeconds(n)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*e = epochSeconds(f)
	return nil
}

// rawPost mirrors the source dump's submission fields.
type rawPost struct {
	ID          string       `json:"id"`
	Subreddit   string       `json:"subreddit"`
	Author      string       `json:"author"`
	Title       string       `json:"title"`
	Selftext    string       `json:"selftext"`
	URL         string       `json:"url"`
	Permalink   string       `json:"permalink"`
	CreatedUTC  epochSeconds `json:"created_utc"`
	Score       int64        `json:"score"`
	NumComments int64        `json:"num_comments"`
	IsSelf      bool         `json:"is_self"`
	Over18      bool         `json:"over_18"`
	Locked      bool         `json:"locked"`
	Stickied    bool         `json:"stickied"`
}

func parsePostLine(raw []byte) (model.Record, error) {
	var rp rawPost
	if err := json.Unmarshal(raw, &rp); err != nil {
		return model.Record{}, err
	}
	if rp.ID == "" || rp.Subreddit == "" {
		return model.Record{}, errMissingIdentity
	}

	post := &model.Post{
		ID:          rp.ID,
		Platform:    "reddit",
		Subreddit:   rp.Subreddit,
		Author:      rp.Author,
		Title:       rp.Title,
		Selftext:    rp.Selftext,
		URL:         rp.URL,
		Permalink:   rp.Permalink,
		CreatedUTC:  int64(rp.CreatedUTC),
		Score:       rp.Score,
		NumComments: rp.NumComments,
		IsSelf:      rp.IsSelf,
		Over18:      rp.Over18,
		Locked:      rp.Locked,
		Stickied:    rp.Stickied,
		Raw:         append([]byte(nil), raw...),
	}
	return model.NewPostRecord(post), nil
}

// rawComment mirrors the source dump's comment fields. link_id and
// parent_id carry reddit thing prefixes (t3_ for posts, t1_ for
// comments) that are stripped during normalization.
type rawComment struct {
	ID         string       `json:"id"`
	Subreddit  string       `json:"subreddit"`
	Author     string       `json:"author"`
	Body       string       `json:"body"`
	LinkID     string       `json:"link_id"`
	ParentID   string       `json:"parent_id"`
	Permalink  string       `json:"permalink"`
	CreatedUTC epochSeconds `json:"created_utc"`
	Score      int64        `json:"score"`
	Depth      int          `json:"depth"`
}

func parseCommentLine(raw []byte) (model.Record, error) {
	var rc rawComment
	if err := json.Unmarshal(raw, &rc); err != nil {
		return model.Record{}, err
	}
	if rc.ID == "" || rc.Subreddit == "" {
		return model.Record{}, errMissingIdentity
	}

	comment := &model.Comment{
		ID:         rc.ID,
		Platform:   "reddit",
		PostID:     stripThingPrefix(rc.LinkID),
		Subreddit:  rc.Subreddit,
		Author:     rc.Author,
		Body:       rc.Body,
		Permalink:  rc.Permalink,
		CreatedUTC: int64(rc.CreatedUTC),
		Score:      rc.Score,
		Depth:      rc.Depth,
		Raw:        append([]byte(nil), raw...),
	}

	// A parent_id of t1_x points at another comment; t3_x points at
	// the post itself and leaves ParentCommentID empty.
	if strings.HasPrefix(rc.ParentID, "t1_") {
		comment.ParentCommentID = rc.ParentID[len("t1_"):]
	}

	return model.NewCommentRecord(comment), nil
}

// stripThingPrefix removes a reddit thing prefix like "t3_" if present.
func stripThingPrefix(id string) string {
	if len(id) > 3 && id[0] == 't' && id[2] == '_' {
		return id[3:]
	}
	return id
}
