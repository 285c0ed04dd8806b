package decode

// sqldump.go decodes relational dump archives: INSERT statements of the
// shape produced by pg_dump --inserts or mysqldump. Only statements
// targeting the posts/comments tables are consumed; everything else
// (DDL, COPY blocks, other tables) is ignored.
//
// The parser is deliberately narrow. It handles multi-row VALUES
// lists, single-quoted strings with doubled-quote and backslash
// escapes, and NULL. A tuple that does not fit the expected column
// layout counts as one malformed record.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/17Amir17/redd-archiver/internal/model"
)

type sqlDumpDecoder struct {
	scanner *bufio.Scanner
	kind    model.RecordKind
	opts    Options
	filter  map[string]struct{}

	pending []model.Record // records parsed from the current statement
	stats   Stats
	closers []func() error
	done    bool
}

func newSQLDump(r io.Reader, c io.Closer, kind model.RecordKind, opts Options) *sqlDumpDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	d := &sqlDumpDecoder{
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

func newGzipSQLDump(f io.ReadCloser, kind model.RecordKind, opts Options) (*sqlDumpDecoder, error) {
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	d := newSQLDump(gz, f, kind, opts)
	d.closers = append(d.closers, gz.Close)
	return d, nil
}

func (d *sqlDumpDecoder) Next() (model.Record, error) {
	for {
		if len(d.pending) > 0 {
			rec := d.pending[0]
			d.pending = d.pending[1:]
			if d.filter != nil {
				if _, ok := d.filter[strings.ToLower(rec.Community().Name)]; !ok {
					continue
				}
			}
			d.stats.Decoded++
			return rec, nil
		}

		if d.done {
			return model.Record{}, io.EOF
		}

		stmt, err := d.nextStatement()
		if err != nil {
			d.done = true
			if err == io.EOF {
				return model.Record{}, io.EOF
			}
			return model.Record{}, err
		}
		if stmt == "" {
			d.done = true
			return model.Record{}, io.EOF
		}

		if err := d.parseStatement(stmt); err != nil {
			d.stats.Skipped++
			if corrupt := d.corruptCheck(); corrupt != nil {
				d.done = true
				return model.Record{}, corrupt
			}
		}
	}
}

func (d *sqlDumpDecoder) Stats() Stats { return d.stats }

func (d *sqlDumpDecoder) Close() error {
	var firstErr error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *sqlDumpDecoder) corruptCheck() error {
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

// nextStatement accumulates lines until a statement-terminating
// semicolon, skipping statements that are not INSERTs into the table
// matching the decoder's kind. Returns "" at end of input.
func (d *sqlDumpDecoder) nextStatement() (string, error) {
	table := "posts"
	if d.kind == model.KindComment {
		table = "comments"
	}

	var sb strings.Builder
	collecting := false
	for d.scanner.Scan() {
		line := d.scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !collecting {
			lower := strings.ToLower(trimmed)
			if !strings.HasPrefix(lower, "insert into ") {
				continue
			}
			if !insertTargets(lower, table) {
				continue
			}
			collecting = true
		}

		sb.WriteString(line)
		sb.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			return sb.String(), nil
		}
	}
	if err := d.scanner.Err(); err != nil {
		return "", err
	}
	if collecting {
		// Truncated trailing statement.
		return "", fmt.Errorf("unterminated INSERT statement at end of dump")
	}
	return "", io.EOF
}

// insertTargets reports whether a lowercase INSERT line targets table,
// tolerating optional schema and quote characters.
func insertTargets(lower, table string) bool {
	rest := strings.TrimPrefix(lower, "insert into ")
	rest = strings.TrimLeft(rest, `"`+"`")
	if i := strings.IndexByte(rest, '.'); i >= 0 && i < len(table)+10 {
		rest = strings.TrimLeft(rest[i+1:], `"`+"`")
	}
	return strings.HasPrefix(rest, table) &&
		(len(rest) == len(table) || !isIdentChar(rest[len(table)]))
}

func isIdentChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// parseStatement extracts column names and tuples from one INSERT and
// appends the resulting records to pending.
func (d *sqlDumpDecoder) parseStatement(stmt string) error {
	cols, valuesPart, err := splitInsert(stmt)
	if err != nil {
		return err
	}

	tuples, err := splitTuples(valuesPart)
	if err != nil {
		return err
	}

	for _, tuple := range tuples {
		rec, err := d.tupleToRecord(cols, tuple)
		if err != nil {
			d.stats.Skipped++
			continue
		}
		d.pending = append(d.pending, rec)
	}
	return nil
}

// splitInsert separates the column list from the VALUES clause.
func splitInsert(stmt string) ([]string, string, error) {
	open := strings.IndexByte(stmt, '(')
	if open < 0 {
		return nil, "", fmt.Errorf("no column list in INSERT")
	}
	closeIdx := strings.IndexByte(stmt[open:], ')')
	if closeIdx < 0 {
		return nil, "", fmt.Errorf("unterminated column list")
	}
	closeIdx += open

	rawCols := strings.Split(stmt[open+1:closeIdx], ",")
	cols := make([]string, len(rawCols))
	for i, c := range rawCols {
		cols[i] = strings.Trim(strings.TrimSpace(c), `"`+"`")
	}

	rest := stmt[closeIdx+1:]
	vi := strings.Index(strings.ToLower(rest), "values")
	if vi < 0 {
		return nil, "", fmt.Errorf("no VALUES clause")
	}
	return cols, rest[vi+len("values"):], nil
}

// splitTuples walks the VALUES clause and returns each parenthesized
// tuple as a slice of decoded values (string, int64, nil, or bool).
func splitTuples(s string) ([][]any, error) {
	var tuples [][]any
	i := 0
	for i < len(s) {
		switch s[i] {
		case '(', ' ', '\n', '\t', ',', '\r':
			if s[i] == '(' {
				tuple, next, err := parseTuple(s, i+1)
				if err != nil {
					return nil, err
				}
				tuples = append(tuples, tuple)
				i = next
				continue
			}
			i++
		case ';':
			return tuples, nil
		default:
			return nil, fmt.Errorf("unexpected character %q in VALUES", s[i])
		}
	}
	return tuples, nil
}

// parseTuple parses one tuple starting just after '('. Returns the
// values and the index just after the closing ')'.
func parseTuple(s string, i int) ([]any, int, error) {
	var vals []any
	for i < len(s) {
		// Skip whitespace and separators.
		for i < len(s) && (s[i] == ' ' || s[i] == ',' || s[i] == '\n' || s[i] == '\t' || s[i] == '\r') {
			i++
		}
		if i >= len(s) {
			break
		}
		if s[i] == ')' {
			return vals, i + 1, nil
		}

		switch {
		case s[i] == '\'':
			str, next, err := parseQuoted(s, i)
			if err != nil {
				return nil, 0, err
			}
			vals = append(vals, str)
			i = next
		default:
			end := i
			for end < len(s) && s[end] != ',' && s[end] != ')' {
				end++
			}
			token := strings.TrimSpace(s[i:end])
			vals = append(vals, parseBareToken(token))
			i = end
		}
	}
	return nil, 0, fmt.Errorf("unterminated tuple")
}

// parseQuoted parses a single-quoted SQL string starting at s[i] == '\''.
// Handles doubled quotes ('') and backslash escapes.
func parseQuoted(s string, i int) (string, int, error) {
	var sb strings.Builder
	i++ // opening quote
	for i < len(s) {
		c := s[i]
		switch c {
		case '\'':
			if i+1 < len(s) && s[i+1] == '\'' {
				sb.WriteByte('\'')
				i += 2
				continue
			}
			return sb.String(), i + 1, nil
		case '\\':
			if i+1 < len(s) {
				sb.WriteByte(unescape(s[i+1]))
				i += 2
				continue
			}
			sb.WriteByte(c)
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated string literal")
}

func unescape(b byte) byte {
	switch b {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	default:
		return b
	}
}

func parseBareToken(token string) any {
	lower := strings.ToLower(token)
	switch lower {
	case "null":
		return nil
	case "true", "t":
		return true
	case "false", "f":
		return false
	}
	if n, err := strconv.ParseInt(token, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return int64(f)
	}
	return token
}

// tupleToRecord maps a column/value tuple onto a normalized record.
func (d *sqlDumpDecoder) tupleToRecord(cols []string, vals []any) (model.Record, error) {
	if len(cols) != len(vals) {
		return model.Record{}, fmt.Errorf("column/value count mismatch: %d vs %d", len(cols), len(vals))
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = vals[i]
	}

	raw, err := json.Marshal(row)
	if err != nil {
		return model.Record{}, err
	}

	platform := rowString(row, "platform")
	if platform == "" {
		platform = "reddit"
	}

	if d.kind == model.KindPost {
		post := &model.Post{
			ID:          rowString(row, "id"),
			Platform:    platform,
			Subreddit:   rowString(row, "subreddit"),
			Author:      rowString(row, "author"),
			Title:       rowString(row, "title"),
			Selftext:    rowString(row, "selftext"),
			URL:         rowString(row, "url"),
			Permalink:   rowString(row, "permalink"),
			CreatedUTC:  rowInt(row, "created_utc"),
			Score:       rowInt(row, "score"),
			NumComments: rowInt(row, "num_comments"),
			IsSelf:      rowBool(row, "is_self"),
			Over18:      rowBool(row, "over_18"),
			Locked:      rowBool(row, "locked"),
			Stickied:    rowBool(row, "stickied"),
			Raw:         raw,
		}
		if post.ID == "" || post.Subreddit == "" {
			return model.Record{}, errMissingIdentity
		}
		return model.NewPostRecord(post), nil
	}

	comment := &model.Comment{
		ID:         rowString(row, "id"),
		Platform:   platform,
		PostID:     stripThingPrefix(rowString(row, "post_id")),
		Subreddit:  rowString(row, "subreddit"),
		Author:     rowString(row, "author"),
		Body:       rowString(row, "body"),
		Permalink:  rowString(row, "permalink"),
		CreatedUTC: rowInt(row, "created_utc"),
		Score:      rowInt(row, "score"),
		Depth:      int(rowInt(row, "depth")),
		Raw:        raw,
	}
	if comment.PostID == "" {
		comment.PostID = stripThingPrefix(rowString(row, "link_id"))
	}
	if parent := rowString(row, "parent_comment_id"); parent != "" {
		comment.ParentCommentID = parent
	} else if parent := rowString(row, "parent_id"); strings.HasPrefix(parent, "t1_") {
		comment.ParentCommentID = parent[len("t1_"):]
	}
	if comment.ID == "" || comment.Subreddit == "" {
		return model.Record{}, errMissingIdentity
	}
	return model.NewCommentRecord(comment), nil
}

func rowString(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func rowInt(row map[string]any, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func rowBool(row map[string]any, key string) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	}
	return false
}
