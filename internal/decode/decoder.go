// Package decode turns raw archive files into lazy streams of
// normalized records. One decoder exists per source format; the
// pipeline is agnostic to which format produced a record.
//
// Decoding is pull-based: callers drive pacing through Next, so a
// decoder never materializes more than one record at a time regardless
// of archive size.
package decode

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/17Amir17/redd-archiver/internal/model"
)

// Decoder is the contract every format adapter implements.
//
// Next returns the next normalized record, or io.EOF when the source
// is exhausted. Malformed records are skipped and counted rather than
// surfaced; a malformation rate above the configured threshold aborts
// the stream with *CorruptArchiveError.
type Decoder interface {
	Next() (model.Record, error)
	Stats() Stats
	Close() error
}

// Stats reports a decoder's progress counters.
type Stats struct {
	Decoded int64 // records successfully emitted
	Skipped int64 // malformed records dropped
}

// Options tunes decoder behavior shared across formats.
type Options struct {
	// Communities restricts output to the named communities
	// (case-insensitive). Empty means no filter.
	Communities []string

	// CorruptThreshold is the skipped/total ratio above which the
	// stream aborts. Zero disables the check.
	CorruptThreshold float64
}

// minCorruptSample is how many lines must be seen before the corrupt
// threshold can trip, so a bad first record does not condemn a file.
const minCorruptSample = 100

// communityFilter returns a lowercase membership set, or nil when the
// filter is empty.
func (o Options) communityFilter() map[string]struct{} {
	if len(o.Communities) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(o.Communities))
	for _, c := range o.Communities {
		set[strings.ToLower(c)] = struct{}{}
	}
	return set
}

// Open selects a decoder for path based on its extension and the
// declared entity kind, then opens the file. Supported today:
//
//	.zst            zstd-compressed line-delimited JSON (reddit dumps)
//	.ndjson .jsonl  plain line-delimited JSON
//	.sql .sql.gz    SQL dump with INSERT statements
func Open(path string, kind model.RecordKind, opts Options) (Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	d, err := forFile(f, path, kind, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

func forFile(f *os.File, path string, kind model.RecordKind, opts Options) (Decoder, error) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".zst"):
		return newZstdLines(f, kind, opts)
	case strings.HasSuffix(name, ".ndjson"), strings.HasSuffix(name, ".jsonl"):
		return newLines(f, f, kind, opts), nil
	case strings.HasSuffix(name, ".sql"):
		return newSQLDump(f, f, kind, opts), nil
	case strings.HasSuffix(name, ".sql.gz"):
		return newGzipSQLDump(f, kind, opts)
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported archive format: %s", filepath.Base(path))
	}
}

// ArchiveFiles lists detected archive files per entity kind.
type ArchiveFiles struct {
	Posts    []string
	Comments []string
}

// DetectFiles scans dir for archive files and classifies them by name:
// files containing "submission" or "post" hold posts, files containing
// "comment" hold comments. Returns an error when nothing is found.
func DetectFiles(dir string) (ArchiveFiles, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ArchiveFiles{}, fmt.Errorf("read input dir: %w", err)
	}

	var files ArchiveFiles
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if !supportedExtension(name) {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		switch {
		case strings.Contains(name, "comment"):
			files.Comments = append(files.Comments, full)
		case strings.Contains(name, "submission"), strings.Contains(name, "post"):
			files.Posts = append(files.Posts, full)
		}
	}

	if len(files.Posts) == 0 && len(files.Comments) == 0 {
		return ArchiveFiles{}, fmt.Errorf("no archive files found in %s", dir)
	}
	return files, nil
}

// entityMarkers are the filename tokens separating a community prefix
// from the entity kind, as produced by per-community dump tooling
// (e.g. askscience_submissions.zst, askscience_comments.zst).
var entityMarkers = []string{"_submissions", "_submission", "_comments", "_comment", "_posts", "_post"}

// FileCommunity extracts the community name encoded in an archive file
// name, or "" when the name carries no community prefix.
func FileCommunity(path string) string {
	name := strings.ToLower(filepath.Base(path))
	for _, marker := range entityMarkers {
		if i := strings.LastIndex(name, marker); i > 0 {
			return name[:i]
		}
	}
	return ""
}

// CommunityNames derives the distinct community names encoded in the
// detected file names, sorted. Files without a community prefix
// contribute nothing.
func (f ArchiveFiles) CommunityNames() []string {
	seen := make(map[string]struct{})
	for _, path := range append(append([]string{}, f.Posts...), f.Comments...) {
		if name := FileCommunity(path); name != "" {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func supportedExtension(name string) bool {
	for _, ext := range []string{".zst", ".ndjson", ".jsonl", ".sql", ".sql.gz"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
