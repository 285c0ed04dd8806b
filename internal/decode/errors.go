package decode

import (
	"errors"
	"fmt"
)

// errMissingIdentity marks records without the id/community fields the
// pipeline needs to key on. They are skipped like any malformed line.
var errMissingIdentity = errors.New("record missing id or community")

// DecodeError describes a single malformed record. It is recoverable:
// decoders skip and count the record instead of surfacing it, so this
// type mostly appears in logs at debug level.
type DecodeError struct {
	Line  int64
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed record at line %d: %v", e.Line, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// CorruptArchiveError aborts a stream whose malformed-record rate
// exceeded the configured threshold. The community is marked failed.
type CorruptArchiveError struct {
	Skipped int64
	Total   int64
	Ratio   float64
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt archive: %d of %d records malformed (%.1f%%)",
		e.Skipped, e.Total, e.Ratio*100)
}
