// Package batch groups decoded records into fixed-size, same-kind
// batches for bulk loading. Post and comment batches fill
// independently so a skew toward one entity type never stalls the
// other.
package batch

import "github.com/17Amir17/redd-archiver/internal/model"

// Batch is a bounded group of same-kind records submitted to storage
// together.
type Batch struct {
	Kind    model.RecordKind
	Records []model.Record
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// Accumulator buffers records per kind and emits a batch whenever one
// kind reaches the configured size. Memory growth is bounded by
// size × number of kinds.
type Accumulator struct {
	size     int
	posts    []model.Record
	comments []model.Record
}

// DefaultBatchSize is used when an Accumulator is built with a
// non-positive size.
const DefaultBatchSize = 5000

// NewAccumulator creates an accumulator emitting batches of size records.
func NewAccumulator(size int) *Accumulator {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Accumulator{
		size:     size,
		posts:    make([]model.Record, 0, size),
		comments: make([]model.Record, 0, size),
	}
}

// Add buffers one record. When the record's kind reaches the batch
// size, the full batch is returned and that buffer resets; otherwise
// ok is false.
func (a *Accumulator) Add(rec model.Record) (Batch, bool) {
	switch rec.Kind {
	case model.KindPost:
		a.posts = append(a.posts, rec)
		if len(a.posts) >= a.size {
			return a.take(model.KindPost), true
		}
	case model.KindComment:
		a.comments = append(a.comments, rec)
		if len(a.comments) >= a.size {
			return a.take(model.KindComment), true
		}
	}
	return Batch{}, false
}

// Flush drains any partial batches, posts first. Called when the
// source is exhausted so trailing records are never lost.
func (a *Accumulator) Flush() []Batch {
	var out []Batch
	if len(a.posts) > 0 {
		out = append(out, a.take(model.KindPost))
	}
	if len(a.comments) > 0 {
		out = append(out, a.take(model.KindComment))
	}
	return out
}

// Pending returns the number of buffered records across kinds.
func (a *Accumulator) Pending() int {
	return len(a.posts) + len(a.comments)
}

func (a *Accumulator) take(kind model.RecordKind) Batch {
	var records []model.Record
	switch kind {
	case model.KindPost:
		records = a.posts
		a.posts = make([]model.Record, 0, a.size)
	case model.KindComment:
		records = a.comments
		a.comments = make([]model.Record, 0, a.size)
	}
	return Batch{Kind: kind, Records: records}
}
