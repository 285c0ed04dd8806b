package batch

import (
	"fmt"
	"testing"

	"github.com/17Amir17/redd-archiver/internal/model"
)

func post(i int) model.Record {
	return model.NewPostRecord(&model.Post{ID: fmt.Sprintf("p%d", i), Subreddit: "test"})
}

func comment(i int) model.Record {
	return model.NewCommentRecord(&model.Comment{ID: fmt.Sprintf("c%d", i), Subreddit: "test"})
}

func TestEmitsFullBatchAtThreshold(t *testing.T) {
	acc := NewAccumulator(3)

	for i := 0; i < 2; i++ {
		if _, ok := acc.Add(post(i)); ok {
			t.Fatalf("batch emitted early at record %d", i)
		}
	}

	b, ok := acc.Add(post(2))
	if !ok {
		t.Fatal("expected full batch at threshold")
	}
	if b.Kind != model.KindPost || b.Len() != 3 {
		t.Errorf("batch = %s/%d, want post/3", b.Kind, b.Len())
	}
	if acc.Pending() != 0 {
		t.Errorf("Pending = %d after emit, want 0", acc.Pending())
	}
}

func TestKindsFillIndependently(t *testing.T) {
	acc := NewAccumulator(2)

	acc.Add(post(0))
	acc.Add(comment(0))

	// One more post fills the post batch; the comment buffer is untouched.
	b, ok := acc.Add(post(1))
	if !ok || b.Kind != model.KindPost {
		t.Fatalf("expected post batch, got ok=%v kind=%v", ok, b.Kind)
	}
	if acc.Pending() != 1 {
		t.Errorf("Pending = %d, want 1 buffered comment", acc.Pending())
	}

	b, ok = acc.Add(comment(1))
	if !ok || b.Kind != model.KindComment || b.Len() != 2 {
		t.Fatalf("expected comment batch of 2, got ok=%v %s/%d", ok, b.Kind, b.Len())
	}
}

func TestFlushEmitsPartials(t *testing.T) {
	acc := NewAccumulator(10)

	acc.Add(post(0))
	acc.Add(post(1))
	acc.Add(comment(0))

	batches := acc.Flush()
	if len(batches) != 2 {
		t.Fatalf("Flush returned %d batches, want 2", len(batches))
	}
	if batches[0].Kind != model.KindPost || batches[0].Len() != 2 {
		t.Errorf("first batch = %s/%d, want post/2", batches[0].Kind, batches[0].Len())
	}
	if batches[1].Kind != model.KindComment || batches[1].Len() != 1 {
		t.Errorf("second batch = %s/%d, want comment/1", batches[1].Kind, batches[1].Len())
	}
	if acc.Pending() != 0 {
		t.Errorf("Pending = %d after flush, want 0", acc.Pending())
	}
}

func TestFlushEmptyReturnsNothing(t *testing.T) {
	if batches := NewAccumulator(5).Flush(); len(batches) != 0 {
		t.Fatalf("Flush on empty accumulator returned %d batches", len(batches))
	}
}

func TestZeroSizeFallsBackToDefault(t *testing.T) {
	acc := NewAccumulator(0)
	if acc.size != DefaultBatchSize {
		t.Errorf("size = %d, want %d", acc.size, DefaultBatchSize)
	}
}
