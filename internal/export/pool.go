package export

// pool.go runs one community's export through a bounded worker pool.
// The workload is split into independent keyset partitions: one post
// stream, one comment stream, and N username ranges. Each partition
// keeps its own cursor, so a retried partition resumes from its last
// consumed page rather than its beginning, and successful partitions
// are never repeated.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/17Amir17/redd-archiver/internal/checkpoint"
	"github.com/17Amir17/redd-archiver/internal/config"
	"github.com/17Amir17/redd-archiver/internal/model"
)

// partitionRetries bounds how many times one partition restarts before
// the community export fails.
const partitionRetries = 2

// Source is the paged read surface the pool drives. Implemented by
// Exporter; faked in tests.
type Source interface {
	PartitionUsernames(ctx context.Context, community model.Community, n int) ([]Range, error)
	UserPage(ctx context.Context, community model.Community, r Range, after string, limit int) ([]model.User, error)
	PostPage(ctx context.Context, community model.Community, after PostCursor, limit int) ([]model.Post, error)
	CommentPage(ctx context.Context, community model.Community, after PostCursor, limit int) ([]model.Comment, error)
}

// Consumer receives exported pages. Pages within one partition arrive
// in sort-key order; across partitions there is no interleaving
// guarantee. Implementations must be safe for concurrent use.
type Consumer interface {
	Posts(ctx context.Context, community model.Community, page []model.Post) error
	Comments(ctx context.Context, community model.Community, page []model.Comment) error
	Users(ctx context.Context, community model.Community, page []model.User) error
}

// Progress is the checkpoint surface export reports to.
type Progress interface {
	Transition(ctx context.Context, community model.Community, to checkpoint.Status) error
	UpdateExportProgress(ctx context.Context, community model.Community, entities int64) error
	MarkFailed(ctx context.Context, community model.Community, cause error) error
}

// Runner exports communities through the worker pool.
type Runner struct {
	cfg      config.ExportConfig
	source   Source
	consumer Consumer
	progress Progress
	logger   *slog.Logger
}

// NewRunner wires an export runner.
func NewRunner(cfg config.ExportConfig, source Source, consumer Consumer, progress Progress) *Runner {
	return &Runner{
		cfg:      cfg,
		source:   source,
		consumer: consumer,
		progress: progress,
		logger:   slog.Default(),
	}
}

// partition is one independently retryable unit of export work. run
// advances an internal cursor, so a retry continues where the last
// successful page left off.
type partition struct {
	name string
	run  func(ctx context.Context) error
}

// ExportCommunity streams one imported community to the consumer and
// walks its checkpoint to completed. Returns the number of entities
// exported. A partition failure past its retry budget marks the
// community failed.
func (r *Runner) ExportCommunity(ctx context.Context, community model.Community) (int64, error) {
	start := time.Now()
	if err := r.progress.Transition(ctx, community, checkpoint.StatusExporting); err != nil {
		return 0, err
	}

	tracker := &progressTracker{
		runner:    r,
		community: community,
		interval:  r.cfg.CheckpointInterval,
	}

	partitions, err := r.buildPartitions(ctx, community, tracker)
	if err != nil {
		r.markFailed(ctx, community, err)
		return 0, err
	}

	if err := r.runPool(ctx, partitions); err != nil {
		r.markFailed(ctx, community, err)
		return tracker.total(), err
	}
	tracker.flush(ctx)

	if err := r.progress.Transition(ctx, community, checkpoint.StatusCompleted); err != nil {
		return tracker.total(), err
	}
	r.logger.Info("community export complete",
		"community", community.String(),
		"entities", tracker.total(),
		"partitions", len(partitions),
		"elapsed", time.Since(start))
	return tracker.total(), nil
}

func (r *Runner) buildPartitions(ctx context.Context, community model.Community, tracker *progressTracker) ([]partition, error) {
	ranges, err := r.source.PartitionUsernames(ctx, community, r.cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("partition users: %w", err)
	}

	partitions := []partition{
		{name: "posts", run: r.postStream(community, tracker)},
		{name: "comments", run: r.commentStream(community, tracker)},
	}
	for i, rng := range ranges {
		partitions = append(partitions, partition{
			name: fmt.Sprintf("users[%d]", i),
			run:  r.userStream(community, rng, tracker),
		})
	}
	return partitions, nil
}

// runPool drains the partitions through cfg.Workers goroutines. The
// first partition to exhaust its retries cancels the rest.
func (r *Runner) runPool(ctx context.Context, partitions []partition) error {
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan partition)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	workers := r.cfg.Workers
	if workers > len(partitions) {
		workers = len(partitions)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				if err := r.runPartition(poolCtx, p); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("partition %s: %w", p.name, err)
					}
					mu.Unlock()
					cancel()
					return
				}
			}
		}()
	}

	for _, p := range partitions {
		select {
		case work <- p:
		case <-poolCtx.Done():
		}
	}
	close(work)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return poolCtx.Err()
}

// runPartition executes one partition with bounded retry. The cursor
// lives inside the partition closure, so each retry resumes after the
// last consumed page.
func (r *Runner) runPartition(ctx context.Context, p partition) error {
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			r.logger.Warn("retrying export partition", "partition", p.name, "attempt", attempt)
		}
		err := p.run(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), partitionRetries), ctx)
	return backoff.Retry(operation, policy)
}

func (r *Runner) postStream(community model.Community, tracker *progressTracker) func(context.Context) error {
	var cursor PostCursor
	return func(ctx context.Context) error {
		for {
			page, err := r.fetchPosts(ctx, community, cursor)
			if err != nil {
				return err
			}
			if len(page) == 0 {
				return nil
			}
			if err := r.consumer.Posts(ctx, community, page); err != nil {
				return err
			}
			last := page[len(page)-1]
			cursor = PostCursor{CreatedUTC: last.CreatedUTC, ID: last.ID}
			if err := tracker.advance(ctx, len(page)); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) commentStream(community model.Community, tracker *progressTracker) func(context.Context) error {
	var cursor PostCursor
	return func(ctx context.Context) error {
		for {
			pageCtx, cancel := context.WithTimeout(ctx, r.cfg.PageTimeout)
			page, err := r.source.CommentPage(pageCtx, community, cursor, r.cfg.PageSize)
			cancel()
			if err != nil {
				return err
			}
			if len(page) == 0 {
				return nil
			}
			if err := r.consumer.Comments(ctx, community, page); err != nil {
				return err
			}
			last := page[len(page)-1]
			cursor = PostCursor{CreatedUTC: last.CreatedUTC, ID: last.ID}
			if err := tracker.advance(ctx, len(page)); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) userStream(community model.Community, rng Range, tracker *progressTracker) func(context.Context) error {
	after := rng.Lower
	return func(ctx context.Context) error {
		for {
			pageCtx, cancel := context.WithTimeout(ctx, r.cfg.PageTimeout)
			page, err := r.source.UserPage(pageCtx, community, rng, after, r.cfg.PageSize)
			cancel()
			if err != nil {
				return err
			}
			if len(page) == 0 {
				return nil
			}
			if err := r.consumer.Users(ctx, community, page); err != nil {
				return err
			}
			after = page[len(page)-1].Username
			if err := tracker.advance(ctx, len(page)); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) fetchPosts(ctx context.Context, community model.Community, cursor PostCursor) ([]model.Post, error) {
	pageCtx, cancel := context.WithTimeout(ctx, r.cfg.PageTimeout)
	defer cancel()
	return r.source.PostPage(pageCtx, community, cursor, r.cfg.PageSize)
}

func (r *Runner) markFailed(ctx context.Context, community model.Community, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	if err := r.progress.MarkFailed(ctx, community, cause); err != nil {
		r.logger.Error("recording export failure failed",
			"community", community.String(), "error", err)
	}
}

// progressTracker batches checkpoint writes: one durable update per
// CheckpointInterval pages across all partitions, plus a final flush.
type progressTracker struct {
	runner    *Runner
	community model.Community
	interval  int

	mu         sync.Mutex
	entities   int64
	unreported int64
	pages      int
}

func (t *progressTracker) advance(ctx context.Context, count int) error {
	t.mu.Lock()
	t.entities += int64(count)
	t.unreported += int64(count)
	t.pages++
	report := t.interval > 0 && t.pages%t.interval == 0
	delta := t.unreported
	if report {
		t.unreported = 0
	}
	t.mu.Unlock()

	if !report || delta == 0 {
		return nil
	}
	return t.runner.progress.UpdateExportProgress(ctx, t.community, delta)
}

func (t *progressTracker) flush(ctx context.Context) {
	t.mu.Lock()
	delta := t.unreported
	t.unreported = 0
	t.mu.Unlock()
	if delta == 0 {
		return
	}
	if err := t.runner.progress.UpdateExportProgress(ctx, t.community, delta); err != nil {
		t.runner.logger.Error("final export progress write failed",
			"community", t.community.String(), "error", err)
	}
}

func (t *progressTracker) total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entities
}
