// Package pipeline orchestrates the import direction: decode ->
// accumulate -> memory gate -> bulk load -> checkpoint, one community
// at a time. Each community runs as an independent sequential pipeline;
// parallelism across communities is bounded by the limiter and shares
// only the storage pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/17Amir17/redd-archiver/internal/batch"
	"github.com/17Amir17/redd-archiver/internal/checkpoint"
	"github.com/17Amir17/redd-archiver/internal/config"
	"github.com/17Amir17/redd-archiver/internal/decode"
	"github.com/17Amir17/redd-archiver/internal/memory"
	"github.com/17Amir17/redd-archiver/internal/model"
	"github.com/17Amir17/redd-archiver/internal/storage"
)

// ErrMemoryPressure is the clean, resumable stop taken when the memory
// controller reaches the emergency tier. It is not a failure: in-flight
// batches are flushed and the checkpoint carries the emergency marker.
var ErrMemoryPressure = errors.New("memory pressure emergency stop")

// Loader is the bulk-insert surface the driver feeds.
type Loader interface {
	LoadBatch(ctx context.Context, b batch.Batch) (storage.LoadResult, error)
}

// Checkpoints is the durable progress surface the driver records to.
type Checkpoints interface {
	Ensure(ctx context.Context, community model.Community) error
	Transition(ctx context.Context, community model.Community, to checkpoint.Status) error
	UpdateImportProgress(ctx context.Context, community model.Community, posts, comments int64) error
	MarkFailed(ctx context.Context, community model.Community, cause error) error
	MarkEmergency(ctx context.Context, community model.Community, blob checkpoint.ProgressBlob) error
	ClearEmergency(ctx context.Context, community model.Community, runID string) error
	Reset(ctx context.Context, community model.Community) error
	DetectResumeState(ctx context.Context, community model.Community, counter checkpoint.RowCounter, forceRebuild bool) (checkpoint.Decision, *checkpoint.ProcessingMetadata, error)
}

// Maintenance covers the storage operations that bracket a run rather
// than feed it: index lifecycle, purges, statistics.
type Maintenance interface {
	DropIndexesForBulkLoad(ctx context.Context) error
	CreateIndexesAfterBulkLoad(ctx context.Context) error
	PurgeCommunity(ctx context.Context, community model.Community) error
	ComputeCommunityStatistics(ctx context.Context, community model.Community) error
}

// Deps bundles the driver's collaborators.
type Deps struct {
	Loader      Loader
	Checkpoints Checkpoints
	Counter     checkpoint.RowCounter
	Maintenance Maintenance
	Memory      *memory.Controller
}

// Driver runs the import direction end to end.
type Driver struct {
	cfg    config.ImportConfig
	deps   Deps
	runID  string
	logger *slog.Logger

	// openDecoder is swappable so tests can feed synthetic streams.
	openDecoder func(path string, kind model.RecordKind, opts decode.Options) (decode.Decoder, error)
}

// NewDriver creates an import driver. Every run gets a fresh run id,
// recorded in checkpoints it touches.
func NewDriver(cfg config.ImportConfig, deps Deps) *Driver {
	return &Driver{
		cfg:         cfg,
		deps:        deps,
		runID:       uuid.NewString(),
		logger:      slog.Default(),
		openDecoder: decode.Open,
	}
}

// RunID returns this run's identifier.
func (d *Driver) RunID() string { return d.runID }

// Run imports every requested community from the archives found in the
// input directory. One community's failure marks it failed and the run
// continues; an emergency memory stop ends the whole run with
// ErrMemoryPressure after checkpointing.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	files, err := decode.DetectFiles(d.cfg.InputDir)
	if err != nil {
		return nil, err
	}

	names := d.cfg.Communities
	if len(names) == 0 {
		names = files.CommunityNames()
	}
	if len(names) == 0 {
		return nil, errors.New("no communities requested and none derivable from archive file names")
	}

	d.logger.Info("import run starting",
		"run_id", d.runID,
		"communities", len(names),
		"post_files", len(files.Posts),
		"comment_files", len(files.Comments),
		"workers", d.cfg.CommunityWorkers)

	if d.cfg.ManageIndexes {
		if err := d.deps.Maintenance.DropIndexesForBulkLoad(ctx); err != nil {
			return nil, err
		}
		defer func() {
			// Rebuild even when the run context ended: the indexes must
			// exist before any export or query runs.
			rebuildCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if err := d.deps.Maintenance.CreateIndexesAfterBulkLoad(rebuildCtx); err != nil {
				d.logger.Error("index rebuild after import failed", "error", err)
			}
		}()
	}

	report := &Report{RunID: d.runID}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	limiter := NewLimiter(d.cfg.CommunityWorkers)
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		memoryStop atomic.Bool
	)

	for _, name := range names {
		community := model.Community{Platform: d.cfg.Platform, Name: strings.ToLower(name)}
		if err := limiter.Acquire(runCtx); err != nil {
			break
		}
		wg.Add(1)
		go func(community model.Community) {
			defer wg.Done()
			defer limiter.Release()

			cr := d.processCommunity(runCtx, community, files)
			if errors.Is(cr.Err, ErrMemoryPressure) {
				memoryStop.Store(true)
				cancel()
			}

			mu.Lock()
			report.Communities = append(report.Communities, cr)
			mu.Unlock()
		}(community)
	}
	wg.Wait()
	report.Elapsed = time.Since(start)

	if memoryStop.Load() {
		return report, ErrMemoryPressure
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// processCommunity runs one community's import from resume decision to
// statistics, translating every error into a checkpointed outcome.
func (d *Driver) processCommunity(ctx context.Context, community model.Community, files decode.ArchiveFiles) CommunityReport {
	start := time.Now()
	cr := CommunityReport{Community: community}

	fail := func(err error) CommunityReport {
		cr.Outcome = OutcomeFailed
		cr.Err = err
		cr.Elapsed = time.Since(start)
		if markErr := d.deps.Checkpoints.MarkFailed(ctx, community, err); markErr != nil {
			d.logger.Error("recording community failure failed",
				"community", community.String(), "error", markErr)
		}
		return cr
	}
	stopped := func(err error) CommunityReport {
		cr.Outcome = OutcomeStopped
		cr.Err = err
		cr.Elapsed = time.Since(start)
		return cr
	}

	if err := d.deps.Checkpoints.Ensure(ctx, community); err != nil {
		return fail(err)
	}

	decision, meta, err := d.deps.Checkpoints.DetectResumeState(ctx, community, d.deps.Counter, d.cfg.ForceRebuild)
	if err != nil {
		return fail(err)
	}
	cr.Decision = decision

	switch decision {
	case checkpoint.AlreadyComplete, checkpoint.ResumeExport:
		// Nothing for the import direction to do.
		cr.Outcome = OutcomeSkipped
		cr.Elapsed = time.Since(start)
		return cr
	case checkpoint.StartFresh:
		if d.cfg.ForceRebuild && meta != nil {
			d.logger.Info("force rebuild, purging community", "community", community.String())
			if err := d.deps.Maintenance.PurgeCommunity(ctx, community); err != nil {
				return fail(err)
			}
			if err := d.deps.Checkpoints.Reset(ctx, community); err != nil {
				return fail(err)
			}
			meta = nil
		}
	case checkpoint.ResumeFromEmergency:
		d.logger.Warn("resuming community after emergency stop",
			"community", community.String(),
			"posts_checkpointed", meta.PostsImported,
			"comments_checkpointed", meta.CommentsImported)
		if err := d.deps.Checkpoints.ClearEmergency(ctx, community, d.runID); err != nil {
			return fail(err)
		}
	}

	status := checkpoint.StatusPending
	if meta != nil {
		status = meta.Status
	}
	if status != checkpoint.StatusImporting {
		if err := d.deps.Checkpoints.Transition(ctx, community, checkpoint.StatusImporting); err != nil {
			return fail(err)
		}
	}

	imp := &communityImport{
		driver:    d,
		community: community,
		acc:       batch.NewAccumulator(d.cfg.BatchSize),
	}
	err = imp.run(ctx, files)
	cr.PostsImported = imp.posts
	cr.CommentsImported = imp.comments
	cr.RecordsSkipped = imp.skipped
	if err != nil {
		if errors.Is(err, ErrMemoryPressure) {
			return stopped(err)
		}
		if ctx.Err() != nil {
			// The run was cancelled around this community; its durable
			// progress stands and the next run resumes it.
			return stopped(ctx.Err())
		}
		return fail(err)
	}

	if err := d.deps.Checkpoints.Transition(ctx, community, checkpoint.StatusImported); err != nil {
		return fail(err)
	}
	if err := d.deps.Maintenance.ComputeCommunityStatistics(ctx, community); err != nil {
		return fail(err)
	}

	cr.Outcome = OutcomeImported
	cr.Elapsed = time.Since(start)
	d.logger.Info("community import complete",
		"community", community.String(),
		"posts", imp.posts,
		"comments", imp.comments,
		"records_skipped", imp.skipped,
		"batches", imp.batches,
		"elapsed", cr.Elapsed)
	return cr
}

// emergencyError carries the reading that tripped the emergency tier
// from the batch gate up to the flush path.
type emergencyError struct {
	reading memory.Reading
}

func (e *emergencyError) Error() string {
	return fmt.Sprintf("memory emergency at %.0f%% usage", e.reading.Usage*100)
}

// communityImport is the per-community sequential pipeline state.
type communityImport struct {
	driver    *Driver
	community model.Community
	acc       *batch.Accumulator

	posts    int64
	comments int64
	skipped  int64
	batches  int64
}

// run decodes every relevant archive file into batches and loads them.
// Posts stream before comments so parent rows land first on a fresh
// import.
func (ci *communityImport) run(ctx context.Context, files decode.ArchiveFiles) error {
	sets := []struct {
		kind  model.RecordKind
		paths []string
	}{
		{model.KindPost, files.Posts},
		{model.KindComment, files.Comments},
	}

	for _, set := range sets {
		for _, path := range set.paths {
			if fc := decode.FileCommunity(path); fc != "" && fc != ci.community.Name {
				continue
			}
			if err := ci.decodeFile(ctx, path, set.kind); err != nil {
				var emergency *emergencyError
				if errors.As(err, &emergency) {
					return ci.emergencyStop(ctx, emergency.reading)
				}
				return err
			}
		}
	}

	for _, b := range ci.acc.Flush() {
		if err := ci.deliver(ctx, b, true); err != nil {
			var emergency *emergencyError
			if errors.As(err, &emergency) {
				return ci.emergencyStop(ctx, emergency.reading)
			}
			return err
		}
	}
	return nil
}

func (ci *communityImport) decodeFile(ctx context.Context, path string, kind model.RecordKind) error {
	opts := decode.Options{
		Communities:      []string{ci.community.Name},
		CorruptThreshold: ci.driver.cfg.CorruptThreshold,
	}
	dec, err := ci.driver.openDecoder(path, kind, opts)
	if err != nil {
		return err
	}
	defer func() {
		ci.skipped += dec.Stats().Skipped
		dec.Close()
	}()

	ci.driver.logger.Info("decoding archive",
		"community", ci.community.String(), "file", path, "kind", string(kind))

	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if b, full := ci.acc.Add(rec); full {
			if err := ci.deliver(ctx, b, true); err != nil {
				return err
			}
		}
	}
}

// deliver commits one batch and advances the checkpoint. With gate set
// it then consults the memory controller; the emergency action surfaces
// as *emergencyError so callers can flush before stopping.
func (ci *communityImport) deliver(ctx context.Context, b batch.Batch, gate bool) error {
	// Cancellation is cooperative, once per batch: the in-flight batch
	// either fully commits or is never sent.
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := ci.driver.deps.Loader.LoadBatch(ctx, b)
	if err != nil {
		return err
	}

	var postsDelta, commentsDelta int64
	switch b.Kind {
	case model.KindPost:
		postsDelta = res.Inserted
		ci.posts += res.Inserted
	case model.KindComment:
		commentsDelta = res.Inserted
		ci.comments += res.Inserted
	}
	if err := ci.driver.deps.Checkpoints.UpdateImportProgress(ctx, ci.community, postsDelta, commentsDelta); err != nil {
		return err
	}
	ci.batches++

	ci.driver.logger.Info("batch committed",
		"community", ci.community.String(),
		"kind", string(b.Kind),
		"size", b.Len(),
		"inserted", res.Inserted,
		"duplicates", res.Skipped,
		"batches", ci.batches)

	if gate && ci.driver.deps.Memory != nil {
		if reading := ci.driver.deps.Memory.Check(); reading.Action == memory.ActionFlushAndExit {
			return &emergencyError{reading: reading}
		}
	}
	return nil
}

// emergencyStop flushes whatever the accumulator still holds, stamps
// the checkpoint with the emergency marker, and converts the stop into
// ErrMemoryPressure. The flush skips the memory gate: the remaining
// partial batches are the path to a clean exit, not new pressure.
func (ci *communityImport) emergencyStop(ctx context.Context, reading memory.Reading) error {
	for _, b := range ci.acc.Flush() {
		if err := ci.deliver(ctx, b, false); err != nil {
			ci.driver.logger.Error("emergency flush failed, progress up to last batch stands",
				"community", ci.community.String(), "error", err)
			break
		}
	}

	blob := checkpoint.ProgressBlob{
		RunID:             ci.driver.runID,
		MemoryUsageAtExit: reading.Usage,
	}
	if ci.driver.deps.Memory != nil {
		blob.MemoryLimitBytes = ci.driver.deps.Memory.Limit()
	}
	if err := ci.driver.deps.Checkpoints.MarkEmergency(ctx, ci.community, blob); err != nil {
		ci.driver.logger.Error("writing emergency marker failed",
			"community", ci.community.String(), "error", err)
	}
	return ErrMemoryPressure
}
