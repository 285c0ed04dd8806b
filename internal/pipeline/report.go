package pipeline

import (
	"log/slog"
	"time"

	"github.com/17Amir17/redd-archiver/internal/checkpoint"
	"github.com/17Amir17/redd-archiver/internal/model"
)

// Outcome is the final per-community result of one run.
type Outcome string

const (
	// OutcomeImported means the community's import finished and its
	// statistics were computed.
	OutcomeImported Outcome = "imported"
	// OutcomeSkipped means no import work was needed (already complete
	// or already imported and waiting on export).
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the community was marked failed with its
	// error recorded; the run continued with the next community.
	OutcomeFailed Outcome = "failed"
	// OutcomeStopped means the run ended early (memory pressure or
	// cancellation) after checkpointing; the community is resumable.
	OutcomeStopped Outcome = "stopped"
)

// CommunityReport is one community's line in the run summary.
type CommunityReport struct {
	Community        model.Community
	Decision         checkpoint.Decision
	Outcome          Outcome
	PostsImported    int64
	CommentsImported int64
	RecordsSkipped   int64
	Err              error
	Elapsed          time.Duration
}

// Report is the end-of-run summary across all communities.
type Report struct {
	RunID       string
	Communities []CommunityReport
	Elapsed     time.Duration
}

// Counts tallies outcomes for exit-code decisions and the summary line.
func (r *Report) Counts() (imported, skipped, failed, stopped int) {
	for _, cr := range r.Communities {
		switch cr.Outcome {
		case OutcomeImported:
			imported++
		case OutcomeSkipped:
			skipped++
		case OutcomeFailed:
			failed++
		case OutcomeStopped:
			stopped++
		}
	}
	return
}

// Log writes the summary: one line per community plus a totals line.
func (r *Report) Log(logger *slog.Logger) {
	for _, cr := range r.Communities {
		attrs := []any{
			"community", cr.Community.String(),
			"decision", string(cr.Decision),
			"outcome", string(cr.Outcome),
			"posts", cr.PostsImported,
			"comments", cr.CommentsImported,
			"elapsed", cr.Elapsed,
		}
		if cr.RecordsSkipped > 0 {
			attrs = append(attrs, "records_skipped", cr.RecordsSkipped)
		}
		if cr.Err != nil {
			attrs = append(attrs, "error", cr.Err)
			logger.Error("community summary", attrs...)
			continue
		}
		logger.Info("community summary", attrs...)
	}

	imported, skipped, failed, stopped := r.Counts()
	logger.Info("run summary",
		"run_id", r.RunID,
		"imported", imported,
		"skipped", skipped,
		"failed", failed,
		"stopped", stopped,
		"elapsed", r.Elapsed)
}
