package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/17Amir17/redd-archiver/internal/model"
)

// RowCounter supplies actual stored row counts for resume validation.
// Satisfied by the storage layer.
type RowCounter interface {
	RowCounts(ctx context.Context, community model.Community) (posts, comments int64, err error)
}

// Store persists checkpoints in the processing_metadata table.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a checkpoint store on an established pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: slog.Default()}
}

// Ensure creates the pending checkpoint row for a community if none
// exists. An existing row is left untouched.
func (s *Store) Ensure(ctx context.Context, community model.Community) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processing_metadata (platform, subreddit, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (platform, subreddit) DO NOTHING`,
		community.Platform, community.Name, string(StatusPending))
	if err != nil {
		return fmt.Errorf("ensure checkpoint %s: %w", community, err)
	}
	return nil
}

// Get loads the checkpoint row for a community. A community that was
// never seen returns (nil, nil).
func (s *Store) Get(ctx context.Context, community model.Community) (*ProcessingMetadata, error) {
	meta := &ProcessingMetadata{Community: community}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status, import_started_at, imported_at, export_started_at,
		        completed_at, posts_imported, comments_imported,
		        entities_exported, last_error, metadata
		 FROM processing_metadata WHERE platform = $1 AND subreddit = $2`,
		community.Platform, community.Name,
	).Scan(&status, &meta.ImportStartedAt, &meta.ImportedAt,
		&meta.ExportStartedAt, &meta.CompletedAt, &meta.PostsImported,
		&meta.CommentsImported, &meta.EntitiesExported, &meta.LastError,
		&meta.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", community, err)
	}
	meta.Status = Status(status)
	return meta, nil
}

// transitionStamp maps each target status to the timestamp column that
// records when it was entered.
var transitionStamp = map[Status]string{
	StatusImporting: "import_started_at",
	StatusImported:  "imported_at",
	StatusExporting: "export_started_at",
	StatusCompleted: "completed_at",
}

// Transition moves a community to a new status, enforcing the state
// graph under a row lock so concurrent runs cannot race past each
// other. Entering a state stamps its timestamp.
func (s *Store) Transition(ctx context.Context, community model.Community, to Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transition %s: %w", community, err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM processing_metadata
		 WHERE platform = $1 AND subreddit = $2 FOR UPDATE`,
		community.Platform, community.Name,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("transition %s: no checkpoint row", community)
	}
	if err != nil {
		return fmt.Errorf("transition %s: %w", community, err)
	}

	from := Status(current)
	if !CanTransition(from, to) {
		return &InvalidTransitionError{Community: community, From: from, To: to}
	}

	query := `UPDATE processing_metadata SET status = $3, updated_at = now()`
	if stamp, ok := transitionStamp[to]; ok {
		query += ", " + stamp + " = now()"
	}
	if to == StatusExporting {
		// Export replays from the first page and output files are
		// truncated on open, so the durable count starts over too.
		query += ", entities_exported = 0"
	}
	query += " WHERE platform = $1 AND subreddit = $2"
	if _, err := tx.Exec(ctx, query, community.Platform, community.Name, string(to)); err != nil {
		return fmt.Errorf("transition %s: %w", community, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transition %s: %w", community, err)
	}
	s.logger.Debug("checkpoint transition",
		"community", community.String(), "from", string(from), "to", string(to))
	return nil
}

// UpdateImportProgress adds freshly committed batch counts to the
// durable totals. Deltas are post-dedup insert counts, so replays that
// insert nothing advance nothing.
func (s *Store) UpdateImportProgress(ctx context.Context, community model.Community, posts, comments int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE processing_metadata
		 SET posts_imported    = posts_imported + $3,
		     comments_imported = comments_imported + $4,
		     updated_at        = now()
		 WHERE platform = $1 AND subreddit = $2`,
		community.Platform, community.Name, posts, comments)
	if err != nil {
		return fmt.Errorf("update import progress %s: %w", community, err)
	}
	return nil
}

// UpdateExportProgress adds exported entity counts to the durable total.
func (s *Store) UpdateExportProgress(ctx context.Context, community model.Community, entities int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE processing_metadata
		 SET entities_exported = entities_exported + $3,
		     updated_at        = now()
		 WHERE platform = $1 AND subreddit = $2`,
		community.Platform, community.Name, entities)
	if err != nil {
		return fmt.Errorf("update export progress %s: %w", community, err)
	}
	return nil
}

// MarkFailed records a failure without disturbing progress counters,
// so a later run can resume from the last durable batch. Terminal
// states are never overwritten.
func (s *Store) MarkFailed(ctx context.Context, community model.Community, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE processing_metadata
		 SET status = $3, last_error = $4, updated_at = now()
		 WHERE platform = $1 AND subreddit = $2
		   AND status NOT IN ('completed', 'failed')`,
		community.Platform, community.Name, string(StatusFailed), msg)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", community, err)
	}
	return nil
}

// MarkEmergency stamps the metadata blob with the emergency marker so
// the next run knows the previous one stopped under memory pressure
// after flushing.
func (s *Store) MarkEmergency(ctx context.Context, community model.Community, blob ProgressBlob) error {
	blob.Emergency = true
	payload, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("mark emergency %s: %w", community, err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE processing_metadata
		 SET metadata = $3, updated_at = now()
		 WHERE platform = $1 AND subreddit = $2`,
		community.Platform, community.Name, payload)
	if err != nil {
		return fmt.Errorf("mark emergency %s: %w", community, err)
	}
	return nil
}

// ClearEmergency replaces the metadata blob with a clean one for the
// current run, dropping the emergency marker once resume has begun.
func (s *Store) ClearEmergency(ctx context.Context, community model.Community, runID string) error {
	payload, err := json.Marshal(ProgressBlob{RunID: runID})
	if err != nil {
		return fmt.Errorf("clear emergency %s: %w", community, err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE processing_metadata
		 SET metadata = $3, updated_at = now()
		 WHERE platform = $1 AND subreddit = $2`,
		community.Platform, community.Name, payload)
	if err != nil {
		return fmt.Errorf("clear emergency %s: %w", community, err)
	}
	return nil
}

// Reset returns a community's checkpoint to pending with zeroed
// counters. Used by force rebuild after the community's rows are
// purged.
func (s *Store) Reset(ctx context.Context, community model.Community) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE processing_metadata
		 SET status = $3, import_started_at = NULL, imported_at = NULL,
		     export_started_at = NULL, completed_at = NULL,
		     posts_imported = 0, comments_imported = 0,
		     entities_exported = 0, last_error = '', metadata = NULL,
		     updated_at = now()
		 WHERE platform = $1 AND subreddit = $2`,
		community.Platform, community.Name, string(StatusPending))
	if err != nil {
		return fmt.Errorf("reset checkpoint %s: %w", community, err)
	}
	return nil
}

// ListExportable returns the communities whose import is durable but
// whose export has not completed: imported, mid-export, or failed
// after import finished.
func (s *Store) ListExportable(ctx context.Context, platform string) ([]model.Community, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT platform, subreddit FROM processing_metadata
		 WHERE platform = $1
		   AND (status IN ('imported', 'exporting')
		        OR (status = 'failed' AND imported_at IS NOT NULL))
		 ORDER BY subreddit`,
		platform)
	if err != nil {
		return nil, fmt.Errorf("list exportable: %w", err)
	}
	defer rows.Close()

	var communities []model.Community
	for rows.Next() {
		var c model.Community
		if err := rows.Scan(&c.Platform, &c.Name); err != nil {
			return nil, fmt.Errorf("list exportable: %w", err)
		}
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

// DetectResumeState loads the checkpoint, maps it to a decision, and
// cross-checks resume decisions against actual stored rows. A
// checkpoint claiming more rows than storage holds means the database
// lost committed data; that is surfaced, never repaired silently.
func (s *Store) DetectResumeState(ctx context.Context, community model.Community, counter RowCounter, forceRebuild bool) (Decision, *ProcessingMetadata, error) {
	meta, err := s.Get(ctx, community)
	if err != nil {
		return "", nil, err
	}

	decision := Decide(meta, forceRebuild)

	switch decision {
	case ResumeImport, ResumeFromEmergency, ResumeExport:
		posts, comments, err := counter.RowCounts(ctx, community)
		if err != nil {
			return "", nil, err
		}
		if meta.PostsImported > posts {
			return "", nil, &ResumeInconsistencyError{
				Community:    community,
				Checkpointed: meta.PostsImported,
				PresentInDB:  posts,
				EntityKind:   model.KindPost,
			}
		}
		if meta.CommentsImported > comments {
			return "", nil, &ResumeInconsistencyError{
				Community:    community,
				Checkpointed: meta.CommentsImported,
				PresentInDB:  comments,
				EntityKind:   model.KindComment,
			}
		}
	}

	s.logger.Info("resume decision",
		"community", community.String(), "decision", string(decision))
	return decision, meta, nil
}
