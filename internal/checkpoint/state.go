// Package checkpoint persists per-community import/export progress and
// decides, on startup, whether a community starts fresh, resumes, or
// is skipped. The metadata row is the durable audit and resume record;
// it outlives the run that created it.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/17Amir17/redd-archiver/internal/model"
)

// Status is the processing state of one community.
type Status string

const (
	StatusPending   Status = "pending"
	StatusImporting Status = "importing"
	StatusImported  Status = "imported"
	StatusExporting Status = "exporting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// transitions is the fixed monotonic state graph. Failed is reachable
// from any non-terminal state and handled separately; a failed
// community may re-enter either processing state when it is retried.
// The two active states are re-enterable so an interrupted run can
// resume a community that is still mid-import or mid-export.
var transitions = map[Status][]Status{
	StatusPending:   {StatusImporting},
	StatusImporting: {StatusImporting, StatusImported},
	StatusImported:  {StatusExporting},
	StatusExporting: {StatusExporting, StatusCompleted},
	StatusFailed:    {StatusImporting, StatusExporting},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return from != StatusCompleted && from != StatusFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError rejects a state-machine move the graph does
// not allow. It usually means two runs raced on the same community.
type InvalidTransitionError struct {
	Community model.Community
	From, To  Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid checkpoint transition %s -> %s for %s", e.From, e.To, e.Community)
}

// ProcessingMetadata is the durable checkpoint for one community.
type ProcessingMetadata struct {
	Community        model.Community
	Status           Status
	ImportStartedAt  *time.Time
	ImportedAt       *time.Time
	ExportStartedAt  *time.Time
	CompletedAt      *time.Time
	PostsImported    int64
	CommentsImported int64
	EntitiesExported int64
	LastError        string
	Metadata         json.RawMessage // free-form blob (run id, emergency marker, ...)
}

// ProgressBlob is the structured content of the Metadata field.
type ProgressBlob struct {
	RunID             string  `json:"run_id,omitempty"`
	Emergency         bool    `json:"emergency,omitempty"`
	MemoryUsageAtExit float64 `json:"memory_usage_at_exit,omitempty"`
	MemoryLimitBytes  int64   `json:"memory_limit_bytes,omitempty"`
}

// Blob decodes the metadata payload, returning the zero value when the
// blob is empty or unreadable.
func (m *ProcessingMetadata) Blob() ProgressBlob {
	var b ProgressBlob
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &b)
	}
	return b
}

// Decision is the startup resume choice for one community.
type Decision string

const (
	StartFresh          Decision = "start_fresh"
	ResumeImport        Decision = "resume_import"
	ResumeFromEmergency Decision = "resume_from_emergency"
	ResumeExport        Decision = "resume_export"
	AlreadyComplete     Decision = "already_complete"
)

// Decide maps a checkpoint row onto a resume decision. A nil row means
// the community has never been seen. forceRebuild overrides both
// AlreadyComplete and a failed prior attempt.
func Decide(meta *ProcessingMetadata, forceRebuild bool) Decision {
	if meta == nil {
		return StartFresh
	}
	if forceRebuild {
		return StartFresh
	}

	switch meta.Status {
	case StatusCompleted:
		return AlreadyComplete
	case StatusPending:
		return StartFresh
	case StatusImporting:
		if meta.Blob().Emergency {
			return ResumeFromEmergency
		}
		return ResumeImport
	case StatusImported, StatusExporting:
		if meta.Blob().Emergency {
			return ResumeFromEmergency
		}
		return ResumeExport
	case StatusFailed:
		// A failed community is retried from its last durable batch.
		if meta.ImportedAt != nil {
			return ResumeExport
		}
		return ResumeImport
	}
	return StartFresh
}

// ResumeInconsistencyError reports a checkpoint that references more
// rows than storage actually holds. This is surfaced to the operator
// and never auto-resolved.
type ResumeInconsistencyError struct {
	Community    model.Community
	Checkpointed int64
	PresentInDB  int64
	EntityKind   model.RecordKind
}

func (e *ResumeInconsistencyError) Error() string {
	return fmt.Sprintf("resume inconsistency for %s: checkpoint records %d %ss but storage holds %d",
		e.Community, e.Checkpointed, e.EntityKind, e.PresentInDB)
}
