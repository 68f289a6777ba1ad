// -----------------------------------------------------------------------
// Job - persisted record of one media fetch
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job.
//
//	queued --start--> running --succeed--> success
//	                  running --fail-----> failed
//	queued|running --cancel--> cancelled
//
// success, failed and cancelled are terminal.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no transition can leave this state
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive reports whether a job in this state may still touch its artifacts
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// CanTransitionTo reports whether from -> to is an edge of the state machine
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to == JobStatusSuccess || to == JobStatusFailed || to == JobStatusCancelled
	default:
		return false
	}
}

// JobKind classifies the requested fetch
type JobKind string

const (
	JobKindAudio       JobKind = "audio"
	JobKindVideo       JobKind = "video"
	JobKindUnspecified JobKind = "unspecified"
)

// ParseJobKind maps an input string to a JobKind; empty maps to unspecified
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case JobKindAudio, JobKindVideo, JobKindUnspecified:
		return JobKind(s), nil
	case "":
		return JobKindUnspecified, nil
	default:
		return "", fmt.Errorf("unknown kind %q", s)
	}
}

// MaxErrorSummaryLength bounds ErrorSummary; full detail stays in the log file
const MaxErrorSummaryLength = 1000

// ResultFile is one output file placed in the downloads directory
type ResultFile struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Job is the persisted record of one fetch request.
// ID, SourceReference, Kind, Quality, Format and LogReference never change after creation.
type Job struct {
	ID              string       `json:"id" badgerhold:"key"`
	SourceReference string       `json:"source_reference"`
	Kind            JobKind      `json:"kind"`
	Quality         string       `json:"quality,omitempty"`
	Format          string       `json:"format,omitempty"`
	Status          JobStatus    `json:"status" badgerhold:"index"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	ResultFiles     []ResultFile `json:"result_files,omitempty"`
	ErrorSummary    string       `json:"error_summary,omitempty"`
	LogReference    string       `json:"log_reference"`
}

// Transition describes a requested state change applied atomically by the store.
// Fields other than To are only applied when valid for the target state.
type Transition struct {
	To           JobStatus
	At           time.Time
	ResultFiles  []ResultFile // success only
	ErrorSummary string       // failed only
}

// Apply validates t against the current record and mutates j in place.
// Returns an error when the edge is not in the state machine or the payload
// would break the success/failed field invariants.
func (j *Job) Apply(t Transition) error {
	if !j.Status.CanTransitionTo(t.To) {
		return fmt.Errorf("cannot transition job %s from %s to %s", j.ID, j.Status, t.To)
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	switch t.To {
	case JobStatusRunning:
		j.StartedAt = &at
	case JobStatusSuccess:
		if len(t.ResultFiles) == 0 {
			return fmt.Errorf("success transition for job %s requires result files", j.ID)
		}
		j.ResultFiles = append([]ResultFile(nil), t.ResultFiles...)
		j.CompletedAt = &at
	case JobStatusFailed:
		summary := TruncateSummary(t.ErrorSummary)
		if summary == "" {
			return fmt.Errorf("failed transition for job %s requires an error summary", j.ID)
		}
		j.ErrorSummary = summary
		j.CompletedAt = &at
	case JobStatusCancelled:
		j.CompletedAt = &at
	}

	j.Status = t.To
	return nil
}

// TruncateSummary bounds an error summary to MaxErrorSummaryLength bytes
// without splitting a UTF-8 sequence.
func TruncateSummary(s string) string {
	if len(s) <= MaxErrorSummaryLength {
		return s
	}
	cut := MaxErrorSummaryLength
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// JobSnapshot is the resolved view of a job returned to callers.
// Inferred is set when the state came from filesystem evidence rather than a record.
type JobSnapshot struct {
	ID              string       `json:"job_id"`
	SourceReference string       `json:"source_reference,omitempty"`
	Kind            JobKind      `json:"kind,omitempty"`
	Status          JobStatus    `json:"status"`
	CreatedAt       *time.Time   `json:"created_at,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	ResultFiles     []ResultFile `json:"result_files,omitempty"`
	ErrorSummary    string       `json:"error_summary,omitempty"`
	LogReference    string       `json:"log_reference,omitempty"`
	Inferred        bool         `json:"inferred,omitempty"`
}

// Snapshot copies the record into a snapshot
func (j *Job) Snapshot() *JobSnapshot {
	created := j.CreatedAt
	return &JobSnapshot{
		ID:              j.ID,
		SourceReference: j.SourceReference,
		Kind:            j.Kind,
		Status:          j.Status,
		CreatedAt:       &created,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		ResultFiles:     append([]ResultFile(nil), j.ResultFiles...),
		ErrorSummary:    j.ErrorSummary,
		LogReference:    j.LogReference,
	}
}
