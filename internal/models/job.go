package models

import (
	"fmt"
	"time"
)

// JobStatus is a job lifecycle state
type JobStatus string

const (
	JobStatusQueued              JobStatus = "QUEUED"
	JobStatusDiscovering         JobStatus = "DISCOVERING"
	JobStatusRendering           JobStatus = "RENDERING"
	JobStatusNotifying           JobStatus = "NOTIFYING"
	JobStatusCompleted           JobStatus = "COMPLETED"
	JobStatusCompletedWithErrors JobStatus = "COMPLETED_WITH_ERRORS"
	JobStatusFailed              JobStatus = "FAILED"
	JobStatusCancelled           JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed (retry aside)
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// rank orders the non-terminal states; transitions never move backwards
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusDiscovering:
		return 1
	case JobStatusRendering:
		return 2
	case JobStatusNotifying:
		return 3
	}
	return 4
}

// CanTransition reports whether from -> to is a legal forward move.
// Retry (terminal FAILED -> QUEUED) is handled separately by the scheduler.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	return to.rank() > from.rank()
}

// Format is an output document format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatXLSX Format = "xlsx"
)

// FormatOrder is the fixed order artifacts of one batch are written in
var FormatOrder = []Format{FormatHTML, FormatPDF, FormatDOCX, FormatXLSX}

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	for _, f := range FormatOrder {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, s)
}

// OrderFormats deduplicates and sorts formats into FormatOrder
func OrderFormats(formats []Format) []Format {
	want := make(map[Format]bool, len(formats))
	for _, f := range formats {
		want[f] = true
	}
	ordered := make([]Format, 0, len(want))
	for _, f := range FormatOrder {
		if want[f] {
			ordered = append(ordered, f)
		}
	}
	return ordered
}

// RenderOutput is one produced artifact for a (batch, format) pair.
// Written once; a retried batch replaces rather than appends.
type RenderOutput struct {
	Format      Format    `json:"format"`
	Path        string    `json:"path"`
	ContentHash string    `json:"contentHash"`
	SizeBytes   int64     `json:"sizeBytes"`
	ProducedAt  time.Time `json:"producedAt"`
	BatchID     string    `json:"batchId"`
}

// JobErrorEntry is a recorded failure, either batch-level or job-level
type JobErrorEntry struct {
	BatchID   string    `json:"batchId,omitempty"`
	Step      string    `json:"step,omitempty"`
	Format    Format    `json:"format,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is the unit of orchestration
type Job struct {
	ID               string            `json:"id"`
	TemplateID       string            `json:"template_id"`
	ConnectionID     string            `json:"connection_id"`
	Formats          []Format          `json:"formats"`
	DateRange        DateRange         `json:"date_range"`
	KeyFilters       map[string]string `json:"key_filters,omitempty"`
	ExplicitBatchIDs []string          `json:"batch_ids,omitempty"`
	Recipients       []string          `json:"recipients,omitempty"`
	Schedule         string            `json:"schedule,omitempty"` // Name of the cron schedule that submitted the job

	Status           JobStatus `json:"status" badgerhold:"index"`
	Attempts         int       `json:"attempts"`
	TransientFailure bool      `json:"transient_failure"` // Terminal FAILED was caused by a transient error
	CancelRequested  bool      `json:"cancel_requested"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"` // Scheduled automatic retry

	BatchCount int             `json:"batch_count"`
	Error      string          `json:"error,omitempty"`
	Errors     []JobErrorEntry `json:"errors"`
	Artifacts  []RenderOutput  `json:"artifacts"`
}

// ArtifactFor returns the recorded artifact for a (batch, format) pair
func (j *Job) ArtifactFor(batchID string, format Format) (RenderOutput, bool) {
	for _, a := range j.Artifacts {
		if a.BatchID == batchID && a.Format == format {
			return a, true
		}
	}
	return RenderOutput{}, false
}

// PutArtifact records an artifact, replacing any earlier one for the same pair
func (j *Job) PutArtifact(output RenderOutput) {
	for i, a := range j.Artifacts {
		if a.BatchID == output.BatchID && a.Format == output.Format {
			j.Artifacts[i] = output
			return
		}
	}
	j.Artifacts = append(j.Artifacts, output)
}

// DropArtifacts removes every artifact for a batch and returns them
func (j *Job) DropArtifacts(batchID string) []RenderOutput {
	var removed []RenderOutput
	kept := j.Artifacts[:0]
	for _, a := range j.Artifacts {
		if a.BatchID == batchID {
			removed = append(removed, a)
			continue
		}
		kept = append(kept, a)
	}
	j.Artifacts = kept
	return removed
}

// Clone returns a deep copy, so callers never share slices with storage
func (j *Job) Clone() *Job {
	c := *j
	c.Formats = append([]Format(nil), j.Formats...)
	c.ExplicitBatchIDs = append([]string(nil), j.ExplicitBatchIDs...)
	c.Recipients = append([]string(nil), j.Recipients...)
	c.Errors = append([]JobErrorEntry(nil), j.Errors...)
	c.Artifacts = append([]RenderOutput(nil), j.Artifacts...)
	if j.KeyFilters != nil {
		c.KeyFilters = make(map[string]string, len(j.KeyFilters))
		for k, v := range j.KeyFilters {
			c.KeyFilters[k] = v
		}
	}
	return &c
}

// JobRequest is a submission from the API layer, CLI or a schedule
type JobRequest struct {
	TemplateID   string            `json:"templateId" validate:"required"`
	ConnectionID string            `json:"connectionId" validate:"required"`
	DateRange    DateRange         `json:"dateRange"`
	KeyFilters   map[string]string `json:"keyFilters,omitempty"`
	BatchIDs     []string          `json:"batchIds,omitempty" validate:"dive,required"`
	Formats      []string          `json:"formats" validate:"required,min=1,dive,oneof=html pdf docx xlsx"`
	Recipients   []string          `json:"recipients,omitempty" validate:"dive,email"`
	Schedule     string            `json:"-"`
}

// JobAction is a control request against an existing job
type JobAction struct {
	JobID  string `json:"jobId" validate:"required"`
	Action string `json:"action" validate:"required,oneof=cancel retry"`
}

// JobStats are aggregate counters across all jobs since startup
type JobStats struct {
	Submitted int `json:"submitted"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Partial   int `json:"completed_with_errors"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Retried   int `json:"retried"`
}
