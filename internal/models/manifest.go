package models

import "time"

// Manifest is the durable per-job artifact record written next to the outputs.
// Field names are a stable contract for downstream diffing and audit tooling.
type Manifest struct {
	JobID       string          `json:"jobId"`
	Status      JobStatus       `json:"status"`
	TemplateID  string          `json:"templateId"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	Artifacts   []RenderOutput  `json:"artifacts"`
	Errors      []JobErrorEntry `json:"errors"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// ManifestFromJob snapshots a job into its manifest document
func ManifestFromJob(job *Job) Manifest {
	m := Manifest{
		JobID:       job.ID,
		Status:      job.Status,
		TemplateID:  job.TemplateID,
		Attempts:    job.Attempts,
		Error:       job.Error,
		Artifacts:   append([]RenderOutput{}, job.Artifacts...),
		Errors:      append([]JobErrorEntry{}, job.Errors...),
		GeneratedAt: time.Now().UTC(),
	}
	return m
}

// EventType distinguishes progress events. Every event before the last is a
// stage event; the last one is terminal.
type EventType string

const (
	EventStage    EventType = "stage"
	EventTerminal EventType = "terminal"
)

// Detail narrows a stage event that concerns a single batch
const (
	DetailBatch    = "batch"
	DetailArtifact = "artifact"
	DetailError    = "error"
)

// ProgressEvent is one entry of a job's progress stream
type ProgressEvent struct {
	Event     EventType      `json:"event"`
	JobID     string         `json:"jobId"`
	Stage     string         `json:"stage,omitempty"`
	Status    string         `json:"status"`
	BatchID   string         `json:"batchId,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Format    Format         `json:"format,omitempty"`
	ErrorKind ErrorKind      `json:"errorKind,omitempty"`
	Message   string         `json:"message,omitempty"`
	Artifacts []RenderOutput `json:"artifacts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
