package models

import "errors"

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the job.
type QueueMessage struct {
	JobID   string `json:"job_id"`  // References the job record
	Type    string `json:"type"`    // Handler routing key
	Attempt int    `json:"attempt"` // Job attempt this delivery belongs to
}

// MessageTypeReportJob routes a message to the report job handler
const MessageTypeReportJob = "report_job"
