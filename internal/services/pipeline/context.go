// Package pipeline runs one report job as a sequence of named, guarded steps.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/neurareport/internal/models"
)

// Step names, in execution order
const (
	StepValidate        = "validate"
	StepDiscover        = "discover"
	StepRenderBatches   = "render_batches"
	StepNotify          = "notify"
	StepPersistManifest = "persist_manifest"
)

// StepNames lists every step in the order the orchestrator runs them
var StepNames = []string{StepValidate, StepDiscover, StepRenderBatches, StepNotify, StepPersistManifest}

// Step is one named unit of the pipeline. A step whose Guard returns false is
// skipped without affecting the job status. Finalizer steps still run after an
// earlier step failed.
type Step struct {
	Name      string
	Guard     func(pc *Context) bool
	Run       func(ctx context.Context, pc *Context) error
	Finalizer bool
}

// Context is the worker-local state of one job run. It is never persisted
// directly; its terminal snapshot becomes the job's manifest.
type Context struct {
	Job       *models.Job
	Contract  *models.Contract
	Template  string
	Batches   []models.Batch
	Cancelled func() bool

	mu           sync.Mutex
	outputs      []models.RenderOutput
	errors       []models.JobErrorEntry
	rendered     int
	failed       int
	fatalBatches int // batch failures a retry cannot fix
	cancelled    bool

	// Set once the run has an outcome
	status    models.JobStatus
	err       error
	transient bool
}

func newContext(job *models.Job, cancelled func() bool) *Context {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Context{Job: job, Cancelled: cancelled}
}

func (pc *Context) addOutput(output models.RenderOutput) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.outputs = append(pc.outputs, output)
}

func (pc *Context) dropOutputs(batchID string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	kept := pc.outputs[:0]
	for _, o := range pc.outputs {
		if o.BatchID != batchID {
			kept = append(kept, o)
		}
	}
	pc.outputs = kept
}

// addError records a failure for the current attempt and returns the entry
func (pc *Context) addError(batchID, step string, format models.Format, err error) models.JobErrorEntry {
	kind := models.Classify(err)
	if batchID != "" {
		kind = models.ErrorKindPartial
	}
	entry := models.JobErrorEntry{
		BatchID:   batchID,
		Step:      step,
		Format:    format,
		Kind:      kind,
		Attempt:   pc.Job.Attempts,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}
	pc.mu.Lock()
	pc.errors = append(pc.errors, entry)
	pc.mu.Unlock()
	return entry
}

// batchDone counts a finished batch; err is nil on success
func (pc *Context) batchDone(err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	switch {
	case err == nil:
		pc.rendered++
	case models.IsTransient(err):
		pc.failed++
	default:
		pc.failed++
		pc.fatalBatches++
	}
}

func (pc *Context) markCancelled() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.cancelled = true
}

func (pc *Context) isCancelled() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.cancelled
}

// Outputs returns the artifacts produced by this run
func (pc *Context) Outputs() []models.RenderOutput {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]models.RenderOutput(nil), pc.outputs...)
}

// Errors returns the failures recorded by this run
func (pc *Context) Errors() []models.JobErrorEntry {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]models.JobErrorEntry(nil), pc.errors...)
}

// Outcome is the result of one run
type Outcome struct {
	Status models.JobStatus
	Err    error
	// Transient is set when a FAILED outcome may be retried
	Transient bool
	// Interrupted means the process is shutting down; the job was left
	// non-terminal so it resumes on restart
	Interrupted bool
	Job         *models.Job
}
