package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
	"github.com/ternarybob/neurareport/internal/services/discovery"
)

const notifyTimeout = 5 * time.Minute

// BatchSource discovers batches and fetches their rows
type BatchSource interface {
	Discover(ctx context.Context, contract *models.Contract, connectionID string, dateRange models.DateRange, keyFilters map[string]string) ([]models.Batch, error)
	FetchRows(ctx context.Context, contract *models.Contract, connectionID string, batch models.Batch, dateRange models.DateRange, keyFilters map[string]string) (*models.Rows, error)
}

// RendererSource returns the adapter for a format
type RendererSource interface {
	Get(format models.Format) (interfaces.FormatRenderer, bool)
}

// ConnectionSet reports whether a connection id is configured
type ConnectionSet interface {
	Has(connectionID string) bool
}

// Options tune a run
type Options struct {
	OutputDir        string
	BatchConcurrency int
	// FailFast turns the first batch failure into a job failure
	FailFast bool
	// FailAtStep injects a failure in place of the named step
	FailAtStep string
}

// Orchestrator drives Validate, Discover, RenderBatches, Notify and
// PersistManifest for one job at a time per call. It is safe for concurrent use.
type Orchestrator struct {
	contracts   interfaces.ContractProvider
	batches     BatchSource
	connections ConnectionSet
	renderers   RendererSource
	store       interfaces.ManifestStorage
	notifier    interfaces.Notifier
	events      interfaces.EventService
	opts        Options
	logger      arbor.ILogger
}

// NewOrchestrator wires the collaborators. notifier, connections and events may be nil.
func NewOrchestrator(
	contracts interfaces.ContractProvider,
	batches BatchSource,
	connections ConnectionSet,
	renderers RendererSource,
	store interfaces.ManifestStorage,
	notifier interfaces.Notifier,
	events interfaces.EventService,
	opts Options,
	logger arbor.ILogger,
) *Orchestrator {
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 1
	}
	return &Orchestrator{
		contracts:   contracts,
		batches:     batches,
		connections: connections,
		renderers:   renderers,
		store:       store,
		notifier:    notifier,
		events:      events,
		opts:        opts,
		logger:      logger,
	}
}

// Steps returns the pipeline definition
func (o *Orchestrator) Steps() []Step {
	return []Step{
		{Name: StepValidate, Run: o.validate},
		{Name: StepDiscover, Run: o.discover},
		{
			Name:  StepRenderBatches,
			Guard: func(pc *Context) bool { return len(pc.Batches) > 0 && len(pc.Job.Formats) > 0 },
			Run:   o.renderBatches,
		},
		{
			Name: StepNotify,
			Guard: func(pc *Context) bool {
				return o.notifier != nil && len(pc.Job.Recipients) > 0 && pc.status != models.JobStatusCancelled
			},
			Run:       o.notify,
			Finalizer: true,
		},
		{Name: StepPersistManifest, Run: o.persistManifest, Finalizer: true},
	}
}

// Run executes the job. cancelled is polled at batch boundaries and before
// each render. Cancelling ctx means shutdown: the job is left resumable.
func (o *Orchestrator) Run(ctx context.Context, job *models.Job, cancelled func() bool) Outcome {
	pc := newContext(job, cancelled)
	logger := o.logger.WithCorrelationId(job.ID)

	logger.Info().
		Str("job_id", job.ID).
		Str("template_id", job.TemplateID).
		Int("attempt", job.Attempts).
		Msg("Pipeline started")

	var failed bool
	for _, step := range o.Steps() {
		if ctx.Err() != nil {
			logger.Warn().Str("step", step.Name).Msg("Pipeline interrupted by shutdown")
			return Outcome{Interrupted: true, Err: ctx.Err(), Job: pc.Job}
		}
		if failed && !step.Finalizer {
			o.publishStage(ctx, pc, step.Name, "skipped", "")
			continue
		}
		if step.Guard != nil && !step.Guard(pc) {
			o.publishStage(ctx, pc, step.Name, "skipped", "")
			continue
		}

		o.publishStage(ctx, pc, step.Name, "running", "")
		start := time.Now()

		err := o.runStep(ctx, pc, step)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, models.ErrCancelled) {
				logger.Warn().Str("step", step.Name).Msg("Pipeline interrupted by shutdown")
				return Outcome{Interrupted: true, Err: ctx.Err(), Job: pc.Job}
			}
			if step.Finalizer && step.Name == StepNotify {
				// Notification failures are logged, never change the job status
				logger.Warn().Err(err).Str("step", step.Name).Msg("Notification failed")
				o.publishStage(ctx, pc, step.Name, "failed", err.Error())
				continue
			}

			failed = true
			o.fail(ctx, pc, step.Name, err)
			o.publishStage(ctx, pc, step.Name, "failed", err.Error())
			logger.Error().Err(err).Str("step", step.Name).Msg("Pipeline step failed")

			if step.Name == StepPersistManifest {
				return Outcome{Status: models.JobStatusFailed, Err: err, Transient: true, Job: pc.Job}
			}
			continue
		}

		o.publishStage(ctx, pc, step.Name, "done", "")
		logger.Debug().Str("step", step.Name).Dur("duration", time.Since(start)).Msg("Pipeline step finished")

		if step.Name == StepRenderBatches || step.Name == StepDiscover {
			o.settle(pc)
		}
	}

	logger.Info().
		Str("job_id", job.ID).
		Str("status", string(pc.status)).
		Int("artifacts", len(pc.Job.Artifacts)).
		Int("errors", len(pc.Errors())).
		Msg("Pipeline finished")

	return Outcome{Status: pc.status, Err: pc.err, Transient: pc.transient, Job: pc.Job}
}

func (o *Orchestrator) runStep(ctx context.Context, pc *Context, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("job_id", pc.Job.ID).
				Str("step", step.Name).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.StackTrace()).
				Msg("Pipeline step panicked")
			err = fmt.Errorf("step %s panicked: %v", step.Name, r)
		}
	}()

	if o.opts.FailAtStep == step.Name {
		return fmt.Errorf("%w at step %s", models.ErrInjectedFailure, step.Name)
	}
	return step.Run(ctx, pc)
}

// fail decides the outcome of a job-level error
func (o *Orchestrator) fail(ctx context.Context, pc *Context, stepName string, err error) {
	if errors.Is(err, models.ErrCancelled) {
		pc.status = models.JobStatusCancelled
		pc.err = nil
		return
	}
	entry := pc.addError("", stepName, "", err)
	o.publishError(ctx, pc, entry)

	pc.status = models.JobStatusFailed
	pc.err = err
	pc.transient = models.IsTransient(err)
}

// settle derives the status after discovery or rendering
func (o *Orchestrator) settle(pc *Context) {
	pc.mu.Lock()
	rendered, failed, fatal, cancelled := pc.rendered, pc.failed, pc.fatalBatches, pc.cancelled
	errs := append([]models.JobErrorEntry(nil), pc.errors...)
	pc.mu.Unlock()

	switch {
	case cancelled:
		pc.status = models.JobStatusCancelled
	case failed == 0:
		pc.status = models.JobStatusCompleted
	case rendered > 0:
		pc.status = models.JobStatusCompletedWithErrors
	default:
		// Every batch failed: nothing usable was produced
		pc.status = models.JobStatusFailed
		pc.err = fmt.Errorf("all %d batches failed: %s", failed, errs[len(errs)-1].Message)
		pc.transient = fatal == 0
	}
}

func (o *Orchestrator) validate(ctx context.Context, pc *Context) error {
	job := pc.Job
	if len(job.Formats) == 0 {
		return fmt.Errorf("%w: no output formats", models.ErrInvalidRequest)
	}
	if _, _, err := job.DateRange.Bounds(); err != nil {
		return err
	}
	if o.connections != nil && !o.connections.Has(job.ConnectionID) {
		return fmt.Errorf("%w: %s", models.ErrUnknownConnection, job.ConnectionID)
	}

	contract, err := o.contracts.Get(ctx, job.TemplateID)
	if err != nil {
		return err
	}
	template, err := o.contracts.Template(ctx, job.TemplateID)
	if err != nil {
		return err
	}
	pc.Contract = contract
	pc.Template = template
	return nil
}

func (o *Orchestrator) discover(ctx context.Context, pc *Context) error {
	if err := o.transition(ctx, pc, models.JobStatusDiscovering); err != nil {
		return err
	}

	batches, err := o.batches.Discover(ctx, pc.Contract, pc.Job.ConnectionID, pc.Job.DateRange, pc.Job.KeyFilters)
	if err != nil {
		return err
	}
	if len(pc.Job.ExplicitBatchIDs) > 0 {
		if batches, err = discovery.Restrict(batches, pc.Job.ExplicitBatchIDs); err != nil {
			return err
		}
	}
	pc.Batches = batches

	if _, err := o.store.Update(ctx, pc.Job.ID, func(job *models.Job) error {
		job.BatchCount = len(batches)
		return nil
	}); err != nil {
		return err
	}
	pc.Job.BatchCount = len(batches)

	if len(batches) == 0 {
		o.logger.Info().Str("job_id", pc.Job.ID).Msg("No batches matched, nothing to render")
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, pc *Context) error {
	if err := o.transition(ctx, pc, models.JobStatusNotifying); err != nil {
		return err
	}

	manifest := models.ManifestFromJob(pc.Job)
	manifest.Status = pc.status
	manifest.Error = errorText(pc.err)
	recipients := append([]string(nil), pc.Job.Recipients...)
	notifier := o.notifier
	logger := o.logger

	// Delivery is not awaited; the notifier owns its retries
	common.SafeGo(logger, "notify-"+pc.Job.ID, func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := notifier.Notify(nctx, recipients, manifest); err != nil {
			logger.Warn().Err(err).Str("job_id", manifest.JobID).Msg("Job notification not delivered")
		}
	})
	return nil
}

// persistManifest writes the terminal state and manifest, then emits the terminal event
func (o *Orchestrator) persistManifest(ctx context.Context, pc *Context) error {
	status := pc.status
	if status == "" {
		status = models.JobStatusCompleted
		pc.status = status
	}
	errs := pc.Errors()
	now := time.Now().UTC()

	job, err := o.store.Update(context.WithoutCancel(ctx), pc.Job.ID, func(job *models.Job) error {
		job.Status = status
		job.Error = errorText(pc.err)
		job.TransientFailure = status == models.JobStatusFailed && pc.transient
		job.CompletedAt = &now
		job.NextRunAt = nil
		// Errors already appended during the run are kept; add the rest
		for _, e := range errs {
			if !containsError(job.Errors, e) {
				job.Errors = append(job.Errors, e)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	pc.Job = job

	if o.events != nil {
		o.events.Publish(ctx, models.ProgressEvent{
			Event:     models.EventTerminal,
			JobID:     job.ID,
			Status:    string(job.Status),
			Message:   job.Error,
			Artifacts: append([]models.RenderOutput(nil), job.Artifacts...),
			Timestamp: now,
		})
	}
	return nil
}

// transition moves the job forward; a job cancelled meanwhile stops here
func (o *Orchestrator) transition(ctx context.Context, pc *Context, status models.JobStatus) error {
	if pc.Cancelled() {
		pc.markCancelled()
		return models.ErrCancelled
	}
	job, err := o.store.Update(ctx, pc.Job.ID, func(job *models.Job) error {
		if !models.CanTransition(job.Status, status) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, job.Status, status)
		}
		job.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	pc.Job.Status = job.Status
	return nil
}

func (o *Orchestrator) publishStage(ctx context.Context, pc *Context, stage, status, message string) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, models.ProgressEvent{
		Event:     models.EventStage,
		JobID:     pc.Job.ID,
		Stage:     stage,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) publishError(ctx context.Context, pc *Context, entry models.JobErrorEntry) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, models.ProgressEvent{
		Event:     models.EventStage,
		JobID:     pc.Job.ID,
		Stage:     entry.Step,
		Status:    "failed",
		BatchID:   entry.BatchID,
		Detail:    models.DetailError,
		Format:    entry.Format,
		ErrorKind: entry.Kind,
		Message:   entry.Message,
		Timestamp: entry.Timestamp,
	})
}

func containsError(list []models.JobErrorEntry, e models.JobErrorEntry) bool {
	for _, x := range list {
		if x.Timestamp.Equal(e.Timestamp) && x.Message == e.Message && x.BatchID == e.BatchID && x.Step == e.Step {
			return true
		}
	}
	return false
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
