// Package scheduler owns the job lifecycle: submission, the queue handler that
// runs jobs on the worker pool, cancellation, retry and crash recovery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
	"github.com/ternarybob/neurareport/internal/services/discovery"
	"github.com/ternarybob/neurareport/internal/services/pipeline"
)

// Runner executes one job to an outcome
type Runner interface {
	Run(ctx context.Context, job *models.Job, cancelled func() bool) pipeline.Outcome
}

// Options configure the scheduler
type Options struct {
	OutputDir string
	Retry     RetryPolicy
}

// activeJob is a job currently executing on a worker
type activeJob struct {
	cancelled atomic.Bool
}

// Service implements interfaces.JobScheduler and the report job queue handler
type Service struct {
	store     interfaces.ManifestStorage
	queue     interfaces.QueueManager
	runner    Runner
	contracts interfaces.ContractProvider
	batches   pipeline.BatchSource
	events    interfaces.EventService
	validate  *validator.Validate
	opts      Options
	logger    arbor.ILogger

	mu     sync.Mutex // Guards active; held across the claim/cancel handshake
	active map[string]*activeJob

	statsMu sync.Mutex // Held only for counter updates
	stats   models.JobStats
}

// NewService creates the scheduler. events may be nil.
func NewService(
	store interfaces.ManifestStorage,
	queue interfaces.QueueManager,
	runner Runner,
	contracts interfaces.ContractProvider,
	batches pipeline.BatchSource,
	events interfaces.EventService,
	opts Options,
	logger arbor.ILogger,
) *Service {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = NewRetryPolicy(common.RetryConfig{})
	}
	return &Service{
		store:     store,
		queue:     queue,
		runner:    runner,
		contracts: contracts,
		batches:   batches,
		events:    events,
		validate:  validator.New(),
		opts:      opts,
		logger:    logger,
		active:    make(map[string]*activeJob),
	}
}

// Submit validates the request, records a QUEUED job and enqueues it. All work
// happens asynchronously; only the job id is returned.
func (s *Service) Submit(ctx context.Context, req models.JobRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	formats := make([]models.Format, 0, len(req.Formats))
	for _, f := range req.Formats {
		format, err := models.ParseFormat(f)
		if err != nil {
			return "", err
		}
		formats = append(formats, format)
	}
	if _, _, err := req.DateRange.Bounds(); err != nil {
		return "", err
	}

	job := &models.Job{
		ID:               common.NewJobID(),
		TemplateID:       req.TemplateID,
		ConnectionID:     req.ConnectionID,
		Formats:          models.OrderFormats(formats),
		DateRange:        req.DateRange,
		KeyFilters:       req.KeyFilters,
		ExplicitBatchIDs: req.BatchIDs,
		Recipients:       req.Recipients,
		Schedule:         req.Schedule,
		Status:           models.JobStatusQueued,
		Attempts:         1,
		CreatedAt:        time.Now().UTC(),
		Errors:           []models.JobErrorEntry{},
		Artifacts:        []models.RenderOutput{},
	}
	if err := s.store.Persist(ctx, job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, s.message(job)); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.count(func(st *models.JobStats) { st.Submitted++ })
	s.publish(ctx, job.ID, models.EventStage, string(models.JobStatusQueued), "")

	s.logger.Info().
		Str("job_id", job.ID).
		Str("template_id", job.TemplateID).
		Str("connection_id", job.ConnectionID).
		Strs("formats", req.Formats).
		Msg("Job submitted")
	return job.ID, nil
}

// Cancel requests cooperative cancellation. A job that is not executing is
// cancelled immediately; a running one stops at its next checkpoint.
func (s *Service) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrNotCancellable, jobID, job.Status)
	}

	if run, ok := s.active[jobID]; ok {
		run.cancelled.Store(true)
		job, err = s.store.Update(ctx, jobID, func(j *models.Job) error {
			j.CancelRequested = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info().Str("job_id", jobID).Msg("Cancellation requested for running job")
		return job, nil
	}

	now := time.Now().UTC()
	job, err = s.store.Update(ctx, jobID, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", models.ErrNotCancellable, jobID, j.Status)
		}
		j.Status = models.JobStatusCancelled
		j.CancelRequested = true
		j.CompletedAt = &now
		j.NextRunAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.count(func(st *models.JobStats) { st.Cancelled++ })
	s.publishTerminal(ctx, job)
	s.logger.Info().Str("job_id", jobID).Msg("Job cancelled before execution")
	return job, nil
}

// Retry re-queues a job that failed for a transient reason
func (s *Service) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.Update(ctx, jobID, func(j *models.Job) error {
		if j.Status != models.JobStatusFailed || !j.TransientFailure {
			return fmt.Errorf("%w: %s is %s", models.ErrNotRetryable, jobID, j.Status)
		}
		resetForRetry(j, 0)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, s.message(job)); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.count(func(st *models.JobStats) { st.Retried++ })
	s.publish(ctx, jobID, models.EventStage, string(models.JobStatusQueued), "manual retry")
	s.logger.Info().Str("job_id", jobID).Int("attempt", job.Attempts).Msg("Job retry requested")
	return job, nil
}

// Get returns one job
func (s *Service) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.Load(ctx, jobID)
}

// List returns jobs, optionally filtered by status
func (s *Service) List(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return s.store.List(ctx, status)
}

// Manifest returns the manifest document of a job
func (s *Service) Manifest(ctx context.Context, jobID string) (models.Manifest, error) {
	job, err := s.store.Load(ctx, jobID)
	if err != nil {
		return models.Manifest{}, err
	}
	return models.ManifestFromJob(job), nil
}

// Preview runs discovery for a request without creating a job
func (s *Service) Preview(ctx context.Context, req models.JobRequest) ([]models.Batch, error) {
	if err := s.validate.StructPartial(req, "TemplateID", "ConnectionID"); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	contract, err := s.contracts.Get(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	batches, err := s.batches.Discover(ctx, contract, req.ConnectionID, req.DateRange, req.KeyFilters)
	if err != nil {
		return nil, err
	}
	if len(req.BatchIDs) > 0 {
		return discovery.Restrict(batches, req.BatchIDs)
	}
	return batches, nil
}

// Stats returns a snapshot of the job counters
func (s *Service) Stats() models.JobStats {
	s.mu.Lock()
	running := len(s.active)
	s.mu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	stats := s.stats
	stats.Running = running
	return stats
}

func (s *Service) count(fn func(st *models.JobStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

func (s *Service) message(job *models.Job) models.QueueMessage {
	return models.QueueMessage{JobID: job.ID, Type: models.MessageTypeReportJob, Attempt: job.Attempts}
}

// resetForRetry moves a FAILED job back to QUEUED with the next attempt number
func resetForRetry(j *models.Job, delay time.Duration) {
	j.Status = models.JobStatusQueued
	j.Attempts++
	j.TransientFailure = false
	j.CancelRequested = false
	j.CompletedAt = nil
	j.NextRunAt = nil
	if delay > 0 {
		next := time.Now().UTC().Add(delay)
		j.NextRunAt = &next
	}
}

func (s *Service) publish(ctx context.Context, jobID string, event models.EventType, status, message string) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, models.ProgressEvent{
		Event:     event,
		JobID:     jobID,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publishTerminal(ctx context.Context, job *models.Job) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, models.ProgressEvent{
		Event:     models.EventTerminal,
		JobID:     job.ID,
		Status:    string(job.Status),
		Message:   job.Error,
		Artifacts: append([]models.RenderOutput(nil), job.Artifacts...),
		Timestamp: time.Now().UTC(),
	})
}

// isNotFound reports a missing job record
func isNotFound(err error) bool {
	return errors.Is(err, models.ErrJobNotFound)
}
