package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/neurareport/internal/models"
)

// MessageType routes report job messages to this service
func (s *Service) MessageType() string {
	return models.MessageTypeReportJob
}

// Handle runs one delivered job on the calling worker. Stale and duplicate
// deliveries are dropped; a transient failure is re-enqueued with backoff.
func (s *Service) Handle(ctx context.Context, msg models.QueueMessage) error {
	job, run, err := s.claim(ctx, msg)
	if err != nil {
		if isNotFound(err) {
			s.logger.Warn().Str("job_id", msg.JobID).Msg("Queued job no longer exists, dropping message")
			return nil
		}
		return err
	}
	if run == nil {
		if job != nil {
			return s.scheduleRetry(ctx, job, fmt.Errorf("retry of attempt %d was not scheduled: %s", job.Attempts, job.Error))
		}
		return nil
	}
	defer s.release(job.ID)

	now := time.Now().UTC()
	job, err = s.store.Update(ctx, job.ID, func(j *models.Job) error {
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.NextRunAt = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark job started: %w", err)
	}

	outcome := s.runner.Run(ctx, job, run.cancelled.Load)

	if outcome.Interrupted {
		s.logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Msg("Job interrupted by shutdown, will resume on restart")
		return nil
	}

	switch outcome.Status {
	case models.JobStatusCompleted:
		s.count(func(st *models.JobStats) { st.Completed++ })
	case models.JobStatusCompletedWithErrors:
		s.count(func(st *models.JobStats) { st.Partial++ })
	case models.JobStatusCancelled:
		s.count(func(st *models.JobStats) { st.Cancelled++ })
	case models.JobStatusFailed:
		if outcome.Transient && !run.cancelled.Load() && s.opts.Retry.CanRetry(job.Attempts) {
			return s.scheduleRetry(ctx, job, outcome.Err)
		}
		s.count(func(st *models.JobStats) { st.Failed++ })
	}
	return nil
}

// claim loads the job and registers it as active. A nil activeJob means the
// message should be dropped, unless a job is returned whose automatic retry
// still has to be scheduled.
func (s *Service) claim(ctx context.Context, msg models.QueueMessage) (*models.Job, *activeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.active[msg.JobID]; running {
		s.logger.Debug().Str("job_id", msg.JobID).Msg("Duplicate delivery for running job, dropping")
		return nil, nil, nil
	}

	job, err := s.store.Load(ctx, msg.JobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status.IsTerminal() {
		if s.retryPending(job, msg) {
			s.logger.Warn().
				Str("job_id", job.ID).
				Int("attempt", job.Attempts).
				Msg("Redelivered message for transient failure without a scheduled retry")
			return job, nil, nil
		}
		s.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Job already terminal, dropping message")
		return nil, nil, nil
	}
	if msg.Attempt != 0 && msg.Attempt != job.Attempts {
		s.logger.Debug().
			Str("job_id", job.ID).
			Int("message_attempt", msg.Attempt).
			Int("job_attempt", job.Attempts).
			Msg("Stale delivery for earlier attempt, dropping")
		return nil, nil, nil
	}

	// A non-QUEUED, non-terminal job was interrupted mid-run; it restarts from QUEUED
	if job.Status != models.JobStatusQueued {
		if job, err = s.store.Update(ctx, job.ID, func(j *models.Job) error {
			j.Status = models.JobStatusQueued
			return nil
		}); err != nil {
			return nil, nil, err
		}
	}

	run := &activeJob{}
	run.cancelled.Store(job.CancelRequested)
	s.active[job.ID] = run
	return job, run, nil
}

// retryPending reports whether msg is the redelivered message of a transiently
// failed attempt whose retry was never enqueued. A scheduled retry bumps the
// attempt, so later copies of the message fall through as stale.
func (s *Service) retryPending(job *models.Job, msg models.QueueMessage) bool {
	return job.Status == models.JobStatusFailed &&
		job.TransientFailure &&
		!job.CancelRequested &&
		msg.Attempt == job.Attempts &&
		s.opts.Retry.CanRetry(job.Attempts)
}

func (s *Service) release(jobID string) {
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()
}

// scheduleRetry moves a transiently failed job back to QUEUED and enqueues it
// after the backoff delay for the attempt that just failed. The message goes
// out first: if the job update then fails, the job stays FAILED, the message
// for the next attempt is dropped as stale and the current message is
// redelivered to try again.
func (s *Service) scheduleRetry(ctx context.Context, job *models.Job, cause error) error {
	delay := s.opts.Retry.Delay(job.Attempts)
	ctx = context.WithoutCancel(ctx)

	next := s.message(job)
	next.Attempt = job.Attempts + 1
	if err := s.queue.EnqueueWithDelay(ctx, next, delay); err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}

	updated, err := s.store.Update(ctx, job.ID, func(j *models.Job) error {
		if j.Status != models.JobStatusFailed || j.Attempts != job.Attempts {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, j.Status, models.JobStatusQueued)
		}
		resetForRetry(j, delay)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	s.count(func(st *models.JobStats) { st.Retried++ })
	s.publish(ctx, job.ID, models.EventStage, string(models.JobStatusQueued), "retry scheduled after "+delay.String())

	s.logger.Warn().
		Err(cause).
		Str("job_id", job.ID).
		Int("next_attempt", updated.Attempts).
		Int("max_attempts", s.opts.Retry.MaxAttempts).
		Dur("delay", delay).
		Msg("Transient job failure, retry scheduled")
	return nil
}
