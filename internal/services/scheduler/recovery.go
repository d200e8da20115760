package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/neurareport/internal/models"
	"github.com/ternarybob/neurareport/internal/services/pipeline"
	"github.com/ternarybob/neurareport/internal/storage/badger"
)

// RecoverInterrupted is run once at startup before the worker pool starts.
// Claimed messages are made visible again, every non-terminal job has its
// artifact list reconciled with the disk, and jobs without a queued message
// are re-enqueued. Returns the number of jobs re-enqueued.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	released, err := s.queue.ReleaseAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to release claimed messages: %w", err)
	}
	queued, err := s.queue.JobIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	jobs, err := s.store.List(ctx, "")
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}

		reconciled, err := s.reconcile(ctx, job.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to reconcile interrupted job")
			continue
		}
		if queued[job.ID] {
			continue
		}

		var delay time.Duration
		if reconciled.NextRunAt != nil {
			delay = time.Until(*reconciled.NextRunAt)
		}
		if delay > 0 {
			err = s.queue.EnqueueWithDelay(ctx, s.message(reconciled), delay)
		} else {
			err = s.queue.Enqueue(ctx, s.message(reconciled))
		}
		if err != nil {
			return requeued, fmt.Errorf("failed to re-enqueue job %s: %w", job.ID, err)
		}
		requeued++
	}

	s.logger.Info().
		Int("released", released).
		Int("requeued", requeued).
		Msg("Interrupted jobs recovered")
	return requeued, nil
}

// reconcile makes a job's artifact list match the files on disk. Entries whose
// file is missing or changed are dropped; files in the job directory that no
// entry references are deleted.
func (s *Service) reconcile(ctx context.Context, jobID string) (*models.Job, error) {
	var dropped []models.RenderOutput
	job, err := s.store.Update(ctx, jobID, func(j *models.Job) error {
		kept := j.Artifacts[:0]
		for _, artifact := range j.Artifacts {
			if pipeline.VerifyArtifact(artifact) {
				kept = append(kept, artifact)
				continue
			}
			dropped = append(dropped, artifact)
		}
		j.Artifacts = kept
		j.Status = models.JobStatusQueued
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, artifact := range dropped {
		_ = os.Remove(artifact.Path)
		s.logger.Warn().
			Str("job_id", jobID).
			Str("batch_id", artifact.BatchID).
			Str("format", string(artifact.Format)).
			Msg("Dropped artifact that does not match the disk")
	}

	referenced := make(map[string]bool, len(job.Artifacts))
	for _, artifact := range job.Artifacts {
		referenced[filepath.Clean(artifact.Path)] = true
	}

	dir := filepath.Join(s.opts.OutputDir, jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return job, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == badger.ManifestFileName {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if referenced[filepath.Clean(path)] {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to delete orphaned file")
			continue
		}
		s.logger.Info().Str("job_id", jobID).Str("file", entry.Name()).Msg("Deleted orphaned output file")
	}
	return job, nil
}
