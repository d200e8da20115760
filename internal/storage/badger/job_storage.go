package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
)

// ManifestFileName is written into each job's output directory
const ManifestFileName = "manifest.json"

// JobStorage persists job records in Badger and mirrors each one to a manifest
// JSON file. One writer at a time per job id; other jobs are not blocked.
type JobStorage struct {
	db        *BadgerDB
	locks     *jobLocks
	outputDir string
	logger    arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, outputDir string, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:        db,
		locks:     newJobLocks(),
		outputDir: outputDir,
		logger:    logger,
	}
}

// Persist writes the whole job record
func (s *JobStorage) Persist(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	unlock := s.locks.Lock(job.ID)
	defer unlock()

	return s.save(job)
}

// Load returns a copy of the stored job
func (s *JobStorage) Load(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Update applies fn to the current record under the job's lock and saves the
// result. If fn returns an error nothing is written.
func (s *JobStorage) Update(ctx context.Context, jobID string, fn func(job *models.Job) error) (*models.Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	if err := s.save(job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// AppendArtifact records an artifact, replacing an earlier one for the same
// (batch, format) pair. The write is synced before it returns.
func (s *JobStorage) AppendArtifact(ctx context.Context, jobID string, output models.RenderOutput) error {
	_, err := s.Update(ctx, jobID, func(job *models.Job) error {
		job.PutArtifact(output)
		return nil
	})
	return err
}

// RemoveArtifacts drops every artifact of a batch from the record and returns them
func (s *JobStorage) RemoveArtifacts(ctx context.Context, jobID string, batchID string) ([]models.RenderOutput, error) {
	var removed []models.RenderOutput
	_, err := s.Update(ctx, jobID, func(job *models.Job) error {
		removed = job.DropArtifacts(batchID)
		return nil
	})
	return removed, err
}

// AppendError records a batch-level or job-level error
func (s *JobStorage) AppendError(ctx context.Context, jobID string, entry models.JobErrorEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.Update(ctx, jobID, func(job *models.Job) error {
		job.Errors = append(job.Errors, entry)
		return nil
	})
	return err
}

// List returns jobs, oldest first, optionally filtered by status
func (s *JobStorage) List(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")
	if status != "" {
		query = query.And("Status").Eq(status)
	}
	query = query.SortBy("CreatedAt")

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// ManifestPath is where the manifest file of a job lives
func (s *JobStorage) ManifestPath(jobID string) string {
	return filepath.Join(s.outputDir, jobID, ManifestFileName)
}

func (s *JobStorage) save(job *models.Job) error {
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	data, err := json.MarshalIndent(models.ManifestFromJob(job), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := common.WriteFileAtomic(s.ManifestPath(job.ID), data); err != nil {
		return fmt.Errorf("failed to write manifest file: %w", err)
	}
	return nil
}
