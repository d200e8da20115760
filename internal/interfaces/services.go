package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/neurareport/internal/models"
)

// QueueManager is the durable job queue
type QueueManager interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) error
	EnqueueWithDelay(ctx context.Context, msg models.QueueMessage, delay time.Duration) error
	ReleaseAll(ctx context.Context) (int, error)
	JobIDs(ctx context.Context) (map[string]bool, error)
}

// EventService fans progress events out to per-job subscribers
type EventService interface {
	Publish(ctx context.Context, event models.ProgressEvent)
	Subscribe(jobID string) (<-chan models.ProgressEvent, func())
	Close() error
}

// JobScheduler is the control surface used by the HTTP layer, CLI and schedules
type JobScheduler interface {
	Submit(ctx context.Context, req models.JobRequest) (string, error)
	Cancel(ctx context.Context, jobID string) (*models.Job, error)
	Retry(ctx context.Context, jobID string) (*models.Job, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	Manifest(ctx context.Context, jobID string) (models.Manifest, error)
	Preview(ctx context.Context, req models.JobRequest) ([]models.Batch, error)
	Stats() models.JobStats
}
