package interfaces

import (
	"context"

	"github.com/ternarybob/neurareport/internal/models"
)

// ManifestStorage is durable job and artifact bookkeeping. All mutations of one
// job are serialized; different jobs are written concurrently.
type ManifestStorage interface {
	Persist(ctx context.Context, job *models.Job) error
	Load(ctx context.Context, jobID string) (*models.Job, error)
	Update(ctx context.Context, jobID string, fn func(job *models.Job) error) (*models.Job, error)
	AppendArtifact(ctx context.Context, jobID string, output models.RenderOutput) error
	RemoveArtifacts(ctx context.Context, jobID string, batchID string) ([]models.RenderOutput, error)
	AppendError(ctx context.Context, jobID string, entry models.JobErrorEntry) error
	List(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	ManifestPath(jobID string) string
}
