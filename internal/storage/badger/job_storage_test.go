package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
)

func newTestStorage(t *testing.T) *JobStorage {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewJobStorage(db, t.TempDir(), logger)
}

func newJob(id string) *models.Job {
	return &models.Job{
		ID:           id,
		TemplateID:   "sales",
		ConnectionID: "warehouse",
		Formats:      []models.Format{models.FormatPDF},
		Status:       models.JobStatusQueued,
		CreatedAt:    time.Now(),
	}
}

func TestJobStorage_PersistAndLoad(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, newJob("job-1")))

	job, err := s.Load(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestJobStorage_AppendArtifactReplacesSamePair(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, newJob("job-1")))

	require.NoError(t, s.AppendArtifact(ctx, "job-1", models.RenderOutput{BatchID: "b1", Format: models.FormatPDF, ContentHash: "old"}))
	require.NoError(t, s.AppendArtifact(ctx, "job-1", models.RenderOutput{BatchID: "b1", Format: models.FormatHTML, ContentHash: "html"}))
	require.NoError(t, s.AppendArtifact(ctx, "job-1", models.RenderOutput{BatchID: "b1", Format: models.FormatPDF, ContentHash: "new"}))

	job, err := s.Load(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, job.Artifacts, 2)
	pdf, ok := job.ArtifactFor("b1", models.FormatPDF)
	require.True(t, ok)
	assert.Equal(t, "new", pdf.ContentHash)
}

func TestJobStorage_RemoveArtifactsOnlyForBatch(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, newJob("job-1")))
	require.NoError(t, s.AppendArtifact(ctx, "job-1", models.RenderOutput{BatchID: "b1", Format: models.FormatPDF}))
	require.NoError(t, s.AppendArtifact(ctx, "job-1", models.RenderOutput{BatchID: "b2", Format: models.FormatPDF}))

	removed, err := s.RemoveArtifacts(ctx, "job-1", "b2")
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	job, err := s.Load(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, job.Artifacts, 1)
	assert.Equal(t, "b1", job.Artifacts[0].BatchID)
}

func TestJobStorage_ConcurrentAppendsAreSerialized(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, newJob("job-1")))
	require.NoError(t, s.Persist(ctx, newJob("job-2")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID := "job-1"
			if i%2 == 1 {
				jobID = "job-2"
			}
			assert.NoError(t, s.AppendArtifact(ctx, jobID, models.RenderOutput{BatchID: fmt.Sprintf("b%d", i), Format: models.FormatHTML}))
		}(i)
	}
	wg.Wait()

	for _, id := range []string{"job-1", "job-2"} {
		job, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.Len(t, job.Artifacts, 10, "no lost updates for %s", id)
	}
}

func TestJobStorage_ManifestFileMirrorsRecord(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, newJob("job-1")))
	require.NoError(t, s.AppendArtifact(ctx, "job-1", models.RenderOutput{BatchID: "b1", Format: models.FormatPDF, Path: "/out/b1.pdf", SizeBytes: 42}))
	require.NoError(t, s.AppendError(ctx, "job-1", models.JobErrorEntry{BatchID: "b2", Kind: models.ErrorKindPartial, Message: "renderer timeout"}))

	data, err := os.ReadFile(s.ManifestPath("job-1"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "job-1", doc["jobId"])
	assert.Equal(t, "QUEUED", doc["status"])

	artifacts := doc["artifacts"].([]any)
	require.Len(t, artifacts, 1)
	artifact := artifacts[0].(map[string]any)
	for _, field := range []string{"format", "path", "contentHash", "sizeBytes", "producedAt", "batchId"} {
		assert.Contains(t, artifact, field)
	}
	assert.Len(t, doc["errors"].([]any), 1)
}

func TestJobStorage_ListByStatus(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	queued := newJob("a")
	failed := newJob("b")
	failed.Status = models.JobStatusFailed
	require.NoError(t, s.Persist(ctx, queued))
	require.NoError(t, s.Persist(ctx, failed))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyFailed, err := s.List(ctx, models.JobStatusFailed)
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, "b", onlyFailed[0].ID)
}
