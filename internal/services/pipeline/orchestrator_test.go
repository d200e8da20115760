package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
	"github.com/ternarybob/neurareport/internal/services/contracts"
	"github.com/ternarybob/neurareport/internal/services/datasource"
	"github.com/ternarybob/neurareport/internal/services/discovery"
	"github.com/ternarybob/neurareport/internal/services/events"
	"github.com/ternarybob/neurareport/internal/services/renderers"
	"github.com/ternarybob/neurareport/internal/storage/badger"
)

var january = models.DateRange{Start: "2024-01-01", End: "2024-01-31"}

// fakeRenderer writes the bound HTML as its output
type fakeRenderer struct {
	format   models.Format
	calls    atomic.Int32
	slowOn   string
	delay    time.Duration
	failOn   string
	err      error
	onRender func(n int32)
}

func (f *fakeRenderer) Format() models.Format { return f.format }

func (f *fakeRenderer) Render(ctx context.Context, boundHTML string, outputPath string) (models.RenderOutput, error) {
	if err := ctx.Err(); err != nil {
		return models.RenderOutput{}, err
	}
	n := f.calls.Add(1)
	if f.onRender != nil {
		f.onRender(n)
	}
	if f.delay > 0 && strings.Contains(boundHTML, f.slowOn) {
		time.Sleep(f.delay)
	}
	if f.failOn != "" && strings.Contains(boundHTML, f.failOn) {
		if f.err == nil {
			panic("renderer crashed on " + f.failOn)
		}
		return models.RenderOutput{}, f.err
	}
	if err := common.WriteFileAtomic(outputPath, []byte(boundHTML)); err != nil {
		return models.RenderOutput{}, err
	}
	hash, size, err := common.HashFile(outputPath)
	if err != nil {
		return models.RenderOutput{}, err
	}
	return models.RenderOutput{
		Format:      f.format,
		Path:        outputPath,
		ContentHash: hash,
		SizeBytes:   size,
		ProducedAt:  time.Now().UTC(),
	}, nil
}

type recordingNotifier struct {
	sent chan models.Manifest
}

func (n *recordingNotifier) Notify(_ context.Context, _ []string, manifest models.Manifest) error {
	n.sent <- manifest
	return nil
}

type fixture struct {
	store     *badger.JobStorage
	outputDir string
	events    *events.Service
	logger    arbor.ILogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	outputDir := t.TempDir()
	ev := events.NewService(logger)
	t.Cleanup(func() { ev.Close() })

	return &fixture{
		store:     badger.NewJobStorage(db, outputDir, logger),
		outputDir: outputDir,
		events:    ev,
		logger:    logger,
	}
}

func (f *fixture) orchestrator(t *testing.T, notifier interfaces.Notifier, opts Options, rs ...interfaces.FormatRenderer) *Orchestrator {
	t.Helper()
	driver, err := datasource.LoadMemoryDriver("../datasource/testdata/sales.json")
	require.NoError(t, err)
	router := datasource.NewRouter(map[string]datasource.Driver{"warehouse": driver}, 2, time.Second, f.logger)

	opts.OutputDir = f.outputDir
	return NewOrchestrator(
		contracts.NewFileProvider("../contracts/testdata", f.logger),
		discovery.NewEngine(router, f.logger),
		router,
		renderers.NewRegistryFrom(rs...),
		f.store,
		notifier,
		f.events,
		opts,
		f.logger,
	)
}

func (f *fixture) submit(t *testing.T, job *models.Job) *models.Job {
	t.Helper()
	if job.ID == "" {
		job.ID = common.NewJobID()
	}
	if job.TemplateID == "" {
		job.TemplateID = "sales"
	}
	if job.ConnectionID == "" {
		job.ConnectionID = "warehouse"
	}
	job.Status = models.JobStatusQueued
	job.Attempts = 1
	job.CreatedAt = time.Now().UTC()
	require.NoError(t, f.store.Persist(context.Background(), job))
	return job
}

func westBatch(store string) string {
	return models.NewBatchID([]string{"region", "store"}, map[string]string{"region": "west", "store": store})
}

func TestRun_WestRegionPDF(t *testing.T) {
	f := newFixture(t)
	pdf := renderers.NewGuarded(renderers.NewNativePDFRenderer(true, f.logger), 30*time.Second, nil, f.logger)
	o := f.orchestrator(t, nil, Options{BatchConcurrency: 2}, pdf)

	job := f.submit(t, &models.Job{
		Formats:    []models.Format{models.FormatPDF},
		DateRange:  january,
		KeyFilters: map[string]string{"region": "west"},
	})
	progress, unsubscribe := f.events.Subscribe(job.ID)
	defer unsubscribe()

	outcome := o.Run(context.Background(), job, nil)

	require.NoError(t, outcome.Err)
	assert.Equal(t, models.JobStatusCompleted, outcome.Status)
	require.Len(t, outcome.Job.Artifacts, 3)
	for _, artifact := range outcome.Job.Artifacts {
		data, err := os.ReadFile(artifact.Path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "%PDF"), artifact.Path)
		assert.True(t, VerifyArtifact(artifact))
	}
	assert.Empty(t, outcome.Job.Errors)
	assert.Equal(t, 3, outcome.Job.BatchCount)
	assert.NotNil(t, outcome.Job.CompletedAt)

	data, err := os.ReadFile(f.store.ManifestPath(job.ID))
	require.NoError(t, err)
	var manifest models.Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, models.JobStatusCompleted, manifest.Status)
	assert.Len(t, manifest.Artifacts, 3)

	var terminal *models.ProgressEvent
	for terminal == nil {
		select {
		case e := <-progress:
			if e.Event == models.EventTerminal {
				terminal = &e
			}
		case <-time.After(time.Second):
			t.Fatal("no terminal event")
		}
	}
	assert.Equal(t, string(models.JobStatusCompleted), terminal.Status)
	assert.Len(t, terminal.Artifacts, 3)
}

func TestRun_OneBatchTimesOut(t *testing.T) {
	f := newFixture(t)
	slow := &fakeRenderer{format: models.FormatPDF, slowOn: "Store 1 (west)", delay: 500 * time.Millisecond}
	o := f.orchestrator(t, nil, Options{BatchConcurrency: 1},
		renderers.NewGuarded(slow, 100*time.Millisecond, nil, f.logger))

	job := f.submit(t, &models.Job{Formats: []models.Format{models.FormatPDF}, DateRange: january})
	outcome := o.Run(context.Background(), job, nil)

	assert.Equal(t, models.JobStatusCompletedWithErrors, outcome.Status)
	assert.Equal(t, 5, outcome.Job.BatchCount)
	require.Len(t, outcome.Job.Artifacts, 4)
	for _, artifact := range outcome.Job.Artifacts {
		assert.NotEqual(t, westBatch("1"), artifact.BatchID)
	}

	require.Len(t, outcome.Job.Errors, 1)
	entry := outcome.Job.Errors[0]
	assert.Equal(t, westBatch("1"), entry.BatchID)
	assert.Equal(t, models.ErrorKindPartial, entry.Kind)
	assert.Equal(t, models.FormatPDF, entry.Format)
	assert.Equal(t, 1, entry.Attempt)
	assert.Contains(t, entry.Message, "timeout")

	// The late render is discarded once it finishes
	time.Sleep(600 * time.Millisecond)
	path, err := renderers.OutputPath(f.outputDir, job.ID, westBatch("1"), models.FormatPDF)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestRun_BatchProgressIsReportedAsStageEvents(t *testing.T) {
	f := newFixture(t)
	broken := &fakeRenderer{format: models.FormatHTML, failOn: "Store 1 (west)", err: errors.New("template rejected")}
	o := f.orchestrator(t, nil, Options{BatchConcurrency: 1}, broken)

	job := f.submit(t, &models.Job{
		Formats:    []models.Format{models.FormatHTML},
		DateRange:  january,
		KeyFilters: map[string]string{"region": "west"},
	})
	progress, unsubscribe := f.events.Subscribe(job.ID)
	defer unsubscribe()

	outcome := o.Run(context.Background(), job, nil)
	require.Equal(t, models.JobStatusCompletedWithErrors, outcome.Status)

	var got []models.ProgressEvent
	for len(got) == 0 || got[len(got)-1].Event != models.EventTerminal {
		select {
		case e := <-progress:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatal("no terminal event")
		}
	}

	details := map[string]int{}
	for _, e := range got[:len(got)-1] {
		require.Equal(t, models.EventStage, e.Event, "only the last event is terminal")
		assert.NotEmpty(t, e.Stage)
		if e.Detail == "" {
			continue
		}
		details[e.Detail]++
		assert.NotEmpty(t, e.BatchID, e.Detail)
		if e.Detail == models.DetailError {
			assert.Equal(t, westBatch("1"), e.BatchID)
			assert.Equal(t, "failed", e.Status)
			assert.Equal(t, models.ErrorKindPartial, e.ErrorKind)
			assert.Contains(t, e.Message, "template rejected")
		}
	}
	assert.Equal(t, 2, details[models.DetailArtifact])
	assert.Equal(t, 3, details[models.DetailBatch])
	assert.Equal(t, 1, details[models.DetailError])
}

func TestRun_EveryBatchFailing(t *testing.T) {
	f := newFixture(t)
	broken := &fakeRenderer{format: models.FormatHTML, failOn: "<html", err: errors.New("template rejected")}
	o := f.orchestrator(t, nil, Options{BatchConcurrency: 3}, broken)

	job := f.submit(t, &models.Job{
		Formats:    []models.Format{models.FormatHTML},
		DateRange:  january,
		KeyFilters: map[string]string{"region": "west"},
	})
	outcome := o.Run(context.Background(), job, nil)

	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.False(t, outcome.Transient)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "all 3 batches failed")
	assert.Empty(t, outcome.Job.Artifacts)
	assert.Len(t, outcome.Job.Errors, 3)
	assert.False(t, outcome.Job.TransientFailure)
}

func TestRun_PanickingBatchFailsAlone(t *testing.T) {
	f := newFixture(t)
	crashing := &fakeRenderer{format: models.FormatHTML, failOn: "Store 2 (west)"}
	o := f.orchestrator(t, nil, Options{BatchConcurrency: 2}, crashing)

	job := f.submit(t, &models.Job{
		Formats:    []models.Format{models.FormatHTML},
		DateRange:  january,
		KeyFilters: map[string]string{"region": "west"},
	})
	outcome := o.Run(context.Background(), job, nil)

	assert.Equal(t, models.JobStatusCompletedWithErrors, outcome.Status)
	assert.Len(t, outcome.Job.Artifacts, 2)
	require.Len(t, outcome.Job.Errors, 1)
	assert.Equal(t, westBatch("2"), outcome.Job.Errors[0].BatchID)
	assert.Contains(t, outcome.Job.Errors[0].Message, "panicked")
}

func TestRun_CancelAtBatchBoundary(t *testing.T) {
	f := newFixture(t)
	html := &fakeRenderer{format: models.FormatHTML}
	o := f.orchestrator(t, nil, Options{BatchConcurrency: 1}, html)

	job := f.submit(t, &models.Job{Formats: []models.Format{models.FormatHTML}, DateRange: january})
	outcome := o.Run(context.Background(), job, func() bool { return html.calls.Load() >= 2 })

	assert.Equal(t, models.JobStatusCancelled, outcome.Status)
	assert.NoError(t, outcome.Err)
	assert.Len(t, outcome.Job.Artifacts, 2, "completed batches are retained")
	for _, artifact := range outcome.Job.Artifacts {
		assert.FileExists(t, artifact.Path)
	}
	assert.Empty(t, outcome.Job.Errors)
}

func TestRun_CancelRollsBackBatchInFlight(t *testing.T) {
	f := newFixture(t)
	html := &fakeRenderer{format: models.FormatHTML}
	docx := &fakeRenderer{format: models.FormatDOCX}
	o := f.orchestrator(t, nil, Options{BatchConcurrency: 1}, html, docx)

	job := f.submit(t, &models.Job{
		Formats:   []models.Format{models.FormatDOCX, models.FormatHTML},
		DateRange: january,
	})
	// Second batch has written html but not docx when the cancel lands
	outcome := o.Run(context.Background(), job, func() bool { return html.calls.Load() >= 2 })

	assert.Equal(t, models.JobStatusCancelled, outcome.Status)
	require.Len(t, outcome.Job.Artifacts, 2)
	batchID := outcome.Job.Artifacts[0].BatchID
	for _, artifact := range outcome.Job.Artifacts {
		assert.Equal(t, batchID, artifact.BatchID)
	}

	entries, err := os.ReadDir(filepath.Join(f.outputDir, job.ID))
	require.NoError(t, err)
	var files []string
	for _, e := range entries {
		if e.Name() != badger.ManifestFileName {
			files = append(files, e.Name())
		}
	}
	assert.ElementsMatch(t, []string{batchID + ".html", batchID + ".docx"}, files)
}

func TestRun_OneArtifactPerBatchAndFormat(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, nil, Options{BatchConcurrency: 4},
		&fakeRenderer{format: models.FormatHTML},
		&fakeRenderer{format: models.FormatXLSX},
	)

	job := f.submit(t, &models.Job{
		Formats:   []models.Format{models.FormatXLSX, models.FormatHTML, models.FormatHTML},
		DateRange: january,
	})
	outcome := o.Run(context.Background(), job, nil)

	require.Equal(t, models.JobStatusCompleted, outcome.Status)
	require.Len(t, outcome.Job.Artifacts, 10)
	seen := make(map[string]bool)
	for _, artifact := range outcome.Job.Artifacts {
		key := artifact.BatchID + "/" + string(artifact.Format)
		assert.False(t, seen[key], "duplicate artifact %s", key)
		seen[key] = true
	}
}

func TestRun_ResumesAfterShutdown(t *testing.T) {
	f := newFixture(t)
	ctx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	first := &fakeRenderer{format: models.FormatHTML, onRender: func(n int32) {
		if n == 2 {
			shutdown()
		}
	}}
	job := f.submit(t, &models.Job{Formats: []models.Format{models.FormatHTML}, DateRange: january})

	outcome := f.orchestrator(t, nil, Options{BatchConcurrency: 1}, first).Run(ctx, job, nil)
	require.True(t, outcome.Interrupted)

	stored, err := f.store.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, stored.Status.IsTerminal())
	require.Len(t, stored.Artifacts, 2)
	assert.Empty(t, stored.Errors, "shutdown is not a batch failure")

	// Startup recovery requeues the job
	resumed, err := f.store.Update(context.Background(), job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusQueued
		return nil
	})
	require.NoError(t, err)

	second := &fakeRenderer{format: models.FormatHTML}
	outcome = f.orchestrator(t, nil, Options{BatchConcurrency: 1}, second).Run(context.Background(), resumed, nil)

	assert.Equal(t, models.JobStatusCompleted, outcome.Status)
	assert.Equal(t, int32(3), second.calls.Load(), "verified artifacts are not rendered again")
	assert.Len(t, outcome.Job.Artifacts, 5)
}

func TestRun_EmptyDiscoveryCompletes(t *testing.T) {
	f := newFixture(t)
	html := &fakeRenderer{format: models.FormatHTML}
	o := f.orchestrator(t, nil, Options{}, html)

	job := f.submit(t, &models.Job{
		Formats:   []models.Format{models.FormatHTML},
		DateRange: models.DateRange{Start: "2030-01-01", End: "2030-01-31"},
	})
	outcome := o.Run(context.Background(), job, nil)

	assert.Equal(t, models.JobStatusCompleted, outcome.Status)
	assert.Empty(t, outcome.Job.Artifacts)
	assert.Zero(t, outcome.Job.BatchCount)
	assert.Zero(t, html.calls.Load())
}

func TestRun_FatalErrors(t *testing.T) {
	tests := []struct {
		name string
		job  models.Job
		want error
	}{
		{"unknown template", models.Job{TemplateID: "nope"}, models.ErrContractNotFound},
		{"unknown connection", models.Job{ConnectionID: "archive"}, models.ErrUnknownConnection},
		{"bad range", models.Job{DateRange: models.DateRange{Start: "2024-02-01", End: "2024-01-01"}}, models.ErrInvalidDateRange},
		{"unknown batch", models.Job{ExplicitBatchIDs: []string{"feedface"}}, models.ErrUnknownBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.orchestrator(t, nil, Options{}, &fakeRenderer{format: models.FormatHTML})

			job := tt.job
			job.Formats = []models.Format{models.FormatHTML}
			outcome := o.Run(context.Background(), f.submit(t, &job), nil)

			assert.Equal(t, models.JobStatusFailed, outcome.Status)
			assert.ErrorIs(t, outcome.Err, tt.want)
			assert.False(t, outcome.Transient)
			require.NotEmpty(t, outcome.Job.Errors)
			assert.Equal(t, models.ErrorKindFatal, outcome.Job.Errors[0].Kind)
		})
	}
}

func TestRun_InjectedFailure(t *testing.T) {
	for _, step := range []string{StepValidate, StepDiscover, StepRenderBatches} {
		t.Run(step, func(t *testing.T) {
			f := newFixture(t)
			html := &fakeRenderer{format: models.FormatHTML}
			o := f.orchestrator(t, nil, Options{FailAtStep: step}, html)

			job := f.submit(t, &models.Job{Formats: []models.Format{models.FormatHTML}, DateRange: january})
			outcome := o.Run(context.Background(), job, nil)

			assert.Equal(t, models.JobStatusFailed, outcome.Status)
			assert.ErrorIs(t, outcome.Err, models.ErrInjectedFailure)
			assert.Zero(t, html.calls.Load())

			stored, err := f.store.Load(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusFailed, stored.Status, "manifest is persisted after a failure")
			assert.Equal(t, step, stored.Errors[0].Step)
		})
	}
}

func TestRun_FailFastStopsAfterFirstFailure(t *testing.T) {
	f := newFixture(t)
	html := &fakeRenderer{format: models.FormatHTML, failOn: "(east)", err: fmt.Errorf("boom")}
	o := f.orchestrator(t, nil, Options{BatchConcurrency: 1, FailFast: true}, html)

	job := f.submit(t, &models.Job{Formats: []models.Format{models.FormatHTML}, DateRange: january})
	outcome := o.Run(context.Background(), job, nil)

	assert.Equal(t, models.JobStatusFailed, outcome.Status)
	assert.Empty(t, outcome.Job.Artifacts)
	assert.LessOrEqual(t, html.calls.Load(), int32(2))
}

func TestRun_NotifiesRecipients(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{sent: make(chan models.Manifest, 1)}
	o := f.orchestrator(t, notifier, Options{}, &fakeRenderer{format: models.FormatHTML})

	job := f.submit(t, &models.Job{
		Formats:    []models.Format{models.FormatHTML},
		DateRange:  january,
		KeyFilters: map[string]string{"region": "east"},
		Recipients: []string{"ops@example.com"},
	})
	outcome := o.Run(context.Background(), job, nil)
	require.Equal(t, models.JobStatusCompleted, outcome.Status)

	select {
	case manifest := <-notifier.sent:
		assert.Equal(t, job.ID, manifest.JobID)
		assert.Equal(t, models.JobStatusCompleted, manifest.Status)
		assert.Len(t, manifest.Artifacts, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not sent")
	}
}

func TestRun_CancelledJobIsNotNotified(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{sent: make(chan models.Manifest, 1)}
	o := f.orchestrator(t, notifier, Options{}, &fakeRenderer{format: models.FormatHTML})

	job := f.submit(t, &models.Job{
		Formats:    []models.Format{models.FormatHTML},
		DateRange:  january,
		Recipients: []string{"ops@example.com"},
	})
	outcome := o.Run(context.Background(), job, func() bool { return true })
	require.Equal(t, models.JobStatusCancelled, outcome.Status)

	select {
	case <-notifier.sent:
		t.Fatal("cancelled job was notified")
	case <-time.After(100 * time.Millisecond):
	}
}
