package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/app"
	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/handlers"
	"github.com/ternarybob/neurareport/internal/models"
	"github.com/ternarybob/neurareport/internal/services/events"
	"github.com/ternarybob/neurareport/internal/services/schedules"
)

// stubScheduler records the last operation it served
type stubScheduler struct {
	last string
}

func (s *stubScheduler) Submit(context.Context, models.JobRequest) (string, error) {
	s.last = "submit"
	return "job-1", nil
}

func (s *stubScheduler) Cancel(_ context.Context, id string) (*models.Job, error) {
	s.last = "cancel " + id
	return &models.Job{ID: id, Status: models.JobStatusRendering, CancelRequested: true}, nil
}

func (s *stubScheduler) Retry(_ context.Context, id string) (*models.Job, error) {
	s.last = "retry " + id
	return &models.Job{ID: id, Status: models.JobStatusQueued}, nil
}

func (s *stubScheduler) Get(_ context.Context, id string) (*models.Job, error) {
	s.last = "get " + id
	if id != "job-1" {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return &models.Job{ID: id, Status: models.JobStatusRendering}, nil
}

func (s *stubScheduler) List(context.Context, models.JobStatus) ([]*models.Job, error) {
	s.last = "list"
	return nil, nil
}

func (s *stubScheduler) Manifest(_ context.Context, id string) (models.Manifest, error) {
	s.last = "manifest " + id
	return models.Manifest{JobID: id}, nil
}

func (s *stubScheduler) Preview(context.Context, models.JobRequest) ([]models.Batch, error) {
	s.last = "preview"
	return nil, nil
}

func (s *stubScheduler) Stats() models.JobStats {
	return models.JobStats{}
}

type stubSchedules struct {
	triggered string
}

func (s *stubSchedules) Statuses() []schedules.Status {
	return []schedules.Status{{Name: "daily", Cron: "0 6 * * *"}}
}

func (s *stubSchedules) Trigger(_ context.Context, name string) (string, error) {
	if name != "daily" {
		return "", fmt.Errorf("%w: %s", schedules.ErrScheduleNotFound, name)
	}
	s.triggered = name
	return "job-2", nil
}

func newTestServer(t *testing.T) (http.Handler, *stubScheduler, *stubSchedules) {
	t.Helper()
	logger := arbor.NewLogger()
	scheduler := &stubScheduler{}
	sched := &stubSchedules{}
	ev := events.NewService(logger)
	t.Cleanup(func() { ev.Close() })

	application := &app.App{
		Config:          common.NewDefaultConfig(),
		Logger:          logger,
		APIHandler:      handlers.NewAPIHandler(scheduler, logger),
		JobHandler:      handlers.NewJobHandler(scheduler, logger),
		ProgressHandler: handlers.NewProgressHandler(scheduler, ev, logger),
		ScheduleHandler: handlers.NewScheduleHandler(sched, logger),
	}
	return New(application).Handler(), scheduler, sched
}

func TestRoutes_Dispatch(t *testing.T) {
	tests := []struct {
		method string
		path   string
		body   string
		status int
		served string
	}{
		{"POST", "/api/jobs", `{"templateId":"sales","connectionId":"warehouse","formats":["pdf"]}`, http.StatusAccepted, "submit"},
		{"GET", "/api/jobs", "", http.StatusOK, "list"},
		{"GET", "/api/jobs/job-1", "", http.StatusOK, "get job-1"},
		{"GET", "/api/jobs/job-1/manifest", "", http.StatusOK, "manifest job-1"},
		{"POST", "/api/jobs/job-1/action", `{"action":"cancel"}`, http.StatusOK, "cancel job-1"},
		{"POST", "/api/jobs/job-1/action", `{"action":"retry"}`, http.StatusOK, "retry job-1"},
		{"POST", "/api/preview", `{"templateId":"sales","connectionId":"warehouse"}`, http.StatusOK, "preview"},
		{"GET", "/api/jobs/stats", "", http.StatusOK, ""},
		{"GET", "/api/health", "", http.StatusOK, ""},
		{"GET", "/api/version", "", http.StatusOK, ""},
		{"DELETE", "/api/jobs/job-1", "", http.StatusMethodNotAllowed, ""},
		{"GET", "/api/jobs/job-1/action", "", http.StatusMethodNotAllowed, ""},
		{"GET", "/api/jobs/job-1/artifacts", "", http.StatusNotFound, ""},
		{"GET", "/api/unknown", "", http.StatusNotFound, ""},
		{"OPTIONS", "/api/jobs", "", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			handler, scheduler, _ := newTestServer(t)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.served, scheduler.last)
		})
	}
}

func TestRoutes_Schedules(t *testing.T) {
	handler, _, sched := newTestServer(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/schedules", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"daily"`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/schedules/daily/trigger", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "daily", sched.triggered)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/schedules/weekly/trigger", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_StreamUnknownJob(t *testing.T) {
	handler, scheduler, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ws/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "get missing", scheduler.last)
}
