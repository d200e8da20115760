package schedules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []models.JobRequest
	err  error
}

func (r *recordingSubmitter) Submit(_ context.Context, req models.JobRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.reqs = append(r.reqs, req)
	return "job-" + req.Schedule, nil
}

func nightly() common.ScheduleConfig {
	return common.ScheduleConfig{
		Name:         "west-weekly",
		Cron:         "0 6 * * 1",
		TemplateID:   "sales",
		ConnectionID: "warehouse",
		Formats:      []string{"pdf", "xlsx"},
		LookbackDays: 7,
		KeyFilters:   map[string]string{"region": "west"},
		Recipients:   []string{"ops@example.com"},
	}
}

func TestTrigger_BuildsLookbackRequest(t *testing.T) {
	sub := &recordingSubmitter{}
	s := NewService(sub, arbor.NewLogger())
	s.now = func() time.Time { return time.Date(2024, 2, 5, 6, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Register(nightly()))

	jobID, err := s.Trigger(context.Background(), "west-weekly")
	require.NoError(t, err)
	assert.Equal(t, "job-west-weekly", jobID)

	require.Len(t, sub.reqs, 1)
	req := sub.reqs[0]
	assert.Equal(t, models.DateRange{Start: "2024-01-29", End: "2024-02-04"}, req.DateRange)
	assert.Equal(t, "west", req.KeyFilters["region"])
	assert.Equal(t, []string{"pdf", "xlsx"}, req.Formats)
	assert.Equal(t, "west-weekly", req.Schedule)

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "job-west-weekly", statuses[0].LastJobID)
	assert.NotNil(t, statuses[0].LastRun)
}

func TestTrigger_RecordsFailure(t *testing.T) {
	sub := &recordingSubmitter{err: errors.New("queue closed")}
	s := NewService(sub, arbor.NewLogger())
	require.NoError(t, s.Register(nightly()))

	_, err := s.Trigger(context.Background(), "west-weekly")
	require.Error(t, err)
	assert.Equal(t, "queue closed", s.Statuses()[0].LastError)

	_, err = s.Trigger(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRegister_Rejects(t *testing.T) {
	s := NewService(&recordingSubmitter{}, arbor.NewLogger())
	require.NoError(t, s.Register(nightly()))
	assert.Error(t, s.Register(nightly()), "duplicate name")

	bad := nightly()
	bad.Name = "bad"
	bad.Cron = "every monday"
	assert.Error(t, s.Register(bad))
}

func TestLookback(t *testing.T) {
	now := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, models.DateRange{Start: "2024-02-29", End: "2024-02-29"}, lookback(now, 1))
	assert.Equal(t, models.DateRange{}, lookback(now, 0))
}

func TestStartStop_ReportsNextRun(t *testing.T) {
	s := NewService(&recordingSubmitter{}, arbor.NewLogger())
	require.NoError(t, s.Register(nightly()))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		st := s.Statuses()
		return len(st) == 1 && st[0].NextRun != nil
	}, time.Second, 10*time.Millisecond)
}
