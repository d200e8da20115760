// Package schedules submits report jobs on cron expressions.
package schedules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
)

// ErrScheduleNotFound is returned for an unregistered schedule name
var ErrScheduleNotFound = errors.New("schedule not found")

// Submitter accepts job requests
type Submitter interface {
	Submit(ctx context.Context, req models.JobRequest) (string, error)
}

// Status is a snapshot of one schedule
type Status struct {
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	LastJobID string     `json:"lastJobId,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
}

type entry struct {
	cfg       common.ScheduleConfig
	cronID    cron.EntryID
	lastRun   *time.Time
	lastJobID string
	lastError string
}

// Service owns the cron runner. Each tick submits one job whose date range is
// the LookbackDays full days before the tick (today excluded).
type Service struct {
	submitter Submitter
	cron      *cron.Cron
	logger    arbor.ILogger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	running bool
}

func NewService(submitter Submitter, logger arbor.ILogger) *Service {
	return &Service{
		submitter: submitter,
		cron:      cron.New(),
		logger:    logger,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

// Register adds a schedule; the cron runner picks it up immediately if running
func (s *Service) Register(cfg common.ScheduleConfig) error {
	if err := common.ValidateSchedule(cfg.Cron); err != nil {
		return fmt.Errorf("schedule %s: %w", cfg.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[cfg.Name]; exists {
		return fmt.Errorf("schedule %s already registered", cfg.Name)
	}

	name := cfg.Name
	cronID, err := s.cron.AddFunc(cfg.Cron, func() {
		if _, err := s.Trigger(context.Background(), name); err != nil {
			s.logger.Error().Err(err).Str("schedule", name).Msg("Scheduled job submission failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add schedule %s to cron: %w", cfg.Name, err)
	}
	s.entries[cfg.Name] = &entry{cfg: cfg, cronID: cronID}

	s.logger.Info().
		Str("schedule", cfg.Name).
		Str("cron", cfg.Cron).
		Str("template_id", cfg.TemplateID).
		Msg("Schedule registered")
	return nil
}

// Trigger submits the schedule's job now and returns its id
func (s *Service) Trigger(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
	}
	cfg := e.cfg
	s.mu.Unlock()

	now := s.now()
	req := models.JobRequest{
		TemplateID:   cfg.TemplateID,
		ConnectionID: cfg.ConnectionID,
		DateRange:    lookback(now, cfg.LookbackDays),
		KeyFilters:   cfg.KeyFilters,
		Formats:      cfg.Formats,
		Recipients:   cfg.Recipients,
		Schedule:     cfg.Name,
	}
	jobID, err := s.submitter.Submit(ctx, req)

	s.mu.Lock()
	e.lastRun = &now
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
		e.lastJobID = jobID
	}
	s.mu.Unlock()

	if err != nil {
		return "", err
	}
	s.logger.Info().
		Str("schedule", name).
		Str("job_id", jobID).
		Str("start", req.DateRange.Start).
		Str("end", req.DateRange.End).
		Msg("Scheduled job submitted")
	return jobID, nil
}

// lookback returns the days full days ending yesterday, or an unbounded range for 0
func lookback(now time.Time, days int) models.DateRange {
	if days <= 0 {
		return models.DateRange{}
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := today.AddDate(0, 0, -1)
	start := today.AddDate(0, 0, -days)
	return models.DateRange{Start: start.Format(models.DateLayout), End: end.Format(models.DateLayout)}
}

// Start runs the cron loop in the background
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("schedules", len(s.entries)).Msg("Schedules started")
}

// Stop halts the cron loop and waits for running triggers to finish
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Schedules stopped")
}

// Statuses lists every schedule sorted by name
func (s *Service) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[cron.EntryID]time.Time)
	for _, ce := range s.cron.Entries() {
		next[ce.ID] = ce.Next
	}

	statuses := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Name:      e.cfg.Name,
			Cron:      e.cfg.Cron,
			LastRun:   e.lastRun,
			LastJobID: e.lastJobID,
			LastError: e.lastError,
		}
		if n, ok := next[e.cronID]; ok && !n.IsZero() {
			st.NextRun = &n
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
