// Package events fans job progress events out to live subscribers and sinks.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
)

const (
	subscriberBuffer = 64
	sinkBuffer       = 1024
)

// AllJobs subscribes to every job's events
const AllJobs = ""

// Sink receives a copy of every event, off the publisher's goroutine
type Sink interface {
	Write(ctx context.Context, event models.ProgressEvent) error
	Close() error
}

// Service implements EventService with per-job subscriptions. Publishing never
// blocks. A subscriber that falls behind is evicted and its channel closed, so it
// either sees every event in order or learns that it must reload the job.
type Service struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]chan models.ProgressEvent
	nextID      int
	closed      bool

	sinks    []Sink
	sinkCh   chan models.ProgressEvent
	sinkDone chan struct{}

	logger arbor.ILogger
}

var _ interfaces.EventService = (*Service)(nil)

// NewService creates a new event service writing to the given sinks
func NewService(logger arbor.ILogger, sinks ...Sink) *Service {
	s := &Service{
		subscribers: make(map[string]map[int]chan models.ProgressEvent),
		sinks:       sinks,
		logger:      logger,
	}
	if len(sinks) > 0 {
		s.sinkCh = make(chan models.ProgressEvent, sinkBuffer)
		s.sinkDone = make(chan struct{})
		go s.drainSinks()
	}
	return s
}

// Subscribe returns a channel of events for one job (or AllJobs) and a function
// that ends the subscription and closes the channel
func (s *Service) Subscribe(jobID string) (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, subscriberBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	if s.subscribers[jobID] == nil {
		s.subscribers[jobID] = make(map[int]chan models.ProgressEvent)
	}
	s.subscribers[jobID][id] = ch

	s.logger.Debug().
		Str("job_id", jobID).
		Int("subscriber_count", len(s.subscribers[jobID])).
		Msg("Progress subscriber added")

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subs, ok := s.subscribers[jobID]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(s.subscribers, jobID)
				}
			}
		})
	}
}

// subscription identifies one subscriber channel
type subscription struct {
	key string
	id  int
}

// Publish delivers an event to the job's subscribers, wildcard subscribers and sinks
func (s *Service) Publish(_ context.Context, event models.ProgressEvent) {
	lagging := s.deliver(event)
	if len(lagging) > 0 {
		s.evict(event, lagging)
	}
}

// deliver fans the event out and returns the subscribers whose buffer was full
func (s *Service) deliver(event models.ProgressEvent) []subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}

	logEvent := s.logger.Debug().
		Str("event", string(event.Event)).
		Str("job_id", event.JobID).
		Str("status", event.Status)
	if event.Stage != "" {
		logEvent = logEvent.Str("stage", event.Stage)
	}
	if event.BatchID != "" {
		logEvent = logEvent.Str("batch_id", event.BatchID)
	}
	logEvent.Msg("Progress event")

	var lagging []subscription
	for _, key := range []string{event.JobID, AllJobs} {
		for id, ch := range s.subscribers[key] {
			select {
			case ch <- event:
			default:
				lagging = append(lagging, subscription{key: key, id: id})
			}
		}
	}

	if s.sinkCh != nil {
		select {
		case s.sinkCh <- event:
		default:
			s.logger.Warn().Str("job_id", event.JobID).Msg("Progress sink queue full, event dropped")
		}
	}
	return lagging
}

// evict closes the channels of subscribers that could not take an event. A
// closed channel tells the reader its view is incomplete and the job record
// is the source of truth.
func (s *Service) evict(event models.ProgressEvent, lagging []subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range lagging {
		subs, ok := s.subscribers[sub.key]
		if !ok {
			continue
		}
		ch, ok := subs[sub.id]
		if !ok {
			continue
		}
		delete(subs, sub.id)
		close(ch)
		if len(subs) == 0 {
			delete(s.subscribers, sub.key)
		}
		s.logger.Warn().
			Str("job_id", event.JobID).
			Str("subscription", sub.key).
			Str("event", string(event.Event)).
			Msg("Progress subscriber is behind, subscription closed")
	}
}

func (s *Service) drainSinks() {
	defer close(s.sinkDone)
	for event := range s.sinkCh {
		for _, sink := range s.sinks {
			if err := sink.Write(context.Background(), event); err != nil {
				s.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("Progress sink write failed")
			}
		}
	}
}

// Close ends every subscription and flushes the sinks
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for jobID, subs := range s.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subscribers, jobID)
	}
	s.mu.Unlock()

	var errs []error
	if s.sinkCh != nil {
		close(s.sinkCh)
		<-s.sinkDone
		for _, sink := range s.sinks {
			errs = append(errs, sink.Close())
		}
	}

	s.logger.Info().Msg("Event service closed")
	return errors.Join(errs...)
}
