// -----------------------------------------------------------------------
// Job Processor - Routes queued messages to registered handlers
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
)

// Handler processes one message type
type Handler interface {
	MessageType() string
	Handle(ctx context.Context, msg models.QueueMessage) error
}

// Source is the subset of the queue the processor consumes
type Source interface {
	Receive(ctx context.Context) (*Delivery, func() error, error)
	Extend(ctx context.Context, messageID string, duration time.Duration) error
}

// Backoff configuration for idle polling
const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Processor is the worker pool. Each goroutine runs one job at a time, so the
// pool size bounds the number of concurrently executing jobs.
type Processor struct {
	source            Source
	handlers          map[string]Handler
	logger            arbor.ILogger
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
	running           bool
	mu                sync.Mutex
	concurrency       int
	pollInterval      time.Duration
	visibilityTimeout time.Duration
}

// NewProcessor creates a processor with the given pool size
func NewProcessor(source Source, logger arbor.ILogger, concurrency int, pollInterval, visibilityTimeout time.Duration) *Processor {
	ctx, cancel := context.WithCancel(context.Background())

	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = maxBackoff
	}

	return &Processor{
		source:            source,
		handlers:          make(map[string]Handler),
		logger:            logger,
		ctx:               ctx,
		cancel:            cancel,
		concurrency:       concurrency,
		pollInterval:      pollInterval,
		visibilityTimeout: visibilityTimeout,
	}
}

// Register adds a handler keyed by its message type
func (p *Processor) Register(handler Handler) {
	p.handlers[handler.MessageType()] = handler
	p.logger.Debug().
		Str("message_type", handler.MessageType()).
		Msg("Queue handler registered")
}

// Start launches the worker goroutines
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		p.logger.Warn().Msg("Job processor already running")
		return
	}

	p.running = true
	p.logger.Info().
		Int("concurrency", p.concurrency).
		Msg("Starting job processor")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop cancels the workers and waits for in-flight handlers to return
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info().Msg("Stopping job processor...")
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Job processor stopped")
}

func (p *Processor) run(workerID int) {
	defer p.wg.Done()

	p.logger.Debug().Int("worker_id", workerID).Msg("Job processor worker started")

	currentBackoff := minBackoff

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().Int("worker_id", workerID).Msg("Job processor worker stopping")
			return
		default:
		}

		if p.processNext(workerID) {
			currentBackoff = minBackoff
			continue
		}

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > p.pollInterval {
			currentBackoff = p.pollInterval
		}
	}
}

// processNext handles one message. Returns false when the queue was empty.
func (p *Processor) processNext(workerID int) bool {
	delivery, deleteFn, err := p.source.Receive(p.ctx)
	if err != nil {
		if err != models.ErrNoMessage && p.ctx.Err() == nil {
			p.logger.Warn().Err(err).Int("worker_id", workerID).Msg("Failed to receive from queue")
		}
		return false
	}

	// A message is removed only once its handler has finished with it. Failed
	// or panicked handling leaves it for redelivery, bounded by max receive.
	handled := false
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.StackTrace()).
				Str("job_id", delivery.Message.JobID).
				Int("worker_id", workerID).
				Msg("Recovered from panic in job processing")
		}
		if !handled {
			p.redeliver(delivery)
			return
		}
		if err := deleteFn(); err != nil {
			p.logger.Error().Err(err).Str("message_id", delivery.ID).Msg("Failed to delete message")
		}
	}()

	handler, ok := p.handlers[delivery.Message.Type]
	if !ok {
		p.logger.Error().
			Str("job_id", delivery.Message.JobID).
			Str("message_type", delivery.Message.Type).
			Msg("No handler registered for message type")
		handled = true
		return true
	}

	start := time.Now()
	p.logger.Info().
		Str("job_id", delivery.Message.JobID).
		Int("attempt", delivery.Message.Attempt).
		Int("worker_id", workerID).
		Msg("Job started")

	stopHeartbeat := p.heartbeat(delivery.ID)
	err = handler.Handle(p.ctx, delivery.Message)
	stopHeartbeat()

	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("job_id", delivery.Message.JobID).
			Dur("duration", time.Since(start)).
			Msg("Job handler returned error, message left for redelivery")
		return true
	}

	handled = true
	p.logger.Info().
		Str("job_id", delivery.Message.JobID).
		Dur("duration", time.Since(start)).
		Msg("Job finished")
	return true
}

// redeliver makes a message visible again after one poll interval instead of
// the full visibility timeout. If that fails the timeout still applies.
func (p *Processor) redeliver(delivery *Delivery) {
	if err := p.source.Extend(context.Background(), delivery.ID, p.pollInterval); err != nil {
		p.logger.Warn().Err(err).Str("message_id", delivery.ID).Msg("Failed to reschedule message visibility")
	}
}

// heartbeat keeps a long-running job's message invisible while it executes
func (p *Processor) heartbeat(messageID string) func() {
	if p.visibilityTimeout <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.visibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.source.Extend(context.Background(), messageID, p.visibilityTimeout); err != nil {
					p.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to extend message visibility")
				}
			}
		}
	}()
	return func() { close(done) }
}
