package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/models"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
	fail bool
	done chan struct{}
}

func (h *recordingHandler) MessageType() string { return models.MessageTypeReportJob }

func (h *recordingHandler) Handle(ctx context.Context, msg models.QueueMessage) error {
	h.mu.Lock()
	h.seen = append(h.seen, msg.JobID)
	h.mu.Unlock()
	h.done <- struct{}{}
	if h.fail {
		return errors.New("boom")
	}
	return nil
}

func TestProcessor_DispatchesAndDeletes(t *testing.T) {
	q := openQueue(t, time.Minute, 3)
	ctx := context.Background()
	handler := &recordingHandler{done: make(chan struct{}, 2)}

	p := NewProcessor(q, arbor.NewLogger(), 2, 20*time.Millisecond, time.Minute)
	p.Register(handler)

	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "a", Type: models.MessageTypeReportJob}))
	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "b", Type: models.MessageTypeReportJob}))

	p.Start()
	for i := 0; i < 2; i++ {
		select {
		case <-handler.done:
		case <-time.After(5 * time.Second):
			t.Fatal("handler not invoked")
		}
	}
	p.Stop()

	handler.mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b"}, handler.seen)
	handler.mu.Unlock()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProcessor_FailedHandlerLeavesMessageForRedelivery(t *testing.T) {
	q := openQueue(t, time.Minute, 3)
	ctx := context.Background()
	handler := &recordingHandler{done: make(chan struct{}, 3), fail: true}

	p := NewProcessor(q, arbor.NewLogger(), 1, 20*time.Millisecond, time.Minute)
	p.Register(handler)
	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "a", Type: models.MessageTypeReportJob}))

	assert.True(t, p.processNext(0))
	<-handler.done

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "failed message stays queued")

	// Visible again after one poll interval, not the one minute timeout
	require.Eventually(t, func() bool {
		return p.processNext(0)
	}, 2*time.Second, 10*time.Millisecond)
	<-handler.done

	// Third receive reaches max receive; once it fails too the message is gone
	require.Eventually(t, func() bool {
		return p.processNext(0)
	}, 2*time.Second, 10*time.Millisecond)
	<-handler.done

	handler.mu.Lock()
	assert.Equal(t, []string{"a", "a", "a"}, handler.seen)
	handler.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.processNext(0))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type panickingHandler struct{}

func (panickingHandler) MessageType() string { return models.MessageTypeReportJob }

func (panickingHandler) Handle(context.Context, models.QueueMessage) error {
	panic("renderer exploded")
}

func TestProcessor_PanickingHandlerLeavesMessage(t *testing.T) {
	q := openQueue(t, time.Minute, 3)
	ctx := context.Background()

	p := NewProcessor(q, arbor.NewLogger(), 1, 20*time.Millisecond, time.Minute)
	p.Register(panickingHandler{})
	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "p", Type: models.MessageTypeReportJob}))

	assert.NotPanics(t, func() { p.processNext(0) })
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessor_UnknownTypeIsDropped(t *testing.T) {
	q := openQueue(t, time.Minute, 3)
	ctx := context.Background()

	p := NewProcessor(q, arbor.NewLogger(), 1, 20*time.Millisecond, time.Minute)
	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "x", Type: "unknown"}))

	assert.True(t, p.processNext(0))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
