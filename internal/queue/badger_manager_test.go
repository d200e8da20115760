package queue

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/neurareport/internal/models"
)

func openQueue(t *testing.T, visibility time.Duration, maxReceive int) *BadgerManager {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := NewBadgerManager(db, "test_jobs", visibility, maxReceive)
	require.NoError(t, err)
	return q
}

func TestBadgerManager_EnqueueReceiveDelete(t *testing.T) {
	q := openQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "job-1", Type: models.MessageTypeReportJob}))

	delivery, deleteFn, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", delivery.Message.JobID)
	assert.Equal(t, 1, delivery.ReceiveCount)

	// Claimed message is invisible
	_, _, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	require.NoError(t, deleteFn())
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBadgerManager_DelayedMessageNotVisibleEarly(t *testing.T) {
	q := openQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, q.EnqueueWithDelay(ctx, models.QueueMessage{JobID: "later"}, time.Hour))
	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "now"}))

	delivery, _, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "now", delivery.Message.JobID)

	_, _, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	ids, err := q.JobIDs(ctx)
	require.NoError(t, err)
	assert.True(t, ids["later"])
}

func TestBadgerManager_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	q := openQueue(t, 20*time.Millisecond, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "job-1"}))
	_, _, err := q.Receive(ctx)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	delivery, _, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivery.ReceiveCount)
}

func TestBadgerManager_PoisonMessageDropped(t *testing.T) {
	q := openQueue(t, time.Millisecond, 1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "poison"}))
	_, _, err := q.Receive(ctx)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, _, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBadgerManager_ReleaseAll(t *testing.T) {
	q := openQueue(t, time.Hour, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{JobID: "job-1"}))
	_, _, err := q.Receive(ctx)
	require.NoError(t, err)

	released, err := q.ReleaseAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	delivery, _, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", delivery.Message.JobID)
}
