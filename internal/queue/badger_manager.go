package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/ternarybob/neurareport/internal/models"
)

// storedMessage is the internal structure stored in Badger
type storedMessage struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// Delivery is a claimed message. It stays invisible to other receivers until
// deleted or until the visibility timeout lapses.
type Delivery struct {
	ID           string
	Message      models.QueueMessage
	ReceiveCount int
}

// BadgerManager implements a persistent queue using BadgerDB.
// Data lives at queue:{name}:msg:{id}; a visibility index
// queue:{name}:index:{visibleAt}:{id} keeps ready messages sorted by time.
type BadgerManager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
}

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, queueName string, visibilityTimeout time.Duration, maxReceive int) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 10 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 5
	}

	return &BadgerManager{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// Enqueue adds a message that is visible immediately
func (m *BadgerManager) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	return m.EnqueueWithDelay(ctx, msg, 0)
}

// EnqueueWithDelay adds a message that becomes visible after delay.
// Retry backoff is implemented by delaying the re-enqueued job.
func (m *BadgerManager) EnqueueWithDelay(ctx context.Context, msg models.QueueMessage, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	stored := storedMessage{
		ID:         uuid.New().String(),
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(stored.ID), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(stored.VisibleAt, stored.ID), []byte{})
	})
}

// Receive claims the next visible message. The returned delete function must be
// called once the message has been handled.
func (m *BadgerManager) Receive(ctx context.Context) (*Delivery, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var stored storedMessage

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var claimedIndexKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}

			// Keys are sorted by timestamp, nothing after this is ready either
			if ts.After(now) {
				break
			}

			msgKey := m.msgKey(id)
			item, err := txn.Get(msgKey)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var candidate storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &candidate)
			}); err != nil {
				return err
			}

			// Poison message, drop it instead of looping forever
			if candidate.ReceiveCount >= m.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(msgKey); err != nil {
					return err
				}
				continue
			}

			stored = candidate
			claimedIndexKey = key
			break
		}

		if claimedIndexKey == nil {
			return models.ErrNoMessage
		}

		stored.ReceiveCount++
		stored.VisibleAt = time.Now().Add(m.visibilityTimeout)

		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(stored.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(claimedIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(stored.VisibleAt, stored.ID), []byte{})
	})
	if err != nil {
		return nil, nil, err
	}

	id := stored.ID
	deleteFn := func() error {
		return m.delete(id)
	}

	return &Delivery{ID: id, Message: stored.Body, ReceiveCount: stored.ReceiveCount}, deleteFn, nil
}

func (m *BadgerManager) delete(id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		current, err := m.load(txn, id)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if err := txn.Delete(m.indexKey(current.VisibleAt, id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(m.msgKey(id))
	})
}

// Extend pushes a claimed message's visibility out by duration
func (m *BadgerManager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		stored, err := m.load(txn, messageID)
		if err != nil {
			return err
		}
		return m.moveVisibility(txn, stored, time.Now().Add(duration))
	})
}

// ReleaseAll makes every claimed message visible again. Used at startup, when
// no worker of this process can still hold a claim.
func (m *BadgerManager) ReleaseAll(ctx context.Context) (int, error) {
	released := 0
	err := m.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		var claimed []storedMessage
		if err := m.scan(txn, func(stored storedMessage) {
			if stored.ReceiveCount > 0 && stored.VisibleAt.After(now) {
				claimed = append(claimed, stored)
			}
		}); err != nil {
			return err
		}
		for _, stored := range claimed {
			if err := m.moveVisibility(txn, stored, now); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	return released, err
}

// JobIDs returns the ids of all jobs with a message in the queue
func (m *BadgerManager) JobIDs(ctx context.Context) (map[string]bool, error) {
	ids := make(map[string]bool)
	err := m.db.View(func(txn *badger.Txn) error {
		return m.scan(txn, func(stored storedMessage) {
			ids[stored.Body.JobID] = true
		})
	})
	return ids, err
}

// Len returns the number of messages in the queue, visible or not
func (m *BadgerManager) Len(ctx context.Context) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the queue manager (no-op, the DB is managed externally)
func (m *BadgerManager) Close() error {
	return nil
}

// Helpers

func (m *BadgerManager) load(txn *badger.Txn, id string) (storedMessage, error) {
	var stored storedMessage
	item, err := txn.Get(m.msgKey(id))
	if err != nil {
		return stored, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &stored)
	})
	return stored, err
}

func (m *BadgerManager) moveVisibility(txn *badger.Txn, stored storedMessage, visibleAt time.Time) error {
	oldIndexKey := m.indexKey(stored.VisibleAt, stored.ID)
	stored.VisibleAt = visibleAt

	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := txn.Set(m.msgKey(stored.ID), data); err != nil {
		return err
	}
	if err := txn.Delete(oldIndexKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(m.indexKey(stored.VisibleAt, stored.ID), []byte{})
}

func (m *BadgerManager) scan(txn *badger.Txn, fn func(storedMessage)) error {
	prefix := []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var stored storedMessage
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}
		fn(stored)
	}
	return nil
}

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerManager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
}

func (m *BadgerManager) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so lexical order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, visibleAt.UnixNano(), id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	if len(suffix) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
