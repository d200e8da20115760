package badger

import "sync"

// jobLocks hands out one mutex per job id. Entries are reference counted and
// removed when the last holder unlocks, so the map only holds active jobs.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

func newJobLocks() *jobLocks {
	return &jobLocks{locks: make(map[string]*jobLock)}
}

// Lock blocks until the caller is the only writer for jobID and returns the unlock func
func (l *jobLocks) Lock(jobID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[jobID]
	if !ok {
		lock = &jobLock{}
		l.locks[jobID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, jobID)
		}
		l.mu.Unlock()
	}
}
