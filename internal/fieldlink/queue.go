package fieldlink

import (
	"encoding/json"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// offlineQueue is the durable FIFO list of deferred writes. The whole queue
// is one JSON array under a reserved key, rewritten after every mutation so
// it survives restarts.
type offlineQueue struct {
	db       *leveldb.DB
	key      []byte
	degraded *rateLimitedLogger

	mu      sync.Mutex
	entries []OfflineEntry
}

func newOfflineQueue(db *leveldb.DB, namespace string, degraded *rateLimitedLogger) (*offlineQueue, error) {
	q := &offlineQueue{
		db:       db,
		key:      []byte(namespace + ":offline-queue"),
		degraded: degraded,
	}
	b, err := db.Get(q.key, nil)
	if err == leveldb.ErrNotFound {
		return q, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &q.entries); err != nil {
		// A corrupt queue cannot be replayed; start empty.
		q.degraded.Warnf("offline queue unreadable, starting empty: %v", err)
		q.entries = nil
	}
	return q, nil
}

func (q *offlineQueue) Enqueue(e OfflineEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	q.persistLocked()
}

func (q *offlineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the pending entries in order.
func (q *offlineQueue) Entries() []OfflineEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]OfflineEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// DrainOnce replays the entries present when the pass begins. The live queue
// is cleared and persisted up front, so new offline writes are accepted while
// the pass runs and a slow network never locks the queue. Failed replays go
// back to the tail with their retry count bumped; the final state is
// persisted once when the pass completes. Entries enqueued during the pass
// wait for the next one.
func (q *offlineQueue) DrainOnce(replay func(OfflineEntry) error) (replayed, requeued int) {
	q.mu.Lock()
	snapshot := q.entries
	q.entries = nil
	q.persistLocked()
	q.mu.Unlock()

	var failed []OfflineEntry
	for _, e := range snapshot {
		if err := replay(e); err != nil {
			e.Retries++
			failed = append(failed, e)
			requeued++
			continue
		}
		replayed++
	}

	q.mu.Lock()
	q.entries = append(q.entries, failed...)
	q.persistLocked()
	q.mu.Unlock()
	return replayed, requeued
}

func (q *offlineQueue) persistLocked() {
	b, err := json.Marshal(q.entries)
	if err == nil {
		err = q.db.Put(q.key, b, nil)
	}
	if err != nil {
		q.degraded.Warnf("offline queue persist failed: %v", err)
	}
}
