package fieldlink

import (
	"bytes"
	"encoding/json"
	"hash/crc32"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// fingerprint is the cheap change-detection digest. Collisions suppress a
// consumer callback but never affect what gets stored.
func fingerprint(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Payloads are opaque bytes, not required to be JSON themselves.
type storeEntry struct {
	Data []byte `json:"data"`
	TS   int64  `json:"ts"` // unix milliseconds
}

// store is a namespaced durable key-value cache over leveldb. Writes are
// best-effort: on failure or budget exhaustion the namespace is cleared once
// and the write retried; a second failure degrades to a no-op.
type store struct {
	db       *leveldb.DB
	prefix   []byte
	maxBytes int64
	degraded *rateLimitedLogger

	mu    sync.Mutex
	sizes map[string]int64
	total int64
}

func newStore(db *leveldb.DB, namespace string, maxBytes int64, degraded *rateLimitedLogger) (*store, error) {
	s := &store{
		db:       db,
		prefix:   []byte(namespace + ":cache:"),
		maxBytes: maxBytes,
		degraded: degraded,
		sizes:    map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadIndex rebuilds the in-memory size index from disk, so the budget
// check survives restarts.
func (s *store) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix(s.prefix), nil)
	defer it.Release()

	sizes := map[string]int64{}
	var total int64
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), s.prefix))
		size := int64(len(it.Value()))
		sizes[key] = size
		total += size
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sizes = sizes
	s.total = total
	s.mu.Unlock()
	return nil
}

func (s *store) dbKey(key string) []byte {
	return append(append([]byte{}, s.prefix...), key...)
}

// Set stores payload under key with the current timestamp, overwriting any
// previous entry. It never returns an error to the caller.
func (s *store) Set(key string, payload []byte) {
	b, err := json.Marshal(storeEntry{Data: payload, TS: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	if s.put(key, b) {
		return
	}
	// One clear-and-retry, then give up silently.
	s.ClearNamespace()
	if !s.put(key, b) {
		s.degraded.Warnf("cache degraded to no-op: write for %q failed after clear", key)
	}
}

func (s *store) put(key string, b []byte) bool {
	size := int64(len(b))

	s.mu.Lock()
	projected := s.total - s.sizes[key] + size
	s.mu.Unlock()
	if s.maxBytes > 0 && projected > s.maxBytes {
		return false
	}

	if err := s.db.Put(s.dbKey(key), b, nil); err != nil {
		return false
	}

	s.mu.Lock()
	s.total += size - s.sizes[key]
	s.sizes[key] = size
	s.mu.Unlock()
	return true
}

// Get reads key and reports advisory expiry against expiryAfter. Absent or
// malformed entries return nil. Expired entries are still returned.
func (s *store) Get(key string, expiryAfter time.Duration) *CachedValue {
	b, err := s.db.Get(s.dbKey(key), nil)
	if err != nil {
		return nil
	}
	var ent storeEntry
	if err := json.Unmarshal(b, &ent); err != nil || ent.TS == 0 {
		return nil
	}
	storedAt := time.UnixMilli(ent.TS)
	age := time.Since(storedAt)
	return &CachedValue{
		Data:     ent.Data,
		StoredAt: storedAt,
		Age:      age,
		Expired:  age > expiryAfter,
	}
}

// Remove deletes one key. Idempotent.
func (s *store) Remove(key string) {
	_ = s.db.Delete(s.dbKey(key), nil)
	s.mu.Lock()
	if size, ok := s.sizes[key]; ok {
		s.total -= size
		delete(s.sizes, key)
	}
	s.mu.Unlock()
}

// ClearNamespace deletes every entry under the cache prefix. Idempotent.
func (s *store) ClearNamespace() {
	it := s.db.NewIterator(util.BytesPrefix(s.prefix), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte{}, it.Key()...))
	}
	it.Release()
	_ = s.db.Write(batch, nil)

	s.mu.Lock()
	s.sizes = map[string]int64{}
	s.total = 0
	s.mu.Unlock()
}

func (s *store) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sizes)
}

func (s *store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
