// Package store defines the local persistent key-value contract used by the
// change tracker and the retry queue, plus an in-memory implementation.
package store

import (
	"errors"
	"sort"
	"sync"
)

// Buckets used by the sync engine.
const (
	BucketEntities         = "sync_entities"
	BucketBase             = "sync_base"
	BucketQueue            = "sync_queue"
	BucketConflictAudit    = "conflict_audit"
	BucketPendingConflicts = "pending_conflicts"
	BucketMeta             = "sync_meta"
	BucketCredentials      = "credentials"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// KV is a durable key-value store partitioned into buckets.
// Writes are assumed durable once Put or Delete returns.
type KV interface {
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	// List returns every entry of a bucket ordered by key.
	List(bucket string) ([]Entry, error)
}

// Memory is a KV kept entirely in process memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buckets[bucket], key)
	return nil
}

func (m *Memory) List(bucket string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b := m.buckets[bucket]
	entries := make([]Entry, 0, len(b))
	for k, v := range b {
		entries = append(entries, Entry{Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}
