package dedup

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicate is returned by Store.Insert when a record with the same
// fingerprint already exists. Engine treats it as losing the check-then-set
// race, not as a failure.
var ErrDuplicate = errors.New("dedup record already exists")

// Record is one seen-content entry. Created on first sight; never mutated;
// purged once older than the retention window.
type Record struct {
	Fingerprint string
	FirstSeenAt time.Time
	SourceURL   string
	Normalized  string
}

// Store persists dedup records. The in-memory implementation is the
// single-process default; the SQLite implementation shares exact-duplicate
// state across processes behind the same interface.
type Store interface {
	Get(fingerprint string) (*Record, error)
	Insert(rec Record) error
	Recent(since time.Time) ([]Record, error)
	Purge(before time.Time) (int, error)
}

// MemoryStore keeps records in a map. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(fingerprint string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[fingerprint]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Insert(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.Fingerprint]; exists {
		return ErrDuplicate
	}
	s.records[rec.Fingerprint] = rec
	return nil
}

func (s *MemoryStore) Recent(since time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recent []Record
	for _, rec := range s.records {
		if !rec.FirstSeenAt.Before(since) {
			recent = append(recent, rec)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].FirstSeenAt.Before(recent[j].FirstSeenAt)
	})
	return recent, nil
}

func (s *MemoryStore) Purge(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for fp, rec := range s.records {
		if rec.FirstSeenAt.Before(before) {
			delete(s.records, fp)
			purged++
		}
	}
	return purged, nil
}
