package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dropwatch/dropwatch/app/textutil"
)

const (
	DefaultRetention           = 30 * 24 * time.Hour
	DefaultSimilarityThreshold = 0.85

	// Bounds on the near-duplicate comparison set, independent of the
	// time-based retention window.
	defaultMaxCompare = 512
	maxWindowSize     = 8192
)

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Retention           time.Duration
	SimilarityThreshold float64
	MaxCompare          int
}

type windowEntry struct {
	fingerprint string
	normalized  string
	seenAt      time.Time
}

// Engine detects exact and near-duplicate content over a bounded retention
// window. Exact detection hashes normalized text; near-duplicate detection
// compares against a recent-window set with a similarity measure.
//
// CheckAndRecord is the atomic check-then-set required by concurrent
// workers: two workers racing on the same content see exactly one "new".
type Engine struct {
	store      Store
	retention  time.Duration
	threshold  float64
	maxCompare int
	now        func() time.Time

	mu     sync.RWMutex
	window []windowEntry
	// cumulative count of entries trimmed from the window front, so
	// snapshot positions stay valid across purges
	trimmed int
}

func NewEngine(store Store, opts Options) (*Engine, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.MaxCompare <= 0 {
		opts.MaxCompare = defaultMaxCompare
	}

	e := &Engine{
		store:      store,
		retention:  opts.Retention,
		threshold:  opts.SimilarityThreshold,
		maxCompare: opts.MaxCompare,
		now:        time.Now,
	}

	// Seed the near-duplicate window from the store so restarts keep
	// catching republished copies.
	recent, err := store.Recent(e.now().Add(-e.retention))
	if err != nil {
		return nil, fmt.Errorf("failed to load recent dedup records: %w", err)
	}
	for _, rec := range recent {
		e.window = append(e.window, windowEntry{
			fingerprint: rec.Fingerprint,
			normalized:  rec.Normalized,
			seenAt:      rec.FirstSeenAt,
		})
	}

	return e, nil
}

// Fingerprint returns the strong hash of the normalized text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(textutil.Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether text matches a record inside the retention
// window, exactly or by similarity. Read-only; use CheckAndRecord when the
// caller intends to claim the content.
func (e *Engine) IsDuplicate(text string) (bool, error) {
	normalized := textutil.Normalize(text)
	fingerprint := hashNormalized(normalized)
	cutoff := e.now().Add(-e.retention)

	dup, err := e.checkExact(fingerprint, cutoff)
	if err != nil || dup {
		return dup, err
	}

	snapshot, _ := e.snapshotWindow(cutoff)
	return e.similarInSet(normalized, fingerprint, snapshot), nil
}

// Record registers text without caring whether it was already known.
func (e *Engine) Record(text, sourceURL string) error {
	_, _, err := e.CheckAndRecord(text, sourceURL)
	return err
}

// CheckAndRecord atomically checks text against the retention window and
// records it when new. Returns whether the content was already known and
// its fingerprint.
func (e *Engine) CheckAndRecord(text, sourceURL string) (bool, string, error) {
	normalized := textutil.Normalize(text)
	fingerprint := hashNormalized(normalized)
	now := e.now()
	cutoff := now.Add(-e.retention)

	if dup, err := e.checkExact(fingerprint, cutoff); err != nil || dup {
		return dup, fingerprint, err
	}

	// Similarity comparison is CPU-bound; run it against a snapshot
	// outside the lock, then re-check only what arrived since.
	snapshot, snapshotEnd := e.snapshotWindow(cutoff)
	if e.similarInSet(normalized, fingerprint, snapshot) {
		return true, fingerprint, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := snapshotEnd - e.trimmed
	if start < 0 {
		start = 0
	}
	if e.similarInSet(normalized, fingerprint, e.window[start:]) {
		return true, fingerprint, nil
	}

	rec := Record{
		Fingerprint: fingerprint,
		FirstSeenAt: now,
		SourceURL:   sourceURL,
		Normalized:  normalized,
	}
	err := e.store.Insert(rec)
	if errors.Is(err, ErrDuplicate) {
		// Either a concurrent process using the same store won the race, or
		// the fingerprint belongs to a stale record the sweeper has not
		// purged yet. A stale record means the content is new again.
		existing, gerr := e.store.Get(fingerprint)
		if gerr == nil && existing != nil && !existing.FirstSeenAt.After(cutoff) {
			if _, perr := e.store.Purge(cutoff); perr == nil {
				err = e.store.Insert(rec)
			}
		}
	}
	if errors.Is(err, ErrDuplicate) {
		return true, fingerprint, nil
	}
	if err != nil {
		return false, fingerprint, fmt.Errorf("failed to record dedup entry: %w", err)
	}

	e.window = append(e.window, windowEntry{fingerprint: fingerprint, normalized: normalized, seenAt: now})
	e.trimWindowLocked(cutoff)

	return false, fingerprint, nil
}

// Sweep purges records older than the retention window from the store and
// the in-memory window. Intended to run periodically; purging also happens
// lazily on record.
func (e *Engine) Sweep() (int, error) {
	cutoff := e.now().Add(-e.retention)

	e.mu.Lock()
	e.trimWindowLocked(cutoff)
	e.mu.Unlock()

	purged, err := e.store.Purge(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dedup records: %w", err)
	}
	return purged, nil
}

// WindowSize reports the current near-duplicate comparison set size.
func (e *Engine) WindowSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.window)
}

func (e *Engine) checkExact(fingerprint string, cutoff time.Time) (bool, error) {
	rec, err := e.store.Get(fingerprint)
	if err != nil {
		return false, fmt.Errorf("failed to check dedup record: %w", err)
	}
	return rec != nil && rec.FirstSeenAt.After(cutoff), nil
}

// snapshotWindow copies the live window entries and returns the absolute
// end position, used to detect entries appended after the snapshot.
func (e *Engine) snapshotWindow(cutoff time.Time) ([]windowEntry, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot := make([]windowEntry, 0, len(e.window))
	for _, w := range e.window {
		if w.seenAt.After(cutoff) {
			snapshot = append(snapshot, w)
		}
	}
	return snapshot, e.trimmed + len(e.window)
}

// similarInSet compares newest-first, bounded by maxCompare. The length
// ratio is a cheap pre-filter: strings whose lengths differ too much cannot
// clear the similarity threshold.
func (e *Engine) similarInSet(normalized, fingerprint string, set []windowEntry) bool {
	compared := 0
	for i := len(set) - 1; i >= 0 && compared < e.maxCompare; i-- {
		w := set[i]
		if w.fingerprint == fingerprint {
			return true
		}
		if textutil.LengthRatio(normalized, w.normalized) < e.threshold {
			continue
		}
		compared++
		if textutil.Similarity(normalized, w.normalized) >= e.threshold {
			return true
		}
	}
	return false
}

func (e *Engine) trimWindowLocked(cutoff time.Time) {
	start := 0
	for start < len(e.window) && !e.window[start].seenAt.After(cutoff) {
		start++
	}
	if over := len(e.window) - start - maxWindowSize; over > 0 {
		start += over
	}
	if start > 0 {
		e.window = append([]windowEntry(nil), e.window[start:]...)
		e.trimmed += start
	}
}

func hashNormalized(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
