package tokenstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStorage is an in-process Storage backed by a map and per-key
// try-locks with a bounded wait. It provides the same linearization
// guarantees as the database implementation and is suitable for tests and
// single-process deployments.
type MemoryStorage struct {
	mu          sync.Mutex
	entries     map[entryKey]*TokenEntry
	locks       map[entryKey]chan struct{}
	lockTimeout time.Duration
}

type entryKey struct {
	processorName string
	segment       int
}

// NewMemoryStorage returns an empty in-memory storage. A lockTimeout of zero
// falls back to 1 second, matching the fail-fast bounded wait of the
// database implementation.
func NewMemoryStorage(lockTimeout time.Duration) *MemoryStorage {
	if lockTimeout <= 0 {
		lockTimeout = time.Second
	}
	return &MemoryStorage{
		entries:     make(map[entryKey]*TokenEntry),
		locks:       make(map[entryKey]chan struct{}),
		lockTimeout: lockTimeout,
	}
}

// InTx runs fn with a staged-write transaction. Key locks taken by
// GetForUpdate and Insert are held until fn returns; writes become visible
// to other transactions only when fn succeeds.
func (s *MemoryStorage) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var tx = &memTx{
		storage: s,
		held:    make(map[entryKey]bool),
		writes:  make(map[entryKey]*TokenEntry),
	}
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

// ExtendClaim atomically refreshes the timestamp where the owner matches.
// An empty owner matches nothing, mirroring SQL NULL semantics.
func (s *MemoryStorage) ExtendClaim(ctx context.Context, processorName string, segment int, owner string, ts time.Time) (bool, error) {
	if owner == "" {
		return false, nil
	}

	var key = entryKey{processorName, segment}
	if err := s.lockKey(ctx, key); err != nil {
		return false, err
	}
	defer s.unlockKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var entry, ok = s.entries[key]
	if !ok || entry.Owner != owner {
		return false, nil
	}

	entry.Timestamp = ts
	return true, nil
}

// ReleaseClaim atomically clears the owner where it matches. An empty owner
// matches nothing.
func (s *MemoryStorage) ReleaseClaim(ctx context.Context, processorName string, segment int, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}

	var key = entryKey{processorName, segment}
	if err := s.lockKey(ctx, key); err != nil {
		return false, err
	}
	defer s.unlockKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var entry, ok = s.entries[key]
	if !ok || entry.Owner != owner {
		return false, nil
	}

	entry.Owner = ""
	return true, nil
}

// ListSegments returns the committed segment numbers for the processor in
// ascending order.
func (s *MemoryStorage) ListSegments(ctx context.Context, processorName string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentsLocked(processorName), nil
}

// segmentsLocked must be called with mu held.
func (s *MemoryStorage) segmentsLocked(processorName string) []int {
	var segments = make([]int, 0)
	for key := range s.entries {
		if key.processorName == processorName {
			segments = append(segments, key.segment)
		}
	}
	sort.Ints(segments)
	return segments
}

// lockKey acquires the per-key try-lock, waiting at most lockTimeout.
func (s *MemoryStorage) lockKey(ctx context.Context, key entryKey) error {
	s.mu.Lock()
	var ch, ok = s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.mu.Unlock()

	var timer = time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrRowLocked
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryStorage) unlockKey(key entryKey) {
	s.mu.Lock()
	var ch = s.locks[key]
	s.mu.Unlock()
	<-ch
}

// memTx stages writes until commit and tracks which key locks it holds.
type memTx struct {
	storage *MemoryStorage
	held    map[entryKey]bool
	writes  map[entryKey]*TokenEntry
}

func (tx *memTx) GetForUpdate(ctx context.Context, processorName string, segment int) (*TokenEntry, error) {
	var key = entryKey{processorName, segment}
	if err := tx.lock(ctx, key); err != nil {
		return nil, err
	}

	if staged, ok := tx.writes[key]; ok {
		return copyEntry(staged), nil
	}

	tx.storage.mu.Lock()
	defer tx.storage.mu.Unlock()

	var entry, ok = tx.storage.entries[key]
	if !ok {
		return nil, nil
	}
	return copyEntry(entry), nil
}

func (tx *memTx) Insert(ctx context.Context, entry *TokenEntry) error {
	var key = entryKey{entry.ProcessorName, entry.Segment}
	if err := tx.lock(ctx, key); err != nil {
		return err
	}

	if _, staged := tx.writes[key]; staged {
		return fmt.Errorf("duplicate token entry for '%s[%d]'", entry.ProcessorName, entry.Segment)
	}

	tx.storage.mu.Lock()
	var _, exists = tx.storage.entries[key]
	tx.storage.mu.Unlock()
	if exists {
		return fmt.Errorf("duplicate token entry for '%s[%d]'", entry.ProcessorName, entry.Segment)
	}

	tx.writes[key] = copyEntry(entry)
	return nil
}

func (tx *memTx) Update(ctx context.Context, entry *TokenEntry) error {
	var key = entryKey{entry.ProcessorName, entry.Segment}
	if err := tx.lock(ctx, key); err != nil {
		return err
	}

	tx.writes[key] = copyEntry(entry)
	return nil
}

func (tx *memTx) ListSegments(ctx context.Context, processorName string) ([]int, error) {
	tx.storage.mu.Lock()
	var segments = tx.storage.segmentsLocked(processorName)
	tx.storage.mu.Unlock()

	var seen = make(map[int]bool, len(segments))
	for _, segment := range segments {
		seen[segment] = true
	}
	for key := range tx.writes {
		if key.processorName == processorName && !seen[key.segment] {
			segments = append(segments, key.segment)
		}
	}
	sort.Ints(segments)
	return segments, nil
}

// lock acquires the key lock once per transaction; it is re-entrant within
// the transaction and released by releaseLocks.
func (tx *memTx) lock(ctx context.Context, key entryKey) error {
	if tx.held[key] {
		return nil
	}

	if err := tx.storage.lockKey(ctx, key); err != nil {
		return err
	}
	tx.held[key] = true
	return nil
}

// commit applies the staged writes. Must be called before releaseLocks.
func (tx *memTx) commit() {
	tx.storage.mu.Lock()
	defer tx.storage.mu.Unlock()

	for key, entry := range tx.writes {
		tx.storage.entries[key] = entry
	}
	tx.writes = make(map[entryKey]*TokenEntry)
}

func (tx *memTx) releaseLocks() {
	for key := range tx.held {
		tx.storage.unlockKey(key)
	}
	tx.held = make(map[entryKey]bool)
}

func copyEntry(entry *TokenEntry) *TokenEntry {
	var c = *entry
	if entry.Token != nil {
		c.Token = append([]byte(nil), entry.Token...)
	}
	return &c
}
