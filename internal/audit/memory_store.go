package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for development and tests. The
// append path is the single serialization point: sequence assignment and
// chain-hash computation happen under one writer lock, so the chain can
// never fork. Reads work on immutable, already-appended records and never
// exclude writers for longer than a slice-header copy.
type MemoryStore struct {
	mu            sync.RWMutex
	records       []*EventRecord // records[i].SequenceID == int64(i)+1
	lastChainHash string
	lastTimestamp time.Time
	corrupted     bool
	hashVersion   string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hashVersion: DefaultHashVersion}
}

// NewMemoryStoreFromRecords restores a store from previously persisted
// records, reconciling the tail against its stored hashes the same way the
// postgres store does on open. A broken tail leaves the store readable but
// refusing appends with ErrChainCorruption.
func NewMemoryStoreFromRecords(records []*EventRecord) *MemoryStore {
	s := NewMemoryStore()
	s.records = make([]*EventRecord, len(records))
	for i, rec := range records {
		s.records[i] = rec.Clone()
	}
	if n := len(s.records); n > 0 {
		tail := s.records[n-1]
		prev := ""
		if n > 1 {
			prev = s.records[n-2].ChainHash
		}
		ok, err := VerifyRecord(tail, prev)
		if err != nil || !ok || tail.SequenceID != int64(n) {
			s.corrupted = true
		}
		s.lastChainHash = tail.ChainHash
		s.lastTimestamp = tail.Timestamp
	}
	return s
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, rec *EventRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupted {
		return 0, fmt.Errorf("%w: refusing append on unreconciled tail", ErrChainCorruption)
	}

	stored := rec.Clone()
	stored.SequenceID = int64(len(s.records)) + 1
	if stored.HashVersion == "" {
		stored.HashVersion = s.hashVersion
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	stored.Timestamp = stored.Timestamp.UTC().Truncate(time.Microsecond)
	// Timestamps are monotonic with sequence; clamp clock regressions.
	if stored.Timestamp.Before(s.lastTimestamp) {
		stored.Timestamp = s.lastTimestamp
	}

	if err := ComputeHashes(stored, s.lastChainHash); err != nil {
		return 0, err
	}

	s.records = append(s.records, stored)
	s.lastChainHash = stored.ChainHash
	s.lastTimestamp = stored.Timestamp

	rec.SequenceID = stored.SequenceID
	rec.Timestamp = stored.Timestamp
	rec.HashVersion = stored.HashVersion
	rec.RecordHash = stored.RecordHash
	rec.ChainHash = stored.ChainHash
	return stored.SequenceID, nil
}

// snapshot returns the stable prefix of the trail up to maxSeq. The slice
// header is copied under the read lock; the elements are append-only and
// immutable, so iterating without the lock is safe and never blocks writers.
func (s *MemoryStore) snapshot(maxSeq int64) []*EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := int64(len(s.records))
	if maxSeq <= 0 || maxSeq > n {
		maxSeq = n
	}
	return s.records[:maxSeq]
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, seq int64) (*EventRecord, error) {
	snap := s.snapshot(0)
	if seq < 1 || seq > int64(len(snap)) {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return snap[seq-1].Clone(), nil
}

// LastSequence implements Store.
func (s *MemoryStore) LastSequence(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// ScanRange implements Store.
func (s *MemoryStore) ScanRange(ctx context.Context, from, to int64, fn func(*EventRecord) error) error {
	snap := s.snapshot(to)
	if from < 1 {
		from = 1
	}
	for i := from - 1; i < int64(len(snap)); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(snap[i].Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Select implements Store.
func (s *MemoryStore) Select(ctx context.Context, f *Filter, maxSeq int64, limit, offset int) ([]*EventRecord, error) {
	var out []*EventRecord
	skipped := 0
	err := s.SelectStream(ctx, f, maxSeq, func(rec *EventRecord) error {
		if skipped < offset {
			skipped++
			return nil
		}
		if limit > 0 && len(out) >= limit {
			return errStopScan
		}
		out = append(out, rec)
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, err
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, f *Filter, maxSeq int64) (int64, error) {
	var n int64
	err := s.SelectStream(ctx, f, maxSeq, func(*EventRecord) error {
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SelectStream implements Store. Records stream most recent first.
func (s *MemoryStore) SelectStream(ctx context.Context, f *Filter, maxSeq int64, fn func(*EventRecord) error) error {
	snap := s.snapshot(maxSeq)
	for i := len(snap) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.matches(snap[i]) {
			continue
		}
		if err := fn(snap[i].Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context, maxSeq int64, recentWindow time.Duration) (*Stats, error) {
	snap := s.snapshot(maxSeq)
	recentCutoff := time.Now().UTC().Add(-recentWindow)
	falseVal := false

	stats := &Stats{}
	users := make(map[string]struct{})
	for _, rec := range snap {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats.TotalEvents++
		if (&Filter{EventTypes: []EventType{EventLoginSuccess}, Success: boolPtr(true)}).matches(rec) {
			stats.SuccessfulLogins++
		}
		if (&Filter{EventTypes: []EventType{EventLoginFailed}, Success: &falseVal}).matches(rec) {
			stats.FailedLogins++
		}
		if (&Filter{EventTypes: []EventType{EventLogout}}).matches(rec) {
			stats.TotalLogouts++
		}
		if (&Filter{Success: &falseVal, Start: recentCutoff}).matches(rec) {
			stats.RecentFailures++
		}
		if rec.Username != "" {
			users[rec.Username] = struct{}{}
		}
	}
	stats.UniqueUsers = int64(len(users))
	return stats, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

var errStopScan = fmt.Errorf("audit: stop scan")

func boolPtr(b bool) *bool { return &b }
