package audit

import (
	"context"
	"time"
)

// Store is the append-only persistence contract for the audit trail. Append
// is the only mutation; there is deliberately no update or delete operation.
// All reads are safe to run with unbounded concurrency against ongoing
// appends and never observe a partially-written record.
type Store interface {
	// Append assigns the next sequence number, computes both hashes
	// against the current chain tip, and durably persists the record, all
	// atomically with respect to concurrent appenders. The candidate must
	// not carry a sequence number or hashes. Returns the assigned
	// sequence number, or ErrChainCorruption if the store refused the
	// append because its tail could not be reconciled.
	Append(ctx context.Context, rec *EventRecord) (int64, error)

	// Get returns the record with the given sequence number, or
	// ErrNotFound.
	Get(ctx context.Context, seq int64) (*EventRecord, error)

	// LastSequence returns the sequence number of the most recent record,
	// or 0 for an empty trail.
	LastSequence(ctx context.Context) (int64, error)

	// ScanRange streams records with from <= sequence_id <= to in
	// ascending order. A to of 0 means the current tail.
	ScanRange(ctx context.Context, from, to int64, fn func(*EventRecord) error) error

	// Select returns filtered records with sequence_id <= maxSeq, ordered
	// by sequence_id descending, bounded by limit/offset. maxSeq pins the
	// read to a snapshot so pagination is stable under concurrent appends.
	Select(ctx context.Context, f *Filter, maxSeq int64, limit, offset int) ([]*EventRecord, error)

	// Count returns the size of the full filtered set at the snapshot.
	Count(ctx context.Context, f *Filter, maxSeq int64) (int64, error)

	// SelectStream streams the filtered set at the snapshot in the same
	// descending order as Select, without pagination. The export pipeline
	// is a thin wrapper over this scan; it must not diverge from Select.
	SelectStream(ctx context.Context, f *Filter, maxSeq int64, fn func(*EventRecord) error) error

	// Stats aggregates the trail at the snapshot. recentWindow bounds the
	// recent-failure counter (failures with timestamp >= now-window).
	Stats(ctx context.Context, maxSeq int64, recentWindow time.Duration) (*Stats, error)

	// Close releases the underlying medium.
	Close() error
}

// Filter is the normalized, validated filter shared by Select, Count,
// SelectStream, and the export pipeline. Zero values mean "no constraint";
// all set constraints are ANDed.
type Filter struct {
	// EventTypes restricts to any of the given types. Empty means all.
	EventTypes []EventType

	// Success restricts by outcome; nil means both.
	Success *bool

	// UsernamePrefix is a case-insensitive prefix match (exact usernames
	// are a special case of prefix). Empty means all.
	UsernamePrefix string

	// Start and End bound the timestamp range, inclusive on both ends.
	// Zero values mean unbounded.
	Start time.Time
	End   time.Time
}

// matches reports whether a record satisfies the filter. It is the single
// definition of filter semantics for the in-memory store; the postgres store
// mirrors it in SQL.
func (f *Filter) matches(rec *EventRecord) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if rec.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Success != nil && rec.Success != *f.Success {
		return false
	}
	if f.UsernamePrefix != "" && !hasLowerPrefix(rec.Username, f.UsernamePrefix) {
		return false
	}
	if !f.Start.IsZero() && rec.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && rec.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Stats is the derived read over the trail consumed by the review
// dashboard. The counters are computed with the same filter semantics Query
// uses, so the two read paths cannot drift.
type Stats struct {
	TotalEvents      int64 `json:"total_events"`
	SuccessfulLogins int64 `json:"successful_logins"`
	FailedLogins     int64 `json:"failed_logins"`
	TotalLogouts     int64 `json:"total_logouts"`
	UniqueUsers      int64 `json:"unique_users"`
	RecentFailures   int64 `json:"recent_failures"`
}
