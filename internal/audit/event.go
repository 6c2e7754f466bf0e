// Package audit implements the security audit trail: an append-only,
// hash-chained event log with filtered query, stats aggregation, streaming
// CSV export, and chain verification.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of auditable action that produced a record.
type EventType string

const (
	EventLoginSuccess           EventType = "login_success"
	EventLoginFailed            EventType = "login_failed"
	EventLogout                 EventType = "logout"
	EventRoleChanged            EventType = "role_changed"
	EventMFAEnrolled            EventType = "mfa_enrolled"
	EventMFADisabled            EventType = "mfa_disabled"
	EventPasswordChanged        EventType = "password_changed"
	EventSessionExpired         EventType = "session_expired"
	EventAccountLocked          EventType = "account_locked"
	EventAccountUnlocked        EventType = "account_unlocked"
	EventEmergencyAccessSuccess EventType = "emergency_access_success"
	EventEmergencyAccessFailed  EventType = "emergency_access_failed"
)

// Well-known detail keys. Details is an open map; these are the keys the
// review UI knows how to render.
const (
	DetailMFAType       = "mfa_type"
	DetailOldRole       = "old_role"
	DetailNewRole       = "new_role"
	DetailChangedBy     = "changed_by"
	DetailClientBrowser = "client_browser"
	DetailClientOS      = "client_os"
)

var (
	eventTypesMu sync.RWMutex
	eventTypes   = map[EventType]struct{}{
		EventLoginSuccess:           {},
		EventLoginFailed:            {},
		EventLogout:                 {},
		EventRoleChanged:            {},
		EventMFAEnrolled:            {},
		EventMFADisabled:            {},
		EventPasswordChanged:        {},
		EventSessionExpired:         {},
		EventAccountLocked:          {},
		EventAccountUnlocked:        {},
		EventEmergencyAccessSuccess: {},
		EventEmergencyAccessFailed:  {},
	}
)

// RegisterEventType adds a new event type to the registry. The set is
// extensible so collaborating subsystems can define their own auditable
// actions; registration must happen before the first record of that type.
func RegisterEventType(t EventType) {
	eventTypesMu.Lock()
	defer eventTypesMu.Unlock()
	eventTypes[t] = struct{}{}
}

// IsRegisteredEventType reports whether t is a known event type.
func IsRegisteredEventType(t EventType) bool {
	eventTypesMu.RLock()
	defer eventTypesMu.RUnlock()
	_, ok := eventTypes[t]
	return ok
}

// RegisteredEventTypes returns the current set of event types.
func RegisteredEventTypes() []EventType {
	eventTypesMu.RLock()
	defer eventTypesMu.RUnlock()
	out := make([]EventType, 0, len(eventTypes))
	for t := range eventTypes {
		out = append(out, t)
	}
	return out
}

// Details is the open key-value payload for event-specific metadata. The
// integrity mechanism never reinterprets it; it is hashed as an opaque,
// key-sorted JSON object.
type Details map[string]interface{}

// Clone returns a shallow copy of the details map.
func (d Details) Clone() Details {
	if d == nil {
		return nil
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// EventRecord is the immutable unit of record in the audit trail. Once a
// record is appended it is never updated or deleted; any retroactive edit
// invalidates every subsequent chain hash.
type EventRecord struct {
	// SequenceID is assigned by the store at append time and defines the
	// total order of the trail. It strictly increases by 1 per append.
	SequenceID int64 `json:"sequence_id"`

	// EventID is a globally unique identifier carried alongside the
	// sequence number for cross-system correlation.
	EventID uuid.UUID `json:"event_id"`

	EventType EventType `json:"event_type"`
	Success   bool      `json:"success"`

	// Username is empty for pre-authentication failures where the actor
	// identity is unknown.
	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// Timestamp is the event occurrence time in UTC, truncated to
	// microsecond precision (the canonical hashing precision). It is
	// monotonic with SequenceID; ties are broken by sequence.
	Timestamp time.Time `json:"timestamp"`

	// FailureReason carries canonical meaning only when Success is false.
	FailureReason string `json:"failure_reason,omitempty"`

	Details Details `json:"details,omitempty"`

	// HashVersion names the digest algorithm used for both hashes, e.g.
	// "sha256/v1". It is part of the canonical encoding, so it is covered
	// by RecordHash and cannot be silently rewritten.
	HashVersion string `json:"hash_version"`

	// RecordHash is the digest of the canonical encoding of all fields
	// above. ChainHash links it to the previous record's ChainHash.
	RecordHash string `json:"record_hash"`
	ChainHash  string `json:"chain_hash"`
}

// Clone returns a copy of the record with its own details map.
func (r *EventRecord) Clone() *EventRecord {
	out := *r
	out.Details = r.Details.Clone()
	return &out
}
