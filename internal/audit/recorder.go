package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"go.uber.org/zap"
)

// Entry is a candidate audit event as supplied by a producer (login
// handlers, session management, administration). The recorder turns it into
// an EventRecord; producers never construct records directly.
type Entry struct {
	EventType     EventType
	Success       bool
	Username      string
	IPAddress     string
	UserAgent     string
	FailureReason string
	Details       Details

	// Timestamp defaults to now. Producers that buffer events may carry
	// the original occurrence time.
	Timestamp time.Time
}

// Observer receives append outcomes, typically for metrics.
type Observer interface {
	RecordAppended(eventType string, success bool, elapsed time.Duration)
	AppendFailed(reason string)
}

// RecorderConfig configures the ingestion path.
type RecorderConfig struct {
	// Mirror, when set, receives every committed record (best effort,
	// post-commit). The store remains the single source of truth.
	Mirror Writer

	// Observer receives append outcomes; nil disables observation.
	Observer Observer

	// HashVersion overrides the digest version for new records.
	HashVersion string

	// DisableUserAgentParsing turns off client_browser/client_os
	// enrichment of the details payload.
	DisableUserAgentParsing bool

	Logger *zap.Logger
}

// Recorder is the sole write entry point of the audit trail. Every other
// component is a read-only consumer of the store.
type Recorder struct {
	store       Store
	mirror      Writer
	observer    Observer
	hashVersion string
	parseUA     bool
	logger      *zap.Logger
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store, cfg RecorderConfig) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hashVersion := cfg.HashVersion
	if hashVersion == "" {
		hashVersion = DefaultHashVersion
	}
	return &Recorder{
		store:       store,
		mirror:      cfg.Mirror,
		observer:    cfg.Observer,
		hashVersion: hashVersion,
		parseUA:     !cfg.DisableUserAgentParsing,
		logger:      logger,
	}
}

// Record validates the entry and appends it. The record becomes visible to
// readers only after it is fully persisted with both hashes; there is no
// partially-constructed state. Returns the assigned sequence number.
//
// A failure_reason on a successful event is tolerated (the store is
// forgiving of extra data); its canonical meaning exists only when
// Success is false.
func (r *Recorder) Record(ctx context.Context, e Entry) (int64, error) {
	if err := r.validate(e); err != nil {
		if r.observer != nil {
			r.observer.AppendFailed("validation")
		}
		return 0, err
	}

	rec := &EventRecord{
		EventID:       uuid.New(),
		EventType:     e.EventType,
		Success:       e.Success,
		Username:      e.Username,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		Timestamp:     e.Timestamp,
		FailureReason: e.FailureReason,
		Details:       e.Details.Clone(),
		HashVersion:   r.hashVersion,
	}
	if r.parseUA && e.UserAgent != "" {
		rec.Details = enrichClientDetails(rec.Details, e.UserAgent)
	}

	start := time.Now()
	seq, err := r.store.Append(ctx, rec)
	if err != nil {
		if r.observer != nil {
			r.observer.AppendFailed(failureReasonLabel(err))
		}
		r.logger.Error("audit append failed",
			zap.String("event_type", string(e.EventType)),
			zap.Error(err),
		)
		return 0, err
	}
	if r.observer != nil {
		r.observer.RecordAppended(string(rec.EventType), rec.Success, time.Since(start))
	}

	if r.mirror != nil {
		if err := r.mirror.Write(rec); err != nil {
			// The mirror is a convenience copy, never the source of
			// truth; a mirror failure must not fail the append.
			r.logger.Warn("audit mirror write failed",
				zap.Int64("sequence_id", seq),
				zap.Error(err),
			)
		}
	}
	return seq, nil
}

func (r *Recorder) validate(e Entry) error {
	if e.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrValidation)
	}
	if !IsRegisteredEventType(e.EventType) {
		return fmt.Errorf("%w: unknown event_type %q", ErrValidation, e.EventType)
	}
	if !e.Timestamp.IsZero() && e.Timestamp.After(time.Now().Add(time.Minute)) {
		return fmt.Errorf("%w: timestamp is in the future", ErrValidation)
	}
	return nil
}

// enrichClientDetails parses the user-agent string into the well-known
// client_browser/client_os detail keys. Producer-supplied values win.
func enrichClientDetails(d Details, rawUA string) Details {
	ua := useragent.New(rawUA)
	name, version := ua.Browser()
	if d == nil {
		d = Details{}
	}
	if _, ok := d[DetailClientBrowser]; !ok && name != "" {
		browser := name
		if version != "" {
			browser += " " + version
		}
		d[DetailClientBrowser] = browser
	}
	if _, ok := d[DetailClientOS]; !ok {
		if os := ua.OS(); os != "" {
			d[DetailClientOS] = os
		}
	}
	return d
}

func failureReasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrChainCorruption):
		return "chain_corruption"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "other"
	}
}

// Convenience helpers for the auditable actions the portal produces. Each
// maps one collaborator call site onto the canonical entry shape.

// RecordLoginSuccess logs a successful login; mfaType (e.g. "totp") is
// recorded under the mfa_type detail key when present.
func (r *Recorder) RecordLoginSuccess(ctx context.Context, username, ip, ua, mfaType string) (int64, error) {
	var d Details
	if mfaType != "" {
		d = Details{DetailMFAType: mfaType}
	}
	return r.Record(ctx, Entry{
		EventType: EventLoginSuccess,
		Success:   true,
		Username:  username,
		IPAddress: ip,
		UserAgent: ua,
		Details:   d,
	})
}

// RecordLoginFailure logs a failed login attempt. Username is the attempted
// identifier and may be empty when unknown.
func (r *Recorder) RecordLoginFailure(ctx context.Context, username, ip, ua, reason string) (int64, error) {
	return r.Record(ctx, Entry{
		EventType:     EventLoginFailed,
		Success:       false,
		Username:      username,
		IPAddress:     ip,
		UserAgent:     ua,
		FailureReason: reason,
	})
}

// RecordLogout logs a user logout.
func (r *Recorder) RecordLogout(ctx context.Context, username, ip string) (int64, error) {
	return r.Record(ctx, Entry{
		EventType: EventLogout,
		Success:   true,
		Username:  username,
		IPAddress: ip,
	})
}

// RecordRoleChange logs a role change applied to username by changedBy.
func (r *Recorder) RecordRoleChange(ctx context.Context, username, oldRole, newRole, changedBy, ip string) (int64, error) {
	return r.Record(ctx, Entry{
		EventType: EventRoleChanged,
		Success:   true,
		Username:  username,
		IPAddress: ip,
		Details: Details{
			DetailOldRole:   oldRole,
			DetailNewRole:   newRole,
			DetailChangedBy: changedBy,
		},
	})
}

// RecordPasswordChanged logs a password change.
func (r *Recorder) RecordPasswordChanged(ctx context.Context, username, ip string) (int64, error) {
	return r.Record(ctx, Entry{
		EventType: EventPasswordChanged,
		Success:   true,
		Username:  username,
		IPAddress: ip,
	})
}

// RecordMFAEnrolled logs MFA enrollment for the given factor type.
func (r *Recorder) RecordMFAEnrolled(ctx context.Context, username, ip, mfaType string) (int64, error) {
	return r.Record(ctx, Entry{
		EventType: EventMFAEnrolled,
		Success:   true,
		Username:  username,
		IPAddress: ip,
		Details:   Details{DetailMFAType: mfaType},
	})
}

// RecordMFADisabled logs MFA removal.
func (r *Recorder) RecordMFADisabled(ctx context.Context, username, ip, changedBy string) (int64, error) {
	return r.Record(ctx, Entry{
		EventType: EventMFADisabled,
		Success:   true,
		Username:  username,
		IPAddress: ip,
		Details:   Details{DetailChangedBy: changedBy},
	})
}

// RecordSessionExpired logs a session expiry.
func (r *Recorder) RecordSessionExpired(ctx context.Context, username string) (int64, error) {
	return r.Record(ctx, Entry{
		EventType: EventSessionExpired,
		Success:   true,
		Username:  username,
	})
}

// RecordAccountLocked logs an account lockout.
func (r *Recorder) RecordAccountLocked(ctx context.Context, username, ip, reason string) (int64, error) {
	return r.Record(ctx, Entry{
		EventType:     EventAccountLocked,
		Success:       false,
		Username:      username,
		IPAddress:     ip,
		FailureReason: reason,
	})
}

// RecordAccountUnlocked logs an administrative unlock.
func (r *Recorder) RecordAccountUnlocked(ctx context.Context, username, changedBy, ip string) (int64, error) {
	return r.Record(ctx, Entry{
		EventType: EventAccountUnlocked,
		Success:   true,
		Username:  username,
		IPAddress: ip,
		Details:   Details{DetailChangedBy: changedBy},
	})
}

// RecordEmergencyAccess logs an emergency-access attempt.
func (r *Recorder) RecordEmergencyAccess(ctx context.Context, username, ip, ua string, success bool, reason string) (int64, error) {
	eventType := EventEmergencyAccessSuccess
	if !success {
		eventType = EventEmergencyAccessFailed
	}
	return r.Record(ctx, Entry{
		EventType:     eventType,
		Success:       success,
		Username:      username,
		IPAddress:     ip,
		UserAgent:     ua,
		FailureReason: reason,
	})
}
