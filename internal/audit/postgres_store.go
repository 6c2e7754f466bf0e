package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// appendLockKey serializes appends across every connection and process
// sharing the table, making postgres the single authoritative sequencer.
const appendLockKey = 0x415544495431 // "AUDIT1"

// PostgresStore implements Store on PostgreSQL. The audit_events table is
// append-only at the database level (a trigger rejects UPDATE and DELETE),
// so immutability is part of the store's contract, not a convention.
type PostgresStore struct {
	db          *sql.DB
	logger      *zap.Logger
	hashVersion string

	corrupted bool
}

// NewPostgresStore opens a store over an existing connection pool and
// reconciles the chain tail against the field contents on disk. A tail that
// cannot be reconciled marks the store corrupted: reads still work, but
// Append fails with ErrChainCorruption until the trail has been reviewed.
func NewPostgresStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PostgresStore{
		db:          db,
		logger:      logger,
		hashVersion: DefaultHashVersion,
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := s.reconcileTail(ctx); err != nil {
		if errors.Is(err, ErrChainCorruption) {
			s.corrupted = true
			logger.Error("audit chain tail could not be reconciled; store is read-only until reviewed",
				zap.Error(err))
		} else {
			return nil, err
		}
	}
	return s, nil
}

// reconcileTail recomputes the tail record's hashes from its stored fields.
func (s *PostgresStore) reconcileTail(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM audit_events
		ORDER BY sequence_id DESC
		LIMIT 2
	`)
	if err != nil {
		return fmt.Errorf("%w: load tail: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var tail, prev *EventRecord
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return err
		}
		if tail == nil {
			tail = rec
		} else {
			prev = rec
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: load tail: %v", ErrStorageUnavailable, err)
	}
	if tail == nil {
		return nil // empty trail
	}

	prevChain := ""
	if prev != nil {
		prevChain = prev.ChainHash
		if tail.SequenceID != prev.SequenceID+1 {
			return fmt.Errorf("%w: gap before tail sequence %d", ErrChainCorruption, tail.SequenceID)
		}
	} else if tail.SequenceID != 1 {
		return fmt.Errorf("%w: trail starts at sequence %d", ErrChainCorruption, tail.SequenceID)
	}

	ok, err := VerifyRecord(tail, prevChain)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: tail sequence %d does not match its stored hashes", ErrChainCorruption, tail.SequenceID)
	}
	return nil
}

// Append implements Store. The advisory transaction lock serializes
// sequence assignment and chain-hash computation; the insert commits
// durably before the sequence number is acknowledged, so an append either
// fully happens or not at all.
func (s *PostgresStore) Append(ctx context.Context, rec *EventRecord) (int64, error) {
	if s.corrupted {
		return 0, fmt.Errorf("%w: refusing append on unreconciled tail", ErrChainCorruption)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin append: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return 0, fmt.Errorf("%w: acquire append lock: %v", ErrStorageUnavailable, err)
	}

	var (
		lastSeq  int64
		lastHash string
		lastTS   time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT sequence_id, chain_hash, occurred_at
		FROM audit_events
		ORDER BY sequence_id DESC
		LIMIT 1
	`).Scan(&lastSeq, &lastHash, &lastTS)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("%w: read chain tip: %v", ErrStorageUnavailable, err)
	}

	stored := rec.Clone()
	stored.SequenceID = lastSeq + 1
	if stored.HashVersion == "" {
		stored.HashVersion = s.hashVersion
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	stored.Timestamp = stored.Timestamp.UTC().Truncate(time.Microsecond)
	if stored.Timestamp.Before(lastTS) {
		stored.Timestamp = lastTS.UTC()
	}

	if err := ComputeHashes(stored, lastHash); err != nil {
		return 0, err
	}

	detailsJSON, err := json.Marshal(stored.Details)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal details: %v", ErrValidation, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (
			sequence_id, event_id, event_type, success, username,
			ip_address, user_agent, occurred_at, failure_reason, details,
			hash_version, record_hash, chain_hash
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`,
		stored.SequenceID,
		stored.EventID,
		string(stored.EventType),
		stored.Success,
		nullString(stored.Username),
		nullString(stored.IPAddress),
		nullString(stored.UserAgent),
		stored.Timestamp,
		nullString(stored.FailureReason),
		detailsJSON,
		stored.HashVersion,
		stored.RecordHash,
		stored.ChainHash,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert audit event: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit append: %v", ErrStorageUnavailable, err)
	}

	rec.SequenceID = stored.SequenceID
	rec.Timestamp = stored.Timestamp
	rec.HashVersion = stored.HashVersion
	rec.RecordHash = stored.RecordHash
	rec.ChainHash = stored.ChainHash
	return stored.SequenceID, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, seq int64) (*EventRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		FROM audit_events
		WHERE sequence_id = $1
	`, seq)
	rec, err := scanEventRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// LastSequence implements Store.
func (s *PostgresStore) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence_id), 0) FROM audit_events").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: read last sequence: %v", ErrStorageUnavailable, err)
	}
	return seq, nil
}

// ScanRange implements Store.
func (s *PostgresStore) ScanRange(ctx context.Context, from, to int64, fn func(*EventRecord) error) error {
	if from < 1 {
		from = 1
	}
	query := selectColumns + " FROM audit_events WHERE sequence_id >= $1"
	args := []interface{}{from}
	if to > 0 {
		query += " AND sequence_id <= $2"
		args = append(args, to)
	}
	query += " ORDER BY sequence_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: scan range: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: scan range: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// buildWhere renders the shared filter semantics as SQL. The memory store's
// Filter.matches is the reference; the two must agree.
func buildWhere(f *Filter, maxSeq int64) (string, []interface{}) {
	clauses := []string{"sequence_id <= $1"}
	args := []interface{}{maxSeq}
	idx := 2

	if f != nil {
		if len(f.EventTypes) > 0 {
			types := make([]string, len(f.EventTypes))
			for i, t := range f.EventTypes {
				types[i] = string(t)
			}
			clauses = append(clauses, fmt.Sprintf("event_type = ANY($%d)", idx))
			args = append(args, pq.Array(types))
			idx++
		}
		if f.Success != nil {
			clauses = append(clauses, fmt.Sprintf("success = $%d", idx))
			args = append(args, *f.Success)
			idx++
		}
		if f.UsernamePrefix != "" {
			clauses = append(clauses, fmt.Sprintf("lower(username) LIKE lower($%d) || '%%'", idx))
			args = append(args, escapeLike(f.UsernamePrefix))
			idx++
		}
		if !f.Start.IsZero() {
			clauses = append(clauses, fmt.Sprintf("occurred_at >= $%d", idx))
			args = append(args, f.Start.UTC())
			idx++
		}
		if !f.End.IsZero() {
			clauses = append(clauses, fmt.Sprintf("occurred_at <= $%d", idx))
			args = append(args, f.End.UTC())
			idx++
		}
	}
	return strings.Join(clauses, " AND "), args
}

// Select implements Store.
func (s *PostgresStore) Select(ctx context.Context, f *Filter, maxSeq int64, limit, offset int) ([]*EventRecord, error) {
	where, args := buildWhere(f, maxSeq)
	query := fmt.Sprintf("%s FROM audit_events WHERE %s ORDER BY sequence_id DESC LIMIT $%d OFFSET $%d",
		selectColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: select: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, f *Filter, maxSeq int64) (int64, error) {
	where, args := buildWhere(f, maxSeq)
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}

// SelectStream implements Store. The scan holds no lock that excludes
// writers; large exports run concurrently with ongoing appends.
func (s *PostgresStore) SelectStream(ctx context.Context, f *Filter, maxSeq int64, fn func(*EventRecord) error) error {
	where, args := buildWhere(f, maxSeq)
	query := selectColumns + " FROM audit_events WHERE " + where + " ORDER BY sequence_id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: select stream: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := scanEventRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: select stream: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Stats implements Store. A single aggregate pass keeps the counters
// consistent with one snapshot of the trail.
func (s *PostgresStore) Stats(ctx context.Context, maxSeq int64, recentWindow time.Duration) (*Stats, error) {
	recentCutoff := time.Now().UTC().Add(-recentWindow)

	stats := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE event_type = $2 AND success),
			COUNT(*) FILTER (WHERE event_type = $3 AND NOT success),
			COUNT(*) FILTER (WHERE event_type = $4),
			COUNT(DISTINCT username),
			COUNT(*) FILTER (WHERE NOT success AND occurred_at >= $5)
		FROM audit_events
		WHERE sequence_id <= $1
	`,
		maxSeq,
		string(EventLoginSuccess),
		string(EventLoginFailed),
		string(EventLogout),
		recentCutoff,
	).Scan(
		&stats.TotalEvents,
		&stats.SuccessfulLogins,
		&stats.FailedLogins,
		&stats.TotalLogouts,
		&stats.UniqueUsers,
		&stats.RecentFailures,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %v", ErrStorageUnavailable, err)
	}
	return stats, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT
		sequence_id, event_id, event_type, success, username,
		ip_address, user_agent, occurred_at, failure_reason, details,
		hash_version, record_hash, chain_hash`

// scanEventRecord scans a database row into an EventRecord.
func scanEventRecord(scanner interface {
	Scan(dest ...interface{}) error
}) (*EventRecord, error) {
	var (
		rec                      EventRecord
		eventType                string
		username, ip, ua, reason sql.NullString
		detailsJSON              []byte
	)

	err := scanner.Scan(
		&rec.SequenceID,
		&rec.EventID,
		&eventType,
		&rec.Success,
		&username,
		&ip,
		&ua,
		&rec.Timestamp,
		&reason,
		&detailsJSON,
		&rec.HashVersion,
		&rec.RecordHash,
		&rec.ChainHash,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan row: %v", ErrStorageUnavailable, err)
	}

	rec.EventType = EventType(eventType)
	rec.Username = username.String
	rec.IPAddress = ip.String
	rec.UserAgent = ua.String
	rec.FailureReason = reason.String
	rec.Timestamp = rec.Timestamp.UTC()

	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &rec.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details for sequence %d: %w", rec.SequenceID, err)
		}
	}
	return &rec, nil
}

// nullString maps empty strings to SQL NULL so the stored form matches the
// canonical encoding's explicit-null convention for absent optionals.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// escapeLike escapes LIKE metacharacters in a user-supplied prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
