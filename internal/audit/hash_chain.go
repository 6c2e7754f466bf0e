package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// GenesisSeed is the fixed seed the first record chains from:
//
//	chain_hash[1] = H(record_hash[1] || GenesisSeed)
//
// It is compliance-relevant and must never change for the lifetime of a
// deployed trail; a new seed requires a new trail.
const GenesisSeed = "audit-chain-genesis/v1"

// Registered hash versions. The version travels on every record and inside
// its canonical encoding, so the algorithm can evolve without orphaning old
// records: verification always uses the version the record was written with.
const (
	HashVersionSHA256 = "sha256/v1"
	HashVersionSHA3   = "sha3-256/v1"

	DefaultHashVersion = HashVersionSHA256
)

// canonicalTimeFormat is the timestamp encoding used for hashing: UTC,
// microsecond precision, fixed width. Locale-independent by construction.
const canonicalTimeFormat = "2006-01-02T15:04:05.000000Z"

// digest dispatches on the hash version. 256-bit output for all versions.
func digest(version string, data []byte) ([]byte, error) {
	switch version {
	case HashVersionSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case HashVersionSHA3:
		sum := sha3.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: unknown hash version %q", ErrValidation, version)
	}
}

// canonicalRecord is the hash input. Field order is fixed, absent optional
// fields are encoded as explicit nulls, and the details map is key-sorted by
// encoding/json, so two independent computations over the same logical
// record are byte-identical.
type canonicalRecord struct {
	SequenceID    int64   `json:"sequence_id"`
	EventID       string  `json:"event_id"`
	EventType     string  `json:"event_type"`
	Success       bool    `json:"success"`
	Username      *string `json:"username"`
	IPAddress     *string `json:"ip_address"`
	UserAgent     *string `json:"user_agent"`
	Timestamp     string  `json:"timestamp"`
	FailureReason *string `json:"failure_reason"`
	Details       Details `json:"details"`
	HashVersion   string  `json:"hash_version"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CanonicalEncoding returns the stable byte encoding of a record's hashed
// fields. RecordHash and ChainHash are not part of the encoding.
func CanonicalEncoding(rec *EventRecord) ([]byte, error) {
	details := rec.Details
	if details == nil {
		details = Details{}
	}
	c := canonicalRecord{
		SequenceID:    rec.SequenceID,
		EventID:       rec.EventID.String(),
		EventType:     string(rec.EventType),
		Success:       rec.Success,
		Username:      optional(rec.Username),
		IPAddress:     optional(rec.IPAddress),
		UserAgent:     optional(rec.UserAgent),
		Timestamp:     rec.Timestamp.UTC().Format(canonicalTimeFormat),
		FailureReason: optional(rec.FailureReason),
		Details:       details,
		HashVersion:   rec.HashVersion,
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical record: %w", err)
	}
	return data, nil
}

// ComputeRecordHash computes the hex digest of the record's canonical
// encoding using the record's hash version. Pure function; does not modify
// the record.
func ComputeRecordHash(rec *EventRecord) (string, error) {
	data, err := CanonicalEncoding(rec)
	if err != nil {
		return "", err
	}
	sum, err := digest(rec.HashVersion, data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// ComputeChainHash links a record hash to the previous chain hash:
//
//	chain_hash[n] = H(record_hash[n] || chain_hash[n-1])
//
// An empty prevChainHash selects the genesis seed.
func ComputeChainHash(version, recordHash, prevChainHash string) (string, error) {
	if prevChainHash == "" {
		prevChainHash = GenesisSeed
	}
	sum, err := digest(version, []byte(recordHash+prevChainHash))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// ComputeHashes fills in RecordHash and ChainHash for a record that already
// has its sequence number assigned. This is the append-time path; the store
// calls it while holding the writer lock.
func ComputeHashes(rec *EventRecord, prevChainHash string) error {
	recordHash, err := ComputeRecordHash(rec)
	if err != nil {
		return err
	}
	chainHash, err := ComputeChainHash(rec.HashVersion, recordHash, prevChainHash)
	if err != nil {
		return err
	}
	rec.RecordHash = recordHash
	rec.ChainHash = chainHash
	return nil
}

// VerifyRecord recomputes both hashes of a stored record from its field
// contents and the previous chain hash, and reports whether they match the
// stored values. Side-effect free.
func VerifyRecord(rec *EventRecord, prevChainHash string) (bool, error) {
	recordHash, err := ComputeRecordHash(rec)
	if err != nil {
		return false, err
	}
	if recordHash != rec.RecordHash {
		return false, nil
	}
	chainHash, err := ComputeChainHash(rec.HashVersion, recordHash, prevChainHash)
	if err != nil {
		return false, err
	}
	return chainHash == rec.ChainHash, nil
}
