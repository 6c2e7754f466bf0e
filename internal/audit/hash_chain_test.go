package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *EventRecord {
	return &EventRecord{
		SequenceID:  1,
		EventID:     uuid.MustParse("3f1d0a9e-8b44-4c1e-9f27-6a5d2e8b0c11"),
		EventType:   EventLoginSuccess,
		Success:     true,
		Username:    "alice",
		IPAddress:   "192.168.1.10",
		UserAgent:   "Mozilla/5.0",
		Timestamp:   time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC),
		Details:     Details{"mfa_type": "totp"},
		HashVersion: HashVersionSHA256,
	}
}

func TestComputeRecordHash_Deterministic(t *testing.T) {
	rec := testRecord()

	h1, err := ComputeRecordHash(rec)
	require.NoError(t, err)
	h2, err := ComputeRecordHash(rec)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // SHA-256 produces 64 hex chars
}

func TestComputeRecordHash_IndependentComputationsAgree(t *testing.T) {
	// Two separately constructed records with the same logical content
	// must hash identically regardless of details insertion order.
	a := testRecord()
	a.Details = Details{"mfa_type": "totp", "client_os": "Linux"}

	b := testRecord()
	b.Details = Details{"client_os": "Linux", "mfa_type": "totp"}

	ha, err := ComputeRecordHash(a)
	require.NoError(t, err)
	hb, err := ComputeRecordHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestComputeRecordHash_FieldSensitivity(t *testing.T) {
	base, err := ComputeRecordHash(testRecord())
	require.NoError(t, err)

	mutations := map[string]func(*EventRecord){
		"sequence":  func(r *EventRecord) { r.SequenceID = 2 },
		"type":      func(r *EventRecord) { r.EventType = EventLoginFailed },
		"success":   func(r *EventRecord) { r.Success = false },
		"username":  func(r *EventRecord) { r.Username = "bob" },
		"ip":        func(r *EventRecord) { r.IPAddress = "10.0.0.1" },
		"timestamp": func(r *EventRecord) { r.Timestamp = r.Timestamp.Add(time.Microsecond) },
		"details":   func(r *EventRecord) { r.Details["mfa_type"] = "sms" },
	}
	for name, mutate := range mutations {
		rec := testRecord()
		mutate(rec)
		h, err := ComputeRecordHash(rec)
		require.NoError(t, err)
		assert.NotEqual(t, base, h, "mutation %q did not change the hash", name)
	}
}

func TestCanonicalEncoding_NullsAndEmptyDetails(t *testing.T) {
	rec := testRecord()
	rec.Username = ""
	rec.FailureReason = ""
	rec.Details = nil

	data, err := CanonicalEncoding(rec)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))

	// Absent optionals encode as explicit null, absent details as {}.
	assert.Equal(t, "null", string(decoded["username"]))
	assert.Equal(t, "null", string(decoded["failure_reason"]))
	assert.Equal(t, "{}", string(decoded["details"]))
	assert.Contains(t, string(data), `"hash_version":"sha256/v1"`)
}

func TestCanonicalEncoding_TimestampFormat(t *testing.T) {
	rec := testRecord()
	rec.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 600000, time.UTC)

	data, err := CanonicalEncoding(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp":"2026-01-02T03:04:05.000600Z"`)
}

func TestComputeChainHash_GenesisSeed(t *testing.T) {
	recordHash := "deadbeef"

	fromEmpty, err := ComputeChainHash(HashVersionSHA256, recordHash, "")
	require.NoError(t, err)
	fromSeed, err := ComputeChainHash(HashVersionSHA256, recordHash, GenesisSeed)
	require.NoError(t, err)

	assert.Equal(t, fromSeed, fromEmpty)
	assert.Len(t, fromEmpty, 64)
}

func TestComputeChainHash_LinksPrevious(t *testing.T) {
	h1, err := ComputeChainHash(HashVersionSHA256, "aa", "")
	require.NoError(t, err)
	h2, err := ComputeChainHash(HashVersionSHA256, "aa", h1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestComputeRecordHash_SHA3Version(t *testing.T) {
	rec := testRecord()
	sha2, err := ComputeRecordHash(rec)
	require.NoError(t, err)

	rec.HashVersion = HashVersionSHA3
	sha3Hash, err := ComputeRecordHash(rec)
	require.NoError(t, err)

	// Version is part of the encoding, so the digests differ even before
	// the algorithm switch is considered.
	assert.NotEqual(t, sha2, sha3Hash)
	assert.Len(t, sha3Hash, 64)
}

func TestComputeRecordHash_UnknownVersion(t *testing.T) {
	rec := testRecord()
	rec.HashVersion = "md5/v1"

	_, err := ComputeRecordHash(rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestVerifyRecord(t *testing.T) {
	rec := testRecord()
	require.NoError(t, ComputeHashes(rec, ""))

	ok, err := VerifyRecord(rec, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampered field content fails the record hash.
	tampered := rec.Clone()
	tampered.Username = "mallory"
	ok, err = VerifyRecord(tampered, "")
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong chain base fails the chain hash even with intact fields.
	ok, err = VerifyRecord(rec, "0000")
	require.NoError(t, err)
	assert.False(t, ok)
}
