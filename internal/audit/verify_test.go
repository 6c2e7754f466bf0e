package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_IntactTrail(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	v := NewVerifier(s, nil)

	result, err := v.Verify(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Nil(t, result.FirstBrokenSequence)
	assert.Equal(t, int64(1), result.CheckedFrom)
	assert.Equal(t, int64(5), result.CheckedTo)
	assert.False(t, result.VerifiedAt.IsZero())
}

func TestVerify_EmptyTrail(t *testing.T) {
	v := NewVerifier(NewMemoryStore(), nil)

	result, err := v.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
}

func TestVerify_TamperedFieldDetectedAtFirstBreak(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	v := NewVerifier(s, nil)

	// Retroactively flip the outcome of record 3, bypassing the append
	// path the way an attacker with storage access would.
	s.records[2].Success = true

	result, err := v.Verify(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.False(t, result.OK)
	require.NotNil(t, result.FirstBrokenSequence)
	assert.Equal(t, int64(3), *result.FirstBrokenSequence)
}

func TestVerify_RechainedSuffixStillDetected(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	v := NewVerifier(s, nil)

	// A smarter attacker edits record 2 and recomputes its hashes so the
	// record is self-consistent. The chain link from record 3 still
	// exposes the edit.
	s.records[1].Username = "mallory"
	require.NoError(t, ComputeHashes(s.records[1], s.records[0].ChainHash))

	result, err := v.Verify(context.Background(), 0, 0)
	require.NoError(t, err)

	assert.False(t, result.OK)
	require.NotNil(t, result.FirstBrokenSequence)
	assert.Equal(t, int64(3), *result.FirstBrokenSequence)
}

func TestVerify_MissingTailRecords(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	v := NewVerifier(s, nil)

	// Asking past the tail means the trailing records are missing.
	result, err := v.Verify(context.Background(), 1, 7)
	require.NoError(t, err)

	assert.False(t, result.OK)
	require.NotNil(t, result.FirstBrokenSequence)
	assert.Equal(t, int64(6), *result.FirstBrokenSequence)
}

func TestVerify_SubrangeTrustsBase(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	v := NewVerifier(s, nil)

	result, err := v.Verify(context.Background(), 3, 5)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(3), result.CheckedFrom)
	assert.Equal(t, int64(5), result.CheckedTo)
}

func TestVerify_InvertedRangeIsVacuouslyOK(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	v := NewVerifier(s, nil)

	result, err := v.Verify(context.Background(), 5, 2)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Nil(t, result.FirstBrokenSequence)
}

func TestVerifyIncremental_AdvancesCheckpoint(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	v := NewVerifier(s, nil)

	result, err := v.VerifyIncremental(context.Background())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(5), v.Checkpoint())

	appendEvent(t, s, EventLoginSuccess, true, "carol")
	appendEvent(t, s, EventLogout, true, "carol")

	// The second pass only walks the two new records.
	result, err = v.VerifyIncremental(context.Background())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(6), result.CheckedFrom)
	assert.Equal(t, int64(7), result.CheckedTo)
	assert.Equal(t, int64(7), v.Checkpoint())
}

// getCountingStore counts Get calls so tests can observe whether a
// verification walk re-read its base record.
type getCountingStore struct {
	*MemoryStore
	gets int
}

func (s *getCountingStore) Get(ctx context.Context, seq int64) (*EventRecord, error) {
	s.gets++
	return s.MemoryStore.Get(ctx, seq)
}

func TestVerifyIncremental_ResumesFromCheckpointHash(t *testing.T) {
	s := &getCountingStore{MemoryStore: NewMemoryStore()}
	seedTrail(t, s)
	v := NewVerifier(s, nil)

	_, err := v.VerifyIncremental(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), v.Checkpoint())

	appendEvent(t, s, EventLoginSuccess, true, "carol")
	s.gets = 0

	// The base comes from the recomputed checkpoint hash, not a re-read
	// of record 5.
	result, err := v.VerifyIncremental(context.Background())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Zero(t, s.gets)
	assert.Equal(t, int64(6), v.Checkpoint())
}

func TestVerifyIncremental_FailureDoesNotAdvanceCheckpoint(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	v := NewVerifier(s, nil)

	_, err := v.VerifyIncremental(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), v.Checkpoint())

	appendEvent(t, s, EventLoginSuccess, true, "carol")
	s.records[5].IPAddress = "10.9.9.9"

	result, err := v.VerifyIncremental(context.Background())
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, int64(5), v.Checkpoint())
}
