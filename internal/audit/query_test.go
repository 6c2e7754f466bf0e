package audit

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedTrail populates a store with the canonical review scenario: alice
// logs in twice and out once, bob logs in once and fails once.
func seedTrail(t *testing.T, s Store) {
	t.Helper()
	appendEvent(t, s, EventLoginSuccess, true, "alice")
	appendEvent(t, s, EventLoginSuccess, true, "bob")
	appendEvent(t, s, EventLoginFailed, false, "bob")
	appendEvent(t, s, EventLoginSuccess, true, "alice")
	appendEvent(t, s, EventLogout, true, "alice")
}

func TestQuery_NoFilters(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	q := NewQueryEngine(s, nil)

	res, err := q.Query(context.Background(), QueryParams{})
	require.NoError(t, err)

	assert.Equal(t, int64(5), res.TotalCount)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, DefaultPageSize, res.PageSize)
	require.Len(t, res.Records, 5)

	// Most recent first.
	assert.Equal(t, int64(5), res.Records[0].SequenceID)
	assert.Equal(t, int64(1), res.Records[4].SequenceID)
}

func TestQuery_EventTypeFilter(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	q := NewQueryEngine(s, nil)

	res, err := q.Query(context.Background(), QueryParams{EventType: "login_failed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalCount)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "bob", res.Records[0].Username)

	// "all" and empty are equivalent pass-throughs.
	all, err := q.Query(context.Background(), QueryParams{EventType: "all"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), all.TotalCount)
}

func TestQuery_UnknownEventType(t *testing.T) {
	q := NewQueryEngine(NewMemoryStore(), nil)

	_, err := q.Query(context.Background(), QueryParams{EventType: "privilege_escalation"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestQuery_SuccessFilter(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	q := NewQueryEngine(s, nil)

	failures, err := q.Query(context.Background(), QueryParams{Success: "false"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), failures.TotalCount)

	successes, err := q.Query(context.Background(), QueryParams{Success: "true"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), successes.TotalCount)

	both, err := q.Query(context.Background(), QueryParams{Success: "all"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), both.TotalCount)

	_, err = q.Query(context.Background(), QueryParams{Success: "yes"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestQuery_UsernamePrefix(t *testing.T) {
	s := NewMemoryStore()
	appendEvent(t, s, EventLoginSuccess, true, "Alice")
	appendEvent(t, s, EventLoginSuccess, true, "alicia")
	appendEvent(t, s, EventLoginSuccess, true, "bob")
	q := NewQueryEngine(s, nil)

	res, err := q.Query(context.Background(), QueryParams{Username: "ali"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.TotalCount)

	// Exact name is the degenerate prefix, case-insensitively.
	exact, err := q.Query(context.Background(), QueryParams{Username: "ALICE"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), exact.TotalCount)
}

func TestQuery_UsernamePrefixNonASCII(t *testing.T) {
	s := NewMemoryStore()
	appendEvent(t, s, EventLoginSuccess, true, "Łukasz")
	appendEvent(t, s, EventLoginSuccess, true, "İbrahim")
	appendEvent(t, s, EventLoginSuccess, true, "lukas")
	q := NewQueryEngine(s, nil)

	// Lowercase-prefix semantics, not byte slicing: multi-byte initials
	// match the way lower(username) LIKE lower(prefix) does in SQL.
	res, err := q.Query(context.Background(), QueryParams{Username: "łuka"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalCount)

	// İ lowercases to i plus a combining dot, so a plain "i" prefix
	// still finds it.
	res, err = q.Query(context.Background(), QueryParams{Username: "i"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalCount)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "İbrahim", res.Records[0].Username)
}

func TestQuery_DateRange(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		rec := &EventRecord{
			EventID:   uuid.New(),
			EventType: EventLoginSuccess,
			Success:   true,
			Username:  "alice",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		_, err := s.Append(context.Background(), rec)
		require.NoError(t, err)
	}
	q := NewQueryEngine(s, nil)

	res, err := q.Query(context.Background(), QueryParams{
		StartDate: base.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	// Range bounds are inclusive; the record at the bound itself is in.
	assert.Equal(t, int64(3), res.TotalCount)

	bounded, err := q.Query(context.Background(), QueryParams{
		StartDate: base.Add(1 * time.Minute),
		EndDate:   base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), bounded.TotalCount)
}

func TestQuery_InvertedDateRangeMatchesNothing(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	q := NewQueryEngine(s, nil)

	res, err := q.Query(context.Background(), QueryParams{
		StartDate: time.Now(),
		EndDate:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.TotalCount)
	assert.Empty(t, res.Records)
}

func TestQuery_Pagination(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 7; i++ {
		appendEvent(t, s, EventLoginSuccess, true, "alice")
	}
	q := NewQueryEngine(s, nil)

	page1, err := q.Query(context.Background(), QueryParams{Page: 1, PageSize: 3})
	require.NoError(t, err)
	page2, err := q.Query(context.Background(), QueryParams{Page: 2, PageSize: 3})
	require.NoError(t, err)
	page3, err := q.Query(context.Background(), QueryParams{Page: 3, PageSize: 3})
	require.NoError(t, err)

	assert.Equal(t, int64(7), page1.TotalCount)
	require.Len(t, page1.Records, 3)
	require.Len(t, page2.Records, 3)
	require.Len(t, page3.Records, 1)

	// Pages tile the descending sequence with no overlap or gap.
	var seqs []int64
	for _, page := range []*QueryResult{page1, page2, page3} {
		for _, rec := range page.Records {
			seqs = append(seqs, rec.SequenceID)
		}
	}
	assert.Equal(t, []int64{7, 6, 5, 4, 3, 2, 1}, seqs)
}

func TestQuery_RepeatedQueryIsIdentical(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	q := NewQueryEngine(s, nil)

	p := QueryParams{Page: 1, PageSize: 2}
	first, err := q.Query(context.Background(), p)
	require.NoError(t, err)
	second, err := q.Query(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSelect_SnapshotStableUnderAppends(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)

	maxSeq, err := s.LastSequence(context.Background())
	require.NoError(t, err)

	// Appends landing after the snapshot is pinned never shift it.
	appendEvent(t, s, EventLoginSuccess, true, "carol")
	appendEvent(t, s, EventLoginSuccess, true, "dave")

	count, err := s.Count(context.Background(), &Filter{}, maxSeq)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	records, err := s.Select(context.Background(), &Filter{}, maxSeq, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, int64(5), records[0].SequenceID)
}

func TestQuery_PagePastEnd(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	q := NewQueryEngine(s, nil)

	res, err := q.Query(context.Background(), QueryParams{Page: 40, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	// The total still reflects the full filtered set.
	assert.Equal(t, int64(5), res.TotalCount)
	assert.Equal(t, 40, res.Page)

	// A page number near MaxInt must not wrap the offset arithmetic back
	// into the first page.
	res, err = q.Query(context.Background(), QueryParams{Page: math.MaxInt, PageSize: MaxPageSize})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, int64(5), res.TotalCount)

	// Last valid page and first empty page sit exactly one apart.
	res, err = q.Query(context.Background(), QueryParams{Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
	res, err = q.Query(context.Background(), QueryParams{Page: 4, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestQuery_PageAndSizeBounds(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	q := NewQueryEngine(s, nil)

	_, err := q.Query(context.Background(), QueryParams{Page: -1})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	res, err := q.Query(context.Background(), QueryParams{PageSize: 100000})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, res.PageSize)

	res, err = q.Query(context.Background(), QueryParams{PageSize: -5})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, res.PageSize)
}

func TestQuery_CombinedFilters(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	q := NewQueryEngine(s, nil)

	res, err := q.Query(context.Background(), QueryParams{
		EventType: "login_success",
		Success:   "true",
		Username:  "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.TotalCount)
}

func TestStats_Scenario(t *testing.T) {
	s := NewMemoryStore()
	seedTrail(t, s)
	q := NewQueryEngine(s, nil)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.TotalEvents)
	assert.Equal(t, int64(3), stats.SuccessfulLogins)
	assert.Equal(t, int64(1), stats.FailedLogins)
	assert.Equal(t, int64(1), stats.TotalLogouts)
	assert.Equal(t, int64(2), stats.UniqueUsers)
	// All failures here are fresh, so they all land in the recent window.
	assert.Equal(t, int64(1), stats.RecentFailures)
}

func TestStats_AnonymousFailuresExcludedFromUniqueUsers(t *testing.T) {
	s := NewMemoryStore()
	appendEvent(t, s, EventLoginFailed, false, "")
	appendEvent(t, s, EventLoginSuccess, true, "alice")
	q := NewQueryEngine(s, nil)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.UniqueUsers)
}

func TestStats_Empty(t *testing.T) {
	q := NewQueryEngine(NewMemoryStore(), nil)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Stats{}, stats)
}

func TestValidateQueryParams(t *testing.T) {
	assert.NoError(t, ValidateQueryParams(QueryParams{EventType: "login_success", Success: "true"}))
	assert.ErrorIs(t, ValidateQueryParams(QueryParams{EventType: "bogus"}), ErrInvalidFilter)
	assert.ErrorIs(t, ValidateQueryParams(QueryParams{Success: "maybe"}), ErrInvalidFilter)
}

func TestRegisterEventType_ExtendsFilterVocabulary(t *testing.T) {
	custom := EventType("records_request_opened")
	require.False(t, IsRegisteredEventType(custom))
	RegisterEventType(custom)
	assert.True(t, IsRegisteredEventType(custom))

	s := NewMemoryStore()
	_, err := s.Append(context.Background(), &EventRecord{
		EventID: uuid.New(), EventType: custom, Success: true, Username: "clerk",
	})
	require.NoError(t, err)

	q := NewQueryEngine(s, nil)
	res, err := q.Query(context.Background(), QueryParams{EventType: string(custom)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalCount)
}
