package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Pagination bounds. Page numbers are 1-indexed; a page past the end of the
// filtered set returns an empty record set with the correct total count.
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// RecentFailureWindow bounds the recent_failures stats counter.
const RecentFailureWindow = 24 * time.Hour

// QueryParams is the caller-facing filter and pagination surface, mirroring
// the review UI's query string. All filters are optional and ANDed.
type QueryParams struct {
	// EventType is a registered event type, "all", or empty.
	EventType string

	// Success is "true", "false", "all", or empty.
	Success string

	// Username matches exactly or by prefix, case-insensitively.
	Username string

	// StartDate and EndDate bound the timestamp range, inclusive.
	StartDate time.Time
	EndDate   time.Time

	Page     int
	PageSize int
}

// QueryResult is one page of the filtered trail. TotalCount reflects the
// full filtered set so clients can compute total pages.
type QueryResult struct {
	Records    []*EventRecord `json:"records"`
	TotalCount int64          `json:"total_count"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
}

// normalizeFilter validates caller parameters and produces the normalized
// Filter shared by the query engine and the export pipeline, so the two
// read paths cannot diverge. An inverted date range is legal and simply
// matches nothing; an unknown event type is ErrInvalidFilter.
func normalizeFilter(p QueryParams) (*Filter, error) {
	f := &Filter{}

	switch t := strings.TrimSpace(p.EventType); t {
	case "", "all":
	default:
		if !IsRegisteredEventType(EventType(t)) {
			return nil, fmt.Errorf("%w: unknown event_type %q", ErrInvalidFilter, t)
		}
		f.EventTypes = []EventType{EventType(t)}
	}

	switch s := strings.TrimSpace(strings.ToLower(p.Success)); s {
	case "", "all":
	case "true":
		f.Success = boolPtr(true)
	case "false":
		f.Success = boolPtr(false)
	default:
		return nil, fmt.Errorf("%w: success must be true, false, or all, got %q", ErrInvalidFilter, s)
	}

	f.UsernamePrefix = strings.TrimSpace(p.Username)
	f.Start = p.StartDate
	f.End = p.EndDate
	return f, nil
}

// QueryEngine is the read path over a Store: filtered, paginated views plus
// the stats aggregate. It never mutates the trail and runs with unbounded
// concurrency against ongoing appends.
type QueryEngine struct {
	store  Store
	logger *zap.Logger
}

// NewQueryEngine creates a query engine over the given store.
func NewQueryEngine(store Store, logger *zap.Logger) *QueryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryEngine{store: store, logger: logger}
}

// Query returns one page of the filtered trail, most recent first. The
// store tip is captured once, so the result is a consistent snapshot:
// appends that land mid-pagination never shift already-returned pages.
func (e *QueryEngine) Query(ctx context.Context, p QueryParams) (*QueryResult, error) {
	f, err := normalizeFilter(p)
	if err != nil {
		return nil, err
	}

	page := p.Page
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return nil, fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidFilter, p.Page)
	}
	size := p.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	result := &QueryResult{
		Records:  []*EventRecord{},
		Page:     page,
		PageSize: size,
	}

	// start > end matches nothing; this is a legal query, not an error.
	if !f.Start.IsZero() && !f.End.IsZero() && f.Start.After(f.End) {
		return result, nil
	}

	maxSeq, err := e.store.LastSequence(ctx)
	if err != nil {
		return nil, err
	}

	total, err := e.store.Count(ctx, f, maxSeq)
	if err != nil {
		return nil, err
	}
	result.TotalCount = total

	// Compare in int64 before multiplying so a page number near MaxInt
	// cannot overflow the offset and wrap back into the first page.
	if total == 0 || int64(page-1) > (total-1)/int64(size) {
		return result, nil
	}
	offset := (page - 1) * size

	records, err := e.store.Select(ctx, f, maxSeq, size, offset)
	if err != nil {
		return nil, err
	}
	result.Records = records
	return result, nil
}

// Stats computes the dashboard aggregate at the current snapshot.
func (e *QueryEngine) Stats(ctx context.Context) (*Stats, error) {
	maxSeq, err := e.store.LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.Stats(ctx, maxSeq, RecentFailureWindow)
}

// ValidateQueryParams checks the filter portion of p without running a
// query. The export handler uses it to reject bad filters before committing
// to a streamed response.
func ValidateQueryParams(p QueryParams) error {
	_, err := normalizeFilter(p)
	return err
}

// hasLowerPrefix reports whether s begins with prefix after lowercasing
// both, mirroring the SQL store's lower(username) LIKE lower(prefix) || '%'
// so the two stores agree on non-ASCII usernames.
func hasLowerPrefix(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}
