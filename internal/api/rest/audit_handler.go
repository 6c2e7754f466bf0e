package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/civicgov/audit-trail/internal/audit"
)

// ingestHandler is the sole write endpoint. Every auditable-action producer
// in the portal (login, logout, MFA, role changes, lockout, emergency
// access) posts here.
func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "Invalid request body", err)
		return
	}
	if req.Success == nil {
		respondError(w, http.StatusBadRequest, "validation_error", "success is required", nil)
		return
	}

	entry := audit.Entry{
		EventType:     audit.EventType(req.EventType),
		Success:       *req.Success,
		Username:      req.Username,
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
		FailureReason: req.FailureReason,
		Details:       req.Details,
	}
	if req.Timestamp != nil {
		entry.Timestamp = *req.Timestamp
	}
	// Fall back to connection provenance when the producer did not
	// forward the client's.
	if entry.IPAddress == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			entry.IPAddress = host
		}
	}
	if entry.UserAgent == "" {
		entry.UserAgent = r.UserAgent()
	}

	seq, err := s.deps.Recorder.Record(r.Context(), entry)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ingestResponse{SequenceID: seq})
}

// logsHandler serves the paginated, filtered review feed.
func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	params, err := parseQueryParams(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	result, err := s.deps.Queries.Query(r.Context(), params)
	if err != nil {
		if s.deps.Metrics != nil && !errors.Is(err, audit.ErrInvalidFilter) {
			s.deps.Metrics.QueryFailed()
		}
		respondDomainError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryServed()
	}
	respondJSON(w, http.StatusOK, result)
}

// statsHandler serves the dashboard aggregate, read-through cached when a
// cache is configured.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.StatsCache != nil {
		if stats, ok := s.deps.StatsCache.Get(r.Context()); ok {
			respondJSON(w, http.StatusOK, stats)
			return
		}
	}

	stats, err := s.deps.Queries.Stats(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if s.deps.StatsCache != nil {
		s.deps.StatsCache.Set(r.Context(), stats)
	}
	respondJSON(w, http.StatusOK, stats)
}

// exportHandler streams the filtered trail as a CSV download.
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	params, err := parseQueryParams(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	// Reject bad filters before committing to a streamed response.
	if err := audit.ValidateQueryParams(params); err != nil {
		respondDomainError(w, err)
		return
	}

	filename := audit.ExportFilename(time.Now())
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	rows, err := s.deps.Exporter.Export(r.Context(), params, w)
	switch {
	case err == nil:
		if s.deps.Metrics != nil {
			s.deps.Metrics.ExportFinished("complete", rows)
		}
	case errors.Is(err, audit.ErrExportAborted):
		// Client went away; normal termination of a read-only stream.
		if s.deps.Metrics != nil {
			s.deps.Metrics.ExportFinished("aborted", rows)
		}
	default:
		// Headers are already on the wire; all we can do is log and cut
		// the stream short.
		s.logger.Error("export failed mid-stream",
			zap.Int64("rows_written", rows),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ExportFinished("failed", rows)
		}
	}
}

// verifyHandler runs a chain verification over an optional sequence range.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	from, err := parseSeqParam(r, "from")
	if err != nil {
		respondDomainError(w, err)
		return
	}
	to, err := parseSeqParam(r, "to")
	if err != nil {
		respondDomainError(w, err)
		return
	}

	result, err := s.deps.Verifier.Verify(r.Context(), from, to)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.VerifyRun("error", 0)
		}
		respondDomainError(w, err)
		return
	}
	if s.deps.Metrics != nil {
		if result.OK {
			s.deps.Metrics.VerifyRun("ok", result.CheckedTo)
		} else {
			s.deps.Metrics.VerifyRun("broken", 0)
		}
	}
	respondJSON(w, http.StatusOK, result)
}

// parseQueryParams maps the review UI's query string onto audit.QueryParams.
func parseQueryParams(r *http.Request) (audit.QueryParams, error) {
	q := r.URL.Query()
	params := audit.QueryParams{
		EventType: q.Get("event_type"),
		Success:   q.Get("success"),
		Username:  q.Get("username"),
	}

	var err error
	if params.Page, err = parseIntParam(q.Get("page"), "page"); err != nil {
		return params, err
	}
	if params.PageSize, err = parseIntParam(q.Get("page_size"), "page_size"); err != nil {
		return params, err
	}

	if raw := q.Get("start_date"); raw != "" {
		t, _, err := parseDateParam(raw, "start_date")
		if err != nil {
			return params, err
		}
		params.StartDate = t
	}
	if raw := q.Get("end_date"); raw != "" {
		t, dateOnly, err := parseDateParam(raw, "end_date")
		if err != nil {
			return params, err
		}
		// A bare date as the end of a range means the whole of that day.
		if dateOnly {
			t = t.Add(24*time.Hour - time.Microsecond)
		}
		params.EndDate = t
	}
	return params, nil
}

func parseIntParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", audit.ErrInvalidFilter, name)
	}
	return n, nil
}

// parseDateParam accepts RFC 3339 timestamps or bare dates (2006-01-02).
// Returns the parsed time and whether the input was date-only.
func parseDateParam(raw, name string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", audit.ErrInvalidFilter, name)
}

func parseSeqParam(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", audit.ErrInvalidFilter, name)
	}
	return n, nil
}
