package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// exportColumns is the stable CSV column order. Changing it breaks
// downstream compliance tooling; append only.
var exportColumns = []string{
	"sequence_id",
	"timestamp",
	"event_type",
	"success",
	"username",
	"ip_address",
	"user_agent",
	"failure_reason",
	"details",
	"hash_version",
	"record_hash",
	"chain_hash",
}

// Exporter streams a filtered result set as CSV. It shares the normalized
// filter and the store's streaming scan with the query engine, so an export
// contains exactly the rows pagination would return, in the same order,
// without ever materializing the full set in memory.
type Exporter struct {
	store  Store
	logger *zap.Logger
}

// NewExporter creates an exporter over the given store.
func NewExporter(store Store, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, logger: logger}
}

// Export writes a header row followed by one row per matching record, most
// recent first, and returns the number of data rows written. Timestamps are
// UTC with microsecond precision. Client cancellation surfaces as
// ErrExportAborted, which is a normal stream termination: the store is
// read-only here and nothing needs unwinding.
func (e *Exporter) Export(ctx context.Context, p QueryParams, w io.Writer) (int64, error) {
	f, err := normalizeFilter(p)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return 0, fmt.Errorf("write export header: %w", err)
	}

	if !f.Start.IsZero() && !f.End.IsZero() && f.Start.After(f.End) {
		cw.Flush()
		return 0, cw.Error()
	}

	maxSeq, err := e.store.LastSequence(ctx)
	if err != nil {
		return 0, err
	}

	var rowCount int64
	err = e.store.SelectStream(ctx, f, maxSeq, func(rec *EventRecord) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrExportAborted, err)
		}
		row, err := exportRow(rec)
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write export row %d: %w", rec.SequenceID, err)
		}
		rowCount++
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			e.logger.Info("export aborted by client", zap.Int64("rows_written", rowCount))
			return rowCount, fmt.Errorf("%w: %v", ErrExportAborted, ctx.Err())
		}
		return rowCount, err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return rowCount, fmt.Errorf("flush export: %w", err)
	}
	e.logger.Debug("export complete", zap.Int64("rows", rowCount))
	return rowCount, nil
}

func exportRow(rec *EventRecord) ([]string, error) {
	details := ""
	if len(rec.Details) > 0 {
		data, err := json.Marshal(rec.Details)
		if err != nil {
			return nil, fmt.Errorf("marshal details for sequence %d: %w", rec.SequenceID, err)
		}
		details = string(data)
	}
	return []string{
		strconv.FormatInt(rec.SequenceID, 10),
		rec.Timestamp.UTC().Format(canonicalTimeFormat),
		string(rec.EventType),
		strconv.FormatBool(rec.Success),
		rec.Username,
		rec.IPAddress,
		rec.UserAgent,
		rec.FailureReason,
		details,
		rec.HashVersion,
		rec.RecordHash,
		rec.ChainHash,
	}, nil
}

// ExportFilename returns the download filename convention,
// audit_logs_YYYYMMDD.csv for the given export date.
func ExportFilename(now time.Time) string {
	return "audit_logs_" + now.UTC().Format("20060102") + ".csv"
}
