package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/slothvips/padsync/internal/oplog"
	"github.com/slothvips/padsync/internal/retry"
)

// Grid is the narrow surface a spreadsheet provider must expose.
// Rows are 1-based; row 1 is reserved for the header. Provider
// bindings (Google Sheets, Excel online) implement this out of tree.
type Grid interface {
	// RowCount returns the number of rows currently in the sheet,
	// including the header. An empty sheet returns 0.
	RowCount(ctx context.Context) (int, error)
	// ReadRows returns rows from..to inclusive, clamped by the caller.
	ReadRows(ctx context.Context, from, to int) ([][]string, error)
	// AppendRows appends rows after the current last row.
	AppendRows(ctx context.Context, rows [][]string) error
	// UpdateRow overwrites a single row in place.
	UpdateRow(ctx context.Context, idx int, row []string) error
}

// sheetHeader is the expected header row. Lazily created or repaired
// so externally edited sheets do not wedge the log.
var sheetHeader = []string{"id", "table", "type", "key", "payload", "timestamp", "client_id", "server_timestamp"}

// sheetPageSize bounds a single pull window.
const sheetPageSize = 200

// sheetRetryPolicy is the rate-limit retry schedule for mutating calls:
// a fixed ceiling with base * 2^attempt backoff, no jitter.
func sheetRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		Factor:      2.0,
	}
}

// isRateLimited reports whether an error is a rate-limit-class failure:
// HTTP 429 or a provider error mentioning rate limits. Anything else
// propagates immediately without retry.
func isRateLimited(err error) bool {
	if errors.Is(err, ErrThrottled) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "rate")
}

// SheetTransport treats a spreadsheet's rows as the append-only
// operation log. The row offset past the header substitutes for the
// relay's server sequence.
type SheetTransport struct {
	grid   Grid
	policy retry.Policy
	logger *slog.Logger

	headerChecked bool
}

// NewSheet creates a sheet-backed transport over the given grid.
func NewSheet(grid Grid, logger *slog.Logger) *SheetTransport {
	if logger == nil {
		logger = slog.Default()
	}

	return &SheetTransport{grid: grid, policy: sheetRetryPolicy(), logger: logger}
}

// Push appends the batch to the sheet. The returned cursor is the
// offset of the last appended row.
func (t *SheetTransport) Push(ctx context.Context, ops []oplog.Operation, clientID string) (PushResult, error) {
	if err := t.ensureHeader(ctx); err != nil {
		return PushResult{}, err
	}

	rows := make([][]string, len(ops))
	for i := range ops {
		rows[i] = encodeSheetRow(&ops[i], clientID)
	}

	err := t.policy.Do(ctx, isRateLimited, func() error {
		return t.grid.AppendRows(ctx, rows)
	})
	if err != nil {
		return PushResult{}, fmt.Errorf("transport: appending to sheet: %w", err)
	}

	count, err := t.grid.RowCount(ctx)
	if err != nil {
		return PushResult{}, fmt.Errorf("transport: reading sheet size: %w", err)
	}

	t.logger.Debug("sheet push accepted",
		slog.Int("ops", len(ops)),
		slog.Int("cursor", count-1),
	)

	return PushResult{Cursor: int64(count - 1), Count: len(ops), Success: true}, nil
}

// Pull reads the next window of rows after cursor. The requested window
// is clamped to the sheet's current bounds. An exhausted window (cursor
// at or past the last row) returns an empty batch with the cursor
// unchanged; rows are appended densely, so advancing past the tip would
// skip rows written later.
func (t *SheetTransport) Pull(ctx context.Context, cursor int64, clientID string) (PullResult, error) {
	if err := t.ensureHeader(ctx); err != nil {
		return PullResult{}, err
	}

	count, err := t.grid.RowCount(ctx)
	if err != nil {
		return PullResult{}, fmt.Errorf("transport: reading sheet size: %w", err)
	}

	lastOffset := int64(count - 1) // data rows exclude the header

	first := cursor + 1
	if first > lastOffset {
		return PullResult{NextCursor: cursor}, nil
	}

	last := first + sheetPageSize - 1
	if last > lastOffset {
		last = lastOffset
	}

	// Offset n lives at sheet row n+1 (header is row 1).
	raw, err := t.grid.ReadRows(ctx, int(first)+1, int(last)+1)
	if err != nil {
		return PullResult{}, fmt.Errorf("transport: reading sheet rows %d..%d: %w", first, last, err)
	}

	var ops []oplog.Operation

	for i, row := range raw {
		offset := first + int64(i)

		op, rowClientID, decodeErr := decodeSheetRow(row)
		if decodeErr != nil {
			// Externally edited row: report and keep going.
			t.logger.Warn("skipping malformed sheet row",
				slog.Int64("offset", offset),
				slog.String("error", decodeErr.Error()),
			)

			continue
		}

		// A client does not need its own operations back.
		if clientID != "" && rowClientID == clientID {
			continue
		}

		op.ServerSeq = offset
		ops = append(ops, op)
	}

	return PullResult{Ops: ops, NextCursor: first + int64(len(raw)) - 1}, nil
}

// PendingCount counts rows after cursor, excluding the client's own.
func (t *SheetTransport) PendingCount(ctx context.Context, cursor int64, clientID string) (int, error) {
	if err := t.ensureHeader(ctx); err != nil {
		return 0, err
	}

	count, err := t.grid.RowCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("transport: reading sheet size: %w", err)
	}

	lastOffset := int64(count - 1)
	if cursor >= lastOffset {
		return 0, nil
	}

	if clientID == "" {
		return int(lastOffset - cursor), nil
	}

	raw, err := t.grid.ReadRows(ctx, int(cursor)+2, int(lastOffset)+1)
	if err != nil {
		return 0, fmt.Errorf("transport: reading sheet rows for pending count: %w", err)
	}

	pending := 0

	for _, row := range raw {
		if _, rowClientID, decodeErr := decodeSheetRow(row); decodeErr == nil && rowClientID != clientID {
			pending++
		}
	}

	return pending, nil
}

// ensureHeader lazily creates or repairs the header row once per
// transport instance.
func (t *SheetTransport) ensureHeader(ctx context.Context) error {
	if t.headerChecked {
		return nil
	}

	count, err := t.grid.RowCount(ctx)
	if err != nil {
		return fmt.Errorf("transport: reading sheet size: %w", err)
	}

	if count == 0 {
		err := t.policy.Do(ctx, isRateLimited, func() error {
			return t.grid.AppendRows(ctx, [][]string{sheetHeader})
		})
		if err != nil {
			return fmt.Errorf("transport: creating sheet header: %w", err)
		}

		t.headerChecked = true

		return nil
	}

	rows, err := t.grid.ReadRows(ctx, 1, 1)
	if err != nil {
		return fmt.Errorf("transport: reading sheet header: %w", err)
	}

	if len(rows) == 0 || !headerMatches(rows[0]) {
		t.logger.Warn("repairing sheet header row")

		err := t.policy.Do(ctx, isRateLimited, func() error {
			return t.grid.UpdateRow(ctx, 1, sheetHeader)
		})
		if err != nil {
			return fmt.Errorf("transport: repairing sheet header: %w", err)
		}
	}

	t.headerChecked = true

	return nil
}

// headerMatches checks a row against the expected header.
func headerMatches(row []string) bool {
	if len(row) != len(sheetHeader) {
		return false
	}

	for i := range row {
		if row[i] != sheetHeader[i] {
			return false
		}
	}

	return true
}

// encodeSheetRow flattens an operation into a sheet row.
func encodeSheetRow(op *oplog.Operation, clientID string) []string {
	return []string{
		op.ID,
		string(op.Table),
		string(op.Type),
		op.Key,
		string(op.Payload),
		strconv.FormatInt(op.Timestamp, 10),
		clientID,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
}

// decodeSheetRow parses a sheet row back into an operation plus the
// writing client's ID.
func decodeSheetRow(row []string) (oplog.Operation, string, error) {
	if len(row) != len(sheetHeader) {
		return oplog.Operation{}, "", fmt.Errorf("row has %d cells, want %d", len(row), len(sheetHeader))
	}

	timestamp, err := strconv.ParseInt(row[5], 10, 64)
	if err != nil {
		return oplog.Operation{}, "", fmt.Errorf("bad timestamp %q: %w", row[5], err)
	}

	serverTS, err := strconv.ParseInt(row[7], 10, 64)
	if err != nil {
		return oplog.Operation{}, "", fmt.Errorf("bad server timestamp %q: %w", row[7], err)
	}

	op := oplog.Operation{
		ID:              row[0],
		Table:           oplog.Table(row[1]),
		Type:            oplog.OpType(row[2]),
		Key:             row[3],
		Payload:         []byte(row[4]),
		Timestamp:       timestamp,
		ServerTimestamp: serverTS,
	}

	if err := op.Validate(); err != nil {
		return oplog.Operation{}, "", err
	}

	return op, row[6], nil
}
