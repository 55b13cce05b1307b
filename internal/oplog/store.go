package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by GetRow for missing rows.
var ErrNotFound = errors.New("oplog: row not found")

// SQL statements for the operation log and row tables.
const (
	sqlOpColumns = `id, table_name, op_type, key, payload, timestamp, server_timestamp, server_seq`

	sqlInsertOp = `INSERT OR IGNORE INTO operations
		(id, table_name, op_type, key, payload, timestamp, server_timestamp, server_seq, synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlListUnsynced = `SELECT ` + sqlOpColumns + `
		FROM operations WHERE synced = 0 ORDER BY rowid`

	sqlCountUnsynced = `SELECT COUNT(*) FROM operations WHERE synced = 0`

	sqlListSince = `SELECT ` + sqlOpColumns + `
		FROM operations WHERE synced = 1 AND server_seq > ? ORDER BY server_seq`

	sqlMarkSynced = `UPDATE operations SET synced = 1 WHERE id = ?`

	sqlUpsertRow = `INSERT INTO rows (table_name, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, key) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`

	sqlDeleteRow = `DELETE FROM rows WHERE table_name = ? AND key = ?`

	sqlGetRow = `SELECT value, updated_at FROM rows WHERE table_name = ? AND key = ?`

	sqlListRows = `SELECT key, value, updated_at FROM rows WHERE table_name = ? ORDER BY key`

	sqlGetMeta = `SELECT last_server_cursor, last_sync_timestamp FROM sync_metadata WHERE id = 'global'`

	// Monotonicity guard lives in the WHERE clause: the cursor only moves
	// forward, stale values leave the row untouched.
	sqlAdvanceCursor = `UPDATE sync_metadata
		SET last_server_cursor = ?, last_sync_timestamp = ?
		WHERE id = 'global' AND last_server_cursor < ?`

	sqlResetCursor = `UPDATE sync_metadata
		SET last_server_cursor = 0, last_sync_timestamp = ?
		WHERE id = 'global'`
)

// Store is the sole writer to a client's sync database. It owns the
// operation log, the replicated row tables, and the sync cursor, and
// guarantees that an operation is never visible without its row
// mutation (and vice versa) by doing both in one transaction.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// New opens the SQLite database at dbPath, runs migrations, and returns
// a ready-to-use store. Use a path under t.TempDir() for tests.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("oplog: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("operation log store initialized", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for collaborators that share the
// sole-writer connection (tests, stats queries).
func (s *Store) DB() *sql.DB {
	return s.db
}

// nowMS returns the client logical time in milliseconds.
func (s *Store) nowMS() int64 {
	return s.nowFunc().UnixMilli()
}

// RecordMutation applies a local mutation to its row table and captures
// the corresponding Operation in the same transaction. It returns the
// captured operation, queued unsynced for the next push.
func (s *Store) RecordMutation(ctx context.Context, tbl Table, typ OpType, key string, value []byte) (Operation, error) {
	op := NewOperation(tbl, typ, key, value, s.nowMS())
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Operation{}, fmt.Errorf("oplog: begin mutation: %w", err)
	}
	defer tx.Rollback()

	if err := applyRowTx(ctx, tx, &op, s.nowMS()); err != nil {
		return Operation{}, err
	}

	if err := insertOpTx(ctx, tx, &op, false, s.nowMS()); err != nil {
		return Operation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Operation{}, fmt.Errorf("oplog: commit mutation: %w", err)
	}

	s.logger.Debug("mutation recorded",
		slog.String("op_id", op.ID),
		slog.String("table", string(op.Table)),
		slog.String("type", string(op.Type)),
		slog.String("key", op.Key),
	)

	return op, nil
}

// Append inserts an already-built operation into the log, unsynced,
// without touching the row tables. Duplicate IDs are ignored.
func (s *Store) Append(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, sqlInsertOp,
		op.ID, string(op.Table), string(op.Type), op.Key, payloadBytes(&op),
		op.Timestamp, op.ServerTimestamp, op.ServerSeq, 0, s.nowMS())
	if err != nil {
		return fmt.Errorf("oplog: appending operation %s: %w", op.ID, err)
	}

	return nil
}

// ListUnsynced returns operations awaiting push, in capture order.
func (s *Store) ListUnsynced(ctx context.Context) ([]Operation, error) {
	return s.queryOps(ctx, sqlListUnsynced, "list unsynced")
}

// CountUnsynced returns the number of operations awaiting push.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, sqlCountUnsynced).Scan(&count); err != nil {
		return 0, fmt.Errorf("oplog: counting unsynced: %w", err)
	}

	return count, nil
}

// ListSince returns synced operations with server sequence strictly
// greater than cursor, ascending.
func (s *Store) ListSince(ctx context.Context, cursor int64) ([]Operation, error) {
	return s.queryOps(ctx, sqlListSince, "list since", cursor)
}

// Contains reports which of the given operation IDs already exist in
// the log. Used to deduplicate pull batches before applying.
func (s *Store) Contains(ctx context.Context, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM operations WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("oplog: probing operation ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("oplog: scanning id probe: %w", err)
		}

		known[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("oplog: iterating id probe: %w", err)
	}

	return known, nil
}

// MarkSynced marks the pushed operations synced and advances the cursor
// to the server-returned value, all in one transaction. The cursor only
// moves if the new value is strictly greater than the current one.
func (s *Store) MarkSynced(ctx context.Context, ids []string, cursor int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("oplog: begin mark synced: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, sqlMarkSynced, id); err != nil {
			return fmt.Errorf("oplog: marking %s synced: %w", id, err)
		}
	}

	if cursor > 0 {
		if _, err := tx.ExecContext(ctx, sqlAdvanceCursor, cursor, s.nowMS(), cursor); err != nil {
			return fmt.Errorf("oplog: advancing cursor to %d: %w", cursor, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("oplog: commit mark synced: %w", err)
	}

	return nil
}

// ApplyRemote applies a decrypted, deduplicated pull batch: each
// operation mutates its target row, is appended to the log as synced,
// and the cursor advances to maxSeq, all in a single transaction.
// A batch whose maxSeq is not strictly greater than the current cursor
// is rejected whole (stale or replayed response). Returns the number of
// operations applied.
func (s *Store) ApplyRemote(ctx context.Context, ops []Operation, maxSeq int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("oplog: begin apply: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_server_cursor FROM sync_metadata WHERE id = 'global'`).Scan(&current); err != nil {
		return 0, fmt.Errorf("oplog: reading cursor: %w", err)
	}

	if maxSeq <= current {
		s.logger.Warn("rejecting stale pull batch",
			slog.Int64("batch_max_seq", maxSeq),
			slog.Int64("cursor", current),
		)

		return 0, nil
	}

	applied := 0

	for i := range ops {
		op := &ops[i]
		if err := op.Validate(); err != nil {
			return 0, err
		}

		inserted, err := insertOpTxReport(ctx, tx, op, true, s.nowMS())
		if err != nil {
			return 0, err
		}

		// Already in the log, so replaying it must be a no-op.
		if !inserted {
			continue
		}

		if err := applyRowTx(ctx, tx, op, s.nowMS()); err != nil {
			return 0, err
		}

		applied++
	}

	if _, err := tx.ExecContext(ctx, sqlAdvanceCursor, maxSeq, s.nowMS(), maxSeq); err != nil {
		return 0, fmt.Errorf("oplog: advancing cursor to %d: %w", maxSeq, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("oplog: commit apply: %w", err)
	}

	s.logger.Info("remote operations applied",
		slog.Int("applied", applied),
		slog.Int("received", len(ops)),
		slog.Int64("cursor", maxSeq),
	)

	return applied, nil
}

// Meta returns the singleton sync metadata row.
func (s *Store) Meta(ctx context.Context) (SyncMeta, error) {
	var m SyncMeta
	if err := s.db.QueryRowContext(ctx, sqlGetMeta).Scan(&m.LastServerCursor, &m.LastSyncTimestamp); err != nil {
		return SyncMeta{}, fmt.Errorf("oplog: reading sync metadata: %w", err)
	}

	return m, nil
}

// Cursor returns the last durably incorporated server sequence.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	m, err := s.Meta(ctx)
	if err != nil {
		return 0, err
	}

	return m.LastServerCursor, nil
}

// GetRow returns a single replicated row, or ErrNotFound.
func (s *Store) GetRow(ctx context.Context, tbl Table, key string) (Row, error) {
	r := Row{Table: tbl, Key: key}

	var value []byte

	err := s.db.QueryRowContext(ctx, sqlGetRow, string(tbl), key).Scan(&value, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, fmt.Errorf("%w: %s/%s", ErrNotFound, tbl, key)
	}

	if err != nil {
		return Row{}, fmt.Errorf("oplog: reading row %s/%s: %w", tbl, key, err)
	}

	r.Value = value

	return r, nil
}

// ListRows returns all live rows of a table, ordered by key.
func (s *Store) ListRows(ctx context.Context, tbl Table) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, sqlListRows, string(tbl))
	if err != nil {
		return nil, fmt.Errorf("oplog: listing rows of %s: %w", tbl, err)
	}
	defer rows.Close()

	var result []Row

	for rows.Next() {
		r := Row{Table: tbl}

		var value []byte
		if err := rows.Scan(&r.Key, &value, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("oplog: scanning row of %s: %w", tbl, err)
		}

		r.Value = value
		result = append(result, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("oplog: iterating rows of %s: %w", tbl, err)
	}

	return result, nil
}

// RebuildForAuthority prepares the log for an authority-mode key
// rotation: the operation log is cleared, the cursor resets to zero,
// and one fresh create operation per live row is queued unsynced. The
// next push replays the full local state under the new key. Returns the
// number of regenerated operations.
func (s *Store) RebuildForAuthority(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("oplog: begin authority rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations`); err != nil {
		return 0, fmt.Errorf("oplog: clearing operations: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT table_name, key, value FROM rows ORDER BY table_name, key`)
	if err != nil {
		return 0, fmt.Errorf("oplog: snapshotting rows: %w", err)
	}

	var snapshot []Operation

	for rows.Next() {
		var tbl, key string
		var value []byte

		if err := rows.Scan(&tbl, &key, &value); err != nil {
			rows.Close()
			return 0, fmt.Errorf("oplog: scanning snapshot row: %w", err)
		}

		snapshot = append(snapshot, NewOperation(Table(tbl), OpCreate, key, value, s.nowMS()))
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("oplog: iterating snapshot rows: %w", err)
	}
	rows.Close()

	for i := range snapshot {
		if err := insertOpTx(ctx, tx, &snapshot[i], false, s.nowMS()); err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx, sqlResetCursor, s.nowMS()); err != nil {
		return 0, fmt.Errorf("oplog: resetting cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("oplog: commit authority rebuild: %w", err)
	}

	s.logger.Info("operation log rebuilt from local state", slog.Int("operations", len(snapshot)))

	return len(snapshot), nil
}

// ClearForMember prepares the store for a member-mode key rotation:
// rows, operations, and cursor are all cleared so a full pull from
// sequence zero repopulates local state under the new key.
func (s *Store) ClearForMember(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("oplog: begin member clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations`); err != nil {
		return fmt.Errorf("oplog: clearing operations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rows`); err != nil {
		return fmt.Errorf("oplog: clearing rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, sqlResetCursor, s.nowMS()); err != nil {
		return fmt.Errorf("oplog: resetting cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("oplog: commit member clear: %w", err)
	}

	s.logger.Info("local state cleared for member rotation")

	return nil
}

// queryOps runs an operation SELECT and scans the results.
func (s *Store) queryOps(ctx context.Context, query, desc string, args ...any) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("oplog: %s: %w", desc, err)
	}
	defer rows.Close()

	var ops []Operation

	for rows.Next() {
		var op Operation
		var tbl, typ string
		var payload []byte

		if err := rows.Scan(&op.ID, &tbl, &typ, &op.Key, &payload,
			&op.Timestamp, &op.ServerTimestamp, &op.ServerSeq); err != nil {
			return nil, fmt.Errorf("oplog: scanning %s: %w", desc, err)
		}

		op.Table = Table(tbl)
		op.Type = OpType(typ)
		op.Payload = payload
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("oplog: iterating %s: %w", desc, err)
	}

	return ops, nil
}

// insertOpTx inserts an operation inside tx, ignoring duplicates.
func insertOpTx(ctx context.Context, tx *sql.Tx, op *Operation, synced bool, nowMS int64) error {
	_, err := insertOpTxReport(ctx, tx, op, synced, nowMS)
	return err
}

// insertOpTxReport inserts an operation inside tx and reports whether a
// row was actually inserted (false for duplicate IDs).
func insertOpTxReport(ctx context.Context, tx *sql.Tx, op *Operation, synced bool, nowMS int64) (bool, error) {
	syncedVal := 0
	if synced {
		syncedVal = 1
	}

	result, err := tx.ExecContext(ctx, sqlInsertOp,
		op.ID, string(op.Table), string(op.Type), op.Key, payloadBytes(op),
		op.Timestamp, op.ServerTimestamp, op.ServerSeq, syncedVal, nowMS)
	if err != nil {
		return false, fmt.Errorf("oplog: inserting operation %s: %w", op.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("oplog: insert rows affected for %s: %w", op.ID, err)
	}

	return n > 0, nil
}

// payloadBytes returns the operation payload, never nil (delete
// operations carry no payload but the column is NOT NULL).
func payloadBytes(op *Operation) []byte {
	if op.Payload == nil {
		return []byte{}
	}

	return []byte(op.Payload)
}

// applyRowTx applies an operation's mutation to its row table inside tx.
func applyRowTx(ctx context.Context, tx *sql.Tx, op *Operation, nowMS int64) error {
	switch op.Type {
	case OpCreate, OpUpdate:
		if _, err := tx.ExecContext(ctx, sqlUpsertRow,
			string(op.Table), op.Key, payloadBytes(op), nowMS); err != nil {
			return fmt.Errorf("oplog: upserting row %s/%s: %w", op.Table, op.Key, err)
		}

	case OpDelete:
		if _, err := tx.ExecContext(ctx, sqlDeleteRow, string(op.Table), op.Key); err != nil {
			return fmt.Errorf("oplog: deleting row %s/%s: %w", op.Table, op.Key, err)
		}

	default:
		return fmt.Errorf("oplog: unknown operation type %q", op.Type)
	}

	return nil
}
