// Package relay implements the thin sync server: a single shared
// operation log behind a small JSON API. The server never sees
// plaintext payloads; it stores and forwards sealed envelopes and
// assigns each new operation its place in the global order.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slothvips/padsync/internal/oplog"
)

const (
	sqlInsertServerOp = `INSERT OR IGNORE INTO server_ops
		(op_id, client_id, table_name, op_type, key, payload, timestamp, server_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlMaxSeq = `SELECT COALESCE(MAX(seq), 0) FROM server_ops`

	sqlListAfter = `SELECT seq, op_id, table_name, op_type, key, payload, timestamp, server_timestamp
		FROM server_ops
		WHERE seq > ? AND (? = '' OR client_id <> ?)
		ORDER BY seq LIMIT ?`

	sqlCountAfter = `SELECT COUNT(*) FROM server_ops
		WHERE seq > ? AND (? = '' OR client_id <> ?)`
)

// Store is the relay's sole writer to the shared log. AUTOINCREMENT on
// seq plus the single write connection linearizes sequence assignment.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewStore opens the relay database at dbPath and runs migrations.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("relay: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("relay store initialized", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertOps appends a batch to the shared log in one transaction.
// Operations whose ID is already present are ignored, so replayed
// pushes after a lost acknowledgement are harmless. Returns how many
// were newly inserted and the cursor: the highest sequence after the
// batch, which is the current maximum even when everything was a
// duplicate.
func (s *Store) InsertOps(ctx context.Context, ops []oplog.Operation, clientID string) (int, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("relay: begin push: %w", err)
	}
	defer tx.Rollback()

	now := s.nowFunc().UnixMilli()
	inserted := 0

	for i := range ops {
		op := &ops[i]

		res, err := tx.ExecContext(ctx, sqlInsertServerOp,
			op.ID, clientID, string(op.Table), string(op.Type), op.Key,
			[]byte(op.Payload), op.Timestamp, now)
		if err != nil {
			return 0, 0, fmt.Errorf("relay: inserting op %s: %w", op.ID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("relay: checking insert of op %s: %w", op.ID, err)
		}

		inserted += int(n)
	}

	var cursor int64
	if err := tx.QueryRowContext(ctx, sqlMaxSeq).Scan(&cursor); err != nil {
		return 0, 0, fmt.Errorf("relay: reading max sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("relay: commit push: %w", err)
	}

	return inserted, cursor, nil
}

// ListAfter returns up to limit operations with sequence strictly
// greater than cursor, ascending, excluding excludeClient's own writes
// when non-empty. The second return is the highest sequence in the
// batch, or cursor when the batch is empty.
func (s *Store) ListAfter(ctx context.Context, cursor int64, excludeClient string, limit int) ([]oplog.Operation, int64, error) {
	rows, err := s.db.QueryContext(ctx, sqlListAfter, cursor, excludeClient, excludeClient, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("relay: listing ops after %d: %w", cursor, err)
	}
	defer rows.Close()

	ops := []oplog.Operation{}
	next := cursor

	for rows.Next() {
		var op oplog.Operation
		var seq int64
		var tbl, typ string

		if err := rows.Scan(&seq, &op.ID, &tbl, &typ, &op.Key, (*[]byte)(&op.Payload),
			&op.Timestamp, &op.ServerTimestamp); err != nil {
			return nil, 0, fmt.Errorf("relay: scanning op: %w", err)
		}

		op.Table = oplog.Table(tbl)
		op.Type = oplog.OpType(typ)
		op.ServerSeq = seq
		next = seq
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("relay: iterating ops: %w", err)
	}

	return ops, next, nil
}

// CountAfter counts operations past cursor, excluding excludeClient's
// own writes when non-empty.
func (s *Store) CountAfter(ctx context.Context, cursor int64, excludeClient string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlCountAfter, cursor, excludeClient, excludeClient).Scan(&n); err != nil {
		return 0, fmt.Errorf("relay: counting ops after %d: %w", cursor, err)
	}

	return n, nil
}

// MaxSeq returns the current tip of the shared log.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, sqlMaxSeq).Scan(&seq); err != nil {
		return 0, fmt.Errorf("relay: reading max sequence: %w", err)
	}

	return seq, nil
}
