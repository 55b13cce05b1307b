// Package oplog implements the durable operation log and the replicated
// row tables it mutates. Every local change is captured as an immutable
// Operation in the same transaction as the row mutation, the log is the
// unit of exchange with the relay server, and the sync cursor lives here
// alongside the data it protects.
package oplog

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OpType is the kind of mutation an Operation records.
type OpType string

// Operation types.
const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Table identifies a replicable table. The set is closed: replication
// reaches exactly these tables, so an operation naming anything else is
// rejected at capture and at apply time.
type Table string

// Replicated tables.
const (
	TableLinks Table = "links"
	TableTags  Table = "tags"
	TableJobs  Table = "jobs"
	TableNotes Table = "notes"
)

// Tables returns all replicable tables in a stable order.
func Tables() []Table {
	return []Table{TableLinks, TableTags, TableJobs, TableNotes}
}

// Valid reports whether tbl is a replicable table.
func (tbl Table) Valid() bool {
	switch tbl {
	case TableLinks, TableTags, TableJobs, TableNotes:
		return true
	default:
		return false
	}
}

// Operation is an immutable record of a single table mutation, the unit
// of replication. ID is globally unique and the sole deduplication key.
// Payload carries plaintext JSON locally and an encrypted envelope on
// the wire. ServerSeq and ServerTimestamp are zero until the relay
// assigns them.
type Operation struct {
	ID              string          `json:"id"`
	Table           Table           `json:"table"`
	Type            OpType          `json:"type"`
	Key             string          `json:"key"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       int64           `json:"timestamp"`
	ServerTimestamp int64           `json:"server_timestamp,omitempty"`
	ServerSeq       int64           `json:"server_seq,omitempty"`
}

// NewOperation builds an Operation with a fresh UUID and the given
// client logical time (milliseconds).
func NewOperation(tbl Table, typ OpType, key string, payload json.RawMessage, timestampMS int64) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Table:     tbl,
		Type:      typ,
		Key:       key,
		Payload:   payload,
		Timestamp: timestampMS,
	}
}

// Validate checks the fields a store will not accept broken.
func (op *Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("oplog: operation has no ID")
	}

	if !op.Table.Valid() {
		return fmt.Errorf("oplog: unknown table %q", op.Table)
	}

	if !op.Type.Valid() {
		return fmt.Errorf("oplog: unknown operation type %q", op.Type)
	}

	if op.Key == "" {
		return fmt.Errorf("oplog: operation %s has no key", op.ID)
	}

	return nil
}

// SyncMeta is the singleton sync bookkeeping row (id "global").
// LastServerCursor never regresses for the lifetime of an encryption
// key; only key rotation resets it.
type SyncMeta struct {
	LastServerCursor  int64
	LastSyncTimestamp int64
}

// Row is a single replicated table row.
type Row struct {
	Table     Table
	Key       string
	Value     json.RawMessage
	UpdatedAt int64
}
