// Package engine drives sync cycles: it drains the local operation log
// through a transport, applies remote batches back into the store, and
// owns the encryption boundary so payloads leave the machine only as
// sealed envelopes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slothvips/padsync/internal/oplog"
	"github.com/slothvips/padsync/internal/secrets"
	"github.com/slothvips/padsync/internal/transport"
)

// ErrNoKey means a sync was attempted before an encryption key was
// configured. Nothing is sent or fetched without one.
var ErrNoKey = errors.New("engine: no encryption key configured")

// State is the engine's coarse activity state.
type State string

// Engine states.
const (
	StateIdle    State = "idle"
	StatePushing State = "pushing"
	StatePulling State = "pulling"
	StateError   State = "error"
)

// Event names emitted through the Events sink.
const (
	EventStatusChange = "status-change"
	EventSyncComplete = "sync-complete"
	EventSyncError    = "sync-error"
)

// Events receives engine lifecycle notifications. Implementations must
// not block; a nil sink disables emission.
type Events interface {
	Emit(event string, payload any)
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	State      State     `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
	LastSyncAt time.Time `json:"last_sync_at,omitzero"`
}

// StatusChangeEvent is the payload of EventStatusChange.
type StatusChangeEvent struct {
	State State `json:"state"`
}

// SyncCompleteEvent is the payload of EventSyncComplete.
type SyncCompleteEvent struct {
	Direction string `json:"direction"`
	Count     int    `json:"count"`
	Cursor    int64  `json:"cursor"`
}

// SyncErrorEvent is the payload of EventSyncError.
type SyncErrorEvent struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// PendingCounts reports work waiting on both sides of the wire.
type PendingCounts struct {
	Push int `json:"push"` // local unsynced operations
	Pull int `json:"pull"` // remote operations past our cursor
}

// PushReport summarizes one push cycle.
type PushReport struct {
	Pushed int
	Cursor int64
}

// PullReport summarizes one pull cycle.
type PullReport struct {
	Applied int
	Skipped int // ops that failed to decrypt or were already known
	Cursor  int64
}

// EngineConfig carries the engine's collaborators. Store, Transport and
// ClientID are required; Key may be nil until the user configures one.
type EngineConfig struct {
	Store     *oplog.Store
	Transport transport.Transport
	Key       *secrets.Key
	ClientID  string
	Logger    *slog.Logger
	Events    Events
}

// Engine coordinates push and pull cycles over a single store and
// transport. Safe for concurrent use: pushes serialize against pushes,
// pulls against pulls, and rotation excludes both.
type Engine struct {
	store     *oplog.Store
	transport transport.Transport
	clientID  string
	logger    *slog.Logger
	events    Events

	keyMu sync.RWMutex
	key   *secrets.Key

	pushMu sync.Mutex
	pullMu sync.Mutex

	stateMu    sync.Mutex
	state      State
	lastErr    string
	lastSyncAt time.Time

	nowFunc func() time.Time
}

// New creates an Engine from config.
func New(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: config missing store")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("engine: config missing transport")
	}

	if cfg.ClientID == "" {
		return nil, fmt.Errorf("engine: config missing client ID")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:     cfg.Store,
		transport: cfg.Transport,
		clientID:  cfg.ClientID,
		logger:    logger,
		events:    cfg.Events,
		key:       cfg.Key,
		state:     StateIdle,
		nowFunc:   time.Now,
	}, nil
}

// Status returns a snapshot of the engine's state.
func (e *Engine) Status() Status {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	return Status{State: e.state, LastError: e.lastErr, LastSyncAt: e.lastSyncAt}
}

// Push drains the local unsynced log to the transport. A second
// concurrent Push blocks until the first finishes and then finds an
// empty queue, so overlapping requests never duplicate work.
func (e *Engine) Push(ctx context.Context) (PushReport, error) {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	return e.pushLocked(ctx)
}

func (e *Engine) pushLocked(ctx context.Context) (PushReport, error) {
	ops, err := e.store.ListUnsynced(ctx)
	if err != nil {
		return PushReport{}, e.fail("push", err)
	}

	if len(ops) == 0 {
		cursor, err := e.store.Cursor(ctx)
		if err != nil {
			return PushReport{}, e.fail("push", err)
		}

		// A clean no-op also recovers a parked engine.
		e.setState(StateIdle)

		return PushReport{Cursor: cursor}, nil
	}

	key := e.currentKey()
	if key == nil {
		return PushReport{}, e.fail("push", ErrNoKey)
	}

	e.setState(StatePushing)

	wire := make([]oplog.Operation, len(ops))
	ids := make([]string, len(ops))

	for i := range ops {
		sealed, err := secrets.EncryptJSON(ops[i].Payload, key)
		if err != nil {
			return PushReport{}, e.fail("push", fmt.Errorf("engine: sealing op %s: %w", ops[i].ID, err))
		}

		wire[i] = ops[i]
		wire[i].Payload = sealed
		ids[i] = ops[i].ID
	}

	res, err := e.transport.Push(ctx, wire, e.clientID)
	if err != nil {
		return PushReport{}, e.fail("push", err)
	}

	if err := e.store.MarkSynced(ctx, ids, res.Cursor); err != nil {
		return PushReport{}, e.fail("push", err)
	}

	e.settle()
	e.emit(EventSyncComplete, SyncCompleteEvent{Direction: "push", Count: len(ids), Cursor: res.Cursor})
	e.logger.Info("push complete",
		slog.Int("ops", len(ids)),
		slog.Int64("cursor", res.Cursor),
	)

	return PushReport{Pushed: len(ids), Cursor: res.Cursor}, nil
}

// Pull fetches remote operations past the local cursor, decrypts them,
// and applies them in one transaction. Operations that fail to decrypt
// are counted and skipped without aborting the batch.
func (e *Engine) Pull(ctx context.Context) (PullReport, error) {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	return e.pullLocked(ctx)
}

func (e *Engine) pullLocked(ctx context.Context) (PullReport, error) {
	key := e.currentKey()
	if key == nil {
		return PullReport{}, e.fail("pull", ErrNoKey)
	}

	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return PullReport{}, e.fail("pull", err)
	}

	e.setState(StatePulling)

	res, err := e.transport.Pull(ctx, cursor, e.clientID)
	if err != nil {
		return PullReport{}, e.fail("pull", err)
	}

	if len(res.Ops) == 0 {
		// A backend may scan a window holding nothing usable (our own
		// rows, garbage) and still move its cursor. Persist that advance
		// or the same window is rescanned forever.
		if res.NextCursor > cursor {
			if _, err := e.store.ApplyRemote(ctx, nil, res.NextCursor); err != nil {
				return PullReport{}, e.fail("pull", err)
			}

			cursor = res.NextCursor
		}

		e.settle()

		return PullReport{Cursor: cursor}, nil
	}

	batch, maxSeq, skipped := e.openBatch(res.Ops, key)

	// The relay reports the batch tip in the response cursor and strips
	// per-op sequences; other backends do the opposite. Trust whichever
	// is ahead.
	if res.NextCursor > maxSeq {
		maxSeq = res.NextCursor
	}

	fresh, err := e.dropKnown(ctx, batch)
	if err != nil {
		return PullReport{}, e.fail("pull", err)
	}

	skipped += len(batch) - len(fresh)

	applied, err := e.store.ApplyRemote(ctx, fresh, maxSeq)
	if err != nil {
		return PullReport{}, e.fail("pull", err)
	}

	e.settle()
	e.emit(EventSyncComplete, SyncCompleteEvent{Direction: "pull", Count: applied, Cursor: maxSeq})
	e.logger.Info("pull complete",
		slog.Int("received", len(res.Ops)),
		slog.Int("applied", applied),
		slog.Int("skipped", skipped),
		slog.Int64("cursor", maxSeq),
	)

	return PullReport{Applied: applied, Skipped: skipped, Cursor: maxSeq}, nil
}

// openBatch decrypts a pulled batch. Undecryptable ops are logged and
// dropped; the cursor still advances past them since they can never be
// applied.
func (e *Engine) openBatch(ops []oplog.Operation, key *secrets.Key) ([]oplog.Operation, int64, int) {
	batch := make([]oplog.Operation, 0, len(ops))

	var maxSeq int64

	skipped := 0

	for _, op := range ops {
		if op.ServerSeq > maxSeq {
			maxSeq = op.ServerSeq
		}

		plain, err := secrets.DecryptJSON(op.Payload, key)
		if err != nil {
			skipped++
			e.logger.Warn("dropping undecryptable operation",
				slog.String("id", op.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		op.Payload = plain
		batch = append(batch, op)
	}

	return batch, maxSeq, skipped
}

// dropKnown filters out operations already present in the local log.
func (e *Engine) dropKnown(ctx context.Context, ops []oplog.Operation) ([]oplog.Operation, error) {
	if len(ops) == 0 {
		return ops, nil
	}

	ids := make([]string, len(ops))
	for i := range ops {
		ids[i] = ops[i].ID
	}

	known, err := e.store.Contains(ctx, ids)
	if err != nil {
		return nil, err
	}

	fresh := ops[:0]

	for _, op := range ops {
		if !known[op.ID] {
			fresh = append(fresh, op)
		}
	}

	return fresh, nil
}

// PendingCounts reports unsynced local operations and remote operations
// waiting past our cursor. Read-only.
func (e *Engine) PendingCounts(ctx context.Context) (PendingCounts, error) {
	local, err := e.store.CountUnsynced(ctx)
	if err != nil {
		return PendingCounts{}, fmt.Errorf("engine: counting unsynced: %w", err)
	}

	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return PendingCounts{}, fmt.Errorf("engine: reading cursor: %w", err)
	}

	remote, err := e.transport.PendingCount(ctx, cursor, e.clientID)
	if err != nil {
		return PendingCounts{}, fmt.Errorf("engine: counting remote pending: %w", err)
	}

	return PendingCounts{Push: local, Pull: remote}, nil
}

// Cursor returns the local sync cursor.
func (e *Engine) Cursor(ctx context.Context) (int64, error) {
	return e.store.Cursor(ctx)
}

// KeyFingerprint returns the configured key's fingerprint, or "" when
// no key is set.
func (e *Engine) KeyFingerprint() string {
	key := e.currentKey()
	if key == nil {
		return ""
	}

	return key.Fingerprint()
}

func (e *Engine) currentKey() *secrets.Key {
	e.keyMu.RLock()
	defer e.keyMu.RUnlock()

	return e.key
}

func (e *Engine) swapKey(key *secrets.Key) {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()

	e.key = key
}

// setState transitions the engine and emits status-change.
func (e *Engine) setState(s State) {
	e.stateMu.Lock()

	changed := e.state != s
	e.state = s

	e.stateMu.Unlock()

	if changed {
		e.emit(EventStatusChange, StatusChangeEvent{State: s})
	}
}

// settle returns to idle after a successful cycle.
func (e *Engine) settle() {
	e.stateMu.Lock()
	e.lastErr = ""
	e.lastSyncAt = e.nowFunc()
	e.stateMu.Unlock()

	e.setState(StateIdle)
}

// fail records an error and picks the resulting state: permanent
// failures park the engine in error state and emit sync-error,
// transient ones return it to idle with the error noted. The transport
// has already retried transient failures before they reach here.
func (e *Engine) fail(stage string, err error) error {
	e.stateMu.Lock()
	e.lastErr = err.Error()
	e.stateMu.Unlock()

	if isPermanent(err) {
		e.setState(StateError)
		e.emit(EventSyncError, SyncErrorEvent{Stage: stage, Error: err.Error()})
	} else {
		e.setState(StateIdle)
	}

	e.logger.Error("sync cycle failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)

	return err
}

// isPermanent reports whether an error cannot be fixed by retrying
// later with the same configuration.
func isPermanent(err error) bool {
	return errors.Is(err, ErrNoKey) ||
		errors.Is(err, secrets.ErrInvalidKey) ||
		errors.Is(err, transport.ErrBadResponse) ||
		errors.Is(err, transport.ErrUnauthorized) ||
		errors.Is(err, transport.ErrForbidden) ||
		errors.Is(err, transport.ErrBadRequest)
}

// emit forwards an event to the sink, if any.
func (e *Engine) emit(event string, payload any) {
	if e.events != nil {
		e.events.Emit(event, payload)
	}
}
