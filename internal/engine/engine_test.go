package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/slothvips/padsync/internal/oplog"
	"github.com/slothvips/padsync/internal/secrets"
	"github.com/slothvips/padsync/internal/transport"
)

// fakeRelay is an in-memory transport shared between test engines.
// It mimics the relay's contract: idempotent insert by op ID, global
// ascending sequence, self-echo filtered by client ID.
type fakeRelay struct {
	mu     sync.Mutex
	ops    []oplog.Operation
	owners map[string]string // op ID -> client ID
	seq    int64

	pushErr error
	pullErr error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{owners: map[string]string{}}
}

func (f *fakeRelay) Push(ctx context.Context, ops []oplog.Operation, clientID string) (transport.PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pushErr != nil {
		return transport.PushResult{}, f.pushErr
	}

	for _, op := range ops {
		if _, dup := f.owners[op.ID]; dup {
			continue
		}

		f.seq++
		op.ServerSeq = f.seq
		f.ops = append(f.ops, op)
		f.owners[op.ID] = clientID
	}

	return transport.PushResult{Cursor: f.seq, Count: len(ops), Success: true}, nil
}

func (f *fakeRelay) Pull(ctx context.Context, cursor int64, clientID string) (transport.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pullErr != nil {
		return transport.PullResult{}, f.pullErr
	}

	out := []oplog.Operation{}

	for _, op := range f.ops {
		if op.ServerSeq > cursor && f.owners[op.ID] != clientID {
			out = append(out, op)
		}
	}

	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].ServerSeq
	}

	return transport.PullResult{Ops: out, NextCursor: next}, nil
}

func (f *fakeRelay) PendingCount(ctx context.Context, cursor int64, clientID string) (int, error) {
	res, err := f.Pull(ctx, cursor, clientID)
	if err != nil {
		return 0, err
	}

	return len(res.Ops), nil
}

// eventRecorder captures emitted events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Emit(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

func (r *eventRecorder) count(event string) int {
	n := 0

	for _, e := range r.names() {
		if e == event {
			n++
		}
	}

	return n
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, name string) *oplog.Store {
	t.Helper()

	s, err := oplog.New(filepath.Join(t.TempDir(), name+".db"), testLogger(t))
	if err != nil {
		t.Fatalf("oplog.New: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func testKey(t *testing.T) *secrets.Key {
	t.Helper()

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	return key
}

func newTestEngine(t *testing.T, relay transport.Transport, key *secrets.Key, clientID string) (*Engine, *oplog.Store, *eventRecorder) {
	t.Helper()

	store := newTestStore(t, clientID)
	rec := &eventRecorder{}

	eng, err := New(EngineConfig{
		Store:     store,
		Transport: relay,
		Key:       key,
		ClientID:  clientID,
		Logger:    testLogger(t),
		Events:    rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return eng, store, rec
}

func record(t *testing.T, store *oplog.Store, key string) oplog.Operation {
	t.Helper()

	op, err := store.RecordMutation(context.Background(), oplog.TableLinks, oplog.OpCreate, key,
		[]byte(fmt.Sprintf(`{"url":"https://example.com/%s"}`, key)))
	if err != nil {
		t.Fatalf("RecordMutation(%s): %v", key, err)
	}

	return op
}

func TestPushSealsMarksAndAdvances(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay()
	key := testKey(t)
	eng, store, rec := newTestEngine(t, relay, key, "client-a")
	ctx := context.Background()

	record(t, store, "link-1")
	record(t, store, "link-2")
	record(t, store, "link-3")

	report, err := eng.Push(ctx)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if report.Pushed != 3 || report.Cursor != 3 {
		t.Fatalf("report = %+v, want 3 pushed, cursor 3", report)
	}

	unsynced, err := store.CountUnsynced(ctx)
	if err != nil {
		t.Fatalf("CountUnsynced: %v", err)
	}

	if unsynced != 0 {
		t.Errorf("unsynced = %d, want 0", unsynced)
	}

	cursor, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}

	if cursor != 3 {
		t.Errorf("cursor = %d, want 3", cursor)
	}

	// Payloads cross the wire sealed, never as plaintext JSON.
	for _, op := range relay.ops {
		if _, err := secrets.DecryptJSON(op.Payload, key); err != nil {
			t.Errorf("relay op %s not sealed with the engine key: %v", op.ID, err)
		}
	}

	if rec.count(EventSyncComplete) != 1 {
		t.Errorf("sync-complete emitted %d times, want 1", rec.count(EventSyncComplete))
	}

	if got := eng.Status(); got.State != StateIdle || got.LastError != "" {
		t.Errorf("status after push = %+v", got)
	}
}

func TestPushEmptyQueueIsNoOp(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay()
	eng, _, rec := newTestEngine(t, relay, testKey(t), "client-a")

	report, err := eng.Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if report.Pushed != 0 {
		t.Errorf("pushed = %d, want 0", report.Pushed)
	}

	if rec.count(EventSyncComplete) != 0 {
		t.Error("empty push should not emit sync-complete")
	}
}

func TestPushWithoutKeyFailsFast(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay()
	eng, store, rec := newTestEngine(t, relay, nil, "client-a")
	ctx := context.Background()

	record(t, store, "link-1")

	_, err := eng.Push(ctx)
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("error = %v, want ErrNoKey", err)
	}

	if len(relay.ops) != 0 {
		t.Error("nothing should reach the transport without a key")
	}

	if got := eng.Status(); got.State != StateError {
		t.Errorf("state = %s, want error", got.State)
	}

	if rec.count(EventSyncError) != 1 {
		t.Errorf("sync-error emitted %d times, want 1", rec.count(EventSyncError))
	}
}

func TestTwoClientRoundTrip(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay()
	key := testKey(t)
	ctx := context.Background()

	engA, storeA, _ := newTestEngine(t, relay, key, "client-a")
	engB, storeB, _ := newTestEngine(t, relay, key, "client-b")

	record(t, storeA, "link-1")
	record(t, storeA, "link-2")
	record(t, storeA, "link-3")

	pushReport, err := engA.Push(ctx)
	if err != nil {
		t.Fatalf("A.Push: %v", err)
	}

	pullReport, err := engB.Pull(ctx)
	if err != nil {
		t.Fatalf("B.Pull: %v", err)
	}

	if pullReport.Applied != 3 {
		t.Fatalf("applied = %d, want 3", pullReport.Applied)
	}

	if pullReport.Cursor != pushReport.Cursor {
		t.Errorf("B cursor = %d, want %d", pullReport.Cursor, pushReport.Cursor)
	}

	rows, err := storeB.ListRows(ctx, oplog.TableLinks)
	if err != nil {
		t.Fatalf("ListRows: %v", err)
	}

	if len(rows) != 3 {
		t.Fatalf("B has %d rows, want 3", len(rows))
	}

	// Replays are harmless: a second pull finds nothing new.
	again, err := engB.Pull(ctx)
	if err != nil {
		t.Fatalf("B.Pull again: %v", err)
	}

	if again.Applied != 0 {
		t.Errorf("second pull applied %d, want 0", again.Applied)
	}

	// A pulling its own pushes is a no-op too.
	selfPull, err := engA.Pull(ctx)
	if err != nil {
		t.Fatalf("A.Pull: %v", err)
	}

	if selfPull.Applied != 0 {
		t.Errorf("A applied its own ops: %d", selfPull.Applied)
	}
}

func TestPullSkipsUndecryptableOps(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay()
	key := testKey(t)
	wrongKey := testKey(t)
	ctx := context.Background()

	// Seed the relay with one op under a foreign key and one readable.
	bad := oplog.NewOperation(oplog.TableNotes, oplog.OpCreate, "note-1", []byte(`{"text":"x"}`), 1)
	sealedBad, err := secrets.EncryptJSON(bad.Payload, wrongKey)
	if err != nil {
		t.Fatalf("EncryptJSON: %v", err)
	}

	bad.Payload = sealedBad

	good := oplog.NewOperation(oplog.TableNotes, oplog.OpCreate, "note-2", []byte(`{"text":"y"}`), 2)
	sealedGood, err := secrets.EncryptJSON(good.Payload, key)
	if err != nil {
		t.Fatalf("EncryptJSON: %v", err)
	}

	good.Payload = sealedGood

	if _, err := relay.Push(ctx, []oplog.Operation{bad, good}, "client-z"); err != nil {
		t.Fatalf("seeding relay: %v", err)
	}

	eng, store, _ := newTestEngine(t, relay, key, "client-a")

	report, err := eng.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if report.Applied != 1 || report.Skipped != 1 {
		t.Fatalf("report = %+v, want 1 applied, 1 skipped", report)
	}

	// The cursor moves past the unreadable op; it is gone for good.
	cursor, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}

	if cursor != 2 {
		t.Errorf("cursor = %d, want 2", cursor)
	}
}

func TestPullTransientErrorReturnsToIdle(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay()
	relay.pullErr = fmt.Errorf("wrapped: %w", transport.ErrServerError)

	eng, _, rec := newTestEngine(t, relay, testKey(t), "client-a")

	_, err := eng.Pull(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}

	status := eng.Status()
	if status.State != StateIdle {
		t.Errorf("state = %s, want idle after transient failure", status.State)
	}

	if status.LastError == "" {
		t.Error("LastError should record the failure")
	}

	if rec.count(EventSyncError) != 0 {
		t.Error("transient failures should not emit sync-error")
	}
}

func TestPullPermanentErrorParksInErrorState(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay()
	relay.pullErr = fmt.Errorf("wrapped: %w", transport.ErrUnauthorized)

	eng, _, rec := newTestEngine(t, relay, testKey(t), "client-a")

	_, err := eng.Pull(context.Background())
	if !errors.Is(err, transport.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}

	if got := eng.Status(); got.State != StateError {
		t.Errorf("state = %s, want error", got.State)
	}

	if rec.count(EventSyncError) != 1 {
		t.Errorf("sync-error emitted %d times, want 1", rec.count(EventSyncError))
	}
}

func TestPendingCounts(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay()
	key := testKey(t)
	ctx := context.Background()

	engA, storeA, _ := newTestEngine(t, relay, key, "client-a")
	engB, storeB, _ := newTestEngine(t, relay, key, "client-b")

	record(t, storeA, "link-1")
	record(t, storeA, "link-2")

	if _, err := engA.Push(ctx); err != nil {
		t.Fatalf("A.Push: %v", err)
	}

	record(t, storeB, "link-3")

	counts, err := engB.PendingCounts(ctx)
	if err != nil {
		t.Fatalf("PendingCounts: %v", err)
	}

	if counts.Push != 1 || counts.Pull != 2 {
		t.Fatalf("counts = %+v, want push 1, pull 2", counts)
	}
}
