package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/slothvips/padsync/internal/oplog"
	"github.com/slothvips/padsync/internal/retry"
)

// defaultHTTPTimeout bounds each relay call so a hung connection never
// blocks a sync cycle indefinitely.
const defaultHTTPTimeout = 30 * time.Second

// Relay API paths.
const (
	pathPush    = "/api/sync/push"
	pathPull    = "/api/sync/pull"
	pathPending = "/api/sync/pending"
	pathEvents  = "/api/sync/events"
)

// Wire types shared with the relay server.
type pushRequest struct {
	Ops      []oplog.Operation `json:"ops"`
	ClientID string            `json:"clientId,omitempty"`
}

type pushResponse struct {
	Success bool  `json:"success"`
	Count   int   `json:"count"`
	Cursor  int64 `json:"cursor"`
}

type pullResponse struct {
	Ops    []oplog.Operation `json:"ops"`
	Cursor int64             `json:"cursor"`
}

type pendingResponse struct {
	Count int `json:"count"`
}

// ChangeNote is a relay change-feed event: something was pushed and the
// global sequence now ends at Cursor.
type ChangeNote struct {
	Event  string `json:"event"`
	Cursor int64  `json:"cursor"`
}

// RelayTransport talks to the relay server over plain HTTP JSON.
// Transient failures (network, 5xx, 429) are retried with exponential
// backoff before surfacing to the caller.
type RelayTransport struct {
	baseURL    string
	token      string
	clientID   string
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
}

// NewRelay creates a relay transport. baseURL is the server root, e.g.
// "http://localhost:8080". token may be empty for unauthenticated
// relays. A nil httpClient gets a default with a bounded timeout.
func NewRelay(baseURL, token, clientID string, httpClient *http.Client, logger *slog.Logger) *RelayTransport {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &RelayTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		clientID:   clientID,
		httpClient: httpClient,
		policy:     retry.DefaultPolicy(),
		logger:     logger,
	}
}

// Push submits a batch of operations. The server inserts them
// idempotently and returns the highest assigned sequence as the cursor.
func (t *RelayTransport) Push(ctx context.Context, ops []oplog.Operation, clientID string) (PushResult, error) {
	body, err := json.Marshal(pushRequest{Ops: ops, ClientID: clientID})
	if err != nil {
		return PushResult{}, fmt.Errorf("transport: encoding push request: %w", err)
	}

	var resp pushResponse
	if err := t.doRetry(ctx, http.MethodPost, pathPush, body, &resp); err != nil {
		return PushResult{}, err
	}

	t.logger.Debug("push accepted",
		slog.Int("ops", len(ops)),
		slog.Int("count", resp.Count),
		slog.Int64("cursor", resp.Cursor),
	)

	return PushResult{Cursor: resp.Cursor, Count: resp.Count, Success: resp.Success}, nil
}

// Pull requests operations with sequence strictly greater than cursor.
// An empty batch returns the input cursor unchanged.
func (t *RelayTransport) Pull(ctx context.Context, cursor int64, clientID string) (PullResult, error) {
	path := pathPull + "?" + pullQuery(cursor, clientID)

	var resp pullResponse
	if err := t.doRetry(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return PullResult{}, err
	}

	next := resp.Cursor
	if len(resp.Ops) == 0 && next < cursor {
		// Defensive: an empty poll never moves the cursor backwards.
		next = cursor
	}

	return PullResult{Ops: resp.Ops, NextCursor: next}, nil
}

// PendingCount returns how many operations after cursor await this
// client, excluding its own writes.
func (t *RelayTransport) PendingCount(ctx context.Context, cursor int64, clientID string) (int, error) {
	path := pathPending + "?" + pullQuery(cursor, clientID)

	var resp pendingResponse
	if err := t.doRetry(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}

	return resp.Count, nil
}

// WatchChanges subscribes to the relay change feed over websocket and
// forwards notes until the context is canceled or the connection drops,
// then closes the channel. Callers fall back to interval polling when
// the channel closes.
func (t *RelayTransport) WatchChanges(ctx context.Context) (<-chan ChangeNote, error) {
	wsURL := strings.Replace(t.baseURL, "http", "ws", 1) + pathEvents

	opts := &websocket.DialOptions{HTTPClient: t.httpClient}
	if t.token != "" || t.clientID != "" {
		opts.HTTPHeader = http.Header{}
		if t.token != "" {
			opts.HTTPHeader.Set("X-Access-Token", t.token)
		}
		if t.clientID != "" {
			opts.HTTPHeader.Set("X-Client-ID", t.clientID)
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts) //nolint:bodyclose // closed via conn.CloseNow
	if err != nil {
		return nil, fmt.Errorf("transport: dialing change feed: %w", err)
	}

	notes := make(chan ChangeNote, 16)

	go func() {
		defer close(notes)
		defer conn.CloseNow()

		for {
			var note ChangeNote
			if err := wsjson.Read(ctx, conn, &note); err != nil {
				if ctx.Err() == nil {
					t.logger.Warn("change feed disconnected", slog.String("error", err.Error()))
				}

				return
			}

			select {
			case notes <- note:
			case <-ctx.Done():
				return
			}
		}
	}()

	return notes, nil
}

// doRetry runs one JSON request through the retry policy, retrying only
// transient failures.
func (t *RelayTransport) doRetry(ctx context.Context, method, path string, body []byte, out any) error {
	return t.policy.Do(ctx, isTransient, func() error {
		return t.doOnce(ctx, method, path, body, out)
	})
}

// doOnce executes a single JSON request (no retry).
func (t *RelayTransport) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("transport: creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if t.token != "" {
		req.Header.Set("X-Access-Token", t.token)
	}

	if t.clientID != "" {
		req.Header.Set("X-Client-ID", t.clientID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		msg, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			msg = []byte("(failed to read response body)")
		}

		return &RelayError{StatusCode: resp.StatusCode, Message: string(msg), Err: sentinel}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	}

	return nil
}

// pullQuery builds the cursor/clientId query string shared by pull and
// pending requests.
func pullQuery(cursor int64, clientID string) string {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))

	if clientID != "" {
		q.Set("clientId", clientID)
	}

	return q.Encode()
}
