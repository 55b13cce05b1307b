package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/slothvips/padsync/internal/oplog"
)

// Pull page bounds.
const (
	defaultPageSize = 200
	maxPageSize     = 500
)

// Wire types shared with the client transport.
type pushRequest struct {
	Ops      []oplog.Operation `json:"ops"`
	ClientID string            `json:"clientId"`
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

type errorResponse struct {
	Error string `json:"error"`
}

// ServerConfig carries the server's collaborators.
type ServerConfig struct {
	Store  *Store
	Token  string // empty disables auth
	Logger *slog.Logger
}

// Server exposes the shared log over HTTP and a websocket change feed.
type Server struct {
	store  *Store
	token  string
	logger *slog.Logger
	hub    *hub
}

// NewServer creates a relay server from config.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{store: cfg.Store, token: cfg.Token, logger: logger, hub: newHub()}
}

// Handler builds the chi router with logging on everything and auth on
// the sync API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/sync", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/push", s.handlePush)
		r.Get("/pull", s.handlePull)
		r.Get("/pending", s.handlePending)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed push request: "+err.Error())

		return
	}

	for i := range req.Ops {
		if err := req.Ops[i].Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())

			return
		}
	}

	inserted, cursor, err := s.store.InsertOps(r.Context(), req.Ops, req.ClientID)
	if err != nil {
		s.logger.Error("push failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "storing operations failed")

		return
	}

	if inserted > 0 {
		s.hub.broadcast(changeNote{Event: "changed", Cursor: cursor})
	}

	s.logger.Info("push",
		slog.String("client_id", req.ClientID),
		slog.Int("ops", len(req.Ops)),
		slog.Int("inserted", inserted),
		slog.Int64("cursor", cursor),
	)

	s.writeJSON(w, http.StatusOK, pushResponse{Success: true, Count: len(req.Ops), Cursor: cursor})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	limit := defaultPageSize

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		if limit > maxPageSize {
			limit = maxPageSize
		}
	}

	clientID := r.URL.Query().Get("clientId")

	ops, next, err := s.store.ListAfter(r.Context(), cursor, clientID, limit)
	if err != nil {
		s.logger.Error("pull failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "listing operations failed")

		return
	}

	// Sequences ride in the response cursor, not on individual ops.
	for i := range ops {
		ops[i].ServerSeq = 0
	}

	s.writeJSON(w, http.StatusOK, pullResponse{Ops: ops, Cursor: next})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	count, err := s.store.CountAfter(r.Context(), cursor, r.URL.Query().Get("clientId"))
	if err != nil {
		s.logger.Error("pending count failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "counting operations failed")

		return
	}

	s.writeJSON(w, http.StatusOK, pendingResponse{Count: count})
}

// handleEvents upgrades to websocket and streams change notes until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))

		return
	}
	defer conn.CloseNow()

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// CloseRead fails the context as soon as the peer goes away.
	ctx := conn.CloseRead(r.Context())

	s.logger.Debug("change feed subscriber connected",
		slog.Int("subscribers", s.hub.subscriberCount()),
	)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")

			return
		case note := <-ch:
			if err := wsjson.Write(ctx, conn, note); err != nil {
				return
			}
		}
	}
}

// requireToken rejects sync API calls without the configured token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("X-Access-Token") != s.token {
			s.writeError(w, http.StatusUnauthorized, "missing or invalid access token")

			return
		}

		next.ServeHTTP(w, r)
	})
}

// logRequests logs one line per request with status and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed for the websocket upgrade under this middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("relay: response writer does not support hijacking")
	}

	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func parseCursor(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}

	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, errors.New("cursor must be a non-negative integer")
	}

	return cursor, nil
}
