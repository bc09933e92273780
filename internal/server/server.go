// Package server exposes research runs over HTTP: an NDJSON event stream,
// the same stream over WebSocket, run control and stored history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floegence/redeven-research/internal/auditlog"
	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/research"
	"github.com/floegence/redeven-research/internal/store"
)

const (
	DefaultListenAddr = "127.0.0.1:8740"

	maxRequestBytes = 1 << 20
)

type Options struct {
	Log *slog.Logger

	// ListenAddr is host:port. Defaults to DefaultListenAddr.
	ListenAddr string

	Service *research.Service

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// AllowedOrigins lists the browser origins accepted for WebSocket
	// upgrades. Requests without an Origin header are always accepted.
	AllowedOrigins []string

	Version string
}

type Server struct {
	log      *slog.Logger
	addr     string
	svc      *research.Service
	gatherer prometheus.Gatherer
	origins  map[string]bool
	version  string
	upgrader websocket.Upgrader

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("missing Service")
	}
	addr := strings.TrimSpace(opts.ListenAddr)
	if addr == "" {
		addr = DefaultListenAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid ListenAddr %q: %w", addr, err)
	}
	logger := opts.Log
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		log:      logger,
		addr:     addr,
		svc:      opts.Service,
		gatherer: gatherer,
		origins:  make(map[string]bool),
		version:  strings.TrimSpace(opts.Version),
	}
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			s.origins[o] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

// Handler returns the routed handler without listening.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("/v1/runs/{id}", s.handleRun)
	mux.HandleFunc("/v1/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("/v1/runs/{id}/stop", s.handleStop)
	mux.HandleFunc("/v1/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("/v1/threads", s.handleThreads)
	mux.HandleFunc("/v1/threads/{id}/messages", s.handleMessages)
	mux.HandleFunc("/v1/audit", s.handleAudit)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("research server stopped", "error", err)
		}
	}()

	s.log.Info("research server listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if s.origins[strings.TrimRight(origin, "/")] {
		return true
	}
	// Same host is always fine.
	return strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://") == r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResp{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v := s.version
	if v == "" {
		v = "dev"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"version":     v,
		"active_runs": len(s.svc.Active()),
	})
}

// ndjsonSink writes each event as one JSON line and flushes it.
type ndjsonSink struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	enc    *json.Encoder
	flush  http.Flusher
	failed bool
}

func (n *ndjsonSink) Emit(ev events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failed {
		return
	}
	if err := n.enc.Encode(ev); err != nil {
		n.failed = true
		return
	}
	if n.flush != nil {
		n.flush.Flush()
	}
}

func decodeAsk(w http.ResponseWriter, r *http.Request) (research.AskRequest, error) {
	var req research.AskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, errors.New("invalid json")
	}
	if strings.TrimSpace(req.Query) == "" {
		return req, errors.New("missing query")
	}
	return req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeAsk(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, _ := w.(http.Flusher)
	sink := &ndjsonSink{w: w, enc: json.NewEncoder(w), flush: flusher}

	// Headers must be out before the first event is written.
	sink.mu.Lock()
	h, err := s.svc.Start(r.Context(), req, sink)
	if err != nil {
		sink.mu.Unlock()
		s.log.Warn("research chat start failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Run-Id", h.RunID)
	w.Header().Set("X-Thread-Id", h.ThreadID)
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	sink.mu.Unlock()

	s.log.Info("research chat started", "run_id", h.RunID, "thread_id", h.ThreadID)
	out, err := h.Wait()
	if out != nil {
		s.log.Info("research chat finished", "run_id", h.RunID, "state", string(out.State), "error", err)
	}
}

type wsControl struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

type wsStarted struct {
	Type     string `json:"type"`
	RunID    string `json:"runId"`
	ThreadID string `json:"threadId"`
}

// wsSink serializes writes; gorilla connections allow one writer at a time.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	failed bool
}

func (c *wsSink) write(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(v); err != nil {
		c.failed = true
	}
}

func (c *wsSink) Emit(ev events.Event) { c.write(ev) }

// handleChatWS reads one ask request, streams the run's events and accepts
// {"action":"cancel"} and {"action":"stop"} while the run is live. Closing
// the socket cancels the run.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("research ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	var req research.AskRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	sink := &wsSink{conn: conn}
	if strings.TrimSpace(req.Query) == "" {
		sink.write(errorResp{Error: "missing query"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink.mu.Lock()
	h, err := s.svc.Start(ctx, req, sink)
	if err != nil {
		sink.mu.Unlock()
		sink.write(errorResp{Error: err.Error()})
		return
	}
	_ = conn.WriteJSON(wsStarted{Type: "started", RunID: h.RunID, ThreadID: h.ThreadID})
	sink.mu.Unlock()

	go func() {
		for {
			var msg wsControl
			if err := conn.ReadJSON(&msg); err != nil {
				select {
				case <-h.Done():
				default:
					_ = s.svc.Cancel(h.RunID, "disconnected")
				}
				return
			}
			switch strings.ToLower(strings.TrimSpace(msg.Action)) {
			case "cancel":
				reason := strings.TrimSpace(msg.Reason)
				if reason == "" {
					reason = "user"
				}
				_ = s.svc.Cancel(h.RunID, reason)
			case "stop":
				_, _ = s.svc.SoftStop(h.RunID)
			}
		}
	}()

	_, _ = h.Wait()
	sink.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(time.Second))
	sink.mu.Unlock()
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "user"
	}
	if err := s.svc.Cancel(r.PathValue("id"), reason); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accepted, err := s.svc.SoftStop(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "accepted": accepted})
}

func (s *Server) storeOrError(w http.ResponseWriter, r *http.Request) (*store.Store, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	st := s.svc.Store()
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not persisted")
		return nil, false
	}
	return st, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrError(w, r)
	if !ok {
		return
	}
	run, err := st.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type runEventsResp struct {
	RunID  string           `json:"run_id"`
	Events []store.RunEvent `json:"events"`
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrError(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := st.GetRun(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	evs, err := st.ListRunEvents(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if evs == nil {
		evs = []store.RunEvent{}
	}
	writeJSON(w, http.StatusOK, runEventsResp{RunID: id, Events: evs})
}

type threadsResp struct {
	Threads    []store.Thread `json:"threads"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrError(w, r)
	if !ok {
		return
	}
	cursor, ok := store.DecodeCursor(r.URL.Query().Get("cursor"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	threads, next, err := st.ListThreads(r.Context(), queryInt(r, "limit", 50), cursor)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	writeJSON(w, http.StatusOK, threadsResp{Threads: threads, NextCursor: next})
}

type messagesResp struct {
	ThreadID     string          `json:"thread_id"`
	Messages     []store.Message `json:"messages"`
	NextBeforeID int64           `json:"next_before_id,omitempty"`
	HasMore      bool            `json:"has_more"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storeOrError(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := st.GetThread(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	before, _ := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("before_id")), 10, 64)
	msgs, next, more, err := st.ListMessages(r.Context(), id, queryInt(r, "limit", 100), before)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResp{ThreadID: id, Messages: msgs, NextBeforeID: next, HasMore: more})
}

type auditResp struct {
	Entries []auditlog.Entry `json:"entries"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	audit := s.svc.Audit()
	if audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log is disabled")
		return
	}
	entries, err := audit.List(queryInt(r, "limit", 200), r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	writeJSON(w, http.StatusOK, auditResp{Entries: entries})
}
