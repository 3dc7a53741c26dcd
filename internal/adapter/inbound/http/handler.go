package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// mcpProtocolVersion is the MCP protocol version this adapter reports.
const mcpProtocolVersion = "2025-06-18"

// mcpProtocolVersionHeader and the response-time header are always set
// on Streamable-HTTP responses.
const (
	mcpProtocolVersionHeader = "MCP-Protocol-Version"
	responseTimeHeader       = "X-Response-Time"
)

// sseSession is one open /sse or /mcp GET stream: a buffered outbound
// channel plus a last-activity timestamp used by the idle sweep.
type sseSession struct {
	ch           chan []byte
	lastActivity atomic.Int64 // unix nanoseconds
}

func newSSESession() *sseSession {
	s := &sseSession{ch: make(chan []byte, 100)}
	s.touch()
	return s
}

func (s *sseSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// sessionRegistry tracks open streaming sessions, grounded on
// http.sessionRegistry but generalized to carry a last-activity
// timestamp so idleCleanupLoop-style sweeps can terminate stale streams
// past the configured session timeout.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*sseSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*sseSession)}
}

// open registers a new session if count < max, returning its id and the
// session itself. Returns false when max_clients is already reached.
func (r *sessionRegistry) open(max int) (string, *sseSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max > 0 && len(r.sessions) >= max {
		return "", nil, false
	}
	id := uuid.NewString()
	s := newSSESession()
	r.sessions[id] = s
	return id, s, true
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *sessionRegistry) get(id string) (*sseSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *sessionRegistry) close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		close(s.ch)
		delete(r.sessions, id)
	}
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		close(s.ch)
		delete(r.sessions, id)
	}
}

// sweepIdle closes every session whose last activity is older than idle.
func (r *sessionRegistry) sweepIdle(idle time.Duration) {
	cutoff := time.Now().Add(-idle).UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.lastActivity.Load() < cutoff {
			close(s.ch)
			delete(r.sessions, id)
		}
	}
}

// rpcHandler serves POST /rpc: a direct JSON-RPC request/response with no
// session semantics.
func rpcHandler(d Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		body, ok := readBody(w, r, defaultMaxRequestBodySize)
		if !ok {
			return
		}

		resp, err := d.Handle(r.Context(), body)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp)
	})
}

// sseHandler serves GET /sse: opens an event stream whose first event is
// "endpoint", carrying the /messages URL the client must POST to.
func sseHandler(d Dispatcher, registry *sessionRegistry, maxSessions int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		id, session, ok := registry.open(maxSessions)
		if !ok {
			http.Error(w, "too many open sessions", http.StatusServiceUnavailable)
			return
		}
		defer registry.close(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeSSEEvent(w, "endpoint", []byte(fmt.Sprintf("/messages?sessionId=%s", id)))
		flusher.Flush()

		streamSession(r.Context(), w, flusher, session)
	})
}

// messagesHandler serves POST /messages?sessionId=...: dispatches the
// JSON-RPC message and delivers the response over the matching /sse
// stream rather than in the HTTP response body.
func messagesHandler(d Dispatcher, registry *sessionRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			http.Error(w, "sessionId query parameter required", http.StatusBadRequest)
			return
		}
		session, ok := registry.get(sessionID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		body, ok := readBody(w, r, defaultMaxRequestBodySize)
		if !ok {
			return
		}

		session.touch()
		resp, err := d.Handle(r.Context(), body)
		if err == nil && resp != nil {
			deliver(session, resp)
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// mcpHandler serves the Streamable-HTTP endpoint: POST delivers a single
// JSON-RPC message, GET opens an SSE stream whose first event is
// "connected" carrying the assigned session id.
func mcpHandler(d Dispatcher, registry *sessionRegistry, maxSessions int, maxBodyBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleStreamablePost(w, r, d, maxBodyBytes)
		case http.MethodGet:
			handleStreamableGet(w, r, registry, maxSessions)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

func handleStreamablePost(w http.ResponseWriter, r *http.Request, d Dispatcher, maxBodyBytes int64) {
	start := time.Now()

	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		writeStreamableHeaders(w, start)
		writeJSONRPCError(w, nil, -32700, "Content-Type must be application/json")
		return
	}

	body, ok := readBody(w, r, maxBodyBytes)
	if !ok {
		return
	}

	resp, err := d.Handle(r.Context(), body)
	writeStreamableHeaders(w, start)
	if err != nil {
		writeJSONRPCError(w, nil, -32603, "internal error")
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

func handleStreamableGet(w http.ResponseWriter, r *http.Request, registry *sessionRegistry, maxSessions int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	id, session, ok := registry.open(maxSessions)
	if !ok {
		http.Error(w, "too many open sessions", http.StatusServiceUnavailable)
		return
	}
	defer registry.close(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(mcpProtocolVersionHeader, mcpProtocolVersion)
	w.WriteHeader(http.StatusOK)

	writeSSEEvent(w, "connected", []byte(fmt.Sprintf(`{"sessionId":%q}`, id)))
	flusher.Flush()

	streamSession(r.Context(), w, flusher, session)
}

// streamSession pumps outbound messages and periodic heartbeats onto an
// already-headers-written SSE response until the client disconnects or the
// session is closed (idle sweep, shutdown).
func streamSession(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, session *sseSession) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSEEvent(w, "heartbeat", []byte("{}"))
			flusher.Flush()
		case msg, ok := <-session.ch:
			if !ok {
				return
			}
			writeSSEEvent(w, "message", msg)
			flusher.Flush()
		}
	}
}

// deliver pushes resp onto the session's channel without blocking; a full
// buffer (a stalled client) drops the message rather than wedge the
// dispatching goroutine.
func deliver(session *sseSession, resp []byte) {
	select {
	case session.ch <- resp:
	default:
	}
}

func writeSSEEvent(w io.Writer, event string, data []byte) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeStreamableHeaders(w http.ResponseWriter, start time.Time) {
	w.Header().Set(mcpProtocolVersionHeader, mcpProtocolVersion)
	w.Header().Set(responseTimeHeader, time.Since(start).String())
}

// readBody enforces maxBytes, drains the body, and writes a -32700/-32600
// JSON-RPC error response on failure. Returns ok=false if it already wrote
// a response.
func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONRPCError(w, nil, -32600, "request body exceeds the maximum message size")
			return nil, false
		}
		writeJSONRPCError(w, nil, -32700, "failed to read request body")
		return nil, false
	}
	if len(body) == 0 {
		writeJSONRPCError(w, nil, -32700, "empty request body")
		return nil, false
	}
	return body, true
}

type jsonRPCErrorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(jsonRPCErrorEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   jsonRPCErrorObj{Code: code, Message: message},
	})
}
