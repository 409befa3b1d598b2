// Package server provides HTTP and WebSocket handlers
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperrors "github.com/aqibmumtaz/speech-training-recorder/internal/errors"
	"github.com/aqibmumtaz/speech-training-recorder/internal/metrics"
	"github.com/aqibmumtaz/speech-training-recorder/internal/session"
	"github.com/aqibmumtaz/speech-training-recorder/internal/trace"
)

// Controller is the session surface the server drives.
type Controller interface {
	State() session.State
	Prompts() session.PromptView
	History(since time.Time) []session.HistoryEntry
	Select(i int) error
	StartTake(ctx context.Context) error
	FinishTake(ctx context.Context) (session.Take, error)
	DeleteTake(ctx context.Context, filename string) error
	Events() <-chan session.State
}

// Message is an inbound WebSocket command.
type Message struct {
	Type     string `json:"type"`
	Index    *int   `json:"index,omitempty"`
	Filename string `json:"filename,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

type StateMessage struct {
	Type string `json:"type"`
	session.State
}

type TakeMessage struct {
	Type string       `json:"type"`
	Take session.Take `json:"take"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// client is one WebSocket connection. Every write goes through send so
// states reach the client in publish order.
type client struct {
	conn    *websocket.Conn
	limiter *rateLimiter
	send    chan any
}

func (c *client) enqueue(msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for msg := range c.send {
		wctx, cancel := context.WithTimeout(ctx, WriteTimeout)
		err := wsjson.Write(wctx, c.conn, msg)
		cancel()
		if err != nil {
			slog.Debug("websocket write error", "error", err)
			return
		}
	}
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	ctl     Controller
	metrics *metrics.Metrics
	origins []string

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

// New creates a server and starts relaying controller state to WebSocket
// clients. allowedOrigins holds full origins such as "http://localhost:3000";
// "*" allows any.
func New(ctl Controller, m *metrics.Metrics, allowedOrigins []string) *Server {
	if m == nil {
		m = metrics.NewNop()
	}
	s := &Server{
		ctl:     ctl,
		metrics: m,
		origins: allowedOrigins,
		clients: make(map[*websocket.Conn]*client),
	}

	go s.broadcastState()

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// REST API
	s.handle(mux, "GET /api/state", s.handleState)
	s.handle(mux, "GET /api/prompts", s.handlePrompts)
	s.handle(mux, "POST /api/prompts/{index}/select", s.handleSelect)
	s.handle(mux, "GET /api/takes", s.handleHistory)
	s.handle(mux, "POST /api/takes/start", s.handleStart)
	s.handle(mux, "POST /api/takes/finish", s.handleFinish)
	s.handle(mux, "DELETE /api/takes/{filename}", s.handleDelete)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Apply middleware: trace -> CORS
	return s.corsMiddleware(trace.Middleware(mux))
}

// handle registers h and records request metrics under its pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.ObserveHTTP(r.Method, r.Pattern, rec.status, time.Since(start))
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

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+trace.TraceIDKey+", "+trace.SpanIDKey)
			w.Header().Set("Access-Control-Expose-Headers", trace.TraceIDKey)
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

// originPatterns converts allowed origins to the host patterns the
// WebSocket handshake matches against.
func (s *Server) originPatterns() []string {
	patterns := make([]string, 0, len(s.origins))
	for _, o := range s.origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.State())
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Prompts())
}

// handleHistory lists the session's takes, optionally only those recorded
// at or after the RFC 3339 time in ?since=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, r, apperrors.Wrapf(err, apperrors.CodeInvalidArgument, "invalid since %q", v))
			return
		}
		since = t
	}
	writeJSON(w, http.StatusOK, s.ctl.History(since))
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, r, apperrors.Wrapf(err, apperrors.CodeInvalidArgument, "invalid prompt index %q", r.PathValue("index")))
		return
	}
	if err := s.ctl.Select(i); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.State())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.StartTake(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.State())
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	take, err := s.ctl.FinishTake(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, take)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.DeleteTake(r.Context(), r.PathValue("filename")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.State())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	msg := errorMessage(r.Context(), err)
	status := http.StatusInternalServerError
	if appErr, ok := apperrors.As(err); ok {
		status = appErr.HTTPStatus()
	}
	if status >= http.StatusInternalServerError {
		trace.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, msg)
}

func errorMessage(ctx context.Context, err error) ErrorMessage {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		code = apperrors.CodeInternal
	}
	tc, _ := trace.FromContext(ctx)
	return ErrorMessage{
		Type:    TypeError,
		Code:    code.String(),
		Message: err.Error(),
		TraceID: tc.TraceID,
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	baseCtx := r.Context()
	c := &client{conn: conn, limiter: &rateLimiter{}, send: make(chan any, ClientSendBuffer)}
	c.enqueue(StateMessage{Type: TypeState, State: s.ctl.State()})

	s.mu.Lock()
	s.clients[conn] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		close(c.send)
		s.mu.Unlock()
	}()

	go c.writeLoop(baseCtx)

	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var raw json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &raw); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !c.limiter.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			c.enqueue(ErrorMessage{Type: TypeError, Code: apperrors.CodeInvalidState.String(), Message: "rate limit exceeded"})
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(errorMessage(baseCtx, apperrors.Wrap(err, apperrors.CodeInvalidArgument, "malformed message")))
			continue
		}

		ctx := baseCtx
		if tc, ok := trace.ExtractFromJSON(raw); ok {
			ctx = trace.WithContext(ctx, tc)
		} else {
			ctx, _ = trace.EnsureContext(ctx)
		}

		if reply := s.dispatch(ctx, msg); reply != nil {
			c.enqueue(reply)
		}
	}
}

// dispatch runs one command. State changes reach the client through the
// broadcast; only takes and errors are answered directly.
func (s *Server) dispatch(ctx context.Context, msg Message) any {
	ctx, span := trace.StartSpan(ctx, "ws_"+msg.Type)
	defer span.End()

	var err error
	switch msg.Type {
	case TypeSelect:
		if msg.Index == nil {
			err = apperrors.New(apperrors.CodeInvalidArgument, "select requires an index")
			break
		}
		err = s.ctl.Select(*msg.Index)
	case TypeStart:
		err = s.ctl.StartTake(ctx)
	case TypeFinish:
		var take session.Take
		if take, err = s.ctl.FinishTake(ctx); err == nil {
			return TakeMessage{Type: TypeTake, Take: take}
		}
	case TypeDelete:
		err = s.ctl.DeleteTake(ctx, msg.Filename)
	default:
		err = apperrors.Newf(apperrors.CodeInvalidArgument, "unknown message type %q", msg.Type)
	}

	if err != nil {
		span.SetAttr("error", err.Error())
		trace.Logger(ctx).Warn("websocket command failed", "type", msg.Type, "error", err)
		return errorMessage(ctx, err)
	}
	return nil
}

func (s *Server) broadcastState() {
	for st := range s.ctl.Events() {
		msg := StateMessage{Type: TypeState, State: st}

		s.mu.RLock()
		for _, c := range s.clients {
			if !c.enqueue(msg) {
				slog.Warn("websocket client lagging, state skipped", "seq", st.Seq)
			}
		}
		s.mu.RUnlock()
	}
	slog.Debug("state broadcast stopped")
}

// CloseConnections closes every WebSocket connection. HTTP shutdown does
// not reach hijacked connections.
func (s *Server) CloseConnections() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
