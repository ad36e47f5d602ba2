package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/capability"
	"github.com/alexjbarnes/provider-bridge/internal/credential"
	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	maxRequestBody   = 1 << 20
	defaultHeartbeat = 25 * time.Second
	wsWriteTimeout   = 10 * time.Second

	// Event types written to the default stream.
	EventCallResult = "call.result"
	EventCallError  = "call.error"
)

// CredentialFunc extracts the authenticated credential from a request
// context.
type CredentialFunc func(ctx context.Context) (credential.Credential, bool)

// APIOptions configures the session HTTP endpoints.
type APIOptions struct {
	Clients        *capability.Clients
	CredentialFrom CredentialFunc
	CallTimeout    time.Duration
	Heartbeat      time.Duration
	Logger         *slog.Logger
}

// API serves the session endpoints.
type API struct {
	m        *Manager
	clients  *capability.Clients
	credFrom CredentialFunc
	timeout  time.Duration
	beat     time.Duration
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// NewAPI builds the session endpoints over m.
func NewAPI(m *Manager, opts APIOptions) *API {
	if opts.Clients == nil {
		opts.Clients = capability.NewClients(0, nil)
	}

	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}

	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}

	if opts.Logger == nil {
		opts.Logger = m.logger
	}

	return &API{
		m:        m,
		clients:  opts.Clients,
		credFrom: opts.CredentialFrom,
		timeout:  opts.CallTimeout,
		beat:     opts.Heartbeat,
		logger:   opts.Logger,
	}
}

// Mount registers the endpoints on mux, each wrapped by protect.
func (a *API) Mount(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	mux.Handle("POST /session", protect(http.HandlerFunc(a.handleHandshake)))
	mux.Handle("GET /session/{id}/stream", protect(http.HandlerFunc(a.handleStream)))
	mux.Handle("GET /session/{id}/ws", protect(http.HandlerFunc(a.handleWebSocket)))
	mux.Handle("POST /session/{id}/calls", protect(http.HandlerFunc(a.handleCall)))
	mux.Handle("DELETE /session/{id}", protect(http.HandlerFunc(a.handleLogout)))
}

// Wait blocks until every in-flight capability call has finished.
func (a *API) Wait() {
	a.inflight.Wait()
}

// StreamPath is the SSE endpoint of a session.
func StreamPath(id string) string {
	return "/session/" + id + "/stream"
}

type handshakeResponse struct {
	SessionID    string                  `json:"session_id"`
	Resumed      bool                    `json:"resumed"`
	Capabilities []capability.Descriptor `json:"capabilities"`
	StreamURL    string                  `json:"stream_url"`
	ResumeFrom   string                  `json:"resume_from,omitempty"`
	EventsPurged bool                    `json:"events_purged,omitempty"`
}

func (a *API) handleHandshake(w http.ResponseWriter, r *http.Request) {
	cred, ok := a.credential(w, r)
	if !ok {
		return
	}

	var req HandshakeRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed handshake body")
			return
		}
	}

	h, err := a.m.Handshake(cred, req)
	if err != nil {
		if errors.Is(err, ErrBadEventID) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		writeError(w, http.StatusInternalServerError, "server_error", "handshake failed")

		return
	}

	resp := handshakeResponse{
		SessionID:    h.Session.ID(),
		Resumed:      h.Resumed,
		Capabilities: h.Session.Capabilities().Manifest(),
		StreamURL:    StreamPath(h.Session.ID()),
		EventsPurged: h.Purged,
	}

	if h.Resumed && !h.Purged && h.After >= 0 {
		resp.ResumeFrom = FormatEventID(DefaultStream, h.After)
	}

	status := http.StatusCreated
	if h.Resumed {
		status = http.StatusOK
	}

	writeJSON(w, status, resp)
}

// session resolves the path session for the authenticated caller. A
// session owned by other providers is reported as not found.
func (a *API) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	cred, ok := a.credential(w, r)
	if !ok {
		return nil, false
	}

	s, err := a.m.Get(r.PathValue("id"))
	if err != nil || !s.ownedBy(cred) {
		writeError(w, http.StatusNotFound, "session_not_found", "session expired or unknown, start a new handshake")
		return nil, false
	}

	return s, true
}

func (a *API) credential(w http.ResponseWriter, r *http.Request) (credential.Credential, bool) {
	if a.credFrom != nil {
		if cred, ok := a.credFrom(r.Context()); ok {
			return cred, true
		}
	}

	writeError(w, http.StatusUnauthorized, "invalid_token", "missing credential")

	return credential.Credential{}, false
}

// lastEventID reads the resume point from the Last-Event-ID header or the
// last_event_id query parameter.
func lastEventID(r *http.Request) (int, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}

	if raw == "" {
		return -1, nil
	}

	stream, seq, err := ParseEventID(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadEventID, err)
	}

	if stream != DefaultStream {
		return 0, fmt.Errorf("%w: stream %q", ErrBadEventID, stream)
	}

	return seq, nil
}

// resumePoint validates the client's last id against the log before any
// stream bytes are written.
func (a *API) resumePoint(w http.ResponseWriter, r *http.Request, s *Session) (int, bool) {
	after, err := lastEventID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return 0, false
	}

	if _, err := s.Log().After(after); err != nil {
		if errors.Is(err, ErrBadEventID) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return 0, false
		}

		writeError(w, http.StatusGone, "events_purged", "events after the given id are no longer available, start a new handshake")
		return 0, false
	}

	return after, true
}

// pump replays the log after seq and then delivers live events until ctx
// ends, the session is destroyed or send fails.
func (a *API) pump(ctx context.Context, s *Session, after int, send func(Event) error, ping func() error) error {
	stream := s.Log()

	heartbeat := time.NewTicker(a.beat)
	defer heartbeat.Stop()

	for {
		events, wake, err := stream.Next(after)
		if err != nil {
			return err
		}

		for _, ev := range events {
			if err := send(ev); err != nil {
				return err
			}

			after = ev.Seq
			s.Touch()
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return nil
		case <-s.Done():
			return nil
		case <-heartbeat.C:
			if err := ping(); err != nil {
				return err
			}
		}
	}
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	after, ok := a.resumePoint(w, r, s)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	a.logger.Debug("stream attached", slog.String("session_id", s.ID()), slog.Int("after", after))

	send := func(ev Event) error {
		if err := writeSSE(w, ev); err != nil {
			return err
		}

		flusher.Flush()

		return nil
	}

	ping := func() error {
		if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
			return err
		}

		flusher.Flush()

		return nil
	}

	if err := a.pump(r.Context(), s, after, send, ping); err != nil {
		a.logger.Debug("stream ended", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
	}
}

func writeSSE(w http.ResponseWriter, ev Event) error {
	var b strings.Builder

	b.WriteString("id: " + ev.ID + "\n")
	b.WriteString("event: " + ev.Type + "\n")

	for _, line := range strings.Split(string(ev.Payload), "\n") {
		b.WriteString("data: " + line + "\n")
	}

	b.WriteString("\n")

	_, err := w.Write([]byte(b.String()))

	return err
}

// wireEvent is the WebSocket frame for one event.
type wireEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// wsConn is the subset of *websocket.Conn the stream writer uses.
type wsConn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	after, ok := a.resumePoint(w, r, s)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
		return
	}

	// Inbound frames are not part of the protocol; CloseRead handles
	// control frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	a.serveWebSocket(ctx, conn, s, after)
}

func (a *API) serveWebSocket(ctx context.Context, conn wsConn, s *Session, after int) {
	send := func(ev Event) error {
		data, err := json.Marshal(wireEvent{ID: ev.ID, Type: ev.Type, Data: ev.Payload})
		if err != nil {
			return err
		}

		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()

		return conn.Write(wctx, websocket.MessageText, data)
	}

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()

		return conn.Ping(pctx)
	}

	err := a.pump(ctx, s, after, send, ping)

	switch {
	case errors.Is(err, apperrors.ErrEventsPurged):
		conn.Close(websocket.StatusPolicyViolation, "events purged")
	case err != nil:
		conn.Close(websocket.StatusInternalError, "stream failed")
	default:
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}
}

type callRequest struct {
	CallID    string          `json:"call_id,omitempty"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type callAccepted struct {
	CallID string `json:"call_id"`
}

// CallOutcome is the payload of call.result and call.error events.
type CallOutcome struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (a *API) handleCall(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	var req callRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool is required")
		return
	}

	caps := s.Capabilities()
	if _, ok := caps.Get(req.Tool); !ok {
		writeError(w, http.StatusNotFound, "unknown_tool", "tool not available in this session")
		return
	}

	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}

	a.inflight.Add(1)

	go func() {
		defer a.inflight.Done()
		a.runCall(s, caps, req)
	}()

	writeJSON(w, http.StatusAccepted, callAccepted{CallID: req.CallID})
}

// runCall invokes a tool outside the request so the result survives the
// caller disconnecting; it is delivered through the event log.
func (a *API) runCall(s *Session, caps capability.Set, req callRequest) {
	ctx, cancel := context.WithTimeout(s.Context(), a.timeout)
	defer cancel()

	out := CallOutcome{CallID: req.CallID, Tool: req.Tool}
	typ := EventCallResult

	result, err := capability.Invoke(ctx, caps, a.clients, s.Credential(), req.Tool, req.Arguments)
	if err != nil {
		typ = EventCallError
		out.Error = err.Error()

		a.logger.Warn("capability call failed",
			slog.String("session_id", s.ID()),
			slog.String("tool", req.Tool),
			slog.String("error", err.Error()),
		)
	} else {
		out.Result = result
	}

	if _, err := s.Emit(typ, out); err != nil {
		a.logger.Error("recording call outcome", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
	}
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	a.m.Close(s.ID())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}
