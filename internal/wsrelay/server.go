package wsrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/wingterm/termd/internal/inject"
	"github.com/wingterm/termd/internal/registry"
	"github.com/wingterm/termd/internal/scheduler"
	"github.com/wingterm/termd/internal/session"
)

const writeTimeout = 5 * time.Second

type clientConn struct {
	id        string
	conn      *websocket.Conn
	mu        sync.Mutex // serializes writes; coder/websocket forbids concurrent writers
	sessionID string
}

func (c *clientConn) send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// Server is the registry.Broadcaster implementation that fans session
// events out to every attached browser client.
type Server struct {
	reg    *registry.Registry
	logger *slog.Logger

	mu        sync.RWMutex
	bySession map[string]map[string]*clientConn // sessionID -> clientID -> conn
}

func NewServer(reg *registry.Registry, logger *slog.Logger) *Server {
	s := &Server{reg: reg, logger: logger, bySession: make(map[string]map[string]*clientConn)}
	reg.SetBroadcaster(s)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	client := &clientConn{id: uuid.New().String(), conn: conn}
	defer s.closeClient(client)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.send(client, Envelope{Type: TypeError, Message: "malformed message"})
			continue
		}
		s.dispatch(ctx, client, env)
	}
}

func (s *Server) send(client *clientConn, env Envelope) {
	if err := client.send(context.Background(), env); err != nil {
		s.logger.Debug("write to client failed", "client", client.id, "error", err)
	}
}

func (s *Server) closeClient(client *clientConn) {
	s.mu.Lock()
	if client.sessionID != "" {
		if clients, ok := s.bySession[client.sessionID]; ok {
			delete(clients, client.id)
		}
	}
	s.mu.Unlock()
	if client.sessionID != "" {
		s.reg.DetachFanout(client.sessionID, client.id)
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) dispatch(ctx context.Context, client *clientConn, env Envelope) {
	switch env.Type {
	case TypePing:
		s.send(client, Envelope{Type: TypePong})
	case TypeAttach:
		s.handleAttach(client, env)
	case TypeDetach:
		s.handleDetach(client)
	case TypeStdin:
		if err := s.reg.InjectUserInput(env.SessionID, env.Data); err != nil {
			s.send(client, Envelope{Type: TypeError, SessionID: env.SessionID, Message: err.Error()})
		}
	case TypeResize:
		if err := s.reg.Resize(env.SessionID, session.TerminalSize{Cols: env.Cols, Rows: env.Rows}); err != nil {
			s.send(client, Envelope{Type: TypeError, SessionID: env.SessionID, Message: err.Error()})
		}
	case TypeRenderMarker:
		s.reg.RecordRenderMarker(env.SessionID, env.Line)
	case TypeHistoryLoaded:
		s.handleHistoryLoaded(client, env)
	default:
		s.send(client, Envelope{Type: TypeError, Message: "unknown message type: " + env.Type})
	}
}

// handleAttach registers the client against the fan-out Engine and tells it
// where to anchor its own history fetch (§4.E). It never pushes catch-up
// bytes itself: the client is expected to GET /sessions/{id}/history for
// [0, history_byte_offset) and then send history_loaded once it has, at
// which point handleHistoryLoaded flushes anything queued live in the
// meantime.
func (s *Server) handleAttach(client *clientConn, env Envelope) {
	// env.SessionID may be an alias; Resolve maps it to the underlying
	// session id (or returns it unchanged if it's already one / unknown).
	sessionID := s.reg.Resolve(env.SessionID)
	marker, byteOffset, err := s.reg.AttachFanout(sessionID, client.id)
	if err != nil {
		s.send(client, Envelope{Type: TypeError, SessionID: env.SessionID, Message: err.Error()})
		return
	}

	s.mu.Lock()
	if client.sessionID != "" && client.sessionID != sessionID {
		if clients, ok := s.bySession[client.sessionID]; ok {
			delete(clients, client.id)
		}
		s.reg.DetachFanout(client.sessionID, client.id)
	}
	client.sessionID = sessionID
	if s.bySession[sessionID] == nil {
		s.bySession[sessionID] = make(map[string]*clientConn)
	}
	s.bySession[sessionID][client.id] = client
	s.mu.Unlock()

	s.send(client, Envelope{
		Type:              TypeAttached,
		SessionID:         sessionID,
		ClientID:          client.id,
		HistoryMarker:     marker,
		HistoryByteOffset: byteOffset,
		ShouldLoadHistory: byteOffset > 0,
	})
}

// handleHistoryLoaded is the server side of the client→server history_loaded
// message: the client has now fetched [0, history_byte_offset) on its own,
// so anything the Engine queued live for it in the meantime can go out.
func (s *Server) handleHistoryLoaded(client *clientConn, env Envelope) {
	if client.sessionID == "" {
		return
	}
	chunks, err := s.reg.MarkHistoryLoaded(client.sessionID, client.id)
	if err != nil {
		s.send(client, Envelope{Type: TypeError, SessionID: client.sessionID, Message: err.Error()})
		return
	}
	for _, chunk := range chunks {
		s.send(client, Envelope{Type: TypeStdout, SessionID: client.sessionID, Data: string(chunk)})
	}
}

func (s *Server) handleDetach(client *clientConn) {
	if client.sessionID == "" {
		return
	}
	s.mu.Lock()
	sessionID := client.sessionID
	if clients, ok := s.bySession[sessionID]; ok {
		delete(clients, client.id)
	}
	client.sessionID = ""
	s.mu.Unlock()

	s.reg.DetachFanout(sessionID, client.id)
	s.send(client, Envelope{Type: TypeDetached, SessionID: sessionID})
}

func (s *Server) broadcast(sessionID string, env Envelope) {
	s.mu.RLock()
	clients := make([]*clientConn, 0, len(s.bySession[sessionID]))
	for _, c := range s.bySession[sessionID] {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		s.send(c, env)
	}
}

// The following methods implement registry.Broadcaster.

// StdoutTo delivers one live output chunk to exactly one attached client —
// the fan-out Engine decides per-client eligibility (§8's no-duplicate,
// no-gap invariant), so the transport must not broadcast stdout to the
// whole session's audience the way it does for session-wide events.
func (s *Server) StdoutTo(sessionID, clientID string, data []byte) {
	s.mu.RLock()
	client, ok := s.bySession[sessionID][clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.send(client, Envelope{Type: TypeStdout, SessionID: sessionID, Data: string(data)})
}

func (s *Server) StdoutDropped(sessionID string, droppedBytes int) {
	s.broadcast(sessionID, Envelope{Type: TypeStdoutDropped, SessionID: sessionID, DroppedBytes: droppedBytes})
}

func (s *Server) ActivityChanged(sessionID string, state session.ActivityState) {
	s.broadcast(sessionID, Envelope{Type: TypeSessionActivity, SessionID: sessionID, Activity: string(state)})
}

func (s *Server) TitleChanged(sessionID string, title string) {
	s.broadcast(sessionID, Envelope{Type: TypeSessionUpdated, SessionID: sessionID, Title: title, UpdateType: "title"})
}

// SessionUpdated broadcasts a generic metadata-changed notification, e.g.
// after a stop-input list mutation or rearm, so clients know to refetch.
func (s *Server) SessionUpdated(sessionID, updateType string) {
	s.broadcast(sessionID, Envelope{Type: TypeSessionUpdated, SessionID: sessionID, UpdateType: updateType})
}

func (s *Server) StdinInjected(sessionID string, source inject.Source, n int) {
	s.broadcast(sessionID, Envelope{Type: TypeStdinInjected, SessionID: sessionID, Source: string(source), Bytes: n})
}

func (s *Server) ScheduledRuleUpdated(sessionID string, rule scheduler.Rule) {
	r := rule
	s.broadcast(sessionID, Envelope{Type: TypeScheduledRuleUpdated, SessionID: sessionID, Rule: &r})
}

func (s *Server) DeferredQueueUpdated(sessionID string) {
	s.broadcast(sessionID, Envelope{Type: TypeDeferredInputUpdated, SessionID: sessionID})
}

func (s *Server) SessionEnded(sessionID string, exitCode int) {
	code := exitCode
	s.broadcast(sessionID, Envelope{Type: TypeSessionEnded, SessionID: sessionID, ExitCode: &code})

	s.mu.Lock()
	clients := s.bySession[sessionID]
	delete(s.bySession, sessionID)
	s.mu.Unlock()
	for _, c := range clients {
		c.mu.Lock()
		c.sessionID = ""
		c.mu.Unlock()
	}
}
