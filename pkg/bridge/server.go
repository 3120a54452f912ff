package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	bridgelog "github.com/rubiojr/bridgectl/pkg/log"
)

// ServerConfig configures the bridge server.
type ServerConfig struct {
	MailboxCapacity  int
	ShutdownDeadline time.Duration
	AllowedOrigins   []string
	RequireAuth      bool
	AllowBroadcast   bool
}

// Server owns the listening socket (via its ServeHTTP upgrade handler),
// the per-connection lifecycle, broadcast, and graceful shutdown.
type Server struct {
	cfg ServerConfig

	authGate *AuthGate
	handler  *Handler
	prompts  *PromptRouter
	clients  *ClientSet

	upgrader websocket.Upgrader

	shutdownOnce sync.Once
	closing      chan struct{}

	log *bridgelog.Logger
}

// NewServer builds a Server. credStore may be nil (no token validation
// available; see AuthGate.Authenticate).
func NewServer(cfg ServerConfig, cache *Cache, dispatcher CommandDispatcher, schemas SchemaProvider, sessions SessionProvider, credStore CredentialStore) *Server {
	clients := NewClientSet()
	prompts := NewPromptRouter(func(connID string, frame push) error {
		conn, ok := clients.Get(connID)
		if !ok {
			return errors.New("connection gone")
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if !conn.EnqueueSend(payload) {
			return errors.New("mailbox overloaded")
		}
		return nil
	})

	s := &Server{
		cfg:      cfg,
		authGate: NewAuthGate(cfg.AllowedOrigins, cfg.RequireAuth, credStore),
		prompts:  prompts,
		clients:  clients,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		closing:  make(chan struct{}),
		log:      bridgelog.ForService("bridge"),
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool { return true } // Origin is validated explicitly in ServeHTTP, not delegated to gorilla.

	info := NewInfoProvider(cache, schemas, sessions)
	dispatchAdapter := NewDispatchAdapter(cache, dispatcher)
	s.handler = NewHandler(cache, dispatchAdapter, prompts, info, s, cfg.AllowBroadcast)
	return s
}

// ServeHTTP upgrades the request to a WebSocket connection after running
// the auth gate, then drives its accept-loop steps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closing:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	origin := OriginFromRequest(r)
	if err := s.authGate.CheckOrigin(origin); err != nil {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	token := ExtractToken(r)
	auth, err := s.authGate.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, r.RemoteAddr, s.cfg.MailboxCapacity, s.prompts)
	conn.SetAuth(auth)
	conn.SetState(StateAuthed)
	s.clients.Add(conn)

	s.runConnection(conn)
}

// runConnection sends the info frame, starts the write loop, then runs the
// read loop until EOF/error/close, performing cleanup on the way out.
func (s *Server) runConnection(conn *Connection) {
	defer func() {
		s.clients.Remove(conn.ConnectionID())
		conn.SetState(StateClosed)
	}()

	info := s.handler.info.ConnectionInfo(context.Background(), conn.Auth())
	s.sendPush(conn, push{Event: EventInfo, Data: info})
	conn.SetState(StateActive)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for payload := range conn.Mailbox() {
			if err := conn.WriteMessage(payload); err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			conn.SetState(StateClosing)
			break
		}
		reply, ok := s.handler.Handle(conn.ctx, conn, raw)
		if !ok {
			continue
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			s.log.Errorf("conn %s: marshaling reply: %v", conn.ConnectionID(), err)
			continue
		}
		conn.EnqueueSend(payload)
	}

	// Cancel the connection's context (resolving any pending prompt and
	// unblocking any in-flight dispatch goroutine) and close the mailbox
	// (unblocking the writer's range loop) before waiting for the writer
	// to drain and exit.
	conn.Close()
	conn.CloseMailbox()
	<-writerDone
}

func (s *Server) sendPush(conn *Connection, frame push) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Errorf("conn %s: marshaling push frame: %v", conn.ConnectionID(), err)
		return
	}
	conn.EnqueueSend(payload)
}

// Broadcast implements the Broadcaster interface the message handler uses
// for the "broadcast" event, and is also used directly by dispatch-side
// "data_updated" notifications. The clients snapshot is taken before send
// so no lock is held during I/O.
func (s *Server) Broadcast(payload []byte, exceptConnID string) {
	for _, conn := range s.clients.Snapshot() {
		if conn.ConnectionID() == exceptConnID {
			continue
		}
		if !conn.EnqueueSend(payload) {
			s.log.Warnf("conn %s: dropped from broadcast, closing (slow peer)", conn.ConnectionID())
			conn.ws.Close()
		}
	}
}

// BroadcastDataUpdated emits {event:"data_updated", model} to every peer
// except the one that triggered the mutation.
func (s *Server) BroadcastDataUpdated(model, exceptConnID string) {
	payload, err := json.Marshal(push{Event: EventDataUpdated, Data: map[string]any{"model": model}})
	if err != nil {
		return
	}
	s.Broadcast(payload, exceptConnID)
}

// Shutdown implements graceful shutdown: stop accepting, notify all
// peers, wait up to the configured deadline for read loops to exit, then
// force-close stragglers. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.closing)

		byeFrame, _ := json.Marshal(push{Event: EventBye, Data: map[string]any{"reason": "server shutting down"}})
		conns := s.clients.Snapshot()
		for _, conn := range conns {
			conn.EnqueueSend(byeFrame)
		}

		deadline := s.cfg.ShutdownDeadline
		if deadline <= 0 {
			deadline = 5 * time.Second
		}
		timer := time.NewTimer(deadline)
		defer timer.Stop()

		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for s.clients.Len() > 0 {
			select {
			case <-timer.C:
				for _, conn := range s.clients.Snapshot() {
					conn.ws.Close()
				}
				return
			case <-ticker.C:
			}
		}
	})
	return nil
}

// ClientCount reports the number of currently tracked connections, chiefly
// for tests.
func (s *Server) ClientCount() int { return s.clients.Len() }
