package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	bridgelog "github.com/rubiojr/bridgectl/pkg/log"
)

// ConnState is a Connection's position in its lifecycle state machine.
type ConnState int

const (
	StateAccepted ConnState = iota
	StateAuthed
	StateActive
	StatePrompting
	StateClosing
	StateClosed
)

// defaultMailboxCap bounds each connection's outbound queue when no
// capacity is configured. A send that would
// block past this capacity is dropped.
const defaultMailboxCap = 64

// Connection is a live client peer. It owns the socket write side via its
// mailbox; reads happen on a separate goroutine driven by the bridge
// server's accept loop.
type Connection struct {
	id         string
	remoteAddr string
	auth       AuthInfo

	ws *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	prompts *PromptRouter

	mu           sync.Mutex
	state        ConnState
	mailbox      chan []byte
	mailboxShut  bool
	droppedSends int

	log *bridgelog.Logger
}

// NewConnection wraps ws as a tracked Connection. capacity <= 0 uses
// defaultMailboxCap. prompts is consulted by Prompt (ConnectionHandle);
// ctx is cancelled when the connection closes, resolving any pending
// prompt and any in-flight dispatch observing it.
func NewConnection(ws *websocket.Conn, remoteAddr string, capacity int, prompts *PromptRouter) *Connection {
	if capacity <= 0 {
		capacity = defaultMailboxCap
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		ws:         ws,
		ctx:        ctx,
		cancel:     cancel,
		prompts:    prompts,
		state:      StateAccepted,
		mailbox:    make(chan []byte, capacity),
		log:        bridgelog.ForService("conn"),
	}
	return c
}

// ConnectionID implements the ConnectionHandle interface consumed by
// CommandDispatcher implementations.
func (c *Connection) ConnectionID() string { return c.id }

// Prompt implements ConnectionHandle by routing through the shared
// PromptRouter, scoped to this connection's id and lifetime.
func (c *Connection) Prompt(ctx context.Context, descriptor PromptDescriptor) (string, error) {
	merged, cancel := mergeContexts(ctx, c.ctx)
	defer cancel()
	return c.prompts.Request(merged, c.id, descriptor, 0)
}

// Close cancels the connection's context, resolving any pending prompt
// with ErrPromptCancelled and signalling in-flight dispatches to abort.
func (c *Connection) Close() {
	c.cancel()
	if c.prompts != nil {
		c.prompts.CancelConn(c.id)
	}
}

// mergeContexts returns a context cancelled when either a or b is done.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return merged, func() { stop(); cancel() }
}

// RemoteAddr returns the peer's network address.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Auth returns the identity resolved at handshake time. Immutable for the
// connection's lifetime.
func (c *Connection) Auth() AuthInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// SetAuth records the handshake-resolved identity. Called once by the
// accept loop after the auth gate succeeds.
func (c *Connection) SetAuth(info AuthInfo) {
	c.mu.Lock()
	c.auth = info
	c.mu.Unlock()
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection to state.
func (c *Connection) SetState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// EnqueueSend queues payload for delivery to this connection's writer
// goroutine. Implements the mailbox backpressure policy: a full mailbox
// drops the send and counts it; two consecutive drops close the
// connection, since it indicates a peer that cannot keep up.
//
// Returns false if the connection should be closed as a result (caller's
// responsibility to act on it -- EnqueueSend never closes the socket
// itself, to avoid taking write locks from arbitrary broadcaster
// goroutines).
func (c *Connection) EnqueueSend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mailboxShut {
		return false
	}

	select {
	case c.mailbox <- payload:
		c.droppedSends = 0
		return true
	default:
	}

	c.droppedSends++
	drop := c.droppedSends
	c.log.Warnf("conn %s: mailbox full, dropping send (consecutive=%d)", c.id, drop)
	return drop < 2
}

// Mailbox exposes the receive side for the writer goroutine.
func (c *Connection) Mailbox() <-chan []byte { return c.mailbox }

// CloseMailbox closes the mailbox channel, unblocking the writer goroutine.
// Safe to call more than once and safe to race against EnqueueSend --
// once shut, EnqueueSend stops trying to send rather than panicking on a
// closed channel.
func (c *Connection) CloseMailbox() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mailboxShut {
		return
	}
	c.mailboxShut = true
	close(c.mailbox)
}

// WriteMessage writes a text frame directly to the socket. Used by the
// writer goroutine that drains the mailbox; never called concurrently with
// itself for a given connection.
func (c *Connection) WriteMessage(payload []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// ClientSet tracks live connections. A read-write lock guards the map;
// broadcast takes a snapshot under the lock before sending.
type ClientSet struct {
	mu      sync.RWMutex
	members map[string]*Connection
}

// NewClientSet constructs an empty ClientSet.
func NewClientSet() *ClientSet {
	return &ClientSet{members: make(map[string]*Connection)}
}

// Add inserts conn. A connection is a member iff it is AUTHED or
// ACTIVE/PROMPTING; callers add only after the auth gate succeeds.
func (s *ClientSet) Add(conn *Connection) {
	s.mu.Lock()
	s.members[conn.id] = conn
	s.mu.Unlock()
}

// Remove deletes the connection with id from the set.
func (s *ClientSet) Remove(id string) {
	s.mu.Lock()
	delete(s.members, id)
	s.mu.Unlock()
}

// Snapshot returns a stable slice of the current members, taken under the
// lock so callers can range over it without holding the lock during I/O.
func (s *ClientSet) Snapshot() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.members))
	for _, c := range s.members {
		out = append(out, c)
	}
	return out
}

// Len returns the number of tracked connections.
func (s *ClientSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Get returns the connection with id, if present.
func (s *ClientSet) Get(id string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.members[id]
	return c, ok
}
