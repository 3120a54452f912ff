package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPromptPending is returned by PromptRouter.Request when the target
// connection already has an in-flight input request. At most one prompt
// may be pending per connection.
var ErrPromptPending = errors.New("prompt already pending for this connection")

// ErrPromptCancelled is the resolution delivered when a pending prompt's
// connection closes before the client replies.
var ErrPromptCancelled = errors.New("prompt cancelled: connection closed")

// ErrPromptTimeout is the resolution delivered when a pending prompt's
// optional per-prompt timeout elapses first.
var ErrPromptTimeout = errors.New("prompt timed out")

type pendingPrompt struct {
	connID string
	result chan promptResult
}

type promptResult struct {
	value string
	err   error
}

// PromptRouter correlates server-initiated prompts with client-delivered
// "input_response" frames and wakes the suspended dispatcher call that is
// waiting on the answer.
type PromptRouter struct {
	mu       sync.Mutex
	byID     map[string]*pendingPrompt
	byConn   map[string]string // connID -> request id, enforces at-most-one-pending
	newID    func() string
	sendFunc func(connID string, frame push) error
}

// NewPromptRouter builds a PromptRouter. send delivers a server-initiated
// frame (input_request) to the named connection's mailbox.
func NewPromptRouter(send func(connID string, frame push) error) *PromptRouter {
	return &PromptRouter{
		byID:     make(map[string]*pendingPrompt),
		byConn:   make(map[string]string),
		newID:    func() string { return uuid.NewString() },
		sendFunc: send,
	}
}

// Request sends an input_request frame to connID and blocks until the
// client replies via Respond, the connection is cancelled via CancelConn,
// ctx is cancelled, or timeout elapses (timeout <= 0 means no timeout).
// Returns ErrPromptPending if connID already has a request in flight.
func (p *PromptRouter) Request(ctx context.Context, connID string, descriptor PromptDescriptor, timeout time.Duration) (string, error) {
	p.mu.Lock()
	if _, busy := p.byConn[connID]; busy {
		p.mu.Unlock()
		return "", ErrPromptPending
	}
	id := p.newID()
	pp := &pendingPrompt{connID: connID, result: make(chan promptResult, 1)}
	p.byID[id] = pp
	p.byConn[connID] = id
	p.mu.Unlock()

	cleanup := func() {
		p.mu.Lock()
		delete(p.byID, id)
		if p.byConn[connID] == id {
			delete(p.byConn, connID)
		}
		p.mu.Unlock()
	}

	if err := p.sendFunc(connID, push{Event: EventInputRequest, Data: map[string]any{
		"id":     id,
		"prompt": descriptor.Prompt,
		"kind":   descriptor.Kind,
	}}); err != nil {
		cleanup()
		return "", err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-pp.result:
		cleanup()
		return r.value, r.err
	case <-timeoutCh:
		cleanup()
		return "", ErrPromptTimeout
	case <-ctx.Done():
		cleanup()
		return "", ErrPromptCancelled
	}
}

// Respond delivers a client's input_response to the pending prompt keyed
// by id. Returns false if no such prompt is pending (late, duplicate, or
// unknown id), which callers should treat as a no-op, not an error --
// the client may have raced a cancellation.
func (p *PromptRouter) Respond(id, value string) bool {
	p.mu.Lock()
	pp, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case pp.result <- promptResult{value: value}:
		return true
	default:
		return false
	}
}

// CancelConn resolves any pending prompt for connID with ErrPromptCancelled.
// Called by the accept loop when a connection's socket closes.
func (p *PromptRouter) CancelConn(connID string) {
	p.mu.Lock()
	id, ok := p.byConn[connID]
	var pp *pendingPrompt
	if ok {
		pp = p.byID[id]
	}
	p.mu.Unlock()
	if pp == nil {
		return
	}
	select {
	case pp.result <- promptResult{err: ErrPromptCancelled}:
	default:
	}
}

// HasPending reports whether connID currently has an in-flight prompt.
func (p *PromptRouter) HasPending(connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byConn[connID]
	return ok
}
