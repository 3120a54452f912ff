package bridge

import "context"

// This file defines the narrow adapter contracts the Bridge core consumes
// from external collaborators. The core never imports the collaborators'
// concrete types; it only depends on these interfaces, which avoids a
// cyclic dependency between the bridge and the command layer it dispatches
// into.

// CredentialStore validates bearer tokens extracted by the auth gate and
// resolves them to an identity. It is the only collaborator the auth gate
// talks to.
type CredentialStore interface {
	// ValidateToken returns the identity for a valid token, or ok=false if
	// the token is missing, expired, or unknown.
	ValidateToken(ctx context.Context, token string) (AuthInfo, bool)
}

// AuthInfo is derived once at handshake and treated as immutable for the
// connection's lifetime.
type AuthInfo struct {
	Identity  string `json:"identity"`
	Role      string `json:"role"`
	TokenKind string `json:"token_kind,omitempty"`
	Anonymous bool   `json:"anonymous"`
}

// CommandDispatcher executes a named command on behalf of a client. It may
// block on I/O, and may call back through the supplied ConnectionHandle to
// request user input mid-operation. Implementations MUST observe ctx
// cancellation promptly -- ctx is the calling connection's context, which
// is cancelled when that connection closes (including connections closed
// during shutdown).
type CommandDispatcher interface {
	Dispatch(ctx context.Context, req CommandRequest, conn ConnectionHandle) (CommandResult, error)
}

// CommandRequest is what the dispatcher adapter hands to the external
// dispatcher after parsing a "dispatch" frame.
type CommandRequest struct {
	CommandKey string
	Args       map[string]any
	Auth       AuthInfo
}

// CommandResult is what a successful dispatch returns. Cacheable commands
// (read-only: lookup/list/introspect/discover) get their Data cached by the
// dispatcher adapter under the command's fingerprint. A mutating result
// clears every cached query regardless of Model; Model is carried in the
// "data_updated" notification sent to other connections.
type CommandResult struct {
	Data        any
	Cacheable   bool
	Mutating    bool
	Model       string
	TTLOverride *int // seconds; <=0 means "use the Cache's default TTL"
}

// ConnectionHandle is the narrow capability a CommandDispatcher receives
// instead of the whole Connection, so the dispatcher can request input from
// its caller without depending on bridge-internal state.
type ConnectionHandle interface {
	// Prompt asks the connected client for a value and blocks until the
	// client replies, the connection closes, or ctx is done. The
	// Connection implementation sets no per-prompt timeout. Returns
	// ErrPromptPending if a prompt is already in flight for this
	// connection (at most one in-flight prompt per connection).
	Prompt(ctx context.Context, descriptor PromptDescriptor) (string, error)

	// ConnectionID identifies the connection for logging/correlation.
	ConnectionID() string
}

// PromptDescriptor describes a server-initiated input request.
type PromptDescriptor struct {
	Prompt string `json:"prompt"`
	Kind   string `json:"kind,omitempty"` // e.g. "text", "confirm", "select"
}

// SchemaProvider is consulted by the connection-info provider and by
// "get_schema"/"introspect" handling in the message handler.
type SchemaProvider interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	IntrospectModel(ctx context.Context, name string) (SchemaBody, bool, error)
}

// ModelInfo is a single entry in the discoverable-models list.
type ModelInfo struct {
	Name       string   `json:"name"`
	Operations []string `json:"operations"`
}

// SchemaBody is an opaque, provider-defined schema payload. The Bridge core
// never interprets its contents -- it caches and forwards it verbatim.
type SchemaBody = map[string]any

// SessionProvider supplies the session snapshot embedded in the
// connection-info frame.
type SessionProvider interface {
	Snapshot(ctx context.Context, auth AuthInfo) (map[string]any, error)
}
