package bridge

import (
	"context"
	"fmt"
)

// DemoDispatcher is a minimal in-memory CommandDispatcher used by
// `bridgectl serve` when no real backend is wired in, so the Bridge is
// runnable out of the box for local development and the cache-stats /
// discover code paths have something to exercise. It understands three
// command keys: "echo" (cacheable), "ping" (cacheable), and "greet"
// (mutating, and demonstrates a prompt round-trip).
type DemoDispatcher struct{}

func (DemoDispatcher) Dispatch(ctx context.Context, req CommandRequest, conn ConnectionHandle) (CommandResult, error) {
	switch req.CommandKey {
	case "ping":
		return CommandResult{Data: "pong", Cacheable: true}, nil
	case "echo":
		return CommandResult{Data: req.Args, Cacheable: true}, nil
	case "greet":
		name, err := conn.Prompt(ctx, PromptDescriptor{Prompt: "What is your name?", Kind: "text"})
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Data: fmt.Sprintf("hello %s", name), Mutating: true, Model: "Greeting"}, nil
	default:
		return CommandResult{}, fmt.Errorf("unknown command: %s", req.CommandKey)
	}
}

// DemoSchemaProvider exposes a small fixed model catalog so `discover` and
// `introspect` have non-empty, deterministic answers in the demo setup.
type DemoSchemaProvider struct{}

func (DemoSchemaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{Name: "Greeting", Operations: []string{"greet"}},
		{Name: "Echo", Operations: []string{"echo", "ping"}},
	}, nil
}

func (DemoSchemaProvider) IntrospectModel(ctx context.Context, name string) (SchemaBody, bool, error) {
	switch name {
	case "Greeting":
		return SchemaBody{"fields": []string{"name"}}, true, nil
	case "Echo":
		return SchemaBody{"fields": []string{"payload"}}, true, nil
	default:
		return nil, false, nil
	}
}

// DemoSessionProvider reports the auth identity verbatim as the session
// snapshot.
type DemoSessionProvider struct{}

func (DemoSessionProvider) Snapshot(ctx context.Context, auth AuthInfo) (map[string]any, error) {
	return map[string]any{"role": auth.Role, "anonymous": auth.Anonymous, "identity": auth.Identity}, nil
}

// DemoCredentialStore validates against a fixed in-memory token table. Real
// deployments supply their own CredentialStore; this exists only so
// require_auth=true is exercisable without an external credential store.
type DemoCredentialStore struct {
	Tokens map[string]AuthInfo
}

func NewDemoCredentialStore() *DemoCredentialStore {
	return &DemoCredentialStore{Tokens: map[string]AuthInfo{
		"demo-token": {Identity: "demo-user", Role: "user"},
	}}
}

func (d *DemoCredentialStore) ValidateToken(ctx context.Context, token string) (AuthInfo, bool) {
	info, ok := d.Tokens[token]
	return info, ok
}
