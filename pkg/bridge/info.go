package bridge

import (
	"context"

	"github.com/rubiojr/bridgectl/pkg/version"
)

// features lists the capability tags advertised in the info frame. Kept
// as a package var, not a const, so a future build could trim it based on
// compiled-in optional features without touching call sites.
var features = []string{"schema_cache", "query_cache", "input_prompts", "broadcast"}

// InfoProvider assembles the connection-info payload sent right after a
// successful handshake, and again on demand via "discover"/"introspect".
type InfoProvider struct {
	cache    *Cache
	schemas  SchemaProvider
	sessions SessionProvider
}

// NewInfoProvider builds an InfoProvider. schemas and sessions may be nil;
// see ConnectionInfo and Discover for the degraded behavior.
func NewInfoProvider(cache *Cache, schemas SchemaProvider, sessions SessionProvider) *InfoProvider {
	return &InfoProvider{cache: cache, schemas: schemas, sessions: sessions}
}

// ConnectionInfo builds the payload for the initial "info" frame: version,
// feature list, cache stats, discoverable models, and a session snapshot.
func (p *InfoProvider) ConnectionInfo(ctx context.Context, auth AuthInfo) map[string]any {
	payload := map[string]any{
		"version":  version.APIVersion(),
		"features": features,
		"cache":    p.cache.Stats(),
		"models":   p.discoverModels(ctx),
	}
	if session := p.sessionSnapshot(ctx, auth); session != nil {
		payload["session"] = session
	} else {
		payload["session"] = map[string]any{"role": auth.Role, "anonymous": auth.Anonymous}
	}
	return payload
}

// Discover returns the list of known models with capabilities. If the
// schema collaborator is unavailable or errors, it returns an empty list
// rather than propagating an error.
func (p *InfoProvider) Discover(ctx context.Context) []ModelInfo {
	return p.discoverModels(ctx)
}

// Introspect returns the schema body for one model, consulting the Cache
// first. The model's operations are not included; Discover lists them.
func (p *InfoProvider) Introspect(ctx context.Context, name string) (SchemaBody, bool, error) {
	if p.schemas == nil {
		return nil, false, nil
	}
	body, err := p.cache.GetSchema(name, func(name string) (SchemaBody, error) {
		body, ok, err := p.schemas.IntrospectModel(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return body, nil
	})
	if err != nil {
		return nil, false, err
	}
	return body, len(body) > 0, nil
}

func (p *InfoProvider) discoverModels(ctx context.Context) []ModelInfo {
	if p.schemas == nil {
		return []ModelInfo{}
	}
	models, err := p.schemas.ListModels(ctx)
	if err != nil {
		return []ModelInfo{}
	}
	if models == nil {
		return []ModelInfo{}
	}
	return models
}

func (p *InfoProvider) sessionSnapshot(ctx context.Context, auth AuthInfo) map[string]any {
	if p.sessions == nil {
		return nil
	}
	snap, err := p.sessions.Snapshot(ctx, auth)
	if err != nil {
		return nil
	}
	return snap
}
