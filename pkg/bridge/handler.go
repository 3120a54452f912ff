package bridge

import (
	"context"
	"encoding/json"
	"time"

	bridgelog "github.com/rubiojr/bridgectl/pkg/log"
)

// Broadcaster is the narrow capability the message handler needs from the
// bridge server to implement the "broadcast" event.
type Broadcaster interface {
	Broadcast(payload []byte, exceptConnID string)
}

// Handler parses inbound frames, validates structure, and routes by event
// tag to the appropriate domain handler.
type Handler struct {
	cache                *Cache
	dispatch             *DispatchAdapter
	prompts              *PromptRouter
	info                 *InfoProvider
	broadcast            Broadcaster
	allowClientBroadcast bool
	log                  *bridgelog.Logger
}

// NewHandler wires the cache, dispatch adapter, prompt router, and
// connection-info collaborators the routing table dispatches to.
// broadcast is used both for the client-initiated "broadcast" event
// (gated by allowClientBroadcast) and, unconditionally, for the server's
// own "data_updated" notification after a mutating dispatch.
func NewHandler(cache *Cache, dispatch *DispatchAdapter, prompts *PromptRouter, info *InfoProvider, broadcast Broadcaster, allowClientBroadcast bool) *Handler {
	return &Handler{cache: cache, dispatch: dispatch, prompts: prompts, info: info, broadcast: broadcast, allowClientBroadcast: allowClientBroadcast, log: bridgelog.ForService("handler")}
}

// Handle parses raw as an Envelope and routes it, returning the Reply to
// send back (if any -- a push-only path, like a successfully-routed
// input_response, returns a zero Reply and ok=false). Malformed frames
// never return an error; they produce a bad_frame Reply and leave the
// connection open.
func (h *Handler) Handle(ctx context.Context, conn *Connection, raw []byte) (Reply, bool) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return errReply("", "", ErrKindBadFrame, "malformed frame: "+err.Error()), true
	}

	switch env.Event {
	case EventDispatch:
		h.handleDispatch(ctx, conn, env)
		return Reply{}, false
	case EventInputResponse:
		h.handleInputResponse(env)
		return Reply{}, false
	case EventGetSchema:
		return h.handleGetSchema(ctx, env), true
	case EventDiscover:
		return okReply(EventDiscover, env.ID, h.info.Discover(ctx)), true
	case EventIntrospect:
		return h.handleIntrospect(ctx, env), true
	case EventCacheStats:
		return okReply(EventCacheStats, env.ID, h.cache.Stats()), true
	case EventClearCache:
		return h.handleClearCache(env), true
	case EventSetQueryCacheTTL:
		return h.handleSetTTL(env), true
	case EventBroadcast:
		return h.handleBroadcast(conn, env), true
	default:
		return errReply(env.Event, env.ID, ErrKindBadFrame, "unknown event: "+env.Event), true
	}
}

// parseEnvelope decodes raw into an Envelope, applying the legacy shim: a
// frame lacking "event" but carrying a recognized top-level "command"
// string is treated as {event:"dispatch", ...}.
func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event != "" {
		return env, nil
	}

	var legacy struct {
		Command string          `json:"command"`
		ID      string          `json:"id"`
		Args    json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil || legacy.Command == "" {
		return Envelope{}, errBadFrame
	}

	data, err := json.Marshal(map[string]json.RawMessage{"command_key": mustMarshal(legacy.Command), "args": orEmptyObject(legacy.Args)})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: EventDispatch, ID: legacy.ID, Data: data}, nil
}

var errBadFrame = jsonError("frame has no \"event\" and no recognized legacy \"command\" key")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func mustMarshal(v string) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// handleDispatch runs the command on its own goroutine and delivers the
// reply through the connection's mailbox rather than returning it, so the
// read loop stays free to deliver an input_response while the command is
// mid-prompt (a dispatch that calls conn.Prompt blocks until exactly that
// frame arrives).
func (h *Handler) handleDispatch(ctx context.Context, conn *Connection, env Envelope) {
	var body struct {
		CommandKey string         `json:"command_key"`
		Args       map[string]any `json:"args"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil || body.CommandKey == "" {
		h.sendReply(conn, errReply(EventDispatch, env.ID, ErrKindBadFrame, "dispatch requires command_key"))
		return
	}

	auth := conn.Auth()
	go func() {
		outcome, err := h.dispatch.Dispatch(ctx, body.CommandKey, body.Args, auth, conn)
		if err != nil {
			h.sendReply(conn, errReply(EventDispatch, env.ID, classifyDispatchError(err), err.Error()))
			return
		}
		if outcome.Mutating && h.broadcast != nil {
			h.broadcastDataUpdated(outcome.Model, conn.ConnectionID())
		}
		h.sendReply(conn, okReply(EventDispatch, env.ID, map[string]any{"result": outcome.Data, "cached": outcome.Cached}))
	}()
}

// sendReply marshals reply and enqueues it on conn's mailbox. Used for
// replies produced off the read loop, after Handle has already returned.
func (h *Handler) sendReply(conn *Connection, reply Reply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		h.log.Errorf("conn %s: marshaling reply: %v", conn.ConnectionID(), err)
		return
	}
	conn.EnqueueSend(payload)
}

// broadcastDataUpdated notifies every other connection that a mutating
// command affected model. This runs regardless of the AllowBroadcast
// client-originated policy -- that policy only gates the client-initiated
// "broadcast" event, not the server's own mutation notifications.
func (h *Handler) broadcastDataUpdated(model, exceptConnID string) {
	payload, err := json.Marshal(push{Event: EventDataUpdated, Data: map[string]any{"model": model}})
	if err != nil {
		h.log.Errorf("marshaling data_updated push: %v", err)
		return
	}
	h.broadcast.Broadcast(payload, exceptConnID)
}

func classifyDispatchError(err error) string {
	switch err {
	case ErrPromptCancelled:
		return ErrKindCancelled
	case ErrPromptTimeout:
		return ErrKindTimeout
	case ErrPromptPending:
		return ErrKindCommand
	default:
		return ErrKindCommand
	}
}

func (h *Handler) handleInputResponse(env Envelope) {
	var body struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil {
		h.log.Warnf("input_response: malformed data for id %s: %v", env.ID, err)
		return
	}
	if env.ID == "" {
		h.log.Warnf("input_response: missing correlation id")
		return
	}
	if !h.prompts.Respond(env.ID, body.Value) {
		h.log.Warnf("input_response: unknown or already-resolved id %s, dropping", env.ID)
	}
}

func (h *Handler) handleGetSchema(ctx context.Context, env Envelope) Reply {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil || body.Name == "" {
		return errReply(EventGetSchema, env.ID, ErrKindBadFrame, "get_schema requires name")
	}
	schema, found, err := h.info.Introspect(ctx, body.Name)
	if err != nil {
		return errReply(EventGetSchema, env.ID, ErrKindInternal, err.Error())
	}
	if !found {
		return errReply(EventGetSchema, env.ID, ErrKindNotFound, "unknown model: "+body.Name)
	}
	return okReply(EventGetSchema, env.ID, schema)
}

func (h *Handler) handleIntrospect(ctx context.Context, env Envelope) Reply {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil || body.Name == "" {
		return errReply(EventIntrospect, env.ID, ErrKindBadFrame, "introspect requires name")
	}
	schema, found, err := h.info.Introspect(ctx, body.Name)
	if err != nil {
		return errReply(EventIntrospect, env.ID, ErrKindInternal, err.Error())
	}
	if !found {
		return errReply(EventIntrospect, env.ID, ErrKindNotFound, "unknown model: "+body.Name)
	}
	return okReply(EventIntrospect, env.ID, schema)
}

func (h *Handler) handleClearCache(env Envelope) Reply {
	var body struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(env.Data, &body)
	kind := CacheKind(body.Kind)
	switch kind {
	case KindSchemas, KindQueries, KindAll:
	case "":
		kind = KindAll
	default:
		return errReply(EventClearCache, env.ID, ErrKindBadFrame, "kind must be one of schemas, queries, all")
	}
	h.cache.Clear(kind)
	return okReply(EventClearCache, env.ID, map[string]any{"cleared": kind})
}

func (h *Handler) handleSetTTL(env Envelope) Reply {
	var body struct {
		Seconds int `json:"seconds"`
	}
	if err := json.Unmarshal(env.Data, &body); err != nil || body.Seconds <= 0 {
		return errReply(EventSetQueryCacheTTL, env.ID, ErrKindBadFrame, "seconds must be a positive integer")
	}
	h.cache.SetDefaultQueryTTL(time.Duration(body.Seconds) * time.Second)
	return okReply(EventSetQueryCacheTTL, env.ID, map[string]any{"default_ttl_seconds": body.Seconds})
}

func (h *Handler) handleBroadcast(conn *Connection, env Envelope) Reply {
	if !h.allowClientBroadcast || h.broadcast == nil {
		return errReply(EventBroadcast, env.ID, ErrKindPolicy, "broadcast not permitted")
	}
	payload, err := json.Marshal(push{Event: EventDataUpdated, Data: json.RawMessage(env.Data)})
	if err != nil {
		return errReply(EventBroadcast, env.ID, ErrKindInternal, err.Error())
	}
	h.broadcast.Broadcast(payload, conn.ConnectionID())
	return okReply(EventBroadcast, env.ID, map[string]any{"sent": true})
}
