package bridge

import "encoding/json"

// Event tags recognized on the wire.
const (
	EventDispatch         = "dispatch"
	EventInputResponse    = "input_response"
	EventGetSchema        = "get_schema"
	EventDiscover         = "discover"
	EventIntrospect       = "introspect"
	EventCacheStats       = "cache_stats"
	EventClearCache       = "clear_cache"
	EventSetQueryCacheTTL = "set_query_cache_ttl"
	EventBroadcast        = "broadcast"
	EventInfo             = "info"
	EventDataUpdated      = "data_updated"
	EventInputRequest     = "input_request"
	EventBye              = "bye"
)

// Error kinds in the wire error taxonomy.
const (
	ErrKindBadFrame  = "bad_frame"
	ErrKindPolicy    = "policy"
	ErrKindCommand   = "command"
	ErrKindCancelled = "cancelled"
	ErrKindTimeout   = "timeout"
	ErrKindOverload  = "overload"
	ErrKindInternal  = "internal"
	ErrKindNotFound  = "not_found"
)

// Envelope is the baseline inbound frame shape: one JSON object per text
// frame, with an opaque Data field decoded per event tag by the handler
// registered for that tag.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WireError is the structured error payload carried in an error reply. No
// stack traces cross the wire.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Reply is the baseline outbound frame shape for replies to a client
// request. Exactly one of Data/Error is populated depending on Status.
type Reply struct {
	Event  string      `json:"event"`
	ID     string      `json:"id,omitempty"`
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *WireError  `json:"error,omitempty"`
}

func okReply(event, id string, data interface{}) Reply {
	return Reply{Event: event, ID: id, Status: "ok", Data: data}
}

func errReply(event, id, kind, message string) Reply {
	return Reply{Event: event, ID: id, Status: "error", Error: &WireError{Kind: kind, Message: message}}
}

// push builds a server-initiated frame (no status field): info,
// data_updated, input_request, bye.
type push struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}
