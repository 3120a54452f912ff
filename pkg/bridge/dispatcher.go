package bridge

import (
	"context"
	"encoding/json"
	"time"

	bridgelog "github.com/rubiojr/bridgectl/pkg/log"
)

// DispatchOutcome is what the dispatcher adapter returns to the message
// handler for a "dispatch" frame. Mutating and Model let the message
// handler decide whether to broadcast a "data_updated" push to other
// connections -- a cache hit never carries these since mutating results
// are never cached.
type DispatchOutcome struct {
	Data     any
	Cached   bool
	Mutating bool
	Model    string
}

// DispatchAdapter bridges an inbound "dispatch" event into an invocation
// of the external CommandDispatcher, consulting and populating the Cache
// around it.
type DispatchAdapter struct {
	cache      *Cache
	dispatcher CommandDispatcher
	log        *bridgelog.Logger
}

// NewDispatchAdapter builds a DispatchAdapter over cache and dispatcher.
func NewDispatchAdapter(cache *Cache, dispatcher CommandDispatcher) *DispatchAdapter {
	return &DispatchAdapter{cache: cache, dispatcher: dispatcher, log: bridgelog.ForService("dispatch")}
}

// Dispatch executes commandKey: consult the query cache, invoke the
// external dispatcher on a miss, clear the query cache on a mutating
// result, and populate the query cache on a cacheable, non-mutating
// result. The caller (message handler) is responsible for running this on
// a worker distinct from the connection's read loop, so a slow or
// blocking dispatch never stalls that connection's frame reads.
func (d *DispatchAdapter) Dispatch(ctx context.Context, commandKey string, args map[string]any, auth AuthInfo, conn ConnectionHandle) (DispatchOutcome, error) {
	fp := Fingerprint(commandKey, "", args)

	if cached, ok := d.cache.GetQuery(fp); ok {
		var data any
		if err := json.Unmarshal(cached, &data); err == nil {
			return DispatchOutcome{Data: data, Cached: true}, nil
		}
		d.log.Errorf("dispatch: corrupt cache entry for %s, evicting", fp)
		d.cache.ClearQueriesForModel([]string{fp})
	}

	result, err := d.dispatcher.Dispatch(ctx, CommandRequest{CommandKey: commandKey, Args: args, Auth: auth}, conn)
	if err != nil {
		return DispatchOutcome{}, err
	}

	if result.Mutating {
		// Clears all query entries on any mutation rather than tracking
		// per-model keys; simple and correct, at the cost of over-evicting.
		d.cache.Clear(KindQueries)
	}

	if result.Cacheable && !result.Mutating {
		if payload, err := json.Marshal(result.Data); err == nil {
			var ttl time.Duration
			if result.TTLOverride != nil && *result.TTLOverride > 0 {
				ttl = time.Duration(*result.TTLOverride) * time.Second
			}
			// Keyed by commandKey+args only (model is not known until the
			// dispatcher returns, so it cannot be part of the lookup key
			// used before dispatch runs).
			d.cache.PutQuery(fp, payload, ttl)
		}
	}

	return DispatchOutcome{Data: result.Data, Cached: false, Mutating: result.Mutating, Model: result.Model}, nil
}
