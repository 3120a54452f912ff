package bridge

import (
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	bridgelog "github.com/rubiojr/bridgectl/pkg/log"
)

// compressThreshold is the payload size above which a Query Entry is stored
// zstd-compressed rather than as-is, trading a little CPU for materially
// lower resident memory on large result sets.
const compressThreshold = 4096

// SchemaLoader fetches a schema body by model name on a cache miss. It is
// invoked at most once per key at a time -- concurrent misses for the same
// key single-flight onto one call.
type SchemaLoader func(name string) (SchemaBody, error)

type schemaEntry struct {
	body     SchemaBody
	loadedAt time.Time
}

type queryEntry struct {
	payload    []byte
	compressed bool
	insertedAt time.Time
	expiresAt  time.Time
}

// Cache is the two-tier in-process cache: a permanent schema cache with
// single-flight loads, and a TTL-bounded query result cache. All
// operations are safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	schemas map[string]*schemaEntry
	queries map[string]*queryEntry

	flight singleflight.Group

	defaultTTL time.Duration

	enc *zstd.Encoder
	dec *zstd.Decoder

	now func() time.Time

	// stats, atomics-free: guarded by mu alongside the maps they describe.
	schemaHits   uint64
	schemaMisses uint64
	queryHits    uint64
	queryMisses  uint64

	log *bridgelog.Logger
}

// NewCache constructs a Cache with the given default query TTL. If
// defaultTTL <= 0, a 60s default is used.
func NewCache(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 60 * time.Second
	}
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &Cache{
		schemas:    make(map[string]*schemaEntry),
		queries:    make(map[string]*queryEntry),
		defaultTTL: defaultTTL,
		enc:        enc,
		dec:        dec,
		now:        time.Now,
		log:        bridgelog.ForService("cache"),
	}
}

// GetSchema returns the cached body for name, loading it via loader on a
// miss. Concurrent misses for the same name coalesce into a single loader
// call (single-flight); a failed load is never cached.
func (c *Cache) GetSchema(name string, loader SchemaLoader) (SchemaBody, error) {
	c.mu.RLock()
	entry, ok := c.schemas[name]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.schemaHits++
		c.mu.Unlock()
		return entry.body, nil
	}

	v, err, _ := c.flight.Do(name, func() (any, error) {
		// Re-check under the flight: another goroutine may have completed
		// the load (and released flight.Do) between our RLock miss and
		// entering this function for a *different* reason (e.g. the prior
		// flight.Do call for this key already finished and was evicted by
		// a concurrent Clear). This keeps GetSchema idempotent.
		c.mu.RLock()
		entry, ok := c.schemas[name]
		c.mu.RUnlock()
		if ok {
			return entry.body, nil
		}

		body, err := loader(name)
		if err != nil {
			return nil, err
		}
		if len(body) == 0 {
			// Do not cache empty/nil bodies; surface as a miss next time.
			return SchemaBody(nil), nil
		}

		c.mu.Lock()
		c.schemas[name] = &schemaEntry{body: body, loadedAt: c.now()}
		c.mu.Unlock()
		return body, nil
	})

	c.mu.Lock()
	c.schemaMisses++
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	body, _ := v.(SchemaBody)
	return body, nil
}

// GetQuery returns the payload for key if present and unexpired. On
// read-after-expiry the entry is removed and treated as a miss; expiry
// uses a strict `<` comparison so a read landing exactly on expiresAt
// counts as expired.
func (c *Cache) GetQuery(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.queries[key]
	if !ok {
		c.queryMisses++
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.queries, key)
		c.queryMisses++
		return nil, false
	}
	c.queryHits++
	if !entry.compressed {
		return entry.payload, true
	}
	out, err := c.dec.DecodeAll(entry.payload, nil)
	if err != nil {
		c.log.Errorf("decompressing cached query %s: %v", key, err)
		delete(c.queries, key)
		c.queryMisses++
		return nil, false
	}
	return out, true
}

// PutQuery stores payload under key with expiry = now + ttl. A ttl <= 0
// uses the configured default.
func (c *Cache) PutQuery(key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		c.mu.RLock()
		ttl = c.defaultTTL
		c.mu.RUnlock()
	}

	stored := payload
	compressed := false
	if len(payload) > compressThreshold {
		stored = c.enc.EncodeAll(payload, nil)
		compressed = true
	}

	now := c.now()
	c.mu.Lock()
	c.queries[key] = &queryEntry{
		payload:    stored,
		compressed: compressed,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	c.mu.Unlock()
}

// CacheKind selects what Clear removes.
type CacheKind string

const (
	KindSchemas CacheKind = "schemas"
	KindQueries CacheKind = "queries"
	KindAll     CacheKind = "all"
)

// Clear removes cache entries per kind. Idempotent.
func (c *Cache) Clear(kind CacheKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case KindSchemas:
		c.schemas = make(map[string]*schemaEntry)
	case KindQueries:
		c.queries = make(map[string]*queryEntry)
	case KindAll:
		c.schemas = make(map[string]*schemaEntry)
		c.queries = make(map[string]*queryEntry)
	}
}

// ClearQueriesForModel removes the query entries stored under the given
// fingerprint keys. Cache only stores opaque keys, so the caller supplies
// the keys it associates with a model; an empty keys slice is a no-op.
// The dispatcher adapter's current policy clears all queries on any
// mutation with Clear(KindQueries); this narrower primitive exists so that
// policy can be tightened later without an interface change.
func (c *Cache) ClearQueriesForModel(keys []string) {
	if len(keys) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.queries, k)
	}
}

// SetDefaultQueryTTL updates the default TTL used by future PutQuery calls
// with ttl <= 0. It does not retroactively extend existing entries.
func (c *Cache) SetDefaultQueryTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.defaultTTL = d
	c.mu.Unlock()
}

// Stats is a point-in-time snapshot of cache statistics. DefaultTTL is
// kept as a time.Duration for in-process callers; it
// marshals to JSON as whole seconds via DefaultTTLSeconds.
type Stats struct {
	SchemaHits        uint64        `json:"schema_hits"`
	SchemaMisses      uint64        `json:"schema_misses"`
	SchemaSize        int           `json:"schema_size"`
	QueryHits         uint64        `json:"query_hits"`
	QueryMisses       uint64        `json:"query_misses"`
	QuerySize         int           `json:"query_size"`
	DefaultTTL        time.Duration `json:"-"`
	DefaultTTLSeconds int64         `json:"default_ttl_seconds"`
}

// Stats returns a snapshot of the cache's current counters and sizes.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		SchemaHits:        c.schemaHits,
		SchemaMisses:      c.schemaMisses,
		SchemaSize:        len(c.schemas),
		QueryHits:         c.queryHits,
		QueryMisses:       c.queryMisses,
		QuerySize:         len(c.queries),
		DefaultTTL:        c.defaultTTL,
		DefaultTTLSeconds: int64(c.defaultTTL / time.Second),
	}
}
