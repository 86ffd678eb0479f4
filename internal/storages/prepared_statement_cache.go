package storages

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

// preparedStatementItem is one cached statement: its canonical key and
// the query text it was registered for.
type preparedStatementItem struct {
	key   string
	query string
}

// PreparedStatementCache tracks, for one Connection, the statements that
// have already been registered server-side so a repeated Query doesn't
// re-prepare. Keys are content-addressed: identical query text always
// yields the same key, so two callers preparing the same SQL share one
// cache entry.
type PreparedStatementCache struct {
	mu      sync.Mutex
	byKey   map[string]*preparedStatementItem
	byQuery map[string]string // query text -> key
}

// NewPreparedStatementCache constructs an empty cache.
func NewPreparedStatementCache() *PreparedStatementCache {
	return &PreparedStatementCache{
		byKey:   make(map[string]*preparedStatementItem),
		byQuery: make(map[string]string),
	}
}

// Register returns the cache key for query, inserting a new entry if one
// does not already exist. The returned bool reports whether a new entry
// was inserted (false means the query was already registered). An empty
// or all-whitespace query yields ("", false).
func (c *PreparedStatementCache) Register(query string) (string, bool) {
	if strings.TrimSpace(query) == "" {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.byQuery[query]; ok {
		return key, false
	}

	key := GenerateKey(query)
	c.byKey[key] = &preparedStatementItem{key: key, query: query}
	c.byQuery[query] = key
	return key, true
}

// IsKeyExist reports whether key names a registered statement.
func (c *PreparedStatementCache) IsKeyExist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byKey[key]
	return ok
}

// IsQueryExist reports whether query has already been registered, and if
// so, returns its key.
func (c *PreparedStatementCache) IsQueryExist(query string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.byQuery[query]
	return key, ok
}

// Forget removes key from the cache (used when the server-side prepare
// for a freshly registered key fails).
func (c *PreparedStatementCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.byKey[key]
	if !ok {
		return
	}
	delete(c.byKey, key)
	delete(c.byQuery, item.query)
}

// Clear empties the cache, e.g. when the underlying connection is reset.
func (c *PreparedStatementCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string]*preparedStatementItem)
	c.byQuery = make(map[string]string)
}

// Len reports the number of distinct cached statements.
func (c *PreparedStatementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// GenerateKey derives the canonical cache key for query: the literal
// prefix "nvql_" followed by the hex FNV-1a hash of the query text.
func GenerateKey(query string) string {
	h := fnv.New64a()
	h.Write([]byte(query))
	return fmt.Sprintf("nvql_%x", h.Sum64())
}
