// Package memory implements the in-process response cache that sits in front
// of the language model. Entries are bounded by capacity (LRU eviction),
// expire lazily after a TTL, and can be matched by fuzzy similarity when no
// exact key exists.
package memory

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ted-keystonepartners/tevor/pkg/models"
)

const (
	DefaultCapacity            = 200
	DefaultTTL                 = 30 * time.Minute
	DefaultSimilarityThreshold = 0.85
)

// ErrInvalidConfig is returned by New for non-positive capacity or TTL, or a
// similarity threshold outside (0, 1].
var ErrInvalidConfig = errors.New("invalid cache config")

type entry struct {
	key       string
	query     string
	context   map[string]any
	payload   map[string]any
	createdAt time.Time
}

// Cache is a bounded, TTL-expiring LRU cache of payloads keyed by query and
// context. It is safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	items     map[string]*list.Element
	order     *list.List // front is most recently used
	capacity  int
	ttl       time.Duration
	threshold float64
	hits      int64
	misses    int64

	now func() time.Time
	log zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for hit, store and eviction events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithSimilarityThreshold sets the minimum ratio for a similar match.
func WithSimilarityThreshold(threshold float64) Option {
	return func(c *Cache) { c.threshold = threshold }
}

// New creates a Cache holding at most capacity entries, each live for ttl.
func New(capacity int, ttl time.Duration, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, capacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidConfig, ttl)
	}

	c := &Cache{
		items:     make(map[string]*list.Element, capacity),
		order:     list.New(),
		capacity:  capacity,
		ttl:       ttl,
		threshold: DefaultSimilarityThreshold,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.threshold <= 0 || c.threshold > 1 {
		return nil, fmt.Errorf("%w: similarity threshold must be in (0, 1], got %v", ErrInvalidConfig, c.threshold)
	}
	return c, nil
}

// Get returns a copy of the cached payload for query and contextData, annotated
// with from_cache and cache_age. An exact key is tried first; on a miss the
// live entries are scanned from most to least recently used and the first one
// whose original query is similar enough is returned with similar_match set.
func (c *Cache) Get(query string, contextData map[string]any) (map[string]any, bool) {
	key := DeriveKey(query, contextData)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		if age := now.Sub(e.createdAt); age < c.ttl {
			c.order.MoveToFront(el)
			c.hits++
			c.log.Debug().Str("query", truncate(query, 50)).Msg("cache hit")
			return annotate(e.payload, age, false), true
		}
		c.remove(el)
		c.log.Debug().Str("query", truncate(e.query, 50)).Msg("cache entry expired")
	}

	lowered := strings.ToLower(query)
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		age := now.Sub(e.createdAt)
		if age >= c.ttl {
			continue
		}
		if Ratio(lowered, strings.ToLower(e.query)) >= c.threshold {
			c.order.MoveToFront(el)
			c.hits++
			c.log.Debug().
				Str("query", truncate(query, 50)).
				Str("matched", truncate(e.query, 50)).
				Msg("cache hit (similar)")
			return annotate(e.payload, age, true), true
		}
	}

	c.misses++
	return nil, false
}

// Set stores payload under query and contextData. Inserting a new key into a full
// cache evicts the least recently used entry first.
func (c *Cache) Set(query string, payload map[string]any, contextData map[string]any) {
	key := DeriveKey(query, contextData)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.query = query
		e.context = maps.Clone(contextData)
		e.payload = maps.Clone(payload)
		e.createdAt = now
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.remove(oldest)
			c.log.Debug().Str("query", truncate(oldest.Value.(*entry).query, 50)).Msg("cache evicted")
		}
	}

	c.items[key] = c.order.PushFront(&entry{
		key:       key,
		query:     query,
		context:   maps.Clone(contextData),
		payload:   maps.Clone(payload),
		createdAt: now,
	})
	c.log.Debug().Str("query", truncate(query, 50)).Msg("cached response")
}

// Clear removes all entries and resets the hit and miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
	c.hits = 0
	c.misses = 0
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rate float64
	if total := c.hits + c.misses; total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return models.CacheStats{
		Size:       c.order.Len(),
		Capacity:   c.capacity,
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    rate,
		TTLSeconds: int64(c.ttl / time.Second),
	}
}

// PopularQueries returns up to limit original queries, most recently used
// first. Recency stands in for popularity.
func (c *Cache) PopularQueries(limit int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queries := make([]string, 0, min(max(limit, 0), c.order.Len()))
	for el := c.order.Front(); el != nil && len(queries) < limit; el = el.Next() {
		queries = append(queries, el.Value.(*entry).query)
	}
	return queries
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep removes every expired entry and returns how many were removed.
// Lookups never depend on it; it only bounds memory for write-heavy loads.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.Sub(el.Value.(*entry).createdAt) >= c.ttl {
			c.remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

// RunJanitor calls Sweep every interval until ctx is cancelled.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug().Int("removed", n).Msg("cache sweep")
			}
		}
	}
}

func (c *Cache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

func annotate(payload map[string]any, age time.Duration, similar bool) map[string]any {
	out := make(map[string]any, len(payload)+3)
	maps.Copy(out, payload)
	out[models.CacheFieldFromCache] = true
	out[models.CacheFieldAge] = int64(age / time.Second)
	if similar {
		out[models.CacheFieldSimilarMatch] = true
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
