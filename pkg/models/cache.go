package models

// Payload keys added to a cached payload when it is served from the cache.
const (
	CacheFieldFromCache    = "from_cache"
	CacheFieldAge          = "cache_age"
	CacheFieldSimilarMatch = "similar_match"
)

// CacheStats reports response cache metrics.
type CacheStats struct {
	Size       int     `json:"size"`
	Capacity   int     `json:"capacity"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	TTLSeconds int64   `json:"ttl"`
}
