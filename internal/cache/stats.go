package cache

import "time"

// TierStats describes one tier's occupancy and traffic.
type TierStats struct {
	// Entries is the number of live entries in the tier
	Entries int `json:"entries"`
	// SizeBytes is the tier's current stored byte total
	SizeBytes int64 `json:"size_bytes"`
	// MaxSizeBytes is the tier's configured budget
	MaxSizeBytes int64 `json:"max_size_bytes"`
	// Utilization is SizeBytes/MaxSizeBytes
	Utilization float64 `json:"utilization"`
	// Hits counts lookups served by this tier
	Hits int64 `json:"hits"`
	// Misses counts lookups this tier could not serve
	Misses int64 `json:"misses"`
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	// Memory describes the in-memory tier
	Memory TierStats `json:"memory"`
	// Persistent describes the durable tier
	Persistent TierStats `json:"persistent"`
	// HitRate is overall hits / (hits + full misses) across tiers
	HitRate float64 `json:"hit_rate"`
	// StaleHits counts expired entries served within their stale window
	StaleHits int64 `json:"stale_hits"`
	// Evictions counts entries removed to make room
	Evictions int64 `json:"evictions"`
	// CompressionSavedBytes accumulates bytes saved by compressed writes
	CompressionSavedBytes int64 `json:"compression_saved_bytes"`
	// AvgGetLatency is the rolling mean duration of Get calls
	AvgGetLatency time.Duration `json:"avg_get_latency"`
}

// counters is the mutable backing for Stats, guarded by the manager mutex.
type counters struct {
	memoryHits       int64
	memoryMisses     int64
	persistentHits   int64
	persistentMisses int64
	staleHits        int64
	evictions        int64
	savedBytes       int64
	getCount         int64
	getNanos         int64
}
