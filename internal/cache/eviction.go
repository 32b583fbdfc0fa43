package cache

import (
	"fmt"
	"time"
)

// EvictionPolicy selects which entry a full tier gives up first.
type EvictionPolicy string

const (
	// PolicyLRU evicts the least-recently-accessed entry
	PolicyLRU EvictionPolicy = "lru"
	// PolicyLFU evicts the entry with the lowest access count
	PolicyLFU EvictionPolicy = "lfu"
	// PolicyARC blends recency and frequency, sparing high-priority entries
	PolicyARC EvictionPolicy = "arc"
	// PolicySmart scores age, recency, frequency, priority, size, and TTL
	// overrun together and evicts the highest-scoring entry
	PolicySmart EvictionPolicy = "smart"
)

// IsValid checks if the policy is a known value
func (p EvictionPolicy) IsValid() bool {
	switch p {
	case PolicyLRU, PolicyLFU, PolicyARC, PolicySmart:
		return true
	}
	return false
}

// ParseEvictionPolicy converts a string to an EvictionPolicy
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	p := EvictionPolicy(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid eviction policy: %s", s)
	}
	return p, nil
}

// pickVictim selects the key to evict from entries under the given policy.
// Dead entries (past TTL and stale window) are always preferred. Returns ""
// only when entries is empty.
func pickVictim(entries map[string]*Entry, policy EvictionPolicy, maxSize int64, now time.Time) string {
	var victim string
	var victimScore float64
	first := true

	for key, entry := range entries {
		// Expired garbage goes first regardless of policy.
		if entry.Dead(now) {
			return key
		}
		score := evictionScore(entry, policy, maxSize, now)
		if first || score > victimScore {
			victim = key
			victimScore = score
			first = false
		}
	}
	return victim
}

// evictionScore rates how evictable an entry is; higher means evicted sooner.
func evictionScore(entry *Entry, policy EvictionPolicy, maxSize int64, now time.Time) float64 {
	switch policy {
	case PolicyLRU:
		return now.Sub(entry.AccessedAt).Seconds()
	case PolicyLFU:
		return -float64(entry.AccessCount)
	case PolicyARC:
		// Recency and frequency pull together; entries above normal
		// priority are penalized as candidates.
		score := now.Sub(entry.AccessedAt).Seconds() / (1 + float64(entry.AccessCount))
		if entry.Priority > PriorityNormal {
			score *= 0.25
		}
		return score
	default:
		return smartScore(entry, maxSize, now)
	}
}

// smartScore combines age, recency, inverse frequency, inverse priority,
// relative size, and TTL overrun into one weighted evictability score.
func smartScore(entry *Entry, maxSize int64, now time.Time) float64 {
	age := now.Sub(entry.CreatedAt).Seconds()
	idle := now.Sub(entry.AccessedAt).Seconds()
	frequency := 1.0 / (1.0 + float64(entry.AccessCount))
	priority := 1.0 / float64(entry.Priority)

	var relSize float64
	if maxSize > 0 {
		relSize = float64(entry.Size) / float64(maxSize)
	}

	var overrun float64
	if entry.Expired(now) {
		overrun = 1.0
	}

	return 0.15*normalize(age, 3600) +
		0.25*normalize(idle, 3600) +
		0.20*frequency +
		0.15*priority +
		0.10*relSize +
		0.15*overrun
}

// normalize maps v into [0,1] against a scale ceiling.
func normalize(v, scale float64) float64 {
	if v <= 0 {
		return 0
	}
	if v >= scale {
		return 1
	}
	return v / scale
}
