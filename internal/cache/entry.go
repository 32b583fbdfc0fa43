package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Priority controls tier placement and eviction resistance of an entry.
type Priority int

const (
	// PriorityLow entries live in the memory tier only and are evicted first
	PriorityLow Priority = 1
	// PriorityNormal entries are written through to the persistent tier
	PriorityNormal Priority = 2
	// PriorityHigh entries are pinned harder and exist in both tiers
	PriorityHigh Priority = 3
	// PriorityCritical entries are the last candidates for eviction
	PriorityCritical Priority = 4
)

// String returns the human-readable priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// IsValid checks if the priority is a valid value
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a string to a Priority
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("invalid cache priority: %s", s)
	}
}

// Tier names a cache storage tier.
type Tier string

const (
	// TierMemory is the fast bounded in-memory tier
	TierMemory Tier = "memory"
	// TierPersistent is the larger quota-bounded durable tier
	TierPersistent Tier = "persistent"
)

// Entry is one cached record. Entries are treated as immutable values:
// access touches and tier promotion build a new Entry rather than mutating
// one shared between tiers.
type Entry struct {
	// Key is the cache key
	Key string `json:"key"`
	// Value is the serialized payload, compressed when Compressed is set
	Value []byte `json:"value"`
	// Hash is the content hash of the uncompressed serialized value
	Hash string `json:"hash"`
	// Size is the stored byte size (post-compression)
	Size int64 `json:"size"`
	// Compressed reports whether Value needs decompression before decoding
	Compressed bool `json:"compressed"`
	// CreatedAt is when the entry was first stored
	CreatedAt time.Time `json:"created_at"`
	// AccessedAt is the time of the most recent read
	AccessedAt time.Time `json:"accessed_at"`
	// AccessCount is the number of reads since creation
	AccessCount int64 `json:"access_count"`
	// ExpiresAt is when the entry leaves its fresh window (zero = no TTL)
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// StaleUntil bounds the stale-while-revalidate window (zero = none)
	StaleUntil time.Time `json:"stale_until,omitempty"`
	// Priority drives tier placement and eviction scoring
	Priority Priority `json:"priority"`
	// Tags support group invalidation
	Tags []string `json:"tags,omitempty"`
	// Tier records which tier this copy belongs to
	Tier Tier `json:"tier"`
}

// Expired reports whether the entry has left its fresh window.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// WithinStaleWindow reports whether an expired entry may still be served
// while a refresh is implied.
func (e *Entry) WithinStaleWindow(now time.Time) bool {
	return e.Expired(now) && !e.StaleUntil.IsZero() && !now.After(e.StaleUntil)
}

// Dead reports whether the entry is past both its TTL and stale window.
func (e *Entry) Dead(now time.Time) bool {
	return e.Expired(now) && !e.WithinStaleWindow(now)
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// touched returns a copy with access bookkeeping advanced.
func (e *Entry) touched(now time.Time) *Entry {
	clone := *e
	clone.AccessedAt = now
	clone.AccessCount++
	return &clone
}

// inTier returns a copy assigned to the given tier.
func (e *Entry) inTier(tier Tier) *Entry {
	clone := *e
	clone.Tier = tier
	return &clone
}

// SetOptions tunes one Set call. Zero values fall back to the manager's
// configured defaults.
type SetOptions struct {
	// TTL overrides the default time-to-live; negative disables expiry
	TTL time.Duration
	// StaleTime overrides the default stale-while-revalidate window
	StaleTime time.Duration
	// Priority overrides the default entry priority
	Priority Priority
	// Tags are attached to the entry for group invalidation
	Tags []string
}

// DeriveKey builds a deterministic cache key for an analysis result from
// its inputs. Option fields are folded in sorted key order so identical
// inputs map to identical keys regardless of map iteration order.
func DeriveKey(contentHash, language string, version int, options map[string]interface{}) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", contentHash, language, version)

	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		encoded, err := json.Marshal(options[k])
		if err != nil {
			// Unencodable option values still contribute their key so two
			// different option sets cannot collide silently.
			encoded = []byte(fmt.Sprintf("%v", options[k]))
		}
		fmt.Fprintf(h, "|%s=%s", k, encoded)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashValue fingerprints a serialized value.
func hashValue(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
