package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type analysisResult struct {
	RuleID  string   `json:"rule_id"`
	Lines   []int    `json:"lines"`
	Message string   `json:"message"`
	Tags    []string `json:"tags,omitempty"`
}

func testManager(t *testing.T, cfg *Config, backend Backend) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = &Config{CleanupInterval: -1}
	}
	m, err := NewManager(cfg, backend, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSetGetRoundTrip(t *testing.T) {
	m := testManager(t, nil, nil)
	ctx := context.Background()

	want := analysisResult{RuleID: "hardcoded-secret", Lines: []int{3, 17}, Message: "credential in source"}
	if err := m.Set(ctx, "result-1", want, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got analysisResult
	found, err := m.Get(ctx, "result-1", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get: entry not found")
	}
	require.Equal(t, want, got)
}

func TestRoundTripWithCompression(t *testing.T) {
	cfg := &Config{EnableCompression: true, CompressionThreshold: 64, CleanupInterval: -1}
	m := testManager(t, cfg, nil)
	ctx := context.Background()

	// Highly compressible payload well above the threshold.
	want := analysisResult{RuleID: "weak-hash", Message: strings.Repeat("md5 usage detected; ", 200)}
	if err := m.Set(ctx, "big", want, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got analysisResult
	found, err := m.Get(ctx, "big", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("Get: entry not found")
	}
	require.Equal(t, want, got)

	stats := m.Stats()
	if stats.CompressionSavedBytes <= 0 {
		t.Errorf("compression saved %d bytes, want > 0", stats.CompressionSavedBytes)
	}
}

func TestTTLExpiry(t *testing.T) {
	cfg := &Config{StaleTime: -1, CleanupInterval: -1}
	m := testManager(t, cfg, nil)
	ctx := context.Background()

	opts := &SetOptions{TTL: 100 * time.Millisecond, StaleTime: -1}
	if err := m.Set(ctx, "ephemeral", "value", opts); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !m.Has("ephemeral") {
		t.Fatal("entry should be present before expiry")
	}

	time.Sleep(150 * time.Millisecond)

	var got string
	found, err := m.Get(ctx, "ephemeral", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expired entry without a stale window should be a full miss")
	}
	if m.Has("ephemeral") {
		t.Error("Has should report the expired entry absent")
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	cfg := &Config{CleanupInterval: -1}
	m := testManager(t, cfg, nil)
	ctx := context.Background()

	opts := &SetOptions{TTL: 50 * time.Millisecond, StaleTime: 300 * time.Millisecond}
	if err := m.Set(ctx, "stale-ok", "value", opts); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	// Expired but within the stale window: still served.
	var got string
	found, err := m.Get(ctx, "stale-ok", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || got != "value" {
		t.Fatalf("stale entry should be served, found=%v got=%q", found, got)
	}
	if m.Stats().StaleHits != 1 {
		t.Errorf("stale hits = %d, want 1", m.Stats().StaleHits)
	}

	// Past the stale window: purged, full miss.
	time.Sleep(300 * time.Millisecond)
	found, err = m.Get(ctx, "stale-ok", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("entry past its stale window should be a full miss")
	}
}

// Three 150-byte entries into a 300-byte lru tier: the oldest falls out.
func TestLRUEvictionSequence(t *testing.T) {
	cfg := &Config{
		MaxMemorySize:   300,
		EvictionPolicy:  PolicyLRU,
		StaleTime:       -1,
		CleanupInterval: -1,
	}
	m := testManager(t, cfg, nil)
	ctx := context.Background()

	// Each value serializes to exactly 150 bytes (148 chars plus quotes).
	payload := func(c byte) string { return strings.Repeat(string(c), 148) }

	if err := m.Set(ctx, "A", payload('a'), nil); err != nil {
		t.Fatalf("Set A: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := m.Set(ctx, "B", payload('b'), nil); err != nil {
		t.Fatalf("Set B: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := m.Set(ctx, "C", payload('c'), nil); err != nil {
		t.Fatalf("Set C: %v", err)
	}

	if m.Has("A") {
		t.Error("A should have been evicted as least recently used")
	}
	if !m.Has("B") || !m.Has("C") {
		t.Error("B and C should survive")
	}
	if m.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", m.Stats().Evictions)
	}
}

// Memory usage never exceeds the configured budget, under every policy.
func TestEvictionUnderPressure(t *testing.T) {
	for _, policy := range []EvictionPolicy{PolicyLRU, PolicyLFU, PolicyARC, PolicySmart} {
		policy := policy
		t.Run(string(policy), func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				cfg := &Config{
					MaxMemorySize:   500,
					EvictionPolicy:  policy,
					StaleTime:       -1,
					CleanupInterval: -1,
				}
				m, err := NewManager(cfg, nil, nil, nil)
				if err != nil {
					rt.Fatalf("NewManager: %v", err)
				}
				defer m.Close()

				ctx := context.Background()
				n := rapid.IntRange(1, 40).Draw(rt, "n")
				for i := 0; i < n; i++ {
					size := rapid.IntRange(1, 200).Draw(rt, "size")
					key := fmt.Sprintf("k%d", rapid.IntRange(0, 15).Draw(rt, "key"))
					if err := m.Set(ctx, key, strings.Repeat("x", size), nil); err != nil {
						rt.Fatalf("Set: %v", err)
					}
					if got := m.MemorySize(); got > cfg.MaxMemorySize {
						rt.Fatalf("memory size %d exceeds budget %d after set %d", got, cfg.MaxMemorySize, i)
					}
				}
			})
		})
	}
}

func TestPersistentPromotion(t *testing.T) {
	backend := NewMemoryBackend()
	cfg := &Config{CleanupInterval: -1}
	m := testManager(t, cfg, backend)
	ctx := context.Background()

	want := analysisResult{RuleID: "eval-usage", Lines: []int{9}}
	opts := &SetOptions{Priority: PriorityHigh, Tags: []string{"doc-1"}}
	if err := m.Set(ctx, "promoted", want, opts); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Drop the memory copy; the persistent copy must still serve.
	if removed := m.InvalidateByTag("doc-1"); removed != 1 {
		t.Fatalf("InvalidateByTag removed %d, want 1", removed)
	}

	var got analysisResult
	found, err := m.Get(ctx, "promoted", &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("persistent copy should serve after memory invalidation")
	}
	require.Equal(t, want, got)

	stats := m.Stats()
	if stats.Persistent.Hits != 1 {
		t.Errorf("persistent hits = %d, want 1", stats.Persistent.Hits)
	}

	// The hit promoted the entry back into memory.
	found, err = m.Get(ctx, "promoted", &got)
	if err != nil || !found {
		t.Fatalf("Get after promotion: found=%v err=%v", found, err)
	}
	if m.Stats().Memory.Hits != 1 {
		t.Errorf("memory hits = %d, want 1 after promotion", m.Stats().Memory.Hits)
	}
}

func TestLowPriorityStaysOutOfPersistentTier(t *testing.T) {
	backend := NewMemoryBackend()
	m := testManager(t, &Config{CleanupInterval: -1}, backend)
	ctx := context.Background()

	if err := m.Set(ctx, "scratch", "v", &SetOptions{Priority: PriorityLow}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entry, err := backend.Get(ctx, "scratch")
	if err != nil {
		t.Fatalf("backend Get: %v", err)
	}
	if entry != nil {
		t.Error("low-priority entry should not be written to the persistent tier")
	}
}

func TestGetOrSetFetchesOnce(t *testing.T) {
	m := testManager(t, nil, nil)
	ctx := context.Background()

	var calls atomic.Int64
	fetcher := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return analysisResult{RuleID: "sql-injection"}, nil
	}

	for i := 0; i < 3; i++ {
		var got analysisResult
		if err := m.GetOrSet(ctx, "aside", &got, fetcher, nil); err != nil {
			t.Fatalf("GetOrSet %d: %v", i, err)
		}
		if got.RuleID != "sql-injection" {
			t.Fatalf("GetOrSet %d returned %+v", i, got)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("fetcher called %d times, want 1", calls.Load())
	}
}

func TestGetOrSetPropagatesFetchError(t *testing.T) {
	m := testManager(t, nil, nil)
	wantErr := errors.New("upstream unavailable")
	err := m.GetOrSet(context.Background(), "broken", nil, func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	}, nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("GetOrSet error = %v, want %v", err, wantErr)
	}
}

func TestWarmupCoalescesAndSkipsCached(t *testing.T) {
	m := testManager(t, nil, nil)
	ctx := context.Background()

	if err := m.Set(ctx, "already", "cached", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var fetches atomic.Int64
	fetcher := func(ctx context.Context, key string) (interface{}, error) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "warmed:" + key, nil
	}

	// "fresh" duplicated: the second occurrence must ride the first fetch.
	err := m.Warmup(ctx, []string{"already", "fresh", "fresh", "other"}, fetcher)
	if err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if fetches.Load() != 2 {
		t.Errorf("fetcher called %d times, want 2 (fresh coalesced, already skipped)", fetches.Load())
	}

	var got string
	found, err := m.Get(ctx, "fresh", &got)
	if err != nil || !found || got != "warmed:fresh" {
		t.Errorf("warmed entry: found=%v got=%q err=%v", found, got, err)
	}
}

func TestWarmupSurfacesFetchErrors(t *testing.T) {
	m := testManager(t, nil, nil)
	wantErr := errors.New("fetch failed")
	err := m.Warmup(context.Background(), []string{"bad"}, func(ctx context.Context, key string) (interface{}, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Warmup error = %v, want %v", err, wantErr)
	}
}

func TestValueTooLarge(t *testing.T) {
	cfg := &Config{MaxMemorySize: 10, CleanupInterval: -1}
	m := testManager(t, cfg, nil)
	err := m.Set(context.Background(), "huge", strings.Repeat("x", 100), nil)
	if !errors.Is(err, ErrValueTooLarge) {
		t.Errorf("Set error = %v, want ErrValueTooLarge", err)
	}
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	backend := NewMemoryBackend()
	m := testManager(t, &Config{CleanupInterval: -1}, backend)
	ctx := context.Background()

	if err := m.Set(ctx, "gone", "v", &SetOptions{Priority: PriorityHigh}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Has("gone") {
		t.Error("deleted entry still reported present")
	}
	entry, err := backend.Get(ctx, "gone")
	if err != nil || entry != nil {
		t.Errorf("backend copy should be gone, entry=%v err=%v", entry, err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("hash1", "go", 3, map[string]interface{}{"depth": 2, "rules": "all"})
	b := DeriveKey("hash1", "go", 3, map[string]interface{}{"rules": "all", "depth": 2})
	if a != b {
		t.Error("identical inputs should derive identical keys regardless of option order")
	}

	c := DeriveKey("hash1", "go", 4, map[string]interface{}{"depth": 2, "rules": "all"})
	if a == c {
		t.Error("different versions should derive different keys")
	}
	d := DeriveKey("hash1", "python", 3, map[string]interface{}{"depth": 2, "rules": "all"})
	if a == d {
		t.Error("different languages should derive different keys")
	}
}

func TestStatsHitRate(t *testing.T) {
	m := testManager(t, nil, nil)
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got string
	for i := 0; i < 3; i++ {
		if _, err := m.Get(ctx, "k", &got); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if _, err := m.Get(ctx, "absent", &got); err != nil {
		t.Fatalf("Get absent: %v", err)
	}

	stats := m.Stats()
	if stats.Memory.Hits != 3 {
		t.Errorf("memory hits = %d, want 3", stats.Memory.Hits)
	}
	if stats.HitRate != 0.75 {
		t.Errorf("hit rate = %v, want 0.75", stats.HitRate)
	}
	if stats.AvgGetLatency <= 0 {
		t.Errorf("avg get latency = %v, want > 0", stats.AvgGetLatency)
	}
}
