package incremental

import (
	"fmt"
	"testing"
)

func stateFor(uri string) *DocumentState {
	return &DocumentState{URI: uri, Hash: HashText(uri)}
}

func TestDocumentCacheLRUEviction(t *testing.T) {
	c := NewDocumentCache(2)
	c.Set("a", stateFor("a"))
	c.Set("b", stateFor("b"))

	// Touch a so b becomes the eviction candidate.
	if c.Get("a") == nil {
		t.Fatal("a should be cached")
	}

	c.Set("c", stateFor("c"))
	if c.Get("b") != nil {
		t.Error("b should have been evicted")
	}
	if c.Get("a") == nil || c.Get("c") == nil {
		t.Error("a and c should survive")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
}

func TestDocumentCacheUpdateExisting(t *testing.T) {
	c := NewDocumentCache(2)
	c.Set("a", &DocumentState{URI: "a", Version: 1})
	c.Set("a", &DocumentState{URI: "a", Version: 2})

	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if got := c.Get("a").Version; got != 2 {
		t.Errorf("version = %d, want 2", got)
	}
}

func TestDocumentCacheInvalidate(t *testing.T) {
	c := NewDocumentCache(5)
	c.Set("a", stateFor("a"))

	if !c.Invalidate("a") {
		t.Error("Invalidate(a) should report true")
	}
	if c.Invalidate("a") {
		t.Error("second Invalidate(a) should report false")
	}
	if c.Get("a") != nil {
		t.Error("a should be gone")
	}
}

func TestDocumentCacheClear(t *testing.T) {
	c := NewDocumentCache(10)
	for i := 0; i < 5; i++ {
		uri := fmt.Sprintf("doc-%d", i)
		c.Set(uri, stateFor(uri))
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("len after clear = %d, want 0", c.Len())
	}
}
