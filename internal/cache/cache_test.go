package cache

import (
	"slices"
	"testing"
)

func TestTakeNewestAccepted(t *testing.T) {
	c := New[int, string](0, nil)
	c.Put(4096, "a")
	c.Put(8192, "b")
	c.Put(4096, "c")

	if v, ok := c.Take(4096, nil); !ok || v != "c" {
		t.Errorf("Take = %q, %v; want the newest value", v, ok)
	}
	if v, ok := c.Take(4096, func(s string) bool { return s != "a" }); ok {
		t.Errorf("Take returned rejected value %q", v)
	}
	if v, ok := c.Take(4096, nil); !ok || v != "a" {
		t.Errorf("Take = %q, %v", v, ok)
	}
	if _, ok := c.Take(4096, nil); ok {
		t.Error("Take of an empty key succeeded")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	s := c.Stats()
	if s.Hits != 2 || s.Misses != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestEvictsOldest(t *testing.T) {
	var evicted []int
	c := New[string, int](3, func(v int) { evicted = append(evicted, v) })
	for i := 1; i <= 5; i++ {
		c.Put("k", i)
	}
	if !slices.Equal(evicted, []int{1, 2}) {
		t.Errorf("evicted %v, want [1 2]", evicted)
	}
	if c.Len() != 3 || c.Stats().Evictions != 2 {
		t.Errorf("Len %d, evictions %d", c.Len(), c.Stats().Evictions)
	}

	c.Put("other", 6)
	if !slices.Equal(evicted, []int{1, 2, 3}) {
		t.Errorf("evicted %v after a put under another key", evicted)
	}
	if v, _ := c.Take("k", nil); v != 5 {
		t.Errorf("Take = %d, want 5", v)
	}
}

func TestDrain(t *testing.T) {
	var evicted []int
	c := New[int, int](0, func(v int) { evicted = append(evicted, v) })
	c.Put(1, 10)
	c.Put(2, 20)
	c.Put(1, 11)
	c.Drain()
	if !slices.Equal(evicted, []int{10, 20, 11}) {
		t.Errorf("drained %v, want oldest first", evicted)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after Drain", c.Len())
	}
	c.Put(1, 12)
	if v, ok := c.Take(1, nil); !ok || v != 12 {
		t.Errorf("cache unusable after Drain: %d, %v", v, ok)
	}
}
