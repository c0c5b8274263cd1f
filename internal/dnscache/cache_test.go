package dnscache

import (
	"fmt"
	"testing"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New(4)
	if _, ok := c.Get("example.com"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set("example.com", "93.184.216.34")
	addr, ok := c.Get("example.com")
	if !ok || addr != "93.184.216.34" {
		t.Fatalf("got (%q, %v), want (93.184.216.34, true)", addr, ok)
	}
}

// Property 5 (§8): for a cache of capacity N, after k>N distinct
// insertions, exactly N entries remain and they are the N most
// recently inserted.
func TestLRUBoundRetainsMostRecent(t *testing.T) {
	const capacity = 4
	const inserts = 10
	c := New(capacity)
	for i := 0; i < inserts; i++ {
		c.Set(fmt.Sprintf("host%d.example", i), fmt.Sprintf("10.0.0.%d", i))
	}
	if got := c.Len(); got != capacity {
		t.Fatalf("Len() = %d, want %d", got, capacity)
	}
	for i := 0; i < inserts-capacity; i++ {
		host := fmt.Sprintf("host%d.example", i)
		if _, ok := c.Get(host); ok {
			t.Fatalf("expected %s to have been evicted", host)
		}
	}
	for i := inserts - capacity; i < inserts; i++ {
		host := fmt.Sprintf("host%d.example", i)
		want := fmt.Sprintf("10.0.0.%d", i)
		got, ok := c.Get(host)
		if !ok || got != want {
			t.Fatalf("%s: got (%q, %v), want (%q, true)", host, got, ok, want)
		}
	}
}

func TestLookupDoesNotReorder(t *testing.T) {
	c := New(3)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	// Repeated lookups of "a" must not protect it from eviction: lookup
	// does not reorder (§4.7).
	for i := 0; i < 5; i++ {
		c.Get("a")
	}
	c.Set("d", "4")

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be evicted despite being looked up repeatedly")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected b to survive")
	}
	if _, ok := c.Get("d"); !ok {
		t.Fatal("expected d to be present")
	}
}

func TestOverwriteDoesNotEvictOrReorder(t *testing.T) {
	c := New(3)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	// Overwriting "a" must not move it to the back of the eviction
	// order; the next new key should still evict "a", not "b".
	c.Set("a", "1-updated")
	if got := c.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3 after overwrite", got)
	}
	addr, ok := c.Get("a")
	if !ok || addr != "1-updated" {
		t.Fatalf("got (%q, %v), want (1-updated, true)", addr, ok)
	}

	c.Set("d", "4")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be evicted as the oldest entry despite the overwrite")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected b to survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to survive")
	}
}

func TestDefaultCapacityUsedWhenNonPositive(t *testing.T) {
	for _, capacity := range []int{0, -1, -100} {
		c := New(capacity)
		if c.capacity != DefaultCapacity {
			t.Fatalf("New(%d).capacity = %d, want %d", capacity, c.capacity, DefaultCapacity)
		}
	}
}

func TestIsDottedQuad(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"0.0.0.0", true},
		{"255.255.255.255", true},
		{"8.8.8.8", true},
		{"example.com", false},
		{"localhost", false},
		{"1.2.3", false},
		{"1.2.3.4.5", false},
		{"1.2.3.", false},
		{".1.2.3", false},
		{"1..2.3", false},
		{"", false},
		{"a.b.c.d", false},
	}
	for _, tc := range cases {
		if got := IsDottedQuad(tc.host); got != tc.want {
			t.Errorf("IsDottedQuad(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}
