// Package dnscache implements the bounded, insertion-ordered DNS cache
// described in §4.7 and §3: a fixed-capacity map with no TTL that
// evicts its oldest entry on overflow. It is the remote proxy's
// process-wide store for resolved A records (§4.5, §9 "Global
// singletons": passed explicitly, not held as a hidden global).
//
// patrickmn/go-cache alone is a TTL-expiry cache; it has no concept of
// a capacity bound or insertion order. Cache pairs a go-cache instance
// (holding the actual hostname -> address values, matching the teacher
// package's habit of backing its session store with go-cache in
// internal/server/session.go) with a container/list tracking insertion
// order, so the oldest entry can be evicted in O(1) the way the
// original implementation's collections.OrderedDict-based dns_cache
// does (original_source/utils.py).
package dnscache

import (
	"container/list"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultCapacity matches §3's "default capacity 1024".
const DefaultCapacity = 1024

// Cache is a bounded, insertion-ordered hostname -> IPv4-string map.
// Safe for concurrent use, though §5 notes the remote dispatcher only
// ever touches it from one goroutine in practice.
type Cache struct {
	mu       sync.Mutex
	capacity int
	store    *gocache.Cache
	order    *list.List               // front = oldest, back = newest
	elems    map[string]*list.Element // hostname -> its node in order
}

// New returns a Cache with the given capacity. A capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		store:    gocache.New(gocache.NoExpiration, 0),
		order:    list.New(),
		elems:    make(map[string]*list.Element),
	}
}

// Get returns the cached address for host, if present. Lookup does not
// reorder the entry (§4.7: "Lookup does not reorder").
func (c *Cache) Get(host string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store.Get(host)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Set inserts or overwrites the cached address for host. If this is a
// new key and the cache is already at capacity, the oldest entry is
// evicted first (§4.7: "On insert, if size >= capacity, evict the
// oldest entry before inserting").
func (c *Cache) Set(host, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.elems[host]; exists {
		// Overwriting an existing key does not change its insertion
		// order or evict anything.
		c.store.Set(host, addr, gocache.NoExpiration)
		elem.Value = host
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldestLocked()
	}

	c.store.Set(host, addr, gocache.NoExpiration)
	elem := c.order.PushBack(host)
	c.elems[host] = elem
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) evictOldestLocked() {
	oldest := c.order.Front()
	if oldest == nil {
		return
	}
	host := oldest.Value.(string)
	c.order.Remove(oldest)
	delete(c.elems, host)
	c.store.Delete(host)
}

// IsDottedQuad reports whether host looks like an IPv4 dotted-quad
// address (four dot-separated decimal octet groups), letting the remote
// dispatcher decide whether DNS resolution can be skipped entirely
// (§4.5 step 1), matching the original implementation's
// `_IP = re.compile(r'[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}')`.
func IsDottedQuad(s string) bool {
	groups := 0
	digits := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if digits == 0 || digits > 3 {
				return false
			}
			groups++
			digits = 0
			if i == len(s) {
				break
			}
			continue
		}
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		digits++
	}
	return groups == 4
}
