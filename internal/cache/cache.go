// Package cache implements the size-bounded, TTL-aware passdb/userdb
// result cache (spec §4.C, component C): positive/negative/expired-as-
// fallback entries, LRU eviction, process-wide explicit init/teardown.
package cache

import (
	"container/list"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// passwordFieldRE enforces the invariant from spec §8: "the first
// TAB-delimited field is either empty or matches ^\{[A-Za-z0-9.-]+\}".
var passwordFieldRE = regexp.MustCompile(`^\{[A-Za-z0-9.-]+\}`)

type entry struct {
	key         string
	value       string
	negative    bool
	createdAt   time.Time
	lastSuccess bool
	size        int64
}

// Cache is a process-wide, mutex-serialized LRU. A nil *Cache is valid and
// disables caching entirely (spec §4.C: "a NULL cache pointer means
// caching is disabled globally") — every method on a nil receiver reports
// a miss / is a no-op.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	ttl      time.Duration
	negTTL   time.Duration
	ll       *list.List
	items    map[string]*list.Element

	now func() time.Time

	hits        atomic.Int64
	misses      atomic.Int64
	expiredHits atomic.Int64
}

// New constructs a Cache. maxBytes bounds total key+value storage; ttl and
// negTTL are the positive and negative entry lifetimes.
func New(maxBytes int64, ttl, negTTL time.Duration) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		ttl:      ttl,
		negTTL:   negTTL,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Lookup looks up key. hit reports whether a live entry, or (only when
// useExpired is set) an expired one, was found; expired reports whether
// the returned entry is past its TTL. Callers
// pass useExpired=true only when the authoritative backend has just
// failed with an internal error (spec §4.C / §7: "Expired cache serves as
// a fallback only when a lookup has actually failed ... never
// pre-emptively").
func (c *Cache) Lookup(key string, useExpired bool) (value string, negative bool, lastSuccess bool, hit bool, expired bool) {
	if c == nil || key == "" {
		return "", false, false, false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return "", false, false, false, false
	}
	e := el.Value.(*entry)
	ttl := c.ttl
	if e.negative {
		ttl = c.negTTL
	}
	if c.now().Sub(e.createdAt) <= ttl {
		c.ll.MoveToFront(el)
		c.hits.Add(1)
		return e.value, e.negative, e.lastSuccess, true, false
	}
	if useExpired {
		c.expiredHits.Add(1)
		return e.value, e.negative, e.lastSuccess, true, true
	}
	c.misses.Add(1)
	return "", false, false, false, false
}

// Insert stores value under key. negative marks a negative (user-unknown)
// entry, which uses the negative TTL instead of the positive one.
// lastSuccess records whether the entry's password matched on the
// lookup that produced it, used to detect a password change later.
//
// Insert panics if the portion of value before the first TAB (the
// password field) violates the wire invariant checked by
// passwordFieldRE — a record with a raw TAB or LF embedded in its
// password field, or one that isn't empty and isn't "{scheme}...", is a
// caller bug, not a runtime condition to recover from (spec §4.C:
// "Insertion of a record whose value contains raw TAB or LF in the
// password portion is a programmer error (abort)").
func (c *Cache) Insert(key, value string, negative, lastSuccess bool) {
	if c == nil || key == "" {
		return
	}
	passwordField := value
	if idx := strings.IndexByte(value, '\t'); idx >= 0 {
		passwordField = value[:idx]
	}
	if strings.ContainsAny(passwordField, "\n") {
		panic(fmt.Sprintf("cache: password field contains a raw LF: %q", passwordField))
	}
	if passwordField != "" && !passwordFieldRE.MatchString(passwordField) {
		panic(fmt.Sprintf("cache: password field %q does not match ^\\{scheme\\}", passwordField))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(key) + len(value))
	if el, ok := c.items[key]; ok {
		old := el.Value.(*entry)
		c.curBytes -= old.size
		*old = entry{key: key, value: value, negative: negative, createdAt: c.now(), lastSuccess: lastSuccess, size: size}
		c.curBytes += size
		c.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, value: value, negative: negative, createdAt: c.now(), lastSuccess: lastSuccess, size: size}
		el := c.ll.PushFront(e)
		c.items[key] = el
		c.curBytes += size
	}
	c.evict()
}

// Delete removes key unconditionally, if present.
func (c *Cache) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Flush empties the cache (used by the admin API's /cache/flush).
func (c *Cache) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.curBytes = 0
}

func (c *Cache) evict() {
	for c.curBytes > c.maxBytes && c.ll.Len() > 0 {
		back := c.ll.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.curBytes -= e.size
}

// Stats is a read-only snapshot for the admin API (SPEC_FULL §1.3: "Cache
// statistics").
type Stats struct {
	Entries     int
	Bytes       int64
	Hits        int64
	Misses      int64
	ExpiredHits int64
}

// Stats returns a point-in-time snapshot of cache occupancy and counters.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.ll.Len(),
		Bytes:       c.curBytes,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		ExpiredHits: c.expiredHits.Load(),
	}
}
