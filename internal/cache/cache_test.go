package cache

import (
	"testing"
	"time"
)

func TestInsertLookupIdempotence(t *testing.T) {
	c := New(1<<20, time.Minute, time.Minute)
	c.Insert("user=alice", "{CRYPT}hash\tuid=1000", false, true)
	c.Insert("user=alice", "{CRYPT}hash\tuid=1000", false, true)

	value, negative, _, hit, expired := c.Lookup("user=alice", false)
	if !hit || expired {
		t.Fatalf("expected live hit, got hit=%v expired=%v", hit, expired)
	}
	if negative {
		t.Fatal("expected positive entry")
	}
	if value != "{CRYPT}hash\tuid=1000" {
		t.Fatalf("got %q", value)
	}
}

func TestLookupMissUnknownKey(t *testing.T) {
	c := New(1<<20, time.Minute, time.Minute)
	_, _, _, hit, _ := c.Lookup("nope", false)
	if hit {
		t.Fatal("expected miss")
	}
}

func TestExpiredFallbackOnlyWhenRequested(t *testing.T) {
	fixed := time.Now()
	c := New(1<<20, time.Minute, time.Minute)
	c.now = func() time.Time { return fixed }
	c.Insert("user=alice", "{CRYPT}hash", false, true)

	c.now = func() time.Time { return fixed.Add(2 * time.Minute) }

	_, _, _, hit, _ := c.Lookup("user=alice", false)
	if hit {
		t.Fatal("expected miss without useExpired past TTL")
	}

	value, _, _, hit, expired := c.Lookup("user=alice", true)
	if !hit || !expired {
		t.Fatalf("expected expired hit, got hit=%v expired=%v", hit, expired)
	}
	if value != "{CRYPT}hash" {
		t.Fatalf("got %q", value)
	}
}

func TestNegativeEntryUsesNegativeTTL(t *testing.T) {
	fixed := time.Now()
	c := New(1<<20, time.Hour, 10*time.Second)
	c.now = func() time.Time { return fixed }
	c.Insert("user=ghost", "", true, false)

	c.now = func() time.Time { return fixed.Add(20 * time.Second) }
	_, _, _, hit, _ := c.Lookup("user=ghost", false)
	if hit {
		t.Fatal("expected negative entry to expire under the negative TTL")
	}
}

func TestEvictionIsSizeBounded(t *testing.T) {
	c := New(10, time.Hour, time.Hour)
	c.Insert("k1", "\tv1", false, false)
	c.Insert("k2", "\tv2", false, false)
	c.Insert("k3", "\tv3", false, false)

	if c.Stats().Bytes > 10 {
		t.Fatalf("cache grew past its bound: %+v", c.Stats())
	}
	if _, _, _, hit, _ := c.Lookup("k1", false); hit {
		t.Fatal("expected oldest entry to have been evicted")
	}
}

func TestInsertPanicsOnMalformedPasswordField(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for malformed password field")
		}
	}()
	c := New(1<<20, time.Minute, time.Minute)
	c.Insert("user=alice", "not-a-scheme-tag\tuid=1000", false, false)
}

func TestInsertAllowsEmptyPasswordField(t *testing.T) {
	c := New(1<<20, time.Minute, time.Minute)
	c.Insert("user=alice", "\tnodelay", false, false)
	_, _, _, hit, _ := c.Lookup("user=alice", false)
	if !hit {
		t.Fatal("expected hit for empty-password (nopassword) entry")
	}
}

func TestNilCacheIsDisabled(t *testing.T) {
	var c *Cache
	c.Insert("k", "v", false, false)
	_, _, _, hit, _ := c.Lookup("k", false)
	if hit {
		t.Fatal("nil cache must always miss")
	}
	if stats := c.Stats(); stats.Entries != 0 {
		t.Fatalf("nil cache stats should be zero, got %+v", stats)
	}
}
