package workflow

import (
	"testing"
	"time"
)

func TestTTLCacheRoundTrip(t *testing.T) {
	cache := NewTTLCache(time.Minute)
	resp := &CachedResponse{Status: 200, ContentType: "application/json", Body: []byte(`{"id":1}`)}
	cache.Set("k1", resp)

	got, found := cache.Get("k1")
	if !found {
		t.Fatal("expected cached entry")
	}
	if got.Status != 200 || string(got.Body) != `{"id":1}` {
		t.Fatalf("unexpected cached response: %+v", got)
	}
	if _, found := cache.Get("missing"); found {
		t.Fatal("expected miss for unknown key")
	}
}

func TestTTLCacheExpiry(t *testing.T) {
	cache := NewTTLCache(10 * time.Millisecond)
	cache.Set("k1", &CachedResponse{Status: 200})
	time.Sleep(25 * time.Millisecond)
	if _, found := cache.Get("k1"); found {
		t.Fatal("expected entry to expire")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected expired entry dropped on read, len=%d", cache.Len())
	}
}

func TestGuardApplies(t *testing.T) {
	guard := NewIdempotencyGuard(NewTTLCache(time.Minute), "/api/orders", "/api/shifts")
	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{"POST", "/api/orders", true},
		{"POST", "/api/orders/7/items", true},
		{"GET", "/api/orders", false},
		{"POST", "/api/shifts/3/close", true},
		{"POST", "/api/transfers/3/cancel", true},
		{"POST", "/api/transfers", false},
		{"DELETE", "/api/orders/7/items/2", true},
		{"GET", "/api/orders/7", false},
		{"POST", "/api/products", false},
	}
	for _, tc := range cases {
		if got := guard.Applies(tc.method, tc.path); got != tc.want {
			t.Errorf("Applies(%s %s): got %v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestGuardTenantScoping(t *testing.T) {
	guard := NewIdempotencyGuard(NewTTLCache(time.Minute))
	guard.Store("tenant-a", "key-1", &CachedResponse{Status: 201, Body: []byte("a")})

	if _, found := guard.Lookup("tenant-b", "key-1"); found {
		t.Fatal("tenant-b must not see tenant-a's cached response")
	}
	got, found := guard.Lookup("tenant-a", "key-1")
	if !found || string(got.Body) != "a" {
		t.Fatalf("tenant-a lookup: found=%v resp=%+v", found, got)
	}
}

func TestGuardStoresOnlySuccesses(t *testing.T) {
	guard := NewIdempotencyGuard(NewTTLCache(time.Minute))

	guard.Store("t", "failed", &CachedResponse{Status: 422})
	if _, found := guard.Lookup("t", "failed"); found {
		t.Fatal("non-2xx responses must not be cached")
	}

	guard.Store("t", "ok", &CachedResponse{Status: 201})
	got, found := guard.Lookup("t", "ok")
	if !found {
		t.Fatal("2xx response should be cached")
	}
	if got.CachedAt.IsZero() {
		t.Fatal("CachedAt should be stamped on store")
	}

	guard.Store("t", "", &CachedResponse{Status: 200})
	if _, found := guard.Lookup("t", ""); found {
		t.Fatal("empty key must never cache")
	}
}
