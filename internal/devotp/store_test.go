package devotp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_PutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Put(ctx, "challenge-1", "123456", time.Now().Add(time.Minute))

	otp, ok := store.Get(ctx, "challenge-1")
	if !ok || otp != "123456" {
		t.Errorf("Get = %q, %v; want 123456, true", otp, ok)
	}
	if _, ok := store.Get(ctx, "nonexistent"); ok {
		t.Error("missing key should not be found")
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.nowF = func() time.Time { return now }
	ctx := context.Background()
	store.Put(ctx, "old", "111111", now.Add(time.Second))
	store.Put(ctx, "edge", "222222", now)

	if _, ok := store.Get(ctx, "edge"); ok {
		t.Error("entry expiring exactly now should be gone")
	}
	now = now.Add(2 * time.Second)
	if _, ok := store.Get(ctx, "old"); ok {
		t.Error("expired entry should be gone")
	}
	store.Put(ctx, "new", "333333", now.Add(time.Minute))
	store.mu.RLock()
	n := len(store.m)
	store.mu.RUnlock()
	if n != 1 {
		t.Errorf("entries after Put = %d, want 1 (expired pruned)", n)
	}
}

func TestTokenKey(t *testing.T) {
	if got := TokenKey("magic_link", "  A@X.com "); got != "magic_link:a@x.com" {
		t.Errorf("TokenKey = %q", got)
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		key := fmt.Sprintf("challenge-%d", i)
		go func() {
			defer wg.Done()
			store.Put(ctx, key, "123456", time.Now().Add(time.Minute))
		}()
		go func() {
			defer wg.Done()
			store.Get(ctx, key)
		}()
	}
	wg.Wait()
}
