package core

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCache(ttl time.Duration, maxSize int) (*InMemoryCache, *time.Time) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cache := NewInMemoryCache(CacheConfig{TTL: ttl, MaxSize: maxSize})
	cache.now = func() time.Time { return now }
	return cache, &now
}

func TestInMemoryCacheGetSetShouldStoreAndRetrieve(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 500)

	session := &Session{
		ID:        "session123",
		UserID:    "user456",
		TokenHash: "hash789",
	}

	if err := cache.Set(session.ID, session); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	retrieved, err := cache.Get("session123")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved.UserID != session.UserID {
		t.Errorf("Expected UserID %s, got %s", session.UserID, retrieved.UserID)
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Sets != 1 || stats.Size != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestInMemoryCacheGetNonExistentShouldReturnErrCacheNotFound(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 500)

	_, err := cache.Get("nonexistent")
	if err != ErrCacheNotFound {
		t.Errorf("Expected ErrCacheNotFound, got %v", err)
	}
	if cache.Stats().Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", cache.Stats().Misses)
	}
}

func TestInMemoryCacheExpiryShouldExpireEntriesAfterTTL(t *testing.T) {
	cache, now := newTestCache(time.Minute, 500)

	cache.Set("session123", &Session{ID: "session123"})

	if _, err := cache.Get("session123"); err != nil {
		t.Error("Session should exist immediately after Set")
	}

	*now = now.Add(61 * time.Second)

	if _, err := cache.Get("session123"); err != ErrCacheNotFound {
		t.Error("Session should be expired and removed from cache")
	}
	if cache.Len() != 0 {
		t.Errorf("Cache should be empty after expired entry removed, got size %d", cache.Len())
	}
}

func TestInMemoryCacheDeleteShouldRemoveEntry(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 500)
	cache.Set("session123", &Session{ID: "session123"})

	if err := cache.Delete("session123"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := cache.Get("session123"); err != ErrCacheNotFound {
		t.Error("Session should be deleted")
	}

	// Deleting non-existent key should not error
	if err := cache.Delete("nonexistent"); err != nil {
		t.Errorf("Delete of non-existent key should not error, got %v", err)
	}
}

func TestInMemoryCacheClearShouldRemoveAllEntries(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 500)

	for _, id := range []string{"session1", "session2", "session3"} {
		cache.Set(id, &Session{ID: id})
	}
	if cache.Len() != 3 {
		t.Errorf("Expected 3 sessions in cache, got %d", cache.Len())
	}

	if err := cache.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("Cache should be empty after Clear, got size %d", cache.Len())
	}
}

func TestInMemoryCacheMaxLenShouldEvictWhenOverCapacity(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 2)

	cache.Set("session1", &Session{ID: "session1"})
	cache.Set("session2", &Session{ID: "session2"})
	cache.Set("session3", &Session{ID: "session3"})

	if cache.Len() != 2 {
		t.Errorf("Expected size 2 after eviction, got %d", cache.Len())
	}
	if _, err := cache.Get("session3"); err != nil {
		t.Error("most recent entry should survive eviction")
	}
	if cache.Stats().Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", cache.Stats().Evictions)
	}

	// Replacing an existing key never evicts
	cache.Set("session3", &Session{ID: "session3"})
	if cache.Stats().Evictions != 1 {
		t.Errorf("Expected eviction count unchanged, got %d", cache.Stats().Evictions)
	}
}

func TestInMemoryCacheConcurrentReadWriteShouldNotRaceOrPanic(t *testing.T) {
	cache := NewInMemoryCache(CacheConfig{TTL: 5 * time.Minute, MaxSize: 50})
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("session%d", id)
			cache.Set(key, &Session{ID: key})
		}(i)
		go func(id int) {
			defer wg.Done()
			cache.Get(fmt.Sprintf("session%d", id))
		}(i)
		go func(id int) {
			defer wg.Done()
			cache.Delete(fmt.Sprintf("session%d", id-1))
		}(i)
	}

	wg.Wait()

	if cache.Len() > 50 {
		t.Errorf("cache grew beyond MaxSize: %d", cache.Len())
	}
}
