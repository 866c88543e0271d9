// Package store provides a short-lived memory of permanently failed track
// keys using Bloom filters and LRU cache, so repeat misses don't re-run the
// whole provider chain.
package store

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// FailureStore remembers track keys whose resolution failed permanently.
// Entries expire after a TTL so a track that later becomes available is
// retried. Only permanent failures belong here; transient ones must stay
// retryable.
type FailureStore struct {
	failedAt               map[string]time.Time
	bloom                  *bloom.BloomFilter
	lru                    *lru.Cache[string, struct{}]
	mutex                  sync.RWMutex
	maxTracks              int
	ttl                    time.Duration
	bloomFalsePositiveRate float64
}

// NewFailureStore creates a failure store holding at most maxTracks keys for
// ttl each.
func NewFailureStore(maxTracks int, ttl time.Duration, bloomFalsePositiveRate float64) *FailureStore {
	if maxTracks < 0 || maxTracks > int(^uint(0)>>1) {
		panic("maxTracks value out of range for uint conversion")
	}
	bloomFilter := bloom.NewWithEstimates(uint(maxTracks), bloomFalsePositiveRate)

	fs := &FailureStore{
		failedAt:               make(map[string]time.Time),
		bloom:                  bloomFilter,
		maxTracks:              maxTracks,
		ttl:                    ttl,
		bloomFalsePositiveRate: bloomFalsePositiveRate,
	}

	// The eviction callback keeps the map in lockstep with the LRU: a key the
	// LRU drops at capacity leaves the map in the same Add call. The callback
	// runs while the caller already holds fs.mutex.
	lruCache, _ := lru.NewWithEvict[string, struct{}](maxTracks, func(key string, _ struct{}) {
		delete(fs.failedAt, key)
	})
	fs.lru = lruCache

	return fs
}

// Failed reports whether the key failed permanently within the TTL window.
func (fs *FailureStore) Failed(key string) bool {
	fs.mutex.RLock()
	if !fs.bloom.TestString(key) {
		fs.mutex.RUnlock()
		return false
	}

	failedAt, exists := fs.failedAt[key]
	fs.mutex.RUnlock()

	if !exists {
		return false
	}

	if time.Since(failedAt) > fs.ttl {
		fs.Remove(key)
		return false
	}
	return true
}

// Add records a permanent failure for the key. At capacity the LRU evicts
// its oldest key and the eviction callback drops it from the map too.
func (fs *FailureStore) Add(key string) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	fs.failedAt[key] = time.Now()
	fs.bloom.AddString(key)
	fs.lru.Add(key, struct{}{})
}

// Remove forgets a key, allowing the next request to run the pipeline again.
func (fs *FailureStore) Remove(key string) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if _, exists := fs.failedAt[key]; !exists {
		return
	}

	delete(fs.failedAt, key)
	fs.lru.Remove(key)
	// Note: the bloom filter doesn't support removal; the resulting false
	// positives are resolved by the map lookup in Failed.
}

// Size returns the number of keys currently remembered.
func (fs *FailureStore) Size() int {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()
	return len(fs.failedAt)
}

// Clear forgets all keys.
func (fs *FailureStore) Clear() {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	fs.failedAt = make(map[string]time.Time)
	if fs.maxTracks < 0 || fs.maxTracks > int(^uint(0)>>1) {
		panic("maxTracks value out of range for uint conversion")
	}
	fs.bloom = bloom.NewWithEstimates(uint(fs.maxTracks), fs.bloomFalsePositiveRate)
	fs.lru.Purge()
}
