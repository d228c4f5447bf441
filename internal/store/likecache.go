// Package store provides the persistence backends for playback state: the
// snapshot stores and the in-memory track library cache.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// LikeCache is a thread-safe cache of resolved library saved-states. A Bloom
// filter front-ends the lookup so the common case of a never-checked track
// skips the map entirely; the LRU bounds memory across long sessions.
type LikeCache struct {
	statuses               map[string]bool
	bloom                  *bloom.BloomFilter
	lru                    *lru.Cache[string, bool]
	mutex                  sync.RWMutex
	maxTracks              int
	bloomFalsePositiveRate float64
}

// NewLikeCache creates a like cache with the specified capacity and Bloom
// false positive rate.
func NewLikeCache(maxTracks int, bloomFalsePositiveRate float64) *LikeCache {
	if maxTracks < 1 {
		maxTracks = 1
	}

	lruCache, err := lru.New[string, bool](maxTracks)
	if err != nil {
		panic("likecache: " + err.Error())
	}
	bloomFilter := bloom.NewWithEstimates(uint(maxTracks), bloomFalsePositiveRate)

	return &LikeCache{
		statuses:               make(map[string]bool),
		bloom:                  bloomFilter,
		lru:                    lruCache,
		maxTracks:              maxTracks,
		bloomFalsePositiveRate: bloomFalsePositiveRate,
	}
}

// Get returns the cached saved-state for a track and whether it is known.
func (lc *LikeCache) Get(trackID string) (liked, known bool) {
	lc.mutex.RLock()
	defer lc.mutex.RUnlock()

	if !lc.bloom.TestString(trackID) {
		return false, false
	}

	liked, known = lc.statuses[trackID]
	return liked, known
}

// Set records the saved-state for a track, evicting the oldest entry when
// the cache is full.
func (lc *LikeCache) Set(trackID string, liked bool) {
	lc.mutex.Lock()
	defer lc.mutex.Unlock()

	lc.statuses[trackID] = liked
	lc.bloom.AddString(trackID)
	lc.lru.Add(trackID, liked)

	if len(lc.statuses) > lc.maxTracks {
		lc.evictOldest()
	}
}

// Forget drops a single track's cached state.
func (lc *LikeCache) Forget(trackID string) {
	lc.mutex.Lock()
	defer lc.mutex.Unlock()

	if _, exists := lc.statuses[trackID]; !exists {
		return
	}

	delete(lc.statuses, trackID)
	lc.lru.Remove(trackID)
	// The bloom filter does not support removal; a stale positive only
	// costs one map lookup.
}

// Size returns the number of cached saved-states.
func (lc *LikeCache) Size() int {
	lc.mutex.RLock()
	defer lc.mutex.RUnlock()
	return len(lc.statuses)
}

// Clear removes all cached saved-states; called on sign-out since saved
// state is per account.
func (lc *LikeCache) Clear() {
	lc.mutex.Lock()
	defer lc.mutex.Unlock()

	lc.statuses = make(map[string]bool)
	if lc.maxTracks < 0 || lc.maxTracks > int(^uint(0)>>1) {
		panic("maxTracks value out of range for uint conversion")
	}
	lc.bloom = bloom.NewWithEstimates(uint(lc.maxTracks), lc.bloomFalsePositiveRate)
	lc.lru.Purge()
}

func (lc *LikeCache) evictOldest() {
	if lc.lru.Len() == 0 {
		return
	}

	oldestKey, _, ok := lc.lru.GetOldest()
	if !ok {
		return
	}

	delete(lc.statuses, oldestKey)
	lc.lru.Remove(oldestKey)
}
