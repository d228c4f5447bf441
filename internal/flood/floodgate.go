// Package flood rate-limits playback commands per client to keep a
// misbehaving caller from hammering the vendor API.
package flood

import (
	"sync"
	"time"
)

const (
	// windowDuration is the fixed time window for rate limiting (always 1 minute)
	windowDuration = 60 * time.Second
	// cleanupInterval is how often we clean up expired entries
	cleanupInterval = 10 * time.Minute
	// idleTimeout is how long before we remove idle client entries
	idleTimeout = 10 * time.Minute
)

// Floodgate provides per-client sliding window rate limiting for playback
// commands.
type Floodgate struct {
	limitPerMinute int                     // Maximum commands per client per minute
	entries        map[string]*clientEntry // Key: client identifier
	mutex          sync.RWMutex
	stopCleanup    chan struct{}
}

// clientEntry tracks command timestamps for a single client
type clientEntry struct {
	timestamps []time.Time // Sliding window of command timestamps
	lastSeen   time.Time   // When this client was last seen (for cleanup)
}

// New creates a new Floodgate with the specified rate limiting configuration
// The time window is fixed at 60 seconds (1 minute)
func New(limitPerMinute int) *Floodgate {
	fg := &Floodgate{
		limitPerMinute: limitPerMinute,
		entries:        make(map[string]*clientEntry),
		stopCleanup:    make(chan struct{}),
	}

	// Start background cleanup goroutine
	go fg.cleanup()

	return fg
}

// Stop stops the background cleanup goroutine
func (fg *Floodgate) Stop() {
	close(fg.stopCleanup)
}

// CheckCommand checks if a command from the specified client should be
// allowed. Returns true if the command should be processed, false if it
// should be rejected due to flooding.
func (fg *Floodgate) CheckCommand(clientID string) bool {
	now := time.Now()

	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	entry, exists := fg.entries[clientID]
	if !exists {
		entry = &clientEntry{
			timestamps: make([]time.Time, 0, fg.limitPerMinute+1),
		}
		fg.entries[clientID] = entry
	}

	entry.lastSeen = now

	// Remove timestamps outside the window
	windowStart := now.Add(-windowDuration)
	validTimestamps := entry.timestamps[:0] // Reuse slice capacity
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			validTimestamps = append(validTimestamps, ts)
		}
	}
	entry.timestamps = validTimestamps

	if len(entry.timestamps) >= fg.limitPerMinute {
		return false
	}

	entry.timestamps = append(entry.timestamps, now)
	return true
}

// cleanup removes idle client entries to prevent memory leaks
func (fg *Floodgate) cleanup() {
	// Run immediately on startup
	fg.performCleanup()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fg.performCleanup()
		case <-fg.stopCleanup:
			return
		}
	}
}

// performCleanup removes entries that have been idle for too long
func (fg *Floodgate) performCleanup() {
	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range fg.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(fg.entries, key)
		}
	}
}

// EntryCount returns the number of tracked clients (for testing)
func (fg *Floodgate) EntryCount() int {
	fg.mutex.RLock()
	defer fg.mutex.RUnlock()
	return len(fg.entries)
}
