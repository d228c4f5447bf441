package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ContinuityManager persists the playback intent on every mutation and
// restores it across process restarts. It also owns the suspend/resume
// lifecycle: suspending saves eagerly and silences the device, resuming
// re-asserts the remembered intent after a short settle delay.
type ContinuityManager struct {
	store     *IntentStore
	snapshots SnapshotStore
	session   SessionProvider
	logger    *zap.Logger

	maxAge       time.Duration
	resumeSettle time.Duration

	mu            sync.Mutex
	suspended     bool
	wasPlaying    bool
	pendingIntent bool
	onSaved       func()
	onRestored    func()
}

// NewContinuityManager attaches the manager to the intent store's mutation
// stream. Snapshots are only written while a session is active.
func NewContinuityManager(
	store *IntentStore,
	snapshots SnapshotStore,
	session SessionProvider,
	maxAge time.Duration,
	resumeSettle time.Duration,
	logger *zap.Logger,
) *ContinuityManager {
	m := &ContinuityManager{
		store:        store,
		snapshots:    snapshots,
		session:      session,
		logger:       logger,
		maxAge:       maxAge,
		resumeSettle: resumeSettle,
	}

	store.OnMutation(m.handleMutation)

	return m
}

// SetSavedHook registers a callback invoked after each successful snapshot
// write; used for metrics.
func (m *ContinuityManager) SetSavedHook(hook func()) {
	m.mu.Lock()
	m.onSaved = hook
	m.mu.Unlock()
}

// SetRestoredHook registers a callback invoked after a successful restore.
func (m *ContinuityManager) SetRestoredHook(hook func()) {
	m.mu.Lock()
	m.onRestored = hook
	m.mu.Unlock()
}

func (m *ContinuityManager) handleMutation(snap PersistedSnapshot, hasTrack bool) {
	if m.session != nil && m.session.Session() == nil {
		return
	}

	if !hasTrack {
		// No selection left to come back to.
		if err := m.snapshots.ClearAll(); err != nil {
			m.logger.Debug("Failed to clear playback snapshots", zap.Error(err))
		}
		return
	}

	m.save(&snap)
}

func (m *ContinuityManager) save(snap *PersistedSnapshot) {
	if err := m.snapshots.Save(snap); err != nil {
		m.logger.Warn("Failed to persist playback snapshot",
			zap.String("trackID", snap.Track.ID),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	hook := m.onSaved
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Restore loads the freshest snapshot within the configured maximum age and
// rehydrates the intent store from it. Stale or absent snapshots leave the
// store untouched. Playback is only re-asserted when resume is true.
func (m *ContinuityManager) Restore(ctx context.Context, resume bool) bool {
	if m.session != nil && m.session.Session() == nil {
		m.logger.Debug("No session, skipping playback restore")
		return false
	}

	snap, err := m.snapshots.LoadFreshestWithin(m.maxAge)
	if err != nil {
		m.logger.Warn("Failed to load playback snapshot", zap.Error(err))
		return false
	}
	if snap == nil || snap.Track == nil {
		m.logger.Debug("No playback snapshot to restore")
		return false
	}

	m.store.RestoreSnapshot(ctx, snap, resume)

	m.mu.Lock()
	// A snapshot restored paused keeps its saved play intent pending; the
	// next Resume call re-asserts it.
	m.pendingIntent = !resume && snap.PlayIntent
	hook := m.onRestored
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	return true
}

// Suspend eagerly persists the current intent, remembers whether playback
// was active and pauses the device. Safe to call repeatedly.
func (m *ContinuityManager) Suspend(ctx context.Context) {
	m.mu.Lock()
	if m.suspended {
		m.mu.Unlock()
		return
	}
	m.suspended = true
	m.pendingIntent = false
	m.mu.Unlock()

	snap, hasTrack := m.store.Snapshot()
	playing := snap.PlayIntent

	m.mu.Lock()
	m.wasPlaying = playing
	m.mu.Unlock()

	if hasTrack && (m.session == nil || m.session.Session() != nil) {
		m.save(&snap)
	}

	if playing {
		m.store.TogglePlay(ctx)
	}

	m.logger.Info("Playback suspended", zap.Bool("wasPlaying", playing))
}

// Resume lifts a suspension, re-asserting playback after a settle delay when
// it was active at suspend time. It also re-asserts a play intent that a
// paused restore left pending, so a freshly restarted process resumes here.
func (m *ContinuityManager) Resume(ctx context.Context) {
	m.mu.Lock()
	wasSuspended := m.suspended
	reassert := m.wasPlaying || m.pendingIntent
	m.suspended = false
	m.wasPlaying = false
	m.pendingIntent = false
	m.mu.Unlock()

	if !wasSuspended && !reassert {
		return
	}

	m.logger.Info("Playback resumed", zap.Bool("reasserting", reassert))

	if !reassert {
		return
	}

	// The device needs a moment to become addressable again after a long
	// suspension before play can be re-asserted.
	time.Sleep(m.resumeSettle)

	if !m.store.PlayIntent() {
		m.store.TogglePlay(ctx)
	}
}

// Suspended reports whether playback is currently suspended.
func (m *ContinuityManager) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// Forget drops all persisted snapshots; called on sign-out and on
// unrecoverable authentication errors.
func (m *ContinuityManager) Forget() {
	if err := m.snapshots.ClearAll(); err != nil {
		m.logger.Warn("Failed to clear playback snapshots", zap.Error(err))
		return
	}
	m.logger.Debug("Cleared all playback snapshots")
}
