package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Playback Intent Store
// The single source of truth for "what should be playing": current track,
// index, ordered queue, play/pause intent, volume, position and duration.
// Only this store mutates that state; the device layer and the continuity
// manager read it or submit requests through its operations.

// MutationObserver is notified after every intent mutation. The snapshot is
// nil-tracked: hasTrack is false when no track is selected.
type MutationObserver func(snapshot PersistedSnapshot, hasTrack bool)

// IntentStore owns the PlaybackIntent for the lifetime of the process.
type IntentStore struct {
	device   DevicePort
	detector *Detector
	history  HistoryTracker
	session  SessionProvider
	logger   *zap.Logger

	settleDelay time.Duration

	mu              sync.Mutex
	queue           []Track
	queueSource     string
	currentIndex    int
	currentTrack    *Track
	playIntent      bool
	position        time.Duration
	duration        time.Duration
	volume          float64
	muted           bool
	phase           PlaybackPhase
	onPageEnd       func()
	trackingActive  bool
	deviceStarted   bool
	selectionSeq    uint64
	observers       []MutationObserver
	lastDeviceError error
	advanceHook     func()
}

// NewIntentStore wires the store to its collaborators. Passing a nil history
// tracker or session provider disables the corresponding behavior.
func NewIntentStore(
	device DevicePort,
	detector *Detector,
	history HistoryTracker,
	session SessionProvider,
	settleDelay time.Duration,
	logger *zap.Logger,
) *IntentStore {
	s := &IntentStore{
		device:       device,
		detector:     detector,
		history:      history,
		session:      session,
		settleDelay:  settleDelay,
		logger:       logger,
		currentIndex: -1,
		volume:       1.0,
		phase:        PhaseIdle,
	}

	detector.SetAdvanceHandler(s.handleAdvance)
	detector.SetRecoverHandler(s.handleRecover)
	device.SetErrorHandler(s.handleDeviceError)

	return s
}

// SetAdvanceHook registers a callback invoked on every automatic track
// advance; used for metrics.
func (s *IntentStore) SetAdvanceHook(hook func()) {
	s.mu.Lock()
	s.advanceHook = hook
	s.mu.Unlock()
}

// OnMutation registers an observer notified after each intent mutation.
func (s *IntentStore) OnMutation(observer MutationObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, observer)
	s.mu.Unlock()
}

// PlayTrack selects a track within (or replacing) the active queue and asks
// the device to start it. The most recent call always wins: stale device
// command completions for earlier selections are detected by the expected
// track id and never overwrite current state.
func (s *IntentStore) PlayTrack(ctx context.Context, track Track, index int, queue []Track, queueSource string, onPageEnd func()) {
	s.mu.Lock()

	if queueSource != s.queueSource {
		s.logger.Debug("Queue source changed, replacing queue",
			zap.String("oldSource", s.queueSource),
			zap.String("newSource", queueSource),
			zap.Int("queueLength", len(queue)))

		s.queue = append([]Track(nil), queue...)
		s.queueSource = queueSource
		s.currentIndex = -1
		s.position = 0
		s.duration = 0
	} else if s.currentTrack != nil && s.currentTrack.ID == track.ID {
		// Same track re-selected within the same browsing context.
		s.mu.Unlock()
		return
	} else {
		s.queue = append([]Track(nil), queue...)
	}

	// Clear the previous slot before committing the new one so observers
	// never see the old track's metadata alongside the new device command.
	s.clearCurrentLocked()
	s.phase = PhaseSelecting

	committed := track
	s.currentTrack = &committed
	s.currentIndex = index
	s.playIntent = true
	s.position = 0
	s.onPageEnd = onPageEnd
	s.phase = PhaseStarting
	s.selectionSeq++
	seq := s.selectionSeq

	s.detector.Expect(track.ProviderTrackID)
	s.notifyLocked()
	s.mu.Unlock()

	s.startCommitted(ctx, committed, queueSource, seq)
}

// startCommitted issues the device command and begins history tracking for a
// committed selection. Stale completions are dropped by the sequence check.
func (s *IntentStore) startCommitted(ctx context.Context, track Track, queueSource string, seq uint64) {
	if !track.Streamable() {
		s.logger.Warn("Track has no provider id, not streamable",
			zap.String("trackID", track.ID),
			zap.String("title", track.Title))
		return
	}

	s.mu.Lock()
	s.deviceStarted = true
	s.mu.Unlock()

	go func() {
		if err := s.device.StartTrack(ctx, track.ProviderTrackID); err != nil {
			s.mu.Lock()
			stale := seq != s.selectionSeq
			s.mu.Unlock()
			if stale {
				s.logger.Debug("Ignoring failure of superseded device command",
					zap.String("trackID", track.ID))
				return
			}
			s.logger.Warn("Device failed to start track",
				zap.String("trackID", track.ID),
				zap.Error(err))
			return
		}

		s.beginTracking(ctx, track, queueSource, seq)
	}()
}

func (s *IntentStore) beginTracking(ctx context.Context, track Track, sourceLabel string, seq uint64) {
	if s.history == nil {
		return
	}

	s.mu.Lock()
	if seq != s.selectionSeq {
		s.mu.Unlock()
		return
	}
	if s.trackingActive {
		s.mu.Unlock()
		return
	}
	s.trackingActive = true
	s.mu.Unlock()

	if err := s.history.StartTracking(ctx, &track, track.ID, sourceLabel); err != nil {
		s.logger.Warn("Failed to start history tracking",
			zap.String("trackID", track.ID),
			zap.Error(err))
	}
}

func (s *IntentStore) endTracking(ctx context.Context, completed bool) {
	if s.history == nil {
		return
	}

	s.mu.Lock()
	active := s.trackingActive
	s.trackingActive = false
	s.mu.Unlock()

	if !active {
		return
	}

	if err := s.history.StopTracking(ctx, completed); err != nil {
		s.logger.Warn("Failed to stop history tracking", zap.Error(err))
	}
}

// TogglePlay flips the play intent and mirrors it to the device. No-op when
// no track is selected or when the current track has been removed from the
// active queue mid-session.
func (s *IntentStore) TogglePlay(ctx context.Context) {
	s.mu.Lock()

	if s.currentTrack == nil {
		s.mu.Unlock()
		return
	}

	if indexOfTrack(s.queue, s.currentTrack.ID) == -1 {
		s.logger.Debug("Current track no longer in queue, ignoring toggle",
			zap.String("trackID", s.currentTrack.ID))
		s.mu.Unlock()
		return
	}

	s.playIntent = !s.playIntent
	resume := s.playIntent

	// Resuming a selection the device never started (a snapshot restored
	// paused) is a fresh start, not a bare resume.
	if resume && !s.deviceStarted {
		track := *s.currentTrack
		source := s.queueSource
		s.phase = PhaseStarting
		s.position = 0
		s.selectionSeq++
		seq := s.selectionSeq

		s.detector.Expect(track.ProviderTrackID)
		s.notifyLocked()
		s.mu.Unlock()

		s.startCommitted(ctx, track, source, seq)
		return
	}

	if resume {
		s.phase = PhasePlaying
	} else {
		s.phase = PhasePaused
	}
	expected := s.currentTrack.ProviderTrackID
	s.notifyLocked()
	s.mu.Unlock()

	if !resume {
		s.endTracking(ctx, false)
	}

	go func() {
		if err := s.device.TogglePlayPause(ctx, resume, expected); err != nil {
			s.logger.Warn("Device toggle failed", zap.Error(err))
		}
	}()
}

// PlayNext advances to the next queued track. At the end of the queue it
// invokes the registered page-end callback, if any, and leaves local state
// untouched so the hosting page can enqueue the next results page.
func (s *IntentStore) PlayNext(ctx context.Context) {
	s.mu.Lock()

	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}

	next := s.resolveNextIndexLocked()
	if next >= len(s.queue) {
		onPageEnd := s.onPageEnd
		s.mu.Unlock()

		s.logger.Debug("Queue exhausted going forward")
		if onPageEnd != nil {
			onPageEnd()
		}
		return
	}

	track := s.queue[next]
	source := s.queueSource
	s.mu.Unlock()

	s.endTracking(ctx, false)

	// Settle delay lets the previous track's teardown complete before the
	// next device command goes out.
	time.Sleep(s.settleDelay)

	s.selectTrack(ctx, track, next, source)
}

// PlayPrevious selects the previous track, wrapping to the last track when
// already at the head of the queue.
func (s *IntentStore) PlayPrevious(ctx context.Context) {
	s.mu.Lock()

	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}

	prev := s.resolveCurrentIndexLocked() - 1
	if prev < 0 {
		prev = len(s.queue) - 1
	}

	track := s.queue[prev]
	source := s.queueSource
	s.mu.Unlock()

	s.endTracking(ctx, false)
	s.selectTrack(ctx, track, prev, source)
}

// selectTrack commits queue[index] as the current track and starts it.
func (s *IntentStore) selectTrack(ctx context.Context, track Track, index int, source string) {
	s.mu.Lock()

	s.clearCurrentLocked()
	s.phase = PhaseSelecting

	committed := track
	s.currentTrack = &committed
	s.currentIndex = index
	s.playIntent = true
	s.position = 0
	s.phase = PhaseStarting
	s.selectionSeq++
	seq := s.selectionSeq

	s.detector.Expect(track.ProviderTrackID)
	s.notifyLocked()
	s.mu.Unlock()

	s.startCommitted(ctx, committed, source, seq)
}

// SeekTo asks the device to seek and optimistically updates the position.
func (s *IntentStore) SeekTo(ctx context.Context, position time.Duration) {
	if position < 0 {
		position = 0
	}

	s.mu.Lock()
	if s.currentTrack == nil {
		s.mu.Unlock()
		return
	}
	s.position = position
	s.notifyLocked()
	s.mu.Unlock()

	s.detector.MarkSeeking()

	go func() {
		if err := s.device.Seek(ctx, position); err != nil {
			s.logger.Warn("Device seek failed", zap.Error(err))
		}
	}()
}

// SetVolume validates and stores the requested volume, mirroring it to the
// device. Out-of-range values are rejected without changing stored state.
func (s *IntentStore) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return NewError(ErrKindValidation, "volume must be within [0,1]")
	}

	s.mu.Lock()
	s.volume = volume
	s.muted = volume == 0
	s.notifyLocked()
	s.mu.Unlock()

	return s.device.SetVolume(volume)
}

// UpdatePlaybackState is the passive setter driven by the device layer's
// periodic polling. It never triggers advance logic.
func (s *IntentStore) UpdatePlaybackState(duration, position time.Duration) {
	s.mu.Lock()
	s.duration = duration
	s.position = position
	if s.phase == PhaseStarting && position > 0 {
		s.phase = PhasePlaying
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// Stop fully resets the intent to its initial empty state and pauses the
// device; used on sign-out and fatal auth errors.
func (s *IntentStore) Stop(ctx context.Context) {
	s.endTracking(ctx, false)

	s.mu.Lock()
	s.queue = nil
	s.queueSource = ""
	s.currentIndex = -1
	s.currentTrack = nil
	s.playIntent = false
	s.deviceStarted = false
	s.position = 0
	s.duration = 0
	s.onPageEnd = nil
	s.phase = PhaseIdle
	s.selectionSeq++
	s.notifyLocked()
	s.mu.Unlock()

	s.detector.ClearExpectation()

	go func() {
		if err := s.device.TogglePlayPause(ctx, false, ""); err != nil {
			s.logger.Debug("Device pause on stop failed", zap.Error(err))
		}
	}()
}

// RestoreSnapshot rehydrates the intent from a persisted snapshot. Playback
// is only re-asserted when resume is true (i.e. the surface is visible).
func (s *IntentStore) RestoreSnapshot(ctx context.Context, snap *PersistedSnapshot, resume bool) {
	if snap == nil || snap.Track == nil {
		return
	}

	s.mu.Lock()
	restored := *snap.Track
	s.queueSource = snap.QueueSource
	// The snapshot carries only the current track; seed a one-track queue
	// so toggle and previous/next stay operable until the hosting page
	// re-submits the full queue.
	s.queue = []Track{restored}
	s.currentTrack = &restored
	s.currentIndex = snap.Index
	s.deviceStarted = false
	s.volume = snap.Volume
	s.muted = snap.Muted
	s.position = snap.Position
	s.playIntent = resume && snap.PlayIntent
	if s.playIntent {
		s.phase = PhaseStarting
	} else {
		s.phase = PhasePaused
	}
	s.selectionSeq++
	seq := s.selectionSeq
	start := s.playIntent
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info("Restored playback snapshot",
		zap.String("trackID", restored.ID),
		zap.String("queueSource", snap.QueueSource),
		zap.Bool("resume", start))

	if start && restored.Streamable() {
		s.detector.Expect(restored.ProviderTrackID)
		s.startCommitted(ctx, restored, snap.QueueSource, seq)
	}
}

// SetQueue replaces the queue without changing the current selection; used
// by hosting pages that loaded another results page after a page-end signal.
func (s *IntentStore) SetQueue(queue []Track, queueSource string) {
	s.mu.Lock()
	s.queue = append([]Track(nil), queue...)
	s.queueSource = queueSource
	s.notifyLocked()
	s.mu.Unlock()
}

// handleAdvance reacts to the track-end detector's advance signal.
func (s *IntentStore) handleAdvance(finishedTrackID string) {
	s.logger.Info("Advance signal received",
		zap.String("finishedTrackID", finishedTrackID))

	ctx := context.Background()

	s.mu.Lock()
	s.phase = PhaseEnded
	hook := s.advanceHook
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	s.endTracking(ctx, true)
	s.PlayNext(ctx)
}

// handleRecover reacts to a detected desync by forcibly restarting the
// expected track on the device.
func (s *IntentStore) handleRecover(expectedTrackID string) {
	ctx := context.Background()

	s.mu.Lock()
	current := s.currentTrack
	s.mu.Unlock()

	if current == nil || current.ProviderTrackID != expectedTrackID {
		// A newer selection superseded the desynced one already.
		return
	}

	s.detector.Expect(expectedTrackID)

	go func() {
		if err := s.device.StartTrack(ctx, expectedTrackID); err != nil {
			s.logger.Warn("Desync recovery restart failed",
				zap.String("trackID", expectedTrackID),
				zap.Error(err))
		}
	}()
}

// handleDeviceError records the latest typed device error for surfaces to
// read; unrecoverable auth errors also come through here.
func (s *IntentStore) handleDeviceError(err error) {
	s.mu.Lock()
	s.lastDeviceError = err
	s.mu.Unlock()

	s.logger.Warn("Device reported error",
		zap.String("kind", KindOf(err).String()),
		zap.Error(err))
}

// LastDeviceError returns the most recent device-reported error, if any.
func (s *IntentStore) LastDeviceError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDeviceError
}

// Snapshot returns the persistable view of the current intent plus whether a
// track is selected.
func (s *IntentStore) Snapshot() (PersistedSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// CurrentTrack returns a copy of the current track, or nil.
func (s *IntentStore) CurrentTrack() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentTrack == nil {
		return nil
	}
	track := *s.currentTrack
	return &track
}

// CurrentIndex returns the index of the current track, or -1.
func (s *IntentStore) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIndex
}

// QueueLength returns the length of the active queue.
func (s *IntentStore) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// QueueSource returns the opaque identifier of the active queue's origin.
func (s *IntentStore) QueueSource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueSource
}

// PlayIntent reports whether playback is currently requested.
func (s *IntentStore) PlayIntent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playIntent
}

// Phase returns the current slot phase.
func (s *IntentStore) Phase() PlaybackPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Volume returns the last requested volume.
func (s *IntentStore) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Progress returns the last known position and duration.
func (s *IntentStore) Progress() (position, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, s.duration
}

// resolveNextIndexLocked resolves the index after the current track, falling
// back to locating the current track by id when the stored index is stale.
func (s *IntentStore) resolveNextIndexLocked() int {
	if s.currentTrack == nil {
		return 0
	}
	return s.resolveCurrentIndexLocked() + 1
}

// resolveCurrentIndexLocked returns the queue index of the current track,
// preferring the stored index when it still matches.
func (s *IntentStore) resolveCurrentIndexLocked() int {
	if s.currentTrack == nil {
		return 0
	}

	if s.currentIndex >= 0 && s.currentIndex < len(s.queue) &&
		s.queue[s.currentIndex].ID == s.currentTrack.ID {
		return s.currentIndex
	}

	if located := indexOfTrack(s.queue, s.currentTrack.ID); located != -1 {
		return located
	}

	return s.currentIndex
}

func (s *IntentStore) clearCurrentLocked() {
	s.currentTrack = nil
	s.playIntent = false
	s.deviceStarted = false
}

func (s *IntentStore) snapshotLocked() (PersistedSnapshot, bool) {
	snap := PersistedSnapshot{
		Index:       s.currentIndex,
		PlayIntent:  s.playIntent,
		Position:    s.position,
		Volume:      s.volume,
		Muted:       s.muted,
		QueueSource: s.queueSource,
		Timestamp:   time.Now(),
	}

	if s.currentTrack == nil {
		return snap, false
	}

	track := *s.currentTrack
	snap.Track = &track
	return snap, true
}

// notifyLocked informs observers; must be called with the lock held.
func (s *IntentStore) notifyLocked() {
	if len(s.observers) == 0 {
		return
	}

	snap, hasTrack := s.snapshotLocked()
	for _, observer := range s.observers {
		observer(snap, hasTrack)
	}
}

func indexOfTrack(queue []Track, trackID string) int {
	for i := range queue {
		if queue[i].ID == trackID {
			return i
		}
	}
	return -1
}
