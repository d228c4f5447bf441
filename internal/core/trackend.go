package core

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Track-End Detection
// This module decides, from a stream of device-reported playback states,
// whether the currently expected track has naturally finished. It must emit
// the advance signal exactly once per completion while rejecting the false
// positives produced by seeking, pausing, and track-switch races.

const (
	// desyncPositionFloor is the minimum observed progress before a reported
	// track mismatch is treated as completion or desync rather than startup noise
	desyncPositionFloor = 1000 * time.Millisecond
	// completionPositionFloor tolerates minor position jitter around zero
	completionPositionFloor = 50 * time.Millisecond
)

// Detector consumes StateEvents and emits advance/recover signals.
// The advance callback fires when the expected track finished naturally; the
// recover callback fires when the device is found playing something else and
// the expected track should be forcibly restarted.
type Detector struct {
	logger *zap.Logger

	mu                sync.Mutex
	expectedTrackID   string
	lastKnownPosition time.Duration
	protectionUntil   time.Time
	seekingUntil      time.Time

	protectionWindow time.Duration
	seekWindow       time.Duration

	onAdvance func(finishedTrackID string)
	onRecover func(expectedTrackID string)

	now func() time.Time
}

// NewDetector creates a detector with the given protection and seek windows.
func NewDetector(protectionWindow, seekWindow time.Duration, logger *zap.Logger) *Detector {
	return &Detector{
		logger:           logger,
		protectionWindow: protectionWindow,
		seekWindow:       seekWindow,
		now:              time.Now,
	}
}

// SetAdvanceHandler registers the advance signal consumer.
func (d *Detector) SetAdvanceHandler(handler func(finishedTrackID string)) {
	d.mu.Lock()
	d.onAdvance = handler
	d.mu.Unlock()
}

// SetRecoverHandler registers the desync recovery consumer.
func (d *Detector) SetRecoverHandler(handler func(expectedTrackID string)) {
	d.mu.Lock()
	d.onRecover = handler
	d.mu.Unlock()
}

// Expect arms the detector for a freshly selected track. Rapid re-selection
// always resets the protection window to the most recent selection.
func (d *Detector) Expect(providerTrackID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.expectedTrackID = providerTrackID
	d.lastKnownPosition = 0
	d.protectionUntil = d.now().Add(d.protectionWindow)

	d.logger.Debug("Detector armed for track",
		zap.String("trackID", providerTrackID),
		zap.Duration("protectionWindow", d.protectionWindow))
}

// ClearExpectation disarms the detector, e.g. on stop or sign-out.
func (d *Detector) ClearExpectation() {
	d.mu.Lock()
	d.expectedTrackID = ""
	d.lastKnownPosition = 0
	d.mu.Unlock()
}

// MarkSeeking opens the short window during which position resets are
// ignored. Always re-arms from now; the previous window is discarded.
func (d *Detector) MarkSeeking() {
	d.mu.Lock()
	d.seekingUntil = d.now().Add(d.seekWindow)
	d.mu.Unlock()
}

// ExpectedTrackID returns the currently armed track id, or "" when disarmed.
func (d *Detector) ExpectedTrackID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expectedTrackID
}

// Observe evaluates one device state event against the decision policy.
// Rules are evaluated in order; the first that matches wins.
func (d *Detector) Observe(ev StateEvent) {
	d.mu.Lock()

	if d.expectedTrackID == "" {
		d.mu.Unlock()
		return
	}

	now := d.now()

	// Rule 1: protection window or seek window active. The event is ignored
	// except that the position is still tracked.
	if now.Before(d.protectionUntil) || now.Before(d.seekingUntil) {
		d.lastKnownPosition = ev.Position
		d.mu.Unlock()
		return
	}

	expected := d.expectedTrackID
	inPreviousWindow := containsTrackID(ev.PreviousTrackIDs, expected)

	// Rule 2: the expected track already finished before this event arrived.
	if expected != ev.TrackID && inPreviousWindow && d.lastKnownPosition > desyncPositionFloor {
		d.signalAdvanceLocked(expected, "finished before event arrived", ev)
		return
	}

	// Rule 3: something else is playing and the expected track never
	// finished. Not a completion; request a forced restart instead.
	if expected != ev.TrackID && !inPreviousWindow && d.lastKnownPosition > desyncPositionFloor {
		onRecover := d.onRecover
		d.mu.Unlock()

		d.logger.Warn("Device playing unexpected track, requesting restart",
			zap.String("expectedTrackID", expected),
			zap.String("reportedTrackID", ev.TrackID))

		if onRecover != nil {
			onRecover(expected)
		}
		return
	}

	// Rule 4: natural completion. The position snapped back to zero after
	// real progress and the track entered the device's previous window.
	// Same-track loop replays land here too and count as completions.
	if ev.Position == 0 && d.lastKnownPosition > completionPositionFloor && inPreviousWindow {
		d.signalAdvanceLocked(expected, "position reset after progress", ev)
		return
	}

	// Rule 5: ordinary progress update.
	d.lastKnownPosition = ev.Position
	d.mu.Unlock()
}

// signalAdvanceLocked clears the expectation before invoking the callback so
// a burst of stale events for the finished track cannot re-trigger it.
// The caller must hold d.mu; the lock is released here.
func (d *Detector) signalAdvanceLocked(finishedTrackID, reason string, ev StateEvent) {
	d.expectedTrackID = ""
	d.lastKnownPosition = 0
	onAdvance := d.onAdvance
	d.mu.Unlock()

	d.logger.Info("Track completion detected",
		zap.String("trackID", finishedTrackID),
		zap.String("reason", reason),
		zap.Duration("reportedPosition", ev.Position))

	if onAdvance != nil {
		onAdvance(finishedTrackID)
	}
}

func containsTrackID(ids []string, trackID string) bool {
	for _, id := range ids {
		if id == trackID {
			return true
		}
	}
	return false
}
