// Package device binds the playback intent to a concrete vendor playback
// device and feeds observed device state back into the core state machine.
package device

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tunedive/internal/core"
)

// Snapshot is the raw state a vendor API reports for the bound device.
type Snapshot struct {
	TrackID  string
	Position time.Duration
	Duration time.Duration
	Playing  bool
	DeviceID string
}

// VendorAPI is the slice of the vendor's playback surface the binding needs.
type VendorAPI interface {
	Authenticated() bool
	ActiveDevice(ctx context.Context) (*core.DeviceState, error)
	TransferPlayback(ctx context.Context, deviceID string, play bool) error
	StartPlayback(ctx context.Context, providerTrackID string) error
	PausePlayback(ctx context.Context) error
	ResumePlayback(ctx context.Context) error
	SeekPlayback(ctx context.Context, position time.Duration) error
	SetDeviceVolume(ctx context.Context, volume float64) error
	PlayerSnapshot(ctx context.Context) (*Snapshot, error)
	RecentTrackIDs(ctx context.Context, limit int) ([]string, error)
}

// Binding implements core.DevicePort against a VendorAPI. It owns the device
// lifecycle: activation, the state poll loop, command retries and the volume
// debounce. All device I/O flows through here.
type Binding struct {
	api    VendorAPI
	config core.PlayerConfig
	logger *zap.Logger

	mu                sync.Mutex
	ready             bool
	deviceID          string
	lastVolume        float64
	volumeTimer       *time.Timer
	lastStartedTrack  string
	lastObservedTrack string
	previousTracks    []string
	recentIDs         []string
	stateHandlers     []func(core.StateEvent)
	errorHandlers     []func(error)
}

func NewBinding(api VendorAPI, config core.PlayerConfig, logger *zap.Logger) *Binding {
	return &Binding{
		api:        api,
		config:     config,
		logger:     logger,
		lastVolume: 1.0,
	}
}

// SetStateHandler registers a consumer of observed device state. Handlers
// are invoked in registration order on every poll tick.
func (b *Binding) SetStateHandler(handler func(core.StateEvent)) {
	b.mu.Lock()
	b.stateHandlers = append(b.stateHandlers, handler)
	b.mu.Unlock()
}

// SetErrorHandler registers a consumer of device errors.
func (b *Binding) SetErrorHandler(handler func(error)) {
	b.mu.Lock()
	b.errorHandlers = append(b.errorHandlers, handler)
	b.mu.Unlock()
}

// Initialize binds to the account's active device. Safe to call repeatedly:
// an existing binding is dropped first. A missing access token is reported
// through the error handlers rather than returned, so callers can treat
// initialization as fire-and-forget.
func (b *Binding) Initialize(ctx context.Context, accessToken string) {
	b.Disconnect()

	if accessToken == "" {
		b.reportError(core.NewError(core.ErrKindAuthentication, "no access token for device binding"))
		return
	}

	if !b.api.Authenticated() {
		b.reportError(core.NewError(core.ErrKindAuthentication, "vendor client not authenticated"))
		return
	}

	device, err := b.api.ActiveDevice(ctx)
	if err != nil {
		b.reportError(core.WrapError(core.ErrKindInitialization, "failed to enumerate playback devices", err))
		return
	}
	if device == nil {
		b.logger.Warn("No active playback device found")
		b.mu.Lock()
		b.deviceID = ""
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	b.ready = true
	b.deviceID = device.ID
	volume := b.lastVolume
	b.mu.Unlock()

	b.logger.Info("Bound to playback device",
		zap.String("deviceID", device.ID),
		zap.String("name", device.Name))

	// Carry the last requested volume over to the fresh binding.
	if err := b.api.SetDeviceVolume(ctx, volume); err != nil {
		b.logger.Debug("Failed to apply volume to fresh device binding", zap.Error(err))
	}
}

// Transfer moves playback to the named device and rebinds to it.
func (b *Binding) Transfer(ctx context.Context, deviceID string, play bool) error {
	if err := b.api.TransferPlayback(ctx, deviceID, play); err != nil {
		return core.WrapError(core.KindOf(err), "failed to transfer playback", err)
	}

	b.mu.Lock()
	b.ready = true
	b.deviceID = deviceID
	b.mu.Unlock()

	b.logger.Info("Transferred playback", zap.String("deviceID", deviceID))
	return nil
}

// StartTrack quiesces any current playback, then starts the given track from
// the beginning. Retries transient failures with capped backoff.
func (b *Binding) StartTrack(ctx context.Context, providerTrackID string) error {
	if !b.Ready() {
		return core.NewError(core.ErrKindInitialization, "device binding not ready")
	}

	b.quiesce(ctx)

	err := b.withRetry(ctx, "start playback", func() error {
		return b.api.StartPlayback(ctx, providerTrackID)
	})
	if err != nil {
		wrapped := b.classifyStartError(providerTrackID, err)
		b.reportError(wrapped)
		return wrapped
	}

	b.mu.Lock()
	b.lastStartedTrack = providerTrackID
	b.mu.Unlock()

	b.logger.Debug("Started track on device", zap.String("trackID", providerTrackID))
	return nil
}

// quiesce pauses the device until it reports not-playing, bounded by the
// configured attempt limit. Starting a track over active playback makes
// some devices briefly report the old track at position zero.
func (b *Binding) quiesce(ctx context.Context) {
	for attempt := 0; attempt < b.config.QuiescenceAttempts; attempt++ {
		snap, err := b.api.PlayerSnapshot(ctx)
		if err != nil || snap == nil || !snap.Playing {
			return
		}

		if err := b.api.PausePlayback(ctx); err != nil {
			b.logger.Debug("Quiescence pause failed", zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.config.QuiescenceDelay()):
		}
	}
}

func (b *Binding) classifyStartError(providerTrackID string, err error) error {
	switch core.KindOf(err) {
	case core.ErrKindAccount:
		return core.WrapError(core.ErrKindAccount, "playback requires a premium account", err)
	case core.ErrKindAuthentication:
		return core.WrapError(core.ErrKindAuthentication, "device authentication expired", err)
	case core.ErrKindRateLimit:
		return core.WrapError(core.ErrKindRateLimit, "playback rate limited", err)
	case core.ErrKindNetwork:
		return core.WrapError(core.ErrKindNetwork, "device unreachable", err)
	default:
		return core.WrapError(core.ErrKindPlayback, "track "+providerTrackID+" is not playable", err)
	}
}

// TogglePlayPause resumes or pauses playback. On resume it first checks that
// the device is still on the expected track; a desynced device gets a full
// restart instead of a bare resume. When nothing has been started on this
// binding yet, a bare resume would hit the device's "no list was loaded"
// failure, so the expected track is started instead.
func (b *Binding) TogglePlayPause(ctx context.Context, resume bool, expectedTrackID string) error {
	if !b.Ready() {
		return core.NewError(core.ErrKindInitialization, "device binding not ready")
	}

	if !resume {
		if err := b.withRetry(ctx, "pause playback", b.pause(ctx)); err != nil {
			b.reportError(err)
			return err
		}
		return nil
	}

	b.mu.Lock()
	started := b.lastStartedTrack
	b.mu.Unlock()

	expected := expectedTrackID
	if expected == "" {
		expected = started
	}

	if started == "" && expected != "" {
		b.logger.Info("Resume without a started track, starting expected track",
			zap.String("trackID", expected))
		return b.StartTrack(ctx, expected)
	}

	if expected != "" {
		snap, err := b.api.PlayerSnapshot(ctx)
		if err == nil && snap != nil && snap.TrackID != "" && snap.TrackID != expected {
			b.logger.Warn("Device desynced on resume, restarting expected track",
				zap.String("expected", expected),
				zap.String("actual", snap.TrackID))
			return b.StartTrack(ctx, expected)
		}
	}

	if err := b.withRetry(ctx, "resume playback", func() error {
		return b.api.ResumePlayback(ctx)
	}); err != nil {
		b.reportError(err)
		return err
	}
	return nil
}

func (b *Binding) pause(ctx context.Context) func() error {
	return func() error {
		return b.api.PausePlayback(ctx)
	}
}

// Seek moves the device playhead.
func (b *Binding) Seek(ctx context.Context, position time.Duration) error {
	if !b.Ready() {
		return core.NewError(core.ErrKindInitialization, "device binding not ready")
	}

	if err := b.withRetry(ctx, "seek playback", func() error {
		return b.api.SeekPlayback(ctx, position)
	}); err != nil {
		b.reportError(err)
		return err
	}
	return nil
}

// SetVolume debounces rapid volume changes with a trailing-edge timer so
// slider drags collapse into a single device command.
func (b *Binding) SetVolume(volume float64) error {
	b.mu.Lock()
	b.lastVolume = volume
	if b.volumeTimer != nil {
		b.volumeTimer.Stop()
	}
	b.volumeTimer = time.AfterFunc(b.config.VolumeDebounce(), func() {
		b.mu.Lock()
		target := b.lastVolume
		ready := b.ready
		b.mu.Unlock()
		if !ready {
			return
		}
		if err := b.api.SetDeviceVolume(context.Background(), target); err != nil {
			b.logger.Debug("Failed to set device volume", zap.Error(err))
		}
	})
	b.mu.Unlock()
	return nil
}

// Disconnect drops the device binding and cancels pending debounced work.
func (b *Binding) Disconnect() {
	b.mu.Lock()
	b.ready = false
	b.deviceID = ""
	b.lastStartedTrack = ""
	if b.volumeTimer != nil {
		b.volumeTimer.Stop()
		b.volumeTimer = nil
	}
	b.mu.Unlock()
}

// Ready reports whether the binding is attached to a usable device.
func (b *Binding) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// DeviceID returns the bound device's identifier, if any.
func (b *Binding) DeviceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deviceID
}

// Run polls the device state at the configured interval and fans observed
// events out to the registered state handlers until the context ends.
func (b *Binding) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.config.PollInterval())
	defer ticker.Stop()

	b.logger.Info("Device poll loop started",
		zap.Duration("interval", b.config.PollInterval()))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Device poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			b.pollOnce(ctx)
		}
	}
}

// pollOnce fetches one device snapshot and dispatches it.
func (b *Binding) pollOnce(ctx context.Context) {
	if !b.Ready() {
		return
	}

	snap, err := b.api.PlayerSnapshot(ctx)
	if err != nil {
		b.logger.Debug("Device state poll failed", zap.Error(err))
		if core.RequiresReauth(err) {
			b.reportError(err)
		}
		return
	}
	if snap == nil || snap.TrackID == "" {
		return
	}

	ev := b.buildEvent(ctx, snap)

	b.mu.Lock()
	handlers := append([]func(core.StateEvent){}, b.stateHandlers...)
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(ev)
	}
}

// buildEvent assembles the state event, maintaining the previous-tracks
// window. The window is the locally observed track history, topped up from
// the vendor's recently-played feed when a track boundary is suspected.
func (b *Binding) buildEvent(ctx context.Context, snap *Snapshot) core.StateEvent {
	b.mu.Lock()
	boundary := snap.Position == 0 ||
		(b.lastObservedTrack != "" && snap.TrackID != b.lastObservedTrack)

	if b.lastObservedTrack != "" && snap.TrackID != b.lastObservedTrack {
		b.previousTracks = appendBounded(b.previousTracks, b.lastObservedTrack, b.config.PreviousTracksWindowSize)
	}
	b.lastObservedTrack = snap.TrackID
	window := append([]string(nil), b.previousTracks...)
	recent := b.recentIDs
	b.mu.Unlock()

	if boundary {
		if ids, err := b.api.RecentTrackIDs(ctx, b.config.PreviousTracksWindowSize); err == nil {
			recent = ids
			b.mu.Lock()
			b.recentIDs = ids
			b.mu.Unlock()
		}
	}

	return core.StateEvent{
		TrackID:          snap.TrackID,
		Position:         snap.Position,
		Duration:         snap.Duration,
		Paused:           !snap.Playing,
		PreviousTrackIDs: mergeTrackIDs(window, recent),
	}
}

// withRetry runs op, retrying transient failures with doubling backoff.
func (b *Binding) withRetry(ctx context.Context, what string, op func() error) error {
	delay := b.config.RetryDelay()

	var err error
	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			b.logger.Debug("Retrying device command",
				zap.String("command", what),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err = op()
		if err == nil {
			return nil
		}
		if !core.Retryable(err) {
			return err
		}
	}

	return core.WrapError(core.KindOf(err), "device command exhausted retries: "+what, err)
}

func (b *Binding) reportError(err error) {
	b.mu.Lock()
	handlers := append([]func(error){}, b.errorHandlers...)
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(err)
	}
}

func appendBounded(window []string, trackID string, limit int) []string {
	if limit <= 0 {
		return window
	}
	window = append(window, trackID)
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window
}

func mergeTrackIDs(a, b []string) []string {
	merged := append([]string(nil), a...)
	for _, id := range b {
		found := false
		for _, existing := range merged {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, id)
		}
	}
	return merged
}
