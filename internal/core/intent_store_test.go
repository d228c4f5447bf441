package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeDevice struct {
	mu           sync.Mutex
	started      []string
	startErr     error
	startDelays  map[string]time.Duration
	toggles      []bool
	seeks        []time.Duration
	volumes      []float64
	startSignal  chan string
	toggleSignal chan bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		startSignal:  make(chan string, 16),
		toggleSignal: make(chan bool, 16),
	}
}

func (d *fakeDevice) Initialize(ctx context.Context, accessToken string) {}

func (d *fakeDevice) StartTrack(ctx context.Context, providerTrackID string) error {
	d.mu.Lock()
	delay := d.startDelays[providerTrackID]
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	err := d.startErr
	if err == nil {
		d.started = append(d.started, providerTrackID)
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.startSignal <- providerTrackID
	return nil
}

func (d *fakeDevice) TogglePlayPause(ctx context.Context, resume bool, expectedTrackID string) error {
	d.mu.Lock()
	d.toggles = append(d.toggles, resume)
	d.mu.Unlock()
	d.toggleSignal <- resume
	return nil
}

func (d *fakeDevice) Seek(ctx context.Context, position time.Duration) error {
	d.mu.Lock()
	d.seeks = append(d.seeks, position)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) SetVolume(volume float64) error {
	d.mu.Lock()
	d.volumes = append(d.volumes, volume)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Disconnect()                            {}
func (d *fakeDevice) Ready() bool                            { return true }
func (d *fakeDevice) SetStateHandler(handler func(StateEvent)) {}
func (d *fakeDevice) SetErrorHandler(handler func(error))      {}

func (d *fakeDevice) startedTracks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.started...)
}

func (d *fakeDevice) waitStart(t *testing.T) string {
	t.Helper()
	select {
	case id := <-d.startSignal:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device start")
		return ""
	}
}

type fakeHistory struct {
	mu      sync.Mutex
	starts  []string
	stops   []bool
	signal  chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{signal: make(chan struct{}, 16)}
}

func (h *fakeHistory) StartTracking(ctx context.Context, track *Track, catalogID, sourceLabel string) error {
	h.mu.Lock()
	h.starts = append(h.starts, track.ID)
	h.mu.Unlock()
	h.signal <- struct{}{}
	return nil
}

func (h *fakeHistory) StopTracking(ctx context.Context, completed bool) error {
	h.mu.Lock()
	h.stops = append(h.stops, completed)
	h.mu.Unlock()
	return nil
}

type fakeSession struct {
	mu      sync.Mutex
	current *Session
}

func (s *fakeSession) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func testTrack(id string) Track {
	return Track{
		ID:              id,
		ProviderTrackID: "sp-" + id,
		Title:           "Title " + id,
		Artists:         []Artist{{Name: "Artist"}},
	}
}

func newTestIntentStore(device *fakeDevice, history HistoryTracker) *IntentStore {
	detector := NewDetector(0, 0, zap.NewNop())
	return NewIntentStore(device, detector, history, &fakeSession{}, 0, zap.NewNop())
}

func TestIntentStorePlayTrackCommitsAndStarts(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	queue := []Track{testTrack("a"), testTrack("b")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "search:rock", nil)

	if current := store.CurrentTrack(); current == nil || current.ID != "a" {
		t.Fatalf("expected current track a, got %+v", current)
	}
	if !store.PlayIntent() {
		t.Error("expected play intent after selection")
	}
	if store.QueueSource() != "search:rock" {
		t.Errorf("unexpected queue source %q", store.QueueSource())
	}

	if id := device.waitStart(t); id != "sp-a" {
		t.Errorf("expected device start for sp-a, got %q", id)
	}
}

func TestIntentStoreLastSelectionWinsOverSlowDevice(t *testing.T) {
	device := newFakeDevice()
	history := newFakeHistory()
	store := newTestIntentStore(device, history)
	device.startDelays = map[string]time.Duration{"sp-a": 150 * time.Millisecond}

	queue := []Track{testTrack("a"), testTrack("b")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	store.PlayTrack(context.Background(), queue[1], 1, queue, "album:1", nil)

	first := device.waitStart(t)
	second := device.waitStart(t)
	if first != "sp-b" || second != "sp-a" {
		t.Fatalf("expected delayed sp-a to land after sp-b, got %q then %q", first, second)
	}

	// The late confirmation for the superseded selection must not revert
	// the current track or open a history session.
	time.Sleep(250 * time.Millisecond)

	if current := store.CurrentTrack(); current == nil || current.ID != "b" {
		t.Fatalf("expected current track b, got %+v", current)
	}

	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.starts) != 1 || history.starts[0] != "b" {
		t.Errorf("expected only b to reach history, got %v", history.starts)
	}
}

func TestIntentStoreSameTrackReselectionIsNoop(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	queue := []Track{testTrack("a")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)

	// Give a would-be duplicate command time to surface.
	time.Sleep(50 * time.Millisecond)
	if starts := device.startedTracks(); len(starts) != 1 {
		t.Errorf("expected one device start, got %v", starts)
	}
}

func TestIntentStoreQueueSourceChangeReplacesQueue(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	first := []Track{testTrack("a"), testTrack("b")}
	store.PlayTrack(context.Background(), first[0], 0, first, "search:rock", nil)
	device.waitStart(t)

	second := []Track{testTrack("x"), testTrack("y"), testTrack("z")}
	store.PlayTrack(context.Background(), second[1], 1, second, "playlist:42", nil)
	device.waitStart(t)

	if store.QueueLength() != 3 {
		t.Errorf("expected replaced queue of length 3, got %d", store.QueueLength())
	}
	if current := store.CurrentTrack(); current == nil || current.ID != "y" {
		t.Errorf("expected current track y, got %+v", current)
	}
}

func TestIntentStoreTogglePlayWithoutTrackIsNoop(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	store.TogglePlay(context.Background())

	time.Sleep(50 * time.Millisecond)
	device.mu.Lock()
	toggles := len(device.toggles)
	device.mu.Unlock()
	if toggles != 0 {
		t.Errorf("expected no device toggles, got %d", toggles)
	}
}

func TestIntentStoreTogglePlayFlipsIntent(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	queue := []Track{testTrack("a")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	store.TogglePlay(context.Background())
	if store.PlayIntent() {
		t.Error("expected paused intent after toggle")
	}
	if store.Phase() != PhasePaused {
		t.Errorf("expected paused phase, got %v", store.Phase())
	}

	store.TogglePlay(context.Background())
	if !store.PlayIntent() {
		t.Error("expected playing intent after second toggle")
	}
}

func TestIntentStoreToggleIgnoredWhenTrackLeftQueue(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	queue := []Track{testTrack("a"), testTrack("b")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	store.SetQueue([]Track{testTrack("b")}, "album:1")

	store.TogglePlay(context.Background())
	if !store.PlayIntent() {
		t.Error("toggle must be ignored when current track left the queue")
	}
}

func TestIntentStorePlayNextAdvances(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	queue := []Track{testTrack("a"), testTrack("b"), testTrack("c")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	store.PlayNext(context.Background())
	if id := device.waitStart(t); id != "sp-b" {
		t.Errorf("expected device start for sp-b, got %q", id)
	}
	if current := store.CurrentTrack(); current == nil || current.ID != "b" {
		t.Errorf("expected current track b, got %+v", current)
	}
	if store.CurrentIndex() != 1 {
		t.Errorf("expected index 1, got %d", store.CurrentIndex())
	}
}

func TestIntentStorePlayNextExhaustionSignalsPageEnd(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	pageEnds := 0
	queue := []Track{testTrack("a"), testTrack("b")}
	store.PlayTrack(context.Background(), queue[1], 1, queue, "search:q", func() { pageEnds++ })
	device.waitStart(t)

	store.PlayNext(context.Background())

	if pageEnds != 1 {
		t.Fatalf("expected one page-end signal, got %d", pageEnds)
	}
	if current := store.CurrentTrack(); current == nil || current.ID != "b" {
		t.Errorf("exhaustion must not change the current track, got %+v", current)
	}
	if starts := device.startedTracks(); len(starts) != 1 {
		t.Errorf("exhaustion must not issue a device command, got %v", starts)
	}
}

func TestIntentStorePlayPreviousWrapsAround(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	queue := []Track{testTrack("a"), testTrack("b"), testTrack("c")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	store.PlayPrevious(context.Background())
	if id := device.waitStart(t); id != "sp-c" {
		t.Errorf("expected wrap-around start of sp-c, got %q", id)
	}
	if store.CurrentIndex() != 2 {
		t.Errorf("expected index 2 after wrap, got %d", store.CurrentIndex())
	}
}

func TestIntentStorePlayNextLocatesStaleIndexByID(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	queue := []Track{testTrack("a"), testTrack("b"), testTrack("c")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	// The hosting page reordered the queue; the stored index is stale.
	store.SetQueue([]Track{testTrack("b"), testTrack("a"), testTrack("c")}, "album:1")

	store.PlayNext(context.Background())
	if id := device.waitStart(t); id != "sp-c" {
		t.Errorf("expected next after relocated track a to be sp-c, got %q", id)
	}
}

func TestIntentStoreAdvanceOnTrackEnd(t *testing.T) {
	device := newFakeDevice()
	detector := NewDetector(0, 0, zap.NewNop())
	store := NewIntentStore(device, detector, nil, &fakeSession{}, 0, zap.NewNop())

	queue := []Track{testTrack("a"), testTrack("b")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	detector.Observe(StateEvent{TrackID: "sp-a", Position: 3 * time.Second})
	detector.Observe(StateEvent{TrackID: "sp-a", Position: 0, PreviousTrackIDs: []string{"sp-a"}})

	if id := device.waitStart(t); id != "sp-b" {
		t.Errorf("expected auto-advance to sp-b, got %q", id)
	}
	if current := store.CurrentTrack(); current == nil || current.ID != "b" {
		t.Errorf("expected current track b after advance, got %+v", current)
	}
}

func TestIntentStoreSetVolumeValidation(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	if err := store.SetVolume(1.5); err == nil {
		t.Fatal("expected validation error for out-of-range volume")
	} else if KindOf(err) != ErrKindValidation {
		t.Errorf("expected validation kind, got %v", KindOf(err))
	}
	if store.Volume() != 1.0 {
		t.Errorf("rejected volume must not be stored, got %f", store.Volume())
	}

	if err := store.SetVolume(0.4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Volume() != 0.4 {
		t.Errorf("expected stored volume 0.4, got %f", store.Volume())
	}
}

func TestIntentStoreStopResetsState(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	queue := []Track{testTrack("a")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	store.Stop(context.Background())

	if store.CurrentTrack() != nil {
		t.Error("expected no current track after stop")
	}
	if store.QueueLength() != 0 {
		t.Errorf("expected empty queue after stop, got %d", store.QueueLength())
	}
	if store.Phase() != PhaseIdle {
		t.Errorf("expected idle phase, got %v", store.Phase())
	}
}

func TestIntentStoreHistoryTrackingLifecycle(t *testing.T) {
	device := newFakeDevice()
	history := newFakeHistory()
	store := newTestIntentStore(device, history)

	queue := []Track{testTrack("a"), testTrack("b")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	select {
	case <-history.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for history start")
	}

	store.TogglePlay(context.Background())

	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.starts) != 1 || history.starts[0] != "a" {
		t.Errorf("expected one history start for a, got %v", history.starts)
	}
	if len(history.stops) != 1 || history.stops[0] {
		t.Errorf("expected one non-completed history stop, got %v", history.stops)
	}
}

func TestIntentStoreMutationObserver(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	var mu sync.Mutex
	var last PersistedSnapshot
	var lastHasTrack bool
	store.OnMutation(func(snap PersistedSnapshot, hasTrack bool) {
		mu.Lock()
		last = snap
		lastHasTrack = hasTrack
		mu.Unlock()
	})

	queue := []Track{testTrack("a")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	mu.Lock()
	defer mu.Unlock()
	if !lastHasTrack {
		t.Fatal("expected observer to see a selected track")
	}
	if last.Track.ID != "a" || !last.PlayIntent {
		t.Errorf("unexpected observed snapshot %+v", last)
	}
}

func TestIntentStoreRestoreSnapshotPaused(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	track := testTrack("a")
	snap := &PersistedSnapshot{
		Track:       &track,
		Index:       4,
		PlayIntent:  true,
		Position:    42 * time.Second,
		Volume:      0.7,
		QueueSource: "playlist:9",
		Timestamp:   time.Now(),
	}

	store.RestoreSnapshot(context.Background(), snap, false)

	if current := store.CurrentTrack(); current == nil || current.ID != "a" {
		t.Fatalf("expected restored track a, got %+v", current)
	}
	if store.PlayIntent() {
		t.Error("restore without resume must not assert playback")
	}
	if store.Phase() != PhasePaused {
		t.Errorf("expected paused phase, got %v", store.Phase())
	}
	position, _ := store.Progress()
	if position != 42*time.Second {
		t.Errorf("expected restored position 42s, got %v", position)
	}

	time.Sleep(50 * time.Millisecond)
	if starts := device.startedTracks(); len(starts) != 0 {
		t.Errorf("paused restore must not issue device commands, got %v", starts)
	}
}

func TestIntentStoreToggleAfterPausedRestoreStartsTrack(t *testing.T) {
	device := newFakeDevice()
	history := newFakeHistory()
	store := newTestIntentStore(device, history)

	track := testTrack("a")
	snap := &PersistedSnapshot{
		Track:       &track,
		Index:       4,
		PlayIntent:  true,
		QueueSource: "playlist:9",
		Timestamp:   time.Now(),
	}
	store.RestoreSnapshot(context.Background(), snap, false)

	store.TogglePlay(context.Background())

	if id := device.waitStart(t); id != "sp-a" {
		t.Fatalf("expected toggle after restore to start sp-a, got %q", id)
	}
	if !store.PlayIntent() {
		t.Error("expected playing intent after toggle")
	}
	if store.Phase() != PhaseStarting {
		t.Errorf("expected starting phase, got %v", store.Phase())
	}

	device.mu.Lock()
	toggles := len(device.toggles)
	device.mu.Unlock()
	if toggles != 0 {
		t.Errorf("expected a fresh start instead of a bare toggle, got %d toggles", toggles)
	}

	select {
	case <-history.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for history start")
	}
}

func TestIntentStoreRestoreSnapshotResumes(t *testing.T) {
	device := newFakeDevice()
	store := newTestIntentStore(device, nil)

	track := testTrack("a")
	snap := &PersistedSnapshot{
		Track:      &track,
		PlayIntent: true,
		Timestamp:  time.Now(),
	}

	store.RestoreSnapshot(context.Background(), snap, true)

	if id := device.waitStart(t); id != "sp-a" {
		t.Errorf("expected resumed restore to start sp-a, got %q", id)
	}
	if !store.PlayIntent() {
		t.Error("expected play intent after resumed restore")
	}
}
