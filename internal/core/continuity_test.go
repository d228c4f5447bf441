package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSnapshotStore struct {
	mu      sync.Mutex
	saved   []*PersistedSnapshot
	loaded  *PersistedSnapshot
	loadErr error
	cleared int
}

func (s *fakeSnapshotStore) Save(snap *PersistedSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *snap
	s.saved = append(s.saved, &copied)
	return nil
}

func (s *fakeSnapshotStore) LoadFreshestWithin(maxAge time.Duration) (*PersistedSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.loaded == nil {
		return nil, nil
	}
	if time.Since(s.loaded.Timestamp) > maxAge {
		return nil, nil
	}
	return s.loaded, nil
}

func (s *fakeSnapshotStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	return nil
}

func (s *fakeSnapshotStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func newTestContinuity(device *fakeDevice, snapshots *fakeSnapshotStore, session *fakeSession) (*IntentStore, *ContinuityManager) {
	detector := NewDetector(0, 0, zap.NewNop())
	store := NewIntentStore(device, detector, nil, session, 0, zap.NewNop())
	manager := NewContinuityManager(store, snapshots, session, 30*time.Minute, 0, zap.NewNop())
	return store, manager
}

func TestContinuitySavesOnMutation(t *testing.T) {
	device := newFakeDevice()
	snapshots := &fakeSnapshotStore{}
	session := &fakeSession{current: &Session{UserID: "u1"}}
	store, _ := newTestContinuity(device, snapshots, session)

	queue := []Track{testTrack("a")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	if snapshots.saveCount() == 0 {
		t.Fatal("expected snapshot saves on mutation")
	}

	snapshots.mu.Lock()
	last := snapshots.saved[len(snapshots.saved)-1]
	snapshots.mu.Unlock()
	if last.Track == nil || last.Track.ID != "a" {
		t.Errorf("unexpected saved snapshot %+v", last)
	}
}

func TestContinuitySkipsSaveWithoutSession(t *testing.T) {
	device := newFakeDevice()
	snapshots := &fakeSnapshotStore{}
	session := &fakeSession{}
	store, _ := newTestContinuity(device, snapshots, session)

	queue := []Track{testTrack("a")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	if n := snapshots.saveCount(); n != 0 {
		t.Errorf("expected no saves without a session, got %d", n)
	}
}

func TestContinuityRestoreRehydratesStore(t *testing.T) {
	device := newFakeDevice()
	track := testTrack("a")
	snapshots := &fakeSnapshotStore{
		loaded: &PersistedSnapshot{
			Track:       &track,
			Index:       2,
			PlayIntent:  true,
			Position:    10 * time.Second,
			Volume:      0.5,
			QueueSource: "playlist:7",
			Timestamp:   time.Now().Add(-5 * time.Minute),
		},
	}
	session := &fakeSession{current: &Session{UserID: "u1"}}
	store, manager := newTestContinuity(device, snapshots, session)

	if !manager.Restore(context.Background(), false) {
		t.Fatal("expected restore to succeed")
	}

	if current := store.CurrentTrack(); current == nil || current.ID != "a" {
		t.Errorf("expected restored track a, got %+v", current)
	}
	if store.Volume() != 0.5 {
		t.Errorf("expected restored volume 0.5, got %f", store.Volume())
	}
	if store.PlayIntent() {
		t.Error("restore without resume must leave playback paused")
	}
}

func TestContinuityStaleSnapshotNeverMutates(t *testing.T) {
	device := newFakeDevice()
	track := testTrack("a")
	snapshots := &fakeSnapshotStore{
		loaded: &PersistedSnapshot{
			Track:     &track,
			Timestamp: time.Now().Add(-2 * time.Hour),
		},
	}
	session := &fakeSession{current: &Session{UserID: "u1"}}
	store, manager := newTestContinuity(device, snapshots, session)

	if manager.Restore(context.Background(), true) {
		t.Fatal("stale snapshot must not restore")
	}
	if store.CurrentTrack() != nil {
		t.Error("stale snapshot must not mutate the store")
	}
	if starts := device.startedTracks(); len(starts) != 0 {
		t.Errorf("stale snapshot must not issue device commands, got %v", starts)
	}
}

func TestContinuityRestoreWithoutSessionSkipped(t *testing.T) {
	device := newFakeDevice()
	track := testTrack("a")
	snapshots := &fakeSnapshotStore{
		loaded: &PersistedSnapshot{Track: &track, Timestamp: time.Now()},
	}
	session := &fakeSession{}
	store, manager := newTestContinuity(device, snapshots, session)

	if manager.Restore(context.Background(), true) {
		t.Fatal("restore must be skipped without a session")
	}
	if store.CurrentTrack() != nil {
		t.Error("store must stay untouched without a session")
	}
}

func TestContinuitySuspendPausesAndResumeReasserts(t *testing.T) {
	device := newFakeDevice()
	snapshots := &fakeSnapshotStore{}
	session := &fakeSession{current: &Session{UserID: "u1"}}
	store, manager := newTestContinuity(device, snapshots, session)

	queue := []Track{testTrack("a")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	manager.Suspend(context.Background())
	if !manager.Suspended() {
		t.Fatal("expected suspended state")
	}
	if store.PlayIntent() {
		t.Error("suspend must pause playback")
	}

	select {
	case resume := <-device.toggleSignal:
		if resume {
			t.Error("suspend must send a pause, not a resume")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device pause")
	}

	manager.Resume(context.Background())
	if manager.Suspended() {
		t.Fatal("expected resumed state")
	}
	if !store.PlayIntent() {
		t.Error("resume must re-assert playback that was active at suspend time")
	}
}

func TestContinuityResumeReassertsPausedRestore(t *testing.T) {
	device := newFakeDevice()
	snapshots := &fakeSnapshotStore{}
	session := &fakeSession{current: &Session{UserID: "u1"}}
	store, manager := newTestContinuity(device, snapshots, session)

	track := testTrack("a")
	snapshots.loaded = &PersistedSnapshot{
		Track:      &track,
		PlayIntent: true,
		Timestamp:  time.Now(),
	}

	if !manager.Restore(context.Background(), false) {
		t.Fatal("expected restore to succeed")
	}
	if store.PlayIntent() {
		t.Fatal("paused restore must not assert playback")
	}

	// The process restarted, so nothing is suspended; a resume request is
	// the signal to re-assert the restored intent.
	manager.Resume(context.Background())

	if id := device.waitStart(t); id != "sp-a" {
		t.Errorf("expected resume to start sp-a, got %q", id)
	}
	if !store.PlayIntent() {
		t.Error("expected playing intent after resume")
	}
}

func TestContinuitySuspendWhilePausedDoesNotResume(t *testing.T) {
	device := newFakeDevice()
	snapshots := &fakeSnapshotStore{}
	session := &fakeSession{current: &Session{UserID: "u1"}}
	store, manager := newTestContinuity(device, snapshots, session)

	queue := []Track{testTrack("a")}
	store.PlayTrack(context.Background(), queue[0], 0, queue, "album:1", nil)
	device.waitStart(t)

	store.TogglePlay(context.Background())
	<-device.toggleSignal

	manager.Suspend(context.Background())
	manager.Resume(context.Background())

	if store.PlayIntent() {
		t.Error("resume must not start playback that was paused before suspend")
	}
}

func TestContinuityForgetClearsSnapshots(t *testing.T) {
	device := newFakeDevice()
	snapshots := &fakeSnapshotStore{}
	session := &fakeSession{current: &Session{UserID: "u1"}}
	_, manager := newTestContinuity(device, snapshots, session)

	manager.Forget()

	snapshots.mu.Lock()
	defer snapshots.mu.Unlock()
	if snapshots.cleared == 0 {
		t.Error("expected snapshots to be cleared")
	}
}
