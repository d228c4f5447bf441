package core

import (
	"context"
	"time"
)

// Artist identifies one credited artist on a track.
type Artist struct {
	Name           string `json:"name"`
	OriginMetadata string `json:"origin_metadata,omitempty"`
}

// Track is an immutable value object once placed in a queue.
type Track struct {
	ID              string        `json:"id"`
	ProviderTrackID string        `json:"provider_track_id,omitempty"`
	Title           string        `json:"title"`
	Artists         []Artist      `json:"artists,omitempty"`
	ThumbnailURL    string        `json:"thumbnail_url,omitempty"`
	DurationHint    time.Duration `json:"duration_hint,omitempty"`
}

// Streamable reports whether the track can be handed to the device layer.
func (t Track) Streamable() bool {
	return t.ProviderTrackID != ""
}

// PlaybackPhase is the explicit state of the current track slot.
type PlaybackPhase int

const (
	// PhaseIdle indicates no track is selected
	PhaseIdle PlaybackPhase = iota
	// PhaseSelecting indicates the previous track is being cleared
	PhaseSelecting
	// PhaseStarting indicates a device command has been issued but not confirmed
	PhaseStarting
	// PhasePlaying indicates the device confirmed playback
	PhasePlaying
	// PhasePaused indicates playback is paused by intent
	PhasePaused
	// PhaseEnded indicates the track finished naturally
	PhaseEnded
)

func (p PlaybackPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSelecting:
		return "selecting"
	case PhaseStarting:
		return "starting"
	case PhasePlaying:
		return "playing"
	case PhasePaused:
		return "paused"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// StateEvent is one device-reported playback observation.
type StateEvent struct {
	TrackID          string        // provider id of the reported current track
	Position         time.Duration // reported playback position
	Duration         time.Duration // reported track length
	Paused           bool
	PreviousTrackIDs []string // the device's own recently-finished window, newest first
}

// DeviceState describes one of the account's playback devices.
type DeviceState struct {
	ID     string
	Name   string
	Type   string
	Active bool
}

// PersistedSnapshot is the durable, short-lived mirror of the playback intent.
type PersistedSnapshot struct {
	Track       *Track        `json:"track"`
	Index       int           `json:"index"`
	PlayIntent  bool          `json:"play_intent"`
	Position    time.Duration `json:"position"`
	Volume      float64       `json:"volume"`
	Muted       bool          `json:"muted"`
	QueueSource string        `json:"queue_source"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Session identifies an authenticated user with a vendor access token.
type Session struct {
	AccessToken string
	UserID      string
}

// DevicePort is the narrow interface the intent store drives playback through.
// Implementations never propagate expected failure modes across this boundary
// as panics; they report typed errors through the registered error handler.
type DevicePort interface {
	Initialize(ctx context.Context, accessToken string)
	StartTrack(ctx context.Context, providerTrackID string) error
	TogglePlayPause(ctx context.Context, resume bool, expectedTrackID string) error
	Seek(ctx context.Context, position time.Duration) error
	SetVolume(volume float64) error
	Disconnect()
	Ready() bool
	SetStateHandler(handler func(StateEvent))
	SetErrorHandler(handler func(error))
}

// SnapshotStore persists playback snapshots across restarts.
type SnapshotStore interface {
	Save(snapshot *PersistedSnapshot) error
	LoadFreshestWithin(maxAge time.Duration) (*PersistedSnapshot, error)
	ClearAll() error
}

// SessionProvider supplies the active user session, or nil when signed out.
type SessionProvider interface {
	Session() *Session
}

// HistoryTracker records play sessions. StartTracking must not double-start
// for the same track instance; StopTracking is a no-op when idle.
type HistoryTracker interface {
	StartTracking(ctx context.Context, track *Track, catalogID, sourceLabel string) error
	StopTracking(ctx context.Context, completed bool) error
}

// LikeService manages the user's liked-tracks state against the vendor.
type LikeService interface {
	ToggleLike(ctx context.Context, providerTrackID string) (liked bool, err error)
	LikeStatuses(ctx context.Context, providerTrackIDs []string) (map[string]bool, error)
}
