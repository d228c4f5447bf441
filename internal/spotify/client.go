// Package spotify adapts the Spotify Web API to the playback device and
// library surfaces the core state machine consumes.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"

	"tunedive/internal/core"
	"tunedive/internal/device"
	"tunedive/internal/session"
	"tunedive/internal/store"
)

const (
	// LikeChunkSize is the API limit for a single library contains/modify call
	LikeChunkSize = 50
	// VolumeScale converts the [0,1] volume to the API's percent scale
	VolumeScale = 100
)

// Client implements device.VendorAPI plus the track library surface on top
// of the session manager's authenticated Spotify client.
type Client struct {
	sessions *session.Manager
	likes    *store.LikeCache
	logger   *zap.Logger
}

func NewClient(sessions *session.Manager, likes *store.LikeCache, logger *zap.Logger) *Client {
	return &Client{
		sessions: sessions,
		likes:    likes,
		logger:   logger,
	}
}

func (c *Client) Authenticated() bool {
	return c.sessions.Client() != nil
}

// ActiveDevice returns the account's active playback device, falling back to
// the first known device when none is marked active.
func (c *Client) ActiveDevice(ctx context.Context) (*core.DeviceState, error) {
	api := c.sessions.Client()
	if api == nil {
		return nil, fmt.Errorf("client not authenticated")
	}

	devices, err := api.PlayerDevices(ctx)
	if err != nil {
		return nil, c.mapError("failed to list playback devices", err)
	}
	if len(devices) == 0 {
		return nil, nil
	}

	pick := devices[0]
	for i := range devices {
		if devices[i].Active {
			pick = devices[i]
			break
		}
	}

	return &core.DeviceState{
		ID:     string(pick.ID),
		Name:   pick.Name,
		Type:   pick.Type,
		Active: pick.Active,
	}, nil
}

func (c *Client) TransferPlayback(ctx context.Context, deviceID string, play bool) error {
	api := c.sessions.Client()
	if api == nil {
		return fmt.Errorf("client not authenticated")
	}

	if err := api.TransferPlayback(ctx, spotify.ID(deviceID), play); err != nil {
		return c.mapError("failed to transfer playback", err)
	}
	return nil
}

func (c *Client) StartPlayback(ctx context.Context, providerTrackID string) error {
	api := c.sessions.Client()
	if api == nil {
		return fmt.Errorf("client not authenticated")
	}

	opts := &spotify.PlayOptions{
		URIs: []spotify.URI{spotify.URI("spotify:track:" + providerTrackID)},
	}
	if err := api.PlayOpt(ctx, opts); err != nil {
		return c.mapError("failed to start playback", err)
	}
	return nil
}

func (c *Client) PausePlayback(ctx context.Context) error {
	api := c.sessions.Client()
	if api == nil {
		return fmt.Errorf("client not authenticated")
	}

	if err := api.Pause(ctx); err != nil {
		return c.mapError("failed to pause playback", err)
	}
	return nil
}

func (c *Client) ResumePlayback(ctx context.Context) error {
	api := c.sessions.Client()
	if api == nil {
		return fmt.Errorf("client not authenticated")
	}

	if err := api.Play(ctx); err != nil {
		return c.mapError("failed to resume playback", err)
	}
	return nil
}

func (c *Client) SeekPlayback(ctx context.Context, position time.Duration) error {
	api := c.sessions.Client()
	if api == nil {
		return fmt.Errorf("client not authenticated")
	}

	if err := api.Seek(ctx, int(position/time.Millisecond)); err != nil {
		return c.mapError("failed to seek", err)
	}
	return nil
}

func (c *Client) SetDeviceVolume(ctx context.Context, volume float64) error {
	api := c.sessions.Client()
	if api == nil {
		return fmt.Errorf("client not authenticated")
	}

	percent := int(volume * VolumeScale)
	if err := api.Volume(ctx, percent); err != nil {
		return c.mapError("failed to set volume", err)
	}
	return nil
}

// PlayerSnapshot returns the device's current playback state, or nil when
// nothing is loaded.
func (c *Client) PlayerSnapshot(ctx context.Context) (*device.Snapshot, error) {
	api := c.sessions.Client()
	if api == nil {
		return nil, fmt.Errorf("client not authenticated")
	}

	state, err := api.PlayerState(ctx)
	if err != nil {
		return nil, c.mapError("failed to read player state", err)
	}
	if state == nil || state.Item == nil {
		return nil, nil
	}

	return &device.Snapshot{
		TrackID:  string(state.Item.ID),
		Position: time.Duration(state.Progress) * time.Millisecond,
		Duration: time.Duration(state.Item.Duration) * time.Millisecond,
		Playing:  state.Playing,
		DeviceID: string(state.Device.ID),
	}, nil
}

// RecentTrackIDs returns the ids of the most recently played tracks, newest
// first.
func (c *Client) RecentTrackIDs(ctx context.Context, limit int) ([]string, error) {
	api := c.sessions.Client()
	if api == nil {
		return nil, fmt.Errorf("client not authenticated")
	}

	items, err := api.PlayerRecentlyPlayedOpt(ctx, &spotify.RecentlyPlayedOptions{Limit: limit})
	if err != nil {
		return nil, c.mapError("failed to read recently played", err)
	}

	ids := make([]string, 0, len(items))
	for i := range items {
		if items[i].Track.ID != "" {
			ids = append(ids, string(items[i].Track.ID))
		}
	}
	return ids, nil
}

// ToggleLike flips a track's saved state in the user's library and returns
// the new state.
func (c *Client) ToggleLike(ctx context.Context, providerTrackID string) (bool, error) {
	api := c.sessions.Client()
	if api == nil {
		return false, fmt.Errorf("client not authenticated")
	}

	liked, known := c.likes.Get(providerTrackID)
	if !known {
		statuses, err := api.UserHasTracks(ctx, spotify.ID(providerTrackID))
		if err != nil {
			return false, c.mapError("failed to check saved track", err)
		}
		liked = len(statuses) > 0 && statuses[0]
	}

	if liked {
		if err := api.RemoveTracksFromLibrary(ctx, spotify.ID(providerTrackID)); err != nil {
			return liked, c.mapError("failed to remove saved track", err)
		}
	} else {
		if err := api.AddTracksToLibrary(ctx, spotify.ID(providerTrackID)); err != nil {
			return liked, c.mapError("failed to save track", err)
		}
	}

	c.likes.Set(providerTrackID, !liked)

	c.logger.Debug("Toggled track like",
		zap.String("trackID", providerTrackID),
		zap.Bool("liked", !liked))

	return !liked, nil
}

// LikeStatuses resolves saved state for a batch of tracks, serving known ids
// from the cache and fetching the rest in API-sized chunks.
func (c *Client) LikeStatuses(ctx context.Context, providerTrackIDs []string) (map[string]bool, error) {
	api := c.sessions.Client()
	if api == nil {
		return nil, fmt.Errorf("client not authenticated")
	}

	result := make(map[string]bool, len(providerTrackIDs))
	var missing []string
	for _, id := range providerTrackIDs {
		if liked, known := c.likes.Get(id); known {
			result[id] = liked
		} else {
			missing = append(missing, id)
		}
	}

	for start := 0; start < len(missing); start += LikeChunkSize {
		end := start + LikeChunkSize
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		ids := make([]spotify.ID, len(chunk))
		for i, id := range chunk {
			ids[i] = spotify.ID(id)
		}

		statuses, err := api.UserHasTracks(ctx, ids...)
		if err != nil {
			return nil, c.mapError("failed to check saved tracks", err)
		}

		for i, id := range chunk {
			liked := i < len(statuses) && statuses[i]
			result[id] = liked
			c.likes.Set(id, liked)
		}
	}

	return result, nil
}

// mapError converts vendor API failures into typed playback errors.
func (c *Client) mapError(msg string, err error) error {
	var apiErr spotify.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401:
			return core.WrapError(core.ErrKindAuthentication, msg, err)
		case apiErr.Status == 403:
			return core.WrapError(core.ErrKindAccount, msg, err)
		case apiErr.Status == 429:
			return core.WrapError(core.ErrKindRateLimit, msg, err)
		case apiErr.Status >= 500:
			return core.WrapError(core.ErrKindNetwork, msg, err)
		default:
			return core.WrapError(core.ErrKindPlayback, msg, err)
		}
	}

	return core.WrapError(core.ErrKindNetwork, msg, err)
}
