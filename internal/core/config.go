package core

import (
	"time"
)

type Config struct {
	Spotify SpotifyConfig
	Server  ServerConfig
	Log     LogConfig
	Player  PlayerConfig
	Store   StoreConfig
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TokenPath    string
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type PlayerConfig struct {
	PollIntervalMillis       int
	ProtectionWindowSecs     int
	SeekWindowSecs           int
	SettleDelayMillis        int
	ResumeSettleMillis       int
	VolumeDebounceMillis     int
	QuiescenceAttempts       int
	QuiescenceDelayMillis    int
	MaxRetries               int
	RetryDelayMillis         int
	SnapshotMaxAgeMins       int
	CommandLimitPerMinute    int
	PreviousTracksWindowSize int
}

type StoreConfig struct {
	SnapshotFilePath       string
	SnapshotDBPath         string
	HistoryDBPath          string
	LikeCacheSize          int
	BloomFalsePositiveRate float64
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL: "http://localhost:8080/callback",
			TokenPath:   "./spotify_token.json",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Player: PlayerConfig{
			PollIntervalMillis:       1000,
			ProtectionWindowSecs:     8,
			SeekWindowSecs:           2,
			SettleDelayMillis:        100,
			ResumeSettleMillis:       400,
			VolumeDebounceMillis:     200,
			QuiescenceAttempts:       3,
			QuiescenceDelayMillis:    150,
			MaxRetries:               3,
			RetryDelayMillis:         500,
			SnapshotMaxAgeMins:       30,
			CommandLimitPerMinute:    60,
			PreviousTracksWindowSize: 3,
		},
		Store: StoreConfig{
			SnapshotFilePath:       "./tunedive_snapshot.json",
			SnapshotDBPath:         "./tunedive_state.db",
			HistoryDBPath:          "./tunedive_history.db",
			LikeCacheSize:          10000,
			BloomFalsePositiveRate: 0.001,
		},
	}
}

// ProtectionWindow is the interval after a track selection during which
// device-reported state for the previous track is ignored.
func (c *PlayerConfig) ProtectionWindow() time.Duration {
	return time.Duration(c.ProtectionWindowSecs) * time.Second
}

// SeekWindow is the interval after a seek during which position resets are
// not treated as track completion.
func (c *PlayerConfig) SeekWindow() time.Duration {
	return time.Duration(c.SeekWindowSecs) * time.Second
}

// SettleDelay is the pause before issuing a new device command so the prior
// track's teardown can complete.
func (c *PlayerConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}

// SnapshotMaxAge is how long a persisted snapshot stays restorable.
func (c *PlayerConfig) SnapshotMaxAge() time.Duration {
	return time.Duration(c.SnapshotMaxAgeMins) * time.Minute
}

// PollInterval is the cadence of the device state poll loop.
func (c *PlayerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// ResumeSettle is the pause before re-asserting playback after a suspension.
func (c *PlayerConfig) ResumeSettle() time.Duration {
	return time.Duration(c.ResumeSettleMillis) * time.Millisecond
}

// VolumeDebounce is the trailing-edge debounce applied to volume commands.
func (c *PlayerConfig) VolumeDebounce() time.Duration {
	return time.Duration(c.VolumeDebounceMillis) * time.Millisecond
}

// QuiescenceDelay is the wait between pause attempts before starting a track.
func (c *PlayerConfig) QuiescenceDelay() time.Duration {
	return time.Duration(c.QuiescenceDelayMillis) * time.Millisecond
}

// RetryDelay is the base backoff between retried device commands.
func (c *PlayerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMillis) * time.Millisecond
}
