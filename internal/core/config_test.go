package core

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Log.Level)
	}
	if cfg.Player.PreviousTracksWindowSize != 3 {
		t.Errorf("expected previous-tracks window of 3, got %d", cfg.Player.PreviousTracksWindowSize)
	}
	if cfg.Store.LikeCacheSize != 10000 {
		t.Errorf("expected like cache size 10000, got %d", cfg.Store.LikeCacheSize)
	}
}

func TestPlayerConfigDurations(t *testing.T) {
	cfg := DefaultConfig().Player

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"protection window", cfg.ProtectionWindow(), 8 * time.Second},
		{"seek window", cfg.SeekWindow(), 2 * time.Second},
		{"settle delay", cfg.SettleDelay(), 100 * time.Millisecond},
		{"snapshot max age", cfg.SnapshotMaxAge(), 30 * time.Minute},
		{"poll interval", cfg.PollInterval(), time.Second},
		{"resume settle", cfg.ResumeSettle(), 400 * time.Millisecond},
		{"volume debounce", cfg.VolumeDebounce(), 200 * time.Millisecond},
		{"quiescence delay", cfg.QuiescenceDelay(), 150 * time.Millisecond},
		{"retry delay", cfg.RetryDelay(), 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}
