// Package http exposes the playback surface: player control endpoints,
// health checks and Prometheus metrics.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tunedive/internal/core"
	"tunedive/internal/flood"
	"tunedive/internal/history"
	"tunedive/pkg/text"
)

// Player is the slice of the intent store the HTTP surface drives.
type Player interface {
	PlayTrack(ctx context.Context, track core.Track, index int, queue []core.Track, queueSource string, onPageEnd func())
	TogglePlay(ctx context.Context)
	PlayNext(ctx context.Context)
	PlayPrevious(ctx context.Context)
	SeekTo(ctx context.Context, position time.Duration)
	SetVolume(volume float64) error
	Stop(ctx context.Context)
	SetQueue(queue []core.Track, queueSource string)
	Snapshot() (core.PersistedSnapshot, bool)
	Phase() core.PlaybackPhase
	QueueLength() int
	Progress() (position, duration time.Duration)
	LastDeviceError() error
}

// Continuity is the suspend/resume lifecycle the surface exposes.
type Continuity interface {
	Suspend(ctx context.Context)
	Resume(ctx context.Context)
	Suspended() bool
}

// DeviceInfo reports on and controls the device binding.
type DeviceInfo interface {
	Ready() bool
	DeviceID() string
	Transfer(ctx context.Context, deviceID string, play bool) error
}

// HistoryReader serves recorded play sessions.
type HistoryReader interface {
	RecentlyPlayed(ctx context.Context, limit int) ([]history.PlayedEntry, error)
}

type Server struct {
	config     *core.ServerConfig
	logger     *zap.Logger
	server     *http.Server
	metrics    *Metrics
	player     Player
	continuity Continuity
	device     DeviceInfo
	likes      core.LikeService
	history    HistoryReader
	parser     *text.Parser
	gate       *flood.Floodgate
}

type Metrics struct {
	CommandsTotal         *prometheus.CounterVec
	AdvancesTotal         prometheus.Counter
	DeviceErrorsTotal     *prometheus.CounterVec
	SnapshotSavesTotal    prometheus.Counter
	SnapshotRestoresTotal prometheus.Counter
	QueueLength           prometheus.Gauge
	DeviceReady           prometheus.Gauge
}

// NewMetrics builds and registers the service metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunedive_commands_total",
				Help: "Total number of playback commands processed",
			},
			[]string{"op", "status"},
		),
		AdvancesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tunedive_advances_total",
				Help: "Total number of automatic track advances",
			},
		),
		DeviceErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tunedive_device_errors_total",
				Help: "Total number of device errors by kind",
			},
			[]string{"kind"},
		),
		SnapshotSavesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tunedive_snapshot_saves_total",
				Help: "Total number of persisted playback snapshots",
			},
		),
		SnapshotRestoresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tunedive_snapshot_restores_total",
				Help: "Total number of restored playback snapshots",
			},
		),
		QueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tunedive_queue_length",
				Help: "Current number of tracks in the active queue",
			},
		),
		DeviceReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tunedive_device_ready",
				Help: "Whether a playback device is currently bound",
			},
		),
	}

	reg.MustRegister(
		metrics.CommandsTotal,
		metrics.AdvancesTotal,
		metrics.DeviceErrorsTotal,
		metrics.SnapshotSavesTotal,
		metrics.SnapshotRestoresTotal,
		metrics.QueueLength,
		metrics.DeviceReady,
	)

	return metrics
}

func NewServer(
	config *core.ServerConfig,
	logger *zap.Logger,
	metrics *Metrics,
	player Player,
	continuity Continuity,
	device DeviceInfo,
	likes core.LikeService,
	historyReader HistoryReader,
	gate *flood.Floodgate,
) *Server {
	s := &Server{
		config:     config,
		logger:     logger,
		metrics:    metrics,
		player:     player,
		continuity: continuity,
		device:     device,
		likes:      likes,
		history:    historyReader,
		parser:     text.NewParser(),
		gate:       gate,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.routes(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok","service":"tunedive"}`)); err != nil {
			// Log error if needed, but don't fail the handler
		}
	})

	mux.HandleFunc("/readyz", s.handleReadyz)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/player/state", s.handleState)
	mux.HandleFunc("/player/play", s.limited("play", s.handlePlay))
	mux.HandleFunc("/player/toggle", s.limited("toggle", s.handleToggle))
	mux.HandleFunc("/player/next", s.limited("next", s.handleNext))
	mux.HandleFunc("/player/previous", s.limited("previous", s.handlePrevious))
	mux.HandleFunc("/player/seek", s.limited("seek", s.handleSeek))
	mux.HandleFunc("/player/volume", s.limited("volume", s.handleVolume))
	mux.HandleFunc("/player/stop", s.limited("stop", s.handleStop))
	mux.HandleFunc("/player/queue", s.limited("queue", s.handleQueue))
	mux.HandleFunc("/player/suspend", s.limited("suspend", s.handleSuspend))
	mux.HandleFunc("/player/resume", s.limited("resume", s.handleResume))
	mux.HandleFunc("/player/transfer", s.limited("transfer", s.handleTransfer))
	mux.HandleFunc("/tracks/like", s.limited("like", s.handleLike))
	mux.HandleFunc("/tracks/likes", s.handleLikeStatuses)
	mux.HandleFunc("/history/recent", s.handleHistory)

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>TuneDive</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .header { color: #333; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
        .endpoint a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1 class="header">🎵 TuneDive</h1>
    <p>Spotify Playback Continuity Service</p>

    <h2>Endpoints</h2>
    <div class="endpoint">🎧 <a href="/player/state">Player state</a> - Current playback intent</div>
    <div class="endpoint">📊 <a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint">💚 <a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint">✅ <a href="/readyz">Ready</a> - Readiness check</div>
</body>
</html>`)); err != nil {
			// Log error if needed, but don't fail the handler
		}
	})

	return mux
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.device != nil && !s.device.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not_ready","service":"tunedive","device_bound":false}`)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","service":"tunedive","device_bound":true}`)
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

func (s *Server) RecordCommand(op, status string) {
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(op, status).Inc()
	}
}

func (s *Server) RecordDeviceError(kind string) {
	if s.metrics != nil {
		s.metrics.DeviceErrorsTotal.WithLabelValues(kind).Inc()
	}
}

func (s *Server) SetQueueLength(length int) {
	if s.metrics != nil {
		s.metrics.QueueLength.Set(float64(length))
	}
}

func (s *Server) SetDeviceReady(ready bool) {
	if s.metrics == nil {
		return
	}
	if ready {
		s.metrics.DeviceReady.Set(1)
	} else {
		s.metrics.DeviceReady.Set(0)
	}
}
