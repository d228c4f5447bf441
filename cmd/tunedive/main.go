// Package main provides the TuneDive service entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"tunedive/internal/core"
	"tunedive/internal/device"
	"tunedive/internal/flood"
	"tunedive/internal/history"
	httpserver "tunedive/internal/http"
	"tunedive/internal/session"
	"tunedive/internal/spotify"
	"tunedive/internal/store"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tunedive",
	Short: "TuneDive - Spotify playback continuity service",
	Long: `TuneDive keeps a Spotify playback session coherent across device hiccups
and process restarts: it tracks the intended queue, detects track completion,
recovers from device desyncs and restores playback state after interruption.`,
	RunE: runTuneDive,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("spotify-client-id", "", "Spotify client ID")
	rootCmd.PersistentFlags().String("spotify-client-secret", "", "Spotify client secret")
	rootCmd.PersistentFlags().String("spotify-redirect-url", "", "Spotify OAuth redirect URL")
	rootCmd.PersistentFlags().String("spotify-token-path", "", "path for the persisted OAuth token")
	rootCmd.PersistentFlags().String("server-host", "", "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().Int("poll-interval-ms", 0, "device state poll interval in milliseconds")
	rootCmd.PersistentFlags().Int("command-limit", 0, "playback commands allowed per client per minute")
	rootCmd.PersistentFlags().String("snapshot-file-path", "", "path for the JSON snapshot tier")
	rootCmd.PersistentFlags().String("snapshot-db-path", "", "path for the SQLite snapshot tier")
	rootCmd.PersistentFlags().String("history-db-path", "", "path for the play history database")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}

	viper.SetEnvPrefix("TUNEDIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	cfg.Spotify.ClientSecret = viper.GetString("spotify-client-secret")
	if redirect := viper.GetString("spotify-redirect-url"); redirect != "" {
		cfg.Spotify.RedirectURL = redirect
	}
	if tokenPath := viper.GetString("spotify-token-path"); tokenPath != "" {
		cfg.Spotify.TokenPath = tokenPath
	}

	if host := viper.GetString("server-host"); host != "" {
		cfg.Server.Host = host
	}
	cfg.Server.Port = viper.GetInt("server-port")

	cfg.Log.Level = viper.GetString("log-level")

	if interval := viper.GetInt("poll-interval-ms"); interval > 0 {
		cfg.Player.PollIntervalMillis = interval
	}
	if limit := viper.GetInt("command-limit"); limit > 0 {
		cfg.Player.CommandLimitPerMinute = limit
	}

	if path := viper.GetString("snapshot-file-path"); path != "" {
		cfg.Store.SnapshotFilePath = path
	}
	if path := viper.GetString("snapshot-db-path"); path != "" {
		cfg.Store.SnapshotDBPath = path
	}
	if path := viper.GetString("history-db-path"); path != "" {
		cfg.Store.HistoryDBPath = path
	}

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runTuneDive(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting TuneDive",
		zap.String("version", "1.0.0"))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	sessions := session.NewManager(&config.Spotify, logger.Named("session"))
	if err := sessions.Authenticate(ctx); err != nil {
		return fmt.Errorf("failed to authenticate with Spotify: %w", err)
	}

	likes := store.NewLikeCache(config.Store.LikeCacheSize, config.Store.BloomFalsePositiveRate)
	vendor := spotify.NewClient(sessions, likes, logger.Named("spotify"))

	binding := device.NewBinding(vendor, config.Player, logger.Named("device"))

	detector := core.NewDetector(
		config.Player.ProtectionWindow(),
		config.Player.SeekWindow(),
		logger.Named("detector"),
	)

	historyTracker, err := history.NewTracker(config.Store.HistoryDBPath, logger.Named("history"))
	if err != nil {
		return fmt.Errorf("failed to open play history: %w", err)
	}
	defer historyTracker.Close()

	intents := core.NewIntentStore(
		binding,
		detector,
		historyTracker,
		sessions,
		config.Player.SettleDelay(),
		logger.Named("player"),
	)

	sqliteTier, err := store.NewSQLiteStore(config.Store.SnapshotDBPath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	defer sqliteTier.Close()

	snapshots := store.NewMultiStore(logger.Named("store"),
		store.NewMemoryStore(),
		store.NewFileStore(config.Store.SnapshotFilePath),
		sqliteTier,
	)

	continuity := core.NewContinuityManager(
		intents,
		snapshots,
		sessions,
		config.Player.SnapshotMaxAge(),
		config.Player.ResumeSettle(),
		logger.Named("continuity"),
	)

	metrics := httpserver.NewMetrics(prometheus.DefaultRegisterer)
	gate := flood.New(config.Player.CommandLimitPerMinute)
	defer gate.Stop()

	httpServer := httpserver.NewServer(
		&config.Server,
		logger.Named("http"),
		metrics,
		intents,
		continuity,
		binding,
		vendor,
		historyTracker,
		gate,
	)

	// Observed device state drives both the completion detector and the
	// passive position mirror. Nothing flows while suspended.
	binding.SetStateHandler(func(ev core.StateEvent) {
		if continuity.Suspended() {
			return
		}
		detector.Observe(ev)
		intents.UpdatePlaybackState(ev.Duration, ev.Position)
	})

	binding.SetErrorHandler(func(err error) {
		httpServer.RecordDeviceError(core.KindOf(err).String())
		if core.RequiresReauth(err) {
			logger.Warn("Device authentication expired, dropping session")
			continuity.Forget()
			sessions.Invalidate()
			binding.Disconnect()
		}
	})

	intents.SetAdvanceHook(metrics.AdvancesTotal.Inc)
	continuity.SetSavedHook(metrics.SnapshotSavesTotal.Inc)
	continuity.SetRestoredHook(metrics.SnapshotRestoresTotal.Inc)

	if active := sessions.Session(); active != nil {
		binding.Initialize(ctx, active.AccessToken)
	}

	// Pick up where the last run left off; playback stays paused until a
	// consumer explicitly resumes.
	continuity.Restore(ctx, false)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start(gCtx)
	})

	g.Go(func() error {
		return binding.Run(gCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				httpServer.SetQueueLength(intents.QueueLength())
				httpServer.SetDeviceReady(binding.Ready())
			}
		}
	})

	logger.Info("TuneDive started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("TuneDive stopped with error", zap.Error(err))
		return err
	}

	logger.Info("TuneDive stopped gracefully")
	return nil
}

func validateConfig() error {
	if config.Spotify.ClientID == "" {
		return fmt.Errorf("spotify client ID is required")
	}

	if config.Spotify.ClientSecret == "" {
		return fmt.Errorf("spotify client secret is required")
	}

	return nil
}
