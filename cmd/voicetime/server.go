package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/voicetime/internal/config"
	"github.com/goodtune/voicetime/internal/gateway"
	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/goodtune/voicetime/internal/systemd"
	"github.com/goodtune/voicetime/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	serverEvents    string
	serverExitOnEOF bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start voicetime server",
	Long: `Start the voicetime server. Presence transitions are read as JSON lines from
--events (stdin by default), the rollup timer runs in the background and
metrics are served on the configured address.`,
	RunE: runServer,
}

func init() {
	addServerFlags(serverCmd.Flags())
	addServerFlags(rootCmd.Flags())
	rootCmd.AddCommand(serverCmd)
}

func addServerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&serverEvents, "events", "-", "Presence event stream (JSON lines), - for stdin")
	fs.BoolVar(&serverExitOnEOF, "exit-on-eof", false, "Shut down once the event stream ends")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting voicetime")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	clock := quartz.NewReal()
	opTimeout := config.Duration(cfg.Storage.OperationTimeout, 5*time.Second)

	// Rollup Scheduler
	scheduler := usage.NewRollupScheduler(
		store.Times(),
		clock,
		config.Duration(cfg.Tracking.RollupInterval, 15*time.Minute),
		opTimeout,
		logger,
	)
	scheduler.Start(context.Background())

	// Session Tracker, Accumulator and Pipeline
	tracker := usage.NewTracker(cfg.TrackedChannels(), clock, logger)
	accumulator := usage.NewAccumulator(store.Times(), scheduler, opTimeout, logger)

	// Accumulation gets its own context so queued sessions still drain on shutdown
	pipeline := usage.NewPipeline(context.Background(), tracker, accumulator, usage.RetryConfig{
		MaxRetries:     cfg.Accumulation.MaxRetries,
		InitialBackoff: config.Duration(cfg.Accumulation.InitialBackoff, 200*time.Millisecond),
	}, logger)

	logger.Info().
		Strs("channels", cfg.Tracking.Channels).
		Msg("Session tracking initialized")

	// Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	logger.Info().Msg("voicetime startup complete")
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srcErr := make(chan error, 1)
	go func() {
		srcErr <- consumeEvents(ctx, pipeline, logger)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logActiveSessions(tracker, logger)
				continue
			}
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break loop

		case err := <-srcErr:
			if err != nil {
				logger.Error().Err(err).Msg("Event stream failed")
				runErr = err
				break loop
			}
			logger.Info().Str("events", serverEvents).Msg("Event stream ended")
			if serverExitOnEOF {
				break loop
			}
			srcErr = nil
		}
	}
	cancel()

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	pipeline.Close()
	scheduler.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("voicetime stopped")

	return runErr
}

// consumeEvents feeds the event stream into the pipeline until it ends.
func consumeEvents(ctx context.Context, pipeline *usage.Pipeline, logger zerolog.Logger) error {
	var r io.Reader = os.Stdin
	if serverEvents != "" && serverEvents != "-" {
		f, err := os.Open(serverEvents)
		if err != nil {
			return fmt.Errorf("failed to open event stream: %w", err)
		}
		defer f.Close()
		r = f
	}

	err := gateway.NewJSONLinesSource(r, logger).Run(ctx, pipeline.Submit)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logActiveSessions(tracker *usage.Tracker, logger zerolog.Logger) {
	active := tracker.Active()
	logger.Info().Int("active_sessions", len(active)).Msg("Status")
	for _, s := range active {
		logger.Info().
			Str("user_id", s.UserID).
			Str("channel_id", s.ChannelID).
			Time("start", s.Start).
			Msg("Active session")
	}
}
