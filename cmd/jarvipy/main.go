package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"github.com/rs/zerolog/log"

	"github.com/kitmage/jarvipy/internal/config"
	"github.com/kitmage/jarvipy/internal/device"
	"github.com/kitmage/jarvipy/internal/observe"
	"github.com/kitmage/jarvipy/internal/resilience"
)

var version = "dev"

const fallbackLogFile = "/tmp/jarvis.log"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	logPath, closeLog := setupLogging(cfg)
	defer closeLog()

	log.Info().Str("version", version).Msg("Starting jarvipy")

	if err := healthCheck(cfg, logPath); err != nil {
		log.Error().
			Str("event_type", "health_check").
			Err(err).
			Msg("Startup health check failed")
		closeLog()
		os.Exit(1)
	}
	log.Info().Str("event_type", "health_check").Msg("Startup health check passed")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise metrics")
	}

	dev, err := device.New(ctx, cfg, version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create device")
	}

	done := make(chan error, 1)
	go func() {
		done <- dev.Run(ctx)
	}()

	log.Info().Msg("Device is running. Press Ctrl+C to exit.")

	stopped := false
	select {
	case err := <-done:
		// Run only returns early on a fatal component error.
		if err != nil {
			log.Error().Err(err).Msg("Device stopped")
		}
		stopped = true
		stop()
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	closed := make(chan error, 1)
	go func() {
		if !stopped {
			<-done
		}
		closed <- dev.Close()
	}()

	select {
	case err := <-closed:
		if err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		} else {
			log.Info().Msg("Device stopped gracefully")
		}
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
	}

	if err := shutdownMetrics(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics shutdown")
	}
}

// setupLogging writes JSON lines to the log file through a non-blocking
// writer, plus a console writer when enabled. It returns the file in use.
func setupLogging(cfg *config.Config) (string, func()) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	path := cfg.LogFile
	file, err := openLogFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open log file %s (%v), using %s\n", path, err, fallbackLogFile)
		path = fallbackLogFile
		if file, err = openLogFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "cannot open fallback log file: %v\n", err)
		}
	}

	var writers []io.Writer
	var closers []func()
	if file != nil {
		dw := diode.NewWriter(file, 1000, 10*time.Millisecond, func(missed int) {
			observe.DefaultMetrics().LogDrops.Add(context.Background(), int64(missed))
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		writers = append(writers, dw)
		closers = append(closers, func() {
			dw.Close()
			file.Close()
		})
	}
	if cfg.LogConsole || file == nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if path != cfg.LogFile {
		log.Warn().Str("log_file", cfg.LogFile).Str("fallback", path).Msg("Log file not writable, using fallback")
	}
	log.Info().Str("level", cfg.LogLevel).Str("log_file", path).Msg("Logging configured")

	closed := false
	return path, func() {
		if closed {
			return
		}
		closed = true
		for _, c := range closers {
			c()
		}
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// healthCheck verifies the log sink and data directory are writable.
func healthCheck(cfg *config.Config, logPath string) error {
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("%w: log sink %s: %w", resilience.ErrHealthCheckFailed, logPath, err)
	}
	f.Close()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("%w: data dir %s: %w", resilience.ErrHealthCheckFailed, cfg.DataDir, err)
	}
	probe, err := os.CreateTemp(cfg.DataDir, ".healthcheck-*")
	if err != nil {
		return fmt.Errorf("%w: data dir %s not writable: %w", resilience.ErrHealthCheckFailed, cfg.DataDir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)

	return nil
}
