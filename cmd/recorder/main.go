// Recorder server - presents prompts, captures takes, and keeps the corpus manifests
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aqibmumtaz/speech-training-recorder/internal/audio"
	"github.com/aqibmumtaz/speech-training-recorder/internal/config"
	"github.com/aqibmumtaz/speech-training-recorder/internal/manifest"
	"github.com/aqibmumtaz/speech-training-recorder/internal/metrics"
	"github.com/aqibmumtaz/speech-training-recorder/internal/prompt"
	"github.com/aqibmumtaz/speech-training-recorder/internal/server"
	"github.com/aqibmumtaz/speech-training-recorder/internal/session"
	"github.com/aqibmumtaz/speech-training-recorder/internal/trim"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logFile := setupLogging(cfg.Logging)
	if logFile != nil {
		defer func() { _ = logFile.Close() }()
	}

	if err := run(cfg); err != nil {
		slog.Error("recorder stopped", "error", err)
		os.Exit(1)
	}
}

// setupLogging installs the default logger. With a log file configured,
// output goes to stdout and a rotating file.
func setupLogging(cfg config.LoggingConfig) io.Closer {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return closer
}

func run(cfg *config.Config) error {
	if err := cfg.Prepare(); err != nil {
		return err
	}
	slog.Info("configuration loaded", "config", cfg.String())

	// Prompt schedule
	name := prompt.NameFromPath(cfg.Prompts.File)
	sched := prompt.New(prompt.Config{
		Name:       name,
		CorpusPath: cfg.Prompts.File,
		Top:        manifest.In(cfg.SaveDir),
		Category:   manifest.In(filepath.Join(cfg.SaveDir, name)),
		Mode:       cfg.Mode(),
		Options:    cfg.PromptOptions(),
	})
	if err := sched.Load(); err != nil {
		return err
	}

	// Capture device
	source, err := audio.NewDeviceSource(cfg.DeviceConfig())
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()
	capture := audio.NewCaptureBuffer(source, cfg.Audio.SampleRate, cfg.Audio.QueueBlocks)

	classifier, err := trim.NewWebRTCClassifier(trim.VADMode)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ctl := session.New(session.Config{
		SaveDir:        cfg.SaveDir,
		DropLastBlocks: cfg.Audio.DropLastBlocks,
		Trim:           cfg.Audio.Trim,
	}, capture, trim.New(classifier), sched, m)
	defer func() { _ = ctl.Close() }()

	srv := server.New(ctl, m, cfg.AllowedOrigins)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("recorder starting", "http", cfg.HTTPAddr, "prompts", name, "mode", cfg.Mode())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.CloseConnections()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	st := ctl.State()
	slog.Info("shutdown complete", "recorded", st.Recorded, "total", st.Total)
	return err
}
