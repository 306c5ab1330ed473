package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callrelay/bus"
	"callrelay/core"
	"callrelay/factories"
	"callrelay/runner"
	"callrelay/storage/calllog"
	"callrelay/telemetry"

	"github.com/joho/godotenv"
)

func main() {
	var settingsPath string
	flag.StringVar(&settingsPath, "settings", "", "path to a settings file (.json, .yaml or .yml)")
	flag.Parse()

	if err := godotenv.Load(".env.local"); err != nil {
		core.GetLogger().Warn("No .env.local file found or failed to load", "error", err)
	}
	if settingsPath != "" {
		os.Setenv("SETTINGS_PATH", settingsPath)
	}

	settings, err := factories.LoadSettings(core.GetLogger())
	if err != nil {
		core.GetLogger().Fatal("invalid settings", "error", err)
	}
	setupLogger(settings.Logging)
	logger := core.GetLogger().With(map[string]any{"component": "main"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings, logger); err != nil {
		logger.Fatal("relay stopped", "error", err)
	}
	logger.Info("Shutting down...")
}

func setupLogger(cfg factories.LoggingConfig) {
	level := core.ParseLevel(cfg.Level)
	if cfg.Format == "json" {
		core.SetLogger(*core.NewJSONLogger(os.Stdout, level))
		return
	}
	core.SetLogger(*core.NewDevelopmentLogger(level))
}

func run(ctx context.Context, settings factories.SettingsConfig, logger *core.Logger) error {
	tel, err := telemetry.Setup(ctx, settings.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := telemetry.NewCallMetrics(tel.Meter(), tel.Tracer())
	if err != nil {
		return err
	}
	observers := runner.Observers{metrics}

	if settings.CallLog.Enabled {
		store, err := calllog.Open(ctx, settings.CallLog, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder := calllog.NewRecorder(store, settings.CallLog.QueueSize, logger)
		defer recorder.Close()
		observers = append(observers, recorder)
		go pruneLoop(ctx, store, logger)
	}

	if settings.Bus.Enabled {
		embedded, err := bus.StartEmbedded(settings.Bus, logger)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()
		if embedded != nil {
			settings.Bus.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, settings.Bus, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		observers = append(observers, bus.NewPublisher(client, settings.Bus.SubjectPrefix, logger))
	}

	provider := settings.GetProvider(logger)
	provider.Handle(tel.MetricsPath(), tel.Handler())

	pipeline := factories.NewPipeline(settings, factories.APIKeysFromEnv(), factories.Instruments{
		Observer: observers,
		Tracer:   tel.Tracer(),
	}, logger)
	return pipeline.Serve(provider, ctx)
}

// pruneLoop trims the call log at startup and then hourly.
func pruneLoop(ctx context.Context, store *calllog.Store, logger *core.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if err := store.Prune(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("call log prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
