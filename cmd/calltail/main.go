// Command calltail tails a live radio-scanner call feed: it connects to a
// remote scanner server, reconciles incoming call records against session
// state, and prints the deduplicated stream with late-arriving transcripts
// folded in.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calltail/calltail/internal/app"
	"github.com/calltail/calltail/internal/config"
	"github.com/calltail/calltail/internal/logbuf"
	"github.com/calltail/calltail/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "calltail: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "calltail: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Log.Level))

	logBuf := logbuf.New(cfg.Log.BufferLines)
	handler := logbuf.NewHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}),
		logBuf,
	)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("calltail starting",
		"config", *configPath,
		"server", cfg.Server.BaseURL,
		"log_level", cfg.Log.Level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "calltail",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithLogBuffer(logBuf),
		app.WithLevelVar(levelVar),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyDiff(config.Diff(old, new))
	})
	if err != nil {
		// The initial load above already succeeded; a watcher failure only
		// costs hot reload.
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	slog.Info("streaming — press Ctrl+C to stop")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         calltail — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Server", cfg.Server.BaseURL)
	if cfg.Stream.DisablePush {
		printField("Transport", "polling only")
	} else {
		printField("Transport", "push + polling")
	}
	if cfg.Archive.PostgresDSN != "" {
		printField("Archive", "enabled")
	} else {
		printField("Archive", "(disabled)")
	}
	fmt.Printf("║  Alert rules     : %-19d ║\n", len(cfg.Alerts))
	if cfg.Telemetry.MetricsAddr != "" {
		printField("Metrics addr", cfg.Telemetry.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
