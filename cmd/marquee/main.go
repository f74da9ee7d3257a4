package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-marquee/v1/config"
	"github.com/mirkobrombin/go-marquee/v1/metrics"
	"github.com/mirkobrombin/go-marquee/v1/runtime"
	"github.com/mirkobrombin/go-marquee/v1/scheduler"
)

var version = "dev"

var (
	configPath   = flag.String("config", "", "Path to the TOML configuration file")
	trace        = flag.Bool("trace", false, "Export spans to stdout")
	dedupe       = flag.Bool("dedupe", false, "Remove duplicate catalog records and exit")
	rebuildIndex = flag.Bool("rebuild-index", false, "Rebuild the cached fuzzy index and exit")
	sampleConfig = flag.Bool("sample-config", false, "Print a sample configuration and exit")
)

const shutdownTimeout = 30 * time.Second

func main() {
	flag.Parse()

	if *sampleConfig {
		fmt.Print(config.Sample())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("marquee: %v", err)
	}
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("marquee: exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts := []runtime.Option{runtime.WithLogger(logger)}

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, runtime.WithTracing())
	}

	reg := metrics.NewRegistry()
	metrics.RegisterBuildInfo(reg, version)
	opts = append(opts, runtime.WithRegistry(reg))

	rt, err := runtime.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(cctx); err != nil {
			logger.Warn("marquee: close failed", "error", err)
		}
	}()

	if *dedupe || *rebuildIndex {
		return maintenance(ctx, rt, logger)
	}

	if err := rt.Start(ctx, logItem(logger)); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = &http.Server{
			Addr:              cfg.Metrics.Bind,
			Handler:           rt.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("marquee: serving metrics and health", "addr", cfg.Metrics.Bind)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("marquee: http server failed", "error", err)
			}
		}()
	}

	logger.Info("marquee: running", "version", version)
	<-ctx.Done()
	logger.Info("marquee: shutting down")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return nil
}

func maintenance(ctx context.Context, rt *runtime.Runtime, logger *slog.Logger) error {
	if *dedupe {
		ran, removed, err := rt.Dedupe(ctx)
		if err != nil {
			return fmt.Errorf("dedupe: %w", err)
		}
		logger.Info("marquee: dedupe done", "ran", ran, "removed", removed)
	}
	if *rebuildIndex {
		ran, entries, err := rt.RebuildIndex(ctx)
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		logger.Info("marquee: index rebuilt", "ran", ran, "entries", entries)
	}
	return nil
}

// logItem is the handler used until a transport registers its own.
func logItem(logger *slog.Logger) scheduler.Handler {
	return func(_ context.Context, item scheduler.WorkItem) error {
		logger.Debug("marquee: item handled", "priority", item.Priority.String(), "waited", time.Since(item.EnqueuedAt))
		return nil
	}
}

func newLogger(w io.Writer, c config.Log) *slog.Logger {
	level, _ := config.ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
