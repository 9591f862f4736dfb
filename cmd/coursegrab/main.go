package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
	"github.com/coursegrab/coursegrab/internal/checkpoint/sqlite"
	"github.com/coursegrab/coursegrab/internal/config"
	"github.com/coursegrab/coursegrab/internal/downloader"
	"github.com/coursegrab/coursegrab/internal/fetch"
	"github.com/coursegrab/coursegrab/internal/http/rest"
	"github.com/coursegrab/coursegrab/internal/logctx"
	"github.com/coursegrab/coursegrab/internal/notifier"
	"github.com/coursegrab/coursegrab/internal/task"
	"github.com/coursegrab/coursegrab/internal/telemetry"
	"github.com/coursegrab/coursegrab/internal/verify"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("coursegrab starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	// =========================================================================
	// Start Checkpoint Store
	store, err := sqlite.Open(cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	cs := sqlite.NewInstrumentedStore(store, tel)

	if cfg.SnapshotImportPath != "" {
		if err := importSnapshot(ctx, cs, cfg.SnapshotImportPath); err != nil {
			return fmt.Errorf("failed to import snapshot: %w", err)
		}
	}

	// =========================================================================
	// Start Transfer Engine
	client := fetch.NewClient(fetch.Options{
		MaxConns:        cfg.Pool.MaxConns,
		MaxConnsPerHost: cfg.Pool.MaxConnsPerHost,
		DNSCacheTTL:     cfg.Pool.DNSCacheTTL,
	})

	worker := downloader.NewWorker(
		cs,
		client,
		checkpoint.NewPathLocks(),
		cfg.MaxRetries,
		cfg.InitialRetryDelay,
		cfg.RetryForbidden,
	)
	dispatcher := downloader.NewDispatcher(worker, cfg.MaxParallel, tel)
	verifier := verify.New(cs, tel)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cs, verifier, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Load Manifest and Run
	if cfg.ManifestPath == "" {
		return fmt.Errorf("MANIFEST_PATH is required")
	}

	tasks, err := task.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	logger.Info("starting downloads",
		"task_count", len(tasks),
		"base_dir", cfg.BaseDir,
		"max_parallel", cfg.MaxParallel,
	)

	runErrors := make(chan error, 1)

	var outcomes []downloader.Outcome

	go func() {
		var err error

		outcomes, err = dispatcher.Run(ctx, tasks)
		runErrors <- err
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case err := <-runErrors:
		reportOutcomes(ctx, outcomes, cfg)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if serr := server.Shutdown(shutdownCtx); serr != nil {
			logger.Error("failed to gracefully shutdown the server", "err", serr)

			if serr = server.Close(); serr != nil {
				return fmt.Errorf("could not stop server gracefully: %w", serr)
			}
		}

		return err
	}
}

func reportOutcomes(ctx context.Context, outcomes []downloader.Outcome, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	succeeded, skipped, failed, canceled, bytes := downloader.Summarize(outcomes)

	logger.Info("run finished",
		"succeeded", succeeded,
		"skipped", skipped,
		"failed", failed,
		"canceled", canceled,
		"bytes", humanize.Bytes(uint64(bytes)),
	)

	for _, out := range outcomes {
		if out.Status != downloader.OutcomeFailure {
			continue
		}

		logger.Error("download failed",
			"path", out.Task.DestinationPath,
			"kind", string(out.ErrKind),
			"retries", out.Retries,
			"err", out.Err,
		)

		if notif != nil {
			msg := fmt.Sprintf("❌ Download failed: %s (%s, %d retries)",
				out.Task.Filename, out.ErrKind, out.Retries)
			if err := notif.Notify(msg); err != nil {
				logger.Error("failed to send notification", "err", err)
			}
		}
	}

	if notif != nil && failed == 0 && canceled == 0 {
		msg := fmt.Sprintf("✅ Run finished: %d downloaded, %d skipped, %s",
			succeeded, skipped, humanize.Bytes(uint64(bytes)))
		if err := notif.Notify(msg); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}
}

func importSnapshot(ctx context.Context, cs *sqlite.InstrumentedStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := cs.ImportSnapshot(ctx, f)
	if err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).Info("imported snapshot", "path", path, "records", n)

	return nil
}

// setupServer prepares the status API exposing statistics, records and the
// verification sweep.
func setupServer(ctx context.Context, store checkpoint.Store, verifier *verify.Verifier, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewStatusHandler(store, verifier, tel)

	r := chi.NewRouter()
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
