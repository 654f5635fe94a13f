package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/api"
	"github.com/Guizzs26/go-pos-sync/internal/app"
	"github.com/Guizzs26/go-pos-sync/internal/barcode"
	"github.com/Guizzs26/go-pos-sync/internal/config"
	"github.com/Guizzs26/go-pos-sync/internal/localstore"
	"github.com/Guizzs26/go-pos-sync/internal/pricecache"
	"github.com/Guizzs26/go-pos-sync/internal/processor"
	"github.com/Guizzs26/go-pos-sync/internal/service"
	"github.com/Guizzs26/go-pos-sync/pkg/infra"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("CRITICAL: intake stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("🚀 POS intake initializing...",
		"pid", os.Getpid(),
		"remote_backend", cfg.RemoteBackend,
		"holding_backend", cfg.HoldingBackend,
	)

	if err := os.MkdirAll(filepath.Dir(cfg.LocalDBPath), 0o755); err != nil {
		return err
	}
	local, err := localstore.Open(ctx, cfg.LocalDBPath, logger)
	if err != nil {
		return err
	}
	defer local.Close()

	prices := pricecache.New(pricecache.NewSourceFetcher(), cfg.PriceCharset, logger)
	if err := prices.Load(ctx, cfg.PriceSources...); err != nil {
		// partial reference data still helps; captures work without any
		logger.Warn("Price reference load incomplete", "error", err, "entries", prices.Len())
	}

	// remote links come up in the background so the till works offline from the first second
	primary := app.ConnectPrimary(ctx, cfg, logger)
	defer primary.Close()
	holding := app.ConnectHolding(ctx, cfg, logger)
	defer holding.Close()

	printer, closePrinter := app.NewLabelPrinter(cfg, logger)
	defer closePrinter()

	locker, closeLocker, err := app.NewLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	blobs, closeBlobs, err := app.NewBlobStore(ctx, cfg, logger)
	if err != nil {
		// photos stay local until a restart with a reachable bucket
		logger.Error("Blob store unavailable, inline images will fail to sync", "error", err)
		blobs, closeBlobs = nil, func() {}
	}
	defer closeBlobs()

	opts := service.DefaultSaveQueueOptions()
	opts.MaxAttempts = cfg.QueueMaxAttempts
	opts.BatchSize = cfg.QueueConcurrency
	opts.RemoteTimeout = cfg.RemoteTimeout

	handler := processor.NewAttemptHandler(primary, holding, cfg.RemoteTimeout, service.FallbackAttempts(opts.MaxAttempts), logger)
	queue := service.NewSaveQueue(local, prices, handler, barcode.NewGenerator(primary), printer, logger, opts)
	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer queue.Stop()

	syncer := service.NewSynchronizer(local, primary, blobs, locker, logger, service.SynchronizerOptions{
		Interval:      cfg.SyncInterval,
		RemoteTimeout: cfg.RemoteTimeout,
		RetentionDays: cfg.RetentionDays,
	})
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		syncer.Run(ctx)
	}()

	go startObservabilityServer(ctx, cfg.MetricsPort, logger)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.NewHandler(queue, local, syncer, prices, logger), cfg.CORSOrigins)
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("✅ Intake API online", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("👋 Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			cancel()
			<-syncDone
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}

	cancel()
	<-syncDone
	logger.Info("✅ Shutdown complete")
	return nil
}

func startObservabilityServer(ctx context.Context, port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("INTAKE ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
