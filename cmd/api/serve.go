package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"frameline/api/internal/app"
	"frameline/api/internal/config"
	"frameline/api/internal/logger"
	"frameline/api/internal/notify"
	"frameline/api/internal/observability"
	"frameline/api/internal/realtime"
	"frameline/api/internal/search"
	"frameline/api/internal/store"
)

var version = "dev"

func newServeCommand(ctx *commandContext) *cobra.Command {
	var memory bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, cfg, memory)
		},
	}

	cmd.Flags().BoolVar(&memory, "memory", false, "Use the in-memory store instead of Postgres")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, memory bool) error {
	log, err := logger.New(cfg.LogMode, cfg.LogRedaction)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	tracing, err := observability.InitTracing(ctx, log, observability.TracingConfig{
		ServiceName: "frameline-api",
		Version:     version,
		Exporter:    cfg.TraceExporter,
		Endpoint:    cfg.TraceEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
		Insecure:    strings.HasPrefix(cfg.TraceEndpoint, "localhost") || strings.HasPrefix(cfg.TraceEndpoint, "127.0.0.1"),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	var publisher notify.Publisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisPublisher, err := realtime.NewRedisPublisher(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			return err
		}
		defer redisPublisher.Close()
		publisher = redisPublisher
		log.Info("realtime notifications enabled", "channel", redisPublisher.Channel())
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}

	var svc *app.Service
	options := app.Options{Logger: log, Tracer: tracing.Tracer()}
	if memory {
		log.Warn("using in-memory store; data is lost on exit")
		ms := store.NewMemoryStore()
		options.Notifier = notify.New(ms, publisher, log)
		options.Search = search.NewService(meiliClient, nil, log)
		svc = app.New(cfg, ms, options)
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		ps := store.NewPostgresStore(db)
		pgfts := search.NewPgFTS(db)
		searchService := search.NewService(meiliClient, pgfts, log)
		searchService.ReindexFromPG(ctx, pgfts)
		options.Notifier = notify.New(ps, publisher, log)
		options.Search = searchService
		svc = app.New(cfg, ps, options)
	}

	httpServer := app.NewHTTPServer(svc, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("frameline api listening", "addr", cfg.Addr, "memory", memory)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
	log.Info("frameline api stopped")
	return nil
}
