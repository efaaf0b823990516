package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jupark12/docflow/analysis"
	"github.com/jupark12/docflow/broker"
	"github.com/jupark12/docflow/config"
	"github.com/jupark12/docflow/extract"
	"github.com/jupark12/docflow/period"
	"github.com/jupark12/docflow/progress"
	"github.com/jupark12/docflow/queue"
	"github.com/jupark12/docflow/retry"
	"github.com/jupark12/docflow/server"
	"github.com/jupark12/docflow/store"
	"github.com/jupark12/docflow/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("docflow stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	periodStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hubOpts := []progress.Option{
		progress.WithBufferSize(cfg.Stream.SubscriberBuffer),
		progress.WithLogger(logger),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, events will be dropped until it is back", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
		sink := progress.NewRedisSink(rdb, cfg.Redis.Channel, 0, logger)
		defer sink.Close()
		hubOpts = append(hubOpts, progress.WithSink(sink))
		logger.Info("publishing progress to redis", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}
	hub := progress.New(hubOpts...)

	jobs := queue.NewJobQueue(hub, logger)
	periods := period.NewAggregator(periodStore, jobs, hub, logger)
	if err := periods.Load(ctx); err != nil {
		return fmt.Errorf("load periods: %w", err)
	}

	extractor, err := newExtractor(cfg.Extractor, logger)
	if err != nil {
		return err
	}
	backoff, err := retry.ParseBackoff(cfg.Retry.Backoff)
	if err != nil {
		return err
	}
	policy := retry.New(
		retry.WithMaxRetries(cfg.Retry.MaxRetries),
		retry.WithBaseDelay(cfg.Retry.BaseDelay),
		retry.WithMaxDelay(cfg.Retry.MaxDelay),
		retry.WithBackoff(backoff),
	)

	var tracker *analysis.Tracker
	var observer analysis.Observer = analysis.Nop{}
	if cfg.ErrorAnalysis {
		tracker = analysis.NewTracker(100, logger)
		observer = tracker
	}

	w := worker.NewWorker("worker-1", extractor, policy, jobs, observer, logger)
	sched := queue.NewScheduler(jobs, w, queue.SchedulerConfig{
		MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs,
		PageConcurrency:   cfg.Scheduler.PageConcurrency,
	}, logger)
	b := broker.New(jobs, sched, periods, hub, tracker, logger)
	go b.RunJanitor(ctx, cfg.Scheduler.CleanupInterval, cfg.Scheduler.JobRetention)

	if cfg.Server.GRPCHealthAddr != "" {
		stopHealth, err := startHealthServer(cfg.Server.GRPCHealthAddr, logger)
		if err != nil {
			return err
		}
		defer stopHealth()
	}

	srv := server.NewServer(b, server.Options{
		Uploads:           store.Uploads{Root: cfg.Server.UploadDir},
		MaxUploadBytes:    cfg.Server.MaxUploadBytes,
		StreamMaxDuration: cfg.Stream.MaxDuration,
		KeepAlive:         cfg.Stream.KeepAlive,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("docflow listening", "addr", cfg.Server.HTTPAddr,
			"max_concurrent_jobs", cfg.Scheduler.MaxConcurrentJobs, "page_concurrency", cfg.Scheduler.PageConcurrency,
			"extractor", cfg.Extractor.Kind, "period_store", cfg.Store.Kind)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running were cancelled", "error", err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// openStore returns the configured period store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (period.Store, func(), error) {
	noop := func() {}
	switch cfg.Store.Kind {
	case "memory":
		return period.NewMemoryStore(), noop, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		s, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close sqlite", "error", err)
			}
		}, nil
	case "postgres":
		s, err := store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
			DialTimeout:     cfg.Database.DialTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := store.NewFile(cfg.Store.PeriodFile)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	}
}

func newExtractor(cfg config.ExtractorConfig, logger *slog.Logger) (extract.Extractor, error) {
	if cfg.Kind != "http" {
		return extract.PDFText{}, nil
	}
	client, err := extract.NewHTTPClient(extract.HTTPConfig{
		URL:         cfg.URL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}
	return client, nil
}

// startHealthServer serves the gRPC health protocol for orchestrators.
func startHealthServer(addr string, logger *slog.Logger) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	logger.Info("grpc health listening", "addr", addr)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC serve error", "error", err)
		}
	}()
	return func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}, nil
}
