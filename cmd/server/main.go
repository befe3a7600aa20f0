package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	apihttp "torrentresume/internal/api/http"
	"torrentresume/internal/app"
	"torrentresume/internal/domain"
	"torrentresume/internal/domain/ports"
	"torrentresume/internal/events"
	"torrentresume/internal/metrics"
	mongorepo "torrentresume/internal/repository/mongo"
	redisrepo "torrentresume/internal/repository/redis"
	"torrentresume/internal/repository/resumefile"
	"torrentresume/internal/services/torrent/engine/anacrolix"
	"torrentresume/internal/services/torrent/resume"
	"torrentresume/internal/telemetry"
)

const serviceName = "torrent-resume"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.String("resumeStore", cfg.ResumeStore),
		slog.String("resumeDir", cfg.ResumeDir),
		slog.Duration("saveInterval", cfg.SaveInterval),
		slog.Duration("drainTimeout", cfg.DrainTimeout),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("resume store init failed", slog.String("store", cfg.ResumeStore), slog.String("error", err.Error()))
		os.Exit(1)
	}

	bus := events.New()
	sub := bus.Subscribe(cfg.EventBuffer)

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:   cfg.TorrentDataDir,
		Publisher: bus,
		Logger:    logger,
		Heartbeat: cfg.HeartbeatInterval,
	})
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	engine.Start()

	scheduler := resume.NewScheduler(resume.Config{
		Engine:     engine,
		Store:      store,
		Logger:     logger,
		Interval:   cfg.SaveInterval,
		WriteQueue: cfg.WriteQueue,
	})

	var limiter *rate.Limiter
	if cfg.LoadRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LoadRate), 1)
	}
	loader := resume.Loader{
		Store:   store,
		Decoder: engine,
		Engine:  engine,
		Logger:  logger,
		Limiter: limiter,
	}

	handler := apihttp.NewServer(scheduler,
		apihttp.WithTorrents(engine),
		apihttp.WithLogger(logger),
		apihttp.WithRateLimit(cfg.HTTPRateLimit, cfg.HTTPRateBurst),
		apihttp.WithServiceName(serviceName),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return scheduler.Run(gctx, sub.C)
	})
	g.Go(func() error {
		return handler.RunBroadcaster(gctx, cfg.HeartbeatInterval)
	})
	g.Go(func() error {
		logger.Info("server started", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	// Restore persisted torrents in the background so HTTP starts immediately.
	g.Go(func() error {
		_, err := loader.LoadAll(gctx, domain.AddParams{SavePath: cfg.TorrentDataDir})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case <-gctx.Done():
		logger.Warn("component stopped, shutting down")
	}

	if cfg.DrainTimeout > 0 {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		if err := scheduler.Drain(drainCtx); err != nil {
			logger.Warn("resume drain incomplete",
				slog.String("error", err.Error()),
				slog.Int("inFlight", scheduler.Status().InFlight),
			)
		}
		drainCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}

	cancelRun()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", slog.String("error", err.Error()))
	}

	if err := scheduler.Close(shutdownCtx); err != nil {
		logger.Warn("resume writer flush incomplete", slog.String("error", err.Error()))
	}
	bus.Close()
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if err := closeStore(context.Background()); err != nil {
		logger.Warn("resume store close error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// openStore builds the configured resume store and a function releasing its
// connection.
func openStore(ctx context.Context, cfg app.Config, logger *slog.Logger) (ports.ResumeStore, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.ResumeStore {
	case app.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := mongorepo.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		repo := mongorepo.NewResumeRepository(client, cfg.MongoDatabase, cfg.MongoResumeCollection)
		if err := repo.EnsureIndexes(connectCtx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		return repo, client.Disconnect, nil

	case app.StoreRedis:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := redisrepo.Connect(connectCtx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connect: %w", err)
		}
		return redisrepo.NewResumeStore(client, cfg.RedisPrefix), func(context.Context) error {
			return client.Close()
		}, nil

	default:
		return resumefile.New(afero.NewOsFs(), cfg.ResumeDir), noop, nil
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	opts := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
