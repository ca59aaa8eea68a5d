package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/deepfake-detector/internal/auth"
	"github.com/example/deepfake-detector/internal/config"
	"github.com/example/deepfake-detector/internal/events"
	"github.com/example/deepfake-detector/internal/handlers"
	"github.com/example/deepfake-detector/internal/imageio"
	"github.com/example/deepfake-detector/internal/localmodel"
	"github.com/example/deepfake-detector/internal/logging"
	"github.com/example/deepfake-detector/internal/remotevision"
	"github.com/example/deepfake-detector/internal/repository"
	"github.com/example/deepfake-detector/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sinks := []events.Sink{events.NewJSONLSink(cfg.EventJSONLPath)}
	if repo := initEventRepository(ctx, cfg.DatabaseDSN, logger); repo != nil {
		sinks = append(sinks, repo)
	}
	recorder := events.NewRecorder(logger, cfg.EventQueueSize, events.NewCSVSink(cfg.EventCSVPath), sinks...)

	var cache usecase.Cache
	if redisClient := initRedis(ctx, cfg.RedisAddr, logger); redisClient != nil {
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	}

	adapter := localmodel.Load(ctx, cfg.Local, logger)
	defer adapter.Close()

	remote := remotevision.NewClient(cfg.Remote, logger)
	if !remote.Configured() {
		logger.Warn("remote vision credentials not configured, only local members will be used")
	}

	uc := usecase.NewClassificationUseCase(usecase.Deps{
		Remote:   remote,
		Local:    adapter,
		Fetcher:  imageio.NewFetcher(cfg.MaxUploadBytes),
		Cache:    cache,
		Recorder: recorder,
		CacheTTL: cfg.CacheTTL,
	}, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(handlers.Recovery(logger), handlers.RequestLogger(logger), handlers.CORS(cfg.CORSAllowOrigin))
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	handlers.RegisterRoutes(r, handlers.Options{
		Classifier:     uc,
		Events:         recorder,
		Members:        adapter,
		Auth:           auth.Optional(cfg.JWTSecret, cfg.JWTAudience),
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RemoteModels:   cfg.Remote.Models,
		EventLogPath:   cfg.EventCSVPath,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("deepfake detection API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.Strings("local_models", adapter.Loaded()),
		zap.Bool("remote_configured", remote.Configured()),
	)
	serveErr := serveHTTPServer(server, cfg.ShutdownTimeout, logger)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := recorder.Close(drainCtx); err != nil {
		logger.Warn("event recorder did not drain", zap.Error(err))
	}
	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

// initEventRepository returns nil when no DSN is set or the database is unreachable.
func initEventRepository(ctx context.Context, dsn string, zapLogger *zap.Logger) *repository.EventRepository {
	if dsn == "" {
		return nil
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Warn("event database disabled", zap.Error(err))
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Warn("event database disabled", zap.Error(err))
		return nil
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Warn("event database ping failed, sink disabled", zap.Error(err))
		return nil
	}

	repo := repository.NewEventRepository(db, zapLogger)
	if err := repo.AutoMigrate(ctx); err != nil {
		zapLogger.Warn("event table migration failed, sink disabled", zap.Error(err))
		return nil
	}
	return repo
}

// initRedis returns nil when caching is disabled or Redis is unreachable.
func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Warn("redis unavailable, response cache disabled", zap.String("addr", addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
