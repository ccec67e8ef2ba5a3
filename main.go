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

	"github.com/example/banana-ripeness/internal/classifier"
	"github.com/example/banana-ripeness/internal/config"
	"github.com/example/banana-ripeness/internal/grpcclient"
	"github.com/example/banana-ripeness/internal/handlers"
	"github.com/example/banana-ripeness/internal/logging"
	"github.com/example/banana-ripeness/internal/metrics"
	"github.com/example/banana-ripeness/internal/repository"
	"github.com/example/banana-ripeness/internal/upload"
	"github.com/example/banana-ripeness/internal/usecase"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := repository.NewDetectionStore(cfg.DetectionsFile(), logger)
	if err != nil {
		logger.Fatal("failed to prepare detection log", zap.Error(err))
	}
	uploads, err := upload.NewStore(cfg.UploadDir, logger)
	if err != nil {
		logger.Fatal("failed to prepare upload directory", zap.Error(err))
	}

	client, closeClient, err := buildClassifier(ctx, cfg.Classifier, logger)
	if err != nil {
		logger.Fatal("failed to connect to classifier", zap.Error(err))
	}
	defer closeClient()

	m := metrics.New()
	opts := []usecase.Option{usecase.WithMetrics(m)}

	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient)))
	}

	if cfg.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		attempts := repository.NewAttemptRepository(db, logger)
		if err := attempts.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts = append(opts, usecase.WithAttemptRecorder(attempts))
	}

	uc := usecase.NewDetectionUseCase(store, uploads, client, logger, opts...)

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	handlers.RegisterRoutes(r, uc, handlers.Options{
		UploadDir:      uploads.Dir(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		Metrics:        m,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("ripeness API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("classifier_backend", cfg.Classifier.Backend),
		zap.String("detections_file", cfg.DetectionsFile()),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildClassifier(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (classifier.Client, func(), error) {
	if cfg.Backend == config.BackendGRPC {
		client, conn, err := grpcclient.DialClassifier(ctx, cfg.GRPCAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = conn.Close() }, nil
	}

	client := classifier.NewHTTPClient(classifier.HTTPConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Version: cfg.Version,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
	}, logger)
	return client, func() {}, nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
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
