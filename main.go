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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/spoof-detector/internal/config"
	"github.com/example/spoof-detector/internal/grpchealth"
	"github.com/example/spoof-detector/internal/handlers"
	"github.com/example/spoof-detector/internal/inference"
	"github.com/example/spoof-detector/internal/logging"
	"github.com/example/spoof-detector/internal/repository"
	"github.com/example/spoof-detector/internal/usecase"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "spoof-detector",
		Short:        "Real vs. spoof face classification API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(config.Load())
		},
	}
	root.AddCommand(newServeCommand(), newDetectCommand(), newHealthcheckCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(config.Load())
		},
	}
}

func runServe(cfg config.Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	model, closeModel := loadModel(cfg, logger)
	defer closeModel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo, err := initRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("detection log unavailable", zap.Error(err))
		return err
	}

	cache, closeCache, err := initCache(ctx, cfg, logger)
	if err != nil {
		logger.Error("result cache unavailable", zap.Error(err))
		return err
	}
	defer closeCache()

	uc := usecase.NewDetectionUseCase(model, repo, cache, logger, usecase.WithCacheTTL(cfg.CacheTTL))

	router := handlers.NewRouter(uc, logger, handlers.RouterOptions{
		AllowOrigins: cfg.CORSAllowOrigins,
		Gzip:         cfg.GzipEnabled,
	})

	if cfg.GRPCAddr != "" {
		stopGRPC, err := startHealthServer(cfg.GRPCAddr, uc.ModelLoaded(), logger)
		if err != nil {
			logger.Error("grpc health service failed to start", zap.Error(err))
			return err
		}
		defer stopGRPC()
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("spoof detector listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("model_loaded", uc.ModelLoaded()),
		zap.Bool("detection_log", repo != nil),
		zap.Bool("cache", cache != nil),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

// loadModel never fails the process: a model that cannot be loaded leaves the
// service running and reporting itself unhealthy.
func loadModel(cfg config.Config, logger *zap.Logger) (inference.Model, func()) {
	ortModel, err := inference.Load(inference.ModelConfig{
		Path:        cfg.ModelPath,
		LibraryPath: cfg.ONNXRuntimeLib,
		InputName:   cfg.ModelInputName,
		OutputName:  cfg.ModelOutputName,
	}, logger)
	if err != nil {
		logger.Error("error loading model, starting degraded", zap.Error(err), zap.String("model_path", cfg.ModelPath))
		return nil, func() {}
	}
	return ortModel, func() {
		if err := ortModel.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}
}

func initRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (usecase.DetectionRepository, error) {
	if !cfg.DetectionLogEnabled() {
		return nil, nil
	}

	db, err := repository.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, logging.NewOperationError("main.open_database", "", err)
	}

	repo := repository.NewDetectionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func initCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (usecase.Cache, func(), error) {
	if !cfg.CacheEnabled() {
		return nil, func() {}, nil
	}

	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cache, err := usecase.DialRedisCache(redisCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, logging.NewOperationError("main.dial_redis", "", err)
	}
	logger.Info("result cache connected", zap.String("addr", cfg.RedisAddr))
	return cache, func() {
		if err := cache.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}, nil
}

func startHealthServer(addr string, modelLoaded bool, logger *zap.Logger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, logging.NewOperationError("main.listen_grpc", "", err)
	}

	server := grpchealth.NewServer(modelLoaded, logger)
	go func() {
		if err := server.Serve(listener); err != nil {
			logger.Error("grpc health service stopped", zap.Error(err))
		}
	}()
	logger.Info("grpc health service listening", zap.String("addr", addr))
	return server.GracefulStop, nil
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

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

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
