package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httphandlers "huddle/internal/handlers/http"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/monitoring"
	"huddle/internal/infrastructure/repositories/memory"
	signalserver "huddle/internal/infrastructure/signal"
	"huddle/pkg/config"
	"huddle/pkg/logger"
	"huddle/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	registry := memory.NewMemoryRoomRegistry()
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	opts := signalserver.DefaultOptions()
	opts.AllowedOrigin = cfg.Server.AllowedOrigin
	opts.PingInterval = cfg.Signal.PingInterval
	opts.PongTimeout = cfg.Signal.PongTimeout
	opts.WriteTimeout = cfg.Signal.WriteTimeout
	opts.MaxMessageSize = cfg.Signal.MaxMessageSize
	opts.SendBuffer = cfg.Signal.SendBuffer
	opts.RateLimitEnabled = cfg.RateLimiting.Enabled
	opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
	opts.Burst = cfg.RateLimiting.WebSocket.Burst

	sessionServer := signalserver.NewSessionServer(registry, collector, opts, zapLogger)
	roomHandler := httphandlers.NewRoomHandler(registry, sessionServer, collector, zapLogger)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigin))
	router.Use(middleware.RateLimit(cfg.RateLimiting.Enabled, cfg.RateLimiting.HTTP.RequestsPerSecond, cfg.RateLimiting.HTTP.Burst))
	if cfg.Tracing.Enabled {
		router.Use(middleware.Tracing())
	}

	roomHandler.SetupRoutes(router)
	router.GET(cfg.Signal.Path, gin.WrapF(sessionServer.HandleWebSocket))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting Huddle server", "address", cfg.Server.Address, "ws_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Infow("Huddle server stopped", "uptime", time.Since(startTime).String())
}
