// Command agentmux runs the control plane for remote coding agents in
// a single process: the HTTP control API, the /bridge WebSocket
// endpoint, the live event stream, and the simulation engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/httpmw"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/common/tracing"
	"github.com/agentmux/agentmux/internal/control"
	"github.com/agentmux/agentmux/internal/control/api"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "directory holding config.yaml (defaults: . and /etc/agentmux)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	log.Info("Starting agentmux control plane",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("nats_mirror", cfg.NATS.URL != ""))

	// 3. Build the control context (bus, audit, governor, auth, hub,
	//    dispatch, simulation)
	ctrl, err := control.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to build control context", zap.Error(err))
	}

	// 4. HTTP router and middleware
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.CORS())
	router.Use(httpmw.RequestLogger(log, "agentmux"))
	router.Use(httpmw.OtelTracing("agentmux"))
	api.SetupRoutes(router, ctrl, log)

	// WriteTimeout of 0 keeps SSE streams and bridge sockets alive.
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 5. Serve until signalled, then drain
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Control API listening",
			zap.String("addr", server.Addr),
			zap.String("bridge", "/bridge"),
			zap.String("api", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down agentmux")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", zap.Error(err))
		}
		ctrl.Close(shutdownCtx)
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracer shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
	log.Info("agentmux stopped")
}
