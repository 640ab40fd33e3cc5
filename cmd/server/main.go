// cmd/server — 测试执行服务主入口。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentqa/test-executor/internal/config"
	"github.com/agentqa/test-executor/internal/httpapi"
	"github.com/agentqa/test-executor/internal/runner"
	"github.com/agentqa/test-executor/internal/runstream"
	"github.com/agentqa/test-executor/pkg/logger"
	"github.com/agentqa/test-executor/pkg/util"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", logger.FieldError, err)
	}
	logger.Init(cfg.AppEnv, cfg.LogLevel)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir, cfg.LogLevel); err != nil {
			logger.Fatal("log file init failed", logger.FieldError, err)
		}
		defer logger.ShutdownFileHandler()
	}
	if !logger.IsDevelopment(cfg.AppEnv) {
		gin.SetMode(gin.ReleaseMode)
	}

	runStore, err := openRunStore(ctx, cfg)
	if err != nil {
		logger.Fatal("run store init failed", logger.FieldStore, cfg.RunStore, logger.FieldError, err)
	}
	defer runStore.Close()

	factory, err := newRegistry(cfg).Get(cfg.AgentKind)
	if err != nil {
		logger.Fatal("agent init failed", logger.FieldAgentKind, cfg.AgentKind, logger.FieldError, err)
	}

	driver, err := runner.New(runner.Options{
		Factory:        factory,
		AgentKind:      cfg.AgentKind,
		ResultsDir:     cfg.ResultsDir,
		PerRunDir:      cfg.ResultsPerRun,
		RecursionLimit: cfg.AgentRecursionLimit,
		RunTimeout:     cfg.RunTimeout(),
		CloseTimeout:   cfg.CloseTimeout(),
		MaxConcurrent:  cfg.AgentMaxConcurrentRuns,
		HistoryLimit:   cfg.RunHistoryLimit,
		Store:          runStore,
		Broker:         runstream.New(cfg.StreamHistoryLimit, 0),
	})
	if err != nil {
		logger.Fatal("runner init failed", logger.FieldError, err)
	}

	srv := httpapi.NewServer(httpapi.Options{
		Driver:           driver,
		StrictHTTPStatus: cfg.StrictHTTPStatus,
		AgentKind:        cfg.AgentKind,
		Version:          version,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("test executor starting",
		logger.FieldAddr, cfg.HTTPAddr,
		logger.FieldAgentKind, cfg.AgentKind,
		logger.FieldStore, cfg.RunStore,
		logger.FieldVersion, version,
	)

	serveErr := make(chan error, 1)
	util.SafeGo("http.serve", func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	})

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", logger.FieldError, err)
			os.Exit(1)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer shutdownCancel()

	gracefulShutdown(shutdownCtx, httpServer, driver)
	logger.Info("stopped")
}
