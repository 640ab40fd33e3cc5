// cmd/migrate — 执行 PostgreSQL 迁移脚本后退出。
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/agentqa/test-executor/internal/config"
	"github.com/agentqa/test-executor/internal/database"
	"github.com/agentqa/test-executor/pkg/logger"
)

func main() {
	dir := flag.String("dir", "", "migrations directory (default MIGRATIONS_DIR)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", logger.FieldError, err)
	}
	logger.Init(cfg.AppEnv, cfg.LogLevel)

	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.FieldError, err)
	}
	defer pool.Close()

	n, err := database.MigrateCount(ctx, pool, migrationsDir)
	if err != nil {
		logger.Fatal("migration failed", logger.FieldPath, migrationsDir, logger.FieldError, err)
	}
	logger.Info("migration complete", logger.FieldPath, migrationsDir, logger.FieldCount, n)
}
