package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentqa/test-executor/pkg/logger"
)

// OpenSQLite 打开 (或创建) SQLite 数据库, 确保父目录存在。
// 连接参数: WAL 日志 + 5s busy_timeout。
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite at %s: %w", path, err)
	}
	if err := InitSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("sqlite opened", logger.FieldPath, path)
	return db, nil
}

// InitSQLiteSchema 创建 test_runs 表 (幂等)。时间列存 Unix 纳秒。
func InitSQLiteSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS test_runs (
			id            TEXT PRIMARY KEY,
			script        TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			agent_kind    TEXT NOT NULL DEFAULT '',
			result        TEXT,
			result_source TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			event_count   INTEGER NOT NULL DEFAULT 0,
			results_dir   TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			started_at    INTEGER,
			finished_at   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_test_runs_created_at ON test_runs(created_at);
		CREATE INDEX IF NOT EXISTS idx_test_runs_status ON test_runs(status);
	`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}
