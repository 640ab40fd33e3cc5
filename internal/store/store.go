// Package store 持久化测试 run 记录。
//
// 三种实现共享 RunStore 接口:
//   - PGRunStore:     PostgreSQL (pgxpool), 生产部署
//   - SQLiteRunStore: 单机文件 (go-sqlite3)
//   - MemoryRunStore: 进程内, 默认与测试
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/agentqa/test-executor/pkg/errors"
)

// RunStore run 记录存储。Get 对未知 id 返回 apperrors.ErrNotFound。
type RunStore interface {
	// Save 按 id 插入或更新整条记录 (created_at 以首次写入为准)。
	Save(ctx context.Context, run *TestRun) error
	Get(ctx context.Context, id string) (*TestRun, error)
	// List 按创建时间倒序。
	List(ctx context.Context, p ListParams) ([]TestRun, error)
	// Prune 仅保留最新 keep 条已结束记录, 返回删除条数。keep <= 0 不删除。
	Prune(ctx context.Context, keep int) (int64, error)
	// FailUnfinished 把 pending / running 记录标为 failed 并写入 reason, 返回更新条数。
	// 启动时调用: 上一个进程留下的未结束 run 已无人执行。
	FailUnfinished(ctx context.Context, reason string) (int64, error)
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 2000
)

func notFound(op, id string) error {
	return apperrors.Wrapf(apperrors.ErrNotFound, op, "run %s", id)
}

func validateRun(op string, run *TestRun) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, "run id is required")
	}
	switch run.Status {
	case StatusPending, StatusRunning, StatusPassed, StatusFailed:
		return nil
	default:
		return apperrors.Wrap(apperrors.ErrInvalidInput, op, fmt.Sprintf("unknown status %q", run.Status))
	}
}

// nullTime 零值时间写入 NULL (由数据库默认值填充)。
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
