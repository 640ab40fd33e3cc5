// test_run_pg.go — PostgreSQL run 存储 (test_runs 表)。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/agentqa/test-executor/pkg/errors"
)

// PGRunStore PostgreSQL run 存储。
type PGRunStore struct{ BaseStore }

// NewPGRunStore 创建。
func NewPGRunStore(pool *pgxpool.Pool) *PGRunStore {
	return &PGRunStore{NewBaseStore(pool)}
}

var _ RunStore = (*PGRunStore)(nil)

const testRunCols = `id, script, status, agent_kind, result, result_source, error,
	event_count, results_dir, created_at, started_at, finished_at`

// Save 插入或更新 run。
func (s *PGRunStore) Save(ctx context.Context, run *TestRun) error {
	if err := validateRun("PGRunStore.Save", run); err != nil {
		return err
	}
	if s.pool == nil {
		return apperrors.New("PGRunStore.Save", "pool is required")
	}
	rows, err := s.pool.Query(ctx, `
		INSERT INTO test_runs (
			id, script, status, agent_kind, result, result_source, error,
			event_count, results_dir, created_at, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, COALESCE($10, NOW()), $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			agent_kind = EXCLUDED.agent_kind,
			result = EXCLUDED.result,
			result_source = EXCLUDED.result_source,
			error = EXCLUDED.error,
			event_count = EXCLUDED.event_count,
			results_dir = EXCLUDED.results_dir,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
		RETURNING `+testRunCols,
		run.ID,
		run.Script,
		run.Status,
		run.AgentKind,
		nullableJSON(run.Result),
		run.ResultSource,
		run.Error,
		run.EventCount,
		run.ResultsDir,
		nullTime(run.CreatedAt),
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return apperrors.WithCode(err, "PGRunStore.Save", apperrors.CodeDB, "upsert test run")
	}
	saved, err := collectOne[TestRun](rows)
	if err != nil {
		return apperrors.WithCode(err, "PGRunStore.Save", apperrors.CodeDB, "scan test run")
	}
	if saved != nil {
		run.CreatedAt = saved.CreatedAt
	}
	return nil
}

// Get 查询单个 run。
func (s *PGRunStore) Get(ctx context.Context, id string) (*TestRun, error) {
	if s.pool == nil {
		return nil, apperrors.New("PGRunStore.Get", "pool is required")
	}
	rows, err := s.pool.Query(ctx, "SELECT "+testRunCols+" FROM test_runs WHERE id = $1", id)
	if err != nil {
		return nil, apperrors.WithCode(err, "PGRunStore.Get", apperrors.CodeDB, "query test run")
	}
	run, err := collectOne[TestRun](rows)
	if err != nil {
		return nil, apperrors.WithCode(err, "PGRunStore.Get", apperrors.CodeDB, "scan test run")
	}
	if run == nil {
		return nil, notFound("PGRunStore.Get", id)
	}
	return run, nil
}

// List 列表查询。
func (s *PGRunStore) List(ctx context.Context, p ListParams) ([]TestRun, error) {
	if s.pool == nil {
		return nil, apperrors.New("PGRunStore.List", "pool is required")
	}
	q := NewQueryBuilder().
		Eq("status", p.Status).
		KeywordLike(p.Keyword, "script", "error")
	sql, params := q.Build("SELECT "+testRunCols+" FROM test_runs", "created_at DESC, id DESC", listLimit(p.Limit))
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.WithCode(err, "PGRunStore.List", apperrors.CodeDB, "list test runs")
	}
	return collectRows[TestRun](rows)
}

// Prune 保留最新 keep 条已结束 run。
func (s *PGRunStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	if s.pool == nil {
		return 0, apperrors.New("PGRunStore.Prune", "pool is required")
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM test_runs
		WHERE status IN ('passed', 'failed')
		  AND id NOT IN (
			SELECT id FROM test_runs
			WHERE status IN ('passed', 'failed')
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		  )`, keep)
	if err != nil {
		return 0, apperrors.WithCode(err, "PGRunStore.Prune", apperrors.CodeDB, "prune test runs")
	}
	return tag.RowsAffected(), nil
}

// FailUnfinished 结束所有 pending / running run。
func (s *PGRunStore) FailUnfinished(ctx context.Context, reason string) (int64, error) {
	if s.pool == nil {
		return 0, apperrors.New("PGRunStore.FailUnfinished", "pool is required")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE test_runs SET status = 'failed', error = $1, finished_at = NOW()
		WHERE status IN ('pending', 'running')`, reason)
	if err != nil {
		return 0, apperrors.WithCode(err, "PGRunStore.FailUnfinished", apperrors.CodeDB, "fail unfinished runs")
	}
	return tag.RowsAffected(), nil
}

// Close 连接池由调用方 (main) 管理, 这里不关闭。
func (s *PGRunStore) Close() error { return nil }
