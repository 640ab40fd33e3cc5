// test_run_sqlite.go — SQLite run 存储 (单机部署, 无需 PostgreSQL)。
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/agentqa/test-executor/pkg/errors"
)

// SQLiteRunStore SQLite run 存储。db 由 database.OpenSQLite 打开。
type SQLiteRunStore struct {
	db *sql.DB
}

// NewSQLiteRunStore 创建。
func NewSQLiteRunStore(db *sql.DB) *SQLiteRunStore {
	return &SQLiteRunStore{db: db}
}

var _ RunStore = (*SQLiteRunStore)(nil)

// Save 插入或更新 run。
func (s *SQLiteRunStore) Save(ctx context.Context, run *TestRun) error {
	if err := validateRun("SQLiteRunStore.Save", run); err != nil {
		return err
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_runs (
			id, script, status, agent_kind, result, result_source, error,
			event_count, results_dir, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			agent_kind = excluded.agent_kind,
			result = excluded.result,
			result_source = excluded.result_source,
			error = excluded.error,
			event_count = excluded.event_count,
			results_dir = excluded.results_dir,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		run.ID,
		run.Script,
		run.Status,
		run.AgentKind,
		nullableJSON(run.Result),
		run.ResultSource,
		run.Error,
		run.EventCount,
		run.ResultsDir,
		run.CreatedAt.UnixNano(),
		unixNano(run.StartedAt),
		unixNano(run.FinishedAt),
	)
	if err != nil {
		return apperrors.WithCode(err, "SQLiteRunStore.Save", apperrors.CodeDB, "upsert test run")
	}
	return nil
}

const sqliteRunCols = `id, script, status, agent_kind, result, result_source, error,
	event_count, results_dir, created_at, started_at, finished_at`

// Get 查询单个 run。
func (s *SQLiteRunStore) Get(ctx context.Context, id string) (*TestRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteRunCols+" FROM test_runs WHERE id = ?", id)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("SQLiteRunStore.Get", id)
	}
	if err != nil {
		return nil, apperrors.WithCode(err, "SQLiteRunStore.Get", apperrors.CodeDB, "scan test run")
	}
	return run, nil
}

// List 列表查询。
func (s *SQLiteRunStore) List(ctx context.Context, p ListParams) ([]TestRun, error) {
	q := NewSQLiteQueryBuilder().
		Eq("status", p.Status).
		KeywordLike(p.Keyword, "script", "error")
	query, params := q.Build("SELECT "+sqliteRunCols+" FROM test_runs", "created_at DESC, id DESC", listLimit(p.Limit))
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, apperrors.WithCode(err, "SQLiteRunStore.List", apperrors.CodeDB, "list test runs")
	}
	defer rows.Close()

	var runs []TestRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, apperrors.WithCode(err, "SQLiteRunStore.List", apperrors.CodeDB, "scan test run")
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Prune 保留最新 keep 条已结束 run。
func (s *SQLiteRunStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM test_runs
		WHERE status IN ('passed', 'failed')
		  AND id NOT IN (
			SELECT id FROM test_runs
			WHERE status IN ('passed', 'failed')
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		  )`, keep)
	if err != nil {
		return 0, apperrors.WithCode(err, "SQLiteRunStore.Prune", apperrors.CodeDB, "prune test runs")
	}
	return res.RowsAffected()
}

// FailUnfinished 结束所有 pending / running run。
func (s *SQLiteRunStore) FailUnfinished(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE test_runs SET status = 'failed', error = ?, finished_at = ?
		WHERE status IN ('pending', 'running')`, reason, time.Now().UnixNano())
	if err != nil {
		return 0, apperrors.WithCode(err, "SQLiteRunStore.FailUnfinished", apperrors.CodeDB, "fail unfinished runs")
	}
	return res.RowsAffected()
}

// Close 关闭数据库。
func (s *SQLiteRunStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*TestRun, error) {
	var (
		run               TestRun
		result            sql.NullString
		created           int64
		started, finished sql.NullInt64
	)
	err := row.Scan(
		&run.ID, &run.Script, &run.Status, &run.AgentKind, &result, &run.ResultSource, &run.Error,
		&run.EventCount, &run.ResultsDir, &created, &started, &finished,
	)
	if err != nil {
		return nil, err
	}
	if result.Valid {
		run.Result = json.RawMessage(result.String)
	}
	run.CreatedAt = time.Unix(0, created)
	run.StartedAt = fromUnixNano(started)
	run.FinishedAt = fromUnixNano(finished)
	return &run, nil
}

func unixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromUnixNano(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
