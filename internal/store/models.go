// models.go — run 记录模型 (db tag 供 pgx.RowToStructByName 使用)。
package store

import (
	"encoding/json"
	"time"
)

// Run 状态。idle 仅存在于内存, 入库即为 pending。
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
)

// 结果来源。
const (
	SourceEvent = "event" // agent 在事件中显式回传
	SourceFile  = "file"  // 结果目录中的最新文件
)

// TestRun 一次测试执行记录。
type TestRun struct {
	ID           string          `db:"id" json:"id"`
	Script       string          `db:"script" json:"script"`
	Status       string          `db:"status" json:"status"`
	AgentKind    string          `db:"agent_kind" json:"agent_kind"`
	Result       json.RawMessage `db:"result" json:"result,omitempty"`
	ResultSource string          `db:"result_source" json:"result_source,omitempty"`
	Error        string          `db:"error" json:"error,omitempty"`
	EventCount   int             `db:"event_count" json:"event_count"`
	ResultsDir   string          `db:"results_dir" json:"results_dir"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	StartedAt    *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// Finished 是否处于终态。
func (r *TestRun) Finished() bool {
	return r.Status == StatusPassed || r.Status == StatusFailed
}

// Clone 深拷贝 (内存 store 返回副本, 避免调用方修改内部状态)。
func (r *TestRun) Clone() *TestRun {
	if r == nil {
		return nil
	}
	out := *r
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// ListParams 列表查询参数。
type ListParams struct {
	Status  string
	Keyword string // 匹配 script / error
	Limit   int
}
