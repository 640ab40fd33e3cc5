// Package agent 定义外部 AI 测试自动化 agent 的调用契约。
//
// 一次 run 的调用序列:
//
//	a, _ := factory(ctx, spec)          // 构造 agent
//	defer a.Executor().Close(ctx)       // 所有出口释放 executor
//	g, _ := a.CreateGraph(ctx)          // 构建执行图
//	for ev, err := range g.Stream(ctx, in) { ... }
//
// agent 的推理过程不在本仓库内, 这里只描述传输层 (process / ws) 需要满足的接口。
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
)

var (
	// ErrClosed executor 已关闭后继续使用。
	ErrClosed = errors.New("agent: executor closed")

	// ErrProtocol agent 输出不符合事件协议。
	ErrProtocol = errors.New("agent: protocol violation")
)

// 消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message 对话消息 (事件 messages 列表的元素)。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Event agent 执行图的一次进度快照。
//
// Messages 为当前完整消息列表 (stream_mode=values), 可能缺省。
// Result 为 agent 显式回传的结果 JSON; 非空时优先于结果目录文件。
// Error 非空表示 agent 报告执行失败, 流随即终止。
type Event struct {
	Messages []Message       `json:"messages,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Done     bool            `json:"done,omitempty"`
}

// LastMessage 返回最后一条消息。
func (e Event) LastMessage() (Message, bool) {
	if len(e.Messages) == 0 {
		return Message{}, false
	}
	return e.Messages[len(e.Messages)-1], true
}

// HasResult 事件是否携带显式结果 (JSON null 视为无结果)。
func (e Event) HasResult() bool {
	r := strings.TrimSpace(string(e.Result))
	return r != "" && r != "null"
}

// RunConfig 传给 agent 的执行参数。
type RunConfig struct {
	RunID          string `json:"run_id"`
	RecursionLimit int    `json:"recursion_limit"`
	ResultsDir     string `json:"results_dir"`
}

// Input 执行图输入。
type Input struct {
	Messages   []Message `json:"messages"`
	StreamMode string    `json:"stream_mode"`
	Config     RunConfig `json:"config"`
}

// NewInput 以单条用户消息 (BDD 脚本) 构造输入。
func NewInput(script string, cfg RunConfig) Input {
	return Input{
		Messages:   []Message{{Role: RoleUser, Content: script}},
		StreamMode: "values",
		Config:     cfg,
	}
}

// Graph agent 执行图。Stream 产出事件序列, 序列结束即执行完成。
// 产出非 nil error 后序列终止。
type Graph interface {
	Stream(ctx context.Context, in Input) iter.Seq2[Event, error]
}

// Executor agent 持有的外部资源 (子进程 / 连接)。Close 幂等。
type Executor interface {
	Close(ctx context.Context) error
}

// Agent 单次 run 使用的 agent 实例。
type Agent interface {
	CreateGraph(ctx context.Context) (Graph, error)
	Executor() Executor
}

// Spec 构造 agent 时的 run 级参数。
type Spec struct {
	RunID string
}

// Factory 每次 run 构造一个新的 agent。
type Factory func(ctx context.Context, spec Spec) (Agent, error)
