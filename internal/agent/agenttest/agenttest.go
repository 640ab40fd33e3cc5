// Package agenttest 提供按脚本产出事件的内存 agent, 供 runner / httpapi 测试使用。
package agenttest

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentqa/test-executor/internal/agent"
)

// Agent 脚本化 agent。零值可用 (不产出事件)。
//
// 同一个 Agent 可作为多个 run 的工厂 (Factory), 计数器在所有 run 间共享。
type Agent struct {
	Events []agent.Event // 依次产出

	FailAt int   // >0 时在产出第 FailAt 个事件前返回 Err
	Err    error // 流错误 / 构造错误

	NewErr         error // Factory 返回的错误
	CreateGraphErr error // CreateGraph 返回的错误
	CloseErr       error // Executor.Close 返回的错误

	// Block 为非 nil 时, 产出全部事件后阻塞直到 Block 关闭或 ctx 取消。
	Block chan struct{}

	// WriteResult 非空时, 流结束前把内容写入 in.Config.ResultsDir/ResultName。
	WriteResult []byte
	ResultName  string
	// ResultDir 非空时写入该目录而非 in.Config.ResultsDir。
	ResultDir string
	// ResultMTime 非零时设置结果文件修改时间。
	ResultMTime time.Time

	mu     sync.Mutex
	inputs []agent.Input
	specs  []agent.Spec

	creates atomic.Int32
	closes  atomic.Int32
}

// Factory 返回构造本 Agent 的工厂。
func (a *Agent) Factory() agent.Factory {
	return func(ctx context.Context, spec agent.Spec) (agent.Agent, error) {
		if a.NewErr != nil {
			return nil, a.NewErr
		}
		a.mu.Lock()
		a.specs = append(a.specs, spec)
		a.mu.Unlock()
		return &instance{parent: a}, nil
	}
}

// Closes Executor.Close 被调用次数。
func (a *Agent) Closes() int { return int(a.closes.Load()) }

// Creates CreateGraph 被调用次数。
func (a *Agent) Creates() int { return int(a.creates.Load()) }

// Inputs 已收到的执行图输入。
func (a *Agent) Inputs() []agent.Input {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Input(nil), a.inputs...)
}

// Specs 已收到的构造参数。
func (a *Agent) Specs() []agent.Spec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Spec(nil), a.specs...)
}

type instance struct {
	parent *Agent
}

func (i *instance) Executor() agent.Executor { return executor{parent: i.parent} }

func (i *instance) CreateGraph(ctx context.Context) (agent.Graph, error) {
	i.parent.creates.Add(1)
	if i.parent.CreateGraphErr != nil {
		return nil, i.parent.CreateGraphErr
	}
	return graph{parent: i.parent}, nil
}

type executor struct {
	parent *Agent
}

func (e executor) Close(ctx context.Context) error {
	e.parent.closes.Add(1)
	return e.parent.CloseErr
}

type graph struct {
	parent *Agent
}

func (g graph) Stream(ctx context.Context, in agent.Input) iter.Seq2[agent.Event, error] {
	a := g.parent
	return func(yield func(agent.Event, error) bool) {
		a.mu.Lock()
		a.inputs = append(a.inputs, in)
		a.mu.Unlock()

		for idx, ev := range a.Events {
			if a.FailAt > 0 && idx+1 == a.FailAt {
				yield(agent.Event{}, a.Err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(agent.Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if a.FailAt > len(a.Events) {
			yield(agent.Event{}, a.Err)
			return
		}

		if a.WriteResult != nil {
			dir := in.Config.ResultsDir
			if a.ResultDir != "" {
				dir = a.ResultDir
			}
			if err := writeResult(dir, a.ResultName, a.WriteResult, a.ResultMTime); err != nil {
				yield(agent.Event{}, err)
				return
			}
		}

		if a.Block != nil {
			select {
			case <-a.Block:
			case <-ctx.Done():
				yield(agent.Event{}, ctx.Err())
			}
		}
	}
}

func writeResult(dir, name string, data []byte, mtime time.Time) error {
	if name == "" {
		name = "result.json"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	if !mtime.IsZero() {
		return os.Chtimes(path, mtime, mtime)
	}
	return nil
}
