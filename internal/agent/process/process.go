// Package process 以子进程方式驱动外部 agent。
//
// 协议 (NDJSON):
//   - stdin: 一行 agent.Input JSON, 写完即关闭
//   - stdout: 每行一个 agent.Event JSON; 非 JSON 行视为 agent 自身打印, 记 debug 日志后跳过
//   - stderr: 逐行转为 slog 日志, 尾部保留用于失败消息
//   - 退出码非 0 视为执行失败
//
// 生命周期: CreateGraph 启动进程 → Stream 消费事件 → Executor.Close 终止进程组。
package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentqa/test-executor/internal/agent"
	apperrors "github.com/agentqa/test-executor/pkg/errors"
	"github.com/agentqa/test-executor/pkg/logger"
	"github.com/agentqa/test-executor/pkg/util"
)

const (
	// maxLineBytes 单行事件上限 (消息列表可能很长)。
	maxLineBytes = 8 * 1024 * 1024

	// stderrTailBytes 失败消息中保留的 stderr 尾部。
	stderrTailBytes = 2048

	// termGrace SIGTERM 后等待进程退出的时长, 超时 SIGKILL。
	termGrace = 3 * time.Second
)

// Options 子进程 agent 参数。
type Options struct {
	Command string
	Args    []string
	Env     []string // 追加到 os.Environ()
	WorkDir string
}

// NewFactory 返回子进程 agent 工厂。命令不存在时构造失败 (不启动进程)。
func NewFactory(opts Options) agent.Factory {
	return func(ctx context.Context, spec agent.Spec) (agent.Agent, error) {
		if _, err := exec.LookPath(opts.Command); err != nil {
			return nil, apperrors.WithCode(err, "process.New", apperrors.CodeAgent,
				fmt.Sprintf("agent command %q not found", opts.Command))
		}
		return &Agent{opts: opts, runID: spec.RunID, exec: &executor{runID: spec.RunID}}, nil
	}
}

// Agent 单次 run 的子进程 agent。
type Agent struct {
	opts  Options
	runID string
	exec  *executor
}

// Executor 返回进程句柄。
func (a *Agent) Executor() agent.Executor { return a.exec }

// CreateGraph 启动子进程。
func (a *Agent) CreateGraph(ctx context.Context) (agent.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// 不使用 exec.CommandContext: 进程生命周期由 Executor.Close 显式管理,
	// ctx 取消在 Stream 内转为 kill。
	cmd := exec.Command(a.opts.Command, a.opts.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = a.opts.WorkDir
	cmd.Env = append(os.Environ(), a.opts.Env...)
	cmd.Env = append(cmd.Env, "TEST_RUN_ID="+a.runID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Wrap(err, "process.CreateGraph", "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Wrap(err, "process.CreateGraph", "stdout pipe")
	}
	tail := util.NewTailBuffer(stderrTailBytes)
	collector := logger.NewStderrCollector(a.runID, tail)
	cmd.Stderr = collector

	if err := cmd.Start(); err != nil {
		_ = collector.Close()
		return nil, apperrors.WithCode(err, "process.CreateGraph", apperrors.CodeAgent, "spawn agent")
	}

	a.exec.attach(cmd, stdin, collector, tail)
	logger.Info("agent process spawned",
		logger.FieldRunID, a.runID,
		logger.FieldCommand, a.opts.Command,
		logger.FieldPID, cmd.Process.Pid,
	)
	return &graph{exec: a.exec, stdout: stdout}, nil
}

// ========================================
// graph
// ========================================

type graph struct {
	exec    *executor
	stdout  io.Reader
	started atomic.Bool
}

// Stream 写入输入并逐行产出事件。只能调用一次。
func (g *graph) Stream(ctx context.Context, in agent.Input) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		if !g.started.CompareAndSwap(false, true) {
			yield(agent.Event{}, apperrors.New("process.Stream", "graph already streamed"))
			return
		}
		if g.exec.closed.Load() {
			yield(agent.Event{}, agent.ErrClosed)
			return
		}

		stop := context.AfterFunc(ctx, g.exec.kill)
		defer stop()

		if err := g.exec.writeInput(in); err != nil {
			yield(agent.Event{}, g.exec.failure(ctx, apperrors.Wrap(err, "process.Stream", "write input")))
			return
		}

		scanner := bufio.NewScanner(g.stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			if line[0] != '{' {
				logger.Debug("agent stdout", logger.FieldRunID, g.exec.runID, logger.FieldContent, string(line))
				continue
			}
			var ev agent.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				yield(agent.Event{}, fmt.Errorf("%w: decode event: %v", agent.ErrProtocol, err))
				return
			}
			if ev.Error != "" {
				yield(agent.Event{}, apperrors.WithCode(errors.New(ev.Error), "process.Stream", apperrors.CodeAgent, "agent reported failure"))
				return
			}
			if !yield(ev, nil) {
				return
			}
			if ev.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(agent.Event{}, g.exec.failure(ctx, apperrors.Wrap(err, "process.Stream", "read stdout")))
			return
		}

		if err := g.exec.wait(); err != nil {
			yield(agent.Event{}, g.exec.failure(ctx, err))
		}
	}
}

// ========================================
// executor
// ========================================

type executor struct {
	runID string

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	collector *logger.StderrCollector
	tail      *util.TailBuffer

	waitOnce sync.Once
	waitErr  error
	waitDone chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (e *executor) attach(cmd *exec.Cmd, stdin io.WriteCloser, collector *logger.StderrCollector, tail *util.TailBuffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmd = cmd
	e.stdin = stdin
	e.collector = collector
	e.tail = tail
	e.waitDone = make(chan struct{})
}

func (e *executor) writeInput(in agent.Input) error {
	e.mu.Lock()
	stdin := e.stdin
	e.mu.Unlock()
	if stdin == nil {
		return agent.ErrClosed
	}
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	return stdin.Close()
}

// wait 等待进程退出 (只调用一次 cmd.Wait)。
func (e *executor) wait() error {
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil {
		return nil
	}
	e.waitOnce.Do(func() {
		err := cmd.Wait()
		// Wait 返回时 stderr 已全部写入 collector, 关闭以确保尾部完整。
		_ = e.collector.Close()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				err = apperrors.WithCode(err, "process.Wait", apperrors.CodeAgent,
					fmt.Sprintf("agent exited with code %d", exitErr.ExitCode()))
			}
		}
		e.waitErr = err
		close(e.waitDone)
	})
	return e.waitErr
}

// failure ctx 取消优先; 否则附加 stderr 尾部。
func (e *executor) failure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if tail := e.tail.String(); tail != "" {
		return fmt.Errorf("%w; stderr: %s", err, tail)
	}
	return err
}

// kill 强制终止整个进程组。
func (e *executor) kill() { e.signal(syscall.SIGKILL) }

func (e *executor) signal(sig syscall.Signal) {
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	// 尝试发给整个进程组, 回退到单进程。
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// Close 终止子进程并回收资源: SIGTERM → 等待 termGrace 或 ctx → SIGKILL。幂等。
func (e *executor) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.mu.Lock()
		cmd, stdin, collector := e.cmd, e.stdin, e.collector
		e.mu.Unlock()
		if cmd == nil {
			return
		}
		_ = stdin.Close()

		go func() { _ = e.wait() }()
		select {
		case <-e.waitDone:
		default:
			logger.Info("agent process terminating", logger.FieldRunID, e.runID, logger.FieldPID, cmd.Process.Pid)
			e.signal(syscall.SIGTERM)
			grace := time.NewTimer(termGrace)
			defer grace.Stop()
			select {
			case <-e.waitDone:
			case <-grace.C:
				e.kill()
				<-e.waitDone
			case <-ctx.Done():
				e.kill()
				<-e.waitDone
				e.closeErr = apperrors.Wrap(ctx.Err(), "process.Close", "close interrupted, process killed")
			}
		}
		_ = collector.Close()
	})
	return e.closeErr
}
