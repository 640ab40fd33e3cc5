// Package runner 驱动单次测试 run: 构造 agent → 构建执行图 → 消费事件流 → 取回结果。
//
// 每个 run 拥有独立的 context (请求 ctx + run 超时) 与结果子目录,
// 进程内没有共享的可变 run 状态; 并发度由信号量限制。
//
// 生命周期: idle (等待槽位) → running → passed | failed, 每次变化写入 RunStore 并发布到 runstream。
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentqa/test-executor/internal/agent"
	"github.com/agentqa/test-executor/internal/results"
	"github.com/agentqa/test-executor/internal/runstream"
	"github.com/agentqa/test-executor/internal/store"
	apperrors "github.com/agentqa/test-executor/pkg/errors"
	"github.com/agentqa/test-executor/pkg/logger"
	"github.com/agentqa/test-executor/pkg/util"
)

var (
	// ErrNoResult agent 结束后既未回传结果, 结果目录也没有新文件。
	ErrNoResult = errors.New("no result file produced")

	// ErrInvalidResult 结果不是合法 JSON。
	ErrInvalidResult = errors.New("result is not valid JSON")

	// ErrCanceled run 被主动取消。
	ErrCanceled = errors.New("run canceled")

	// ErrShutdown 服务关闭, 未完成的 run 被中止。
	ErrShutdown = errors.New("server shutting down")
)

// RunError run 失败。Error() 即对外消息 "Test failed <cause>"。
type RunError struct {
	RunID string
	Err   error
}

func (e *RunError) Error() string { return "Test failed " + e.Err.Error() }

func (e *RunError) Unwrap() error { return e.Err }

// Outcome 成功 run 的结果。
type Outcome struct {
	RunID      string          `json:"run_id"`
	Result     json.RawMessage `json:"result"`
	Source     string          `json:"source"`                // store.SourceEvent | store.SourceFile
	ResultPath string          `json:"result_path,omitempty"` // Source=file 时的文件
	Events     int             `json:"events"`
}

// Options Driver 参数。
type Options struct {
	Factory        agent.Factory
	AgentKind      string
	ResultsDir     string
	PerRunDir      bool // 每个 run 使用 ResultsDir/<run_id> 子目录
	RecursionLimit int
	RunTimeout     time.Duration // 0 = 不限
	CloseTimeout   time.Duration
	MaxConcurrent  int
	HistoryLimit   int // RunStore 保留的已结束 run 数, 0 = 不清理

	Store  store.RunStore    // nil = 内存存储
	Broker *runstream.Broker // nil = 不推送
}

// Driver 测试 run 驱动器。并发安全。
type Driver struct {
	opts   Options
	sem    chan struct{}
	active *registry

	// 所有 run 的关闭信号, Shutdown 时取消 (异步 run 以其为根 context)
	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	// mu 保护 closing 与 wg.Add, 保证 Shutdown 开始后不再有 run 加入等待组
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New 创建 Driver。
func New(opts Options) (*Driver, error) {
	if opts.Factory == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "runner.New", "agent factory is required")
	}
	if opts.ResultsDir == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "runner.New", "results dir is required")
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.RecursionLimit < 1 {
		opts.RecursionLimit = 100
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 10 * time.Second
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryRunStore()
	}
	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	return &Driver{
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		active:     newRegistry(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Store 返回 run 存储。
func (d *Driver) Store() store.RunStore { return d.opts.Store }

// Broker 返回事件中转 (可能为 nil)。
func (d *Driver) Broker() *runstream.Broker { return d.opts.Broker }

// Active 活跃 run 快照。
func (d *Driver) Active() []RunInfo { return d.active.list() }

// IsActive run 是否仍在本进程中执行。
func (d *Driver) IsActive(runID string) bool { return d.active.get(runID) != nil }

// Run 同步执行一次测试, 在 ctx 内阻塞直到完成。失败时返回 *RunError。
func (d *Driver) Run(ctx context.Context, script string) (*Outcome, error) {
	if err := d.begin(); err != nil {
		return nil, &RunError{Err: err}
	}
	defer d.wg.Done()

	rec, err := d.accept(ctx, script)
	if err != nil {
		return nil, &RunError{Err: err}
	}
	return d.execute(ctx, rec)
}

// Submit 异步执行, 记录入库后立即返回 run id。
// run 不受调用方 ctx 取消影响, 由 Cancel / Shutdown 中止。
func (d *Driver) Submit(ctx context.Context, script string) (string, error) {
	if err := d.begin(); err != nil {
		return "", err
	}
	rec, err := d.accept(ctx, script)
	if err != nil {
		d.wg.Done()
		return "", err
	}
	util.SafeGo("runner.submit", func() {
		defer d.wg.Done()
		_, _ = d.execute(d.baseCtx, rec)
	})
	return rec.ID, nil
}

// Cancel 取消执行中的 run。
func (d *Driver) Cancel(runID string) error {
	r := d.active.get(runID)
	if r == nil {
		return apperrors.Wrapf(apperrors.ErrNotFound, "runner.Cancel", "active run %s", runID)
	}
	r.cancel(ErrCanceled)
	return nil
}

// begin 登记一个 run; Shutdown 开始后返回 ErrShutdown。
func (d *Driver) begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return ErrShutdown
	}
	d.wg.Add(1)
	return nil
}

// Shutdown 中止所有 run (同步与异步) 并等待其记录终态、释放 executor, 最多等到 ctx 结束。
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	d.baseCancel(ErrShutdown)
	d.active.cancelAll(ErrShutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), "runner.Shutdown", "wait for runs")
	}
}

// accept 分配 run id 并写入 pending 记录。
func (d *Driver) accept(ctx context.Context, script string) (*store.TestRun, error) {
	if d.baseCtx.Err() != nil {
		return nil, ErrShutdown
	}
	runID := uuid.NewString()
	rec := &store.TestRun{
		ID:         runID,
		Script:     script,
		Status:     store.StatusPending,
		AgentKind:  d.opts.AgentKind,
		ResultsDir: d.resultsDir(runID),
		CreatedAt:  time.Now(),
	}
	if err := d.opts.Store.Save(ctx, rec); err != nil {
		return nil, err
	}
	d.publishStatus(runID, StateIdle)
	return rec, nil
}

func (d *Driver) resultsDir(runID string) string {
	if d.opts.PerRunDir {
		return filepath.Join(d.opts.ResultsDir, runID)
	}
	return d.opts.ResultsDir
}

// execute 执行已受理的 run, 记录终态。
func (d *Driver) execute(parent context.Context, rec *store.TestRun) (*Outcome, error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	// 同步 run 的 parent 是请求 ctx, 关闭信号单独接入
	stop := context.AfterFunc(d.baseCtx, func() { cancel(ErrShutdown) })
	defer stop()

	log := logger.With(logger.FieldRunID, rec.ID, logger.FieldAgentKind, d.opts.AgentKind)
	ctx = logger.WithContext(ctx, log)

	run := &activeRun{id: rec.ID, state: StateIdle, createdAt: rec.CreatedAt, cancel: cancel}
	d.active.add(run)
	defer d.active.remove(rec.ID)

	start := time.Now()
	out, err := d.drive(ctx, rec, run)
	if err != nil {
		runErr := &RunError{RunID: rec.ID, Err: err}
		log.Error("test run failed",
			logger.FieldError, err,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
		d.finish(rec, run, StateFailed, nil, runErr.Error())
		return nil, runErr
	}

	log.Info("test run passed",
		logger.FieldSource, out.Source,
		logger.FieldCount, out.Events,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	d.finish(rec, run, StatePassed, out, "")
	return out, nil
}

// drive 执行核心: 槽位 → agent → 执行图 → 事件流 → 结果。
func (d *Driver) drive(ctx context.Context, rec *store.TestRun, run *activeRun) (out *Outcome, err error) {
	log := logger.FromContext(ctx)

	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	if d.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, d.opts.RunTimeout,
			apperrors.WithCode(apperrors.ErrTimeout, "runner.drive", apperrors.CodeTimeout,
				fmt.Sprintf("run exceeded %s", d.opts.RunTimeout)))
		defer cancel()
	}

	dir := rec.ResultsDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.WithCode(err, "runner.drive", apperrors.CodeResult, "create results dir")
	}
	// 开始前的目录快照排除先前 run 留下的文件; 快照外的文件再按开始时间过滤,
	// 取整到秒以兼容低精度 mtime。
	since := time.Now().Truncate(time.Second)
	seen, err := d.snapshot(dir)
	if err != nil {
		return nil, err
	}

	run.setState(StateRunning)
	now := time.Now()
	rec.Status = store.StatusRunning
	rec.StartedAt = &now
	d.save(rec)
	d.publishStatus(rec.ID, StateRunning)

	a, err := d.opts.Factory(ctx, agent.Spec{RunID: rec.ID})
	if err != nil {
		return nil, d.ctxCause(ctx, err)
	}
	if a == nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "runner.drive", "agent factory returned nil agent")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.CloseTimeout)
		defer cancel()
		closeErr := a.Executor().Close(closeCtx)
		if closeErr == nil {
			return
		}
		if err != nil {
			err = errors.Join(err, apperrors.Wrap(closeErr, "runner.drive", "close executor"))
			return
		}
		log.Warn("close executor failed", logger.FieldError, closeErr)
	}()

	graph, err := a.CreateGraph(ctx)
	if err != nil {
		return nil, d.ctxCause(ctx, err)
	}

	input := agent.NewInput(rec.Script, agent.RunConfig{
		RunID:          rec.ID,
		RecursionLimit: d.opts.RecursionLimit,
		ResultsDir:     dir,
	})

	var explicit json.RawMessage
	events := 0
	for ev, streamErr := range graph.Stream(ctx, input) {
		if streamErr != nil {
			return nil, d.ctxCause(ctx, streamErr)
		}
		events++
		run.addEvent()
		if m, ok := ev.LastMessage(); ok {
			log.Info("agent message", logger.FieldRole, m.Role, logger.FieldSeq, events, logger.FieldContent, m.Pretty())
		}
		if d.opts.Broker != nil {
			d.opts.Broker.Publish(rec.ID, ev)
		}
		if ev.HasResult() {
			explicit = ev.Result
		}
	}
	rec.EventCount = events
	// 流正常结束但 ctx 已取消 (超时 / Cancel) 仍按失败处理
	if ctx.Err() != nil {
		return nil, d.ctxCause(ctx, ctx.Err())
	}

	if explicit != nil {
		if !json.Valid(explicit) {
			return nil, apperrors.WithCode(ErrInvalidResult, "runner.drive", apperrors.CodeResult, "event result")
		}
		return &Outcome{RunID: rec.ID, Result: explicit, Source: store.SourceEvent, Events: events}, nil
	}

	path, err := d.locateResult(dir, since, seen)
	if err != nil {
		return nil, err
	}
	data, err := results.ReadJSON(path)
	if err != nil {
		if errors.Is(err, results.ErrInvalidJSON) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
		}
		return nil, err
	}
	log.Debug("result file read", logger.FieldPath, path)
	return &Outcome{RunID: rec.ID, Result: data, Source: store.SourceFile, ResultPath: path, Events: events}, nil
}

// dirSnapshots run 目录与根目录开始时的文件快照。
type dirSnapshots struct {
	run, root results.Snapshot
}

func (d *Driver) snapshot(dir string) (dirSnapshots, error) {
	var snaps dirSnapshots
	var err error
	if snaps.root, err = results.TakeSnapshot(d.opts.ResultsDir); err != nil {
		return snaps, err
	}
	snaps.run = snaps.root
	if dir != d.opts.ResultsDir {
		if snaps.run, err = results.TakeSnapshot(dir); err != nil {
			return snaps, err
		}
	}
	return snaps, nil
}

// locateResult 在 run 目录查找结果; 每 run 子目录为空时回退到根目录 (agent 忽略 results_dir 的情况)。
func (d *Driver) locateResult(dir string, since time.Time, seen dirSnapshots) (string, error) {
	path, ok, err := results.LatestFresh(dir, since, seen.run)
	if err != nil {
		return "", err
	}
	if !ok && dir != d.opts.ResultsDir {
		path, ok, err = results.LatestFresh(d.opts.ResultsDir, since, seen.root)
		if err != nil {
			return "", err
		}
	}
	if !ok {
		return "", apperrors.WithCode(ErrNoResult, "runner.drive", apperrors.CodeResult, dir)
	}
	return path, nil
}

func (d *Driver) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperrors.Wrap(context.Cause(ctx), "runner.acquire", "wait for run slot")
	}
}

func (d *Driver) release() { <-d.sem }

// ctxCause ctx 已结束时以取消原因 (超时 / Cancel / Shutdown) 替换传输层错误。
func (d *Driver) ctxCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %v", apperrors.ErrTimeout, cause)
	}
	if errors.Is(err, cause) {
		return err
	}
	return cause
}

// finish 写入终态并结束事件流。
func (d *Driver) finish(rec *store.TestRun, run *activeRun, state RunState, out *Outcome, errMsg string) {
	run.setState(state)
	now := time.Now()
	rec.Status = state.storeStatus()
	rec.FinishedAt = &now
	rec.Error = errMsg
	if out != nil {
		rec.Result = out.Result
		rec.ResultSource = out.Source
		rec.EventCount = out.Events
	}
	d.save(rec)
	if d.opts.Broker != nil {
		d.opts.Broker.Finish(rec.ID, string(state), errMsg)
	}
	d.prune()
}

// save 持久化失败只记日志, 不影响 run 结果。
func (d *Driver) save(rec *store.TestRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.opts.Store.Save(ctx, rec); err != nil {
		logger.Error("save test run failed",
			logger.FieldRunID, rec.ID,
			logger.FieldStatus, rec.Status,
			logger.FieldError, err,
		)
	}
}

func (d *Driver) prune() {
	if d.opts.HistoryLimit <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := d.opts.Store.Prune(ctx, d.opts.HistoryLimit)
	if err != nil {
		logger.Warn("prune test runs failed", logger.FieldError, err)
		return
	}
	if n > 0 {
		logger.Debug("test runs pruned", logger.FieldCount, n)
	}
}

func (d *Driver) publishStatus(runID string, state RunState) {
	if d.opts.Broker != nil {
		d.opts.Broker.PublishStatus(runID, string(state))
	}
	logger.Debug("run state", logger.FieldRunID, runID, logger.FieldState, string(state))
}
