// Package wsagent 通过 WebSocket 驱动常驻 agent 服务。
//
// 协议: 连接建立后客户端发送一条 agent.Input JSON 文本帧,
// 服务端逐帧推送 agent.Event JSON, 以 done 事件或正常关闭帧结束。
package wsagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentqa/test-executor/internal/agent"
	apperrors "github.com/agentqa/test-executor/pkg/errors"
	"github.com/agentqa/test-executor/pkg/logger"
	"github.com/agentqa/test-executor/pkg/util"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	pingInterval     = 20 * time.Second

	// defaultReadIdle 单步推理可能较慢, 空闲超时放宽。
	defaultReadIdle = 5 * time.Minute
)

// Options WebSocket agent 参数。
type Options struct {
	URL      string
	Headers  map[string]string
	ReadIdle time.Duration // 0 = defaultReadIdle
}

// NewFactory 返回 WebSocket agent 工厂。构造时不建立连接。
func NewFactory(opts Options) agent.Factory {
	if opts.ReadIdle <= 0 {
		opts.ReadIdle = defaultReadIdle
	}
	return func(ctx context.Context, spec agent.Spec) (agent.Agent, error) {
		if opts.URL == "" {
			return nil, apperrors.WithCode(apperrors.ErrInvalidInput, "wsagent.New", apperrors.CodeAgent, "agent ws url is empty")
		}
		return &Agent{opts: opts, runID: spec.RunID, conn: &connection{runID: spec.RunID, done: make(chan struct{})}}, nil
	}
}

// Agent 单次 run 的 WebSocket agent。
type Agent struct {
	opts  Options
	runID string
	conn  *connection
}

// Executor 返回连接句柄。
func (a *Agent) Executor() agent.Executor { return a.conn }

// CreateGraph 建立 WebSocket 连接。
func (a *Agent) CreateGraph(ctx context.Context) (agent.Graph, error) {
	if a.conn.closed.Load() {
		return nil, agent.ErrClosed
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: handshakeTimeout}).DialContext,
	}
	header := http.Header{}
	for k, v := range a.opts.Headers {
		header.Set(k, v)
	}
	header.Set("X-Run-ID", a.runID)

	ws, resp, err := dialer.DialContext(ctx, a.opts.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (handshake status %d)", err, resp.StatusCode)
		}
		return nil, apperrors.WithCode(err, "wsagent.CreateGraph", apperrors.CodeAgent, "dial agent")
	}
	readIdle := a.opts.ReadIdle
	_ = ws.SetReadDeadline(time.Now().Add(readIdle))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readIdle))
		return nil
	})
	if !a.conn.attach(ws) {
		_ = ws.Close()
		return nil, agent.ErrClosed
	}
	util.SafeGo("wsagent.ping", a.conn.pingLoop)

	logger.Info("agent ws connected", logger.FieldRunID, a.runID, logger.FieldURL, a.opts.URL)
	return &graph{conn: a.conn, readIdle: readIdle}, nil
}

// ========================================
// graph
// ========================================

type graph struct {
	conn     *connection
	readIdle time.Duration
	started  atomic.Bool
}

// Stream 发送输入并逐帧产出事件。只能调用一次。
func (g *graph) Stream(ctx context.Context, in agent.Input) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		if !g.started.CompareAndSwap(false, true) {
			yield(agent.Event{}, apperrors.New("wsagent.Stream", "graph already streamed"))
			return
		}
		ws := g.conn.current()
		if ws == nil {
			yield(agent.Event{}, agent.ErrClosed)
			return
		}

		// ctx 取消时关闭底层连接, 中断阻塞中的 ReadMessage。
		stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
		defer stop()

		g.conn.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := ws.WriteJSON(in)
		g.conn.writeMu.Unlock()
		if err != nil {
			yield(agent.Event{}, g.failure(ctx, apperrors.WithCode(err, "wsagent.Stream", apperrors.CodeAgent, "send input")))
			return
		}

		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
					return
				}
				yield(agent.Event{}, g.failure(ctx, apperrors.WithCode(err, "wsagent.Stream", apperrors.CodeAgent, "read event")))
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(g.readIdle))
			if msgType != websocket.TextMessage {
				continue
			}
			var ev agent.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				yield(agent.Event{}, fmt.Errorf("%w: decode event: %v", agent.ErrProtocol, err))
				return
			}
			if ev.Error != "" {
				yield(agent.Event{}, apperrors.WithCode(errors.New(ev.Error), "wsagent.Stream", apperrors.CodeAgent, "agent reported failure"))
				return
			}
			if !yield(ev, nil) {
				return
			}
			if ev.Done {
				return
			}
		}
	}
}

func (g *graph) failure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if g.conn.closed.Load() {
		return agent.ErrClosed
	}
	return err
}

// ========================================
// connection
// ========================================

type connection struct {
	runID string

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex // gorilla 只允许单个并发 writer

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// attach 绑定连接; 已关闭则返回 false。
func (c *connection) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.ws = ws
	return true
}

func (c *connection) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}
	return c.ws
}

func (c *connection) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ws := c.current()
			if ws == nil {
				return
			}
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				logger.Debug("agent ws ping failed", logger.FieldRunID, c.runID, logger.FieldError, err)
				return
			}
		}
	}
}

// Close 发送关闭帧后断开连接。幂等。
func (c *connection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		ws := c.ws
		c.mu.Unlock()
		close(c.done)
		if ws == nil {
			return
		}

		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
		_ = ws.WriteControl(websocket.CloseMessage, closeMsg, deadline)
		_ = ws.Close()
		logger.Debug("agent ws closed", logger.FieldRunID, c.runID)
	})
	return nil
}
