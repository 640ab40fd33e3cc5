// stream.go — run 事件实时推送: SSE 与 WebSocket。
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agentqa/test-executor/internal/runstream"
	apperrors "github.com/agentqa/test-executor/pkg/errors"
	"github.com/agentqa/test-executor/pkg/logger"
	"github.com/agentqa/test-executor/pkg/util"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

// subscription 订阅结果。events 关闭表示 run 结束或订阅者被断开。
type subscription struct {
	backlog []runstream.StreamEvent
	events  <-chan runstream.StreamEvent
	cancel  func()
}

// parseCursor 读取游标: ?after=N 优先, 其次 Last-Event-ID。
func parseCursor(c *gin.Context) (int64, bool) {
	raw := c.Query("after")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// subscribe 校验 run 并订阅其事件流; 失败时已写出错误响应。
//
// broker 中已无历史 (run 来自上次进程或已被淘汰) 的已结束 run, 以存储记录合成一条 end 事件;
// 未结束却无人执行的 run 返回 409, 不挂起等待。
func (s *Server) subscribe(c *gin.Context) (*subscription, bool) {
	broker := s.driver.Broker()
	if broker == nil {
		apiError(c, http.StatusServiceUnavailable, "stream_disabled", "live stream is disabled")
		return nil, false
	}
	cursor, ok := parseCursor(c)
	if !ok {
		badRequest(c, "invalid_cursor", "after must be a non-negative integer")
		return nil, false
	}

	id := c.Param("id")
	run, err := s.driver.Store().Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			notFound(c, "run not found")
			return nil, false
		}
		serverError(c, err)
		return nil, false
	}

	if !run.Finished() && !broker.Has(id) && !s.driver.IsActive(id) {
		apiError(c, http.StatusConflict, "not_active", "run is not finished and no longer executing")
		return nil, false
	}
	if run.Finished() && !broker.Has(id) {
		done := make(chan runstream.StreamEvent)
		close(done)
		end := runstream.StreamEvent{RunID: id, Type: runstream.TypeEnd, Status: run.Status, Error: run.Error}
		if run.FinishedAt != nil {
			end.Time = *run.FinishedAt
		}
		return &subscription{backlog: []runstream.StreamEvent{end}, events: done, cancel: func() {}}, true
	}

	backlog, events, cancel, err := broker.Subscribe(id, cursor)
	if err != nil {
		switch {
		case errors.Is(err, runstream.ErrCursorExpired):
			apiError(c, http.StatusGone, "cursor_expired", err.Error())
		case errors.Is(err, runstream.ErrCursorInvalid):
			badRequest(c, "invalid_cursor", err.Error())
		default:
			serverError(c, err)
		}
		return nil, false
	}
	return &subscription{backlog: backlog, events: events, cancel: cancel}, true
}

// ========================================
// SSE
// ========================================

func renderSSE(c *gin.Context, se runstream.StreamEvent) {
	ev := sse.Event{Event: se.Type, Data: se}
	if se.ID > 0 {
		ev.Id = strconv.FormatInt(se.ID, 10)
	}
	c.Render(-1, ev)
}

// streamEvents GET /runs/:id/events — 先回放游标之后的历史, 再推送实时事件, end 事件后断开。
func (s *Server) streamEvents(c *gin.Context) {
	sub, ok := s.subscribe(c)
	if !ok {
		return
	}
	defer sub.cancel()

	runID := c.Param("id")
	log := logger.FromContext(c.Request.Context()).With(logger.FieldRunID, runID, logger.FieldSubscriber, "sse")
	log.Debug("stream client connected")
	defer log.Debug("stream client disconnected")

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for _, se := range sub.backlog {
		renderSSE(c, se)
	}
	c.Writer.Flush()

	keepAlive := s.opts.KeepAlive
	keepalive := time.NewTimer(keepAlive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case se, ok := <-sub.events:
			if !ok {
				return false
			}
			renderSSE(c, se)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(keepAlive)
			return se.Type != runstream.TypeEnd
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(keepAlive)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// ========================================
// WebSocket
// ========================================

// wsCloseMessage run 已结束时正常关闭; 未见 end 事件即断开 (订阅者过慢被 broker 丢弃) 时
// 用 1013 通知客户端带游标重连。
func wsCloseMessage(sawEnd bool, lastID int64) []byte {
	if sawEnd {
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	}
	return websocket.FormatCloseMessage(websocket.CloseTryAgainLater,
		"subscriber too slow, resume with after="+strconv.FormatInt(lastID, 10))
}

// streamWS GET /runs/:id/ws — 每个流事件一帧 JSON 文本, run 结束后发送正常关闭帧。
func (s *Server) streamWS(c *gin.Context) {
	sub, ok := s.subscribe(c)
	if !ok {
		return
	}
	defer sub.cancel()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失败时已写出 HTTP 错误
		logger.FromContext(c.Request.Context()).Warn("ws upgrade failed", logger.FieldError, err)
		return
	}
	defer ws.Close()

	runID := c.Param("id")
	log := logger.FromContext(c.Request.Context()).With(logger.FieldRunID, runID, logger.FieldSubscriber, "ws")
	log.Debug("stream client connected")
	defer log.Debug("stream client disconnected")

	// 读循环处理控制帧, 客户端断开时关闭 gone。
	gone := make(chan struct{})
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	util.SafeGo("httpapi.ws.read", func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	var (
		sawEnd bool
		lastID int64
	)
	write := func(se runstream.StreamEvent) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := ws.WriteJSON(se); err != nil {
			log.Debug("ws write failed", logger.FieldError, err)
			return false
		}
		if se.ID > 0 {
			lastID = se.ID
		}
		sawEnd = sawEnd || se.Type == runstream.TypeEnd
		return true
	}
	for _, se := range sub.backlog {
		if !write(se) {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case se, ok := <-sub.events:
			if !ok {
				if !sawEnd {
					log.Warn("ws subscriber dropped", logger.FieldSeq, lastID)
				}
				_ = ws.WriteControl(websocket.CloseMessage, wsCloseMessage(sawEnd, lastID), time.Now().Add(wsWriteTimeout))
				return
			}
			if !write(se) {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
