// Package httpapi 提供测试执行 HTTP 服务 (gin)。
//
// POST /run-test 同步执行并原样返回结果 JSON; /runs 系列路由提供异步提交、
// 运行历史与实时事件流 (SSE / WebSocket)。
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agentqa/test-executor/internal/runner"
	"github.com/agentqa/test-executor/pkg/logger"
)

// HeaderRunID 响应头, 携带本次 run id。
const HeaderRunID = "X-Run-ID"

// Options Server 参数。
type Options struct {
	Driver *runner.Driver
	// StrictHTTPStatus 为 true 时 run 失败返回 502, 否则 200。
	StrictHTTPStatus bool
	AgentKind        string
	Version          string
	// KeepAlive SSE 心跳间隔, 0 = 30s。
	KeepAlive time.Duration
}

// Server 测试执行 HTTP 服务。
type Server struct {
	router   *gin.Engine
	driver   *runner.Driver
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer 创建服务并注册路由。
func NewServer(opts Options) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	s := &Server{
		router: r,
		driver: opts.Driver,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// requestLogger 以结构化日志记录每个请求。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.FromContext(c.Request.Context()).Info("http request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.FullPath(),
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldRemote, c.ClientIP(),
			logger.FieldLatencyMS, time.Since(start).Milliseconds(),
		)
	}
}
