// handler.go — 测试执行与运行历史 REST handlers。
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentqa/test-executor/internal/runner"
	"github.com/agentqa/test-executor/internal/store"
	apperrors "github.com/agentqa/test-executor/pkg/errors"
	"github.com/agentqa/test-executor/pkg/util"
)

// 请求校验错误消息。
const (
	msgMissingScript = "Missing 'script' field"
	msgInvalidJSON   = "invalid JSON body"
	msgScriptType    = "'script' must be a string"
)

// registerRoutes 注册路由。
func (s *Server) registerRoutes() {
	s.router.POST("/run-test", s.runTest)
	s.router.GET("/healthz", s.healthz)

	runs := s.router.Group("/runs")
	runs.POST("", s.submitRun)
	runs.GET("", s.listRuns)
	runs.GET("/active", s.listActive)
	runs.GET("/:id", s.getRun)
	runs.POST("/:id/cancel", s.cancelRun)
	runs.GET("/:id/events", s.streamEvents)
	runs.GET("/:id/ws", s.streamWS)
}

// decodeScript 解析请求体中的 script 字段, 失败时返回对外错误消息。
// script 缺失或为 null 视为缺失字段。
func decodeScript(raw []byte) (string, string) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return "", msgInvalidJSON
	}
	v, ok := body["script"]
	if !ok || strings.TrimSpace(string(v)) == "null" {
		return "", msgMissingScript
	}
	var script string
	if err := json.Unmarshal(v, &script); err != nil {
		return "", msgScriptType
	}
	return script, ""
}

// readScript 读取请求体; 校验失败时已写出 400 响应。
func readScript(c *gin.Context) (string, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidJSON})
		return "", false
	}
	script, msg := decodeScript(raw)
	if msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return "", false
	}
	return script, true
}

// ========================================
// POST /run-test
// ========================================

// runTest 同步执行测试。成功时原样返回结果 JSON; 失败时返回 FAIL 结构体。
func (s *Server) runTest(c *gin.Context) {
	script, ok := readScript(c)
	if !ok {
		return
	}

	out, err := s.driver.Run(c.Request.Context(), script)
	if err != nil {
		var runErr *runner.RunError
		if errors.As(err, &runErr) && runErr.RunID != "" {
			c.Header(HeaderRunID, runErr.RunID)
		}
		status := http.StatusOK
		if s.opts.StrictHTTPStatus {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"status": "FAIL", "message": failMessage(err)})
		return
	}

	c.Header(HeaderRunID, out.RunID)
	c.Data(http.StatusOK, "application/json; charset=utf-8", out.Result)
}

// failMessage 失败消息统一为 "Test failed <cause>"。
func failMessage(err error) string {
	var runErr *runner.RunError
	if errors.As(err, &runErr) {
		return runErr.Error()
	}
	return (&runner.RunError{Err: err}).Error()
}

// ========================================
// /runs
// ========================================

func (s *Server) submitRun(c *gin.Context) {
	script, ok := readScript(c)
	if !ok {
		return
	}
	id, err := s.driver.Submit(c.Request.Context(), script)
	if err != nil {
		if errors.Is(err, runner.ErrShutdown) {
			apiError(c, http.StatusServiceUnavailable, "shutting_down", err.Error())
			return
		}
		serverError(c, err)
		return
	}
	c.Header(HeaderRunID, id)
	accepted(c, gin.H{"run_id": id})
}

func queryLimit(c *gin.Context, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || v < 1 {
		return def
	}
	return util.ClampInt(v, 1, 2000)
}

func (s *Server) listRuns(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", store.StatusPending, store.StatusRunning, store.StatusPassed, store.StatusFailed:
	default:
		badRequest(c, "invalid_status", "unknown status "+strconv.Quote(status))
		return
	}
	runs, err := s.driver.Store().List(c.Request.Context(), store.ListParams{
		Status:  status,
		Keyword: c.Query("keyword"),
		Limit:   queryLimit(c, 100),
	})
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, runs)
}

func (s *Server) listActive(c *gin.Context) {
	success(c, s.driver.Active())
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.driver.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			notFound(c, "run not found")
			return
		}
		serverError(c, err)
		return
	}
	success(c, run)
}

func (s *Server) cancelRun(c *gin.Context) {
	id := c.Param("id")
	err := s.driver.Cancel(id)
	if err == nil {
		success(c, gin.H{"run_id": id, "canceled": true})
		return
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		serverError(c, err)
		return
	}
	if _, getErr := s.driver.Store().Get(c.Request.Context(), id); getErr == nil {
		apiError(c, http.StatusConflict, "not_active", "run is not active")
		return
	}
	notFound(c, "run not found")
}

// ========================================
// GET /healthz
// ========================================

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"agent_kind":  s.opts.AgentKind,
		"version":     s.opts.Version,
		"active_runs": len(s.driver.Active()),
	})
}
