package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agentqa/test-executor/pkg/errors"
	"github.com/agentqa/test-executor/pkg/logger"
)

// 统一响应辅助 (/runs 系列路由共用; /run-test 保持原样结果格式)。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": data})
}

func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func badRequest(c *gin.Context, code, message string) {
	apiError(c, http.StatusBadRequest, code, message)
}

func notFound(c *gin.Context, message string) {
	apiError(c, http.StatusNotFound, "not_found", message)
}

// serverError 只对外暴露错误码 (如 DB_ERROR), 原始错误仅写日志。
func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("internal error", logger.Any(logger.FieldError, err))
	body := gin.H{"code": "internal_error", "message": "internal server error"}
	if code := apperrors.CodeOf(err); code != "" {
		body["error_code"] = code
	}
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": body})
}
