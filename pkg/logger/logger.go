// Package logger 提供基于 slog 的结构化日志。
//
// 核心功能:
//   - Init() 配置默认日志器 (开发环境 tint 彩色输出, 生产环境 JSON)
//   - InitWithFile() 同时输出到 stdout 和日志文件
//   - FromContext() 上下文感知日志 (每个 run 独立的 run_id 字段)
//   - 包级便捷方法 (Info/Error/Warn/Debug/Fatal)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"

	pkgerr "github.com/agentqa/test-executor/pkg/errors"
)

var (
	// defaultLogger 使用 atomic.Pointer 保证并发安全。
	defaultLogger atomic.Pointer[slog.Logger]

	logFile   *os.File   // 全局日志文件, Shutdown 时关闭
	logFileMu sync.Mutex // 保护 logFile 并发关闭

	// exitFunc 测试时可替换, 拦截 os.Exit。
	exitFunc = os.Exit
)

func init() { defaultLogger.Store(newLogger(os.Stdout, false, slog.LevelInfo)) }

// getLogger 原子读取当前默认日志器。
func getLogger() *slog.Logger { return defaultLogger.Load() }

// storeLogger 原子存储默认日志器并同步 slog.SetDefault。
func storeLogger(l *slog.Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l)
}

// replaceTimeAttr 统一时间格式。
func replaceTimeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000Z07:00"))
		}
	}
	return a
}

// highlightErrorAttr 开发模式下 error 值标红。
func highlightErrorAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindAny {
		if _, ok := a.Value.Any().(error); ok {
			return tint.Attr(9, a)
		}
	}
	return a
}

func newLogger(w io.Writer, development bool, level slog.Level) *slog.Logger {
	if development {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:       level,
			AddSource:   true,
			TimeFormat:  "15:04:05.000",
			ReplaceAttr: highlightErrorAttr,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceTimeAttr,
	}))
}

// ParseLevel 解析日志级别 (DEBUG/INFO/WARN/ERROR, 大小写不敏感), 无效值回退 INFO。
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// IsDevelopment env 是否为开发环境。
func IsDevelopment(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "development" || env == "dev"
}

// Init 初始化日志配置。env: "development"/"dev" 或 "production" (默认)。
func Init(env, level string) {
	dev := IsDevelopment(env)
	w := io.Writer(os.Stdout)
	if dev {
		w = os.Stderr
	}
	storeLogger(newLogger(w, dev, ParseLevel(level)))
}

// InitWithFile 初始化日志, 同时输出到 stdout 和日志文件。
//
// 日志文件: {logDir}/test-executor-{date}.log (JSON 格式)。
// 调用者应在退出前调用 ShutdownFileHandler() 关闭文件。
func InitWithFile(logDir, level string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "create log dir")
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logDir, fmt.Sprintf("test-executor-%s.log", date))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return pkgerr.Wrap(err, "Logger.Init", "open log file")
	}
	logFileMu.Lock()
	prev := logFile
	logFile = f
	logFileMu.Unlock()
	if prev != nil {
		_ = prev.Sync()
		_ = prev.Close()
	}

	storeLogger(newLogger(io.MultiWriter(os.Stdout, f), false, ParseLevel(level)))

	slog.Info("log file opened", FieldPath, logPath)
	return nil
}

// ShutdownFileHandler 关闭日志文件 (并发安全)。
func ShutdownFileHandler() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
	}
}

// SetDefault 替换默认日志器 (测试捕获输出用)。
func SetDefault(l *slog.Logger) {
	if l != nil {
		storeLogger(l)
	}
}

// ========================================
// Context 感知日志
// ========================================

type ctxKey struct{}

// WithContext 将日志器注入 context。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 从 context 提取日志器，若不存在则返回默认日志器。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return getLogger()
}

// ========================================
// 包级便捷方法
// ========================================

// Info/Error/Warn/Debug 记录结构化日志。args 为 key-value 对。
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Fatal 记录致命错误并退出。
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	logFileMu.Lock()
	if logFile != nil {
		_ = logFile.Sync()
	}
	logFileMu.Unlock()
	exitFunc(1)
}

// With 返回带附加上下文的日志器。
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Get 返回底层 slog.Logger。
func Get() *slog.Logger { return getLogger() }

// Attr 类型别名 (避免调用方直接 import slog)。
type Attr = slog.Attr

// Any 创建任意类型属性。
func Any(key string, value any) Attr { return slog.Any(key, value) }

// 预留字段常量 — MUST 使用常量键名，勿硬编码。
const (
	FieldRunID      = "run_id"
	FieldAgentKind  = "agent_kind"
	FieldComponent  = "component"
	FieldSource     = "source"
	FieldError      = "error"
	FieldStatus     = "status"
	FieldLatencyMS  = "latency_ms"
	FieldDurationMS = "duration_ms"
	FieldCount      = "count"
	FieldPath       = "path"
	FieldMethod     = "method"
	FieldAddr       = "addr"
	FieldRemote     = "remote"
	FieldURL        = "url"
	FieldCommand    = "command"
	FieldPID        = "pid"
	FieldExitCode   = "exit_code"
	FieldRole       = "role"
	FieldContent    = "content"
	FieldSeq        = "seq"
	FieldState      = "state"
	FieldStore      = "store"
	FieldVersion    = "version"
	FieldSubscriber = "subscriber"
)
