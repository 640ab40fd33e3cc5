package logger

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
)

// StderrCollector 将 agent 子进程的 stderr 逐行转为 slog 日志。
//
// 实现 io.Writer 接口，可直接赋给 exec.Cmd.Stderr。
// 内部使用 goroutine + bufio.Scanner 逐行读取。
// tee 非 nil 时每行 (含换行) 同步写入 tee, 供调用方保留尾部输出。
type StderrCollector struct {
	pr    *io.PipeReader
	pw    *io.PipeWriter
	runID string
	tee   io.Writer
	done  chan struct{}
}

// NewStderrCollector 创建 StderrCollector。runID 关联日志行。
func NewStderrCollector(runID string, tee io.Writer) *StderrCollector {
	pr, pw := io.Pipe()
	c := &StderrCollector{
		pr:    pr,
		pw:    pw,
		runID: runID,
		tee:   tee,
		done:  make(chan struct{}),
	}
	go c.scan()
	return c
}

// Write 实现 io.Writer — exec.Cmd.Stderr 直接写入。
func (c *StderrCollector) Write(p []byte) (int, error) {
	return c.pw.Write(p)
}

// Close 关闭 writer 端，等待 scanner 完成。
func (c *StderrCollector) Close() error {
	_ = c.pw.Close()
	<-c.done
	return nil
}

// scan 后台逐行读取 stderr → slog。
func (c *StderrCollector) scan() {
	defer close(c.done)
	defer func() { _ = c.pr.Close() }()

	scanner := bufio.NewScanner(c.pr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if c.tee != nil {
			_, _ = io.WriteString(c.tee, line+"\n")
		}

		// 简单启发式: 含 error/panic/fatal/traceback 视为 ERROR 级别
		level := slog.LevelInfo
		if containsErrorKeyword(line) {
			level = slog.LevelError
		}

		getLogger().Log(context.Background(), level, line,
			FieldSource, "agent",
			FieldComponent, "stderr",
			FieldRunID, c.runID,
		)
	}

	if err := scanner.Err(); err != nil {
		getLogger().Log(context.Background(), slog.LevelError, "stderr collector scan failed",
			FieldSource, "agent",
			FieldComponent, "stderr",
			FieldRunID, c.runID,
			FieldError, err.Error(),
		)
		// 排空管道, 避免子进程写 stderr 时阻塞
		_, _ = io.Copy(io.Discard, c.pr)
	}
}

// containsErrorKeyword 判断 stderr 行中是否包含错误关键词 (大小写不敏感)。
func containsErrorKeyword(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") ||
		strings.Contains(lower, "panic") ||
		strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "traceback")
}
