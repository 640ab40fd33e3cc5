package util

import (
	"strings"
	"sync"
)

// TailBuffer 保留最近 limit 字节的输出 (如 agent 进程 stderr 尾部), 实现 io.Writer。
type TailBuffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

// NewTailBuffer 创建容量为 limit 字节的尾部缓冲区。limit <= 0 时取 4KB。
func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = 4096
	}
	return &TailBuffer{data: make([]byte, 0, limit), limit: limit}
}

// Write 追加数据，超出容量则丢弃旧数据 (copy 左移, 复用底层数组)。
func (tb *TailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	n := len(p)
	if n >= tb.limit {
		tb.data = append(tb.data[:0], p[n-tb.limit:]...)
		return n, nil
	}
	tb.data = append(tb.data, p...)
	if len(tb.data) > tb.limit {
		excess := len(tb.data) - tb.limit
		m := copy(tb.data, tb.data[excess:])
		tb.data = tb.data[:m]
	}
	return n, nil
}

// String 返回缓冲区内容 (去除首尾空白)。
func (tb *TailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return strings.TrimSpace(string(tb.data))
}

// Reset 清空缓冲区。
func (tb *TailBuffer) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.data = tb.data[:0]
}
