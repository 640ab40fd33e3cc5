// Package runstream 保存每个 run 的事件历史并向实时订阅者 (SSE / WebSocket) 推送。
//
// 每个 run 的事件按发布顺序分配递增 ID (从 1 开始), 订阅者以游标 (已见最大 ID)
// 续读: 先取历史中 ID > cursor 的事件, 再接收实时事件, 两者之间不丢不重。
package runstream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentqa/test-executor/internal/agent"
	"github.com/agentqa/test-executor/pkg/logger"
)

const (
	// DefaultHistoryLimit 每个 run 保留的事件数。
	DefaultHistoryLimit = 256

	// DefaultMaxRuns 保留历史的 run 数上限, 超出后淘汰最早结束的 run。
	DefaultMaxRuns = 512

	subscriberBuffer = 64
)

var (
	ErrCursorInvalid = errors.New("stream cursor is invalid")
	ErrCursorExpired = errors.New("stream cursor expired")
)

// 事件类型。
const (
	TypeEvent  = "event"  // agent 进度快照
	TypeStatus = "status" // run 状态变化
	TypeEnd    = "end"    // run 结束, 之后不再有事件
)

// StreamEvent 带序号的流事件。
type StreamEvent struct {
	ID     int64        `json:"id"`
	RunID  string       `json:"run_id"`
	Type   string       `json:"type"`
	Event  *agent.Event `json:"event,omitempty"`
	Status string       `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
	Time   time.Time    `json:"time"`
}

// Broker 进程内事件中转。并发安全。
type Broker struct {
	mu           sync.Mutex
	historyLimit int
	maxRuns      int
	runs         map[string]*runHistory
	order        []string // 创建顺序, 用于淘汰
}

type runHistory struct {
	nextID int64
	events []StreamEvent
	ended  bool
	subs   map[*subscription]struct{}
}

type subscription struct {
	ch chan StreamEvent
}

// New 创建 Broker。参数 <= 0 时取默认值。
func New(historyLimit, maxRuns int) *Broker {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &Broker{
		historyLimit: historyLimit,
		maxRuns:      maxRuns,
		runs:         make(map[string]*runHistory),
	}
}

// Publish 发布 agent 事件。
func (b *Broker) Publish(runID string, ev agent.Event) {
	ev = cloneEvent(ev)
	b.append(runID, StreamEvent{Type: TypeEvent, Event: &ev})
}

// PublishStatus 发布 run 状态变化。
func (b *Broker) PublishStatus(runID, status string) {
	b.append(runID, StreamEvent{Type: TypeStatus, Status: status})
}

// Finish 发布结束事件并关闭该 run 的所有订阅。重复调用无效果。
func (b *Broker) Finish(runID, status, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.runLocked(runID)
	if h.ended {
		return
	}
	b.appendLocked(runID, h, StreamEvent{Type: TypeEnd, Status: status, Error: errMsg})
	h.ended = true
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = nil
}

func (b *Broker) append(runID string, se StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.runLocked(runID)
	if h.ended {
		logger.Warn("runstream: publish after finish dropped", logger.FieldRunID, runID, "type", se.Type)
		return
	}
	b.appendLocked(runID, h, se)
}

func (b *Broker) appendLocked(runID string, h *runHistory, se StreamEvent) {
	se.ID = h.nextID
	se.RunID = runID
	if se.Time.IsZero() {
		se.Time = time.Now()
	}
	h.nextID++
	h.events = append(h.events, se)
	if len(h.events) > b.historyLimit {
		drop := len(h.events) - b.historyLimit
		h.events = h.events[drop:]
	}

	for sub := range h.subs {
		select {
		case sub.ch <- se:
		default:
			// 慢订阅者: 断开, 由客户端携带游标重连补齐
			close(sub.ch)
			delete(h.subs, sub)
			logger.Warn("runstream: slow subscriber dropped", logger.FieldRunID, runID, logger.FieldSeq, se.ID)
		}
	}
}

// EventsAfter 返回 ID > cursor 的历史事件。
//
// 未知 run 且 cursor=0 返回空; cursor 超出最新 ID 返回 ErrCursorInvalid;
// cursor 早于保留窗口返回 ErrCursorExpired。
func (b *Broker) EventsAfter(runID string, cursor int64) ([]StreamEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventsAfterLocked(runID, cursor)
}

func (b *Broker) eventsAfterLocked(runID string, cursor int64) ([]StreamEvent, error) {
	if cursor < 0 {
		return nil, fmt.Errorf("%w: cursor must be non-negative", ErrCursorInvalid)
	}
	h, ok := b.runs[runID]
	if !ok {
		if cursor == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: no events for run %q", ErrCursorInvalid, runID)
	}
	if cursor >= h.nextID {
		return nil, fmt.Errorf("%w: cursor=%d is beyond latest id=%d", ErrCursorInvalid, cursor, h.nextID-1)
	}
	if len(h.events) > 0 {
		oldestAvailable := h.events[0].ID - 1
		if cursor < oldestAvailable {
			return nil, fmt.Errorf("%w: cursor=%d oldest_available=%d", ErrCursorExpired, cursor, oldestAvailable)
		}
	}

	start := 0
	for start < len(h.events) && h.events[start].ID <= cursor {
		start++
	}
	out := make([]StreamEvent, len(h.events)-start)
	copy(out, h.events[start:])
	return out, nil
}

// Subscribe 原子地取回 cursor 之后的历史并注册实时订阅。
//
// run 已结束时返回的 channel 已关闭。channel 关闭表示 run 结束或订阅者过慢被断开。
// 调用方必须调用 cancel。
func (b *Broker) Subscribe(runID string, cursor int64) (backlog []StreamEvent, events <-chan StreamEvent, cancel func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	backlog, err = b.eventsAfterLocked(runID, cursor)
	if err != nil {
		return nil, nil, nil, err
	}

	h := b.runLocked(runID)
	sub := &subscription{ch: make(chan StreamEvent, subscriberBuffer)}
	if h.ended {
		close(sub.ch)
		return backlog, sub.ch, func() {}, nil
	}
	if h.subs == nil {
		h.subs = make(map[*subscription]struct{})
	}
	h.subs[sub] = struct{}{}

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
	return backlog, sub.ch, cancel, nil
}

// Has broker 是否持有该 run 的历史 (未发布过或已被淘汰时为 false)。
func (b *Broker) Has(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.runs[runID]
	return ok
}

// Ended run 是否已结束。
func (b *Broker) Ended(runID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.runs[runID]
	return ok && h.ended
}

// Subscribers 当前订阅者数。
func (b *Broker) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.runs[runID]; ok {
		return len(h.subs)
	}
	return 0
}

func (b *Broker) runLocked(runID string) *runHistory {
	if h, ok := b.runs[runID]; ok {
		return h
	}
	h := &runHistory{nextID: 1, events: make([]StreamEvent, 0, 8)}
	b.runs[runID] = h
	b.order = append(b.order, runID)
	b.evictLocked()
	return h
}

// evictLocked 超出 maxRuns 时淘汰最早创建且已结束的 run。
func (b *Broker) evictLocked() {
	for len(b.runs) > b.maxRuns {
		evicted := false
		for i, id := range b.order {
			if h := b.runs[id]; h != nil && h.ended {
				delete(b.runs, id)
				b.order = append(b.order[:i], b.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func cloneEvent(in agent.Event) agent.Event {
	out := in
	if in.Messages != nil {
		out.Messages = append([]agent.Message(nil), in.Messages...)
	}
	if in.Result != nil {
		out.Result = append([]byte(nil), in.Result...)
	}
	return out
}
