package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentqa/test-executor/internal/store"
)

// RunState run 运行状态。
type RunState string

const (
	// StateIdle 已受理, 等待执行槽位。
	StateIdle RunState = "idle"
	// StateRunning agent 正在执行。
	StateRunning RunState = "running"
	// StatePassed 成功取得结果。
	StatePassed RunState = "passed"
	// StateFailed 执行失败。
	StateFailed RunState = "failed"
)

// storeStatus RunState → 持久化状态。
func (s RunState) storeStatus() string {
	switch s {
	case StateRunning:
		return store.StatusRunning
	case StatePassed:
		return store.StatusPassed
	case StateFailed:
		return store.StatusFailed
	default:
		return store.StatusPending
	}
}

// RunInfo 活跃 run 快照 (线程安全复制)。
type RunInfo struct {
	ID        string     `json:"id"`
	State     RunState   `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Events    int        `json:"events"`
}

// activeRun 执行中的 run。
type activeRun struct {
	mu        sync.Mutex
	id        string
	state     RunState
	createdAt time.Time
	startedAt *time.Time
	events    int
	cancel    context.CancelCauseFunc
}

func (r *activeRun) setState(s RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	if s == StateRunning && r.startedAt == nil {
		now := time.Now()
		r.startedAt = &now
	}
}

func (r *activeRun) addEvent() {
	r.mu.Lock()
	r.events++
	r.mu.Unlock()
}

func (r *activeRun) info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunInfo{ID: r.id, State: r.state, CreatedAt: r.createdAt, StartedAt: r.startedAt, Events: r.events}
}

// registry 活跃 run 表。
type registry struct {
	mu   sync.RWMutex
	runs map[string]*activeRun
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*activeRun)}
}

func (g *registry) add(r *activeRun) {
	g.mu.Lock()
	g.runs[r.id] = r
	g.mu.Unlock()
}

func (g *registry) remove(id string) {
	g.mu.Lock()
	delete(g.runs, id)
	g.mu.Unlock()
}

func (g *registry) get(id string) *activeRun {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.runs[id]
}

// list 按创建时间排序的快照。
func (g *registry) list() []RunInfo {
	g.mu.RLock()
	infos := make([]RunInfo, 0, len(g.runs))
	for _, r := range g.runs {
		infos = append(infos, r.info())
	}
	g.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

func (g *registry) cancelAll(cause error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.runs {
		r.cancel(cause)
	}
}
