// test_run_memory.go — 进程内 run 存储 (默认; 重启丢失)。
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentqa/test-executor/pkg/util"
)

// MemoryRunStore 内存 run 存储。并发安全, 读写均为副本。
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*TestRun
}

// NewMemoryRunStore 创建。
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*TestRun)}
}

var _ RunStore = (*MemoryRunStore)(nil)

// Save 插入或更新 run。
func (s *MemoryRunStore) Save(_ context.Context, run *TestRun) error {
	if err := validateRun("MemoryRunStore.Save", run); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.runs[run.ID]; ok {
		run.CreatedAt = prev.CreatedAt
	} else if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// Get 查询单个 run。
func (s *MemoryRunStore) Get(_ context.Context, id string) (*TestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, notFound("MemoryRunStore.Get", id)
	}
	return run.Clone(), nil
}

// List 按创建时间倒序。
func (s *MemoryRunStore) List(_ context.Context, p ListParams) ([]TestRun, error) {
	limit := util.ClampInt(listLimit(p.Limit), 1, maxListLimit)
	kw := strings.ToLower(p.Keyword)

	s.mu.RLock()
	matched := make([]*TestRun, 0, len(s.runs))
	for _, run := range s.runs {
		if p.Status != "" && run.Status != p.Status {
			continue
		}
		if kw != "" && !strings.Contains(strings.ToLower(run.Script), kw) &&
			!strings.Contains(strings.ToLower(run.Error), kw) {
			continue
		}
		matched = append(matched, run)
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]TestRun, len(matched))
	for i, run := range matched {
		out[i] = *run.Clone()
	}
	return out, nil
}

// Prune 保留最新 keep 条已结束 run。
func (s *MemoryRunStore) Prune(_ context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	finished := make([]*TestRun, 0, len(s.runs))
	for _, run := range s.runs {
		if run.Finished() {
			finished = append(finished, run)
		}
	}
	if len(finished) <= keep {
		return 0, nil
	}
	sortNewestFirst(finished)
	var n int64
	for _, run := range finished[keep:] {
		delete(s.runs, run.ID)
		n++
	}
	return n, nil
}

// FailUnfinished 结束所有 pending / running run。
func (s *MemoryRunStore) FailUnfinished(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	for _, run := range s.runs {
		if run.Finished() {
			continue
		}
		run.Status = StatusFailed
		run.Error = reason
		run.FinishedAt = &now
		n++
	}
	return n, nil
}

// Close 无资源需要释放。
func (s *MemoryRunStore) Close() error { return nil }

func sortNewestFirst(runs []*TestRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}
