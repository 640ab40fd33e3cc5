package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/agentqa/test-executor/internal/agent"
	"github.com/agentqa/test-executor/internal/agent/process"
	"github.com/agentqa/test-executor/internal/agent/wsagent"
	"github.com/agentqa/test-executor/internal/config"
	"github.com/agentqa/test-executor/internal/database"
	"github.com/agentqa/test-executor/internal/runner"
	"github.com/agentqa/test-executor/internal/store"
	"github.com/agentqa/test-executor/pkg/logger"
)

// newRegistry 按配置注册全部 agent 传输。
func newRegistry(cfg *config.Config) *agent.Registry {
	var (
		env     []string
		headers map[string]string
	)
	if cfg.Profile != nil {
		env = cfg.Profile.EnvList()
		headers = cfg.Profile.Headers
	}

	reg := agent.NewRegistry()
	reg.Register(config.AgentKindProcess, process.NewFactory(process.Options{
		Command: cfg.AgentCommand,
		Args:    cfg.AgentArgs,
		Env:     env,
		WorkDir: cfg.AgentWorkDir,
	}))
	reg.Register(config.AgentKindWS, wsagent.NewFactory(wsagent.Options{
		URL:     cfg.AgentWSURL,
		Headers: headers,
	}))
	return reg
}

// reasonRestarted 上一个进程遗留的未结束 run 的失败原因。
const reasonRestarted = "server restarted"

// openRunStore 按 RUN_STORE 打开运行历史存储, 并结束上一个进程遗留的未完成 run。
func openRunStore(ctx context.Context, cfg *config.Config) (store.RunStore, error) {
	s, err := dialRunStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n, err := s.FailUnfinished(ctx, reasonRestarted)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if n > 0 {
		logger.Warn("abandoned runs marked failed", logger.FieldStore, cfg.RunStore, logger.FieldCount, n)
	}
	return s, nil
}

func dialRunStore(ctx context.Context, cfg *config.Config) (store.RunStore, error) {
	switch cfg.RunStore {
	case config.StoreMemory:
		return store.NewMemoryRunStore(), nil

	case config.StorePostgres:
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		n, err := database.MigrateCount(ctx, pool, cfg.MigrationsDir)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("migrations applied", logger.FieldCount, n)
		return &pgStore{PGRunStore: store.NewPGRunStore(pool), close: pool.Close}, nil

	case config.StoreSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteRunStore(db), nil

	default:
		return nil, fmt.Errorf("unknown run store %q", cfg.RunStore)
	}
}

// pgStore PGRunStore 不持有连接池, 关闭时由这里释放。
type pgStore struct {
	*store.PGRunStore
	close func()
}

func (s *pgStore) Close() error {
	s.close()
	return nil
}

// gracefulShutdown 同时排空 HTTP 连接与中止 run, 两者共享 ctx 的宽限期。
// 同步 /run-test 请求要等 run 结束才能写回响应, 因此不能先等 HTTP 排空。
func gracefulShutdown(ctx context.Context, srv *http.Server, d *runner.Driver) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown incomplete", logger.FieldError, err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := d.Shutdown(ctx); err != nil {
			logger.Warn("runner shutdown incomplete", logger.FieldError, err)
		}
	}()
	wg.Wait()
}
