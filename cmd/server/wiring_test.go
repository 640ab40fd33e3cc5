package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentqa/test-executor/internal/agent"
	"github.com/agentqa/test-executor/internal/agent/agenttest"
	"github.com/agentqa/test-executor/internal/config"
	"github.com/agentqa/test-executor/internal/httpapi"
	"github.com/agentqa/test-executor/internal/runner"
	"github.com/agentqa/test-executor/internal/store"
)

func TestNewRegistry(t *testing.T) {
	cfg := &config.Config{
		AgentKind:    config.AgentKindProcess,
		AgentCommand: "sh",
		AgentWSURL:   "ws://127.0.0.1:1/run",
		Profile:      &config.AgentProfile{Env: map[string]string{"A": "1"}, Headers: map[string]string{"X": "y"}},
	}
	reg := newRegistry(cfg)

	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0] != config.AgentKindProcess || kinds[1] != config.AgentKindWS {
		t.Fatalf("kinds = %v", kinds)
	}
	if _, err := reg.Get("grpc"); !errors.Is(err, agent.ErrUnknownKind) {
		t.Errorf("Get(grpc) err = %v, want ErrUnknownKind", err)
	}
	f, err := reg.Get(config.AgentKindProcess)
	if err != nil {
		t.Fatal(err)
	}
	a, err := f(context.Background(), agent.Spec{RunID: "r1"})
	if err != nil {
		t.Fatalf("process factory: %v", err)
	}
	if err := a.Executor().Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpenRunStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := openRunStore(ctx, &config.Config{RunStore: config.StoreMemory})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := s.(*store.MemoryRunStore); !ok {
			t.Errorf("store = %T", s)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "runs.db")
		s, err := openRunStore(ctx, &config.Config{RunStore: config.StoreSQLite, SQLitePath: path})
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		if err := s.Save(ctx, &store.TestRun{ID: "r1", Script: "s", Status: store.StatusPending}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	})

	t.Run("sqlite fails runs left by a previous process", func(t *testing.T) {
		cfg := &config.Config{RunStore: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "runs.db")}
		first, err := openRunStore(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := first.Save(ctx, &store.TestRun{ID: "orphan", Script: "s", Status: store.StatusRunning}); err != nil {
			t.Fatal(err)
		}
		first.Close()

		second, err := openRunStore(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		defer second.Close()
		got, err := second.Get(ctx, "orphan")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != store.StatusFailed || got.Error != reasonRestarted || got.FinishedAt == nil {
			t.Errorf("orphan = %+v, want failed with %q", got, reasonRestarted)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := openRunStore(ctx, &config.Config{RunStore: "redis"}); err == nil {
			t.Error("expected error for unknown store")
		}
	})
}

func TestGracefulShutdown_FinishesInFlightRunTest(t *testing.T) {
	a := &agenttest.Agent{Block: make(chan struct{})}
	st := store.NewMemoryRunStore()
	d, err := runner.New(runner.Options{
		Factory:       a.Factory(),
		AgentKind:     "scripted",
		ResultsDir:    t.TempDir(),
		RunTimeout:    time.Minute,
		MaxConcurrent: 1,
		Store:         st,
	})
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: httpapi.NewServer(httpapi.Options{Driver: d, AgentKind: "scripted"}).Engine()}
	go srv.Serve(ln)

	type reply struct {
		body map[string]string
		err  error
	}
	replies := make(chan reply, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/run-test", "application/json",
			strings.NewReader(`{"script":"Feature: slow"}`))
		if err != nil {
			replies <- reply{err: err}
			return
		}
		defer resp.Body.Close()
		var body map[string]string
		err = json.NewDecoder(resp.Body).Decode(&body)
		replies <- reply{body: body, err: err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(a.Inputs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	gracefulShutdown(ctx, srv, d)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("shutdown took %s, want the run aborted well before the grace period ends", elapsed)
	}
	if a.Closes() != 1 {
		t.Errorf("closes = %d, want 1", a.Closes())
	}

	select {
	case r := <-replies:
		if r.err != nil {
			t.Fatalf("request: %v", r.err)
		}
		if r.body["status"] != "FAIL" || !strings.Contains(r.body["message"], runner.ErrShutdown.Error()) {
			t.Errorf("body = %v", r.body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight /run-test never answered")
	}
}
