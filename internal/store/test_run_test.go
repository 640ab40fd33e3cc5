// test_run_test.go — RunStore 行为契约, 对内存与 SQLite 实现分别运行。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentqa/test-executor/internal/database"
	apperrors "github.com/agentqa/test-executor/pkg/errors"
)

func runStores(t *testing.T) map[string]func(t *testing.T) RunStore {
	return map[string]func(t *testing.T) RunStore{
		"memory": func(t *testing.T) RunStore { return NewMemoryRunStore() },
		"sqlite": func(t *testing.T) RunStore {
			db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
			require.NoError(t, err)
			s := NewSQLiteRunStore(db)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestRunStore_SaveGetLifecycle(t *testing.T) {
	for name, newStore := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			run := &TestRun{ID: "r1", Script: "Given a login page", Status: StatusPending, AgentKind: "process"}
			require.NoError(t, s.Save(ctx, run))
			require.False(t, run.CreatedAt.IsZero(), "Save should stamp created_at")
			created := run.CreatedAt

			started := time.Now()
			run.Status = StatusRunning
			run.StartedAt = &started
			require.NoError(t, s.Save(ctx, run))

			finished := started.Add(2 * time.Second)
			run.Status = StatusPassed
			run.Result = json.RawMessage(`{"status":"PASS","steps":3}`)
			run.ResultSource = SourceFile
			run.EventCount = 7
			run.FinishedAt = &finished
			require.NoError(t, s.Save(ctx, run))

			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusPassed, got.Status)
			assert.JSONEq(t, `{"status":"PASS","steps":3}`, string(got.Result))
			assert.Equal(t, SourceFile, got.ResultSource)
			assert.Equal(t, 7, got.EventCount)
			assert.True(t, got.CreatedAt.Equal(created), "created_at must not change on update")
			require.NotNil(t, got.StartedAt)
			require.NotNil(t, got.FinishedAt)
			assert.True(t, got.FinishedAt.Equal(finished))
			assert.True(t, got.Finished())
		})
	}
}

func TestRunStore_GetNotFound(t *testing.T) {
	for name, newStore := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := newStore(t).Get(context.Background(), "missing")
			assert.True(t, errors.Is(err, apperrors.ErrNotFound), "err = %v", err)
		})
	}
}

func TestRunStore_SaveValidates(t *testing.T) {
	for name, newStore := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			err := s.Save(context.Background(), &TestRun{Status: StatusPending})
			assert.True(t, errors.Is(err, apperrors.ErrInvalidInput), "empty id: %v", err)
			err = s.Save(context.Background(), &TestRun{ID: "x", Status: "done"})
			assert.True(t, errors.Is(err, apperrors.ErrInvalidInput), "bad status: %v", err)
		})
	}
}

func TestRunStore_ListFiltersAndOrder(t *testing.T) {
	for name, newStore := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			base := time.Now().Add(-time.Hour)
			fixtures := []TestRun{
				{ID: "a", Script: "Scenario: login", Status: StatusPassed},
				{ID: "b", Script: "Scenario: checkout", Status: StatusFailed, Error: "Test failed timeout"},
				{ID: "c", Script: "Scenario: 100% discount", Status: StatusFailed},
				{ID: "d", Script: "Scenario: LOGIN as admin", Status: StatusRunning},
			}
			for i := range fixtures {
				fixtures[i].CreatedAt = base.Add(time.Duration(i) * time.Minute)
				require.NoError(t, s.Save(ctx, &fixtures[i]))
			}

			all, err := s.List(ctx, ListParams{})
			require.NoError(t, err)
			assert.Equal(t, []string{"d", "c", "b", "a"}, ids(all))

			failed, err := s.List(ctx, ListParams{Status: StatusFailed})
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b"}, ids(failed))

			login, err := s.List(ctx, ListParams{Keyword: "login"})
			require.NoError(t, err)
			assert.Equal(t, []string{"d", "a"}, ids(login))

			byError, err := s.List(ctx, ListParams{Keyword: "timeout"})
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids(byError))

			percent, err := s.List(ctx, ListParams{Keyword: "100%"})
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, ids(percent))

			limited, err := s.List(ctx, ListParams{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestRunStore_Prune(t *testing.T) {
	for name, newStore := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			base := time.Now().Add(-time.Hour)
			for i := range 5 {
				require.NoError(t, s.Save(ctx, &TestRun{
					ID: fmt.Sprintf("done-%d", i), Status: StatusPassed, CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}
			require.NoError(t, s.Save(ctx, &TestRun{ID: "live", Status: StatusRunning, CreatedAt: base}))

			n, err := s.Prune(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			left, err := s.List(ctx, ListParams{})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"done-4", "done-3", "live"}, ids(left))

			n, err = s.Prune(ctx, 0)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestRunStore_FailUnfinished(t *testing.T) {
	for name, newStore := range runStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			require.NoError(t, s.Save(ctx, &TestRun{ID: "queued", Status: StatusPending}))
			require.NoError(t, s.Save(ctx, &TestRun{ID: "midway", Status: StatusRunning}))
			require.NoError(t, s.Save(ctx, &TestRun{ID: "done", Status: StatusPassed, Result: json.RawMessage(`{}`)}))

			n, err := s.FailUnfinished(ctx, "server restarted")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			for _, id := range []string{"queued", "midway"} {
				got, err := s.Get(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, StatusFailed, got.Status, id)
				assert.Equal(t, "server restarted", got.Error, id)
				assert.NotNil(t, got.FinishedAt, id)
			}
			done, err := s.Get(ctx, "done")
			require.NoError(t, err)
			assert.Equal(t, StatusPassed, done.Status)
			assert.Empty(t, done.Error)

			n, err = s.FailUnfinished(ctx, "server restarted")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestMemoryRunStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	require.NoError(t, s.Save(ctx, &TestRun{ID: "r", Status: StatusPassed, Result: json.RawMessage(`{"a":1}`)}))

	got, err := s.Get(ctx, "r")
	require.NoError(t, err)
	got.Status = StatusFailed
	got.Result[2] = 'b'

	again, _ := s.Get(ctx, "r")
	assert.Equal(t, StatusPassed, again.Status)
	assert.JSONEq(t, `{"a":1}`, string(again.Result))
}

func TestPGRunStore_NilPool(t *testing.T) {
	s := NewPGRunStore(nil)
	ctx := context.Background()

	assert.Error(t, s.Save(ctx, &TestRun{ID: "r", Status: StatusPending}))
	_, err := s.Get(ctx, "r")
	assert.Error(t, err)
	_, err = s.List(ctx, ListParams{})
	assert.Error(t, err)
	_, err = s.Prune(ctx, 10)
	assert.Error(t, err)
	_, err = s.FailUnfinished(ctx, "server restarted")
	assert.Error(t, err)
	assert.NoError(t, s.Close())
}

func ids(runs []TestRun) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
