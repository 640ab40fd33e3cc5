package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentqa/test-executor/internal/agent"
	"github.com/agentqa/test-executor/internal/agent/agenttest"
	"github.com/agentqa/test-executor/internal/runner"
	"github.com/agentqa/test-executor/internal/runstream"
	"github.com/agentqa/test-executor/internal/store"
	apperrors "github.com/agentqa/test-executor/pkg/errors"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnv struct {
	srv    *Server
	driver *runner.Driver
	store  *store.MemoryRunStore
	broker *runstream.Broker
}

func newTestEnv(t *testing.T, a *agenttest.Agent, strict bool) *testEnv {
	t.Helper()
	st := store.NewMemoryRunStore()
	broker := runstream.New(0, 0)
	d, err := runner.New(runner.Options{
		Factory:       a.Factory(),
		AgentKind:     "scripted",
		ResultsDir:    t.TempDir(),
		PerRunDir:     true,
		RunTimeout:    5 * time.Second,
		MaxConcurrent: 2,
		Store:         st,
		Broker:        broker,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	srv := NewServer(Options{Driver: d, StrictHTTPStatus: strict, AgentKind: "scripted", KeepAlive: time.Second})
	return &testEnv{srv: srv, driver: d, store: st, broker: broker}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func aiEvent(content string) agent.Event {
	return agent.Event{Messages: []agent.Message{{Role: agent.RoleAssistant, Content: content}}}
}

// ========================================
// POST /run-test
// ========================================

func TestRunTest_RequestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing script", `{"steps": ["open"]}`, `{"error":"Missing 'script' field"}`},
		{"empty object", `{}`, `{"error":"Missing 'script' field"}`},
		{"null script", `{"script": null}`, `{"error":"Missing 'script' field"}`},
		{"non-string script", `{"script": 42}`, `{"error":"'script' must be a string"}`},
		{"not json", `script=Given`, `{"error":"invalid JSON body"}`},
		{"json array", `["script"]`, `{"error":"invalid JSON body"}`},
		{"empty body", ``, `{"error":"invalid JSON body"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &agenttest.Agent{WriteResult: []byte(`{}`)}
			env := newTestEnv(t, a, false)
			w := env.do(http.MethodPost, "/run-test", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
			assert.Zero(t, a.Creates(), "agent must not run on invalid request")
		})
	}
}

func TestRunTest_ReturnsResultVerbatim(t *testing.T) {
	result := `{"status":"PASS","feature":"login","steps":[{"name":"Given a login page","ok":true}],"elapsed":2.25}`
	a := &agenttest.Agent{
		Events:      []agent.Event{aiEvent("opening page"), aiEvent("done")},
		WriteResult: []byte(result),
	}
	env := newTestEnv(t, a, false)

	w := env.do(http.MethodPost, "/run-test", `{"script":"Feature: login\n  Scenario: ok"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, result, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	runID := w.Header().Get(HeaderRunID)
	require.NotEmpty(t, runID)
	rec, err := env.store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPassed, rec.Status)
	assert.Equal(t, "Feature: login\n  Scenario: ok", rec.Script)
}

func TestRunTest_EmptyScriptIsAccepted(t *testing.T) {
	a := &agenttest.Agent{WriteResult: []byte(`{"status":"PASS"}`)}
	env := newTestEnv(t, a, false)

	w := env.do(http.MethodPost, "/run-test", `{"script":""}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, a.Creates())
}

func TestRunTest_AgentFailure(t *testing.T) {
	tests := []struct {
		name       string
		strict     bool
		wantStatus int
	}{
		{"default status", false, http.StatusOK},
		{"strict status", true, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &agenttest.Agent{
				Events: []agent.Event{aiEvent("clicking login")},
				FailAt: 2,
				Err:    errors.New("element #login not found"),
			}
			env := newTestEnv(t, a, tt.strict)

			w := env.do(http.MethodPost, "/run-test", `{"script":"Given x"}`)
			assert.Equal(t, tt.wantStatus, w.Code)
			body := decode(t, w)
			assert.Equal(t, "FAIL", body["status"])
			msg, _ := body["message"].(string)
			assert.True(t, strings.HasPrefix(msg, "Test failed "), "message = %q", msg)
			assert.Contains(t, msg, "element #login not found")
			assert.NotEmpty(t, w.Header().Get(HeaderRunID))
			assert.Equal(t, 1, a.Closes())
		})
	}
}

func TestRunTest_MissingResultIsStructuredFailure(t *testing.T) {
	a := &agenttest.Agent{Events: []agent.Event{aiEvent("done")}}
	env := newTestEnv(t, a, false)

	w := env.do(http.MethodPost, "/run-test", `{"script":"Given x"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "FAIL", body["status"])
	assert.Contains(t, body["message"], runner.ErrNoResult.Error())
}

// ========================================
// /runs
// ========================================

func waitFinished(t *testing.T, env *testEnv, id string) *store.TestRun {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := env.store.Get(context.Background(), id)
		if err == nil && rec.Finished() && len(env.driver.Active()) == 0 {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return nil
}

func TestSubmitAndGetRun(t *testing.T) {
	a := &agenttest.Agent{WriteResult: []byte(`{"status":"PASS"}`)}
	env := newTestEnv(t, a, false)

	w := env.do(http.MethodPost, "/runs", `{"script":"Given async"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	data := body["data"].(map[string]any)
	id := data["run_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, id, w.Header().Get(HeaderRunID))

	waitFinished(t, env, id)

	w = env.do(http.MethodGet, "/runs/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool          `json:"success"`
		Data    store.TestRun `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, store.StatusPassed, resp.Data.Status)
	assert.JSONEq(t, `{"status":"PASS"}`, string(resp.Data.Result))
	assert.Equal(t, store.SourceFile, resp.Data.ResultSource)
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, &agenttest.Agent{}, false)
	w := env.do(http.MethodPost, "/runs", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Missing 'script' field"}`, w.Body.String())
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t, &agenttest.Agent{}, false)
	w := env.do(http.MethodGet, "/runs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
}

func TestListRuns(t *testing.T) {
	a := &agenttest.Agent{WriteResult: []byte(`{}`)}
	env := newTestEnv(t, a, false)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/run-test", `{"script":"Scenario: alpha"}`).Code)
	a.WriteResult = nil
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/run-test", `{"script":"Scenario: beta"}`).Code)

	var resp struct {
		Data []store.TestRun `json:"data"`
	}
	w := env.do(http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "Scenario: beta", resp.Data[0].Script, "newest first")

	w = env.do(http.MethodGet, "/runs?status=failed", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Scenario: beta", resp.Data[0].Script)

	w = env.do(http.MethodGet, "/runs?keyword=alpha&limit=5", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, store.StatusPassed, resp.Data[0].Status)

	w = env.do(http.MethodGet, "/runs?status=exploded", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelRun(t *testing.T) {
	block := make(chan struct{})
	a := &agenttest.Agent{Block: block}
	env := newTestEnv(t, a, false)

	w := env.do(http.MethodPost, "/runs/unknown/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/runs", `{"script":"Given slow"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := w.Header().Get(HeaderRunID)

	require.Eventually(t, func() bool { return len(a.Inputs()) == 1 }, 3*time.Second, 10*time.Millisecond)
	w = env.do(http.MethodGet, "/runs/active", "")
	assert.Contains(t, w.Body.String(), id)

	w = env.do(http.MethodPost, "/runs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)

	rec := waitFinished(t, env, id)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, runner.ErrCanceled.Error())

	w = env.do(http.MethodPost, "/runs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &agenttest.Agent{}, false)
	w := env.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "scripted", body["agent_kind"])
	assert.EqualValues(t, 0, body["active_runs"])
}

// ========================================
// SSE / WebSocket
// ========================================

type sseFrame struct {
	id    string
	event string
	data  string
}

// readSSE 读取 SSE 帧直到连接关闭。
func readSSE(t *testing.T, url string) []sseFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id:"):
			cur.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return frames
}

func eventTypes(frames []sseFrame) []string {
	var out []string
	for _, f := range frames {
		if f.event != "ping" {
			out = append(out, f.event)
		}
	}
	return out
}

func TestStreamEvents_ReplayFinishedRun(t *testing.T) {
	a := &agenttest.Agent{
		Events:      []agent.Event{aiEvent("step one"), aiEvent("step two")},
		WriteResult: []byte(`{}`),
	}
	env := newTestEnv(t, a, false)
	ts := httptest.NewServer(env.srv.Engine())
	defer ts.Close()

	w := env.do(http.MethodPost, "/run-test", `{"script":"Given x"}`)
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get(HeaderRunID)

	frames := readSSE(t, ts.URL+"/runs/"+id+"/events")
	assert.Equal(t, []string{"status", "status", "event", "event", "end"}, eventTypes(frames))
	assert.Equal(t, "1", frames[0].id)

	var se runstream.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(frames[2].data), &se))
	assert.Equal(t, "step one", se.Event.Messages[0].Content)

	frames = readSSE(t, ts.URL+"/runs/"+id+"/events?after=3")
	assert.Equal(t, []string{"event", "end"}, eventTypes(frames))
}

func TestStreamEvents_Live(t *testing.T) {
	block := make(chan struct{})
	a := &agenttest.Agent{Events: []agent.Event{aiEvent("working")}, Block: block, WriteResult: []byte(`{}`)}
	env := newTestEnv(t, a, false)
	ts := httptest.NewServer(env.srv.Engine())
	defer ts.Close()

	w := env.do(http.MethodPost, "/runs", `{"script":"Given live"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := w.Header().Get(HeaderRunID)
	require.Eventually(t, func() bool { return len(a.Inputs()) == 1 }, 3*time.Second, 10*time.Millisecond)

	time.AfterFunc(100*time.Millisecond, func() { close(block) })
	frames := readSSE(t, ts.URL+"/runs/"+id+"/events")
	types := eventTypes(frames)
	require.NotEmpty(t, types)
	assert.Equal(t, "end", types[len(types)-1])

	var end runstream.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1].data), &end))
	assert.Equal(t, string(runner.StatePassed), end.Status)
}

func TestStreamEvents_FinishedRunWithoutHistory(t *testing.T) {
	env := newTestEnv(t, &agenttest.Agent{}, false)
	ts := httptest.NewServer(env.srv.Engine())
	defer ts.Close()

	finished := time.Now()
	require.NoError(t, env.store.Save(context.Background(), &store.TestRun{
		ID: "old-run", Script: "s", Status: store.StatusFailed, Error: "Test failed boom",
		CreatedAt: finished.Add(-time.Minute), FinishedAt: &finished,
	}))

	frames := readSSE(t, ts.URL+"/runs/old-run/events")
	require.Len(t, frames, 1)
	assert.Equal(t, "end", frames[0].event)
	assert.Contains(t, frames[0].data, "Test failed boom")
}

func TestStreamEvents_UnfinishedRunNotExecuting(t *testing.T) {
	env := newTestEnv(t, &agenttest.Agent{}, false)
	ts := httptest.NewServer(env.srv.Engine())
	defer ts.Close()

	// 记录停在 running, 但本进程中没有对应的执行
	started := time.Now()
	require.NoError(t, env.store.Save(context.Background(), &store.TestRun{
		ID: "stuck", Script: "s", Status: store.StatusRunning, StartedAt: &started,
	}))

	w := env.do(http.MethodGet, "/runs/stuck/events", "")
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "not_active", body["error"].(map[string]any)["code"])

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/runs/stuck/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStreamEvents_Errors(t *testing.T) {
	a := &agenttest.Agent{WriteResult: []byte(`{}`)}
	env := newTestEnv(t, a, false)
	w := env.do(http.MethodPost, "/run-test", `{"script":"Given x"}`)
	id := w.Header().Get(HeaderRunID)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/runs/nope/events", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/runs/"+id+"/events?after=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/runs/"+id+"/events?after=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/runs/"+id+"/events?after=999", "").Code)
}

func TestStreamWS(t *testing.T) {
	block := make(chan struct{})
	a := &agenttest.Agent{Events: []agent.Event{aiEvent("ws step")}, Block: block, WriteResult: []byte(`{}`)}
	env := newTestEnv(t, a, false)
	ts := httptest.NewServer(env.srv.Engine())
	defer ts.Close()

	w := env.do(http.MethodPost, "/runs", `{"script":"Given ws"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := w.Header().Get(HeaderRunID)
	require.Eventually(t, func() bool { return len(a.Inputs()) == 1 }, 3*time.Second, 10*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/runs/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	close(block)
	var types []string
	for {
		var se runstream.StreamEvent
		if err := conn.ReadJSON(&se); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
			break
		}
		types = append(types, se.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, runstream.TypeEnd, types[len(types)-1])
	assert.Contains(t, types, runstream.TypeEvent)
}

func TestStreamWS_UnknownRun(t *testing.T) {
	env := newTestEnv(t, &agenttest.Agent{}, false)
	ts := httptest.NewServer(env.srv.Engine())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/runs/nope/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWSCloseMessage(t *testing.T) {
	tests := []struct {
		name   string
		sawEnd bool
		code   int
		reason string
	}{
		{"run finished", true, websocket.CloseNormalClosure, "run finished"},
		{"subscriber dropped", false, websocket.CloseTryAgainLater, "subscriber too slow, resume with after=17"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := wsCloseMessage(tt.sawEnd, 17)
			require.GreaterOrEqual(t, len(msg), 2)
			assert.Equal(t, tt.code, int(msg[0])<<8|int(msg[1]))
			assert.Equal(t, tt.reason, string(msg[2:]))
		})
	}
}

// failingStore List 固定返回数据库错误。
type failingStore struct {
	*store.MemoryRunStore
}

func (failingStore) List(context.Context, store.ListParams) ([]store.TestRun, error) {
	return nil, apperrors.WithCode(errors.New("connection refused"), "failingStore.List", apperrors.CodeDB, "list test runs")
}

func TestServerError_ExposesOnlyErrorCode(t *testing.T) {
	d, err := runner.New(runner.Options{
		Factory:    (&agenttest.Agent{}).Factory(),
		ResultsDir: t.TempDir(),
		Store:      failingStore{store.NewMemoryRunStore()},
	})
	require.NoError(t, err)
	srv := NewServer(Options{Driver: d})

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	errBody := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "internal_error", errBody["code"])
	assert.Equal(t, apperrors.CodeDB, errBody["error_code"])
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestDecodeScript(t *testing.T) {
	script, msg := decodeScript([]byte(`{"script":"Given \"quoted\"\nThen ok","extra":1}`))
	assert.Empty(t, msg)
	assert.Equal(t, "Given \"quoted\"\nThen ok", script)
}
