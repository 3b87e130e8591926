//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Erfan7767/erfan-agent-backend/agent"
	"github.com/Erfan7767/erfan-agent-backend/agent/graphagent"
	"github.com/Erfan7767/erfan-agent-backend/codeexecutor"
	"github.com/Erfan7767/erfan-agent-backend/event"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/runner"
	"github.com/Erfan7767/erfan-agent-backend/tool"
	"github.com/Erfan7767/erfan-agent-backend/tool/codeinterpreter"
	"github.com/Erfan7767/erfan-agent-backend/tool/function"
)

type runFunc func(ctx context.Context, msg model.Message) (<-chan *event.Event, error)

func (f runFunc) Run(ctx context.Context, msg model.Message, _ ...agent.RunOption) (<-chan *event.Event, error) {
	return f(ctx, msg)
}

func completion() *event.Event {
	return event.New("inv", "test", event.WithResponse(&model.Response{
		Object: model.ObjectTypeRunnerCompletion,
		Done:   true,
	}))
}

func token(s string) *event.Event {
	return event.NewResponseEvent("inv", "test", &model.Response{
		Object:    model.ObjectTypeChatCompletionChunk,
		IsPartial: true,
		Choices:   []model.Choice{{Delta: model.NewAssistantMessage(s)}},
	})
}

// echoRunner streams the user message back as one token.
func echoRunner() runFunc {
	return func(ctx context.Context, msg model.Message) (<-chan *event.Event, error) {
		ch := make(chan *event.Event, 2)
		ch <- token("echo:" + msg.Content)
		ch <- completion()
		close(ch)
		return ch, nil
	}
}

func startServer(t *testing.T, r runner.Runner, opts ...Option) *httptest.Server {
	t.Helper()
	s, err := New(r, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + ChatPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readTurn reads frames up to and including agent_end or error.
func readTurn(t *testing.T, conn *websocket.Conn) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f["type"] == FrameAgentEnd || f["type"] == FrameError {
			return frames
		}
	}
}

func types(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func TestHealth(t *testing.T) {
	srv := startServer(t, echoRunner())
	req, err := http.NewRequest(http.MethodGet, srv.URL+HealthPath, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"status": "ok"}, body)
}

func TestNew_NilRunner(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

// scriptedModel asks for the search tool once, then streams an answer.
type scriptedModel struct{ fail bool }

func (m *scriptedModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	ch := make(chan *model.Response, 3)
	defer close(ch)
	if m.fail {
		ch <- &model.Response{Done: true, Error: &model.ResponseError{Type: "api_error", Message: "quota exceeded"}}
		return ch, nil
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != model.RoleTool {
		msg := model.NewAssistantMessage("")
		msg.ToolCalls = []model.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: model.FunctionDefinitionParam{
				Name:      "tavily_search_results_json",
				Arguments: []byte(`{"query":"weather"}`),
			},
		}}
		ch <- &model.Response{Done: true, Choices: []model.Choice{{Message: msg}}}
		return ch, nil
	}
	ch <- chunkResponse("Sunny")
	ch <- chunkResponse(" today")
	ch <- &model.Response{Done: true, Choices: []model.Choice{{Message: model.NewAssistantMessage("Sunny today")}}}
	return ch, nil
}

func chunkResponse(s string) *model.Response {
	return &model.Response{
		Object:    model.ObjectTypeChatCompletionChunk,
		IsPartial: true,
		Choices:   []model.Choice{{Delta: model.NewAssistantMessage(s)}},
	}
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

type searchInput struct {
	Query string `json:"query"`
}

func agentRunner(t *testing.T, m model.Model) runner.Runner {
	t.Helper()
	search := function.NewFunctionTool(
		func(ctx context.Context, in searchInput) (string, error) { return "results for " + in.Query, nil },
		function.WithName("tavily_search_results_json"),
		function.WithDescription("search"),
	)
	ga, err := graphagent.NewToolLoop("assistant", m, "", tool.NewSet(search))
	require.NoError(t, err)
	return runner.NewRunner("test", ga)
}

func TestChat_ToolRoundTrip(t *testing.T) {
	srv := startServer(t, agentRunner(t, &scriptedModel{}))
	conn := dial(t, srv)

	send(t, conn, `{"message":"weather?"}`)
	frames := readTurn(t, conn)

	require.Equal(t, []string{FrameToolStart, FrameToolEnd, FrameToken, FrameToken, FrameAgentEnd}, types(frames))
	assert.Equal(t, "tavily_search_results_json", frames[0]["tool"])
	assert.Equal(t, `{"query":"weather"}`, frames[0]["input"])
	assert.Equal(t, "tavily_search_results_json", frames[1]["tool"])
	assert.Equal(t, "results for weather", frames[1]["output"])
	assert.Equal(t, "Sunny", frames[2]["content"])
	assert.Equal(t, " today", frames[3]["content"])
	assert.Equal(t, map[string]any{"type": FrameAgentEnd, "output": ""}, frames[4])
}

// pythonModel asks the interpreter to run print(1+1), then streams an
// answer that quotes the tool output.
type pythonModel struct{}

func (pythonModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	ch := make(chan *model.Response, 2)
	defer close(ch)
	last := req.Messages[len(req.Messages)-1]
	if last.Role != model.RoleTool {
		msg := model.NewAssistantMessage("")
		msg.ToolCalls = []model.ToolCall{{
			ID:       "call_py",
			Type:     "function",
			Function: model.FunctionDefinitionParam{Name: codeinterpreter.Name, Arguments: []byte(`{"code":"print(1+1)"}`)},
		}}
		ch <- &model.Response{Done: true, Choices: []model.Choice{{Message: msg}}}
		return ch, nil
	}
	ch <- chunkResponse("Result: " + last.Content)
	ch <- &model.Response{Done: true, Choices: []model.Choice{{Message: model.NewAssistantMessage("Result: " + last.Content)}}}
	return ch, nil
}

func (pythonModel) Info() model.Info { return model.Info{Name: "python"} }

type stubSandbox struct{ closed *atomic.Int32 }

func (stubSandbox) ID() string { return "stub" }

func (stubSandbox) RunCode(ctx context.Context, code string) (*codeexecutor.Execution, error) {
	if code != "print(1+1)" {
		return nil, errors.New("unexpected code " + code)
	}
	return &codeexecutor.Execution{Stdout: []string{"2\n"}}, nil
}

func (s stubSandbox) Close(ctx context.Context) error {
	s.closed.Add(1)
	return nil
}

type stubProvider struct {
	err    error
	closed atomic.Int32
}

func (p *stubProvider) NewSandbox(ctx context.Context) (codeexecutor.Sandbox, error) {
	if p.err != nil {
		return nil, p.err
	}
	return stubSandbox{closed: &p.closed}, nil
}

func pythonRunner(t *testing.T, p codeexecutor.Provider) runner.Runner {
	t.Helper()
	ga, err := graphagent.NewToolLoop("assistant", pythonModel{}, "", tool.NewSet(codeinterpreter.NewTool(p)))
	require.NoError(t, err)
	return runner.NewRunner("test", ga)
}

func TestChat_PythonRoundTrip(t *testing.T) {
	provider := &stubProvider{}
	srv := startServer(t, pythonRunner(t, provider))
	conn := dial(t, srv)

	send(t, conn, `{"message":"Run print(1+1) in Python"}`)
	frames := readTurn(t, conn)

	require.Equal(t, []string{FrameToolStart, FrameToolEnd, FrameToken, FrameAgentEnd}, types(frames))
	assert.Equal(t, codeinterpreter.Name, frames[0]["tool"])
	assert.Equal(t, `{"code":"print(1+1)"}`, frames[0]["input"])
	assert.Equal(t, codeinterpreter.Name, frames[1]["tool"])
	assert.Contains(t, frames[1]["output"], "2")
	assert.Contains(t, frames[2]["content"], "2")
	assert.Equal(t, int32(1), provider.closed.Load())
}

func TestChat_PythonSandboxFailureIsToolOutput(t *testing.T) {
	srv := startServer(t, pythonRunner(t, &stubProvider{err: errors.New("sandbox quota exhausted")}))
	conn := dial(t, srv)

	send(t, conn, `{"message":"Run print(1+1) in Python"}`)
	frames := readTurn(t, conn)

	require.Equal(t, []string{FrameToolStart, FrameToolEnd, FrameToken, FrameAgentEnd}, types(frames))
	output, ok := frames[1]["output"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(output, "Error"), output)
	assert.Contains(t, output, "sandbox quota exhausted")
	assert.NotContains(t, types(frames), FrameError)
}

func TestChat_ModelFailureKeepsConnection(t *testing.T) {
	srv := startServer(t, agentRunner(t, &scriptedModel{fail: true}))
	conn := dial(t, srv)

	send(t, conn, `{"message":"hi"}`)
	frames := readTurn(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameError, frames[0]["type"])
	assert.Contains(t, frames[0]["error"], "quota exceeded")

	send(t, conn, `{"message":"again"}`)
	frames = readTurn(t, conn)
	assert.Equal(t, []string{FrameError}, types(frames))
}

func TestChat_InvalidJSONThenValid(t *testing.T) {
	srv := startServer(t, echoRunner())
	conn := dial(t, srv)

	send(t, conn, `{not json`)
	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f["type"])
	assert.Contains(t, f["error"], "invalid JSON")

	send(t, conn, `{"message":"ok"}`)
	assert.Equal(t, []string{FrameToken, FrameAgentEnd}, types(readTurn(t, conn)))
}

func TestChat_EmptyMessageIgnored(t *testing.T) {
	var calls atomic.Int32
	inner := echoRunner()
	r := runFunc(func(ctx context.Context, msg model.Message) (<-chan *event.Event, error) {
		calls.Add(1)
		return inner(ctx, msg)
	})
	srv := startServer(t, r)
	conn := dial(t, srv)

	send(t, conn, `{}`)
	send(t, conn, `{"message":""}`)
	send(t, conn, `{"message":"real"}`)
	frames := readTurn(t, conn)
	assert.Equal(t, "echo:real", frames[0]["content"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestChat_TurnsAreSequential(t *testing.T) {
	var active, maxActive atomic.Int32
	var mu sync.Mutex
	var order []string
	r := runFunc(func(ctx context.Context, msg model.Message) (<-chan *event.Event, error) {
		ch := make(chan *event.Event)
		go func() {
			defer close(ch)
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			mu.Lock()
			order = append(order, msg.Content)
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
			ch <- completion()
		}()
		return ch, nil
	})
	srv := startServer(t, r)
	conn := dial(t, srv)

	send(t, conn, `{"message":"first"}`)
	send(t, conn, `{"message":"second"}`)
	readTurn(t, conn)
	readTurn(t, conn)

	assert.Equal(t, int32(1), maxActive.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestChat_DisconnectCancelsTurn(t *testing.T) {
	started := make(chan struct{})
	canceled := make(chan error, 1)
	r := runFunc(func(ctx context.Context, msg model.Message) (<-chan *event.Event, error) {
		ch := make(chan *event.Event)
		go func() {
			defer close(ch)
			close(started)
			<-ctx.Done()
			canceled <- ctx.Err()
		}()
		return ch, nil
	})
	srv := startServer(t, r)
	conn := dial(t, srv)

	send(t, conn, `{"message":"long"}`)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not start")
	}
	require.NoError(t, conn.Close())

	select {
	case err := <-canceled:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("turn was not cancelled after disconnect")
	}
}

func TestChat_RunnerStartError(t *testing.T) {
	r := runFunc(func(ctx context.Context, msg model.Message) (<-chan *event.Event, error) {
		return nil, errors.New("no agent")
	})
	srv := startServer(t, r)
	conn := dial(t, srv)

	send(t, conn, `{"message":"hi"}`)
	f := readFrame(t, conn)
	assert.Equal(t, map[string]any{"type": FrameError, "error": "no agent"}, f)
}

func TestChat_BoundedTurnPool(t *testing.T) {
	srv := startServer(t, echoRunner(), WithMaxConcurrentTurns(1))
	a, b := dial(t, srv), dial(t, srv)
	send(t, a, `{"message":"a"}`)
	send(t, b, `{"message":"b"}`)
	assert.Equal(t, "echo:a", readTurn(t, a)[0]["content"])
	assert.Equal(t, "echo:b", readTurn(t, b)[0]["content"])
}

func TestChat_OverflowReportedAfterTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	inner := echoRunner()
	var calls atomic.Int32
	r := runFunc(func(ctx context.Context, msg model.Message) (<-chan *event.Event, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return inner(ctx, msg)
	})
	srv := startServer(t, r, WithMaxPendingMessages(1))
	conn := dial(t, srv)

	send(t, conn, `{"message":"first"}`)
	<-started
	send(t, conn, `{"message":"second"}`)
	send(t, conn, `{"message":"third"}`)
	time.Sleep(100 * time.Millisecond)
	close(release)

	first := readTurn(t, conn)
	assert.Equal(t, []string{FrameToken, FrameAgentEnd}, types(first))
	assert.Equal(t, "echo:first", first[0]["content"])

	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f["type"])
	assert.Equal(t, "too many pending messages: 1 dropped", f["error"])

	second := readTurn(t, conn)
	assert.Equal(t, "echo:second", second[0]["content"])
	assert.Equal(t, int32(2), calls.Load())
}
