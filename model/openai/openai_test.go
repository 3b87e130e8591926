//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	openaigo "github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/tool"
)

type stubTool struct{}

func (stubTool) Declaration() *tool.Declaration {
	return &tool.Declaration{
		Name:        "python_interpreter",
		Description: "run python",
		InputSchema: &tool.Schema{
			Type:       "object",
			Properties: map[string]*tool.Schema{"code": {Type: "string"}},
			Required:   []string{"code"},
		},
	}
}

// sseServer replays the given data payloads as a chat completions event stream
// and records the last decoded request body.
func sseServer(t *testing.T, payloads []string) (*httptest.Server, func() map[string]any) {
	t.Helper()
	var (
		mu   sync.Mutex
		last map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = map[string]any{}
		_ = json.Unmarshal(body, &last)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, func() map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func chunk(delta string, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m",`+
		`"choices":[{"index":0,"delta":%s,"finish_reason":%s}]}`, delta, finishJSON)
}

func collect(t *testing.T, ch <-chan *model.Response) []*model.Response {
	t.Helper()
	var out []*model.Response
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rsp, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, rsp)
		case <-timeout:
			t.Fatal("timed out waiting for responses")
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	m := New("")
	assert.Equal(t, DefaultModelName, m.Info().Name)
	assert.Equal(t, defaultChannelBufferSize, m.channelBufferSize)

	m = New("custom", WithChannelBufferSize(-1))
	assert.Equal(t, "custom", m.Info().Name)
	assert.Equal(t, defaultChannelBufferSize, m.channelBufferSize)
}

func TestModel_GenerateContent_NilRequest(t *testing.T) {
	m := New("test-model", WithAPIKey("k"))
	_, err := m.GenerateContent(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "request cannot be nil", err.Error())
}

func TestModel_Streaming_TextDeltas(t *testing.T) {
	srv, lastReq := sseServer(t, []string{
		chunk(`{"role":"assistant","content":"Hel"}`, ""),
		chunk(`{"content":"lo"}`, ""),
		chunk(`{}`, "stop"),
	})
	var chunks int
	m := New("claude-test",
		WithAPIKey("k"),
		WithBaseURL(srv.URL),
		WithChatChunkCallback(func(ctx context.Context, _ *openaigo.ChatCompletionNewParams, _ *openaigo.ChatCompletionChunk) {
			chunks++
		}),
	)

	ch, err := m.GenerateContent(context.Background(), &model.Request{
		Messages:         []model.Message{model.NewUserMessage("hi")},
		GenerationConfig: model.GenerationConfig{Stream: true},
		Tools:            map[string]tool.Tool{"python_interpreter": stubTool{}},
	})
	require.NoError(t, err)
	responses := collect(t, ch)

	var text strings.Builder
	var final *model.Response
	for _, rsp := range responses {
		require.Nil(t, rsp.Error)
		if rsp.IsPartial {
			text.WriteString(rsp.Choices[0].Delta.Content)
			continue
		}
		final = rsp
	}
	assert.Equal(t, "Hello", text.String())
	require.NotNil(t, final)
	assert.True(t, final.Done)
	assert.Equal(t, "Hello", final.Choices[0].Message.Content)
	assert.Equal(t, 3, chunks)

	req := lastReq()
	assert.Equal(t, "claude-test", req["model"])
	assert.Equal(t, true, req["stream"])
	tools, ok := req["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
}

func TestModel_Streaming_ToolCallAssembled(t *testing.T) {
	srv, _ := sseServer(t, []string{
		chunk(`{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function",`+
			`"function":{"name":"python_interpreter","arguments":""}}]}`, ""),
		chunk(`{"tool_calls":[{"index":0,"function":{"arguments":"{\"code\":"}}]}`, ""),
		chunk(`{"tool_calls":[{"index":0,"function":{"arguments":"\"print(2)\"}"}}]}`, ""),
		chunk(`{}`, "tool_calls"),
	})
	m := New("claude-test", WithAPIKey("k"), WithBaseURL(srv.URL))

	ch, err := m.GenerateContent(context.Background(), &model.Request{
		Messages:         []model.Message{model.NewUserMessage("compute")},
		GenerationConfig: model.GenerationConfig{Stream: true},
	})
	require.NoError(t, err)
	responses := collect(t, ch)
	require.NotEmpty(t, responses)

	final := responses[len(responses)-1]
	require.True(t, final.IsToolCallResponse())
	assert.False(t, final.Done)
	call := final.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "python_interpreter", call.Function.Name)
	assert.JSONEq(t, `{"code":"print(2)"}`, string(call.Function.Arguments))

	for _, rsp := range responses[:len(responses)-1] {
		for _, c := range rsp.Choices {
			assert.Empty(t, c.Delta.Content)
		}
	}
}

func TestModel_Streaming_SynthesizesMissingToolCallID(t *testing.T) {
	srv, _ := sseServer(t, []string{
		chunk(`{"role":"assistant","tool_calls":[{"index":0,"type":"function",`+
			`"function":{"name":"tavily_search_results_json","arguments":"{\"query\":\"go\"}"}}]}`, ""),
		chunk(`{}`, "tool_calls"),
	})
	m := New("claude-test", WithAPIKey("k"), WithBaseURL(srv.URL))

	ch, err := m.GenerateContent(context.Background(), &model.Request{
		Messages:         []model.Message{model.NewUserMessage("search")},
		GenerationConfig: model.GenerationConfig{Stream: true},
	})
	require.NoError(t, err)
	responses := collect(t, ch)
	final := responses[len(responses)-1]
	require.True(t, final.IsToolCallResponse())
	assert.Equal(t, "auto_call_0", final.Choices[0].Message.ToolCalls[0].ID)
}

func TestModel_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"m",`+
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"4"}}],`+
			`"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer srv.Close()
	m := New("claude-test", WithAPIKey("k"), WithBaseURL(srv.URL))

	ch, err := m.GenerateContent(context.Background(), &model.Request{
		Messages: []model.Message{model.NewUserMessage("2+2")},
	})
	require.NoError(t, err)
	responses := collect(t, ch)
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Done)
	assert.Equal(t, "4", responses[0].Choices[0].Message.Content)
	require.NotNil(t, responses[0].Usage)
	assert.Equal(t, 4, responses[0].Usage.TotalTokens)
}

func TestModel_APIErrorBecomesResponseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()
	m := New("claude-test", WithAPIKey("k"), WithBaseURL(srv.URL),
		WithOpenAIOptions())

	ch, err := m.GenerateContent(context.Background(), &model.Request{
		Messages: []model.Message{model.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	responses := collect(t, ch)
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, model.ErrorTypeAPIError, responses[0].Error.Type)
	assert.True(t, responses[0].Done)
}

func TestConvertMessages(t *testing.T) {
	m := New("claude-test")
	msgs := m.convertMessages([]model.Message{
		model.NewSystemMessage("sys"),
		model.NewUserMessage("u"),
		{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCall{{
				ID:       "call_1",
				Type:     functionToolType,
				Function: model.FunctionDefinitionParam{Name: "python_interpreter", Arguments: []byte(`{"code":"1"}`)},
			}},
		},
		model.NewToolMessage("call_1", "python_interpreter", "1"),
	})
	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[2].OfAssistant.ToolCalls[0].ID)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "call_1", msgs[3].OfTool.ToolCallID)
}
