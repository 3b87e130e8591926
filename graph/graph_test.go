//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Erfan7767/erfan-agent-backend/agent"
	"github.com/Erfan7767/erfan-agent-backend/event"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/tool"
	"github.com/Erfan7767/erfan-agent-backend/tool/function"
)

// scriptedModel replays one scripted list of responses per call.
type scriptedModel struct {
	mu       sync.Mutex
	turns    [][]*model.Response
	requests []*model.Request
	repeat   bool
}

func (m *scriptedModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.mu.Lock()
	msgs := append([]model.Message(nil), req.Messages...)
	m.requests = append(m.requests, &model.Request{Messages: msgs, Tools: req.Tools})
	idx := len(m.requests) - 1
	if m.repeat && idx >= len(m.turns) {
		idx = len(m.turns) - 1
	}
	m.mu.Unlock()
	if idx >= len(m.turns) {
		return nil, fmt.Errorf("unexpected model call %d", idx+1)
	}
	ch := make(chan *model.Response, len(m.turns[idx]))
	for _, rsp := range m.turns[idx] {
		ch <- rsp
	}
	close(ch)
	return ch, nil
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func chunk(text string) *model.Response {
	return &model.Response{
		Object:    model.ObjectTypeChatCompletionChunk,
		IsPartial: true,
		Choices:   []model.Choice{{Delta: model.NewAssistantMessage(text)}},
	}
}

func final(text string, calls ...model.ToolCall) *model.Response {
	msg := model.NewAssistantMessage(text)
	msg.ToolCalls = calls
	return &model.Response{
		Object:  model.ObjectTypeChatCompletion,
		Done:    len(calls) == 0,
		Choices: []model.Choice{{Message: msg}},
	}
}

func call(id, name, args string) model.ToolCall {
	return model.ToolCall{
		ID:       id,
		Type:     "function",
		Function: model.FunctionDefinitionParam{Name: name, Arguments: []byte(args)},
	}
}

type echoInput struct {
	Text string `json:"text"`
}

func echoTool(calls *[]string) tool.Tool {
	return function.NewFunctionTool(
		func(ctx context.Context, in echoInput) (string, error) {
			*calls = append(*calls, in.Text)
			return "echo: " + in.Text, nil
		},
		function.WithName("echo"),
		function.WithDescription("echoes the text"),
	)
}

func buildLoop(t *testing.T, m model.Model, tools map[string]tool.Tool) *Graph {
	t.Helper()
	g, err := NewStateGraph(MessagesStateSchema()).
		AddLLMNode("llm", m, "be brief", tools).
		AddToolsNode("tools", tools).
		AddToolsConditionalEdges("llm", "tools", End).
		AddEdge("tools", "llm").
		SetEntryPoint("llm").
		Compile()
	require.NoError(t, err)
	return g
}

func run(t *testing.T, g *Graph, input string, opts ...ExecutorOption) []*event.Event {
	t.Helper()
	exec, err := NewExecutor(g, opts...)
	require.NoError(t, err)
	ch, err := exec.Execute(context.Background(), State{
		StateKeyMessages: []model.Message{model.NewUserMessage(input)},
	}, &agent.Invocation{InvocationID: "inv-1"})
	require.NoError(t, err)
	var events []*event.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-timeout:
			t.Fatal("graph did not finish")
		}
	}
}

func objects(events []*event.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Object)
	}
	return out
}

func lastError(events []*event.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Error != nil {
			return events[i].Error.Message
		}
	}
	return ""
}

func TestToolLoop_DirectAnswer(t *testing.T) {
	m := &scriptedModel{turns: [][]*model.Response{{chunk("Hel"), chunk("lo"), final("Hello")}}}
	events := run(t, buildLoop(t, m, map[string]tool.Tool{}), "hi")

	assert.Equal(t, []string{
		model.ObjectTypeChatCompletionChunk,
		model.ObjectTypeChatCompletionChunk,
		ObjectTypeGraphExecution,
	}, objects(events))
	assert.Equal(t, "Hello", events[2].Choices[0].Message.Content)
	assert.Equal(t, "inv-1", events[0].InvocationID)

	require.Len(t, m.requests, 1)
	msgs := m.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.Equal(t, "be brief", msgs[0].Content)
	assert.Equal(t, model.NewUserMessage("hi"), msgs[1])
}

func TestToolLoop_ToolRoundTrip(t *testing.T) {
	var calls []string
	tools := tool.NewSet(echoTool(&calls))
	m := &scriptedModel{turns: [][]*model.Response{
		{final("", call("call_1", "echo", `{"text":"ping"}`))},
		{chunk("done"), final("done")},
	}}
	events := run(t, buildLoop(t, m, tools), "use echo")

	assert.Equal(t, []string{
		model.ObjectTypeToolCall,
		model.ObjectTypeToolResponse,
		model.ObjectTypeChatCompletionChunk,
		ObjectTypeGraphExecution,
	}, objects(events))
	assert.Equal(t, []string{"ping"}, calls)

	announced, ok := events[0].ToolCall()
	require.True(t, ok)
	assert.Equal(t, "echo", announced.Function.Name)
	result, ok := events[1].ToolResult()
	require.True(t, ok)
	assert.Equal(t, "echo: ping", result.Content)
	assert.Equal(t, "call_1", result.ToolID)

	require.Len(t, m.requests, 2)
	second := m.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, model.RoleUser, second[1].Role)
	assert.Equal(t, model.RoleAssistant, second[2].Role)
	require.Len(t, second[2].ToolCalls, 1)
	assert.Equal(t, model.NewToolMessage("call_1", "echo", "echo: ping"), second[3])
	assert.Contains(t, m.requests[1].Tools, "echo")
}

func TestToolLoop_CallsRunInEmittedOrder(t *testing.T) {
	var calls []string
	tools := tool.NewSet(echoTool(&calls))
	m := &scriptedModel{turns: [][]*model.Response{
		{final("", call("a", "echo", `{"text":"1"}`), call("b", "echo", `{"text":"2"}`), call("c", "echo", `{"text":"3"}`))},
		{final("ok")},
	}}
	events := run(t, buildLoop(t, m, tools), "x")
	assert.Equal(t, []string{"1", "2", "3"}, calls)

	var ids []string
	for _, e := range events {
		if msg, ok := e.ToolResult(); ok {
			ids = append(ids, msg.ToolID)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	second := m.requests[1].Messages
	require.Len(t, second, 6)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, second[3+i].ToolID)
	}
}

func TestToolLoop_UnknownToolFailsTurn(t *testing.T) {
	m := &scriptedModel{turns: [][]*model.Response{
		{final("", call("call_1", "missing", `{}`))},
	}}
	events := run(t, buildLoop(t, m, map[string]tool.Tool{}), "x")

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, model.ObjectTypeError, last.Object)
	assert.Equal(t, ErrorTypeGraphExecution, last.Error.Type)
	assert.Contains(t, last.Error.Message, "tool missing not found")
	assert.NotContains(t, objects(events), model.ObjectTypeToolCall)
	assert.Len(t, m.requests, 1)
}

func TestToolLoop_ToolErrorBecomesResult(t *testing.T) {
	failing := function.NewFunctionTool(
		func(ctx context.Context, in echoInput) (string, error) {
			return "", errors.New("boom")
		},
		function.WithName("fail"),
	)
	m := &scriptedModel{turns: [][]*model.Response{
		{final("", call("call_1", "fail", `{"text":"x"}`))},
		{final("recovered")},
	}}
	events := run(t, buildLoop(t, m, tool.NewSet(failing)), "x")
	assert.Empty(t, lastError(events))

	second := m.requests[1].Messages
	assert.Equal(t, model.RoleTool, second[3].Role)
	assert.Equal(t, "Error: boom", second[3].Content)
}

func TestToolLoop_ModelErrorFailsTurn(t *testing.T) {
	m := &scriptedModel{turns: [][]*model.Response{{
		chunk("par"),
		{Object: model.ObjectTypeError, Done: true, Error: &model.ResponseError{
			Message: "quota exceeded", Type: model.ErrorTypeAPIError,
		}},
	}}}
	events := run(t, buildLoop(t, m, map[string]tool.Tool{}), "x")
	assert.Contains(t, lastError(events), "model API error: quota exceeded")
	assert.NotContains(t, objects(events), ObjectTypeGraphExecution)
}

func TestToolLoop_MaxToolRounds(t *testing.T) {
	var calls []string
	m := &scriptedModel{repeat: true, turns: [][]*model.Response{
		{final("", call("call", "echo", `{"text":"again"}`))},
	}}
	events := run(t, buildLoop(t, m, tool.NewSet(echoTool(&calls))), "loop", WithMaxToolRounds(2))

	assert.Len(t, calls, 2)
	assert.Contains(t, lastError(events), ErrMaxToolRoundsExceeded.Error())
	assert.Len(t, m.requests, 3)
}

func TestToolLoop_MaxSteps(t *testing.T) {
	var calls []string
	m := &scriptedModel{repeat: true, turns: [][]*model.Response{
		{final("", call("call", "echo", `{"text":"again"}`))},
	}}
	events := run(t, buildLoop(t, m, tool.NewSet(echoTool(&calls))), "loop", WithMaxSteps(5))
	assert.Contains(t, lastError(events), ErrMaxStepsExceeded.Error())
}

func TestToolLoop_NonStreamingReplyIsEmittedAsChunk(t *testing.T) {
	m := &scriptedModel{turns: [][]*model.Response{{final("whole answer")}}}
	events := run(t, buildLoop(t, m, map[string]tool.Tool{}), "x")
	require.Len(t, events, 2)
	assert.True(t, events[0].IsPartial)
	assert.Equal(t, "whole answer", events[0].Choices[0].Delta.Content)
}

func TestToolLoop_EmptyModelStream(t *testing.T) {
	m := &scriptedModel{turns: [][]*model.Response{{}}}
	events := run(t, buildLoop(t, m, map[string]tool.Tool{}), "x")
	assert.Contains(t, lastError(events), ErrNoModelResponse.Error())
}

func TestToolLoop_CallbacksFromInvocation(t *testing.T) {
	var calls []string
	m := &scriptedModel{turns: [][]*model.Response{
		{final("", call("call_1", "echo", `{"text":"ping"}`))},
		{final("done")},
	}}
	g := buildLoop(t, m, tool.NewSet(echoTool(&calls)))

	toolCallbacks := tool.NewCallbacks().RegisterBeforeTool(
		func(ctx context.Context, inv *tool.Invocation) (any, error) {
			return "intercepted " + inv.ID, nil
		})
	exec, err := NewExecutor(g)
	require.NoError(t, err)
	ch, err := exec.Execute(context.Background(), State{
		StateKeyMessages: []model.Message{model.NewUserMessage("x")},
	}, &agent.Invocation{InvocationID: "inv", ToolCallbacks: toolCallbacks})
	require.NoError(t, err)
	for range ch {
	}
	assert.Empty(t, calls)
	assert.Equal(t, "intercepted call_1", m.requests[1].Messages[3].Content)
}

func TestToolLoop_UserInputIsNotReappended(t *testing.T) {
	m := &scriptedModel{turns: [][]*model.Response{{final("ok")}}}
	exec, err := NewExecutor(buildLoop(t, m, map[string]tool.Tool{}))
	require.NoError(t, err)
	ch, err := exec.Execute(context.Background(), State{
		StateKeyMessages:  []model.Message{model.NewUserMessage("hello")},
		StateKeyUserInput: "hello",
	}, &agent.Invocation{InvocationID: "inv"})
	require.NoError(t, err)
	for range ch {
	}
	require.Len(t, m.requests, 1)
	assert.Equal(t, []model.Message{
		model.NewSystemMessage("be brief"),
		model.NewUserMessage("hello"),
	}, m.requests[0].Messages)
}

func TestToolLoop_ModelCallbacks(t *testing.T) {
	execute := func(t *testing.T, m model.Model, callbacks *model.Callbacks) []*event.Event {
		t.Helper()
		exec, err := NewExecutor(buildLoop(t, m, map[string]tool.Tool{}))
		require.NoError(t, err)
		ch, err := exec.Execute(context.Background(), State{
			StateKeyMessages: []model.Message{model.NewUserMessage("x")},
		}, &agent.Invocation{InvocationID: "inv", ModelCallbacks: callbacks})
		require.NoError(t, err)
		var events []*event.Event
		for evt := range ch {
			events = append(events, evt)
		}
		return events
	}

	t.Run("before short-circuits", func(t *testing.T) {
		m := &scriptedModel{}
		callbacks := model.NewCallbacks().RegisterBeforeModel(
			func(ctx context.Context, req *model.Request) (*model.Response, error) {
				return final("cached"), nil
			})
		events := execute(t, m, callbacks)
		assert.Empty(t, lastError(events))
		assert.Empty(t, m.requests)
		assert.Equal(t, "cached", events[0].Choices[0].Delta.Content)
	})

	t.Run("after replaces final", func(t *testing.T) {
		m := &scriptedModel{turns: [][]*model.Response{{final("raw")}}}
		callbacks := model.NewCallbacks().RegisterAfterModel(
			func(ctx context.Context, rsp *model.Response, modelErr error) (*model.Response, error) {
				if rsp.IsPartial {
					return nil, nil
				}
				return final("filtered"), nil
			})
		events := execute(t, m, callbacks)
		assert.Empty(t, lastError(events))
		assert.Equal(t, "filtered", events[0].Choices[0].Delta.Content)
	})

	t.Run("after sees model error", func(t *testing.T) {
		m := &scriptedModel{turns: [][]*model.Response{{{
			Done:  true,
			Error: &model.ResponseError{Type: model.ErrorTypeAPIError, Message: "quota exceeded"},
		}}}}
		var seen error
		callbacks := model.NewCallbacks().RegisterAfterModel(
			func(ctx context.Context, rsp *model.Response, modelErr error) (*model.Response, error) {
				seen = modelErr
				return nil, nil
			})
		events := execute(t, m, callbacks)
		require.Error(t, seen)
		assert.Equal(t, "quota exceeded", seen.Error())
		assert.Contains(t, lastError(events), "quota exceeded")
	})
}

func TestExecutor_CanceledContext(t *testing.T) {
	m := &scriptedModel{turns: [][]*model.Response{{final("x")}}}
	exec, err := NewExecutor(buildLoop(t, m, map[string]tool.Tool{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, err := exec.Execute(ctx, State{}, &agent.Invocation{InvocationID: "inv"})
	require.NoError(t, err)
	for evt := range ch {
		assert.NotEqual(t, ObjectTypeGraphExecution, evt.Object)
	}
	assert.Empty(t, m.requests)
}

func TestExecutor_NilInvocation(t *testing.T) {
	exec, err := NewExecutor(buildLoop(t, &scriptedModel{}, nil))
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), State{}, nil)
	assert.Error(t, err)
}

func TestExecutor_CommandRouting(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("start", func(ctx context.Context, state State) (any, error) {
			return &Command{Update: State{"visited": "start"}, GoTo: "b"}, nil
		}).
		AddNode("a", func(ctx context.Context, state State) (any, error) {
			return State{StateKeyLastResponse: "went to a"}, nil
		}).
		AddNode("b", func(ctx context.Context, state State) (any, error) {
			return State{StateKeyLastResponse: "went to b after " + state["visited"].(string)}, nil
		}).
		AddEdge("start", "a").
		SetEntryPoint("start").
		Compile()
	require.NoError(t, err)

	events := run(t, g, "x")
	require.Len(t, events, 1)
	assert.Equal(t, "went to b after start", events[0].Choices[0].Message.Content)
}

func TestExecutor_NodeCallbacks(t *testing.T) {
	g, err := NewStateGraph(NewStateSchema()).
		AddNode("skipped", func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("should not run")
		}).
		AddNode("broken", func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("broken node")
		}).
		AddEdge("skipped", "broken").
		SetEntryPoint("skipped").
		Compile()
	require.NoError(t, err)

	var (
		seen   []string
		failed []string
	)
	callbacks := NewNodeCallbacks().
		RegisterBeforeNode(func(ctx context.Context, cb *NodeCallbackContext, state State) (any, error) {
			seen = append(seen, fmt.Sprintf("%s#%d", cb.NodeID, cb.StepNumber))
			if cb.NodeID == "skipped" {
				return State{"custom": true}, nil
			}
			return nil, nil
		}).
		RegisterOnNodeError(func(ctx context.Context, cb *NodeCallbackContext, state State, err error) {
			failed = append(failed, cb.NodeID)
		})

	events := run(t, g, "x", WithNodeCallbacks(callbacks))
	assert.Equal(t, []string{"skipped#1", "broken#2"}, seen)
	assert.Equal(t, []string{"broken"}, failed)
	assert.Contains(t, lastError(events), "error executing node broken: broken node")
}

func TestStateGraph_BuilderErrors(t *testing.T) {
	noop := func(ctx context.Context, state State) (any, error) { return nil, nil }

	_, err := NewStateGraph(nil).AddNode("a", noop).Compile()
	assert.ErrorIs(t, err, ErrNoEntryPoint)

	_, err = NewStateGraph(nil).AddNode("a", noop).AddEdge("a", "missing").SetEntryPoint("a").Compile()
	assert.ErrorContains(t, err, "target node missing does not exist")

	_, err = NewStateGraph(nil).AddNode("a", noop).AddNode("a", noop).SetEntryPoint("a").Compile()
	assert.ErrorContains(t, err, "already exists")

	_, err = NewStateGraph(nil).AddNode(End, noop).Compile()
	assert.ErrorContains(t, err, "reserved")

	assert.Panics(t, func() { NewStateGraph(nil).MustCompile() })
}

func TestGraph_Tools(t *testing.T) {
	var calls []string
	tools := tool.NewSet(echoTool(&calls))
	g := buildLoop(t, &scriptedModel{}, tools)
	assert.Contains(t, g.Tools(), "echo")

	node, ok := g.Node("tools")
	require.True(t, ok)
	assert.Equal(t, NodeTypeTool, node.Type)
	node, ok = g.Node("llm")
	require.True(t, ok)
	assert.Equal(t, NodeTypeLLM, node.Type)
}

func TestRenderToolResult(t *testing.T) {
	assert.Equal(t, "plain", renderToolResult("plain"))
	assert.Equal(t, "raw", renderToolResult([]byte("raw")))
	assert.Equal(t, `{"a":1}`, renderToolResult(map[string]int{"a": 1}))
	assert.Equal(t, "", renderToolResult(nil))
}
