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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Erfan7767/erfan-agent-backend/event"
	itelemetry "github.com/Erfan7767/erfan-agent-backend/internal/telemetry"
	"github.com/Erfan7767/erfan-agent-backend/log"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/telemetry/trace"
	"github.com/Erfan7767/erfan-agent-backend/tool"
)

// StateGraph provides a fluent interface for building graphs.
//
// Example usage:
//
//	g, err := NewStateGraph(MessagesStateSchema()).
//	  AddLLMNode("llm", m, "You are helpful.", tools).
//	  AddToolsNode("tools", tools).
//	  AddToolsConditionalEdges("llm", "tools", End).
//	  AddEdge("tools", "llm").
//	  SetEntryPoint("llm").
//	  Compile()
//
// The first builder error is kept and returned by Compile.
type StateGraph struct {
	graph *Graph
	err   error
}

// NewStateGraph creates a new graph builder with the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{
		graph: New(schema),
	}
}

// Option is a function that configures a Node.
type Option func(*Node)

// WithName sets the name of the node.
func WithName(name string) Option {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithNodeType sets the type of the node.
func WithNodeType(nodeType NodeType) Option {
	return func(node *Node) {
		node.Type = nodeType
	}
}

func (sg *StateGraph) record(err error) {
	if err != nil && sg.err == nil {
		sg.err = err
	}
}

// AddNode adds a node with the given ID and function.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	sg.addNode(&Node{
		ID:       id,
		Name:     id,
		Function: function,
		Type:     NodeTypeFunction,
	}, opts...)
	return sg
}

func (sg *StateGraph) addNode(node *Node, opts ...Option) {
	for _, opt := range opts {
		opt(node)
	}
	sg.record(sg.graph.addNode(node))
}

// AddLLMNode adds a node that calls llmModel with the conversation in state
// and appends the assistant reply. The tools map is offered to the model.
func (sg *StateGraph) AddLLMNode(
	id string,
	llmModel model.Model,
	instruction string,
	tools map[string]tool.Tool,
	opts ...Option,
) *StateGraph {
	sg.addNode(&Node{
		ID:       id,
		Name:     id,
		Function: newLLMNodeFunc(id, llmModel, instruction, tools),
		Type:     NodeTypeLLM,
		tools:    tools,
	}, opts...)
	return sg
}

// AddToolsNode adds a node that executes the tool calls of the last
// assistant message against the given registry.
func (sg *StateGraph) AddToolsNode(
	id string,
	tools map[string]tool.Tool,
	opts ...Option,
) *StateGraph {
	sg.addNode(&Node{
		ID:       id,
		Name:     id,
		Function: newToolsNodeFunc(id, tools),
		Type:     NodeTypeTool,
		tools:    tools,
	}, opts...)
	return sg
}

// AddEdge adds a normal edge between two nodes.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	sg.record(sg.graph.addEdge(&Edge{From: from, To: to}))
	return sg
}

// AddConditionalEdges adds conditional routing from a node.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	sg.record(sg.graph.addConditionalEdge(&ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	}))
	return sg
}

// AddToolsConditionalEdges routes from an LLM node to the tools node when
// the last message carries tool calls, and to the fallback node otherwise.
func (sg *StateGraph) AddToolsConditionalEdges(
	fromLLMNode string,
	toToolsNode string,
	fallbackNode string,
) *StateGraph {
	condition := func(ctx context.Context, state State) (string, error) {
		if msgs := state.Messages(); len(msgs) > 0 && len(msgs[len(msgs)-1].ToolCalls) > 0 {
			return toToolsNode, nil
		}
		return fallbackNode, nil
	}
	return sg.AddConditionalEdges(fromLLMNode, condition, map[string]string{
		toToolsNode:  toToolsNode,
		fallbackNode: fallbackNode,
	})
}

// SetEntryPoint sets the entry point of the graph.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	sg.record(sg.graph.setEntryPoint(nodeID))
	return sg
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// Compile compiles the graph and returns it for execution.
func (sg *StateGraph) Compile() (*Graph, error) {
	if sg.err != nil {
		return nil, fmt.Errorf("invalid graph: %w", sg.err)
	}
	if err := sg.graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	return sg.graph, nil
}

// MustCompile compiles the graph or panics if invalid.
func (sg *StateGraph) MustCompile() *Graph {
	g, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return g
}

// NewLLMNodeFunc creates a NodeFunc that calls llmModel directly.
func NewLLMNodeFunc(llmModel model.Model, instruction string, tools map[string]tool.Tool) NodeFunc {
	return newLLMNodeFunc(llmModel.Info().Name, llmModel, instruction, tools)
}

func newLLMNodeFunc(author string, llmModel model.Model, instruction string, tools map[string]tool.Tool) NodeFunc {
	return func(ctx context.Context, state State) (any, error) {
		ctx, span := trace.Tracer.Start(ctx, itelemetry.NewChatSpanName(llmModel.Info().Name))
		defer span.End()

		execCtx := executionContextFrom(state)
		request := &model.Request{
			Messages:         buildMessages(state, instruction),
			Tools:            tools,
			GenerationConfig: model.GenerationConfig{Stream: true},
		}
		responseChan, err := runModel(ctx, execCtx.modelCallbacksOrNil(), llmModel, request)
		if err != nil {
			span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
			return nil, fmt.Errorf("failed to run model: %w", err)
		}
		defer drain(responseChan)

		var (
			final    *model.Response
			streamed strings.Builder
		)
		for response := range responseChan {
			response, err = afterModel(ctx, execCtx.modelCallbacksOrNil(), response)
			if err != nil {
				span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
				return nil, err
			}
			if response.Error != nil {
				span.SetAttributes(attribute.String(itelemetry.KeyError, response.Error.Message))
				return nil, fmt.Errorf("model API error: %s", response.Error.Message)
			}
			if response.IsPartial {
				if len(response.Choices) > 0 {
					streamed.WriteString(response.Choices[0].Delta.Content)
				}
				if err := execCtx.emit(ctx, event.NewResponseEvent(execCtx.invocationID(), author, response)); err != nil {
					return nil, err
				}
				continue
			}
			final = response
		}
		if final == nil || len(final.Choices) == 0 {
			span.SetAttributes(attribute.String(itelemetry.KeyError, ErrNoModelResponse.Error()))
			return nil, ErrNoModelResponse
		}

		msg := final.Choices[0].Message
		content := msg.Content
		if content == "" {
			content = streamed.String()
		}
		// Non-streaming replies still reach listeners as one chunk.
		if streamed.Len() == 0 && content != "" {
			if err := execCtx.emit(ctx, newChunkEvent(execCtx.invocationID(), author, final, content)); err != nil {
				return nil, err
			}
		}
		itelemetry.TraceCallLLM(span, execCtx.invocationID(), llmModel.Info().Name, request, final)

		reply := model.Message{
			Role:      model.RoleAssistant,
			Content:   content,
			ToolCalls: msg.ToolCalls,
		}
		return State{
			StateKeyMessages:     []model.Message{reply},
			StateKeyLastResponse: content,
		}, nil
	}
}

func newChunkEvent(invocationID, author string, final *model.Response, content string) *event.Event {
	return event.NewResponseEvent(invocationID, author, &model.Response{
		ID:        final.ID,
		Object:    model.ObjectTypeChatCompletionChunk,
		Created:   final.Created,
		Model:     final.Model,
		Timestamp: final.Timestamp,
		IsPartial: true,
		Choices: []model.Choice{{
			Delta: model.NewAssistantMessage(content),
		}},
	})
}

// buildMessages prepends the system instruction to the conversation.
// The instruction is part of the request only, never of the state.
func buildMessages(state State, instruction string) []model.Message {
	msgs := state.Messages()
	if instruction == "" || (len(msgs) > 0 && msgs[0].Role == model.RoleSystem) {
		return msgs
	}
	out := make([]model.Message, 0, len(msgs)+1)
	out = append(out, model.NewSystemMessage(instruction))
	return append(out, msgs...)
}

func runModel(
	ctx context.Context,
	modelCallbacks *model.Callbacks,
	llmModel model.Model,
	request *model.Request,
) (<-chan *model.Response, error) {
	customResponse, err := modelCallbacks.RunBeforeModel(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("callback before model error: %w", err)
	}
	if customResponse != nil {
		responseChan := make(chan *model.Response, 1)
		responseChan <- customResponse
		close(responseChan)
		return responseChan, nil
	}
	responseChan, err := llmModel.GenerateContent(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}
	return responseChan, nil
}

// drain discards what is left on ch so the producer can finish.
func drain(ch <-chan *model.Response) {
	go func() {
		for range ch {
		}
	}()
}

func afterModel(ctx context.Context, modelCallbacks *model.Callbacks, response *model.Response) (*model.Response, error) {
	var modelErr error
	if response.Error != nil {
		modelErr = errors.New(response.Error.Message)
	}
	customResponse, err := modelCallbacks.RunAfterModel(ctx, response, modelErr)
	if err != nil {
		return nil, fmt.Errorf("callback after model error: %w", err)
	}
	if customResponse != nil {
		return customResponse, nil
	}
	return response, nil
}

// NewToolsNodeFunc creates a NodeFunc that executes the pending tool calls
// against the given registry.
func NewToolsNodeFunc(tools map[string]tool.Tool) NodeFunc {
	return newToolsNodeFunc("tools", tools)
}

// newToolsNodeFunc runs the tool calls of the last assistant message one
// after another, in the order the model emitted them. Each call is
// announced with a tool.call event and answered with exactly one tool
// message, which is also emitted as a tool.response event. A call naming
// a tool missing from the registry fails the node.
func newToolsNodeFunc(author string, tools map[string]tool.Tool) NodeFunc {
	return func(ctx context.Context, state State) (any, error) {
		ctx, span := trace.Tracer.Start(ctx, "tools_node_execution")
		defer span.End()

		execCtx := executionContextFrom(state)
		messages := state.Messages()
		if len(messages) == 0 {
			span.SetAttributes(attribute.String(itelemetry.KeyError, ErrNoMessages.Error()))
			return nil, ErrNoMessages
		}
		lastMessage := messages[len(messages)-1]
		if lastMessage.Role != model.RoleAssistant {
			span.SetAttributes(attribute.String(itelemetry.KeyError, ErrLastMessageNotAssistant.Error()))
			return nil, ErrLastMessageNotAssistant
		}

		newMessages := make([]model.Message, 0, len(lastMessage.ToolCalls))
		for _, toolCall := range lastMessage.ToolCalls {
			name := toolCall.Function.Name
			t, ok := tools[name]
			if !ok || t == nil {
				err := fmt.Errorf("tool %s not found", name)
				span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
				return nil, err
			}
			if err := execCtx.emit(ctx, event.NewToolCallEvent(execCtx.invocationID(), author, toolCall)); err != nil {
				return nil, err
			}
			content, err := runTool(ctx, toolCall, execCtx.toolCallbacksOrNil(), t)
			if err != nil {
				span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
				return nil, err
			}
			msg := model.NewToolMessage(toolCall.ID, name, content)
			if err := execCtx.emit(ctx, event.NewToolResponseEvent(execCtx.invocationID(), author, msg)); err != nil {
				return nil, err
			}
			newMessages = append(newMessages, msg)
		}
		return State{
			StateKeyMessages: newMessages,
		}, nil
	}
}

// runTool executes one tool call and renders its result as text. Errors
// returned by the tool itself become an "Error: ..." result; only
// callback failures and non-callable tools are returned as errors.
func runTool(
	ctx context.Context,
	toolCall model.ToolCall,
	toolCallbacks *tool.Callbacks,
	t tool.Tool,
) (string, error) {
	name := toolCall.Function.Name
	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewExecuteToolSpanName(name))
	defer span.End()

	decl := t.Declaration()
	inv := &tool.Invocation{
		ID:          toolCall.ID,
		Name:        name,
		Declaration: decl,
		Arguments:   toolCall.Function.Arguments,
	}
	result, err := callTool(ctx, inv, toolCallbacks, t)
	if err != nil {
		span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
		return "", err
	}
	content := renderToolResult(result)
	itelemetry.TraceToolCall(span, decl, toolCall.ID, toolCall.Function.Arguments, content)
	return content, nil
}

func callTool(ctx context.Context, inv *tool.Invocation, toolCallbacks *tool.Callbacks, t tool.Tool) (any, error) {
	customResult, err := toolCallbacks.RunBeforeTool(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("callback before tool error: %w", err)
	}
	if customResult != nil {
		return customResult, nil
	}
	callable, ok := t.(tool.CallableTool)
	if !ok {
		return nil, fmt.Errorf("tool %s is not callable", inv.Name)
	}
	log.Debugf("calling tool %s (%s)", inv.Name, inv.ID)
	result, runErr := callable.Call(ctx, inv.Arguments)
	customResult, err = toolCallbacks.RunAfterTool(ctx, inv, result, runErr)
	if err != nil {
		return nil, fmt.Errorf("callback after tool error: %w", err)
	}
	if customResult != nil {
		return customResult, nil
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool %s: %w", inv.Name, runErr)
		}
		log.Warnf("tool %s failed: %v", inv.Name, runErr)
		return "Error: " + runErr.Error(), nil
	}
	return result, nil
}

// renderToolResult turns a tool result into the content of a tool message.
// Strings pass through unchanged; other values are JSON encoded.
func renderToolResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	bts, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(bts)
}

func executionContextFrom(state State) *ExecutionContext {
	execCtx, _ := state[StateKeyExecContext].(*ExecutionContext)
	return execCtx
}

func (ec *ExecutionContext) invocationID() string {
	if ec == nil {
		return ""
	}
	return ec.InvocationID
}

func (ec *ExecutionContext) modelCallbacksOrNil() *model.Callbacks {
	if ec == nil {
		return nil
	}
	return ec.modelCallbacks
}

func (ec *ExecutionContext) toolCallbacksOrNil() *tool.Callbacks {
	if ec == nil {
		return nil
	}
	return ec.toolCallbacks
}
