//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package graphagent provides a graph-based agent implementation.
package graphagent

import (
	"context"
	"fmt"
	"sort"

	"github.com/Erfan7767/erfan-agent-backend/agent"
	"github.com/Erfan7767/erfan-agent-backend/event"
	"github.com/Erfan7767/erfan-agent-backend/graph"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/tool"
)

const (
	defaultChannelBufferSize = 256
	// DefaultMaxToolRounds is the number of tools node executions allowed
	// per turn unless WithMaxToolRounds says otherwise.
	DefaultMaxToolRounds = 10
)

// ErrMaxToolRoundsExceeded is reported when a turn keeps requesting tools
// past the configured number of rounds.
var ErrMaxToolRoundsExceeded = graph.ErrMaxToolRoundsExceeded

// Option is a function that configures a GraphAgent.
type Option func(*Options)

// WithDescription sets the description of the agent.
func WithDescription(description string) Option {
	return func(opts *Options) {
		opts.Description = description
	}
}

// WithAgentCallbacks sets the agent callbacks.
func WithAgentCallbacks(callbacks *agent.Callbacks) Option {
	return func(opts *Options) {
		opts.AgentCallbacks = callbacks
	}
}

// WithModelCallbacks sets the model callbacks.
func WithModelCallbacks(callbacks *model.Callbacks) Option {
	return func(opts *Options) {
		opts.ModelCallbacks = callbacks
	}
}

// WithToolCallbacks sets the tool callbacks.
func WithToolCallbacks(callbacks *tool.Callbacks) Option {
	return func(opts *Options) {
		opts.ToolCallbacks = callbacks
	}
}

// WithNodeCallbacks sets callbacks run around every graph node.
func WithNodeCallbacks(callbacks *graph.NodeCallbacks) Option {
	return func(opts *Options) {
		opts.NodeCallbacks = callbacks
	}
}

// WithInitialState sets the initial state for graph execution.
func WithInitialState(state graph.State) Option {
	return func(opts *Options) {
		opts.InitialState = state
	}
}

// WithChannelBufferSize sets the buffer size for event channels.
func WithChannelBufferSize(size int) Option {
	return func(opts *Options) {
		opts.ChannelBufferSize = size
	}
}

// WithMaxToolRounds bounds the number of tool rounds per turn. A value
// below one keeps the default.
func WithMaxToolRounds(rounds int) Option {
	return func(opts *Options) {
		opts.MaxToolRounds = rounds
	}
}

// WithMaxSteps bounds the number of node executions per turn.
func WithMaxSteps(steps int) Option {
	return func(opts *Options) {
		opts.MaxSteps = steps
	}
}

// Options contains configuration options for creating a GraphAgent.
type Options struct {
	// Description is a description of the agent.
	Description string
	// AgentCallbacks contains callbacks for agent operations.
	AgentCallbacks *agent.Callbacks
	// ModelCallbacks contains callbacks for model operations.
	ModelCallbacks *model.Callbacks
	// ToolCallbacks contains callbacks for tool operations.
	ToolCallbacks *tool.Callbacks
	// NodeCallbacks contains callbacks for graph nodes.
	NodeCallbacks *graph.NodeCallbacks
	// InitialState is the initial state for graph execution.
	InitialState graph.State
	// ChannelBufferSize is the buffer size for event channels (default: 256).
	ChannelBufferSize int
	// MaxToolRounds is the number of tool rounds allowed per turn (default: 10).
	MaxToolRounds int
	// MaxSteps is the number of node executions allowed per turn.
	MaxSteps int
}

// GraphAgent is an agent that executes a graph.
type GraphAgent struct {
	name              string
	description       string
	graph             *graph.Graph
	executor          *graph.Executor
	agentCallbacks    *agent.Callbacks
	modelCallbacks    *model.Callbacks
	toolCallbacks     *tool.Callbacks
	initialState      graph.State
	channelBufferSize int
	maxToolRounds     int
}

// New creates a new GraphAgent with the given graph and options.
func New(name string, g *graph.Graph, opts ...Option) (*GraphAgent, error) {
	options := Options{
		ChannelBufferSize: defaultChannelBufferSize,
		MaxToolRounds:     DefaultMaxToolRounds,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxToolRounds < 1 {
		options.MaxToolRounds = DefaultMaxToolRounds
	}

	executorOpts := []graph.ExecutorOption{
		graph.WithChannelBufferSize(options.ChannelBufferSize),
		graph.WithMaxToolRounds(options.MaxToolRounds),
		graph.WithNodeCallbacks(options.NodeCallbacks),
	}
	if options.MaxSteps > 0 {
		executorOpts = append(executorOpts, graph.WithMaxSteps(options.MaxSteps))
	}
	executor, err := graph.NewExecutor(g, executorOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph executor: %w", err)
	}

	return &GraphAgent{
		name:              name,
		description:       options.Description,
		graph:             g,
		executor:          executor,
		agentCallbacks:    options.AgentCallbacks,
		modelCallbacks:    options.ModelCallbacks,
		toolCallbacks:     options.ToolCallbacks,
		initialState:      options.InitialState,
		channelBufferSize: options.ChannelBufferSize,
		maxToolRounds:     options.MaxToolRounds,
	}, nil
}

// Run executes the graph with the provided invocation. The conversation
// starts from the invocation's messages.
func (ga *GraphAgent) Run(ctx context.Context, invocation *agent.Invocation) (<-chan *event.Event, error) {
	if invocation == nil {
		return nil, fmt.Errorf("graph agent %s: invocation is nil", ga.name)
	}
	initialState := ga.buildInitialState(invocation)

	if invocation.AgentCallbacks == nil {
		invocation.AgentCallbacks = ga.agentCallbacks
	}
	if invocation.ModelCallbacks == nil {
		invocation.ModelCallbacks = ga.modelCallbacks
	}
	if invocation.ToolCallbacks == nil {
		invocation.ToolCallbacks = ga.toolCallbacks
	}

	customResponse, err := invocation.AgentCallbacks.RunBeforeAgent(ctx, invocation)
	if err != nil {
		return nil, fmt.Errorf("before agent callback failed: %w", err)
	}
	if customResponse != nil {
		eventChan := make(chan *event.Event, 1)
		eventChan <- event.NewResponseEvent(invocation.InvocationID, ga.name, customResponse)
		close(eventChan)
		return eventChan, nil
	}

	eventChan, err := ga.executor.Execute(ctx, initialState, invocation)
	if err != nil {
		return nil, err
	}
	if invocation.AgentCallbacks != nil && len(invocation.AgentCallbacks.AfterAgent) > 0 {
		return ga.wrapEventChannel(ctx, invocation, eventChan), nil
	}
	return eventChan, nil
}

func (ga *GraphAgent) buildInitialState(invocation *agent.Invocation) graph.State {
	var initialState graph.State
	if ga.initialState != nil {
		initialState = ga.initialState.Clone()
	} else {
		initialState = make(graph.State)
	}
	for key, value := range invocation.RunOptions.RuntimeState {
		initialState[key] = value
	}
	initialState[graph.StateKeyMessages] = invocation.Messages()
	if invocation.Message.Content != "" {
		initialState[graph.StateKeyUserInput] = invocation.Message.Content
	}
	return initialState
}

// Tools returns the tools bound to the graph's nodes, sorted by name.
func (ga *GraphAgent) Tools() []tool.Tool {
	byName := ga.graph.Tools()
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]tool.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, byName[name])
	}
	return tools
}

// Info returns the basic information about this agent.
func (ga *GraphAgent) Info() agent.Info {
	return agent.Info{
		Name:        ga.name,
		Description: ga.description,
	}
}

// MaxToolRounds returns the number of tool rounds allowed per turn.
func (ga *GraphAgent) MaxToolRounds() int {
	return ga.maxToolRounds
}

// wrapEventChannel forwards the graph events and runs the after agent
// callbacks once the graph is done.
func (ga *GraphAgent) wrapEventChannel(
	ctx context.Context,
	invocation *agent.Invocation,
	originalChan <-chan *event.Event,
) <-chan *event.Event {
	wrappedChan := make(chan *event.Event, ga.channelBufferSize)
	go func() {
		defer close(wrappedChan)
		var runErr error
		for evt := range originalChan {
			if evt != nil && evt.Error != nil {
				runErr = fmt.Errorf("%s", evt.Error.Message)
			}
			select {
			case wrappedChan <- evt:
			case <-ctx.Done():
				return
			}
		}
		customResponse, err := invocation.AgentCallbacks.RunAfterAgent(ctx, invocation, runErr)
		if err != nil {
			errorEvent := event.NewErrorEvent(
				invocation.InvocationID,
				ga.name,
				agent.ErrorTypeAgentCallbackError,
				err.Error(),
			)
			select {
			case wrappedChan <- errorEvent:
			case <-ctx.Done():
			}
			return
		}
		if customResponse != nil {
			select {
			case wrappedChan <- event.NewResponseEvent(invocation.InvocationID, ga.name, customResponse):
			case <-ctx.Done():
			}
		}
	}()
	return wrappedChan
}
