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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Erfan7767/erfan-agent-backend/agent"
	"github.com/Erfan7767/erfan-agent-backend/event"
	itelemetry "github.com/Erfan7767/erfan-agent-backend/internal/telemetry"
	"github.com/Erfan7767/erfan-agent-backend/log"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/telemetry/trace"
)

const (
	// AuthorGraphExecutor is the author of the graph executor.
	AuthorGraphExecutor = "graph-executor"

	// ObjectTypeGraphExecution is the object type of the event emitted when
	// the graph reaches End.
	ObjectTypeGraphExecution = "graph.execution"

	defaultChannelBufferSize = 256
	defaultMaxSteps          = 100
)

// Executor executes a graph with the given initial state.
type Executor struct {
	graph             *Graph
	channelBufferSize int
	maxSteps          int
	maxToolRounds     int
	nodeCallbacks     *NodeCallbacks
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// ChannelBufferSize is the buffer size for event channels (default: 256).
	ChannelBufferSize int
	// MaxSteps is the maximum number of node executions per run (default: 100).
	MaxSteps int
	// MaxToolRounds is the maximum number of tools node executions per run.
	// Zero means unlimited.
	MaxToolRounds int
	// NodeCallbacks are run around every node.
	NodeCallbacks *NodeCallbacks
}

// WithChannelBufferSize sets the buffer size for event channels.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.ChannelBufferSize = size
	}
}

// WithMaxSteps sets the maximum number of steps for graph execution.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxSteps = maxSteps
	}
}

// WithMaxToolRounds bounds how many times tools nodes may run in one execution.
func WithMaxToolRounds(rounds int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxToolRounds = rounds
	}
}

// WithNodeCallbacks sets callbacks that run around every node.
func WithNodeCallbacks(callbacks *NodeCallbacks) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.NodeCallbacks = callbacks
	}
}

// NewExecutor creates a new graph executor.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}
	if err := graph.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	options := ExecutorOptions{
		ChannelBufferSize: defaultChannelBufferSize,
		MaxSteps:          defaultMaxSteps,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.ChannelBufferSize < 0 {
		options.ChannelBufferSize = 0
	}
	if options.MaxSteps <= 0 {
		options.MaxSteps = defaultMaxSteps
	}
	return &Executor{
		graph:             graph,
		channelBufferSize: options.ChannelBufferSize,
		maxSteps:          options.MaxSteps,
		maxToolRounds:     options.MaxToolRounds,
		nodeCallbacks:     options.NodeCallbacks,
	}, nil
}

// Execute runs the graph from its entry point in a new goroutine. Events are
// delivered on the returned channel, which is closed when the run ends. A
// failed run ends with a single error event.
func (e *Executor) Execute(
	ctx context.Context,
	initialState State,
	invocation *agent.Invocation,
) (<-chan *event.Event, error) {
	if invocation == nil {
		return nil, errors.New("invocation is nil")
	}
	if err := e.graph.Schema().Validate(initialState); err != nil {
		return nil, fmt.Errorf("invalid initial state: %w", err)
	}

	eventChan := make(chan *event.Event, e.channelBufferSize)
	go func() {
		defer close(eventChan)
		ctx, span := trace.Tracer.Start(ctx, "execute_graph")
		defer span.End()
		span.SetAttributes(attribute.String(itelemetry.KeyInvocationID, invocation.InvocationID))

		execCtx := &ExecutionContext{
			Graph:          e.graph,
			State:          initialState.Clone(),
			EventChan:      eventChan,
			InvocationID:   invocation.InvocationID,
			toolCallbacks:  invocation.ToolCallbacks,
			modelCallbacks: invocation.ModelCallbacks,
		}
		execCtx.State[StateKeyExecContext] = execCtx
		if err := e.executeGraph(ctx, execCtx); err != nil {
			span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
			log.Debugf("graph execution %s failed: %v", invocation.InvocationID, err)
			errorEvent := event.NewErrorEvent(
				invocation.InvocationID, AuthorGraphExecutor,
				ErrorTypeGraphExecution, err.Error())
			select {
			case eventChan <- errorEvent:
			case <-ctx.Done():
			}
		}
	}()
	return eventChan, nil
}

func (e *Executor) executeGraph(ctx context.Context, execCtx *ExecutionContext) error {
	currentNodeID := e.graph.EntryPoint()
	if currentNodeID == "" {
		return ErrNoEntryPoint
	}
	var stepCount, toolRounds int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if currentNodeID == End {
			return e.complete(ctx, execCtx)
		}
		stepCount++
		if stepCount > e.maxSteps {
			return fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, e.maxSteps)
		}
		node, exists := e.graph.Node(currentNodeID)
		if !exists {
			return fmt.Errorf("node %s not found", currentNodeID)
		}
		if node.Type == NodeTypeTool {
			toolRounds++
			if e.maxToolRounds > 0 && toolRounds > e.maxToolRounds {
				return fmt.Errorf("%w (%d)", ErrMaxToolRoundsExceeded, e.maxToolRounds)
			}
		}
		nextNodeID, err := e.executeNode(ctx, execCtx, node, stepCount)
		if err != nil {
			return fmt.Errorf("error executing node %s: %w", currentNodeID, err)
		}
		currentNodeID = nextNodeID
	}
}

// complete emits the graph completion event carrying the last assistant text.
func (e *Executor) complete(ctx context.Context, execCtx *ExecutionContext) error {
	lastResponse, _ := execCtx.State[StateKeyLastResponse].(string)
	completionEvent := event.New(execCtx.InvocationID, AuthorGraphExecutor, event.WithResponse(&model.Response{
		Object:    ObjectTypeGraphExecution,
		Done:      true,
		Timestamp: time.Now(),
		Choices: []model.Choice{{
			Message: model.NewAssistantMessage(lastResponse),
		}},
	}))
	return execCtx.emit(ctx, completionEvent)
}

// executeNode executes a single node and returns the next node ID.
func (e *Executor) executeNode(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	step int,
) (string, error) {
	ctx, span := trace.Tracer.Start(ctx, fmt.Sprintf("execute_node %s", node.ID))
	defer span.End()
	span.SetAttributes(
		attribute.String("trpc.go.agent.node_id", node.ID),
		attribute.String("trpc.go.agent.node_name", node.Name),
		attribute.String("trpc.go.agent.node_type", node.Type.String()),
		attribute.String(itelemetry.KeyInvocationID, execCtx.InvocationID),
	)
	log.Debugf("invocation %s: executing node %s (step %d)", execCtx.InvocationID, node.ID, step)

	callbackCtx := &NodeCallbackContext{
		NodeID:             node.ID,
		NodeName:           node.Name,
		NodeType:           node.Type,
		StepNumber:         step,
		ExecutionStartTime: time.Now(),
		InvocationID:       execCtx.InvocationID,
	}
	result, err := e.runNodeFunc(ctx, execCtx, node, callbackCtx)
	if err != nil {
		span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
		e.nodeCallbacks.RunOnNodeError(ctx, callbackCtx, execCtx.State, err)
		return "", err
	}

	switch r := result.(type) {
	case nil:
	case *Command:
		if r.Update != nil {
			execCtx.State = e.graph.Schema().ApplyUpdate(execCtx.State, r.Update)
		}
		if r.GoTo != "" {
			span.SetAttributes(attribute.String("trpc.go.agent.next_node", r.GoTo))
			return r.GoTo, nil
		}
	case State:
		execCtx.State = e.graph.Schema().ApplyUpdate(execCtx.State, r)
	default:
		return "", fmt.Errorf("node function returned invalid result type: %T", result)
	}

	nextNode, err := e.selectNextNode(ctx, execCtx, node.ID)
	if err == nil {
		span.SetAttributes(attribute.String("trpc.go.agent.next_node", nextNode))
	}
	return nextNode, err
}

func (e *Executor) runNodeFunc(
	ctx context.Context,
	execCtx *ExecutionContext,
	node *Node,
	callbackCtx *NodeCallbackContext,
) (any, error) {
	custom, err := e.nodeCallbacks.RunBeforeNode(ctx, callbackCtx, execCtx.State)
	if err != nil {
		return nil, fmt.Errorf("callback before node error: %w", err)
	}
	if custom != nil {
		return custom, nil
	}
	var (
		result  any
		nodeErr error
	)
	if node.Function != nil {
		result, nodeErr = node.Function(ctx, execCtx.State)
	}
	result, err = e.nodeCallbacks.RunAfterNode(ctx, callbackCtx, execCtx.State, result, nodeErr)
	if err != nil {
		return nil, fmt.Errorf("callback after node error: %w", err)
	}
	if nodeErr != nil {
		return nil, nodeErr
	}
	return result, nil
}

// selectNextNode selects the next node based on edges and conditional logic.
func (e *Executor) selectNextNode(
	ctx context.Context,
	execCtx *ExecutionContext,
	currentNodeID string,
) (string, error) {
	if condEdge, exists := e.graph.ConditionalEdge(currentNodeID); exists {
		conditionResult, err := condEdge.Condition(ctx, execCtx.State)
		if err != nil {
			return "", fmt.Errorf("conditional edge evaluation failed: %w", err)
		}
		if nextNode, exists := condEdge.PathMap[conditionResult]; exists {
			return nextNode, nil
		}
		return "", fmt.Errorf("condition result %s not found in path map", conditionResult)
	}
	edges := e.graph.Edges(currentNodeID)
	if len(edges) == 0 {
		return End, nil
	}
	return edges[0].To, nil
}
