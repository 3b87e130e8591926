//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides graph-based execution functionality.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/Erfan7767/erfan-agent-backend/event"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/tool"
)

// Special node identifiers for graph routing.
const (
	// Start represents the virtual start node for routing.
	Start = "__start__"
	// End represents the virtual end node for routing.
	End = "__end__"
)

// Error types for graph execution.
const (
	ErrorTypeGraphExecution = "graph_execution_error"
	ErrorTypeNodeExecution  = "node_execution_error"
)

// NodeType represents the type of a graph node.
type NodeType string

// Node types.
const (
	NodeTypeFunction NodeType = "function"
	NodeTypeLLM      NodeType = "llm"
	NodeTypeTool     NodeType = "tool"
)

// String returns the string representation of the node type.
func (nt NodeType) String() string {
	return string(nt)
}

// NodeFunc is a function that can be executed by a node.
// It returns a State update or a *Command.
type NodeFunc func(ctx context.Context, state State) (any, error)

// ConditionalFunc is a function that determines the next node based on state.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// Node represents a node in the graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc
	Type        NodeType

	// tools is the registry the node was built with, nil for function nodes.
	tools map[string]tool.Tool
}

// Tools returns the tool registry bound to the node.
func (n *Node) Tools() map[string]tool.Tool {
	return n.tools
}

// Edge represents an edge in the graph.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge represents a conditional edge with routing logic.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	PathMap   map[string]string // Maps condition result to target node.
}

// Graph is the compiled runtime structure created by StateGraph.Compile.
// It is immutable once compiled and is executed by an Executor.
type Graph struct {
	mu               sync.RWMutex
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
}

// New creates a new empty graph with the given state schema.
func New(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[id]
	return node, exists
}

// Edges returns all outgoing edges from a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge from a node.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, exists := g.conditionalEdges[nodeID]
	return edge, exists
}

// EntryPoint returns the entry point node ID.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// Tools returns the union of the tool registries bound to the graph's nodes.
func (g *Graph) Tools() map[string]tool.Tool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	tools := make(map[string]tool.Tool)
	for _, n := range g.nodes {
		for name, t := range n.tools {
			tools[name] = t
		}
	}
	return tools
}

func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.entryPoint == "" {
		return ErrNoEntryPoint
	}
	if _, exists := g.nodes[g.entryPoint]; !exists {
		return fmt.Errorf("entry point node %s does not exist", g.entryPoint)
	}
	for from, cond := range g.conditionalEdges {
		if cond.Condition == nil {
			return fmt.Errorf("conditional edge from %s has no condition", from)
		}
	}
	return nil
}

// ExecutionContext contains context for graph execution.
type ExecutionContext struct {
	Graph        *Graph
	EventChan    chan<- *event.Event
	InvocationID string
	State        State

	toolCallbacks  *tool.Callbacks
	modelCallbacks *model.Callbacks
}

// emit sends evt to the event channel unless ctx is done first.
func (ec *ExecutionContext) emit(ctx context.Context, evt *event.Event) error {
	if ec == nil || ec.EventChan == nil {
		return nil
	}
	select {
	case ec.EventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Command represents a command that combines state updates with routing.
type Command struct {
	Update State
	GoTo   string
}

func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		return fmt.Errorf("node ID cannot be empty for %+v", node)
	}
	if node.ID == Start || node.ID == End {
		return fmt.Errorf("node ID %s is reserved", node.ID)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node with ID %s already exists", node.ID)
	}
	g.nodes[node.ID] = node
	return nil
}

func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge from and to cannot be empty")
	}
	if edge.From != Start {
		if _, exists := g.nodes[edge.From]; !exists {
			return fmt.Errorf("source node %s does not exist", edge.From)
		}
	}
	if edge.To != End {
		if _, exists := g.nodes[edge.To]; !exists {
			return fmt.Errorf("target node %s does not exist", edge.To)
		}
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" {
		return fmt.Errorf("conditional edge from cannot be empty")
	}
	if _, exists := g.nodes[condEdge.From]; !exists {
		return fmt.Errorf("source node %s does not exist", condEdge.From)
	}
	for _, to := range condEdge.PathMap {
		if to == End {
			continue
		}
		if _, exists := g.nodes[to]; !exists {
			return fmt.Errorf("target node %s does not exist", to)
		}
	}
	g.conditionalEdges[condEdge.From] = condEdge
	return nil
}

func (g *Graph) setEntryPoint(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[nodeID]; !exists {
		return fmt.Errorf("entry point node %s does not exist", nodeID)
	}
	g.entryPoint = nodeID
	return nil
}
