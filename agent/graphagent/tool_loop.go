//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graphagent

import (
	"fmt"

	"github.com/Erfan7767/erfan-agent-backend/graph"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/tool"
)

// Node IDs of the tool loop graph.
const (
	NodeLLM   = "llm"
	NodeTools = "tools"
)

// NewToolLoopGraph builds the model/tools loop: the llm node answers, the
// tools node runs any tool calls it made and hands control back to llm,
// and a reply without tool calls ends the turn.
func NewToolLoopGraph(m model.Model, instruction string, tools map[string]tool.Tool) (*graph.Graph, error) {
	if m == nil {
		return nil, fmt.Errorf("tool loop: model is nil")
	}
	if tools == nil {
		tools = map[string]tool.Tool{}
	}
	return graph.NewStateGraph(graph.MessagesStateSchema()).
		AddLLMNode(NodeLLM, m, instruction, tools,
			graph.WithDescription("calls the model with the conversation")).
		AddToolsNode(NodeTools, tools,
			graph.WithDescription("runs the tool calls of the last reply")).
		AddToolsConditionalEdges(NodeLLM, NodeTools, graph.End).
		AddEdge(NodeTools, NodeLLM).
		SetEntryPoint(NodeLLM).
		Compile()
}

// NewToolLoop builds the tool loop graph and wraps it in a GraphAgent.
func NewToolLoop(
	name string,
	m model.Model,
	instruction string,
	tools map[string]tool.Tool,
	opts ...Option,
) (*GraphAgent, error) {
	g, err := NewToolLoopGraph(m, instruction, tools)
	if err != nil {
		return nil, err
	}
	return New(name, g, opts...)
}
