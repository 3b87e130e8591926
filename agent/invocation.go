//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package agent

import (
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/tool"
)

// Invocation represents one run of an agent for one turn.
type Invocation struct {
	// Agent is the agent that is being invoked.
	Agent Agent
	// AgentName is the name of the agent that is being invoked.
	AgentName string
	// InvocationID is the ID of the invocation.
	InvocationID string
	// Message is the user message that starts the turn.
	Message model.Message
	// RunOptions is the options for the Run method.
	RunOptions RunOptions
	// AgentCallbacks contains callbacks for agent operations.
	AgentCallbacks *Callbacks
	// ModelCallbacks contains callbacks for model operations.
	ModelCallbacks *model.Callbacks
	// ToolCallbacks contains callbacks for tool operations.
	ToolCallbacks *tool.Callbacks
}

// RunOption is a function that configures a RunOptions.
type RunOption func(*RunOptions)

// WithRuntimeState sets the runtime state for the RunOptions.
func WithRuntimeState(state map[string]any) RunOption {
	return func(opts *RunOptions) {
		opts.RuntimeState = state
	}
}

// WithHistory sets messages that precede the user message of the turn.
func WithHistory(msgs []model.Message) RunOption {
	return func(opts *RunOptions) {
		opts.History = msgs
	}
}

// RunOptions is the options for the Run method.
type RunOptions struct {
	// RuntimeState contains key-value pairs merged into the initial state of
	// this run only.
	RuntimeState map[string]any
	// History holds earlier messages of the conversation. It is empty for
	// the chat relay, which starts every turn from the user message alone.
	History []model.Message
}

// NewRunOptions applies opts to a zero RunOptions.
func NewRunOptions(opts ...RunOption) RunOptions {
	var ro RunOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return ro
}

// Messages returns the conversation the turn starts from: the history
// followed by the user message.
func (inv *Invocation) Messages() []model.Message {
	msgs := make([]model.Message, 0, len(inv.RunOptions.History)+1)
	msgs = append(msgs, inv.RunOptions.History...)
	if inv.Message.Content != "" {
		msgs = append(msgs, inv.Message)
	}
	return msgs
}
