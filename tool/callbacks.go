//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"context"
)

// Invocation describes a single tool call as seen by callbacks.
type Invocation struct {
	// ID is the model-assigned tool call ID.
	ID string
	// Name is the tool name the model asked for.
	Name string
	// Declaration is nil when the tool is unknown.
	Declaration *Declaration
	// Arguments are the raw JSON arguments. Before-callbacks may rewrite them.
	Arguments []byte
}

// BeforeToolCallback runs before a tool executes.
// A non-nil result short-circuits the tool; a non-nil error aborts the call.
type BeforeToolCallback func(ctx context.Context, inv *Invocation) (any, error)

// AfterToolCallback runs after a tool executes.
// A non-nil result replaces the tool result; a non-nil error replaces runErr.
type AfterToolCallback func(ctx context.Context, inv *Invocation, result any, runErr error) (any, error)

// Callbacks holds callbacks for tool operations.
type Callbacks struct {
	BeforeTool []BeforeToolCallback
	AfterTool  []AfterToolCallback
}

// NewCallbacks creates a new Callbacks instance for tool.
func NewCallbacks() *Callbacks {
	return &Callbacks{}
}

// RegisterBeforeTool registers a before tool callback.
func (c *Callbacks) RegisterBeforeTool(cb BeforeToolCallback) *Callbacks {
	c.BeforeTool = append(c.BeforeTool, cb)
	return c
}

// RegisterAfterTool registers an after tool callback.
func (c *Callbacks) RegisterAfterTool(cb AfterToolCallback) *Callbacks {
	c.AfterTool = append(c.AfterTool, cb)
	return c
}

// RunBeforeTool runs before-callbacks in order and stops at the first result or error.
func (c *Callbacks) RunBeforeTool(ctx context.Context, inv *Invocation) (any, error) {
	if c == nil {
		return nil, nil
	}
	for _, cb := range c.BeforeTool {
		result, err := cb(ctx, inv)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// RunAfterTool runs after-callbacks in order and stops at the first result or error.
func (c *Callbacks) RunAfterTool(ctx context.Context, inv *Invocation, result any, runErr error) (any, error) {
	if c == nil {
		return nil, nil
	}
	for _, cb := range c.AfterTool {
		custom, err := cb(ctx, inv, result, runErr)
		if err != nil {
			return nil, err
		}
		if custom != nil {
			return custom, nil
		}
	}
	return nil, nil
}
