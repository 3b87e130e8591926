//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the events an agent emits while it runs a turn.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/Erfan7767/erfan-agent-backend/model"
)

// Event is one step of a turn: a model chunk, a tool call, a tool result,
// an error or the completion marker.
type Event struct {
	// Response carries the payload. Its Object field tells the kind of event.
	*model.Response

	// InvocationID is the invocation ID of the event.
	InvocationID string `json:"invocationId"`

	// Author is the author of the event.
	Author string `json:"author"`

	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Timestamp is the timestamp of the event.
	Timestamp time.Time `json:"timestamp"`
}

// Clone creates a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Response = e.Response.Clone()
	return &clone
}

// Option is a function that can be used to configure the Event.
type Option func(*Event)

// WithResponse sets the response for the event.
func WithResponse(response *model.Response) Option {
	return func(e *Event) {
		e.Response = response
	}
}

// WithObject sets the object for the event.
func WithObject(o string) Option {
	return func(e *Event) {
		e.Object = o
	}
}

// New creates a new Event with generated ID and timestamp.
func New(invocationID, author string, opts ...Option) *Event {
	e := &Event{
		Response:     &model.Response{},
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Author:       author,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewErrorEvent creates a terminal error Event.
func NewErrorEvent(invocationID, author, errorType, errorMessage string) *Event {
	return New(invocationID, author, WithResponse(&model.Response{
		Object: model.ObjectTypeError,
		Done:   true,
		Error: &model.ResponseError{
			Type:    errorType,
			Message: errorMessage,
		},
	}))
}

// NewResponseEvent creates a new Event from a model Response.
func NewResponseEvent(invocationID, author string, response *model.Response) *Event {
	return New(invocationID, author, WithResponse(response))
}

// NewToolCallEvent announces that the tool call is about to run.
func NewToolCallEvent(invocationID, author string, call model.ToolCall) *Event {
	return New(invocationID, author, WithResponse(&model.Response{
		Object:    model.ObjectTypeToolCall,
		Timestamp: time.Now(),
		Choices: []model.Choice{{
			Message: model.Message{
				Role:      model.RoleAssistant,
				ToolCalls: []model.ToolCall{call},
			},
		}},
	}))
}

// NewToolResponseEvent carries the tool-role message produced for a tool call.
func NewToolResponseEvent(invocationID, author string, msg model.Message) *Event {
	return New(invocationID, author, WithResponse(&model.Response{
		Object:    model.ObjectTypeToolResponse,
		Timestamp: time.Now(),
		Choices:   []model.Choice{{Message: msg}},
	}))
}

// ToolCall returns the announced call of a tool.call event.
func (e *Event) ToolCall() (model.ToolCall, bool) {
	if e == nil || e.Response == nil || e.Object != model.ObjectTypeToolCall || !e.IsToolCallResponse() {
		return model.ToolCall{}, false
	}
	return e.Choices[0].Message.ToolCalls[0], true
}

// ToolResult returns the tool message of a tool.response event.
func (e *Event) ToolResult() (model.Message, bool) {
	if e == nil || e.Response == nil || e.Object != model.ObjectTypeToolResponse || len(e.Choices) == 0 {
		return model.Message{}, false
	}
	return e.Choices[0].Message, true
}

// IsRunnerCompletion reports whether this is the final event of a turn.
func (e *Event) IsRunnerCompletion() bool {
	return e != nil && e.Response != nil && e.Object == model.ObjectTypeRunnerCompletion
}
