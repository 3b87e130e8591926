//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package chat

import (
	"github.com/Erfan7767/erfan-agent-backend/event"
	"github.com/Erfan7767/erfan-agent-backend/model"
)

// Outbound frame types.
const (
	FrameToken     = "token"
	FrameToolStart = "tool_start"
	FrameToolEnd   = "tool_end"
	FrameAgentEnd  = "agent_end"
	FrameError     = "error"
)

// TokenFrame carries one piece of streamed assistant text.
type TokenFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ToolStartFrame announces a tool call. Input is the raw argument text
// produced by the model.
type ToolStartFrame struct {
	Type  string `json:"type"`
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

// ToolEndFrame carries the text result of a tool call.
type ToolEndFrame struct {
	Type   string `json:"type"`
	Tool   string `json:"tool"`
	Output string `json:"output"`
}

// AgentEndFrame closes a successful turn. Output is always empty; the
// answer has already been streamed as tokens.
type AgentEndFrame struct {
	Type   string `json:"type"`
	Output string `json:"output"`
}

// ErrorFrame reports a failed turn or a rejected inbound frame.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func errorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Error: msg}
}

// translator turns the events of one turn into outbound frames. A turn
// yields either one error frame or, on success, one final agent_end frame.
type translator struct {
	failed bool
}

func (t *translator) translate(evt *event.Event) []any {
	if evt == nil || evt.Response == nil {
		return nil
	}
	if evt.Error != nil {
		if t.failed {
			return nil
		}
		t.failed = true
		return []any{errorFrame(evt.Error.Message)}
	}
	switch evt.Object {
	case model.ObjectTypeChatCompletionChunk:
		if !evt.IsPartial || len(evt.Choices) == 0 || evt.Choices[0].Delta.Content == "" {
			return nil
		}
		return []any{TokenFrame{Type: FrameToken, Content: evt.Choices[0].Delta.Content}}
	case model.ObjectTypeToolCall:
		call, ok := evt.ToolCall()
		if !ok {
			return nil
		}
		return []any{ToolStartFrame{
			Type:  FrameToolStart,
			Tool:  call.Function.Name,
			Input: string(call.Function.Arguments),
		}}
	case model.ObjectTypeToolResponse:
		msg, ok := evt.ToolResult()
		if !ok {
			return nil
		}
		return []any{ToolEndFrame{Type: FrameToolEnd, Tool: msg.ToolName, Output: msg.Content}}
	case model.ObjectTypeRunnerCompletion:
		if t.failed {
			return nil
		}
		return []any{AgentEndFrame{Type: FrameAgentEnd}}
	}
	return nil
}
