//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the span names, attribute keys and span helpers
// shared by the tracing and metrics packages.
package telemetry

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/tool"
)

// telemetry service constants.
const (
	ServiceName      = "erfan-agent-backend"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "erfan-agent"
	InstrumentName   = "erfan.agent"

	SpanNamePrefixChat        = "chat"
	SpanNamePrefixExecuteTool = "execute_tool"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attributes constants.
var (
	KeyEventID      = "erfan.agent.event_id"
	KeyInvocationID = "erfan.agent.invocation_id"
	KeyError        = "erfan.agent.error"
	KeyLLMRequest   = "erfan.agent.llm_request"
	KeyLLMResponse  = "erfan.agent.llm_response"
	KeyToolCallID   = "erfan.agent.tool_call_id"
	KeyToolArgs     = "erfan.agent.tool_call_args"
	KeyToolResponse = "erfan.agent.tool_response"
)

// NewChatSpanName returns the span name of a model call.
func NewChatSpanName(modelName string) string {
	if modelName == "" {
		return SpanNamePrefixChat
	}
	return SpanNamePrefixChat + " " + modelName
}

// NewExecuteToolSpanName returns the span name of a tool call.
func NewExecuteToolSpanName(toolName string) string {
	return SpanNamePrefixExecuteTool + " " + toolName
}

// TraceToolCall traces the invocation of a tool call.
func TraceToolCall(span trace.Span, declaration *tool.Declaration, toolCallID string, args []byte, content string) {
	name, description := "", ""
	if declaration != nil {
		name, description = declaration.Name, declaration.Description
	}
	span.SetAttributes(
		attribute.String("gen_ai.operation.name", "execute_tool"),
		attribute.String("gen_ai.tool.name", name),
		attribute.String("gen_ai.tool.description", description),
		attribute.String(KeyToolCallID, toolCallID),
		attribute.String(KeyToolArgs, string(args)),
		attribute.String(KeyToolResponse, content),
	)
}

// TraceCallLLM traces a model call and its final response.
func TraceCallLLM(span trace.Span, invocationID, modelName string, req *model.Request, rsp *model.Response) {
	span.SetAttributes(
		attribute.String("gen_ai.operation.name", "chat"),
		attribute.String("gen_ai.request.model", modelName),
		attribute.String(KeyInvocationID, invocationID),
	)
	if rsp != nil {
		span.SetAttributes(attribute.String("gen_ai.response.id", rsp.ID))
		if rsp.Usage != nil {
			span.SetAttributes(
				attribute.Int("gen_ai.usage.input_tokens", rsp.Usage.PromptTokens),
				attribute.Int("gen_ai.usage.output_tokens", rsp.Usage.CompletionTokens),
			)
		}
	}

	if bts, err := json.Marshal(req); err == nil {
		span.SetAttributes(attribute.String(KeyLLMRequest, string(bts)))
	} else {
		span.SetAttributes(attribute.String(KeyLLMRequest, "<not json serializable>"))
	}
	if bts, err := json.Marshal(rsp); err == nil {
		span.SetAttributes(attribute.String(KeyLLMResponse, string(bts)))
	} else {
		span.SetAttributes(attribute.String(KeyLLMResponse, "<not json serializable>"))
	}
}

// NewConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewConn(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(endpoint,
		// Note the use of insecure transport here. TLS is recommended in production.
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
