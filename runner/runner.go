//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package runner drives one agent turn: it assigns the invocation ID,
// bounds the turn in time, forwards the agent's events and closes the turn
// with a runner.completion event.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Erfan7767/erfan-agent-backend/agent"
	"github.com/Erfan7767/erfan-agent-backend/event"
	itelemetry "github.com/Erfan7767/erfan-agent-backend/internal/telemetry"
	"github.com/Erfan7767/erfan-agent-backend/log"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/telemetry/metric"
	"github.com/Erfan7767/erfan-agent-backend/telemetry/trace"
)

// ErrorTypeRunError is the error type of events produced by the runner itself.
const ErrorTypeRunError = "run_error"

const defaultChannelBufferSize = 256

// Option is a function that configures a Runner.
type Option func(*Options)

// WithTimeout bounds the duration of every turn. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.timeout = d
	}
}

// WithChannelBufferSize sets the buffer size of the returned event channel.
func WithChannelBufferSize(size int) Option {
	return func(opts *Options) {
		opts.channelBufferSize = size
	}
}

// Runner is the interface for running agents.
type Runner interface {
	Run(
		ctx context.Context,
		message model.Message,
		runOpts ...agent.RunOption,
	) (<-chan *event.Event, error)
}

// Options is the options for the Runner.
type Options struct {
	timeout           time.Duration
	channelBufferSize int
}

type runner struct {
	appName           string
	agent             agent.Agent
	timeout           time.Duration
	channelBufferSize int
}

// NewRunner creates a new Runner.
func NewRunner(appName string, ag agent.Agent, opts ...Option) Runner {
	options := Options{channelBufferSize: defaultChannelBufferSize}
	for _, opt := range opts {
		opt(&options)
	}
	if options.channelBufferSize < 0 {
		options.channelBufferSize = 0
	}
	return &runner{
		appName:           appName,
		agent:             ag,
		timeout:           options.timeout,
		channelBufferSize: options.channelBufferSize,
	}
}

// Run starts one turn for message. The returned channel carries the
// agent's events followed by exactly one runner.completion event, unless
// ctx is cancelled first. A turn that exceeds the timeout ends with an
// error event.
func (r *runner) Run(
	ctx context.Context,
	message model.Message,
	runOpts ...agent.RunOption,
) (<-chan *event.Event, error) {
	invocationID := "invocation-" + uuid.New().String()
	invocation := &agent.Invocation{
		Agent:        r.agent,
		AgentName:    r.agent.Info().Name,
		InvocationID: invocationID,
		Message:      message,
		RunOptions:   agent.NewRunOptions(runOpts...),
	}

	var (
		turnCtx context.Context
		cancel  context.CancelFunc
	)
	if r.timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, r.timeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	turnCtx, span := trace.Tracer.Start(turnCtx, "invocation")
	span.SetAttributes(attribute.String(itelemetry.KeyInvocationID, invocationID))
	turnCtx = agent.NewInvocationContext(turnCtx, invocation)

	start := time.Now()
	agentEventCh, err := r.agent.Run(turnCtx, invocation)
	if err != nil {
		span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
		span.End()
		cancel()
		metric.RecordTurn(ctx, metric.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("run agent %s: %w", invocation.AgentName, err)
	}
	log.Debugf("invocation %s started", invocationID)

	processedEventCh := make(chan *event.Event, r.channelBufferSize)
	go func() {
		defer close(processedEventCh)
		defer span.End()
		defer cancel()

		var failed bool
		for agentEvent := range agentEventCh {
			if agentEvent == nil {
				continue
			}
			if agentEvent.Error != nil {
				// Errors raised by the expired deadline are reported once, below.
				if errors.Is(turnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					continue
				}
				failed = true
			}
			if agentEvent.Object == model.ObjectTypeToolResponse {
				if msg, ok := agentEvent.ToolResult(); ok {
					metric.RecordToolCall(ctx, msg.ToolName)
				}
			}
			select {
			case processedEventCh <- agentEvent:
			case <-ctx.Done():
				metric.RecordTurn(ctx, metric.OutcomeCanceled, time.Since(start))
				return
			}
		}

		if ctx.Err() != nil {
			metric.RecordTurn(ctx, metric.OutcomeCanceled, time.Since(start))
			return
		}
		if !failed && errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
			failed = true
			timeoutEvent := event.NewErrorEvent(invocationID, r.appName, ErrorTypeRunError,
				fmt.Sprintf("turn timed out after %s", r.timeout))
			select {
			case processedEventCh <- timeoutEvent:
			case <-ctx.Done():
				return
			}
		}

		outcome := metric.OutcomeOK
		if failed {
			outcome = metric.OutcomeError
		}
		metric.RecordTurn(ctx, outcome, time.Since(start))
		log.Debugf("invocation %s finished (%s)", invocationID, outcome)

		completion := event.New(invocationID, r.appName, event.WithResponse(&model.Response{
			ID:        "runner-completion-" + uuid.New().String(),
			Object:    model.ObjectTypeRunnerCompletion,
			Created:   time.Now().Unix(),
			Timestamp: time.Now(),
			Done:      true,
		}))
		select {
		case processedEventCh <- completion:
		case <-ctx.Done():
		}
	}()
	return processedEventCh, nil
}
