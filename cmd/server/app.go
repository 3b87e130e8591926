//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Erfan7767/erfan-agent-backend/agent/graphagent"
	"github.com/Erfan7767/erfan-agent-backend/codeexecutor"
	"github.com/Erfan7767/erfan-agent-backend/codeexecutor/container"
	"github.com/Erfan7767/erfan-agent-backend/codeexecutor/e2b"
	"github.com/Erfan7767/erfan-agent-backend/codeexecutor/local"
	"github.com/Erfan7767/erfan-agent-backend/config"
	"github.com/Erfan7767/erfan-agent-backend/graph"
	"github.com/Erfan7767/erfan-agent-backend/log"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/model/openai"
	"github.com/Erfan7767/erfan-agent-backend/runner"
	"github.com/Erfan7767/erfan-agent-backend/server/chat"
	"github.com/Erfan7767/erfan-agent-backend/tool"
	"github.com/Erfan7767/erfan-agent-backend/tool/codeinterpreter"
	"github.com/Erfan7767/erfan-agent-backend/tool/tavily"
)

const appName = "erfan-agent"

// app holds the wired components of the server.
type app struct {
	chat    *chat.Server
	closers []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{}

	provider, err := newSandboxProvider(cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	if c, ok := provider.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	modelOpts := []openai.Option{openai.WithAPIKey(cfg.Model.APIKey)}
	if cfg.Model.BaseURL != "" {
		modelOpts = append(modelOpts, openai.WithBaseURL(cfg.Model.BaseURL))
	}
	m := openai.New(cfg.Model.Name, modelOpts...)

	searchOpts := []tavily.Option{tavily.WithAPIKey(cfg.Search.APIKey)}
	if cfg.Search.BaseURL != "" {
		searchOpts = append(searchOpts, tavily.WithBaseURL(cfg.Search.BaseURL))
	}
	tools := tool.NewSet(
		tavily.NewTool(searchOpts...),
		codeinterpreter.NewTool(provider),
	)

	ga, err := graphagent.NewToolLoop(appName, m, cfg.Agent.Instruction, tools,
		graphagent.WithDescription("Answers questions using web search and a Python sandbox"),
		graphagent.WithMaxToolRounds(cfg.Agent.MaxToolRounds),
		graphagent.WithNodeCallbacks(nodeLogging()),
		graphagent.WithModelCallbacks(modelLogging()),
		graphagent.WithToolCallbacks(toolLogging()),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build agent: %w", err)
	}
	r := runner.NewRunner(appName, ga, runner.WithTimeout(cfg.Agent.TurnTimeout))

	a.chat, err = chat.New(r, chat.WithMaxConcurrentTurns(cfg.Agent.MaxConcurrentTurns))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build chat server: %w", err)
	}
	log.Infof("agent %s ready: model %s, sandbox %s, max tool rounds %d",
		appName, m.Info().Name, cfg.Sandbox.Provider, ga.MaxToolRounds())
	return a, nil
}

// nodeLogging logs the duration and failures of graph nodes.
func nodeLogging() *graph.NodeCallbacks {
	return graph.NewNodeCallbacks().
		RegisterAfterNode(func(
			ctx context.Context,
			cb *graph.NodeCallbackContext,
			state graph.State,
			result any,
			nodeErr error,
		) (any, error) {
			log.Debugf("invocation %s: node %s step %d took %s",
				cb.InvocationID, cb.NodeID, cb.StepNumber, time.Since(cb.ExecutionStartTime))
			return nil, nil
		}).
		RegisterOnNodeError(func(
			ctx context.Context,
			cb *graph.NodeCallbackContext,
			state graph.State,
			err error,
		) {
			log.Warnf("invocation %s: node %s failed: %v", cb.InvocationID, cb.NodeID, err)
		})
}

// modelLogging logs token usage and API errors of final model responses.
func modelLogging() *model.Callbacks {
	return model.NewCallbacks().RegisterAfterModel(
		func(ctx context.Context, rsp *model.Response, modelErr error) (*model.Response, error) {
			switch {
			case modelErr != nil:
				log.Warnf("model call failed: %v", modelErr)
			case rsp != nil && !rsp.IsPartial && rsp.Usage != nil:
				log.Debugf("model %s used %d prompt and %d completion tokens",
					rsp.Model, rsp.Usage.PromptTokens, rsp.Usage.CompletionTokens)
			}
			return nil, nil
		})
}

// toolLogging logs every tool call with its latency.
func toolLogging() *tool.Callbacks {
	var started sync.Map
	return tool.NewCallbacks().
		RegisterBeforeTool(func(ctx context.Context, inv *tool.Invocation) (any, error) {
			started.Store(inv, time.Now())
			return nil, nil
		}).
		RegisterAfterTool(func(ctx context.Context, inv *tool.Invocation, result any, runErr error) (any, error) {
			var took time.Duration
			if v, ok := started.LoadAndDelete(inv); ok {
				took = time.Since(v.(time.Time))
			}
			if runErr != nil {
				log.Warnf("tool %s (%s) failed after %s: %v", inv.Name, inv.ID, took, runErr)
				return nil, nil
			}
			log.Infof("tool %s (%s) finished in %s", inv.Name, inv.ID, took)
			return nil, nil
		})
}

func newSandboxProvider(cfg config.SandboxConfig) (codeexecutor.Provider, error) {
	switch cfg.Provider {
	case config.SandboxE2B:
		var opts []e2b.Option
		if cfg.APIURL != "" {
			opts = append(opts, e2b.WithAPIURL(cfg.APIURL))
		}
		if cfg.Domain != "" {
			opts = append(opts, e2b.WithDomain(cfg.Domain))
		}
		if cfg.Template != "" {
			opts = append(opts, e2b.WithTemplate(cfg.Template))
		}
		p, err := e2b.New(cfg.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create e2b sandbox provider: %w", err)
		}
		return p, nil
	case config.SandboxDocker:
		var opts []container.Option
		if cfg.Image != "" {
			opts = append(opts, container.WithImage(cfg.Image))
		}
		p, err := container.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create docker sandbox provider: %w", err)
		}
		return p, nil
	case config.SandboxLocal:
		log.Warnf("sandbox provider %q runs model-written code on this host", config.SandboxLocal)
		return local.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownSandboxProvider, cfg.Provider)
	}
}

// Close stops the chat server and releases the sandbox provider.
func (a *app) Close() {
	if a.chat != nil {
		a.chat.Close()
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warnf("close: %v", err)
		}
	}
}
