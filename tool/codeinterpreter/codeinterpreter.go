//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package codeinterpreter provides the python_interpreter tool. Every call
// runs in a freshly provisioned sandbox that is torn down before the call
// returns. The tool never fails hard: sandbox problems are reported in the
// result text.
package codeinterpreter

import (
	"context"
	"fmt"
	"strings"

	"github.com/Erfan7767/erfan-agent-backend/codeexecutor"
	"github.com/Erfan7767/erfan-agent-backend/log"
	"github.com/Erfan7767/erfan-agent-backend/tool"
	"github.com/Erfan7767/erfan-agent-backend/tool/function"
)

const (
	// Name is the tool name advertised to the model.
	Name = "python_interpreter"

	// NoOutput is returned when the code produced neither output nor results.
	NoOutput = "Code executed successfully with no output."

	description = "Executes python code in a sandboxed Jupyter-like environment and returns " +
		"the printed output and the value of the last expression. " +
		"Each call starts from a clean environment."
)

type runRequest struct {
	Code string `json:"code" jsonschema:"description=The python code to execute"`
}

type interpreter struct {
	provider codeexecutor.Provider
}

// NewTool creates the python_interpreter tool on top of p.
func NewTool(p codeexecutor.Provider) tool.CallableTool {
	in := &interpreter{provider: p}
	return function.NewFunctionTool(
		in.run,
		function.WithName(Name),
		function.WithDescription(description),
	)
}

func (in *interpreter) run(ctx context.Context, req runRequest) (string, error) {
	code := codeexecutor.Unfence(req.Code)
	exec, err := codeexecutor.Run(ctx, in.provider, code)
	if err != nil {
		log.Warnf("python_interpreter failed: %v", err)
		return fmt.Sprintf("Error executing code: %v", err), nil
	}
	return FormatExecution(exec), nil
}

// FormatExecution renders an execution as the tool result text.
func FormatExecution(exec *codeexecutor.Execution) string {
	if exec == nil {
		return NoOutput
	}
	if e := exec.Error; e != nil {
		return fmt.Sprintf("Error: %s: %s\nTraceback: %s", e.Name, e.Value, e.Traceback)
	}

	var sb strings.Builder
	for _, line := range exec.Stdout {
		sb.WriteString(line)
	}
	if text := exec.Text(); text != "" {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	} else if sb.Len() == 0 {
		var texts []string
		for _, r := range exec.Results {
			if r.Text != "" {
				texts = append(texts, r.Text)
			}
		}
		sb.WriteString(strings.Join(texts, "\n"))
	}
	if sb.Len() == 0 {
		for _, line := range exec.Stderr {
			sb.WriteString(line)
		}
	}
	if sb.Len() == 0 {
		return NoOutput
	}
	return sb.String()
}
