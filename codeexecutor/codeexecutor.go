//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package codeexecutor defines ephemeral code sandboxes and the scoped helper
// that provisions, uses and tears one down for a single execution.
package codeexecutor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Erfan7767/erfan-agent-backend/log"
)

// Provider provisions fresh sandboxes. Implementations must be safe for concurrent use.
type Provider interface {
	// NewSandbox provisions an isolated execution context.
	NewSandbox(ctx context.Context) (Sandbox, error)
}

// Sandbox is a single isolated execution context. It is never shared between calls.
type Sandbox interface {
	// ID identifies the sandbox for logging.
	ID() string
	// RunCode executes a Python snippet and waits for its result.
	// Errors raised by the snippet itself are reported in Execution.Error, not as err.
	RunCode(ctx context.Context, code string) (*Execution, error)
	// Close tears the sandbox down.
	Close(ctx context.Context) error
}

// Execution is the outcome of one RunCode call.
type Execution struct {
	Stdout  []string
	Stderr  []string
	Results []Result
	Error   *ExecutionError
}

// Result is a value produced by the executed code, e.g. the last expression of a cell.
type Result struct {
	Text         string
	IsMainResult bool
}

// Text returns the text of the main result, if any.
func (e *Execution) Text() string {
	if e == nil {
		return ""
	}
	for _, r := range e.Results {
		if r.IsMainResult {
			return r.Text
		}
	}
	return ""
}

// ExecutionError is an error raised by the executed code.
type ExecutionError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// Run provisions a sandbox from p, executes code in it and closes it.
// Close is called exactly once whenever provisioning succeeded, on every exit path.
// Close uses a context detached from ctx cancellation so a canceled turn still releases the sandbox.
// A panic in the provider or the sandbox is returned as an error.
func Run(ctx context.Context, p Provider, code string) (exec *Execution, err error) {
	if p == nil {
		return nil, errors.New("codeexecutor: nil provider")
	}
	defer func() {
		if r := recover(); r != nil {
			exec, err = nil, fmt.Errorf("sandbox panicked: %v", r)
		}
	}()
	sb, err := p.NewSandbox(ctx)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer func() {
		if closeErr := sb.Close(context.WithoutCancel(ctx)); closeErr != nil {
			log.Warnf("close sandbox %s: %v", sb.ID(), closeErr)
		}
	}()

	exec, err = sb.RunCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("run code in sandbox %s: %w", sb.ID(), err)
	}
	return exec, nil
}

// ParsePythonError builds an ExecutionError from the stderr of a failed python3 process.
// The last non-empty line names the exception; everything is kept as the traceback.
func ParsePythonError(stderr string) *ExecutionError {
	trimmed := strings.TrimRight(stderr, "\n ")
	if trimmed == "" {
		return &ExecutionError{Name: "Error", Value: "process exited with a non-zero status"}
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	execErr := &ExecutionError{Name: last, Traceback: trimmed}
	if name, value, ok := strings.Cut(last, ":"); ok && !strings.ContainsAny(name, " \t") {
		execErr.Name = name
		execErr.Value = strings.TrimSpace(value)
	}
	return execErr
}

// CodeBlock represents a single block of code.
type CodeBlock struct {
	Code     string
	Language string
}

// CodeBlockDelimiter defines the start and end delimiters for code blocks.
type CodeBlockDelimiter struct {
	Start string
	End   string
}

// MarkdownDelimiter is the triple-backtick fence.
var MarkdownDelimiter = CodeBlockDelimiter{Start: "```", End: "```"}

// ExtractCodeBlock extracts code blocks from the input string.
// input: "```python\nprint('Hello, World!')```", delimiter: MarkdownDelimiter
// output: []CodeBlock{{Code: "print('Hello, World!')", Language: "python"}}
func ExtractCodeBlock(input string, delimiter CodeBlockDelimiter) []CodeBlock {
	var blocks []CodeBlock

	startDelim := regexp.QuoteMeta(delimiter.Start)
	endDelim := regexp.QuoteMeta(delimiter.End)

	// The first line after the start delimiter names the language.
	pattern := regexp.MustCompile(`(?s)` + startDelim + `([^\n]*)\n(.*?)` + endDelim)

	for _, match := range pattern.FindAllStringSubmatch(input, -1) {
		if len(match) >= 3 {
			blocks = append(blocks, CodeBlock{
				Code:     match[2],
				Language: strings.TrimSpace(match[1]),
			})
		}
	}

	return blocks
}

// Unfence returns the code inside markdown fences when code consists of fenced blocks only,
// and code unchanged otherwise.
func Unfence(code string) string {
	trimmed := strings.TrimSpace(code)
	if !strings.HasPrefix(trimmed, MarkdownDelimiter.Start) {
		return code
	}
	blocks := ExtractCodeBlock(trimmed, MarkdownDelimiter)
	if len(blocks) == 0 {
		return code
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, strings.TrimRight(b.Code, "\n"))
	}
	return strings.Join(parts, "\n")
}
