//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package local provides a codeexecutor.Provider that runs python3 on the host.
// Each sandbox is a fresh temporary directory. There is no isolation beyond
// that, so this provider is meant for development only.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Erfan7767/erfan-agent-backend/codeexecutor"
	"github.com/Erfan7767/erfan-agent-backend/log"
)

const (
	defaultInterpreter = "python3"
	defaultTimeout     = 30 * time.Second
	scriptName         = "main.py"
)

// Provider creates temp-dir sandboxes on the local host.
type Provider struct {
	Interpreter string        // Interpreter binary, default python3
	Timeout     time.Duration // Timeout for a single RunCode call
	BaseDir     string        // Parent of the sandbox directories, default os.TempDir()
}

// Option configures the Provider.
type Option func(*Provider)

// WithInterpreter sets the interpreter binary.
func WithInterpreter(interpreter string) Option {
	return func(p *Provider) {
		p.Interpreter = interpreter
	}
}

// WithTimeout sets the timeout for code execution.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		p.Timeout = timeout
	}
}

// WithBaseDir sets the directory sandbox directories are created in.
func WithBaseDir(dir string) Option {
	return func(p *Provider) {
		p.BaseDir = dir
	}
}

// New creates a local provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		Interpreter: defaultInterpreter,
		Timeout:     defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewSandbox implements codeexecutor.Provider.
func (p *Provider) NewSandbox(ctx context.Context) (codeexecutor.Sandbox, error) {
	if p.BaseDir != "" {
		if err := os.MkdirAll(p.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(p.BaseDir, "sandbox_")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &sandbox{provider: p, id: uuid.NewString(), dir: dir}, nil
}

type sandbox struct {
	provider *Provider
	id       string
	dir      string
}

func (s *sandbox) ID() string { return s.id }

// RunCode implements codeexecutor.Sandbox.
func (s *sandbox) RunCode(ctx context.Context, code string) (*codeexecutor.Execution, error) {
	path := filepath.Join(s.dir, scriptName)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.provider.Timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, s.provider.Interpreter, path) //nolint:gosec
	cmd.Dir = s.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &codeexecutor.Execution{}
	if stdout.Len() > 0 {
		result.Stdout = []string{stdout.String()}
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		if stderr.Len() > 0 {
			result.Stderr = []string{stderr.String()}
		}
		return result, nil
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Error = &codeexecutor.ExecutionError{
			Name:  "TimeoutError",
			Value: fmt.Sprintf("execution exceeded %s", s.provider.Timeout),
		}
		return result, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.As(err, &exitErr):
		result.Error = codeexecutor.ParsePythonError(stderr.String())
		return result, nil
	default:
		return nil, fmt.Errorf("failed to run %s: %w", s.provider.Interpreter, err)
	}
}

// Close removes the sandbox directory.
func (s *sandbox) Close(ctx context.Context) error {
	if err := os.RemoveAll(s.dir); err != nil {
		log.Warnf("failed to remove sandbox dir %s: %v", s.dir, err)
		return err
	}
	return nil
}
