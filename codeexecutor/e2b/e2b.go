//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package e2b provides a codeexecutor.Provider backed by E2B cloud sandboxes.
//
// Each sandbox is created through the E2B control plane, code is executed by
// the Jupyter-based code interpreter running inside the sandbox, and the
// sandbox is killed on Close.
package e2b

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Erfan7767/erfan-agent-backend/codeexecutor"
	"github.com/Erfan7767/erfan-agent-backend/log"
)

const (
	// DefaultAPIURL is the E2B control plane.
	DefaultAPIURL = "https://api.e2b.dev"
	// DefaultDomain is the domain sandboxes are served under.
	DefaultDomain = "e2b.app"
	// DefaultTemplate is the code interpreter sandbox template.
	DefaultTemplate = "code-interpreter-v1"

	codeInterpreterPort     = 49999
	defaultSandboxTimeout   = 5 * time.Minute
	defaultRequestTimeout   = 60 * time.Second
	maxExecuteLineSize      = 16 << 20
	maxErrorBody            = 512
	headerAPIKey            = "X-API-Key"
	headerAccessToken       = "X-Access-Token"
	executionLanguagePython = "python"
)

// ErrMissingAPIKey is returned by New when no API key is configured.
var ErrMissingAPIKey = errors.New("e2b: api key is required")

// Option configures the Provider.
type Option func(*Provider)

// WithAPIURL overrides the control plane URL.
func WithAPIURL(url string) Option {
	return func(p *Provider) {
		p.apiURL = strings.TrimRight(url, "/")
	}
}

// WithDomain overrides the sandbox domain.
func WithDomain(domain string) Option {
	return func(p *Provider) {
		p.domain = domain
	}
}

// WithTemplate sets the sandbox template ID.
func WithTemplate(template string) Option {
	return func(p *Provider) {
		p.template = template
	}
}

// WithSandboxTimeout sets how long E2B keeps an idle sandbox alive.
func WithSandboxTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.sandboxTimeout = d
	}
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithExecURL overrides how the code interpreter URL is derived from a sandbox.
func WithExecURL(fn func(sandboxID, domain string) string) Option {
	return func(p *Provider) {
		p.execURL = fn
	}
}

// Provider creates E2B sandboxes.
type Provider struct {
	apiKey         string
	apiURL         string
	domain         string
	template       string
	sandboxTimeout time.Duration
	httpClient     *http.Client
	execURL        func(sandboxID, domain string) string
}

// New creates an E2B provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	p := &Provider{
		apiKey:         apiKey,
		apiURL:         DefaultAPIURL,
		domain:         DefaultDomain,
		template:       DefaultTemplate,
		sandboxTimeout: defaultSandboxTimeout,
		httpClient:     &http.Client{Timeout: defaultRequestTimeout},
		execURL:        defaultExecURL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func defaultExecURL(sandboxID, domain string) string {
	return fmt.Sprintf("https://%d-%s.%s", codeInterpreterPort, sandboxID, domain)
}

type createSandboxRequest struct {
	TemplateID string `json:"templateID"`
	Timeout    int    `json:"timeout"`
}

type createSandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	ClientID        string `json:"clientID"`
	TemplateID      string `json:"templateID"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain"`
}

// NewSandbox implements codeexecutor.Provider.
func (p *Provider) NewSandbox(ctx context.Context) (codeexecutor.Sandbox, error) {
	body, err := json.Marshal(createSandboxRequest{
		TemplateID: p.template,
		Timeout:    int(p.sandboxTimeout / time.Second),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/sandboxes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, statusError("create sandbox", resp)
	}

	var created createSandboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to parse sandbox response: %w", err)
	}
	if created.SandboxID == "" {
		return nil, errors.New("e2b: sandbox response has no sandboxID")
	}
	domain := created.Domain
	if domain == "" {
		domain = p.domain
	}
	log.Debugf("e2b sandbox %s created from template %s", created.SandboxID, p.template)
	return &sandbox{
		provider:    p,
		id:          created.SandboxID,
		execURL:     strings.TrimRight(p.execURL(created.SandboxID, domain), "/"),
		accessToken: created.EnvdAccessToken,
	}, nil
}

type sandbox struct {
	provider    *Provider
	id          string
	execURL     string
	accessToken string
}

func (s *sandbox) ID() string { return s.id }

type executeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

// outputLine is one NDJSON line of the execute stream.
type outputLine struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	IsMainResult bool   `json:"is_main_result"`
	Name         string `json:"name"`
	Value        string `json:"value"`
	Traceback    string `json:"traceback"`
}

// RunCode implements codeexecutor.Sandbox.
func (s *sandbox) RunCode(ctx context.Context, code string) (*codeexecutor.Execution, error) {
	body, err := json.Marshal(executeRequest{Code: code, Language: executionLanguagePython})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.execURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.accessToken != "" {
		req.Header.Set(headerAccessToken, s.accessToken)
	}

	resp, err := s.provider.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("execute code", resp)
	}
	return parseExecution(resp.Body)
}

func parseExecution(r io.Reader) (*codeexecutor.Execution, error) {
	exec := &codeexecutor.Execution{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxExecuteLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var out outputLine
		if err := json.Unmarshal(line, &out); err != nil {
			return nil, fmt.Errorf("failed to parse execution output: %w", err)
		}
		switch out.Type {
		case "stdout":
			exec.Stdout = append(exec.Stdout, out.Text)
		case "stderr":
			exec.Stderr = append(exec.Stderr, out.Text)
		case "result":
			exec.Results = append(exec.Results, codeexecutor.Result{
				Text:         out.Text,
				IsMainResult: out.IsMainResult,
			})
		case "error":
			exec.Error = &codeexecutor.ExecutionError{
				Name:      out.Name,
				Value:     out.Value,
				Traceback: out.Traceback,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read execution output: %w", err)
	}
	return exec, nil
}

// Close kills the sandbox. A sandbox that is already gone is not an error.
func (s *sandbox) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.provider.apiURL+"/sandboxes/"+s.id, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerAPIKey, s.provider.apiKey)
	resp, err := s.provider.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to kill sandbox: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		log.Debugf("e2b sandbox %s killed", s.id)
		return nil
	default:
		return statusError("kill sandbox", resp)
	}
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("e2b: %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(b)))
}
