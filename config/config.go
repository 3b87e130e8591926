//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package config loads the server configuration from the environment and an
// optional YAML file. Values from the file take precedence over the
// environment. Empty component settings select the component's own default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Erfan7767/erfan-agent-backend/log"
)

// Sandbox providers.
const (
	SandboxE2B    = "e2b"
	SandboxDocker = "docker"
	SandboxLocal  = "local"
)

const (
	defaultListenAddr    = ":8000"
	defaultMaxToolRounds = 10
)

// Validation errors.
var (
	ErrMissingModelAPIKey     = errors.New("ANTHROPIC_API_KEY is not set")
	ErrMissingSearchAPIKey    = errors.New("TAVILY_API_KEY is not set")
	ErrMissingSandboxAPIKey   = errors.New("E2B_API_KEY is not set")
	ErrUnknownSandboxProvider = errors.New("unknown sandbox provider")
	ErrInvalidLogLevel        = errors.New("invalid log level")
	ErrInvalidLogFormat       = errors.New("invalid log format")
	ErrInvalidMaxToolRounds   = errors.New("max tool rounds must be at least 1")
	ErrInvalidTurnLimits      = errors.New("turn timeout and concurrency must not be negative")
)

// Config is the process configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	LogLevel   string          `yaml:"log_level"`
	LogFormat  string          `yaml:"log_format"`
	Model      ModelConfig     `yaml:"model"`
	Search     SearchConfig    `yaml:"search"`
	Sandbox    SandboxConfig   `yaml:"sandbox"`
	Agent      AgentConfig     `yaml:"agent"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// ModelConfig configures the chat model client.
type ModelConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Name    string `yaml:"name"`
}

// SearchConfig configures the web search tool.
type SearchConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// SandboxConfig configures the code execution sandbox.
type SandboxConfig struct {
	// Provider is one of SandboxE2B, SandboxDocker or SandboxLocal.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	APIURL   string `yaml:"api_url"`
	Domain   string `yaml:"domain"`
	Template string `yaml:"template"`
	// Image is the container image used by the docker provider.
	Image string `yaml:"image"`
}

// AgentConfig shapes the agent and bounds each chat turn.
type AgentConfig struct {
	// Instruction is an optional system prompt sent ahead of every turn.
	Instruction string `yaml:"instruction"`

	MaxToolRounds int `yaml:"max_tool_rounds"`
	// TurnTimeout of zero leaves turns unbounded in time.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	// MaxConcurrentTurns of zero leaves the number of running turns unbounded.
	MaxConcurrentTurns int `yaml:"max_concurrent_turns"`
}

// TelemetryConfig enables the OpenTelemetry exporters.
type TelemetryConfig struct {
	// Protocol is "grpc" (default) or "http".
	Protocol string `yaml:"protocol"`

	TracesEnabled   bool   `yaml:"traces_enabled"`
	TracesEndpoint  string `yaml:"traces_endpoint"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   log.LevelInfo,
		LogFormat:  log.FormatConsole,
		Sandbox:    SandboxConfig{Provider: SandboxE2B},
		Agent:      AgentConfig{MaxToolRounds: defaultMaxToolRounds},
	}
}

// Load builds the configuration from the defaults, the environment and, when
// path is not empty, the YAML file at path. It does not validate the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	str("ANTHROPIC_API_KEY", &c.Model.APIKey)
	str("MODEL_BASE_URL", &c.Model.BaseURL)
	str("MODEL_NAME", &c.Model.Name)

	str("TAVILY_API_KEY", &c.Search.APIKey)
	str("TAVILY_BASE_URL", &c.Search.BaseURL)

	str("SANDBOX_PROVIDER", &c.Sandbox.Provider)
	str("SANDBOX_IMAGE", &c.Sandbox.Image)
	str("E2B_API_KEY", &c.Sandbox.APIKey)
	str("E2B_API_URL", &c.Sandbox.APIURL)
	str("E2B_DOMAIN", &c.Sandbox.Domain)
	str("E2B_TEMPLATE", &c.Sandbox.Template)

	str("AGENT_INSTRUCTION", &c.Agent.Instruction)
	num("MAX_TOOL_ROUNDS", &c.Agent.MaxToolRounds)
	num("MAX_CONCURRENT_TURNS", &c.Agent.MaxConcurrentTurns)
	if v, ok := lookup("TURN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("TURN_TIMEOUT: %w", err))
		} else {
			c.Agent.TurnTimeout = d
		}
	}

	str("OTEL_EXPORTER_OTLP_PROTOCOL", &c.Telemetry.Protocol)
	flag("OTEL_TRACES_ENABLED", &c.Telemetry.TracesEnabled)
	str("OTEL_TRACES_ENDPOINT", &c.Telemetry.TracesEndpoint)
	flag("OTEL_METRICS_ENABLED", &c.Telemetry.MetricsEnabled)
	str("OTEL_METRICS_ENDPOINT", &c.Telemetry.MetricsEndpoint)
	return errors.Join(errs...)
}

// Validate reports every problem that would prevent the server from serving
// a turn, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Model.APIKey == "" {
		errs = append(errs, ErrMissingModelAPIKey)
	}
	if c.Search.APIKey == "" {
		errs = append(errs, ErrMissingSearchAPIKey)
	}
	switch c.Sandbox.Provider {
	case SandboxE2B:
		if c.Sandbox.APIKey == "" {
			errs = append(errs, ErrMissingSandboxAPIKey)
		}
	case SandboxDocker, SandboxLocal:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownSandboxProvider, c.Sandbox.Provider))
	}
	if !log.IsValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel))
	}
	if !log.IsValidFormat(c.LogFormat) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.LogFormat))
	}
	if c.Agent.MaxToolRounds < 1 {
		errs = append(errs, ErrInvalidMaxToolRounds)
	}
	if c.Agent.TurnTimeout < 0 || c.Agent.MaxConcurrentTurns < 0 {
		errs = append(errs, ErrInvalidTurnLimits)
	}
	return errors.Join(errs...)
}
