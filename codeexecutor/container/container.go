//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package container provides a codeexecutor.Provider that runs every snippet
// in its own short-lived Docker container with networking disabled.
package container

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	archive "github.com/moby/go-archive"

	"github.com/Erfan7767/erfan-agent-backend/codeexecutor"
	"github.com/Erfan7767/erfan-agent-backend/log"
)

const (
	// DefaultImage is used when no image is configured.
	DefaultImage               = "python:3.11-slim"
	defaultContainerWorkingDir = "/workspace"
	defaultMemoryLimit         = 512 << 20
	containerNamePrefix        = "erfan-agent-sandbox-"
	sandboxLabel               = "erfan-agent-backend.sandbox"
)

// Provider creates one container per sandbox.
type Provider struct {
	host           string
	dockerFilePath string
	image          string
	hostConfig     container.HostConfig
	client         *client.Client

	prepareOnce sync.Once
	prepareErr  error
}

// Option configures the Provider.
type Option func(*Provider)

// WithHost sets the Docker daemon address, default client.FromEnv.
func WithHost(host string) Option {
	return func(p *Provider) {
		p.host = host
	}
}

// WithImage sets the image sandboxes are started from. It must provide python3.
func WithImage(image string) Option {
	return func(p *Provider) {
		p.image = image
	}
}

// WithDockerFilePath builds the image from the Dockerfile in path before first use.
func WithDockerFilePath(path string) Option {
	return func(p *Provider) {
		p.dockerFilePath = path
	}
}

// WithHostConfig replaces the container host configuration.
func WithHostConfig(hostConfig container.HostConfig) Option {
	return func(p *Provider) {
		p.hostConfig = hostConfig
	}
}

// New creates a Docker-backed provider. The image is pulled or built lazily
// on the first NewSandbox call.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		image: DefaultImage,
		hostConfig: container.HostConfig{
			Privileged:  false,
			NetworkMode: "none",
			Resources: container.Resources{
				Memory: defaultMemoryLimit,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.image == "" {
		return nil, fmt.Errorf("container: image must be set")
	}
	if p.dockerFilePath != "" {
		abs, err := filepath.Abs(p.dockerFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for %s: %w", p.dockerFilePath, err)
		}
		p.dockerFilePath = abs
	}

	var err error
	if p.host != "" {
		p.client, err = client.NewClientWithOpts(client.WithHost(p.host), client.WithAPIVersionNegotiation())
	} else {
		p.client, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return p, nil
}

// Close releases the Docker client.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// NewSandbox implements codeexecutor.Provider.
func (p *Provider) NewSandbox(ctx context.Context) (codeexecutor.Sandbox, error) {
	p.prepareOnce.Do(func() {
		p.prepareErr = p.prepareImage(ctx)
	})
	if p.prepareErr != nil {
		return nil, p.prepareErr
	}

	name := containerNamePrefix + uuid.NewString()
	cfg := &container.Config{
		Image:      p.image,
		WorkingDir: defaultContainerWorkingDir,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Labels:     map[string]string{sandboxLabel: "true"},
	}
	hostConfig := p.hostConfig
	resp, err := p.client.ContainerCreate(ctx, cfg, &hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	sb := &sandbox{client: p.client, id: resp.ID, name: name}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = sb.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	log.Debugf("container sandbox %s started", name)
	return sb, nil
}

func (p *Provider) prepareImage(ctx context.Context) error {
	if p.dockerFilePath != "" {
		return p.buildImage(ctx)
	}
	return p.ensureImageExists(ctx)
}

func (p *Provider) ensureImageExists(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	log.Infof("image %s not found locally, pulling", p.image)
	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", p.image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read image pull output: %w", err)
	}
	return nil
}

func (p *Provider) buildImage(ctx context.Context) error {
	buildContext, err := archive.TarWithOptions(p.dockerFilePath, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	buildResponse, err := p.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:   []string{p.image},
		Remove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer buildResponse.Body.Close()
	if _, err := io.Copy(io.Discard, buildResponse.Body); err != nil {
		log.Warnf("error reading build output: %v", err)
	}
	log.Infof("docker image %s built", p.image)
	return nil
}

type sandbox struct {
	client *client.Client
	id     string
	name   string
}

func (s *sandbox) ID() string { return s.name }

// RunCode implements codeexecutor.Sandbox.
func (s *sandbox) RunCode(ctx context.Context, code string) (*codeexecutor.Execution, error) {
	execResp, err := s.client.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          []string{"python3", "-c", code},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	hijacked, err := s.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer hijacked.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijacked.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := s.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return toExecution(stdout.String(), stderr.String(), inspect.ExitCode), nil
}

func toExecution(stdout, stderr string, exitCode int) *codeexecutor.Execution {
	exec := &codeexecutor.Execution{}
	if stdout != "" {
		exec.Stdout = []string{stdout}
	}
	if exitCode != 0 {
		exec.Error = codeexecutor.ParsePythonError(stderr)
		return exec
	}
	if stderr != "" {
		exec.Stderr = []string{stderr}
	}
	return exec
}

// Close force-removes the container.
func (s *sandbox) Close(ctx context.Context) error {
	if err := s.client.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", s.name, err)
	}
	log.Debugf("container sandbox %s removed", s.name)
	return nil
}
