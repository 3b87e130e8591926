//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package tavily provides a web search tool backed by the Tavily search API.
// The tool returns at most three ranked results as a JSON array of
// {title, url, content} objects. Upstream failures are reported in the
// result text so the model can react to them.
package tavily

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Erfan7767/erfan-agent-backend/log"
	"github.com/Erfan7767/erfan-agent-backend/tool"
	"github.com/Erfan7767/erfan-agent-backend/tool/function"
	"github.com/Erfan7767/erfan-agent-backend/tool/tavily/internal/client"
)

const (
	// Name is the tool name advertised to the model.
	Name = "tavily_search_results_json"
	// MaxResults is the fixed cap on returned results.
	MaxResults = 3

	defaultBaseURL   = "https://api.tavily.com"
	defaultUserAgent = "erfan-agent-backend-tavily/1.0"
	defaultTimeout   = 30 * time.Second
	description      = "A search engine optimized for comprehensive, accurate, and trusted results. " +
		"Useful for when you need to answer questions about current events. " +
		"Input should be a search query."
)

// Option is a functional option for configuring the Tavily tool.
type Option func(*config)

type config struct {
	apiKey     string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// WithAPIKey sets the Tavily API key.
func WithAPIKey(apiKey string) Option {
	return func(c *config) {
		c.apiKey = apiKey
	}
}

// WithBaseURL sets the base URL for the Tavily API.
func WithBaseURL(baseURL string) Option {
	return func(c *config) {
		c.baseURL = baseURL
	}
}

// WithUserAgent sets the user agent for HTTP requests.
func WithUserAgent(userAgent string) Option {
	return func(c *config) {
		c.userAgent = userAgent
	}
}

// WithHTTPClient sets the HTTP client to use.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *config) {
		c.httpClient = httpClient
	}
}

type searchRequest struct {
	Query string `json:"query" jsonschema:"description=search query to look up"`
}

// resultItem is one entry of the serialized result list.
type resultItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searchTool struct {
	client *client.Client
}

// NewTool creates the Tavily search tool.
func NewTool(opts ...Option) tool.CallableTool {
	cfg := &config{
		baseURL:   defaultBaseURL,
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	t := &searchTool{
		client: client.New(cfg.baseURL, cfg.apiKey, cfg.userAgent, cfg.httpClient),
	}
	return function.NewFunctionTool(
		t.search,
		function.WithName(Name),
		function.WithDescription(description),
	)
}

// search never returns an error; failures are reported as "Error: ..." text.
func (t *searchTool) search(ctx context.Context, req searchRequest) (string, error) {
	if strings.TrimSpace(req.Query) == "" {
		return "Error: empty search query provided", nil
	}

	response, err := t.client.Search(ctx, req.Query, MaxResults)
	if err != nil {
		log.Warnf("tavily search failed for %q: %v", req.Query, err)
		return fmt.Sprintf("Error: %v", err), nil
	}

	results := make([]resultItem, 0, MaxResults)
	for _, r := range response.Results {
		if len(results) == MaxResults {
			break
		}
		results = append(results, resultItem{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
		})
	}

	b, err := json.Marshal(results)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	return string(b), nil
}
