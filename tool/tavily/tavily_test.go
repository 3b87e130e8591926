//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fiveResults = `{
	"query": "weather",
	"results": [
		{"title": "A", "url": "https://a.example", "content": "a", "score": 0.9},
		{"title": "B", "url": "https://b.example", "content": "b", "score": 0.8},
		{"title": "C", "url": "https://c.example", "content": "c", "score": 0.7},
		{"title": "D", "url": "https://d.example", "content": "d", "score": 0.6},
		{"title": "E", "url": "https://e.example", "content": "e", "score": 0.5}
	]
}`

func newServer(t *testing.T, status int, body string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, baseURL string, args string) string {
	t.Helper()
	searchTool := NewTool(
		WithAPIKey("tvly-test"),
		WithBaseURL(baseURL),
		WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	)
	out, err := searchTool.Call(context.Background(), []byte(args))
	require.NoError(t, err)
	text, ok := out.(string)
	require.True(t, ok, "expected string result, got %T", out)
	return text
}

func TestTool_Declaration(t *testing.T) {
	decl := NewTool().Declaration()
	assert.Equal(t, "tavily_search_results_json", decl.Name)
	assert.NotEmpty(t, decl.Description)
	require.Contains(t, decl.InputSchema.Properties, "query")
	assert.Equal(t, []string{"query"}, decl.InputSchema.Required)
}

func TestTool_CapsResultsAtThree(t *testing.T) {
	srv := newServer(t, http.StatusOK, fiveResults, nil)
	text := call(t, srv.URL, `{"query":"weather"}`)

	var results []resultItem
	require.NoError(t, json.Unmarshal([]byte(text), &results))
	require.Len(t, results, 3)
	assert.Equal(t, "A", results[0].Title)
	assert.Equal(t, "https://c.example", results[2].URL)
}

func TestTool_EmptyResults(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"query":"x","results":[]}`, nil)
	assert.Equal(t, "[]", call(t, srv.URL, `{"query":"x"}`))
}

func TestTool_EmptyQueryDoesNotCallUpstream(t *testing.T) {
	var calls int32
	srv := newServer(t, http.StatusOK, fiveResults, &calls)
	text := call(t, srv.URL, `{"query":"  "}`)
	assert.True(t, strings.HasPrefix(text, "Error:"))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestTool_UpstreamFailureIsTextResult(t *testing.T) {
	srv := newServer(t, http.StatusTooManyRequests, `{"detail":"rate limited"}`, nil)
	text := call(t, srv.URL, `{"query":"weather"}`)
	assert.True(t, strings.HasPrefix(text, "Error:"))
	assert.Contains(t, text, "429")
}

func TestTool_InvalidArgumentsIsHardError(t *testing.T) {
	_, err := NewTool().Call(context.Background(), []byte(`{"query":`))
	assert.Error(t, err)
}
