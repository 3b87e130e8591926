//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package chat serves the chat agent over a WebSocket. Every text frame
// received on /ws/chat starts one turn; the turn's events are relayed back
// as token, tool_start, tool_end, agent_end and error frames.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/cors"

	"github.com/Erfan7767/erfan-agent-backend/log"
	"github.com/Erfan7767/erfan-agent-backend/runner"
)

const (
	// HealthPath is the liveness route.
	HealthPath = "/api/health"
	// ChatPath is the WebSocket route.
	ChatPath = "/ws/chat"

	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
	defaultMaxPending   = 16
)

// Option configures a Server.
type Option func(*options)

type options struct {
	maxConcurrentTurns int
	writeTimeout       time.Duration
	readLimit          int64
	maxPending         int
	allowedOrigins     []string
}

// WithMaxConcurrentTurns bounds the number of turns running at the same time
// across all connections. Zero leaves it unbounded.
func WithMaxConcurrentTurns(n int) Option {
	return func(o *options) {
		o.maxConcurrentTurns = n
	}
}

// WithWriteTimeout sets the deadline for writing one frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithReadLimit sets the maximum size in bytes of an inbound frame.
func WithReadLimit(n int64) Option {
	return func(o *options) {
		o.readLimit = n
	}
}

// WithMaxPendingMessages sets how many inbound messages may wait behind the
// running turn of a connection. Messages beyond that are dropped and
// reported with one error frame once the running turn has ended.
func WithMaxPendingMessages(n int) Option {
	return func(o *options) {
		o.maxPending = n
	}
}

// WithAllowedOrigins restricts the origins accepted by CORS and by the
// WebSocket handshake. By default every origin is accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) {
		o.allowedOrigins = origins
	}
}

// Server relays chat turns between WebSocket clients and a runner.
type Server struct {
	runner       runner.Runner
	router       *mux.Router
	upgrader     websocket.Upgrader
	pool         *ants.Pool
	writeTimeout time.Duration
	readLimit    int64
	maxPending   int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server that runs turns with r.
func New(r runner.Runner, opts ...Option) (*Server, error) {
	if r == nil {
		return nil, errors.New("chat: runner must not be nil")
	}
	o := options{
		writeTimeout:   defaultWriteTimeout,
		readLimit:      defaultReadLimit,
		maxPending:     defaultMaxPending,
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxPending < 1 {
		o.maxPending = 1
	}

	s := &Server{
		runner:       r,
		router:       mux.NewRouter(),
		writeTimeout: o.writeTimeout,
		readLimit:    o.readLimit,
		maxPending:   o.maxPending,
	}
	if o.maxConcurrentTurns > 0 {
		pool, err := ants.NewPool(o.maxConcurrentTurns)
		if err != nil {
			return nil, fmt.Errorf("failed to create turn pool: %w", err)
		}
		s.pool = pool
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	c := cors.New(cors.Options{
		AllowedOrigins: o.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	s.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || c.OriginAllowed(r)
	}}
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Close cancels every running turn, ends every connection and releases the
// turn pool.
func (s *Server) Close() {
	s.cancel()
	if s.pool != nil {
		s.pool.Release()
	}
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc(HealthPath, s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc(ChatPath, s.handleChat).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	newConnection(s, ws).serve(s.ctx)
}

// submit runs task, waiting for a free slot when turns are bounded.
func (s *Server) submit(task func()) error {
	if s.pool == nil {
		task()
		return nil
	}
	done := make(chan struct{})
	if err := s.pool.Submit(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}
