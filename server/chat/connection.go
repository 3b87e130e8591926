//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Erfan7767/erfan-agent-backend/log"
	"github.com/Erfan7767/erfan-agent-backend/model"
	"github.com/Erfan7767/erfan-agent-backend/telemetry/metric"
)

// errPeerGone is returned by write once the peer has disconnected.
var errPeerGone = errors.New("peer disconnected")

// inbound is the client frame. Fields other than message are ignored.
type inbound struct {
	Message string `json:"message"`
}

// connection is one WebSocket client. A single reader goroutine queues
// inbound frames; serve handles them one at a time, so a turn finishes
// before the next frame of the same connection is looked at.
type connection struct {
	id     string
	server *Server
	ws     *websocket.Conn
	// dropped counts frames rejected because the queue was full. They are
	// reported between turns, never inside one.
	dropped atomic.Int64

	writeMu sync.Mutex
	closed  bool
}

func newConnection(s *Server, ws *websocket.Conn) *connection {
	return &connection{
		id:     uuid.New().String(),
		server: s,
		ws:     ws,
	}
}

func (c *connection) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.close()

	metric.AddConnections(ctx, 1)
	defer metric.AddConnections(context.Background(), -1)
	log.Infof("chat connection %s opened from %s", c.id, c.ws.RemoteAddr())
	defer log.Infof("chat connection %s closed", c.id)

	queue := make(chan []byte, c.server.maxPending)
	go c.read(ctx, cancel, queue)

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-queue:
			if !ok {
				return
			}
			c.handle(ctx, data)
			c.reportDropped()
		}
	}
}

// read pumps inbound frames into queue until the peer goes away, then
// cancels ctx so the running turn stops.
func (c *connection) read(ctx context.Context, cancel context.CancelFunc, queue chan<- []byte) {
	defer close(queue)
	defer cancel()
	c.ws.SetReadLimit(c.server.readLimit)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debugf("chat connection %s read: %v", c.id, err)
			}
			return
		}
		select {
		case queue <- data:
		case <-ctx.Done():
			return
		default:
			log.Warnf("chat connection %s: dropping message, %d already pending", c.id, cap(queue))
			c.dropped.Add(1)
		}
	}
}

func (c *connection) reportDropped() {
	if n := c.dropped.Swap(0); n > 0 {
		_ = c.write(errorFrame(fmt.Sprintf("too many pending messages: %d dropped", n)))
	}
}

// handle runs one inbound frame. Invalid JSON is answered with an error
// frame; a missing or empty message is ignored.
func (c *connection) handle(ctx context.Context, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		_ = c.write(errorFrame("invalid JSON: " + err.Error()))
		return
	}
	if in.Message == "" {
		return
	}
	if err := c.server.submit(func() { c.runTurn(ctx, in.Message) }); err != nil {
		log.Errorf("chat connection %s: failed to schedule turn: %v", c.id, err)
		_ = c.write(errorFrame("server is shutting down"))
	}
}

func (c *connection) runTurn(ctx context.Context, message string) {
	if ctx.Err() != nil {
		return
	}
	events, err := c.server.runner.Run(ctx, model.NewUserMessage(message))
	if err != nil {
		log.Errorf("chat connection %s: turn failed to start: %v", c.id, err)
		_ = c.write(errorFrame(err.Error()))
		return
	}
	t := &translator{}
	for evt := range events {
		for _, f := range t.translate(evt) {
			if err := c.write(f); err != nil {
				if !errors.Is(err, errPeerGone) {
					log.Debugf("chat connection %s write: %v", c.id, err)
				}
				c.close()
				return
			}
		}
	}
}

// write sends one frame. Writes are serialized and refused after close.
func (c *connection) write(f any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errPeerGone
	}
	if c.server.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	}
	return c.ws.WriteJSON(f)
}

// close ends the socket. The reader then returns and cancels the turn.
func (c *connection) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}
