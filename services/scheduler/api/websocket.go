// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/dagheal/services/scheduler/events"
)

const (
	// EventStreamBuffer is the per-connection event buffer. Events beyond
	// it are dropped for that connection.
	EventStreamBuffer = 256

	// MaxReplay bounds the replay query parameter.
	MaxReplay = 1000

	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// HandleEvents handles GET /v1/events.
//
// Description:
//
//	Upgrades to a WebSocket and streams bus events as JSON messages until
//	the client disconnects. Messages sent by the client are ignored.
//
// Query Parameters:
//
//	types: Comma-separated event types (optional, all if empty)
//	replay: Number of recent events to send first (optional)
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEvents")

	var types []events.Type
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, events.Type(t))
		}
	}
	replay, _ := strconv.Atoi(c.Query("replay"))
	if replay > MaxReplay {
		replay = MaxReplay
	}

	bus := h.orch.Bus()
	// Subscribe before the handshake completes so the client sees every
	// event published after its dial returns.
	ch, cancel := bus.Channel(EventStreamBuffer, types...)
	defer cancel()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	logger.Info("event stream connected", slog.Int("types", len(types)))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if replay > 0 {
		for _, ev := range bus.Recent(replay) {
			if !wanted(types, ev.Type) {
				continue
			}
			if err := send(ws, ev); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-closed:
			logger.Info("event stream disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case ev := <-ch:
			if err := send(ws, ev); err != nil {
				logger.Warn("event stream write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func send(ws *websocket.Conn, ev events.Event) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteJSON(ev)
}

func wanted(types []events.Type, t events.Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, w := range types {
		if w == t {
			return true
		}
	}
	return false
}
