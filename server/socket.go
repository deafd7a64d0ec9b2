// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameBytes bounds one inbound WebSocket message. Relayed payloads
// are JSON-RPC traffic; anything larger is abuse or a broken peer.
const maxFrameBytes = 512 << 10

// readIdleTimeout bounds the gap between inbound frames. Connected
// clients ping through the relay, so a healthy peer always refreshes
// the deadline well inside this window.
const readIdleTimeout = 5 * time.Minute

// defaultWriteTimeout bounds one outbound WebSocket write. A peer that
// cannot drain within this window is treated as offline.
const defaultWriteTimeout = 10 * time.Second

// wsSocket adapts a gorilla WebSocket connection to relay.Socket. The
// hub's actor goroutine and the server's close path both write, so
// sends are serialized by a mutex.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func newWSSocket(conn *websocket.Conn, writeTimeout time.Duration) *wsSocket {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}
}

// Send implements relay.Socket. A write error (including a blown
// deadline) surfaces to the hub, which treats the socket as offline;
// the read pump then observes the broken connection and detaches it.
func (s *wsSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements relay.Socket.
func (s *wsSocket) Close() error {
	return s.conn.Close()
}
