// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the per-user relay hubs over WebSocket.
//
// One process serves many users: each authenticated connection is
// routed to its user's hub, which is started lazily on first use and
// runs until server shutdown. The package also serves the operational
// endpoints /healthz and /statusz.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbit-foundation/orbit/lib/clock"
	"github.com/orbit-foundation/orbit/lib/version"
	"github.com/orbit-foundation/orbit/relay"
)

// SnapshotStores hands out per-user snapshot persistence. The
// threadstore package implements it; nil disables persistence.
type SnapshotStores interface {
	ForUser(userID string) relay.SnapshotStore
}

// Config holds the collaborators and tuning for the hub server.
type Config struct {
	// ListenAddr is the TCP address Run binds.
	ListenAddr string

	// AllowedOrigins restricts browser connections by Origin header.
	// Empty, or a single "*", allows any origin; requests without an
	// Origin header are always accepted.
	AllowedOrigins []string

	// Authenticator validates upgrade requests. Required.
	Authenticator Authenticator

	// Stores provides per-user snapshot persistence. Nil runs hubs
	// memory-only.
	Stores SnapshotStores

	// Push delivers attention notifications. Nil disables push.
	Push relay.PushSender

	// Logger receives operational messages. Nil uses a no-op logger.
	Logger *slog.Logger

	// Clock provides time and timers for hubs. Nil uses the real clock.
	Clock clock.Clock

	// DispatchTimeout and PushTimeout are passed through to each hub.
	DispatchTimeout time.Duration
	PushTimeout     time.Duration

	// ActionURLBase prefixes actionUrl in push notifications.
	ActionURLBase string

	// WriteTimeout bounds one WebSocket write. Zero uses the default.
	WriteTimeout time.Duration
}

// Server owns the HTTP surface and the set of running hubs.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	clock    clock.Clock
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	started  time.Time

	hubCtx    context.Context
	hubCancel context.CancelFunc
	closeOnce sync.Once

	mu      sync.Mutex
	hubs    map[string]*runningHub
	sockets map[*wsSocket]struct{}
}

type runningHub struct {
	hub  *relay.Hub
	done chan struct{}
}

// New builds a server. Call Run to serve, or Handler to mount the
// surface elsewhere (tests use httptest). Close releases the hubs when
// Run is never called.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		mux:       http.NewServeMux(),
		started:   time.Now(),
		hubCtx:    hubCtx,
		hubCancel: hubCancel,
		hubs:      make(map[string]*runningHub),
		sockets:   make(map[*wsSocket]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/statusz", s.handleStatusz)
	return s
}

// Handler returns the server's HTTP surface.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down: the listener
// stops, open sockets close, and every hub runs its final flush before
// Run returns.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.logger.Info("hub server listening", "addr", listener.Addr().String())

	httpServer := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := httpServer.Shutdown(shutdownCtx)
		cancel()
		s.Close()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	case err := <-serveErr:
		s.Close()
		return err
	}
}

// Close closes every open socket and stops every hub, waiting for the
// hubs' final flushes. Idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for socket := range s.sockets {
			_ = socket.Close()
		}
		hubs := make([]*runningHub, 0, len(s.hubs))
		for _, running := range s.hubs {
			hubs = append(hubs, running)
		}
		s.mu.Unlock()

		s.hubCancel()
		for _, running := range hubs {
			<-running.done
		}
		s.logger.Info("hub server stopped", "hubs", len(hubs))
	})
}

// hubFor returns the user's hub, starting it on first use.
func (s *Server) hubFor(userID string) *relay.Hub {
	s.mu.Lock()
	defer s.mu.Unlock()

	if running, ok := s.hubs[userID]; ok {
		return running.hub
	}

	hubCfg := relay.HubConfig{
		UserID:          userID,
		Push:            s.cfg.Push,
		Logger:          s.logger,
		Clock:           s.clock,
		DispatchTimeout: s.cfg.DispatchTimeout,
		PushTimeout:     s.cfg.PushTimeout,
		ActionURLBase:   s.cfg.ActionURLBase,
	}
	if s.cfg.Stores != nil {
		hubCfg.Store = s.cfg.Stores.ForUser(userID)
	}

	hub := relay.NewHub(hubCfg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(s.hubCtx)
	}()
	s.hubs[userID] = &runningHub{hub: hub, done: done}
	s.logger.Info("hub started", "user_id", userID)
	return hub
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.cfg.Authenticator.Authenticate(r)
	if err != nil {
		s.logger.Debug("connection rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	socket := newWSSocket(conn, s.cfg.WriteTimeout)
	s.mu.Lock()
	s.sockets[socket] = struct{}{}
	s.mu.Unlock()

	hub := s.hubFor(identity.UserID)
	hub.Attach(socket, identity.Role, identity.PeerID)

	go s.readPump(hub, socket, conn)
}

// readPump moves inbound frames into the hub until the connection
// breaks, then detaches the socket.
func (s *Server) readPump(hub *relay.Hub, socket *wsSocket, conn *websocket.Conn) {
	defer func() {
		hub.Detach(socket)
		_ = conn.Close()
		s.mu.Lock()
		delete(s.sockets, socket)
		s.mu.Unlock()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			return
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		hub.HandleMessage(socket, data)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	hubs := make([]*relay.Hub, 0, len(s.hubs))
	for _, running := range s.hubs {
		hubs = append(hubs, running.hub)
	}
	s.mu.Unlock()

	stats := make([]relay.HubStats, 0, len(hubs))
	for _, hub := range hubs {
		stats = append(stats, hub.Stats())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Version       string           `json:"version"`
		UptimeSeconds int64            `json:"uptimeSeconds"`
		Hubs          []relay.HubStats `json:"hubs"`
	}{
		Version:       version.Info(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Hubs:          stats,
	})
}

// originChecker builds the Upgrader origin policy from the allowlist.
func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*")
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
