// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbit-foundation/orbit/lib/clock"
)

// DefaultDispatchTimeout bounds a multi-dispatch fan-out.
const DefaultDispatchTimeout = 20 * time.Second

// defaultPushTimeout bounds one push-notification delivery attempt.
const defaultPushTimeout = 10 * time.Second

// HubConfig holds the collaborators and tuning for one per-user hub.
type HubConfig struct {
	// UserID identifies the authenticated user this hub serves. All
	// hub state is partitioned by it.
	UserID string

	// Store persists thread snapshots. Nil disables persistence
	// (memory-only hub).
	Store SnapshotStore

	// Push delivers attention notifications. Nil disables push.
	Push PushSender

	// Logger receives operational messages. Nil uses a no-op logger.
	Logger *slog.Logger

	// Clock provides time and timers. Nil uses the real clock.
	Clock clock.Clock

	// DispatchTimeout bounds multi-dispatch fan-outs. Zero uses
	// DefaultDispatchTimeout.
	DispatchTimeout time.Duration

	// PushTimeout bounds one push delivery attempt. Zero uses the
	// default.
	PushTimeout time.Duration

	// ActionURLBase, when set, prefixes the actionUrl in push
	// notifications (e.g. "https://orbit.example.com/app").
	ActionURLBase string
}

// Hub is the relay for one user: a single-goroutine actor owning the
// connection registry, thread snapshots, correlation tables, and
// multi-dispatch jobs for that user's sockets.
//
// All public methods are safe to call from any goroutine; they post
// work into the actor loop started by Run. Nothing inside the loop
// blocks: socket sends fail fast, persistence goes through the
// background flusher, and push delivery runs in its own goroutine.
type Hub struct {
	userID          string
	store           SnapshotStore
	push            PushSender
	logger          *slog.Logger
	clock           clock.Clock
	dispatchTimeout time.Duration
	pushTimeout     time.Duration
	actionURLBase   string

	events    chan func()
	closed    chan struct{}
	closeOnce sync.Once

	// Everything below is touched only from the actor goroutine.
	registry        *registry
	threads         map[string]*ThreadSnapshot
	approvals       map[string]*approvalBuffer
	pendingReplies  map[correlationKey]pendingReply
	pendingChildren map[string]*dispatchJob
	jobsByClient    map[Socket]map[*dispatchJob]struct{}
	flusher         *snapshotFlusher
}

// correlationKey pairs the responder's socket token with the request
// id: when that socket sends a reply carrying that id, the entry says
// where the reply goes.
type correlationKey struct {
	token     string
	requestID string
}

// pendingReply records the socket awaiting a response, plus the thread
// the request belonged to (used to clear the approval buffer when the
// response is observed).
type pendingReply struct {
	target   Socket
	threadID string
}

// NewHub creates a hub. Call Run to start its actor loop.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("user_id", cfg.UserID)

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	dispatchTimeout := cfg.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = DefaultDispatchTimeout
	}
	pushTimeout := cfg.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = defaultPushTimeout
	}

	hub := &Hub{
		userID:          cfg.UserID,
		store:           cfg.Store,
		push:            cfg.Push,
		logger:          logger,
		clock:           clk,
		dispatchTimeout: dispatchTimeout,
		pushTimeout:     pushTimeout,
		actionURLBase:   cfg.ActionURLBase,
		events:          make(chan func(), 256),
		closed:          make(chan struct{}),
		registry:        newRegistry(),
		threads:         make(map[string]*ThreadSnapshot),
		approvals:       make(map[string]*approvalBuffer),
		pendingReplies:  make(map[correlationKey]pendingReply),
		pendingChildren: make(map[string]*dispatchJob),
		jobsByClient:    make(map[Socket]map[*dispatchJob]struct{}),
	}
	if cfg.Store != nil {
		hub.flusher = newSnapshotFlusher(cfg.Store, logger, clk)
	}
	return hub
}

// Run loads persisted snapshots, then processes events until ctx is
// cancelled. The final flush runs before Run returns, so pending
// persists survive shutdown.
func (h *Hub) Run(ctx context.Context) error {
	if h.store != nil {
		h.loadSnapshots(ctx)
		go h.flusher.run(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case fn := <-h.events:
			fn()
		}
	}
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() { close(h.closed) })
	if h.flusher != nil {
		h.flusher.Stop()
	}
	h.logger.Info("hub stopped")
}

// loadSnapshots restores persisted thread state, applying the same
// global cap as live-mutation eviction: newest MaxThreads by UpdatedAt
// are retained, the rest are scheduled for deletion.
func (h *Hub) loadSnapshots(ctx context.Context) {
	snapshots, err := h.store.List(ctx)
	if err != nil {
		h.logger.Error("loading thread snapshots failed", "error", err)
		return
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].UpdatedAt.After(snapshots[j].UpdatedAt)
	})

	for i, snapshot := range snapshots {
		if snapshot.ThreadID == "" {
			continue
		}
		if i >= MaxThreads {
			h.flusher.markEvicted(snapshot.ThreadID)
			continue
		}
		NormalizeSnapshot(snapshot)
		h.threads[snapshot.ThreadID] = snapshot
	}

	h.logger.Info("thread snapshots loaded",
		"restored", len(h.threads),
		"evicted", max(0, len(snapshots)-len(h.threads)),
	)
}

// post schedules fn on the actor loop. After shutdown, events are
// dropped.
func (h *Hub) post(fn func()) {
	select {
	case h.events <- fn:
	case <-h.closed:
	}
}

// Attach registers a socket with the hub. identity is the stable
// anchor/client id chosen by the peer; empty means the hub generates
// one. A colliding identity of the same role evicts and closes the
// previous socket (newest wins).
func (h *Hub) Attach(socket Socket, role Role, identity string) {
	h.post(func() { h.register(socket, role, identity) })
}

// Detach removes a socket and runs all disconnect cleanup. Safe to
// call more than once for the same socket.
func (h *Hub) Detach(socket Socket) {
	h.post(func() { h.removeSocket(socket, false) })
}

// HandleMessage processes one inbound frame from a socket.
func (h *Hub) HandleMessage(socket Socket, raw []byte) {
	// Copy: the transport may reuse its read buffer.
	frame := append([]byte(nil), raw...)
	h.post(func() { h.handleMessage(socket, frame) })
}

// HubStats is a point-in-time operational snapshot of one hub.
type HubStats struct {
	UserID           string `json:"userId"`
	Clients          int    `json:"clients"`
	Anchors          int    `json:"anchors"`
	Threads          int    `json:"threads"`
	PendingReplies   int    `json:"pendingReplies"`
	ActiveDispatches int    `json:"activeDispatches"`
}

// Stats returns current hub statistics. Returns the zero value after
// shutdown.
func (h *Hub) Stats() HubStats {
	result := make(chan HubStats, 1)
	h.post(func() {
		dispatches := 0
		for _, jobs := range h.jobsByClient {
			dispatches += len(jobs)
		}
		result <- HubStats{
			UserID:           h.userID,
			Clients:          h.registry.countOfRole(RoleClient),
			Anchors:          h.registry.countOfRole(RoleAnchor),
			Threads:          len(h.threads),
			PendingReplies:   len(h.pendingReplies),
			ActiveDispatches: dispatches,
		}
	})
	select {
	case stats := <-result:
		return stats
	case <-h.closed:
		return HubStats{}
	}
}

// register implements Attach on the actor goroutine.
func (h *Hub) register(socket Socket, role Role, identity string) {
	if identity == "" {
		identity = uuid.NewString()
	}

	// Newest wins: a reconnect with the same identity evicts the older
	// socket. The eviction is quiet — no disconnect broadcast — so
	// clients observe continuous presence across a reconnect.
	if old, ok := h.registry.identityMap(role)[identity]; ok && old != socket {
		h.removeSocket(old, true)
		if err := old.Close(); err != nil {
			h.logger.Debug("closing replaced socket", "error", err)
		}
	}

	state := &connState{
		token:         uuid.NewString(),
		role:          role,
		identity:      identity,
		connectedAt:   h.clock.Now(),
		subscriptions: make(map[string]struct{}),
	}
	h.registry.add(socket, state)

	h.send(socket, helloFrame(role, identity))
	if role == RoleAnchor {
		h.broadcastToClients(anchorPresenceFrame(true, identity))
	}

	h.logger.Info("socket registered", "role", role, "identity", identity)
}

// removeSocket implements disconnect cleanup. Idempotent: close and
// error events may both fire for one socket, and only the first call
// does any work. quiet suppresses the anchor-disconnected broadcast
// (used for identity replacement, which is not a disconnect from the
// clients' point of view).
func (h *Hub) removeSocket(socket Socket, quiet bool) {
	state, ok := h.registry.remove(socket)
	if !ok {
		return
	}

	// Correlation cleanup, both directions: entries waiting on this
	// socket's replies and entries that would forward to it.
	for key, pending := range h.pendingReplies {
		if key.token == state.token || pending.target == socket {
			delete(h.pendingReplies, key)
		}
	}

	h.cleanupDispatchForSocket(socket, state)

	if state.role == RoleAnchor && !quiet {
		h.broadcastToClients(anchorPresenceFrame(false, state.identity))
	}

	h.logger.Info("socket removed", "role", state.role, "identity", state.identity)
}

// handleMessage dispatches one inbound frame on the actor goroutine.
func (h *Hub) handleMessage(socket Socket, raw []byte) {
	state, ok := h.registry.sockets[socket]
	if !ok {
		// Raced with removal; nothing to do.
		return
	}

	env, ok := ParseEnvelope(raw)
	if !ok {
		h.logger.Debug("unparseable frame dropped", "role", state.role)
		return
	}

	if env.Type != "" {
		h.handleControl(socket, state, env)
		return
	}
	if env.Method == "" && !env.HasID {
		// Neither control nor RPC-shaped; nothing to route.
		return
	}

	switch state.role {
	case RoleClient:
		h.routeClientMessage(socket, state, env, raw)
	case RoleAnchor:
		h.routeAnchorMessage(socket, state, env, raw)
	}
}

// handleControl processes the orbit.* control envelopes and keepalive.
// Unknown control types and malformed control messages are silently
// ignored.
func (h *Hub) handleControl(socket Socket, state *connState, env Envelope) {
	switch env.Type {
	case controlPing:
		h.send(socket, pongFrame())

	case controlSubscribe:
		if env.ThreadID == "" {
			return
		}
		h.subscribe(socket, state, env.ThreadID)

	case controlUnsubscribe:
		if env.ThreadID == "" {
			return
		}
		h.registry.unsubscribe(socket, env.ThreadID)

	case controlListAnchors:
		anchors := make([]AnchorInfo, 0, len(h.registry.anchorsByID))
		for _, identity := range h.registry.anchorIdentities() {
			anchorSocket := h.registry.anchorsByID[identity]
			if anchorState, ok := h.registry.sockets[anchorSocket]; ok {
				anchors = append(anchors, AnchorInfo{
					AnchorID:    identity,
					ConnectedAt: anchorState.connectedAt,
				})
			}
		}
		h.send(socket, anchorListFrame(anchors))

	case controlMultiDispatch:
		if state.role != RoleClient {
			return
		}
		h.startDispatch(socket, env)
	}
}

// subscribe registers the subscription and, for clients, replays the
// thread's stored state: one synthesized turn-status notification,
// the recent messages in original order, then any buffered approval
// request.
func (h *Hub) subscribe(socket Socket, state *connState, threadID string) {
	h.registry.subscribe(socket, threadID)
	h.send(socket, subscribedFrame(threadID))

	if state.role != RoleClient {
		return
	}

	if snapshot, ok := h.threads[threadID]; ok {
		if snapshot.Turn != nil {
			h.send(socket, turnNotificationFrame(threadID, *snapshot.Turn))
		}
		for _, message := range snapshot.RecentMessages {
			h.send(socket, message)
		}
	}
	if buffered, ok := h.approvals[threadID]; ok {
		h.send(socket, buffered.raw)
		// Re-arm correlation so this subscriber's answer reaches the
		// thread's anchor even though the request was not forwarded
		// live.
		if buffered.id != "" {
			if snapshot, ok := h.threads[threadID]; ok && snapshot.AnchorID != "" {
				if anchorSocket, ok := h.registry.anchorsByID[snapshot.AnchorID]; ok {
					h.pendingReplies[correlationKey{token: state.token, requestID: buffered.id}] = pendingReply{
						target:   anchorSocket,
						threadID: threadID,
					}
				}
			}
		}
	}

	// Let the thread's anchors know a client is watching; the anchor
	// may proactively resend state the snapshot missed.
	frame := clientSubscribedFrame(threadID, state.identity)
	notified := make(map[Socket]struct{})
	for anchorSocket := range h.registry.subscribers(RoleAnchor, threadID) {
		notified[anchorSocket] = struct{}{}
		h.send(anchorSocket, frame)
	}
	if snapshot, ok := h.threads[threadID]; ok && snapshot.AnchorID != "" {
		if anchorSocket, ok := h.registry.anchorsByID[snapshot.AnchorID]; ok {
			if _, already := notified[anchorSocket]; !already {
				h.send(anchorSocket, frame)
			}
		}
	}
}

// applyMutation routes a mutation to its thread snapshot, creating the
// thread on first mutation, scheduling persistence, and enforcing the
// hub-wide thread cap.
func (h *Hub) applyMutation(threadID string, mutation Mutation) {
	if mutation.IsZero() {
		return
	}
	snapshot, ok := h.threads[threadID]
	if !ok {
		snapshot = &ThreadSnapshot{ThreadID: threadID}
		h.threads[threadID] = snapshot
	}
	snapshot.Apply(mutation)
	if h.flusher != nil {
		h.flusher.markDirty(snapshot.Clone())
	}
	h.enforceThreadCap()
}

// enforceThreadCap evicts least-recently-updated threads (memory and
// durable store) while the hub holds more than MaxThreads.
func (h *Hub) enforceThreadCap() {
	for len(h.threads) > MaxThreads {
		oldestID := ""
		var oldestAt time.Time
		for threadID, snapshot := range h.threads {
			if oldestID == "" || snapshot.UpdatedAt.Before(oldestAt) {
				oldestID = threadID
				oldestAt = snapshot.UpdatedAt
			}
		}
		delete(h.threads, oldestID)
		delete(h.approvals, oldestID)
		if h.flusher != nil {
			h.flusher.markEvicted(oldestID)
		}
		h.logger.Debug("thread evicted", "thread_id", oldestID)
	}
}

// send forwards a frame, treating any failure as "target offline":
// logged, never retried, never propagated.
func (h *Hub) send(socket Socket, frame []byte) bool {
	if err := socket.Send(frame); err != nil {
		h.logger.Debug("socket send failed", "error", err)
		return false
	}
	return true
}

func (h *Hub) broadcastToClients(frame []byte) {
	h.registry.eachOfRole(RoleClient, func(socket Socket, _ *connState) {
		h.send(socket, frame)
	})
}

// notifyPush delivers an attention notification in a best-effort side
// branch that never blocks the relay path.
func (h *Hub) notifyPush(method, threadID string) {
	if h.push == nil {
		return
	}
	notification := attentionNotification(method, threadID, h.actionURLBase)
	logger := h.logger
	timeout := h.pushTimeout
	sender := h.push
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := sender.Send(ctx, notification); err != nil {
			logger.Warn("push delivery failed",
				"thread_id", threadID,
				"type", notification.Type,
				"error", err,
			)
		}
	}()
}

// barrier waits until the actor loop has processed everything posted
// before it. Test helper.
func (h *Hub) barrier() {
	done := make(chan struct{})
	h.post(func() { close(done) })
	select {
	case <-done:
	case <-h.closed:
	}
}
