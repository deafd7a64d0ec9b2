// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sort"
	"time"
)

// Socket is one bidirectional message channel attached to the hub. The
// transport layer (server package) adapts WebSocket connections to this
// interface; tests use in-memory fakes.
//
// Send must not block indefinitely: the transport applies a write
// deadline and reports failure as an error. The hub treats any send
// error as "target offline".
type Socket interface {
	Send(data []byte) error
	Close() error
}

// connState is the hub's side table entry for one live socket. The
// identity token is generated at registration and never leaves the
// process; it keys the correlation tables for the socket's lifetime.
type connState struct {
	token         string
	role          Role
	identity      string
	connectedAt   time.Time
	subscriptions map[string]struct{}
}

// registry owns the live socket sets for one hub: role membership,
// per-socket thread subscriptions with reverse indices, and the
// stable-identity maps that make reconnection replacement work.
//
// The registry is only ever touched from the hub's actor goroutine, so
// none of its maps need locking.
type registry struct {
	sockets map[Socket]*connState

	// clientSubs and anchorSubs are reverse indices: thread id → the
	// subscribed sockets of that role.
	clientSubs map[string]map[Socket]struct{}
	anchorSubs map[string]map[Socket]struct{}

	// anchorsByID and clientsByID map stable identities to their one
	// live socket (newest wins).
	anchorsByID map[string]Socket
	clientsByID map[string]Socket
}

func newRegistry() *registry {
	return &registry{
		sockets:     make(map[Socket]*connState),
		clientSubs:  make(map[string]map[Socket]struct{}),
		anchorSubs:  make(map[string]map[Socket]struct{}),
		anchorsByID: make(map[string]Socket),
		clientsByID: make(map[string]Socket),
	}
}

// identityMap returns the identity→socket map for a role.
func (r *registry) identityMap(role Role) map[string]Socket {
	if role == RoleAnchor {
		return r.anchorsByID
	}
	return r.clientsByID
}

// subsIndex returns the thread→sockets reverse index for a role.
func (r *registry) subsIndex(role Role) map[string]map[Socket]struct{} {
	if role == RoleAnchor {
		return r.anchorSubs
	}
	return r.clientSubs
}

// add registers a socket with its generated token and stable identity.
// The caller handles identity collisions (eviction) before calling add.
func (r *registry) add(socket Socket, state *connState) {
	r.sockets[socket] = state
	r.identityMap(state.role)[state.identity] = socket
}

// remove deletes the socket from every index it appears in. Returns
// the removed state, or ok=false if the socket was already removed —
// disconnect-adjacent events (close, error) may both fire for one
// socket, and only the first does any work.
func (r *registry) remove(socket Socket) (*connState, bool) {
	state, ok := r.sockets[socket]
	if !ok {
		return nil, false
	}
	delete(r.sockets, socket)

	index := r.subsIndex(state.role)
	for threadID := range state.subscriptions {
		if set := index[threadID]; set != nil {
			delete(set, socket)
			if len(set) == 0 {
				delete(index, threadID)
			}
		}
	}

	// Only unmap the identity if this socket still owns it — a newer
	// connection may have replaced the mapping already.
	identities := r.identityMap(state.role)
	if identities[state.identity] == socket {
		delete(identities, state.identity)
	}

	return state, true
}

// subscribe adds the socket↔thread relation to both the per-socket set
// and the reverse index. Idempotent.
func (r *registry) subscribe(socket Socket, threadID string) {
	state, ok := r.sockets[socket]
	if !ok {
		return
	}
	state.subscriptions[threadID] = struct{}{}

	index := r.subsIndex(state.role)
	set := index[threadID]
	if set == nil {
		set = make(map[Socket]struct{})
		index[threadID] = set
	}
	set[socket] = struct{}{}
}

// unsubscribe removes the relation from both sides. Idempotent.
func (r *registry) unsubscribe(socket Socket, threadID string) {
	state, ok := r.sockets[socket]
	if !ok {
		return
	}
	delete(state.subscriptions, threadID)

	index := r.subsIndex(state.role)
	if set := index[threadID]; set != nil {
		delete(set, socket)
		if len(set) == 0 {
			delete(index, threadID)
		}
	}
}

// subscribers returns the sockets of one role subscribed to a thread.
func (r *registry) subscribers(role Role, threadID string) map[Socket]struct{} {
	return r.subsIndex(role)[threadID]
}

// eachOfRole calls fn for every live socket of the given role.
func (r *registry) eachOfRole(role Role, fn func(Socket, *connState)) {
	for socket, state := range r.sockets {
		if state.role == role {
			fn(socket, state)
		}
	}
}

// countOfRole returns the number of live sockets of the given role.
func (r *registry) countOfRole(role Role) int {
	count := 0
	for _, state := range r.sockets {
		if state.role == role {
			count++
		}
	}
	return count
}

// anchorIdentities returns the identities of all connected anchors,
// sorted for deterministic fan-out order.
func (r *registry) anchorIdentities() []string {
	identities := make([]string, 0, len(r.anchorsByID))
	for identity := range r.anchorsByID {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}

// soleAnchor returns the single connected anchor when exactly one
// exists.
func (r *registry) soleAnchor() (Socket, *connState, bool) {
	if len(r.anchorsByID) != 1 {
		return nil, nil, false
	}
	for _, socket := range r.anchorsByID {
		return socket, r.sockets[socket], true
	}
	return nil, nil, false
}

// soleSubscribedAnchor returns the single anchor subscribed to a
// thread when exactly one is.
func (r *registry) soleSubscribedAnchor(threadID string) (Socket, *connState, bool) {
	set := r.anchorSubs[threadID]
	if len(set) != 1 {
		return nil, nil, false
	}
	for socket := range set {
		return socket, r.sockets[socket], true
	}
	return nil, nil, false
}

// subscribedAnchorIdentities returns the identities of anchors
// subscribed to a thread, sorted.
func (r *registry) subscribedAnchorIdentities(threadID string) []string {
	set := r.anchorSubs[threadID]
	identities := make([]string, 0, len(set))
	for socket := range set {
		if state, ok := r.sockets[socket]; ok {
			identities = append(identities, state.identity)
		}
	}
	sort.Strings(identities)
	return identities
}
