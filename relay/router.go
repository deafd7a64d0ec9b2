// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

// Message routing between the two socket roles. Relayed frames are
// forwarded byte-for-byte; the hub only reads identifiers out of them.

// routingFailureMessage maps a structured failure code to the
// human-readable error message in the synthesized reply.
func routingFailureMessage(code string) string {
	switch code {
	case CodeAnchorNotFound:
		return "no connected anchor has that id"
	case CodeAnchorOffline:
		return "the thread's anchor is not connected"
	case CodeAnchorRequired:
		return "multiple anchors are connected; the message must name one"
	case CodeThreadAnchorMismatch:
		return "the named anchor does not match the thread's binding"
	case CodeTimeout:
		return "the anchor did not reply in time"
	default:
		return "the message could not be routed"
	}
}

// routeClientMessage handles one RPC-shaped frame from a client socket:
// replies flow through the correlation table, everything else resolves
// to a single anchor target.
func (h *Hub) routeClientMessage(socket Socket, state *connState, env Envelope, raw []byte) {
	if env.IsReply() {
		key := correlationKey{token: state.token, requestID: env.ID}
		pending, ok := h.pendingReplies[key]
		if !ok {
			// Reply to a request the hub never forwarded to this
			// socket; nothing to correlate it with.
			h.logger.Debug("uncorrelated client reply dropped", "id", env.ID)
			return
		}
		delete(h.pendingReplies, key)
		h.send(pending.target, raw)

		// The client answered the anchor's request; any buffered
		// attention request on that thread is now resolved.
		if pending.threadID != "" {
			delete(h.approvals, pending.threadID)
		}
		return
	}

	target, targetState, bind, code := h.resolveClientTarget(env)
	if code != "" {
		h.replyRoutingFailure(socket, env, code)
		return
	}
	if !h.send(target, raw) {
		h.replyRoutingFailure(socket, env, CodeAnchorOffline)
		return
	}

	if env.IsRequest() {
		h.pendingReplies[correlationKey{token: targetState.token, requestID: env.ID}] = pendingReply{
			target:   socket,
			threadID: env.ThreadID,
		}
	}

	if bind && env.ThreadID != "" {
		h.applyMutation(env.ThreadID, Mutation{Now: h.clock.Now(), AnchorID: targetState.identity})
	}
}

// resolveClientTarget picks the anchor a client message goes to. The
// priority chain: explicit anchorId, then the thread's sticky binding,
// then the sole anchor subscribed to the thread, then the sole
// connected anchor. bind reports whether delivery establishes (or
// confirms) the thread's binding. A non-empty code means resolution
// failed.
func (h *Hub) resolveClientTarget(env Envelope) (target Socket, targetState *connState, bind bool, code string) {
	if env.AnchorID != "" {
		anchorSocket, ok := h.registry.anchorsByID[env.AnchorID]
		if !ok {
			return nil, nil, false, CodeAnchorNotFound
		}
		if env.ThreadID != "" {
			if snapshot, ok := h.threads[env.ThreadID]; ok && snapshot.AnchorID != "" && snapshot.AnchorID != env.AnchorID {
				return nil, nil, false, CodeThreadAnchorMismatch
			}
		}
		return anchorSocket, h.registry.sockets[anchorSocket], true, ""
	}

	if env.ThreadID != "" {
		if snapshot, ok := h.threads[env.ThreadID]; ok && snapshot.AnchorID != "" {
			anchorSocket, ok := h.registry.anchorsByID[snapshot.AnchorID]
			if !ok {
				// Sticky bindings survive disconnects; a bound thread
				// never silently fails over to another anchor.
				return nil, nil, false, CodeAnchorOffline
			}
			return anchorSocket, h.registry.sockets[anchorSocket], false, ""
		}

		if anchorSocket, anchorState, ok := h.registry.soleSubscribedAnchor(env.ThreadID); ok {
			return anchorSocket, anchorState, true, ""
		}
		if len(h.registry.subscribers(RoleAnchor, env.ThreadID)) > 1 {
			return nil, nil, false, CodeAnchorRequired
		}
	}

	if anchorSocket, anchorState, ok := h.registry.soleAnchor(); ok {
		return anchorSocket, anchorState, env.ThreadID != "", ""
	}

	if len(h.registry.anchorsByID) == 0 {
		return nil, nil, false, CodeAnchorOffline
	}
	return nil, nil, false, CodeAnchorRequired
}

// replyRoutingFailure reports a routing failure back to the sender.
// Only requests get a reply; notifications fail silently because the
// sender holds no id to correlate an error with.
func (h *Hub) replyRoutingFailure(socket Socket, env Envelope, code string) {
	if !env.IsRequest() {
		h.logger.Debug("unroutable notification dropped", "method", env.Method, "code", code)
		return
	}
	h.send(socket, errorReplyFrame(env.IDRaw, code, routingFailureMessage(code)))
}

// routeAnchorMessage handles one RPC-shaped frame from an anchor
// socket: child replies feed multi-dispatch aggregation, other replies
// flow through the correlation table, and requests/notifications
// broadcast to the thread's subscribed clients while mutating the
// thread snapshot.
func (h *Hub) routeAnchorMessage(socket Socket, state *connState, env Envelope, raw []byte) {
	if env.IsReply() {
		if h.handleDispatchChildReply(env, raw) {
			return
		}
		key := correlationKey{token: state.token, requestID: env.ID}
		pending, ok := h.pendingReplies[key]
		if !ok {
			h.logger.Debug("uncorrelated anchor reply dropped", "id", env.ID)
			return
		}
		delete(h.pendingReplies, key)
		h.send(pending.target, raw)
		return
	}

	// Thread-scoped traffic goes to the thread's subscribers; traffic
	// without thread context (or without any subscriber) goes to every
	// client so nothing is silently lost.
	targets := make([]Socket, 0, 4)
	if env.ThreadID != "" {
		for clientSocket := range h.registry.subscribers(RoleClient, env.ThreadID) {
			targets = append(targets, clientSocket)
		}
	}
	if len(targets) == 0 {
		h.registry.eachOfRole(RoleClient, func(clientSocket Socket, _ *connState) {
			targets = append(targets, clientSocket)
		})
	}

	for _, clientSocket := range targets {
		if !h.send(clientSocket, raw) {
			continue
		}
		if env.IsRequest() {
			if clientState, ok := h.registry.sockets[clientSocket]; ok {
				h.pendingReplies[correlationKey{token: clientState.token, requestID: env.ID}] = pendingReply{
					target:   socket,
					threadID: env.ThreadID,
				}
			}
		}
	}

	if env.ThreadID == "" {
		return
	}

	now := h.clock.Now()
	if mutation, ok := BuildMutation(env, raw, now); ok {
		// Anchor traffic on an unbound thread binds it to the sender;
		// an explicit anchorId in the message is a binding event too.
		if snapshot, bound := h.threads[env.ThreadID]; !bound || snapshot.AnchorID == "" {
			mutation.AnchorID = state.identity
		}
		if env.AnchorID != "" {
			mutation.AnchorID = env.AnchorID
		}
		h.applyMutation(env.ThreadID, mutation)

		if mutation.Turn != nil && mutation.Turn.Status.Terminal() {
			// A finished turn can no longer be waiting on a human.
			delete(h.approvals, env.ThreadID)
		}
	}

	if isAttentionMethod(env.Method) {
		h.approvals[env.ThreadID] = &approvalBuffer{raw: append([]byte(nil), raw...), id: env.ID}
		h.notifyPush(env.Method, env.ThreadID)
	}
}
