// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"time"
)

// Role classifies a socket: a browser/device observer or the local
// agent-bridge representing a physical machine.
type Role string

const (
	// RoleClient is a browser or device socket observing and driving
	// sessions.
	RoleClient Role = "client"

	// RoleAnchor is a local agent-bridge socket representing one
	// physical machine/agent process.
	RoleAnchor Role = "anchor"
)

// Structured routing-failure codes carried in error.data.code. The web
// client, the anchor bridge, and other hub implementations key on these
// exact strings, so they are wire constants.
const (
	CodeAnchorNotFound       = "anchor_not_found"
	CodeAnchorOffline        = "anchor_offline"
	CodeAnchorRequired       = "anchor_required"
	CodeThreadAnchorMismatch = "thread_anchor_mismatch"
	CodeTimeout              = "timeout"
	CodeInvalidRequest       = "invalid_request"
)

// Control envelope type values handled by the hub itself (never
// forwarded).
const (
	controlSubscribe     = "orbit.subscribe"
	controlUnsubscribe   = "orbit.unsubscribe"
	controlListAnchors   = "orbit.list-anchors"
	controlMultiDispatch = "orbit.multi-dispatch"
	controlPing          = "ping"
)

// Hub-originated notification type values.
const (
	notifyHello              = "orbit.hello"
	notifySubscribed         = "orbit.subscribed"
	notifyAnchors            = "orbit.anchors"
	notifyAnchorConnected    = "orbit.anchor-connected"
	notifyAnchorDisconnected = "orbit.anchor-disconnected"
	notifyClientSubscribed   = "orbit.client-subscribed"
	notifyDispatchResult     = "orbit.multi-dispatch.result"
	notifyPong               = "pong"
)

// rpcErrorCode is the JSON-RPC error.code for hub-synthesized routing
// failures. The structured failure identity lives in error.data.code;
// the numeric code is a generic server-error value.
const rpcErrorCode = -32000

// rpcError is the JSON-RPC-shaped error object in hub-synthesized
// replies and multi-dispatch failure entries.
type rpcError struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    rpcErrorData `json:"data"`
}

type rpcErrorData struct {
	Code string `json:"code"`
}

// errorReplyFrame builds a JSON-RPC-shaped error reply for a request
// that failed routing. id is the original request id literal.
func errorReplyFrame(id json.RawMessage, code, message string) []byte {
	frame, err := json.Marshal(struct {
		ID    json.RawMessage `json:"id"`
		Error rpcError        `json:"error"`
	}{
		ID:    id,
		Error: rpcError{Code: rpcErrorCode, Message: message, Data: rpcErrorData{Code: code}},
	})
	if err != nil {
		// Marshal of these fixed shapes cannot fail.
		panic("relay: error reply marshal: " + err.Error())
	}
	return frame
}

// syntheticError builds the raw error object used in multi-dispatch
// failure entries synthesized by the hub (unreachable target, send
// failure, timeout).
func syntheticError(code, message string) json.RawMessage {
	raw, err := json.Marshal(rpcError{Code: rpcErrorCode, Message: message, Data: rpcErrorData{Code: code}})
	if err != nil {
		panic("relay: synthetic error marshal: " + err.Error())
	}
	return raw
}

// helloFrame acknowledges a freshly registered socket.
func helloFrame(role Role, identity string) []byte {
	type hello struct {
		Type     string `json:"type"`
		Role     Role   `json:"role"`
		AnchorID string `json:"anchorId,omitempty"`
		ClientID string `json:"clientId,omitempty"`
	}
	h := hello{Type: notifyHello, Role: role}
	if role == RoleAnchor {
		h.AnchorID = identity
	} else {
		h.ClientID = identity
	}
	return mustMarshal(h)
}

// subscribedFrame acknowledges an orbit.subscribe.
func subscribedFrame(threadID string) []byte {
	return mustMarshal(struct {
		Type     string `json:"type"`
		ThreadID string `json:"threadId"`
	}{notifySubscribed, threadID})
}

// anchorPresenceFrame announces an anchor connecting or disconnecting
// to every client socket.
func anchorPresenceFrame(connected bool, anchorID string) []byte {
	kind := notifyAnchorConnected
	if !connected {
		kind = notifyAnchorDisconnected
	}
	return mustMarshal(struct {
		Type     string `json:"type"`
		AnchorID string `json:"anchorId"`
	}{kind, anchorID})
}

// clientSubscribedFrame tells a thread's anchors that a client has
// subscribed and may want fresh state.
func clientSubscribedFrame(threadID, clientID string) []byte {
	return mustMarshal(struct {
		Type     string `json:"type"`
		ThreadID string `json:"threadId"`
		ClientID string `json:"clientId"`
	}{notifyClientSubscribed, threadID, clientID})
}

// AnchorInfo describes one connected anchor in the orbit.anchors reply.
type AnchorInfo struct {
	AnchorID    string    `json:"anchorId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// anchorListFrame answers orbit.list-anchors.
func anchorListFrame(anchors []AnchorInfo) []byte {
	if anchors == nil {
		anchors = []AnchorInfo{}
	}
	return mustMarshal(struct {
		Type    string       `json:"type"`
		Anchors []AnchorInfo `json:"anchors"`
	}{notifyAnchors, anchors})
}

// pongFrame answers a keepalive ping.
func pongFrame() []byte {
	return mustMarshal(struct {
		Type string `json:"type"`
	}{notifyPong})
}

// turnNotificationFrame synthesizes the turn-status notification sent
// at the head of a replay, reconstructing what the anchor would have
// sent for the stored turn state.
func turnNotificationFrame(threadID string, turn Turn) []byte {
	type turnBody struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	return mustMarshal(struct {
		Method string `json:"method"`
		Params struct {
			ThreadID string   `json:"threadId"`
			Turn     turnBody `json:"turn"`
		} `json:"params"`
	}{
		Method: TurnStatusMethod(turn.Status),
		Params: struct {
			ThreadID string   `json:"threadId"`
			Turn     turnBody `json:"turn"`
		}{
			ThreadID: threadID,
			Turn:     turnBody{ID: turn.ID, Status: string(turn.Status)},
		},
	})
}

func mustMarshal(v any) []byte {
	frame, err := json.Marshal(v)
	if err != nil {
		panic("relay: notification marshal: " + err.Error())
	}
	return frame
}
