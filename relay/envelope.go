// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"encoding/json"
)

// Envelope is the routing view of one inbound JSON payload. The hub
// never re-serializes relayed traffic — the envelope only carries the
// identifiers routing and snapshot mutation need, extracted tolerantly
// from whatever shape the sender used.
//
// Multiple backend implementations produce these payloads with varying
// key styles (camelCase vs snake_case) and varying nesting (top level,
// under params, under result, or inside a thread/turn object). Every
// accepted alias is enumerated here rather than scattered through the
// routing logic.
type Envelope struct {
	// Type is the control envelope type ("orbit.subscribe", "ping", ...).
	// Empty for relayed RPC traffic.
	Type string

	// Method is the RPC method. Empty for replies.
	Method string

	// HasID reports whether the payload carried an id field.
	HasID bool

	// ID is the correlation key form of the id: the string value for
	// string ids, the literal digits for numeric ids.
	ID string

	// IDRaw is the original JSON literal of the id, for echoing into
	// hub-synthesized replies.
	IDRaw json.RawMessage

	// ThreadID and AnchorID are the conversation and machine
	// identifiers, empty when absent.
	ThreadID string
	AnchorID string

	// TurnID and TurnStatus come from a turn object, empty when absent.
	TurnID     string
	TurnStatus string

	// Item is a completed work-item object (params.item or
	// result.item), nil when absent.
	Item map[string]any

	// AnchorIDs and Request are multi-dispatch control fields.
	AnchorIDs []string
	Request   map[string]any
}

// IsReply reports whether the payload is an RPC reply: an id with no
// method.
func (e *Envelope) IsReply() bool { return e.HasID && e.Method == "" }

// IsRequest reports whether the payload is a genuine request: both an
// id and a method. Only requests get correlation entries.
func (e *Envelope) IsRequest() bool { return e.HasID && e.Method != "" }

// ParseEnvelope probes raw JSON for routing identifiers. Returns
// ok=false for unparseable input or non-object payloads; such frames
// are either ignored (control path) or passed through unrouted (relay
// path) by the caller.
func ParseEnvelope(raw []byte) (Envelope, bool) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var top map[string]any
	if err := decoder.Decode(&top); err != nil || top == nil {
		return Envelope{}, false
	}

	env := Envelope{}
	env.Type, _ = top["type"].(string)
	env.Method, _ = top["method"].(string)

	if id, ok := top["id"]; ok {
		switch value := id.(type) {
		case string:
			env.HasID = true
			env.ID = value
			env.IDRaw, _ = json.Marshal(value)
		case json.Number:
			env.HasID = true
			env.ID = value.String()
			env.IDRaw = json.RawMessage(value.String())
		}
	}

	params := objectField(top, "params")
	result := objectField(top, "result")

	// Thread, anchor, and turn identifiers may appear at the top
	// level, under params, or under result — whichever the sender's
	// schema nests them in.
	scopes := []map[string]any{top, params, result}
	for _, scope := range scopes {
		if scope == nil {
			continue
		}
		if env.ThreadID == "" {
			env.ThreadID = stringField(scope, "threadId", "thread_id")
			if env.ThreadID == "" {
				if thread := objectField(scope, "thread"); thread != nil {
					env.ThreadID = stringField(thread, "id", "threadId", "thread_id")
				}
			}
		}
		if env.AnchorID == "" {
			env.AnchorID = stringField(scope, "anchorId", "anchor_id")
		}
		if env.TurnID == "" && env.TurnStatus == "" {
			if turn := objectField(scope, "turn"); turn != nil {
				env.TurnID = stringField(turn, "id", "turnId", "turn_id")
				env.TurnStatus = stringField(turn, "status")
			}
		}
	}

	if item := objectField(params, "item"); item != nil {
		env.Item = item
	} else if item := objectField(result, "item"); item != nil {
		env.Item = item
	}

	if env.Type == controlMultiDispatch {
		env.AnchorIDs = stringSliceField(top, "anchorIds", "anchor_ids")
		env.Request = objectField(top, "request")
		if env.ThreadID == "" && env.Request != nil {
			env.ThreadID = stringField(env.Request, "threadId", "thread_id")
			if env.ThreadID == "" {
				if requestParams := objectField(env.Request, "params"); requestParams != nil {
					env.ThreadID = stringField(requestParams, "threadId", "thread_id")
				}
			}
		}
	}

	return env, true
}

// stringField returns the first non-empty string value among the given
// keys.
func stringField(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		if value, ok := m[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// objectField returns the first object value among the given keys.
func objectField(m map[string]any, keys ...string) map[string]any {
	if m == nil {
		return nil
	}
	for _, key := range keys {
		if value, ok := m[key].(map[string]any); ok {
			return value
		}
	}
	return nil
}

// stringSliceField returns the first array-of-strings value among the
// given keys. Non-string elements are skipped.
func stringSliceField(m map[string]any, keys ...string) []string {
	if m == nil {
		return nil
	}
	for _, key := range keys {
		raw, ok := m[key].([]any)
		if !ok {
			continue
		}
		values := make([]string, 0, len(raw))
		for _, element := range raw {
			if s, ok := element.(string); ok {
				values = append(values, s)
			}
		}
		return values
	}
	return nil
}
