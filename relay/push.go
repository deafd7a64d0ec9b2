// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"strings"
)

// Notification is the structured payload handed to the push
// collaborator when an anchor asks for human attention. Subscriber
// storage, the actual push protocol, and pruning of expired
// subscriptions all belong to the collaborator.
type Notification struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	ThreadID  string `json:"threadId"`
	ActionURL string `json:"actionUrl,omitempty"`
}

// PushSender delivers notifications out of band (typically web push to
// the user's devices). Delivery is best-effort: the hub logs failures
// and never retries inline.
type PushSender interface {
	Send(ctx context.Context, notification Notification) error
}

// isAttentionMethod reports whether a relayed method asks for human
// attention: command/patch approval requests and user-input requests.
// Matching is substring-based because the anchor implementations vary
// in exact method naming ("execCommandApproval", "item/approvalRequested",
// "userInput/request", ...).
func isAttentionMethod(method string) bool {
	m := strings.ToLower(method)
	if strings.Contains(m, "approval") {
		return true
	}
	return strings.Contains(m, "input") && strings.Contains(m, "request")
}

// approvalBuffer holds the most recent unanswered attention request on
// a thread, replayed to late subscribers so they can answer it. id is
// the request id, empty when the attention message was
// notification-shaped.
type approvalBuffer struct {
	raw []byte
	id  string
}

// attentionNotification builds the push payload for an attention
// request observed on a thread.
func attentionNotification(method, threadID, actionURLBase string) Notification {
	title := "Approval requested"
	kind := "approval"
	m := strings.ToLower(method)
	if !strings.Contains(m, "approval") {
		title = "Input requested"
		kind = "user-input"
	}

	notification := Notification{
		Type:     kind,
		Title:    title,
		Body:     "Agent is waiting on thread " + threadID,
		ThreadID: threadID,
	}
	if actionURLBase != "" {
		notification.ActionURL = strings.TrimRight(actionURLBase, "/") + "/threads/" + threadID
	}
	return notification
}
