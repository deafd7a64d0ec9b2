// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/orbit-foundation/orbit/lib/clock"
)

// Multi-dispatch: fan one client request out to several anchors, then
// reply once with every per-anchor outcome. Each child request gets a
// hub-minted id so anchor replies can be claimed by the job before the
// normal correlation table sees them.

// DispatchResult is one per-anchor outcome in the aggregate.
type DispatchResult struct {
	AnchorID string          `json:"anchorId"`
	OK       bool            `json:"ok"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// DispatchSummary counts outcomes across one fan-out.
type DispatchSummary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Failed   int `json:"failed"`
	TimedOut int `json:"timedOut"`
}

// summarizeDispatch tallies the aggregate counters. TimedOut counts
// failed entries whose error carries data.code "timeout" — hub-made
// timeout entries always match, and anchor-reported timeout errors
// count as well.
func summarizeDispatch(results []DispatchResult) DispatchSummary {
	summary := DispatchSummary{Total: len(results)}
	for _, result := range results {
		if result.OK {
			summary.OK++
			continue
		}
		summary.Failed++
		if errorDataCode(result.Error) == CodeTimeout {
			summary.TimedOut++
		}
	}
	return summary
}

// errorDataCode extracts the structured failure code from an error
// object, empty when absent or unparseable.
func errorDataCode(raw json.RawMessage) string {
	var parsed struct {
		Data struct {
			Code string `json:"code"`
		} `json:"data"`
	}
	if json.Unmarshal(raw, &parsed) != nil {
		return ""
	}
	return parsed.Data.Code
}

// dispatchJob tracks one in-flight fan-out. Owned by the actor
// goroutine; the timeout timer re-enters through post.
type dispatchJob struct {
	client   Socket
	idRaw    json.RawMessage
	threadID string

	// outstanding maps hub-minted child id → target anchor identity.
	outstanding map[string]string
	results     []DispatchResult

	timer    *clock.Timer
	finished bool
}

// startDispatch handles an orbit.multi-dispatch control envelope from a
// client socket.
func (h *Hub) startDispatch(socket Socket, env Envelope) {
	if !env.HasID || env.Request == nil {
		if env.HasID {
			h.send(socket, errorReplyFrame(env.IDRaw, CodeInvalidRequest, "multi-dispatch requires an id and a request object"))
		}
		return
	}

	targetIDs, explicit := h.resolveDispatchTargets(env)

	job := &dispatchJob{
		client:      socket,
		idRaw:       append(json.RawMessage(nil), env.IDRaw...),
		threadID:    env.ThreadID,
		outstanding: make(map[string]string),
	}

	for _, anchorID := range targetIDs {
		anchorSocket, connected := h.registry.anchorsByID[anchorID]
		if !connected {
			code := CodeAnchorOffline
			if explicit {
				code = CodeAnchorNotFound
			}
			job.results = append(job.results, DispatchResult{
				AnchorID: anchorID,
				Error:    syntheticError(code, routingFailureMessage(code)),
			})
			continue
		}

		childID := uuid.NewString()
		childFrame, err := buildChildRequest(env.Request, childID, job.threadID, anchorID)
		if err != nil {
			job.results = append(job.results, DispatchResult{
				AnchorID: anchorID,
				Error:    syntheticError(CodeInvalidRequest, "request could not be serialized"),
			})
			continue
		}
		if !h.send(anchorSocket, childFrame) {
			job.results = append(job.results, DispatchResult{
				AnchorID: anchorID,
				Error:    syntheticError(CodeAnchorOffline, "anchor send failed"),
			})
			continue
		}

		job.outstanding[childID] = anchorID
		h.pendingChildren[childID] = job
	}

	// Every target resolved synchronously (offline, serialization):
	// reply immediately, no timer, no job bookkeeping.
	if len(job.outstanding) == 0 {
		job.finished = true
		h.sendDispatchAggregate(job)
		return
	}

	if h.jobsByClient[socket] == nil {
		h.jobsByClient[socket] = make(map[*dispatchJob]struct{})
	}
	h.jobsByClient[socket][job] = struct{}{}

	job.timer = h.clock.AfterFunc(h.dispatchTimeout, func() {
		h.post(func() { h.timeoutDispatch(job) })
	})

	h.logger.Debug("multi-dispatch started",
		"targets", len(targetIDs),
		"outstanding", len(job.outstanding),
		"thread_id", job.threadID,
	)
}

// resolveDispatchTargets picks the anchor identities a fan-out goes to.
// Explicit anchorIds win (deduplicated, original order, missing ids
// kept so they fail per-entry). Otherwise the thread's binding plus the
// thread's subscribed anchors; otherwise every connected anchor.
func (h *Hub) resolveDispatchTargets(env Envelope) (targets []string, explicit bool) {
	if len(env.AnchorIDs) > 0 {
		seen := make(map[string]struct{}, len(env.AnchorIDs))
		for _, anchorID := range env.AnchorIDs {
			if anchorID == "" {
				continue
			}
			if _, dup := seen[anchorID]; dup {
				continue
			}
			seen[anchorID] = struct{}{}
			targets = append(targets, anchorID)
		}
		return targets, true
	}

	if env.ThreadID != "" {
		seen := make(map[string]struct{})
		if snapshot, ok := h.threads[env.ThreadID]; ok && snapshot.AnchorID != "" {
			seen[snapshot.AnchorID] = struct{}{}
			targets = append(targets, snapshot.AnchorID)
		}
		for _, identity := range h.registry.subscribedAnchorIdentities(env.ThreadID) {
			if _, dup := seen[identity]; dup {
				continue
			}
			seen[identity] = struct{}{}
			targets = append(targets, identity)
		}
		if len(targets) > 0 {
			return targets, false
		}
	}

	return h.registry.anchorIdentities(), false
}

// buildChildRequest rewrites the template request for one anchor: the
// hub-minted child id replaces any caller id, and threadId/anchorId are
// injected into params when the template does not already carry them.
func buildChildRequest(request map[string]any, childID, threadID, anchorID string) ([]byte, error) {
	child := make(map[string]any, len(request)+1)
	for key, value := range request {
		switch key {
		case "anchorIds", "anchor_ids":
			continue
		}
		child[key] = value
	}
	child["id"] = childID

	params := make(map[string]any)
	if original, ok := child["params"].(map[string]any); ok {
		for key, value := range original {
			params[key] = value
		}
	}
	if threadID != "" && stringField(params, "threadId", "thread_id") == "" {
		params["threadId"] = threadID
	}
	if stringField(params, "anchorId", "anchor_id") == "" {
		params["anchorId"] = anchorID
	}
	child["params"] = params

	return json.Marshal(child)
}

// handleDispatchChildReply claims an anchor reply whose id matches an
// outstanding child. Returns false when the id belongs to no job, in
// which case the reply flows through normal correlation. Late replies
// after timeout find their child entry gone and are dropped there.
func (h *Hub) handleDispatchChildReply(env Envelope, raw []byte) bool {
	job, ok := h.pendingChildren[env.ID]
	if !ok {
		return false
	}
	delete(h.pendingChildren, env.ID)

	anchorID := job.outstanding[env.ID]
	delete(job.outstanding, env.ID)

	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		job.results = append(job.results, DispatchResult{
			AnchorID: anchorID,
			Error:    syntheticError(CodeInvalidRequest, "anchor reply could not be parsed"),
		})
	} else if len(parsed.Error) > 0 && string(parsed.Error) != "null" {
		job.results = append(job.results, DispatchResult{AnchorID: anchorID, Error: parsed.Error})
	} else {
		job.results = append(job.results, DispatchResult{AnchorID: anchorID, OK: true, Result: parsed.Result})
	}

	if len(job.outstanding) == 0 {
		h.finishDispatch(job)
	}
	return true
}

// timeoutDispatch converts every still-outstanding child into a timeout
// failure and finishes the job.
func (h *Hub) timeoutDispatch(job *dispatchJob) {
	if job.finished {
		return
	}

	childIDs := make([]string, 0, len(job.outstanding))
	for childID := range job.outstanding {
		childIDs = append(childIDs, childID)
	}
	sort.Slice(childIDs, func(i, j int) bool {
		return job.outstanding[childIDs[i]] < job.outstanding[childIDs[j]]
	})

	for _, childID := range childIDs {
		anchorID := job.outstanding[childID]
		delete(h.pendingChildren, childID)
		delete(job.outstanding, childID)
		job.results = append(job.results, DispatchResult{
			AnchorID: anchorID,
			Error:    syntheticError(CodeTimeout, routingFailureMessage(CodeTimeout)),
		})
	}

	h.finishDispatch(job)
}

// finishDispatch sends the aggregate exactly once and releases all job
// bookkeeping.
func (h *Hub) finishDispatch(job *dispatchJob) {
	if job.finished {
		return
	}
	job.finished = true

	if job.timer != nil {
		job.timer.Stop()
	}
	for childID := range job.outstanding {
		delete(h.pendingChildren, childID)
	}
	if jobs := h.jobsByClient[job.client]; jobs != nil {
		delete(jobs, job)
		if len(jobs) == 0 {
			delete(h.jobsByClient, job.client)
		}
	}

	h.sendDispatchAggregate(job)
}

// sendDispatchAggregate replies to the originating client with every
// per-anchor outcome and the summary counters.
func (h *Hub) sendDispatchAggregate(job *dispatchJob) {
	results := job.results
	if results == nil {
		results = []DispatchResult{}
	}
	frame := mustMarshal(struct {
		Type    string           `json:"type"`
		ID      json.RawMessage  `json:"id"`
		Results []DispatchResult `json:"results"`
		Summary DispatchSummary  `json:"summary"`
	}{
		Type:    notifyDispatchResult,
		ID:      job.idRaw,
		Results: results,
		Summary: summarizeDispatch(results),
	})
	h.send(job.client, frame)
}

// cleanupDispatchForSocket runs the disconnect rules for multi-dispatch
// state. A departing client abandons its jobs outright (nobody is left
// to receive the aggregate); a departing anchor converts its
// outstanding children into anchor_offline failures, which may finish
// their jobs early.
func (h *Hub) cleanupDispatchForSocket(socket Socket, state *connState) {
	if state.role == RoleClient {
		for job := range h.jobsByClient[socket] {
			job.finished = true
			if job.timer != nil {
				job.timer.Stop()
			}
			for childID := range job.outstanding {
				delete(h.pendingChildren, childID)
			}
		}
		delete(h.jobsByClient, socket)
		return
	}

	type orphan struct {
		childID string
		job     *dispatchJob
	}
	var orphans []orphan
	for childID, job := range h.pendingChildren {
		if job.outstanding[childID] == state.identity {
			orphans = append(orphans, orphan{childID, job})
		}
	}
	for _, o := range orphans {
		delete(h.pendingChildren, o.childID)
		delete(o.job.outstanding, o.childID)
		o.job.results = append(o.job.results, DispatchResult{
			AnchorID: state.identity,
			Error:    syntheticError(CodeAnchorOffline, "anchor disconnected before replying"),
		})
		if len(o.job.outstanding) == 0 {
			h.finishDispatch(o.job)
		}
	}
}
