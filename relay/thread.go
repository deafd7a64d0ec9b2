// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"strings"
	"time"
)

// Retention bounds for thread snapshots. These are protocol constants
// shared with the other hub implementations, not tuning knobs.
const (
	// MaxRecentMessages bounds the per-thread ring of relayed payloads.
	MaxRecentMessages = 60

	// MaxRecentMessageBytes bounds one ring entry. Oversized payloads
	// are dropped from the ring entirely rather than truncated —
	// a truncated JSON frame is useless to a replaying client.
	MaxRecentMessageBytes = 16000

	// MaxArtifacts bounds the per-thread completed work-item set.
	MaxArtifacts = 40

	// MaxThreads is the hub-wide cap on stored threads. The
	// least-recently-updated thread is evicted (memory and durable
	// store) when the cap is exceeded.
	MaxThreads = 200
)

// TurnStatus is the lifecycle status of a thread's most recent unit of
// work. Values are canonical lowerCamel; CanonicalTurnStatus maps the
// case-insensitive wire forms onto them.
type TurnStatus string

const (
	TurnInProgress TurnStatus = "inProgress"
	TurnCompleted  TurnStatus = "completed"
	TurnFailed     TurnStatus = "failed"
	TurnCancelled  TurnStatus = "cancelled"
)

// CanonicalTurnStatus maps a wire status string onto its canonical
// TurnStatus. Matching is case-insensitive and tolerates snake_case
// and kebab-case separators ("InProgress", "in_progress", "IN-PROGRESS"
// all map to TurnInProgress).
func CanonicalTurnStatus(raw string) (TurnStatus, bool) {
	normalized := strings.ToLower(raw)
	normalized = strings.ReplaceAll(normalized, "_", "")
	normalized = strings.ReplaceAll(normalized, "-", "")
	switch normalized {
	case "inprogress":
		return TurnInProgress, true
	case "completed":
		return TurnCompleted, true
	case "failed":
		return TurnFailed, true
	case "cancelled", "canceled":
		return TurnCancelled, true
	}
	return "", false
}

// Terminal reports whether the status ends a turn. Terminal turn events
// clear the thread's pending approval buffer.
func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed || s == TurnCancelled
}

// TurnStatusMethod returns the canonical notification method name
// synthesized during replay for a stored turn status. An in-progress
// turn replays as turn/started; terminal statuses replay under their
// own names.
func TurnStatusMethod(s TurnStatus) string {
	if s == TurnInProgress {
		return "turn/started"
	}
	return "turn/" + string(s)
}

// Turn is the most recent unit of work observed on a thread.
type Turn struct {
	ID        string
	Status    TurnStatus
	UpdatedAt time.Time
}

// Artifact is a completed work item attached to a thread (a command
// run, a file change). Artifacts are deduplicated by ID: re-insertion
// replaces the existing entry and moves it to most-recently-upserted.
type Artifact struct {
	ID        string
	ItemID    string
	Type      string
	CreatedAt time.Time
	Payload   json.RawMessage
}

// ThreadSnapshot is the durable, replayable view of one conversation's
// recent activity. All mutation goes through Apply so the retention
// bounds hold by construction.
type ThreadSnapshot struct {
	ThreadID string

	// AnchorID is the sticky binding: set by a binding event, never
	// cleared implicitly, changed only by a later binding event.
	AnchorID string

	Turn           *Turn
	RecentMessages [][]byte
	Artifacts      []Artifact
	UpdatedAt      time.Time
}

// Clone returns a deep copy safe to hand to the flush writer while the
// hub keeps mutating the original.
func (s *ThreadSnapshot) Clone() *ThreadSnapshot {
	copied := &ThreadSnapshot{
		ThreadID:  s.ThreadID,
		AnchorID:  s.AnchorID,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Turn != nil {
		turn := *s.Turn
		copied.Turn = &turn
	}
	if len(s.RecentMessages) > 0 {
		copied.RecentMessages = make([][]byte, len(s.RecentMessages))
		for i, message := range s.RecentMessages {
			copied.RecentMessages[i] = append([]byte(nil), message...)
		}
	}
	if len(s.Artifacts) > 0 {
		copied.Artifacts = make([]Artifact, len(s.Artifacts))
		for i, artifact := range s.Artifacts {
			copied.Artifacts[i] = artifact
			copied.Artifacts[i].Payload = append(json.RawMessage(nil), artifact.Payload...)
		}
	}
	return copied
}

// TurnUpdate carries an observed turn transition.
type TurnUpdate struct {
	ID     string
	Status TurnStatus
}

// Mutation is one observed change to a thread, built from a relayed
// message (BuildMutation) or synthesized by the router (binding).
// Zero-value fields mean "no change".
type Mutation struct {
	// Now timestamps the mutation; it becomes the snapshot's UpdatedAt.
	Now time.Time

	// AnchorID, when non-empty, is a binding event: it sets or replaces
	// the thread's sticky anchor binding.
	AnchorID string

	// Turn, when non-nil, replaces the thread's turn state.
	Turn *TurnUpdate

	// Message, when non-nil, is a raw payload to append to the recent
	// ring.
	Message []byte

	// Artifact, when non-nil, is upserted into the artifact set.
	Artifact *Artifact
}

// IsZero reports whether the mutation changes nothing.
func (m Mutation) IsZero() bool {
	return m.AnchorID == "" && m.Turn == nil && m.Message == nil && m.Artifact == nil
}

// artifactMethods are the method names that mark a relayed message as
// carrying a completed work item.
func isArtifactMethod(method string) bool {
	switch method {
	case "item/completed", "item.completed":
		return true
	}
	return false
}

// BuildMutation derives a snapshot mutation from an anchor-originated
// message. Returns ok=false when the message carries nothing the
// snapshot tracks (no thread context at all).
func BuildMutation(env Envelope, raw []byte, now time.Time) (Mutation, bool) {
	if env.ThreadID == "" {
		return Mutation{}, false
	}

	mutation := Mutation{Now: now, Message: raw}

	if env.TurnStatus != "" {
		if status, ok := CanonicalTurnStatus(env.TurnStatus); ok {
			mutation.Turn = &TurnUpdate{ID: env.TurnID, Status: status}
		}
	}

	if env.Item != nil && isArtifactMethod(env.Method) {
		if artifact, ok := buildArtifact(env.Item, now); ok {
			mutation.Artifact = &artifact
		}
	}

	return mutation, true
}

// buildArtifact converts a relayed item object into an Artifact. The
// item's own id doubles as the dedupe key; the full item object is
// retained as the payload.
func buildArtifact(item map[string]any, now time.Time) (Artifact, bool) {
	id := stringField(item, "id", "itemId", "item_id")
	if id == "" {
		return Artifact{}, false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return Artifact{}, false
	}
	return Artifact{
		ID:        id,
		ItemID:    stringField(item, "itemId", "item_id", "id"),
		Type:      stringField(item, "type", "itemType", "item_type"),
		CreatedAt: now,
		Payload:   payload,
	}, true
}

// Apply mutates the snapshot in place, enforcing every retention bound.
func (s *ThreadSnapshot) Apply(m Mutation) {
	if m.AnchorID != "" {
		s.AnchorID = m.AnchorID
	}

	if m.Turn != nil {
		s.Turn = &Turn{ID: m.Turn.ID, Status: m.Turn.Status, UpdatedAt: m.Now}
	}

	if m.Message != nil && len(m.Message) <= MaxRecentMessageBytes {
		s.RecentMessages = append(s.RecentMessages, append([]byte(nil), m.Message...))
		if overflow := len(s.RecentMessages) - MaxRecentMessages; overflow > 0 {
			s.RecentMessages = append([][]byte(nil), s.RecentMessages[overflow:]...)
		}
	}

	if m.Artifact != nil {
		s.upsertArtifact(*m.Artifact)
	}

	s.UpdatedAt = m.Now
}

// upsertArtifact inserts or replaces by ID, keeping the slice ordered
// by most-recent upsert and bounded to MaxArtifacts.
func (s *ThreadSnapshot) upsertArtifact(artifact Artifact) {
	for i := range s.Artifacts {
		if s.Artifacts[i].ID == artifact.ID {
			s.Artifacts = append(s.Artifacts[:i], s.Artifacts[i+1:]...)
			break
		}
	}
	s.Artifacts = append(s.Artifacts, artifact)
	if overflow := len(s.Artifacts) - MaxArtifacts; overflow > 0 {
		s.Artifacts = append([]Artifact(nil), s.Artifacts[overflow:]...)
	}
}

// NormalizeSnapshot repairs a snapshot loaded from the durable store:
// clamps the ring and artifact set to their bounds, drops oversized
// ring entries, deduplicates artifacts by ID (last wins), and
// canonicalizes the turn status. Persisted state may predate the
// current bounds or come from another hub implementation, so load-time
// validation cannot assume Apply produced it.
func NormalizeSnapshot(s *ThreadSnapshot) {
	if s.Turn != nil {
		status, ok := CanonicalTurnStatus(string(s.Turn.Status))
		if !ok {
			s.Turn = nil
		} else {
			s.Turn.Status = status
		}
	}

	kept := s.RecentMessages[:0]
	for _, message := range s.RecentMessages {
		if len(message) == 0 || len(message) > MaxRecentMessageBytes {
			continue
		}
		kept = append(kept, message)
	}
	if overflow := len(kept) - MaxRecentMessages; overflow > 0 {
		kept = kept[overflow:]
	}
	s.RecentMessages = append([][]byte(nil), kept...)

	seen := make(map[string]int, len(s.Artifacts))
	deduped := make([]Artifact, 0, len(s.Artifacts))
	for _, artifact := range s.Artifacts {
		if artifact.ID == "" {
			continue
		}
		if at, ok := seen[artifact.ID]; ok {
			deduped = append(deduped[:at], deduped[at+1:]...)
			for id, index := range seen {
				if index > at {
					seen[id] = index - 1
				}
			}
		}
		seen[artifact.ID] = len(deduped)
		deduped = append(deduped, artifact)
	}
	if overflow := len(deduped) - MaxArtifacts; overflow > 0 {
		deduped = append([]Artifact(nil), deduped[overflow:]...)
	}
	s.Artifacts = deduped
}
