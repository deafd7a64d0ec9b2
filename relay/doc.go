// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the Orbit hub: a per-user relay that routes
// JSON-RPC-shaped traffic between browser/device sockets ("clients")
// and local agent-bridge sockets ("anchors"), keyed by conversation
// ("thread") identity.
//
// The package is organized around the message flow:
//
//   - envelope.go: tolerant probing of untyped JSON payloads for the
//     identifiers routing needs (thread id, anchor id, turn, request id)
//   - thread.go: pure thread-snapshot state transformations (turn
//     status, recent-message ring, artifact set, bounds enforcement)
//   - registry.go: live socket sets, per-role subscriptions, and
//     stable-identity maps with newest-wins replacement
//   - router.go: routing decisions for client requests, anchor events,
//     and response correlation
//   - dispatch.go: fan-out of one client request to many anchors with
//     result aggregation and timeout
//   - store.go: the SnapshotStore interface and the coalescing
//     background flusher that makes thread snapshots durable
//   - push.go: the push-notification collaborator interface and the
//     approval/input-request method matcher
//   - hub.go: the single-goroutine actor that owns all of the above
//     for one user
//
// Each hub instance is a single-threaded actor: one goroutine processes
// every socket message and timer callback for one user, so none of the
// in-memory tables need locks. Hubs for different users are fully
// independent.
package relay
