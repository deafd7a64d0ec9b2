// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Production code accepts a Clock parameter instead of calling time.Now,
// time.After, or time.AfterFunc directly. Real() provides standard
// library behavior; Fake() provides a deterministic clock for tests that
// advances only when Advance is called.
//
// The relay hub uses Clock for multi-dispatch timeouts and snapshot
// flush retry backoff. Tests drive both deterministically:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	hub := relay.NewHub(relay.HubConfig{Clock: c, ...})
//	// ... issue a multi-dispatch ...
//	c.WaitForTimers(1)
//	c.Advance(20 * time.Second) // fire the dispatch timeout
package clock
