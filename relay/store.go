// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orbit-foundation/orbit/lib/clock"
)

// SnapshotStore is the persistence collaborator for thread snapshots:
// a key-value surface keyed by thread id, scoped to one user. Writes
// are at-least-once; no transactional guarantees across keys are
// assumed. The threadstore package provides the SQLite implementation.
type SnapshotStore interface {
	Put(ctx context.Context, snapshot *ThreadSnapshot) error
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context) ([]*ThreadSnapshot, error)
}

// flushRetryDelay is the backoff before retrying a failed flush.
const flushRetryDelay = time.Second

// snapshotFlusher makes thread snapshots durable without blocking the
// relay path. The hub marks threads dirty (with a deep snapshot copy)
// or evicted; a single background goroutine drains both sets and
// serializes all store writes, so ordering across mutations of one
// thread is preserved even though flushes are asynchronous.
//
// Marks made between drains coalesce: re-marking a dirty thread
// replaces the pending copy, so a burst of mutations produces one
// write carrying the final state.
type snapshotFlusher struct {
	store  SnapshotStore
	logger *slog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	dirty map[string]*ThreadSnapshot
	evict map[string]struct{}

	// kick wakes the drain loop. Capacity 1: a kick while one is
	// already pending is a no-op, which is exactly the coalescing the
	// schedule-on-next-tick design wants.
	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newSnapshotFlusher(store SnapshotStore, logger *slog.Logger, clk clock.Clock) *snapshotFlusher {
	return &snapshotFlusher{
		store:  store,
		logger: logger,
		clock:  clk,
		dirty:  make(map[string]*ThreadSnapshot),
		evict:  make(map[string]struct{}),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// markDirty schedules the snapshot for persistence. The caller passes
// a clone; the flusher never touches live hub state.
func (f *snapshotFlusher) markDirty(snapshot *ThreadSnapshot) {
	f.mu.Lock()
	f.dirty[snapshot.ThreadID] = snapshot
	delete(f.evict, snapshot.ThreadID)
	f.mu.Unlock()
	f.wake()
}

// markEvicted schedules the thread's durable state for deletion and
// drops any pending write for it.
func (f *snapshotFlusher) markEvicted(threadID string) {
	f.mu.Lock()
	f.evict[threadID] = struct{}{}
	delete(f.dirty, threadID)
	f.mu.Unlock()
	f.wake()
}

func (f *snapshotFlusher) wake() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// run drains marks until Stop is called, then performs a final drain so
// shutdown never loses a pending persist.
func (f *snapshotFlusher) run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-f.kick:
			f.drain(ctx)
		case <-f.stop:
			f.finalDrain()
			return
		case <-ctx.Done():
			f.finalDrain()
			return
		}
	}
}

// finalDrain attempts pending writes on a fresh bounded context. At
// shutdown the run context is typically already cancelled; draining
// with it would fail every write and re-queue the marks into a loop
// that no longer exists.
func (f *snapshotFlusher) finalDrain() {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	f.drain(flushCtx)
	cancel()
}

// Stop signals the drain loop to finish and waits for it.
func (f *snapshotFlusher) Stop() {
	close(f.stop)
	<-f.done
}

// drain writes every dirty snapshot and deletes every evicted thread.
// Failures re-mark the affected thread and schedule a retry — a failed
// flush must never silently drop a pending persist.
func (f *snapshotFlusher) drain(ctx context.Context) {
	f.mu.Lock()
	dirty := f.dirty
	evict := f.evict
	f.dirty = make(map[string]*ThreadSnapshot)
	f.evict = make(map[string]struct{})
	f.mu.Unlock()

	retry := false

	for threadID := range evict {
		if err := f.store.Delete(ctx, threadID); err != nil {
			f.logger.Error("snapshot delete failed", "thread_id", threadID, "error", err)
			f.mu.Lock()
			if _, pending := f.dirty[threadID]; !pending {
				f.evict[threadID] = struct{}{}
			}
			f.mu.Unlock()
			retry = true
		}
	}

	for threadID, snapshot := range dirty {
		if err := f.store.Put(ctx, snapshot); err != nil {
			f.logger.Error("snapshot write failed", "thread_id", threadID, "error", err)
			f.mu.Lock()
			// A newer mark supersedes the failed one.
			if _, pending := f.dirty[threadID]; !pending {
				if _, evicted := f.evict[threadID]; !evicted {
					f.dirty[threadID] = snapshot
				}
			}
			f.mu.Unlock()
			retry = true
		}
	}

	if retry {
		f.clock.AfterFunc(flushRetryDelay, f.wake)
	}
}
