// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbit-foundation/orbit/lib/clock"
	"github.com/orbit-foundation/orbit/lib/testutil"
)

// fakeSocket is an in-memory Socket capturing every frame the hub
// sends to it.
type fakeSocket struct {
	name   string
	sent   chan []byte
	closed atomic.Bool
}

func newFakeSocket(name string) *fakeSocket {
	return &fakeSocket{name: name, sent: make(chan []byte, 256)}
}

func (s *fakeSocket) Send(data []byte) error {
	if s.closed.Load() {
		return errors.New("socket closed")
	}
	select {
	case s.sent <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (s *fakeSocket) Close() error {
	s.closed.Store(true)
	return nil
}

// next returns the next frame decoded as a generic object.
func (s *fakeSocket) next(t *testing.T) map[string]any {
	t.Helper()
	frame := testutil.RequireReceive(t, s.sent, 5*time.Second, "waiting for frame on %s", s.name)
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("undecodable frame on %s: %v: %s", s.name, err, frame)
	}
	return decoded
}

// nextRaw returns the next frame verbatim.
func (s *fakeSocket) nextRaw(t *testing.T) []byte {
	t.Helper()
	return testutil.RequireReceive(t, s.sent, 5*time.Second, "waiting for frame on %s", s.name)
}

// expectNone fails if a frame is already queued.
func (s *fakeSocket) expectNone(t *testing.T) {
	t.Helper()
	select {
	case frame := <-s.sent:
		t.Fatalf("unexpected frame on %s: %s", s.name, frame)
	default:
	}
}

type hubHarness struct {
	t     *testing.T
	hub   *Hub
	clock *clock.FakeClock
	store *recordingStore
}

// startHub runs a hub actor for the duration of the test. The zero
// config gets a fake clock; Store and Push stay nil unless the test
// provides them.
func startHub(t *testing.T, cfg HubConfig) *hubHarness {
	t.Helper()

	harness := &hubHarness{t: t}
	if cfg.UserID == "" {
		cfg.UserID = "user-1"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Fake(time.Unix(1700000000, 0))
	}
	if fake, ok := cfg.Clock.(*clock.FakeClock); ok {
		harness.clock = fake
	}
	if store, ok := cfg.Store.(*recordingStore); ok {
		harness.store = store
	}

	harness.hub = NewHub(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		harness.hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "hub shutdown")
	})
	return harness
}

// attachClient registers a client socket and consumes its hello frame.
func (h *hubHarness) attachClient(identity string) *fakeSocket {
	h.t.Helper()
	socket := newFakeSocket("client:" + identity)
	h.hub.Attach(socket, RoleClient, identity)
	hello := socket.next(h.t)
	if hello["type"] != "orbit.hello" {
		h.t.Fatalf("first frame = %v, want orbit.hello", hello["type"])
	}
	return socket
}

// attachAnchor registers an anchor socket and consumes its hello frame.
// The caller drains the anchor-connected broadcast on already-attached
// client sockets.
func (h *hubHarness) attachAnchor(identity string) *fakeSocket {
	h.t.Helper()
	socket := newFakeSocket("anchor:" + identity)
	h.hub.Attach(socket, RoleAnchor, identity)
	hello := socket.next(h.t)
	if hello["type"] != "orbit.hello" {
		h.t.Fatalf("first frame = %v, want orbit.hello", hello["type"])
	}
	if hello["anchorId"] != identity {
		h.t.Fatalf("hello anchorId = %v, want %s", hello["anchorId"], identity)
	}
	return socket
}

// subscribe issues an orbit.subscribe and consumes the ack.
func (h *hubHarness) subscribe(socket *fakeSocket, threadID string) {
	h.t.Helper()
	h.hub.HandleMessage(socket, []byte(fmt.Sprintf(`{"type":"orbit.subscribe","threadId":"%s"}`, threadID)))
	ack := socket.next(h.t)
	if ack["type"] != "orbit.subscribed" || ack["threadId"] != threadID {
		h.t.Fatalf("subscribe ack = %v", ack)
	}
}

// errorCode digs error.data.code out of a decoded frame.
func errorCode(t *testing.T, frame map[string]any) string {
	t.Helper()
	errObj, ok := frame["error"].(map[string]any)
	if !ok {
		t.Fatalf("frame carries no error object: %v", frame)
	}
	data, ok := errObj["data"].(map[string]any)
	if !ok {
		t.Fatalf("error carries no data object: %v", errObj)
	}
	code, _ := data["code"].(string)
	return code
}

func TestHelloFramesOnAttach(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	client := newFakeSocket("client")
	h.hub.Attach(client, RoleClient, "web-1")
	hello := client.next(t)
	if hello["type"] != "orbit.hello" || hello["role"] != "client" || hello["clientId"] != "web-1" {
		t.Errorf("client hello = %v", hello)
	}

	anchor := newFakeSocket("anchor")
	h.hub.Attach(anchor, RoleAnchor, "laptop")
	hello = anchor.next(t)
	if hello["type"] != "orbit.hello" || hello["role"] != "anchor" || hello["anchorId"] != "laptop" {
		t.Errorf("anchor hello = %v", hello)
	}

	// Clients learn about the new anchor.
	presence := client.next(t)
	if presence["type"] != "orbit.anchor-connected" || presence["anchorId"] != "laptop" {
		t.Errorf("presence frame = %v", presence)
	}
}

func TestGeneratedIdentityWhenEmpty(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	client := newFakeSocket("client")
	h.hub.Attach(client, RoleClient, "")
	hello := client.next(t)
	id, _ := hello["clientId"].(string)
	if id == "" {
		t.Errorf("hello clientId empty, want generated identity")
	}
}

func TestPingPong(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	client := h.attachClient("web-1")
	h.hub.HandleMessage(client, []byte(`{"type":"ping"}`))
	if frame := client.next(t); frame["type"] != "pong" {
		t.Errorf("frame = %v, want pong", frame)
	}
}

func TestListAnchors(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	client := h.attachClient("web-1")
	h.attachAnchor("desktop")
	client.next(t) // anchor-connected
	h.attachAnchor("laptop")
	client.next(t) // anchor-connected

	h.hub.HandleMessage(client, []byte(`{"type":"orbit.list-anchors"}`))
	frame := client.next(t)
	if frame["type"] != "orbit.anchors" {
		t.Fatalf("frame = %v", frame)
	}
	anchors, _ := frame["anchors"].([]any)
	if len(anchors) != 2 {
		t.Fatalf("anchor count = %d, want 2", len(anchors))
	}
	first, _ := anchors[0].(map[string]any)
	second, _ := anchors[1].(map[string]any)
	if first["anchorId"] != "desktop" || second["anchorId"] != "laptop" {
		t.Errorf("anchors = %v %v, want desktop then laptop (sorted)", first, second)
	}
}

func TestSoleAnchorRoutingAndBinding(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	client := h.attachClient("web-1")

	request := []byte(`{"id":"req-1","method":"exec","params":{"threadId":"t1","command":"ls"}}`)
	h.hub.HandleMessage(client, request)

	if got := string(anchor.nextRaw(t)); got != string(request) {
		t.Errorf("anchor received %s, want verbatim forward", got)
	}

	// Delivery to the sole anchor bound the thread; a second message on
	// the thread routes without re-resolution even with a second anchor
	// connected.
	other := h.attachAnchor("desktop")
	client.next(t) // anchor-connected

	followup := []byte(`{"method":"input","params":{"threadId":"t1","text":"hi"}}`)
	h.hub.HandleMessage(client, followup)
	if got := string(anchor.nextRaw(t)); got != string(followup) {
		t.Errorf("bound anchor received %s", got)
	}
	other.expectNone(t)

	// The reply comes back to the requesting client.
	reply := []byte(`{"id":"req-1","result":{"ok":true}}`)
	h.hub.HandleMessage(anchor, reply)
	if got := string(client.nextRaw(t)); got != string(reply) {
		t.Errorf("client received %s, want verbatim reply", got)
	}
}

func TestExplicitAnchorRouting(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	laptop := h.attachAnchor("laptop")
	desktop := h.attachAnchor("desktop")
	client := h.attachClient("web-1")

	request := []byte(`{"id":"1","method":"exec","params":{"anchorId":"desktop"}}`)
	h.hub.HandleMessage(client, request)
	if got := string(desktop.nextRaw(t)); got != string(request) {
		t.Errorf("desktop received %s", got)
	}
	laptop.expectNone(t)
}

func TestRoutingFailures(t *testing.T) {
	t.Parallel()

	t.Run("anchor_not_found", func(t *testing.T) {
		t.Parallel()
		h := startHub(t, HubConfig{})
		h.attachAnchor("laptop")
		client := h.attachClient("web-1")

		h.hub.HandleMessage(client, []byte(`{"id":"1","method":"exec","params":{"anchorId":"ghost"}}`))
		frame := client.next(t)
		if got := errorCode(t, frame); got != CodeAnchorNotFound {
			t.Errorf("code = %q, want %q", got, CodeAnchorNotFound)
		}
		if frame["id"] != "1" {
			t.Errorf("error reply id = %v, want original id", frame["id"])
		}
	})

	t.Run("anchor_offline with no anchors", func(t *testing.T) {
		t.Parallel()
		h := startHub(t, HubConfig{})
		client := h.attachClient("web-1")

		h.hub.HandleMessage(client, []byte(`{"id":"2","method":"exec"}`))
		if got := errorCode(t, client.next(t)); got != CodeAnchorOffline {
			t.Errorf("code = %q, want %q", got, CodeAnchorOffline)
		}
	})

	t.Run("anchor_required with multiple anchors", func(t *testing.T) {
		t.Parallel()
		h := startHub(t, HubConfig{})
		h.attachAnchor("laptop")
		h.attachAnchor("desktop")
		client := h.attachClient("web-1")

		h.hub.HandleMessage(client, []byte(`{"id":"3","method":"exec"}`))
		if got := errorCode(t, client.next(t)); got != CodeAnchorRequired {
			t.Errorf("code = %q, want %q", got, CodeAnchorRequired)
		}
	})

	t.Run("numeric id echoed in error reply", func(t *testing.T) {
		t.Parallel()
		h := startHub(t, HubConfig{})
		client := h.attachClient("web-1")

		h.hub.HandleMessage(client, []byte(`{"id":7,"method":"exec"}`))
		frame := client.next(t)
		if got, ok := frame["id"].(float64); !ok || got != 7 {
			t.Errorf("error reply id = %v, want numeric 7", frame["id"])
		}
	})

	t.Run("notification fails silently", func(t *testing.T) {
		t.Parallel()
		h := startHub(t, HubConfig{})
		client := h.attachClient("web-1")

		h.hub.HandleMessage(client, []byte(`{"method":"exec"}`))
		h.hub.barrier()
		client.expectNone(t)
	})
}

func TestStickyBindingSurvivesDisconnect(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	laptop := h.attachAnchor("laptop")
	client := h.attachClient("web-1")

	// Bind t1 to laptop.
	h.hub.HandleMessage(client, []byte(`{"id":"1","method":"exec","params":{"threadId":"t1"}}`))
	laptop.nextRaw(t)

	// Laptop goes away; a second anchor is available but the thread
	// must not fail over.
	h.hub.Detach(laptop)
	client.next(t) // anchor-disconnected
	desktop := h.attachAnchor("desktop")
	client.next(t) // anchor-connected

	h.hub.HandleMessage(client, []byte(`{"id":"2","method":"exec","params":{"threadId":"t1"}}`))
	if got := errorCode(t, client.next(t)); got != CodeAnchorOffline {
		t.Errorf("code = %q, want %q (bound thread never fails over)", got, CodeAnchorOffline)
	}
	desktop.expectNone(t)
}

func TestThreadAnchorMismatch(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	laptop := h.attachAnchor("laptop")
	desktop := h.attachAnchor("desktop")
	client := h.attachClient("web-1")

	h.hub.HandleMessage(client, []byte(`{"id":"1","method":"exec","params":{"threadId":"t1","anchorId":"laptop"}}`))
	laptop.nextRaw(t)

	h.hub.HandleMessage(client, []byte(`{"id":"2","method":"exec","params":{"threadId":"t1","anchorId":"desktop"}}`))
	if got := errorCode(t, client.next(t)); got != CodeThreadAnchorMismatch {
		t.Errorf("code = %q, want %q", got, CodeThreadAnchorMismatch)
	}
	desktop.expectNone(t)
}

func TestSoleSubscribedAnchorRouting(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	laptop := h.attachAnchor("laptop")
	desktop := h.attachAnchor("desktop")
	client := h.attachClient("web-1")

	// Only laptop subscribes to t1; with two anchors connected the
	// subscription disambiguates.
	h.subscribe(laptop, "t1")

	request := []byte(`{"id":"1","method":"exec","params":{"threadId":"t1"}}`)
	h.hub.HandleMessage(client, request)
	if got := string(laptop.nextRaw(t)); got != string(request) {
		t.Errorf("laptop received %s", got)
	}
	desktop.expectNone(t)
}

func TestAnchorBroadcastToThreadSubscribers(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	watcher := h.attachClient("web-1")
	bystander := h.attachClient("web-2")
	h.subscribe(watcher, "t1")
	anchor.next(t) // client-subscribed

	notification := []byte(`{"method":"item/updated","params":{"threadId":"t1","item":{"id":"i1"}}}`)
	h.hub.HandleMessage(anchor, notification)

	if got := string(watcher.nextRaw(t)); got != string(notification) {
		t.Errorf("subscriber received %s", got)
	}
	h.hub.barrier()
	bystander.expectNone(t)
}

func TestAnchorMessageWithoutSubscribersGoesToAllClients(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	first := h.attachClient("web-1")
	second := h.attachClient("web-2")

	notification := []byte(`{"method":"log","params":{"threadId":"t-unwatched","line":"hi"}}`)
	h.hub.HandleMessage(anchor, notification)

	if got := string(first.nextRaw(t)); got != string(notification) {
		t.Errorf("first client received %s", got)
	}
	if got := string(second.nextRaw(t)); got != string(notification) {
		t.Errorf("second client received %s", got)
	}
}

func TestAnchorRequestCorrelatesClientReply(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	client := h.attachClient("web-1")
	h.subscribe(client, "t1")
	anchor.next(t) // client-subscribed

	request := []byte(`{"id":"appr-1","method":"execCommandApproval","params":{"threadId":"t1","command":"rm -rf build"}}`)
	h.hub.HandleMessage(anchor, request)
	if got := string(client.nextRaw(t)); got != string(request) {
		t.Fatalf("client received %s", got)
	}

	reply := []byte(`{"id":"appr-1","result":{"decision":"approved"}}`)
	h.hub.HandleMessage(client, reply)
	if got := string(anchor.nextRaw(t)); got != string(reply) {
		t.Errorf("anchor received %s, want verbatim reply", got)
	}
}

func TestUncorrelatedReplyDropped(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	client := h.attachClient("web-1")

	h.hub.HandleMessage(client, []byte(`{"id":"nobody-asked","result":{}}`))
	h.hub.barrier()
	anchor.expectNone(t)
}

func TestReplayOnSubscribe(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")

	turnStart := `{"method":"turn/inProgress","params":{"threadId":"t1","turn":{"id":"turn-1","status":"inProgress"}}}`
	message := `{"method":"item/updated","params":{"threadId":"t1","item":{"id":"i1","text":"working"}}}`
	h.hub.HandleMessage(anchor, []byte(turnStart))
	h.hub.HandleMessage(anchor, []byte(message))
	h.hub.barrier()

	// A client arriving later replays the stored state in order: turn
	// notification first, then the ring.
	client := h.attachClient("web-1")
	h.hub.HandleMessage(client, []byte(`{"type":"orbit.subscribe","threadId":"t1"}`))

	if ack := client.next(t); ack["type"] != "orbit.subscribed" {
		t.Fatalf("first frame = %v, want subscribe ack", ack)
	}
	turn := client.next(t)
	if turn["method"] != "turn/started" {
		t.Fatalf("second frame = %v, want synthesized turn notification", turn)
	}
	if got := string(client.nextRaw(t)); got != turnStart {
		t.Errorf("third frame = %s, want first ring entry", got)
	}
	if got := string(client.nextRaw(t)); got != message {
		t.Errorf("fourth frame = %s, want second ring entry", got)
	}

	// The anchor is told about the subscriber.
	subscribed := anchor.next(t)
	if subscribed["type"] != "orbit.client-subscribed" || subscribed["threadId"] != "t1" {
		t.Errorf("anchor frame = %v, want client-subscribed", subscribed)
	}
}

func TestApprovalBufferReplayAndClear(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	approval := `{"id":"appr-1","method":"item/approvalRequested","params":{"threadId":"t1","command":"deploy"}}`
	h.hub.HandleMessage(anchor, []byte(approval))
	h.hub.barrier()

	// A late subscriber receives the ring entry and then the buffered
	// approval again at the tail, so it can answer.
	client := h.attachClient("web-1")
	h.hub.HandleMessage(client, []byte(`{"type":"orbit.subscribe","threadId":"t1"}`))
	client.next(t) // ack
	if got := string(client.nextRaw(t)); got != approval {
		t.Fatalf("ring replay = %s", got)
	}
	if got := string(client.nextRaw(t)); got != approval {
		t.Fatalf("approval buffer replay = %s", got)
	}
	anchor.next(t) // client-subscribed

	// Answering clears the buffer.
	h.hub.HandleMessage(client, []byte(`{"id":"appr-1","result":{"decision":"approved"}}`))
	anchor.nextRaw(t)

	second := h.attachClient("web-2")
	h.hub.HandleMessage(second, []byte(`{"type":"orbit.subscribe","threadId":"t1"}`))
	second.next(t)    // ack
	second.nextRaw(t) // ring replay of the approval request
	h.hub.barrier()
	second.expectNone(t) // no buffered tail replay
}

func TestApprovalBufferClearedByTerminalTurn(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	h.hub.HandleMessage(anchor, []byte(`{"id":"appr-1","method":"item/approvalRequested","params":{"threadId":"t1"}}`))
	h.hub.HandleMessage(anchor, []byte(`{"method":"turn/completed","params":{"threadId":"t1","turn":{"id":"turn-1","status":"completed"}}}`))
	h.hub.barrier()

	client := h.attachClient("web-1")
	h.hub.HandleMessage(client, []byte(`{"type":"orbit.subscribe","threadId":"t1"}`))
	client.next(t)    // ack
	client.next(t)    // synthesized turn notification
	client.nextRaw(t) // ring: approval request
	client.nextRaw(t) // ring: turn completed
	h.hub.barrier()
	client.expectNone(t) // buffer cleared by the terminal turn
}

func TestDetachIsIdempotent(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	client := h.attachClient("web-1")
	anchor := h.attachAnchor("laptop")
	client.next(t) // anchor-connected

	h.hub.Detach(anchor)
	h.hub.Detach(anchor)
	h.hub.barrier()

	if frame := client.next(t); frame["type"] != "orbit.anchor-disconnected" {
		t.Fatalf("frame = %v, want anchor-disconnected", frame)
	}
	client.expectNone(t) // exactly one broadcast
}

func TestIdentityReplacementIsQuiet(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	client := h.attachClient("web-1")
	old := h.attachAnchor("laptop")
	client.next(t) // anchor-connected

	// Reconnect with the same identity: old socket is closed, clients
	// see a fresh anchor-connected but no disconnect.
	replacement := h.attachAnchor("laptop")
	if frame := client.next(t); frame["type"] != "orbit.anchor-connected" {
		t.Fatalf("frame = %v, want anchor-connected for replacement", frame)
	}
	h.hub.barrier()
	client.expectNone(t)
	if !old.closed.Load() {
		t.Errorf("replaced socket not closed")
	}

	// Traffic flows to the replacement.
	request := []byte(`{"id":"1","method":"exec"}`)
	h.hub.HandleMessage(client, request)
	if got := string(replacement.nextRaw(t)); got != string(request) {
		t.Errorf("replacement received %s", got)
	}
}

func TestOversizedFrameRelayedButNotStored(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	watcher := h.attachClient("web-1")
	h.subscribe(watcher, "t1")
	anchor.next(t) // client-subscribed

	padding := make([]byte, MaxRecentMessageBytes)
	for i := range padding {
		padding[i] = 'x'
	}
	oversized := []byte(fmt.Sprintf(`{"method":"log","params":{"threadId":"t1","blob":"%s"}}`, padding))
	h.hub.HandleMessage(anchor, oversized)

	// Live delivery is unaffected by the storage bound.
	if got := watcher.nextRaw(t); len(got) != len(oversized) {
		t.Errorf("live frame length = %d, want %d", len(got), len(oversized))
	}

	// Replay skips it.
	late := h.attachClient("web-2")
	h.hub.HandleMessage(late, []byte(`{"type":"orbit.subscribe","threadId":"t1"}`))
	late.next(t) // ack
	anchor.next(t)
	h.hub.barrier()
	late.expectNone(t)
}

func TestThreadCapEviction(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	for i := 0; i <= MaxThreads; i++ {
		h.hub.HandleMessage(anchor, []byte(fmt.Sprintf(
			`{"method":"log","params":{"threadId":"t-%d","line":"x"}}`, i)))
		// Distinct timestamps so LRU order is well defined.
		h.clock.Advance(time.Millisecond)
	}
	h.hub.barrier()

	stats := h.hub.Stats()
	if stats.Threads != MaxThreads {
		t.Fatalf("Threads = %d, want %d", stats.Threads, MaxThreads)
	}

	// t-0 was the least recently updated and must be gone: a client
	// message for it now re-resolves instead of using a binding.
	client := h.attachClient("web-1")
	request := []byte(`{"id":"1","method":"exec","params":{"threadId":"t-0"}}`)
	h.hub.HandleMessage(client, request)
	if got := string(anchor.nextRaw(t)); got != string(request) {
		t.Errorf("anchor received %s (sole-anchor fallback for evicted thread)", got)
	}
}

func TestStatsCounts(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{UserID: "stats-user"})

	client := h.attachClient("web-1")
	anchor := h.attachAnchor("laptop")
	client.next(t) // anchor-connected
	h.hub.HandleMessage(client, []byte(`{"id":"1","method":"exec","params":{"threadId":"t1"}}`))
	anchor.nextRaw(t)

	stats := h.hub.Stats()
	if stats.UserID != "stats-user" {
		t.Errorf("UserID = %q", stats.UserID)
	}
	if stats.Clients != 1 || stats.Anchors != 1 {
		t.Errorf("Clients/Anchors = %d/%d, want 1/1", stats.Clients, stats.Anchors)
	}
	if stats.Threads != 1 {
		t.Errorf("Threads = %d, want 1", stats.Threads)
	}
	if stats.PendingReplies != 1 {
		t.Errorf("PendingReplies = %d, want 1", stats.PendingReplies)
	}
}

func TestDisconnectClearsCorrelation(t *testing.T) {
	t.Parallel()
	h := startHub(t, HubConfig{})

	anchor := h.attachAnchor("laptop")
	client := h.attachClient("web-1")

	h.hub.HandleMessage(client, []byte(`{"id":"1","method":"exec","params":{"threadId":"t1"}}`))
	anchor.nextRaw(t)

	h.hub.Detach(client)
	h.hub.barrier()
	if got := h.hub.Stats().PendingReplies; got != 0 {
		t.Errorf("PendingReplies = %d after requester disconnect, want 0", got)
	}

	// The anchor's late reply has nowhere to go and is dropped.
	h.hub.HandleMessage(anchor, []byte(`{"id":"1","result":{}}`))
	h.hub.barrier()
}

func TestSnapshotPersistenceAndBootRestore(t *testing.T) {
	t.Parallel()

	store := newRecordingStore()
	clk := clock.Fake(time.Unix(1700000000, 0))

	func() {
		h := startHub(t, HubConfig{Store: store, Clock: clk})
		anchor := h.attachAnchor("laptop")
		h.hub.HandleMessage(anchor, []byte(`{"method":"turn/inProgress","params":{"threadId":"t1","turn":{"id":"turn-1","status":"inProgress"}}}`))
		testutil.RequireReceive(t, store.puts, 5*time.Second, "waiting for flush")
	}()

	persisted := store.get("t1")
	if persisted == nil {
		t.Fatalf("t1 not persisted")
	}
	if persisted.AnchorID != "laptop" {
		t.Errorf("persisted binding = %q, want laptop", persisted.AnchorID)
	}

	// A fresh hub over the same store restores the binding: routing for
	// t1 demands the bound anchor even though none is connected.
	h := startHub(t, HubConfig{Store: store, Clock: clock.Fake(time.Unix(1700009999, 0))})
	h.attachAnchor("desktop")
	client := h.attachClient("web-1")

	h.hub.HandleMessage(client, []byte(`{"id":"1","method":"exec","params":{"threadId":"t1"}}`))
	if got := errorCode(t, client.next(t)); got != CodeAnchorOffline {
		t.Errorf("code = %q, want %q (restored binding to laptop enforced)", got, CodeAnchorOffline)
	}

	// And replay works from the restored ring.
	h.hub.HandleMessage(client, []byte(`{"type":"orbit.subscribe","threadId":"t1"}`))
	client.next(t) // ack
	turn := client.next(t)
	if turn["method"] != "turn/started" {
		t.Errorf("replayed turn frame = %v", turn)
	}
}

func TestBootRestoreCapsThreads(t *testing.T) {
	t.Parallel()

	store := newRecordingStore()
	base := time.Unix(1700000000, 0)
	for i := 0; i < MaxThreads+10; i++ {
		store.seed(&ThreadSnapshot{
			ThreadID:  fmt.Sprintf("t-%d", i),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	h := startHub(t, HubConfig{Store: store})
	if got := h.hub.Stats().Threads; got != MaxThreads {
		t.Errorf("Threads = %d after boot, want %d", got, MaxThreads)
	}

	// The overflow threads are deleted from the store as well.
	for i := 0; i < 10; i++ {
		deleted := testutil.RequireReceive(t, store.deletes, 5*time.Second, "waiting for boot eviction")
		if persisted := store.get(deleted); persisted != nil {
			t.Errorf("evicted thread %s still stored", deleted)
		}
	}
}
