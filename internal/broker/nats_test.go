package broker

import (
	"sync"
	"testing"
	"time"
)

// Room IDs live far above anything real data would use so test subjects
// never collide with a running server on the same NATS instance.
const testRoomBase = int64(900000000)

// newTestClient connects to a local NATS server. Tests that call this helper
// require a running NATS on localhost:4222.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := Connect(DefaultConfig())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestPublishReachesRoomSubscribers(t *testing.T) {
	client := newTestClient(t)
	room := testRoomBase

	var mu sync.Mutex
	var gotA, gotB [][]byte

	if err := client.SubscribeRoom(room, "conn-a", func(data []byte) {
		mu.Lock()
		gotA = append(gotA, data)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeRoom conn-a: %v", err)
	}
	if err := client.SubscribeRoom(room, "conn-b", func(data []byte) {
		mu.Lock()
		gotB = append(gotB, data)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeRoom conn-b: %v", err)
	}

	if err := client.PublishRoom(room, []byte("hello")); err != nil {
		t.Fatalf("PublishRoom: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotA) == 1 && len(gotB) == 1
	})
	if !ok {
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("delivery incomplete: conn-a=%d conn-b=%d, want 1 each", len(gotA), len(gotB))
	}
	if string(gotA[0]) != "hello" || string(gotB[0]) != "hello" {
		t.Errorf("payloads = %q %q, want hello", gotA[0], gotB[0])
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	client := newTestClient(t)
	room := testRoomBase + 1

	var mu sync.Mutex
	var got []string

	if err := client.SubscribeRoom(room, "conn-order", func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeRoom: %v", err)
	}

	want := []string{"one", "two", "three", "four"}
	for _, m := range want {
		if err := client.PublishRoom(room, []byte(m)); err != nil {
			t.Fatalf("PublishRoom %q: %v", m, err)
		}
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	})
	if !ok {
		t.Fatalf("received %d messages, want %d", len(got), len(want))
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestResubscribeReplacesOldRoom(t *testing.T) {
	client := newTestClient(t)
	oldRoom := testRoomBase + 2
	newRoom := testRoomBase + 3

	var mu sync.Mutex
	var got []string

	record := func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}

	if err := client.SubscribeRoom(oldRoom, "conn-move", record); err != nil {
		t.Fatalf("SubscribeRoom old: %v", err)
	}
	if err := client.SubscribeRoom(newRoom, "conn-move", record); err != nil {
		t.Fatalf("SubscribeRoom new: %v", err)
	}
	if client.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount = %d, want 1 after resubscribe", client.SubscriberCount())
	}

	if err := client.PublishRoom(oldRoom, []byte("old")); err != nil {
		t.Fatalf("PublishRoom old: %v", err)
	}
	if err := client.PublishRoom(newRoom, []byte("new")); err != nil {
		t.Fatalf("PublishRoom new: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	})
	// Give a stale old-room delivery a moment to show up if the replace leaked.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "new" {
		t.Errorf("received %v, want only the new room's message", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	client := newTestClient(t)
	room := testRoomBase + 4

	var mu sync.Mutex
	var got int

	if err := client.SubscribeRoom(room, "conn-leave", func([]byte) {
		mu.Lock()
		got++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeRoom: %v", err)
	}

	if err := client.UnsubscribeRoom("conn-leave"); err != nil {
		t.Fatalf("UnsubscribeRoom: %v", err)
	}
	// Unsubscribing an unknown connection is a no-op.
	if err := client.UnsubscribeRoom("conn-never"); err != nil {
		t.Fatalf("UnsubscribeRoom (unknown): %v", err)
	}

	if err := client.PublishRoom(room, []byte("after")); err != nil {
		t.Fatalf("PublishRoom: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if got != 0 {
		t.Errorf("received %d messages after unsubscribe, want 0", got)
	}
}
