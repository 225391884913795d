package presence

import (
	"context"
	"strconv"
	"testing"

	"github.com/redis/go-redis/v9"
)

// Test user IDs live far above anything real data would use so cleanup can
// target them without touching other keys.
const testUserBase = int64(900000000)

// newTestStore creates a Store connected to a local Redis instance and
// removes any leftover test entries. Tests that call this helper require a
// running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		for i := int64(0); i < 10; i++ {
			id := strconv.FormatInt(testUserBase+i, 10)
			client.Del(ctx, ConnCountPrefix+id)
			client.SRem(ctx, OnlineSetKey, id)
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStore(client)
}

func TestConnectDisconnect(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := testUserBase

	online, err := store.IsOnline(ctx, user)
	if err != nil {
		t.Fatalf("IsOnline() error: %v", err)
	}
	if online {
		t.Fatal("user should start offline")
	}

	if err := store.Connect(ctx, user); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if online, _ = store.IsOnline(ctx, user); !online {
		t.Error("user should be online after Connect")
	}

	if err := store.Disconnect(ctx, user); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if online, _ = store.IsOnline(ctx, user); online {
		t.Error("user should be offline after last Disconnect")
	}
}

// A user with two simultaneous connections stays online until both close.
func TestMultipleConnections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := testUserBase + 1

	if err := store.Connect(ctx, user); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := store.Connect(ctx, user); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}

	if err := store.Disconnect(ctx, user); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	online, err := store.IsOnline(ctx, user)
	if err != nil {
		t.Fatalf("IsOnline() error: %v", err)
	}
	if !online {
		t.Error("user with one remaining connection should still be online")
	}

	if err := store.Disconnect(ctx, user); err != nil {
		t.Fatalf("second Disconnect() error: %v", err)
	}
	if online, _ = store.IsOnline(ctx, user); online {
		t.Error("user should be offline after both connections closed")
	}
}

// Disconnecting a user who was never connected must be a safe no-op, so
// retries after transient failures cannot corrupt state.
func TestDisconnect_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := testUserBase + 2

	for i := 0; i < 3; i++ {
		if err := store.Disconnect(ctx, user); err != nil {
			t.Fatalf("Disconnect() #%d error: %v", i, err)
		}
	}
	if online, _ := store.IsOnline(ctx, user); online {
		t.Error("never-connected user must not be online")
	}

	// Over-disconnecting must not push the count negative: one connect
	// after three stray disconnects still means online.
	if err := store.Connect(ctx, user); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if online, _ := store.IsOnline(ctx, user); !online {
		t.Error("user should be online after Connect following stray Disconnects")
	}
	store.Disconnect(ctx, user)
}

func TestOnline_ListsConnectedUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a, b := testUserBase+3, testUserBase+4

	if err := store.Connect(ctx, a); err != nil {
		t.Fatalf("Connect(a) error: %v", err)
	}
	if err := store.Connect(ctx, b); err != nil {
		t.Fatalf("Connect(b) error: %v", err)
	}

	online, err := store.Online(ctx)
	if err != nil {
		t.Fatalf("Online() error: %v", err)
	}
	seen := make(map[int64]bool)
	for _, id := range online {
		seen[id] = true
	}
	if !seen[a] || !seen[b] {
		t.Errorf("Online() = %v, should include %d and %d", online, a, b)
	}
}

func TestForceOffline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := testUserBase + 5

	store.Connect(ctx, user)
	store.Connect(ctx, user)

	if err := store.ForceOffline(ctx, user); err != nil {
		t.Fatalf("ForceOffline() error: %v", err)
	}
	if online, _ := store.IsOnline(ctx, user); online {
		t.Error("ForceOffline should clear presence regardless of refcount")
	}
}

// IsOnline self-heals a set entry whose refcount key expired (e.g. after a
// server crash).
func TestIsOnline_RepairsExpiredRefcount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := testUserBase + 6

	store.Connect(ctx, user)
	// Simulate refcount expiry.
	store.client.Del(ctx, ConnCountPrefix+strconv.FormatInt(user, 10))

	online, err := store.IsOnline(ctx, user)
	if err != nil {
		t.Fatalf("IsOnline() error: %v", err)
	}
	if online {
		t.Error("user with expired refcount should read offline")
	}

	member, _ := store.client.SIsMember(ctx, OnlineSetKey, strconv.FormatInt(user, 10)).Result()
	if member {
		t.Error("stale set entry should have been repaired")
	}
}
