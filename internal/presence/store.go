// Package presence tracks which users currently hold at least one open
// connection, backed by a Redis set shared by all server processes.
//
//	Key:  online_users                 set of user IDs
//	Key:  presence:conns:<user_id>     connection refcount, TTL-guarded
//
// A user may hold several connections across devices or tabs; the refcount
// keeps them in the online set until the last connection closes. The
// refcount key carries a TTL so that entries left behind by a crashed server
// expire instead of marking the user online forever.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OnlineSetKey is the Redis set holding online user IDs.
	OnlineSetKey = "online_users"

	// ConnCountPrefix is the Redis key prefix for per-user connection
	// refcounts.
	ConnCountPrefix = "presence:conns:"

	// ConnCountTTL bounds how long a stale refcount can survive a server
	// crash. Every Connect refreshes it.
	ConnCountTTL = 24 * time.Hour
)

// Store manages the shared presence set in Redis. Operations are idempotent
// where the presence contract requires it: marking an online user online
// again and disconnecting an absent user are both safe.
type Store struct {
	client           *redis.Client
	disconnectScript *redis.Script
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{
		client:           client,
		disconnectScript: redis.NewScript(disconnectLua),
	}
}

// Connect records one more open connection for the user and marks the user
// online. Safe to retry: the set add is idempotent and an over-counted
// refcount still drains to zero through Disconnect.
func (s *Store) Connect(ctx context.Context, userID int64) error {
	countKey := ConnCountPrefix + strconv.FormatInt(userID, 10)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, ConnCountTTL)
	pipe.SAdd(ctx, OnlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: connect user %d: %w", userID, err)
	}
	return nil
}

// Disconnect records one connection closing. The user leaves the online set
// only when this was their last open connection. Disconnecting a user with
// no recorded connections is a no-op.
func (s *Store) Disconnect(ctx context.Context, userID int64) error {
	id := strconv.FormatInt(userID, 10)
	countKey := ConnCountPrefix + id

	if err := s.disconnectScript.Run(ctx, s.client, []string{countKey, OnlineSetKey}, id).Err(); err != nil {
		return fmt.Errorf("presence: disconnect user %d: %w", userID, err)
	}
	return nil
}

// IsOnline reports whether the user holds at least one open connection.
// When the refcount key has expired (crash leftovers) the set entry is
// lazily repaired. A Redis error means the answer is unknown; callers must
// degrade rather than block on it.
func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	id := strconv.FormatInt(userID, 10)

	member, err := s.client.SIsMember(ctx, OnlineSetKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is online user %d: %w", userID, err)
	}
	if !member {
		return false, nil
	}

	// Set says online: confirm the refcount still exists.
	exists, err := s.client.Exists(ctx, ConnCountPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is online user %d: %w", userID, err)
	}
	if exists == 0 {
		// Refcount expired without a clean disconnect. Repair the set.
		s.client.SRem(ctx, OnlineSetKey, id)
		return false, nil
	}
	return true, nil
}

// Online returns the IDs of all currently online users.
func (s *Store) Online(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, OnlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: online: %w", err)
	}

	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue // foreign entry in the set, skip
		}
		out = append(out, id)
	}
	return out, nil
}

// ForceOffline clears a user's presence unconditionally, regardless of
// refcount. Used by operators when a client is known dead.
func (s *Store) ForceOffline(ctx context.Context, userID int64) error {
	id := strconv.FormatInt(userID, 10)

	pipe := s.client.Pipeline()
	pipe.Del(ctx, ConnCountPrefix+id)
	pipe.SRem(ctx, OnlineSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: force offline user %d: %w", userID, err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("presence: redis ping: %w", err)
	}
	return nil
}

// disconnectLua atomically decrements the connection refcount and removes
// the user from the online set once no connections remain. A missing
// refcount (already zero, or expired) just clears the set entry.
const disconnectLua = `
local count_key = KEYS[1]
local set_key = KEYS[2]
local user_id = ARGV[1]

if redis.call('EXISTS', count_key) == 0 then
    redis.call('SREM', set_key, user_id)
    return 0
end

local count = redis.call('DECR', count_key)
if count <= 0 then
    redis.call('DEL', count_key)
    redis.call('SREM', set_key, user_id)
    return 0
end
return count
`
