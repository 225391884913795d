// Package session manages per-connection room sessions. Each WebSocket
// connection owns one Session, an explicit state machine:
//
//	Disconnected -> Connecting -> Joined -> Disconnected
//
// Connecting resolves the claimed identity and target room; Joined accepts
// sends and routes them through the moderation pipeline; leaving tears down
// the room subscription and presence entry. Sessions hold no shared mutable
// callbacks — all cross-connection state lives in the stores and the broker.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatme/chatme/internal/metrics"
	"github.com/chatme/chatme/internal/protocol"
	"github.com/chatme/chatme/internal/ratelimit"
	"github.com/chatme/chatme/internal/store"
)

// Session states.
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateJoined
)

// Sentinel errors callers map to connection refusals or send failures.
var (
	ErrUnauthenticated = errors.New("session: identity does not resolve to a known user")
	ErrBlocked         = errors.New("session: user is blocked")
	ErrRoomNotFound    = errors.New("session: room not found")
	ErrNotJoined       = errors.New("session: connection is not in a joined room")
	ErrRateLimited     = errors.New("session: send rate limit exceeded")
)

// Directory is the storage surface sessions need: identity resolution, room
// lookup and membership, and history replay.
type Directory interface {
	ResolveToken(ctx context.Context, token string) (*store.User, error)
	GetRoomByName(ctx context.Context, name string) (*store.Room, error)
	AddParticipant(ctx context.Context, roomID, userID int64) error
	ListRecent(ctx context.Context, roomID int64, limit int) ([]store.Message, error)
}

// Processor runs the moderation pipeline for one send.
type Processor interface {
	Process(ctx context.Context, room *store.Room, sender *store.User, raw string) (*store.Message, error)
}

// Broadcaster is the room fan-out surface.
type Broadcaster interface {
	PublishRoom(roomID int64, data []byte) error
	SubscribeRoom(roomID int64, connID string, handler func(data []byte)) error
	UnsubscribeRoom(connID string) error
}

// Presence marks users online and offline.
type Presence interface {
	Connect(ctx context.Context, userID int64) error
	Disconnect(ctx context.Context, userID int64) error
}

// Limiter throttles sends. ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// HistoryLimit is the number of recent messages replayed to a joining
// connection.
const HistoryLimit = 50

// storeTimeout bounds the store and presence calls made during join/leave.
const storeTimeout = 5 * time.Second

// Manager creates sessions and owns the per-room sequencing locks that
// serialize concurrent sends to the same room.
type Manager struct {
	directory   Directory
	pipeline    Processor
	broadcaster Broadcaster
	presence    Presence
	limiter     Limiter // nil disables send throttling

	mu        sync.Mutex
	roomLocks map[int64]*sync.Mutex
}

// NewManager wires a session manager from its collaborators.
func NewManager(directory Directory, pipeline Processor, broadcaster Broadcaster, presence Presence, limiter Limiter) *Manager {
	return &Manager{
		directory:   directory,
		pipeline:    pipeline,
		broadcaster: broadcaster,
		presence:    presence,
		limiter:     limiter,
		roomLocks:   make(map[int64]*sync.Mutex),
	}
}

// roomLock returns the sequencing lock for a room, creating it on first use.
// Locks are never removed; the map grows with the set of rooms this server
// has ever served, which is bounded and small.
func (m *Manager) roomLock(roomID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		m.roomLocks[roomID] = l
	}
	return l
}

// Session is one connection's room membership and send path.
type Session struct {
	ConnID string

	manager *Manager
	user    *store.User
	room    *store.Room
	send    func(data []byte) error
	state   atomic.Int32

	// Broadcasts that arrive between the room subscription and the end of
	// the history replay are parked here, then flushed minus whatever the
	// history snapshot already covered. Without this a message committed
	// while the snapshot query runs would reach the client twice.
	liveMu      sync.Mutex
	buffering   bool
	pending     [][]byte
	replayedSeq int64 // highest seq covered by the history replay
}

// User returns the session's resolved identity, or nil before join.
func (s *Session) User() *store.User { return s.user }

// Room returns the session's joined room, or nil before join.
func (s *Session) Room() *store.Room { return s.room }

// State returns the current state machine state.
func (s *Session) State() int32 { return s.state.Load() }

// Connect drives the Connecting transition for a new connection: resolve the
// claimed token to a known, non-blocked user; resolve the room by name; join
// the room's participant set; mark presence; subscribe to the room's
// broadcasts; and replay recent history. On any refusal the session stays
// Disconnected and the returned sentinel says why.
//
// Presence-store failure alone never refuses the connection: chat keeps
// flowing and online status degrades.
func (m *Manager) Connect(ctx context.Context, connID, token, roomName string, send func(data []byte) error) (*Session, error) {
	s := &Session{
		ConnID:  connID,
		manager: m,
		send:    send,
	}
	s.state.Store(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	user, err := m.directory.ResolveToken(ctx, token)
	if err != nil {
		s.state.Store(StateDisconnected)
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("session: resolve identity: %w", err)
	}
	if user.Blocked {
		s.state.Store(StateDisconnected)
		return nil, ErrBlocked
	}

	room, err := m.directory.GetRoomByName(ctx, roomName)
	if err != nil {
		s.state.Store(StateDisconnected)
		if errors.Is(err, store.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("session: resolve room: %w", err)
	}

	if err := m.directory.AddParticipant(ctx, room.ID, user.ID); err != nil {
		s.state.Store(StateDisconnected)
		return nil, fmt.Errorf("session: join room: %w", err)
	}

	if err := m.presence.Connect(ctx, user.ID); err != nil {
		log.Printf("session: presence connect user=%d failed (degrading): %v", user.ID, err)
	}

	s.user = user
	s.room = room
	s.buffering = true

	if err := m.broadcaster.SubscribeRoom(room.ID, connID, s.deliver); err != nil {
		s.state.Store(StateDisconnected)
		if perr := m.presence.Disconnect(ctx, user.ID); perr != nil {
			log.Printf("session: presence rollback user=%d failed: %v", user.ID, perr)
		}
		return nil, fmt.Errorf("session: subscribe room: %w", err)
	}
	metrics.RoomSubscriptions.Inc()

	s.sendJoined()
	lastSeq := s.sendHistory(ctx)

	s.state.Store(StateJoined)
	s.goLive(lastSeq)

	log.Printf("session: conn=%s user=%s joined room=%s", connID, user.Username, room.Name)
	return s, nil
}

// deliver is the room subscription handler. While the join is still
// replaying history it parks broadcasts in the pending buffer; afterwards it
// forwards them to the connection directly.
func (s *Session) deliver(data []byte) {
	s.liveMu.Lock()
	if s.buffering {
		s.pending = append(s.pending, data)
		s.liveMu.Unlock()
		return
	}
	replayed := s.replayedSeq
	s.liveMu.Unlock()

	if s.state.Load() != StateJoined {
		return
	}
	// Commit and publish are separate steps, so a broadcast the history
	// snapshot already covered can still arrive here. Room seqs order
	// strictly, making the replayed high-water mark an exact duplicate test.
	if seq, ok := broadcastSeq(data); ok && seq <= replayed {
		return
	}
	if err := s.send(data); err != nil {
		log.Printf("session: deliver to conn=%s failed: %v", s.ConnID, err)
	}
}

// goLive flushes the broadcasts buffered during the history replay, skipping
// any the snapshot already covered, then switches the subscription to direct
// delivery. Sequence numbers order strictly per room, so a buffered
// broadcast at or below the last replayed seq is exactly the duplicate case.
func (s *Session) goLive(lastSeq int64) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.replayedSeq = lastSeq
	for _, data := range s.pending {
		if seq, ok := broadcastSeq(data); ok && seq <= lastSeq {
			continue
		}
		if err := s.send(data); err != nil {
			log.Printf("session: deliver to conn=%s failed: %v", s.ConnID, err)
		}
	}
	s.pending = nil
	s.buffering = false
}

// broadcastSeq extracts the room sequence number from an encoded broadcast
// frame. An unparseable frame reports false and is delivered as-is.
func broadcastSeq(data []byte) (int64, bool) {
	var bc protocol.BroadcastMsg
	if err := json.Unmarshal(data, &bc); err != nil {
		return 0, false
	}
	return bc.Message.Seq, true
}

// HandleSend processes one raw text message from the client. The moderation
// pipeline and the broadcast run under the room's sequencing lock, so for
// any two sends to the same room, commit order and delivery order agree.
func (s *Session) HandleSend(ctx context.Context, text string) error {
	if s.state.Load() != StateJoined {
		return ErrNotJoined
	}
	// Blocked status can change while a session is open; the persisted flag
	// on the session's user record is the join-time snapshot, which is what
	// the send path trusts.
	if s.user.Blocked {
		return ErrBlocked
	}
	if err := ValidateMessage(text); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	m := s.manager
	if m.limiter != nil {
		allowed, err := m.limiter.Allow(ctx, fmt.Sprintf("%d", s.user.ID), ratelimit.RuleSend)
		if err == nil && !allowed {
			return ErrRateLimited
		}
	}

	lock := m.roomLock(s.room.ID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := m.pipeline.Process(ctx, s.room, s.user, text)
	if err != nil {
		return err
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.BroadcastMsg{Message: *msg})
	if err != nil {
		// The message is committed; failing to serialize it is a
		// programming error, not a moderation failure.
		return fmt.Errorf("session: encode broadcast: %w", err)
	}
	if err := m.broadcaster.PublishRoom(s.room.ID, data); err != nil {
		return fmt.Errorf("session: publish: %w", err)
	}
	metrics.BroadcastsTotal.Inc()
	return nil
}

// Close drives the Joined -> Disconnected transition: unsubscribe from the
// room and drop the presence entry (which keeps the user online while other
// connections remain). Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) {
	if !s.state.CompareAndSwap(StateJoined, StateDisconnected) {
		s.state.Store(StateDisconnected)
		return
	}
	metrics.RoomSubscriptions.Dec()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	m := s.manager
	if err := m.broadcaster.UnsubscribeRoom(s.ConnID); err != nil {
		log.Printf("session: unsubscribe conn=%s failed: %v", s.ConnID, err)
	}
	if err := m.presence.Disconnect(ctx, s.user.ID); err != nil {
		log.Printf("session: presence disconnect user=%d failed: %v", s.user.ID, err)
	}

	log.Printf("session: conn=%s user=%s left room=%s", s.ConnID, s.user.Username, s.room.Name)
}

// sendJoined confirms the join to the client.
func (s *Session) sendJoined() {
	data, err := protocol.NewServerMessage(protocol.TypeJoined, protocol.JoinedMsg{
		Room:     s.room.Name,
		Username: s.user.Username,
	})
	if err != nil {
		log.Printf("session: build joined for conn=%s: %v", s.ConnID, err)
		return
	}
	if err := s.send(data); err != nil {
		log.Printf("session: send joined to conn=%s: %v", s.ConnID, err)
	}
}

// sendHistory replays the room's recent messages to the new connection and
// returns the highest sequence number replayed (zero when nothing was).
// History failure degrades silently; live delivery is unaffected.
func (s *Session) sendHistory(ctx context.Context) int64 {
	messages, err := s.manager.directory.ListRecent(ctx, s.room.ID, HistoryLimit)
	if err != nil {
		log.Printf("session: history for conn=%s room=%s: %v", s.ConnID, s.room.Name, err)
		return 0
	}
	if len(messages) == 0 {
		return 0
	}
	lastSeq := messages[len(messages)-1].Seq

	data, err := protocol.NewServerMessage(protocol.TypeHistory, protocol.HistoryMsg{Messages: messages})
	if err != nil {
		log.Printf("session: build history for conn=%s: %v", s.ConnID, err)
		return lastSeq
	}
	if err := s.send(data); err != nil {
		log.Printf("session: send history to conn=%s: %v", s.ConnID, err)
	}
	return lastSeq
}
