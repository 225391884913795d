// Package ws handles WebSocket connection management: upgrading HTTP
// connections, driving the room-join handshake, and dispatching incoming
// messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/chatme/chatme/internal/metrics"
	"github.com/chatme/chatme/internal/protocol"
	"github.com/chatme/chatme/internal/ratelimit"
	"github.com/chatme/chatme/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// PresenceReader is the read-only presence surface exposed on /presence.
type PresenceReader interface {
	IsOnline(ctx context.Context, userID int64) (bool, error)
	Online(ctx context.Context) ([]int64, error)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, joins each connection to its
// requested room through the session manager, registers the socket with the
// readiness poller, and dispatches ready connections to a bounded worker
// pool for frame reading.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	sessions     *session.Manager
	presence     PresenceReader
	limiter      session.Limiter                     // nil disables connect throttling
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration, session manager,
// presence reader, and message callback. The onMessage function is called
// from a worker goroutine whenever a complete WebSocket text frame is
// received from a client. limiter may be nil to disable connect throttling.
func NewServer(config ServerConfig, sessions *session.Manager, presence PresenceReader, limiter session.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		presence:   presence,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start initializes the readiness poller, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the poll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/presence", s.handlePresence)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the poll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	s.startHeartbeat(DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, then drives the room-join handshake: the
// client names its room and presents its token as query parameters, and a
// connection that fails to join is told why and closed.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	roomName := q.Get("room")
	token := q.Get("token")
	if roomName == "" || token == "" {
		http.Error(w, "room and token query parameters are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		allowed, err := s.limiter.Allow(r.Context(), host, ratelimit.RuleConnect)
		if err == nil && !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()

	c := &Connection{
		ID:        connID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	// Join the requested room. A refused join sends a typed error and closes
	// the connection; the session itself sends joined + history on success.
	sess, err := s.sessions.Connect(context.Background(), connID, token, roomName, func(data []byte) error {
		return s.writeConn(c, data)
	})
	if err != nil {
		log.Printf("ws: join refused conn=%s room=%q: %v", connID, roomName, err)
		s.sendError(c, joinErrorCode(err), "could not join room")
		s.removeConnection(c)
		return
	}
	if !s.bindSession(c, sess) {
		return
	}

	log.Printf("ws: new connection conn=%s fd=%d room=%s (total=%d)",
		connID, fd, roomName, s.conns.Count())
}

// bindSession attaches a freshly joined session to its connection. The
// socket can die while the join is still resolving; removeConnection finds
// no session to close in that window, so when the attach loses that race the
// join is undone here — otherwise the room subscription and presence entry
// would outlive the connection.
func (s *Server) bindSession(c *Connection, sess *session.Session) bool {
	if c.AttachSession(sess) {
		return true
	}
	log.Printf("ws: conn=%s closed before join finished, tearing down session", c.ID)
	sess.Close(context.Background())
	return false
}

// joinErrorCode maps a session refusal to the wire error code.
func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, session.ErrBlocked):
		return "blocked"
	case errors.Is(err, session.ErrRoomNotFound):
		return "room_not_found"
	default:
		return "join_failed"
	}
}

// handlePresence reports online status. With ?user=<id> it answers for one
// user; without it, it lists all online user IDs.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	if raw := r.URL.Query().Get("user"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		online, err := s.presence.IsOnline(ctx, userID)
		if err != nil {
			http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(struct {
			UserID int64 `json:"user_id"`
			Online bool  `json:"online"`
		}{UserID: userID, Online: online})
		return
	}

	ids, err := s.presence.Online(ctx)
	if err != nil {
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	_ = json.NewEncoder(w).Encode(struct {
		Online []int64 `json:"online"`
	}{Online: ids})
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// the poller and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection — the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.removeConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.removeConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.removeConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// removeConnection removes a connection from both the poller and the
// connection manager, tears down its room session, and closes the underlying
// network connection.
func (s *Server) removeConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	// Detaching marks the connection so a join still in flight cannot attach
	// a session to it afterward; bindSession closes that session instead.
	if sess := c.DetachSession(); sess != nil {
		sess.Close(context.Background())
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// writeConn writes a text frame to a connection with the configured write
// timeout applied.
func (s *Server) writeConn(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g.,
	// heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// sendError sends a structured error message to the client. Errors during
// construction or transmission are logged but not propagated.
func (s *Server) sendError(c *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", c.ID, err)
		return
	}
	if err := s.writeConn(c, data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", c.ID, err)
	}
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, tears down all room sessions,
// closes all active connections, and cleans up the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	// Tear down room sessions and close all active WebSocket connections.
	for _, c := range s.conns.All() {
		if sess := c.DetachSession(); sess != nil {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
			sess.Close(closeCtx)
			closeCancel()
		}
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}

	// Close the poller.
	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
