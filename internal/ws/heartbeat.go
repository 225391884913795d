package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig tunes the dead-connection sweep.
type HeartbeatConfig struct {
	PingInterval time.Duration // how often to ping and sweep
	IdleGrace    time.Duration // extra quiet time allowed beyond one interval
}

// DefaultHeartbeatConfig returns the production heartbeat tuning.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		PingInterval: 25 * time.Second,
		IdleGrace:    15 * time.Second,
	}
}

// startHeartbeat runs a background sweep over all connections: connections
// quiet for longer than PingInterval+IdleGrace are evicted, the rest receive
// a protocol-level ping. The goroutine exits when the server's done channel
// closes.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweepConnections(config)
			}
		}
	}()
}

// sweepConnections evicts connections with no successful read inside the
// allowed window and pings the rest. Browsers answer the ping frame (opcode
// 0x9) automatically, so a healthy client refreshes LastPing without any
// application-level cooperation.
func (s *Server) sweepConnections(config HeartbeatConfig) {
	cutoff := config.PingInterval + config.IdleGrace
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastPing); idle > cutoff {
			log.Printf("ws: heartbeat timeout conn=%s idle=%s", c.ID, idle.Round(time.Second))
			s.removeConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			s.removeConnection(c)
		}
	}
}

// WritePing sends a WebSocket ping frame, serialized with other outbound
// frames by the connection's write mutex.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
