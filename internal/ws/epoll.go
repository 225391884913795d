//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller multiplexes read readiness over all WebSocket sockets with Linux
// epoll. Sockets are registered with the kernel once and the event loop
// wakes only for descriptors that have pending data, so the server carries
// one blocked goroutine for the whole connection set instead of one per
// connection.
type Poller struct {
	fd    int // epoll descriptor
	mu    sync.RWMutex
	conns map[int]net.Conn  // registered sockets by fd
	batch []unix.EpollEvent // reused between Wait calls
}

// NewPoller creates the epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:    fd,
		conns: make(map[int]net.Conn),
		batch: make([]unix.EpollEvent, 256),
	}, nil
}

// Add registers a socket for readiness notifications. EPOLLRDHUP is included
// so that a peer half-close wakes the loop and the read path can observe the
// closure instead of waiting for the heartbeat to notice.
func (p *Poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove drops a socket from the interest list and forgets its descriptor.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.conns, fd)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered socket is readable and returns
// the corresponding connections. A descriptor removed between the kernel
// wakeup and the map lookup is skipped.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.batch, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.conns[int(p.batch[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}

// socketFD extracts a connection's file descriptor through SyscallConn.
// net.TCPConn.File would dup the descriptor, leaving epoll registered on a
// different fd than the one the runtime closes.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
