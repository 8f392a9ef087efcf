//go:build linux

package ws

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller wraps Linux epoll. File descriptors are registered with the kernel
// and Wait reports the connections that have data to read, so no goroutine
// is parked per connection.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *poller) add(c *Connection) error {
	fd := socketFD(c.Conn)
	if fd < 0 {
		return fmt.Errorf("ws: connection %s has no socket descriptor", c.ID)
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("ws: epoll add: %w", err)
	}
	c.fd = fd

	p.mu.Lock()
	p.conns[fd] = c
	p.mu.Unlock()
	return nil
}

func (p *poller) remove(c *Connection) error {
	p.mu.Lock()
	if cur, ok := p.conns[c.fd]; ok && cur == c {
		delete(p.conns, c.fd)
	}
	p.mu.Unlock()
	if c.fd < 0 {
		return nil
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, c.fd, nil); err != nil {
		return fmt.Errorf("ws: epoll del: %w", err)
	}
	return nil
}

// wait blocks until registered connections are readable. Connections
// removed after epoll_wait returned are skipped.
func (p *poller) wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// resume is a no-op: epoll is level-triggered and keeps reporting unread
// data.
func (p *poller) resume(*Connection) {}

func (p *poller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = make(map[int]*Connection)
	return unix.Close(p.fd)
}

// socketFD extracts the descriptor without dup'ing it, so it stays valid
// for epoll registration.
func socketFD(conn interface{}) int {
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

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
