//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// poller is the portable fallback: one goroutine per connection peeks at a
// buffered reader and reports the connection ready. After a worker consumed
// the frame, resume re-arms the peek, so the reader is never used by two
// goroutines at once.
type poller struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
	ready chan *Connection
	done  chan struct{}
	once  sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		conns: make(map[*Connection]struct{}),
		ready: make(chan *Connection, 128),
		done:  make(chan struct{}),
	}, nil
}

func (p *poller) add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br
	c.resume = make(chan struct{}, 1)

	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	go p.monitor(c, br)
	return nil
}

func (p *poller) monitor(c *Connection, br *bufio.Reader) {
	for {
		_, err := br.Peek(1)
		select {
		case p.ready <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-c.resume:
		case <-p.done:
			return
		}
		if !p.registered(c) {
			return
		}
	}
}

func (p *poller) registered(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[c]
	return ok
}

func (p *poller) remove(c *Connection) error {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	p.resume(c)
	return nil
}

func (p *poller) wait() ([]*Connection, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}
	ready := []*Connection{first}
	for {
		select {
		case c := <-p.ready:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// resume lets the monitor of c look for the next frame.
func (p *poller) resume(c *Connection) {
	if c.resume == nil {
		return
	}
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

func (p *poller) close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	p.conns = make(map[*Connection]struct{})
	p.mu.Unlock()
	return nil
}

func isEINTR(error) bool { return false }
