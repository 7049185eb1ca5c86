//go:build !linux

package ws

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// Ready is one connection reported by Wait.
type Ready struct {
	Conn   *Connection
	Hangup bool // socket hung up or errored with nothing left to read
}

// Epoll is the portable stand-in for the Linux poller so the relay runs on
// developer machines. Each socket gets a goroutine that waits for
// readability through the runtime poller without consuming bytes, reports
// it, then parks until the server has read the frame and calls Rearm.
type Epoll struct {
	mu        sync.Mutex
	watches   map[*Connection]*watch
	ready     chan Ready
	done      chan struct{}
	closeOnce sync.Once
}

type watch struct {
	rearm chan struct{}
	stop  chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watches: make(map[*Connection]*watch),
		ready:   make(chan Ready, 256),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching c for readability.
func (e *Epoll) Add(c *Connection) error {
	sc, ok := c.Conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("conn %s does not expose a raw socket", c.ID)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("conn %s: %w", c.ID, err)
	}

	w := &watch{rearm: make(chan struct{}, 1), stop: make(chan struct{})}
	e.mu.Lock()
	e.watches[c] = w
	e.mu.Unlock()

	go e.monitor(c, raw, w)
	return nil
}

func (e *Epoll) monitor(c *Connection, raw syscall.RawConn, w *watch) {
	for {
		// Returning false once makes the runtime wait for readability
		// before calling back, so no bytes are taken off the socket.
		waited := false
		err := raw.Read(func(uintptr) bool {
			if waited {
				return true
			}
			waited = true
			return false
		})

		select {
		case e.ready <- Ready{Conn: c, Hangup: err != nil}:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops watching c. Safe to call more than once.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	w, ok := e.watches[c]
	delete(e.watches, c)
	e.mu.Unlock()

	if ok {
		close(w.stop)
	}
	return nil
}

// Rearm lets the monitor for c wait for the next frame.
func (e *Epoll) Rearm(c *Connection) error {
	e.mu.Lock()
	w, ok := e.watches[c]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks up to timeout for ready connections and drains whatever else
// is already queued.
func (e *Epoll) Wait(timeout time.Duration) ([]Ready, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first Ready
	select {
	case first = <-e.ready:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	ready := []Ready{first}
	for {
		select {
		case r := <-e.ready:
			ready = append(ready, r)
		default:
			return ready, nil
		}
	}
}

// Close stops every monitor. Registered sockets stay open.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// socketFD has no meaning off Linux; connections are tracked by pointer.
func socketFD(net.Conn) int {
	return -1
}
