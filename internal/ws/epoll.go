//go:build linux

package ws

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// readyEvents is the interest set for every socket. EPOLLRDHUP reports a peer
// that half-closed its side even when no frame is pending. EPOLLONESHOT
// disarms the socket after each report until Rearm, so frames queued behind
// a slow handler do not wake the loop again.
const readyEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLONESHOT

// Ready is one connection reported by Wait.
type Ready struct {
	Conn   *Connection
	Hangup bool // socket hung up or errored with nothing left to read
}

// Epoll multiplexes read readiness for all upgraded sockets on one epoll
// instance, so idle connections cost no goroutine. Each socket is reported
// once per Rearm.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int32]*Connection // fd -> connection
	events []unix.EpollEvent     // reused by Wait, only touched by the event loop
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int32]*Connection),
		events: make([]unix.EpollEvent, 256),
	}, nil
}

// Add starts watching c for readability.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return fmt.Errorf("conn %s has no socket descriptor", c.ID)
	}
	ev := unix.EpollEvent{Events: readyEvents, Fd: int32(c.Fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd=%d: %w", c.Fd, err)
	}

	e.mu.Lock()
	e.conns[int32(c.Fd)] = c
	e.mu.Unlock()
	return nil
}

// Remove stops watching c. A descriptor that now belongs to a newer
// connection is left alone, which makes repeated calls safe after close.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	owned := e.conns[int32(c.Fd)] == c
	if owned {
		delete(e.conns, int32(c.Fd))
	}
	e.mu.Unlock()

	if !owned {
		return nil
	}
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll_ctl del fd=%d: %w", c.Fd, err)
	}
	return nil
}

// Rearm re-enables reporting for c once the server has read its frame.
// Unread data already queued is reported on the next Wait.
func (e *Epoll) Rearm(c *Connection) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.conns[int32(c.Fd)] != c {
		return nil
	}
	ev := unix.EpollEvent{Events: readyEvents, Fd: int32(c.Fd)}
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, c.Fd, &ev)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll_ctl mod fd=%d: %w", c.Fd, err)
	}
	return nil
}

// Wait blocks up to timeout for ready connections. An interrupted wait
// returns an empty batch.
func (e *Epoll) Wait(timeout time.Duration) ([]Ready, error) {
	n, err := unix.EpollWait(e.fd, e.events, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	ready := make([]Ready, 0, n)
	for _, ev := range e.events[:n] {
		c, ok := e.conns[ev.Fd]
		if !ok {
			continue
		}
		hangup := ev.Events&unix.EPOLLIN == 0 &&
			ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0
		ready = append(ready, Ready{Conn: c, Hangup: hangup})
	}
	return ready, nil
}

// Close releases the epoll descriptor. Registered sockets stay open.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = make(map[int32]*Connection)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1 for
// connections that are not backed by a socket.
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
