//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// epollBatch is the most readiness events taken per wait.
	epollBatch = 128
	// epollWaitMillis bounds one wait so the event loop observes shutdown.
	epollWaitMillis = 100
)

// Epoll multiplexes read readiness for every registered socket on a single
// Linux epoll instance. Sockets are registered one-shot: a reported socket
// stays disarmed until Resume, so only one worker reads it at a time.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFD   map[int]net.Conn
	events []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &Epoll{
		fd:     fd,
		byFD:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, epollBatch),
	}, nil
}

const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLONESHOT

// Add watches conn for input, peer hang-up and errors.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no socket descriptor")
	}
	ev := unix.EpollEvent{Events: readEvents, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ws: epoll add fd %d: %w", fd, err)
	}

	e.mu.Lock()
	e.byFD[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. A descriptor the kernel already dropped (the
// socket was closed first) is not an error.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return nil
	}

	e.mu.Lock()
	delete(e.byFD, fd)
	e.mu.Unlock()

	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("ws: epoll remove fd %d: %w", fd, err)
	}
	return nil
}

// Wait returns the connections that became readable. It returns an empty
// slice when the wait times out or is interrupted by a signal.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, epollWaitMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("ws: epoll wait: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		// Removed between the kernel reporting it and this lookup.
		if conn, ok := e.byFD[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFD = map[int]net.Conn{}
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// wrapConn returns conn unchanged; epoll reads the socket directly.
func wrapConn(conn net.Conn) net.Conn { return conn }

// Resume re-arms conn after its reported input was handled. Readiness is
// level-based, so unread bytes are reported again right away. Connections
// removed in the meantime are left alone; their descriptor may already
// belong to a new socket.
func (e *Epoll) Resume(conn net.Conn) {
	fd := socketFD(conn)
	if fd < 0 {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.byFD[fd] != conn {
		return
	}
	ev := unix.EpollEvent{Events: readEvents, Fd: int32(fd)}
	_ = unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1.
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
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
