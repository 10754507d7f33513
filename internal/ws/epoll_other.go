//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so developers on macOS/Windows can run the server without epoll.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // receives connections with pending data
	done    chan struct{}
	once    sync.Once
}

// bufferedConn lets the monitor goroutine peek for data without consuming
// bytes the frame reader needs.
type bufferedConn struct {
	net.Conn
	r      *bufio.Reader
	resume chan struct{}
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// wrapConn prepares conn for Add.
func wrapConn(conn net.Conn) net.Conn {
	return &bufferedConn{Conn: conn, r: bufio.NewReader(conn), resume: make(chan struct{}, 1)}
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection returned by wrapConn and starts monitoring it.
func (e *Epoll) Add(conn net.Conn) error {
	bc, ok := conn.(*bufferedConn)
	if !ok {
		return errors.New("ws: connection was not prepared with wrapConn")
	}

	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(bc)
	return nil
}

// monitor peeks until data is available, signals readiness, and waits for
// Resume before peeking again so it never races the frame reader.
func (e *Epoll) monitor(bc *bufferedConn) {
	for {
		_, err := bc.r.Peek(1)

		select {
		case e.readyCh <- bc:
		case <-e.done:
			return
		}
		if err != nil {
			// The server's read path observes the same error and removes
			// the connection.
			return
		}

		select {
		case <-bc.resume:
		case <-e.done:
			return
		}
	}
}

// Resume tells the monitor of conn that the ready frame has been handled.
func (e *Epoll) Resume(conn net.Conn) {
	if bc, ok := conn.(*bufferedConn); ok {
		select {
		case bc.resume <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD is unused without epoll.
func socketFD(net.Conn) int {
	return -1
}
