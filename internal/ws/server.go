// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client channels, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/metrics"
)

// ErrUnknownConnection is returned when sending to a connection that is gone.
var ErrUnknownConnection = errors.New("ws: connection not found")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	ReadTimeout    time.Duration   // timeout for WebSocket read operations
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	MaxFrameSize   int64           // larger data frames close the connection
	Heartbeat      HeartbeatConfig // dead connection detection
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   64 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// IdentifyFunc resolves the user behind an upgrade request.
type IdentifyFunc func(r *http.Request) (userID string, err error)

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for
// readiness notifications, and dispatches ready connections to a bounded
// worker pool for frame reading. The HTTP listener itself belongs to the
// caller, who mounts HandleUpgrade on a route.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	identify     IdentifyFunc
	workerPool   chan struct{}                      // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection) error       // called before the connection is readable
	onDisconnect func(connID string)                // called when a connection is removed
	done         chan struct{}
	started      atomic.Bool
}

// NewServer creates a Server. The onMessage function is called from a
// worker goroutine whenever a complete text frame is received; frames of one
// connection are never handled concurrently.
func NewServer(config ServerConfig, identify IdentifyFunc, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		identify:   identify,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked for each upgraded connection
// before any of its frames are read. A non-nil error closes the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, close frame, or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance and starts the event loop and the
// heartbeat monitor in the background.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.started.Store(true)

	go s.startEventLoop()
	startHeartbeat(s, s.config.Heartbeat)

	logger.Info("ws server started", "component", "ws",
		"workers", s.config.WorkerPoolSize, "max_conns", s.config.MaxConnections)
	return nil
}

// HandleUpgrade authenticates the request and upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.started.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.identify(r)
	if err != nil {
		logger.Debug("upgrade rejected", "component", "ws", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logger.Warn("upgrade failed", "component", "ws", "error", err)
		return
	}

	conn := wrapConn(raw)
	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(raw),
		CreatedAt: time.Now(),

		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	s.conns.Add(c)
	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			logger.Warn("connection refused", "component", "ws", "conn_id", c.ID, "error", err)
			s.conns.Remove(c.ID)
			return
		}
	}
	if err := s.epoll.Add(conn); err != nil {
		logger.Warn("epoll add failed", "component", "ws", "conn_id", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}
	metrics.ConnectionsTotal.Inc()

	logger.Debug("new connection", "component", "ws", "conn_id", c.ID, "user_id", userID, "fd", c.Fd, "total", s.conns.Count())
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				logger.Warn("epoll wait error", "component", "ws", "error", err)
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				defer s.epoll.Resume(conn)
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			// Answer with a pong carrying the same payload.
			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.RemoveConnection(c)
				return
			}
			if err := c.writePong(payload); err != nil {
				s.RemoveConnection(c)
			}
		default:
			// Pong: the connection is alive, drain any payload.
			_, _ = io.Copy(io.Discard, reader)
		}
		return
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		logger.Warn("frame too large", "component", "ws", "conn_id", c.ID, "length", header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. Concurrent removals
// of the same connection run the disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	logger.Debug("connection closed", "component", "ws", "conn_id", c.ID, "total", s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
// A failed write does not remove the connection; the read path or the
// heartbeat notices the broken socket.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return ErrUnknownConnection
	}
	return c.WriteMessage(data)
}

// Notify delivers an engine message to a connection.
func (s *Server) Notify(connID string, msg []byte) error {
	return s.SendMessage(connID, msg)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or the health endpoint).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// Shutdown signals the event loop to exit, removes all active connections,
// and closes the epoll instance. The disconnect callback runs for every
// connection still open.
func (s *Server) Shutdown() error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	logger.Info("ws server shutting down", "component", "ws", "connections", s.conns.Count())

	close(s.done)

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	logger.Info("ws server stopped", "component", "ws")
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
