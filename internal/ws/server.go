// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, polling live connections through epoll, and
// dispatching incoming frames to the chat handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/metrics"
	"github.com/togedog/chat-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator decides whether an upgrade request may proceed. It returns
// the authenticated user id. Errors wrapping authz.ErrUnauthenticated refuse
// with 401, authz.ErrForbidden with 403, anything else with 503.
type Authenticator func(r *http.Request, connID string) (int64, error)

// Server upgrades HTTP requests to WebSocket, registers the connections
// with an epoll instance and hands ready connections to a bounded worker
// pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	authenticate Authenticator
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	log          zerolog.Logger
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame.
func NewServer(config ServerConfig, authenticate Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		authenticate: authenticate,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		log:          logging.Component("ws"),
		done:         make(chan struct{}),
	}
}

// Start creates the epoll instance and starts the event loop and the
// heartbeat monitor in the background.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().Int("workers", s.config.WorkerPoolSize).Int("max_conns", s.config.MaxConnections).
		Msg("websocket server started")
	return nil
}

// HandleUpgrade authenticates the request and upgrades it to a WebSocket
// connection. Refused requests get an HTTP error with a {detail} body and
// are never upgraded. On success the client receives a connected frame.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		metrics.ConnectionsRefused.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	connID := uuid.New().String()
	var userID int64
	if s.authenticate != nil {
		var err error
		userID, err = s.authenticate(r, connID)
		if err != nil {
			status, reason, detail := refusal(err)
			metrics.ConnectionsRefused.WithLabelValues(reason).Inc()
			s.log.Info().Err(err).Str(logging.FieldClientIP, r.RemoteAddr).Int("status", status).
				Msg("handshake refused")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Str(logging.FieldConnID, connID).Msg("upgrade failed")
		s.notifyDisconnect(connID)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        connID,
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,

		writeTimeout: s.config.WriteTimeout,
	}
	c.touch(now)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str(logging.FieldConnID, connID).Msg("epoll add failed")
		s.conns.Remove(connID)
		_ = conn.Close()
		s.notifyDisconnect(connID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	msg, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnID: connID,
		UserID: userID,
	})
	if err == nil {
		err = s.SendMessage(connID, msg)
	}
	if err != nil {
		s.log.Warn().Err(err).Str(logging.FieldConnID, connID).Msg("send connected failed")
	}

	s.log.Info().Str(logging.FieldConnID, connID).Int64(logging.FieldUserID, userID).
		Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("new connection")
}

func refusal(err error) (status int, reason, detail string) {
	switch {
	case errors.Is(err, authz.ErrForbidden):
		return http.StatusForbidden, "banned", authz.Message(err)
	case errors.Is(err, authz.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated", authz.Message(err)
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "too many connection attempts"
	}
	return http.StatusServiceUnavailable, "upstream", "service unavailable"
}

// ErrRateLimited may be returned by an Authenticator to refuse with 429.
var ErrRateLimited = errors.New("ws: too many connection attempts")

// Health is a snapshot of the server for health checks.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

// Health reports the connection count and uptime.
func (s *Server) Health() Health {
	return Health{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
}

// startEventLoop runs the epoll wait loop. Each ready connection is read
// by a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("epoll wait error")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed without reaching the dispatcher. A failed read removes the
// connection.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Resume(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A stale dispatch times out with nothing to read; the heartbeat
		// handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	c.touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		if header.Length > 0 {
			_, _ = io.CopyN(io.Discard, reader, header.Length)
		}
		return
	}

	if header.Length > maxFrameBytes {
		s.log.Warn().Str(logging.FieldConnID, c.ID).Int64("length", header.Length).Msg("frame too large")
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
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// maxFrameBytes bounds a single inbound data frame.
const maxFrameBytes = 64 << 10

// SetOnDisconnect registers a callback invoked once for every connection
// that was handed to the gateway, whatever the reason it went away.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection unregisters and closes c. Concurrent removals of the same
// connection are collapsed into one.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	s.notifyDisconnect(c.ID)

	s.log.Info().Str(logging.FieldConnID, c.ID).Int64(logging.FieldUserID, c.UserID).
		Int("total", s.conns.Count()).Msg("connection closed")
}

func (s *Server) notifyDisconnect(connID string) {
	if s.onDisconnect != nil {
		s.onDisconnect(connID)
	}
}

// SendMessage writes a text frame to connID. Safe for concurrent use.
// A connection whose write fails or times out is removed, so a stalled
// reader costs its room at most one WriteTimeout.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	if err := c.WriteMessage(data); err != nil {
		// the caller may hold locks the disconnect path takes
		go s.RemoveConnection(c)
		return err
	}
	return nil
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and closes every connection. Each closed
// connection is reported through the disconnect callback so rooms hear
// about it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	s.log.Info().Int("connections", s.conns.Count()).Msg("shutting down websocket server")

	for _, c := range s.conns.All() {
		if ctx.Err() != nil {
			break
		}
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ws: shutdown: %w", err)
	}
	s.log.Info().Msg("websocket server stopped")
	return nil
}
