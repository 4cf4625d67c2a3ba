//go:build !linux

package ws

import (
	"bytes"
	"io"
	"net"
	"sync"
)

// Epoll is the goroutine-per-connection fallback for platforms without
// epoll. A monitor goroutine blocks on a one-byte read; the byte is kept
// and replayed by Reader so no frame data is lost.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	closed  sync.Once
}

type watch struct {
	pending []byte
	resume  chan struct{}
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{resume: make(chan struct{}, 1)}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor reports conn as ready each time a byte arrives, then waits for
// Resume before reading again. A read error is reported once so the server
// notices the closure.
func (e *Epoll) monitor(conn net.Conn, w *watch) {
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			w.pending = append(w.pending, buf[:n]...)
			e.mu.Unlock()
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-e.done:
			return
		}
	}
}

// Reader returns conn prefixed with any byte consumed by the monitor.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.conns[conn]
	if !ok || len(w.pending) == 0 {
		return conn
	}
	pending := w.pending
	w.pending = nil
	return io.MultiReader(bytes.NewReader(pending), conn)
}

// Resume lets the monitor of conn wait for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops tracking conn. Its monitor exits once the connection is
// closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all monitors.
func (e *Epoll) Close() error {
	e.closed.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll.
func socketFD(net.Conn) int {
	return -1
}
