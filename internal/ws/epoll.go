//go:build linux

package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// Closing the epoll fd does not wake a blocked epoll_wait, so Wait polls
	// with this timeout to notice Close.
	waitTimeoutMs = 250
	readyEvents   = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
)

var errNoFD = errors.New("ws: connection has no file descriptor")

// Epoll reports registered connections that are readable or hung up. It is
// level-triggered: a connection stays ready until its data is consumed.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]net.Conn
	buf    []unix.EpollEvent
	closed atomic.Bool
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &Epoll{
		fd:   fd,
		byFd: make(map[int]net.Conn),
		buf:  make([]unix.EpollEvent, 128),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errNoFD
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ev := unix.EpollEvent{Events: readyEvents, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ws: epoll add fd %d: %w", fd, err)
	}
	e.byFd[fd] = conn
	return nil
}

// Remove stops watching conn. A descriptor the kernel already dropped, for
// example because the socket was closed first, is not an error.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byFd, fd)
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("ws: epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one connection is ready. It retries on EINTR
// and returns net.ErrClosed once Close has been called.
func (e *Epoll) Wait() ([]net.Conn, error) {
	for {
		if e.closed.Load() {
			return nil, net.ErrClosed
		}
		n, err := unix.EpollWait(e.fd, e.buf, waitTimeoutMs)
		if errors.Is(err, unix.EINTR) || (err == nil && n == 0) {
			continue
		}
		if err != nil {
			if e.closed.Load() {
				return nil, net.ErrClosed
			}
			return nil, fmt.Errorf("ws: epoll_wait: %w", err)
		}

		e.mu.RLock()
		ready := make([]net.Conn, 0, n)
		for _, ev := range e.buf[:n] {
			if conn, ok := e.byFd[int(ev.Fd)]; ok {
				ready = append(ready, conn)
			}
		}
		e.mu.RUnlock()
		if len(ready) > 0 {
			return ready, nil
		}
	}
}

// Reader returns the stream frames of conn are read from.
func (e *Epoll) Reader(conn net.Conn) io.Reader { return conn }

// Resume is a no-op: level-triggered epoll needs no re-arming.
func (e *Epoll) Resume(net.Conn) {}

// Close releases the epoll fd. Wait returns net.ErrClosed afterwards.
func (e *Epoll) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFd = make(map[int]net.Conn)
	return unix.Close(e.fd)
}

// socketFD returns the descriptor of conn without dup'ing it, or -1.
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
