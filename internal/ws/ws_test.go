package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/protocol"
)

// pipeConn returns a server-side Connection over net.Pipe and the client end.
func pipeConn(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{ID: id, Conn: server, Fd: -1, CreatedAt: time.Now()}
	return c, client
}

func readEvent(t *testing.T, client net.Conn) map[string]interface{} {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(client)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantType string
		wantCode string
	}{
		{"ping", `{"type":"ping"}`, protocol.TypePong, ""},
		{"not json", `hello`, protocol.TypeError, protocol.CodeParseError},
		{"missing type", `{"room":1}`, protocol.TypeError, protocol.CodeParseError},
		{"unknown type", `{"type":"find_match"}`, protocol.TypeError, protocol.CodeUnsupportedType},
		{"bad join payload", `{"type":"join","room":"abc"}`, protocol.TypeError, protocol.CodeInvalidPayload},
		{"unregistered send", `{"type":"send_message","message":"hi"}`, protocol.TypeError, protocol.CodeUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewMessageDispatcher()
			c, client := pipeConn(t, "c1")

			go d.Dispatch(c, []byte(tt.frame))

			ev := readEvent(t, client)
			assert.Equal(t, tt.wantType, ev["type"])
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, ev["code"])
			}
		})
	}
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher()
	got := make(chan protocol.JoinMsg, 1)
	d.Register(protocol.TypeJoin, func(_ *Connection, msg interface{}) {
		got <- msg.(protocol.JoinMsg)
	})

	c, _ := pipeConn(t, "c1")
	d.Dispatch(c, []byte(`{"type":"join","room":"42","nickname":"Alice","userId":1}`))

	select {
	case m := <-got:
		assert.Equal(t, protocol.ID(42), m.Room)
		assert.Equal(t, "Alice", m.Nickname)
		assert.Equal(t, protocol.ID(1), m.UserID)
	default:
		t.Fatal("handler not called")
	}
}

func TestDispatch_PingTouchesConnection(t *testing.T) {
	d := NewMessageDispatcher()
	c, client := pipeConn(t, "c1")
	c.touch(time.Now().Add(-time.Hour))

	go d.Dispatch(c, []byte(`{"type":"ping"}`))
	readEvent(t, client)

	assert.WithinDuration(t, time.Now(), c.LastSeen(), time.Second)
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := pipeConn(t, "a")
	b, _ := pipeConn(t, "b")
	cm.Add(a)
	cm.Add(b)

	assert.Equal(t, 2, cm.Count())
	assert.Same(t, a, cm.Get("a"))
	assert.Same(t, b, cm.GetByConn(b.Conn))

	assert.True(t, cm.Remove("a"))
	assert.False(t, cm.Remove("a"))
	assert.Nil(t, cm.GetByConn(a.Conn))
	assert.Len(t, cm.All(), 1)
}

func TestHandleUpgrade_Refusals(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unauthenticated", fmt.Errorf("%w: token expired", authz.ErrUnauthenticated), http.StatusUnauthorized},
		{"banned", authz.ErrForbidden, http.StatusForbidden},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests},
		{"store down", io.ErrUnexpectedEOF, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), func(*http.Request, string) (int64, error) {
				return 0, tt.err
			}, nil)

			req := httptest.NewRequest(http.MethodGet, "/ws?userId=1", nil)
			rec := httptest.NewRecorder()
			s.HandleUpgrade(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Zero(t, s.Connections().Count())
		})
	}
}

func TestHandleUpgrade_Capacity(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 1
	s := NewServer(cfg, nil, nil)
	c, _ := pipeConn(t, "a")
	s.conns.Add(c)

	rec := httptest.NewRecorder()
	s.HandleUpgrade(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_EndToEnd(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
		gone     = make(chan string, 1)
	)
	d := NewMessageDispatcher()
	d.Register(protocol.TypeSendMessage, func(c *Connection, msg interface{}) {
		mu.Lock()
		received = append(received, msg.(protocol.SendMessageMsg).Message)
		mu.Unlock()
		Send(c, protocol.TypeAddMessage, protocol.AddMessageMsg{Text: "echo"})
	})

	s := NewServer(DefaultServerConfig(), func(r *http.Request, _ string) (int64, error) {
		return 7, nil
	}, d.Dispatch)
	s.SetOnDisconnect(func(connID string) { gone <- connID })
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	hs := httptest.NewServer(http.HandlerFunc(s.HandleUpgrade))
	t.Cleanup(hs.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws")
	require.NoError(t, err)
	var conn net.Conn = raw
	if br != nil {
		conn = bufferedConn{Conn: raw, r: io.MultiReader(br, raw)}
	}

	connected := readEvent(t, conn)
	assert.Equal(t, protocol.TypeConnected, connected["type"])
	assert.Equal(t, float64(7), connected["user_id"])
	connID, _ := connected["conn_id"].(string)
	require.NotEmpty(t, connID)

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)))
	assert.Equal(t, protocol.TypePong, readEvent(t, conn)["type"])

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"send_message","message":"hi","room":1}`)))
	assert.Equal(t, "echo", readEvent(t, conn)["text"])

	mu.Lock()
	assert.Equal(t, []string{"hi"}, received)
	mu.Unlock()
	assert.Equal(t, 1, s.Health().Connections)

	require.NoError(t, conn.Close())
	select {
	case id := <-gone:
		assert.Equal(t, connID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.Zero(t, s.Connections().Count())
}

// bufferedConn replays bytes the dialer read past the handshake.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func TestCheckConnections_EvictsIdle(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	var evicted []string
	s.SetOnDisconnect(func(id string) { evicted = append(evicted, id) })

	stale, _ := pipeConn(t, "stale")
	stale.touch(time.Now().Add(-time.Hour))
	s.conns.Add(stale)

	checkConnections(s, DefaultHeartbeatConfig(), time.Now())

	assert.Equal(t, []string{"stale"}, evicted)
	assert.Zero(t, s.Connections().Count())
}

func TestSendMessage_DropsStalledConnection(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	gone := make(chan string, 1)
	s.SetOnDisconnect(func(id string) { gone <- id })

	slow, _ := pipeConn(t, "slow")
	slow.writeTimeout = 50 * time.Millisecond
	s.conns.Add(slow)

	err := s.SendMessage("slow", []byte(`{"type":"add_message"}`))
	require.Error(t, err, "nobody reads the client end")

	select {
	case id := <-gone:
		assert.Equal(t, "slow", id)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled connection was not removed")
	}
	assert.Nil(t, s.Connections().Get("slow"))
}
