package messaging

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/togedog/chat-app/internal/chat"
	"github.com/togedog/chat-app/internal/report"
)

func TestRoomSubject(t *testing.T) {
	assert.Equal(t, "chat.room.42", RoomSubject(42))
}

func TestDecodeRoomEvent(t *testing.T) {
	ev, err := DecodeRoomEvent([]byte(`{"room_id":42,"origin":"a","payload":{"type":"add_message","text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), ev.RoomID)
	assert.Equal(t, "a", ev.Origin)
	assert.JSONEq(t, `{"type":"add_message","text":"hi"}`, string(ev.Payload))

	for _, bad := range []string{`nope`, `{"room_id":0,"payload":{}}`, `{"room_id":3}`} {
		_, err := DecodeRoomEvent([]byte(bad))
		assert.Error(t, err, bad)
	}
}

// newTestClient connects to TEST_NATS_URL or skips.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	c, err := NewNATSClient(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestRoomFanOut(t *testing.T) {
	a := newTestClient(t)
	b := newTestClient(t)

	got := make(chan chat.RoomEvent, 1)
	require.NoError(t, b.SubscribeRooms(func(ev chat.RoomEvent) { got <- ev }))
	require.NoError(t, b.conn.Flush())

	want := chat.RoomEvent{RoomID: 7, Origin: "node-a", Payload: json.RawMessage(`{"text":"hi"}`)}
	require.NoError(t, a.PublishRoom(want))

	select {
	case ev := <-got:
		assert.Equal(t, want.RoomID, ev.RoomID)
		assert.Equal(t, want.Origin, ev.Origin)
		assert.JSONEq(t, string(want.Payload), string(ev.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("room event not received")
	}
}

func TestDecodeReport(t *testing.T) {
	r, err := DecodeReport([]byte(`{"id":9,"kind":"comment_report","reported_user_id":2,"target_id":14,"content":"rude"}`))
	require.NoError(t, err)
	assert.Equal(t, report.KindComment, r.Kind)
	assert.Equal(t, int64(14), r.TargetID)

	_, err = DecodeReport([]byte(`{"id":9,"kind":"video"}`))
	assert.Error(t, err)
	_, err = DecodeReport([]byte(`[]`))
	assert.Error(t, err)
}

func TestPublishReport(t *testing.T) {
	c := newTestClient(t)

	got := make(chan report.Report, 1)
	require.NoError(t, c.SubscribeReports(func(r report.Report) { got <- r }))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.PublishReport(context.Background(), report.Report{ID: 3, Kind: report.KindChat, Content: "spam"}))

	select {
	case r := <-got:
		assert.Equal(t, int64(3), r.ID)
		assert.Equal(t, report.KindChat, r.Kind)
		assert.Equal(t, "spam", r.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("report notice not received")
	}
}
