// Package messaging wraps NATS for traffic between chat-app instances:
// room broadcasts fanned out to every gateway, and new-report notices for
// admin tooling.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/togedog/chat-app/internal/chat"
	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/report"
)

// NATS subjects.
const (
	SubjectRoom    = "chat.room"   // + .<room_id>
	SubjectRoomAll = "chat.room.*" // every room
	SubjectNotice  = "notice.report"
)

// RoomSubject returns the subject room broadcasts for roomID go to.
func RoomSubject(roomID int64) string {
	return SubjectRoom + "." + strconv.FormatInt(roomID, 10)
}

// NATSClient wraps a NATS connection and tracks its subscriptions.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns the default settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "togedog-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS. It fails if the first connection attempt
// fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := logging.Component("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("async error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Connected reports whether the client currently has a server connection.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Publish sends data to subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler for subject and keeps the subscription for
// Close.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// PublishRoom publishes a room broadcast to chat.room.<room_id>.
func (c *NATSClient) PublishRoom(ev chat.RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: encode room event: %w", err)
	}
	return c.Publish(RoomSubject(ev.RoomID), data)
}

// SubscribeRooms delivers every room broadcast, from every instance, to
// handler. Undecodable events are logged and dropped.
func (c *NATSClient) SubscribeRooms(handler func(chat.RoomEvent)) error {
	return c.Subscribe(SubjectRoomAll, func(msg *nats.Msg) {
		ev, err := DecodeRoomEvent(msg.Data)
		if err != nil {
			c.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping room event")
			return
		}
		handler(ev)
	})
}

// DecodeRoomEvent parses a room broadcast.
func DecodeRoomEvent(data []byte) (chat.RoomEvent, error) {
	var ev chat.RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return chat.RoomEvent{}, fmt.Errorf("nats: decode room event: %w", err)
	}
	if ev.RoomID <= 0 || len(ev.Payload) == 0 {
		return chat.RoomEvent{}, errors.New("nats: room event without room or payload")
	}
	return ev, nil
}

// PublishReport announces a stored report on notice.report.
func (c *NATSClient) PublishReport(_ context.Context, r report.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("nats: encode report: %w", err)
	}
	return c.Publish(SubjectNotice, data)
}

// SubscribeReports delivers every report announced on notice.report.
func (c *NATSClient) SubscribeReports(handler func(report.Report)) error {
	return c.Subscribe(SubjectNotice, func(msg *nats.Msg) {
		r, err := DecodeReport(msg.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping report notice")
			return
		}
		handler(r)
	})
}

// DecodeReport parses a notice.report payload.
func DecodeReport(data []byte) (report.Report, error) {
	var r report.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return report.Report{}, fmt.Errorf("nats: decode report: %w", err)
	}
	if !r.Kind.Valid() {
		return report.Report{}, fmt.Errorf("nats: report with unknown kind %q", r.Kind)
	}
	return r, nil
}

// Close drains every subscription and the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}
}
