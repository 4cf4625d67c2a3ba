// Package gateway implements the chat connection state machine: handshake
// authentication, room join and leave, and relaying censored messages to
// every member of a room.
//
// A connection moves Connecting -> Authenticated -> Joined -> Closed. Events
// for one connection are processed one at a time; different connections are
// handled concurrently.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/chat"
	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/metrics"
	"github.com/togedog/chat-app/internal/moderation"
	"github.com/togedog/chat-app/internal/protocol"
	"github.com/togedog/chat-app/internal/ratelimit"
	"github.com/togedog/chat-app/internal/session"
	"github.com/togedog/chat-app/internal/user"
)

// State of a connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrInvalidPayload   = errors.New("gateway: invalid payload")
	ErrNotAuthenticated = errors.New("gateway: connection not authenticated")
	ErrNotJoined        = errors.New("gateway: connection has not joined a room")
	ErrRateLimited      = errors.New("gateway: rate limited")
	ErrUnknownUser      = fmt.Errorf("%w: user not found", authz.ErrUnauthenticated)
	ErrUpstream         = errors.New("gateway: upstream unavailable")
)

// Sender writes a frame to a live connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// MessageStore persists chat messages and room membership records.
type MessageStore interface {
	Save(ctx context.Context, roomID, senderID int64, nickname, text string) (string, error)
	AddRoomMember(ctx context.Context, roomID, userID int64) error
	RemoveRoomMember(ctx context.Context, roomID, userID int64) error
}

// UserResolver loads identities.
type UserResolver interface {
	Resolve(ctx context.Context, userID int64) (authz.Identity, error)
}

// TokenVerifier turns an access token into a user id.
type TokenVerifier interface {
	Parse(token string) (int64, error)
}

// Publisher fans room broadcasts out to other gateway instances.
type Publisher interface {
	PublishRoom(ev chat.RoomEvent) error
}

// Limiter throttles chat sends.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config tunes a Gateway.
type Config struct {
	InstanceID   string
	AdminLabel   string
	StoreTimeout time.Duration
	RequireToken bool
	MessageRule  ratelimit.Rule
}

// Deps are the collaborators of a Gateway. Tokens, Publisher and Limiter
// are optional.
type Deps struct {
	Sender    Sender
	Store     MessageStore
	Users     UserResolver
	Filter    *moderation.Filter
	Registry  *session.Registry
	Tokens    TokenVerifier
	Publisher Publisher
	Limiter   Limiter
}

// ConnectRequest is the handshake payload.
type ConnectRequest struct {
	UserID int64
	Token  string
}

// JoinRequest asks to enter a room. UserID, when set, must match the
// authenticated user.
type JoinRequest struct {
	RoomID   int64
	Nickname string
	MBTI     string
	Image    string
	UserID   int64
}

// SendRequest is a chat line. Nickname, MBTI and Image are taken from the
// membership recorded at join; RoomID, when set, must match it.
type SendRequest struct {
	Text       string
	RoomID     int64
	ClientTime string
	UserID     int64
}

type conn struct {
	mu       sync.Mutex
	state    State
	identity authz.Identity
}

// Gateway is the chat state machine. It is safe for concurrent use.
type Gateway struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	mu    sync.RWMutex
	conns map[string]*conn
}

// New creates a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Filter == nil {
		deps.Filter = moderation.NewFilter(nil, 0)
	}
	return &Gateway{
		cfg:   cfg,
		deps:  deps,
		log:   logging.Component("gateway"),
		now:   time.Now,
		conns: make(map[string]*conn),
	}
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *session.Registry { return g.deps.Registry }

// State reports the state of connID. Unknown connections are Closed.
func (g *Gateway) State(connID string) State {
	c := g.lookup(connID)
	if c == nil {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect authenticates a new connection. On error the connection must be
// refused; no later event is accepted for connID.
func (g *Gateway) Connect(ctx context.Context, connID string, req ConnectRequest) (authz.Identity, error) {
	userID := req.UserID
	switch {
	case req.Token != "" && g.deps.Tokens != nil:
		tokenUser, err := g.deps.Tokens.Parse(req.Token)
		if err != nil {
			return authz.Identity{}, err
		}
		if userID != 0 && userID != tokenUser {
			return authz.Identity{}, fmt.Errorf("%w: token does not match user id", authz.ErrUnauthenticated)
		}
		userID = tokenUser
	case g.cfg.RequireToken:
		return authz.Identity{}, fmt.Errorf("%w: token required", authz.ErrUnauthenticated)
	}
	if userID <= 0 {
		return authz.Identity{}, fmt.Errorf("%w: missing user id", authz.ErrUnauthenticated)
	}

	rctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	id, err := g.deps.Users.Resolve(rctx, userID)
	cancel()
	if errors.Is(err, user.ErrNotFound) {
		return authz.Identity{}, ErrUnknownUser
	}
	if err != nil {
		return authz.Identity{}, fmt.Errorf("%w: resolve user %d: %v", ErrUpstream, userID, err)
	}
	if err := authz.RequireNotBanned(id); err != nil {
		return authz.Identity{}, err
	}

	g.mu.Lock()
	g.conns[connID] = &conn{state: StateAuthenticated, identity: id}
	g.mu.Unlock()

	g.log.Debug().Str(logging.FieldConnID, connID).Int64(logging.FieldUserID, id.ID).Msg("connection authenticated")
	return id, nil
}

// Join places the connection in a room and announces it to every member,
// the joining connection included. Joining another room while already
// joined leaves the previous room first.
func (g *Gateway) Join(ctx context.Context, connID string, req JoinRequest) error {
	c := g.lookup(connID)
	if c == nil {
		return ErrNotAuthenticated
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAuthenticated && c.state != StateJoined {
		return ErrNotAuthenticated
	}
	if req.RoomID <= 0 {
		return fmt.Errorf("%w: room is required", ErrInvalidPayload)
	}
	if req.Nickname == "" {
		return fmt.Errorf("%w: nickname is required", ErrInvalidPayload)
	}
	if req.UserID != 0 && req.UserID != c.identity.ID {
		return fmt.Errorf("%w: userId does not match the connection", ErrInvalidPayload)
	}

	m := session.Membership{
		ConnID:   connID,
		RoomID:   req.RoomID,
		Nickname: req.Nickname,
		UserID:   c.identity.ID,
		MBTI:     req.MBTI,
		Image:    req.Image,
		JoinedAt: g.now(),
	}
	prev, had := g.deps.Registry.Join(m)
	if had && prev.RoomID != m.RoomID {
		g.departed(ctx, prev)
	}
	c.state = StateJoined

	if !had || prev.RoomID != m.RoomID {
		g.storeCall(ctx, "add room member", m, func(ctx context.Context) error {
			return g.deps.Store.AddRoomMember(ctx, m.RoomID, m.UserID)
		})
	}
	metrics.RoomsActive.Set(float64(g.deps.Registry.Rooms()))

	g.log.Info().Str(logging.FieldConnID, connID).Int64(logging.FieldRoomID, m.RoomID).
		Int64(logging.FieldUserID, m.UserID).Msg("joined room")
	g.broadcast(m.RoomID, g.systemMessage(m.Nickname+" joined"))
	return nil
}

// Send censors, persists and broadcasts a chat line. A failed save is logged
// and the line is still broadcast, without a message id.
func (g *Gateway) Send(ctx context.Context, connID string, req SendRequest) error {
	start := g.now()

	c := g.lookup(connID)
	if c == nil {
		return ErrNotAuthenticated
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateJoined {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		if c.state == StateAuthenticated {
			return ErrNotJoined
		}
		return ErrNotAuthenticated
	}
	m, ok := g.deps.Registry.Get(connID)
	if !ok {
		return ErrNotJoined
	}
	if req.RoomID != 0 && req.RoomID != m.RoomID {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: room %d is not the joined room", ErrInvalidPayload, req.RoomID)
	}
	if req.UserID != 0 && req.UserID != m.UserID {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: userId does not match the connection", ErrInvalidPayload)
	}
	if err := chat.ValidateMessage(req.Text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if g.deps.Limiter != nil {
		allowed, _ := g.deps.Limiter.Allow(ctx, connID, g.cfg.MessageRule)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			return ErrRateLimited
		}
	}

	text := g.deps.Filter.Censor(req.Text)
	if text != req.Text {
		metrics.MessagesTotal.WithLabelValues("censored").Inc()
	}

	var messageID string
	g.storeCall(ctx, "save message", m, func(ctx context.Context) error {
		id, err := g.deps.Store.Save(ctx, m.RoomID, m.UserID, m.Nickname, text)
		messageID = id
		return err
	})
	if messageID == "" {
		metrics.MessagesTotal.WithLabelValues("persist_failed").Inc()
	}

	g.broadcast(m.RoomID, protocol.AddMessageMsg{
		UserNickname: m.Nickname,
		UserID:       m.UserID,
		UserMBTI:     m.MBTI,
		UserImage:    m.Image,
		Text:         text,
		MessageID:    messageID,
		Time:         req.ClientTime,
	})

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessageLatency.Observe(g.now().Sub(start).Seconds())
	return nil
}

// Disconnect closes the connection. If it had joined a room, the room is
// told it left. Disconnecting an unknown or never-joined connection is a
// no-op.
func (g *Gateway) Disconnect(ctx context.Context, connID string) {
	g.mu.Lock()
	c, ok := g.conns[connID]
	delete(g.conns, connID)
	g.mu.Unlock()

	if ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.state = StateClosed
	}

	m, joined := g.deps.Registry.Leave(connID)
	if !joined {
		return
	}
	g.departed(ctx, m)
	metrics.RoomsActive.Set(float64(g.deps.Registry.Rooms()))
}

// Deliver writes an already-encoded broadcast to the local members of a room.
func (g *Gateway) Deliver(roomID int64, data []byte) {
	for _, m := range g.deps.Registry.Members(roomID) {
		if err := g.deps.Sender.SendMessage(m.ConnID, data); err != nil {
			g.log.Debug().Err(err).Str(logging.FieldConnID, m.ConnID).Int64(logging.FieldRoomID, roomID).
				Msg("deliver failed")
		}
	}
}

// HandleRoomEvent delivers a broadcast published by another instance.
// Events published by this instance are ignored; they were delivered
// locally already.
func (g *Gateway) HandleRoomEvent(ev chat.RoomEvent) {
	if ev.Origin == g.cfg.InstanceID {
		return
	}
	g.Deliver(ev.RoomID, ev.Payload)
}

// departed announces that m left its room and drops the user's room record
// once no other local connection of theirs remains there.
func (g *Gateway) departed(ctx context.Context, m session.Membership) {
	g.log.Info().Str(logging.FieldConnID, m.ConnID).Int64(logging.FieldRoomID, m.RoomID).
		Int64(logging.FieldUserID, m.UserID).Msg("left room")

	g.broadcast(m.RoomID, g.systemMessage(m.Nickname+" left"))

	if g.deps.Registry.UserConnections(m.RoomID, m.UserID) == 0 {
		g.storeCall(ctx, "remove room member", m, func(ctx context.Context) error {
			return g.deps.Store.RemoveRoomMember(ctx, m.RoomID, m.UserID)
		})
	}
}

func (g *Gateway) systemMessage(text string) protocol.AddMessageMsg {
	return protocol.AddMessageMsg{
		UserNickname: g.cfg.AdminLabel,
		Text:         text,
		Time:         g.now().UTC().Format(chat.DisplayLayout),
		System:       true,
	}
}

func (g *Gateway) broadcast(roomID int64, msg protocol.AddMessageMsg) {
	data, err := protocol.NewServerMessage(protocol.TypeAddMessage, msg)
	if err != nil {
		g.log.Error().Err(err).Int64(logging.FieldRoomID, roomID).Msg("encode broadcast failed")
		return
	}

	g.Deliver(roomID, data)

	if g.deps.Publisher != nil {
		ev := chat.RoomEvent{RoomID: roomID, Origin: g.cfg.InstanceID, Payload: json.RawMessage(data)}
		if err := g.deps.Publisher.PublishRoom(ev); err != nil {
			g.log.Warn().Err(err).Int64(logging.FieldRoomID, roomID).Msg("room fan-out failed")
		}
	}
}

// storeCall runs fn with the store timeout. Failures are logged, never
// returned: chat keeps flowing when the store is down.
func (g *Gateway) storeCall(ctx context.Context, op string, m session.Membership, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.StoreTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		g.log.Error().Err(err).Str("op", op).Str(logging.FieldConnID, m.ConnID).
			Int64(logging.FieldRoomID, m.RoomID).Int64(logging.FieldUserID, m.UserID).
			Msg("message store call failed")
	}
}

func (g *Gateway) lookup(connID string) *conn {
	g.mu.RLock()
	c := g.conns[connID]
	g.mu.RUnlock()
	return c
}
