package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/togedog/chat-app/internal/api"
	"github.com/togedog/chat-app/internal/auth"
	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/chat"
	"github.com/togedog/chat-app/internal/config"
	"github.com/togedog/chat-app/internal/database"
	"github.com/togedog/chat-app/internal/gateway"
	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/messaging"
	"github.com/togedog/chat-app/internal/metrics"
	"github.com/togedog/chat-app/internal/moderation"
	"github.com/togedog/chat-app/internal/notice"
	"github.com/togedog/chat-app/internal/protocol"
	"github.com/togedog/chat-app/internal/ratelimit"
	"github.com/togedog/chat-app/internal/report"
	"github.com/togedog/chat-app/internal/session"
	"github.com/togedog/chat-app/internal/user"
	"github.com/togedog/chat-app/internal/ws"
)

var serveCommand = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat WebSocket gateway and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), cfg)
	},
}

// backends holds every opened store so shutdown can close them in order.
type backends struct {
	pg       *sql.DB
	mongo    *mongo.Client
	messages *chat.MongoStore
	redis    *redis.Client
	bus      *messaging.NATSClient
}

func openBackends(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backends, error) {
	b := &backends{}

	pg, err := database.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	b.pg = pg

	client, db, err := database.OpenMongo(ctx, cfg.Mongo)
	if err != nil {
		b.close(ctx)
		return nil, err
	}
	b.mongo = client
	b.messages = chat.NewMongoStore(db)
	if err := b.messages.EnsureIndexes(ctx); err != nil {
		b.close(ctx)
		return nil, fmt.Errorf("ensure mongo indexes: %w", err)
	}

	if cfg.Redis.Enabled {
		rdb, err := database.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			b.close(ctx)
			return nil, err
		}
		b.redis = rdb
	} else {
		log.Warn().Msg("redis disabled, rate limiting is off")
	}

	if cfg.NATS.Enabled {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		bus, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			b.close(ctx)
			return nil, err
		}
		b.bus = bus
	} else {
		log.Warn().Msg("nats disabled, rooms are local to this instance")
	}
	return b, nil
}

func (b *backends) close(ctx context.Context) {
	if b.bus != nil {
		b.bus.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.mongo != nil {
		_ = b.mongo.Disconnect(ctx)
	}
	if b.pg != nil {
		_ = b.pg.Close()
	}
}

func (b *backends) checks() map[string]api.Check {
	checks := map[string]api.Check{
		"postgres": b.pg.PingContext,
		"mongo":    func(ctx context.Context) error { return b.mongo.Ping(ctx, nil) },
	}
	if b.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return b.redis.Ping(ctx).Err() }
	}
	if b.bus != nil {
		checks["nats"] = func(context.Context) error {
			if !b.bus.Connected() {
				return errors.New("nats: not connected")
			}
			return nil
		}
	}
	return checks
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.Component("server")

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close(context.Background())

	filter, err := buildFilter(cfg.Moderation)
	if err != nil {
		return err
	}
	log.Debug().Strs("banned_words", filter.Words()).Msg("moderation filter loaded")

	users := user.NewDirectory(b.pg)
	tokens := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL)
	reportStore := report.NewStore(b.pg)

	var (
		notifier   report.Notifier
		publisher  gateway.Publisher
		gwLimiter  gateway.Limiter
		apiLimiter api.Limiter
		limiter    *ratelimit.Limiter
	)
	if b.bus != nil {
		notifier = b.bus
		publisher = b.bus
	}
	if b.redis != nil {
		limiter = ratelimit.NewLimiter(b.redis)
		gwLimiter = limiter
		apiLimiter = limiter
	}

	reports := report.NewService(reportStore, users, b.messages, notifier, cfg.Chat.StoreTimeout)
	notices := notice.NewAggregator(reportStore)

	// Work started by a frame must outlive the shutdown signal so departures
	// are still persisted while connections drain.
	connCtx := context.WithoutCancel(ctx)

	var gw *gateway.Gateway
	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig(cfg.Server), func(r *http.Request, connID string) (int64, error) {
		if limiter != nil {
			if ok, _ := limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect); !ok {
				return 0, ws.ErrRateLimited
			}
		}
		req, err := connectRequest(r)
		if err != nil {
			return 0, err
		}
		id, err := gw.Connect(r.Context(), connID, req)
		return id.ID, err
	}, dispatcher.Dispatch)

	gw = gateway.New(gateway.Config{
		InstanceID:   instanceID(cfg.Chat.InstanceID),
		AdminLabel:   cfg.Chat.AdminLabel,
		StoreTimeout: cfg.Chat.StoreTimeout,
		RequireToken: cfg.Chat.RequireToken,
		MessageRule:  ratelimit.RuleMessage,
	}, gateway.Deps{
		Sender:    server,
		Store:     b.messages,
		Users:     users,
		Filter:    filter,
		Registry:  session.NewRegistry(),
		Tokens:    tokens,
		Publisher: publisher,
		Limiter:   gwLimiter,
	})
	server.SetOnDisconnect(func(connID string) { gw.Disconnect(connCtx, connID) })

	reply := func(conn *ws.Connection, err error) {
		switch {
		case err == nil:
		case errors.Is(err, gateway.ErrRateLimited):
			retry := time.Duration(0)
			if limiter != nil {
				retry = limiter.RetryAfter(connCtx, conn.ID, ratelimit.RuleMessage)
			}
			ws.Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: int(retry.Round(time.Second) / time.Second)})
		case errors.Is(err, gateway.ErrInvalidPayload):
			ws.SendError(conn, protocol.CodeInvalidPayload, err.Error())
		case errors.Is(err, gateway.ErrNotJoined):
			ws.SendError(conn, protocol.CodeNotJoined, "join a room first")
		case errors.Is(err, gateway.ErrNotAuthenticated):
			ws.SendError(conn, protocol.CodeNotAuthenticated, "connection is not authenticated")
		default:
			log.Error().Err(err).Str(logging.FieldConnID, conn.ID).Msg("frame handling failed")
			ws.SendError(conn, protocol.CodeInternal, "internal error")
		}
	}

	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.JoinMsg)
		reply(conn, gw.Join(connCtx, conn.ID, gateway.JoinRequest{
			RoomID:   int64(m.Room),
			Nickname: m.Nickname,
			MBTI:     m.MBTI,
			Image:    m.Image,
			UserID:   int64(m.UserID),
		}))
	})
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m := msg.(protocol.SendMessageMsg)
		reply(conn, gw.Send(connCtx, conn.ID, gateway.SendRequest{
			Text:       m.Message,
			RoomID:     int64(m.Room),
			ClientTime: m.CurrentTime,
			UserID:     int64(m.UserID),
		}))
	})

	if b.bus != nil {
		if err := b.bus.SubscribeRooms(gw.HandleRoomEvent); err != nil {
			return err
		}
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("start ws server: %w", err)
	}

	if !cfg.Log.Pretty {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Tokens:          tokens,
		Users:           users,
		Reports:         reports,
		Notices:         notices,
		History:         b.messages,
		Limiter:         apiLimiter,
		HistoryPageSize: cfg.Chat.HistoryPageSize,
		Upgrade:         server.HandleUpgrade,
		Health:          server.Health,
		Joined:          gw.Registry().Len,
		Checks:          b.checks(),
		MetricsHandler:  metrics.Handler(),
	}, logging.Component("http"))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Int("worker_pool", cfg.Server.WorkerPoolSize).
			Int("max_connections", cfg.Server.MaxConnections).
			Bool("nats", b.bus != nil).
			Bool("redis", b.redis != nil).
			Msg("chat server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ws shutdown")
	}
	log.Info().Msg("chat server stopped")
	return nil
}

func wsConfig(c config.ServerConfig) ws.ServerConfig {
	out := ws.DefaultServerConfig()
	out.WorkerPoolSize = c.WorkerPoolSize
	if c.MaxConnections > 0 {
		out.MaxConnections = c.MaxConnections
	}
	if c.ReadTimeout > 0 {
		out.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		out.WriteTimeout = c.WriteTimeout
	}
	return out
}

// connectRequest reads the handshake: userId from the query, the token from
// the query or an Authorization header.
func connectRequest(r *http.Request) (gateway.ConnectRequest, error) {
	q := r.URL.Query()
	var req gateway.ConnectRequest
	if v := q.Get("userId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, fmt.Errorf("%w: invalid userId", authz.ErrUnauthenticated)
		}
		req.UserID = id
	}
	req.Token = q.Get("token")
	if req.Token == "" {
		req.Token = auth.BearerToken(r)
	}
	return req, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func instanceID(configured string) string {
	if configured != "" {
		return configured
	}
	host, _ := os.Hostname()
	return lo.Ternary(host == "", "chat", host) + "-" + uuid.NewString()[:8]
}

func buildFilter(c config.ModerationConfig) (*moderation.Filter, error) {
	words := c.BannedWords
	if c.WordsFile != "" {
		extra, err := moderation.LoadWordsFile(c.WordsFile)
		if err != nil {
			return nil, err
		}
		words = append(words, extra...)
	}
	if len(words) == 0 {
		words = moderation.DefaultBannedWords
	}
	mask := []rune(c.Mask)
	return moderation.NewFilter(lo.Uniq(words), mask[0]), nil
}
