// Package api is the HTTP surface of the chat server: report submission,
// admin notices, chat history, health, metrics and the WebSocket handshake.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/togedog/chat-app/internal/auth"
	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/chat"
	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/notice"
	"github.com/togedog/chat-app/internal/ratelimit"
	"github.com/togedog/chat-app/internal/report"
	"github.com/togedog/chat-app/internal/ws"
)

// ReportService records report submissions.
type ReportService interface {
	ReportPost(ctx context.Context, reporter authz.Identity, postID int64, content string) (*report.Report, error)
	ReportComment(ctx context.Context, reporter authz.Identity, postID, commentID int64, content string) (*report.Report, error)
	ReportChatMessage(ctx context.Context, reporter authz.Identity, in report.ChatInput) (*report.Report, error)
}

// NoticeService reads and checks admin notices.
type NoticeService interface {
	Summary(ctx context.Context, caller authz.Identity) (notice.Summary, error)
	MarkChecked(ctx context.Context, caller authz.Identity, t notice.Target) error
}

// History pages through a room's stored messages.
type History interface {
	List(ctx context.Context, roomID int64, pageSize, page int) ([]chat.Message, error)
}

// Limiter throttles report submissions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Check probes a dependency for /health.
type Check func(ctx context.Context) error

// Deps wires the router. Limiter, Upgrade, Health, Joined and Checks are
// optional.
type Deps struct {
	Tokens          *auth.Manager
	Users           auth.Resolver
	Reports         ReportService
	Notices         NoticeService
	History         History
	Limiter         Limiter
	HistoryPageSize int
	Upgrade         http.HandlerFunc
	Health          func() ws.Health
	Joined          func() int
	Checks          map[string]Check
	MetricsHandler  http.Handler
}

// Handler holds the HTTP handlers.
type Handler struct {
	deps Deps
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps, logger zerolog.Logger) *gin.Engine {
	if deps.HistoryPageSize <= 0 {
		deps.HistoryPageSize = 10
	}
	h := &Handler{deps: deps}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(logger))

	r.GET("/health", h.Health)
	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	if deps.Upgrade != nil {
		r.GET("/ws", gin.WrapF(deps.Upgrade))
	}

	authed := r.Group("")
	authed.Use(auth.Middleware(deps.Tokens, deps.Users))

	authed.POST("/chat/report", h.ReportChat)
	authed.GET("/chat/rooms/:room_id/messages", h.ListMessages)
	authed.POST("/posts/:post_id/report", h.ReportPost)
	authed.POST("/posts/:post_id/comments/:comment_id/report", h.ReportComment)

	admin := authed.Group("/admin")
	admin.Use(auth.RequireAdmin())
	admin.GET("/notices", h.ListNotices)
	admin.POST("/notices", h.CheckNotices)

	return r
}

// Health reports liveness and the state of each configured dependency.
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.deps.Health != nil {
		hl := h.deps.Health()
		resp["connections"] = hl.Connections
		resp["uptime"] = hl.Uptime
	}
	if h.deps.Joined != nil {
		resp["joined"] = h.deps.Joined()
	}

	status := http.StatusOK
	if len(h.deps.Checks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(h.deps.Checks))
		for name, check := range h.deps.Checks {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				resp["status"] = "degraded"
				continue
			}
			checks[name] = "ok"
		}
		resp["checks"] = checks
	}
	c.JSON(status, resp)
}
