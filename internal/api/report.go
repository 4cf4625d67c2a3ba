package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/togedog/chat-app/internal/auth"
	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/protocol"
	"github.com/togedog/chat-app/internal/ratelimit"
	"github.com/togedog/chat-app/internal/report"
)

type chatReportRequest struct {
	ReportedUserID protocol.ID `json:"reported_user_id"`
	MessageID      string      `json:"message_id"`
	MessageText    string      `json:"message_text"`
	Content        string      `json:"content"`
}

type contentRequest struct {
	Content string `json:"content"`
}

// ReportChat handles POST /chat/report.
func (h *Handler) ReportChat(c *gin.Context) {
	var req chatReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.MessageID == "" {
		detail(c, http.StatusUnprocessableEntity, "message_id is required")
		return
	}

	caller, ok := h.reporter(c)
	if !ok {
		return
	}

	_, err := h.deps.Reports.ReportChatMessage(c.Request.Context(), caller, report.ChatInput{
		ReportedUserID: int64(req.ReportedUserID),
		MessageID:      req.MessageID,
		MessageText:    req.MessageText,
		Content:        req.Content,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	success(c)
}

// ReportPost handles POST /posts/:post_id/report.
func (h *Handler) ReportPost(c *gin.Context) {
	postID, ok := pathID(c, "post_id")
	if !ok {
		return
	}
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	caller, ok := h.reporter(c)
	if !ok {
		return
	}

	if _, err := h.deps.Reports.ReportPost(c.Request.Context(), caller, postID, req.Content); err != nil {
		writeError(c, err)
		return
	}
	success(c)
}

// ReportComment handles POST /posts/:post_id/comments/:comment_id/report.
func (h *Handler) ReportComment(c *gin.Context) {
	postID, ok := pathID(c, "post_id")
	if !ok {
		return
	}
	commentID, ok := pathID(c, "comment_id")
	if !ok {
		return
	}
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	caller, ok := h.reporter(c)
	if !ok {
		return
	}

	if _, err := h.deps.Reports.ReportComment(c.Request.Context(), caller, postID, commentID, req.Content); err != nil {
		writeError(c, err)
		return
	}
	success(c)
}

// reporter returns the caller, refusing banned users and callers over the
// report rate limit. It writes the response when it returns false.
func (h *Handler) reporter(c *gin.Context) (authz.Identity, bool) {
	caller, ok := auth.IdentityFrom(c)
	if !ok {
		detail(c, http.StatusUnauthorized, "authorization required")
		return authz.Identity{}, false
	}
	if err := authz.RequireNotBanned(caller); err != nil {
		writeError(c, err)
		return authz.Identity{}, false
	}

	if h.deps.Limiter != nil {
		key := strconv.FormatInt(caller.ID, 10)
		allowed, _ := h.deps.Limiter.Allow(c.Request.Context(), key, ratelimit.RuleReport)
		if !allowed {
			retry := h.deps.Limiter.RetryAfter(c.Request.Context(), key, ratelimit.RuleReport)
			c.Header("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
			message(c, http.StatusTooManyRequests, "too many reports")
			return authz.Identity{}, false
		}
	}
	return caller, true
}

// pathID parses a positive integer path parameter, answering 422 otherwise.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		detail(c, http.StatusUnprocessableEntity, "invalid "+name)
		return 0, false
	}
	return id, true
}
