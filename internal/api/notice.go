package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/togedog/chat-app/internal/auth"
	"github.com/togedog/chat-app/internal/notice"
)

// ListNotices handles GET /admin/notices.
func (h *Handler) ListNotices(c *gin.Context) {
	caller, _ := auth.IdentityFrom(c)
	summary, err := h.deps.Notices.Summary(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// CheckNotices handles POST /admin/notices. The target comes from a JSON
// body {type, id}, or from the query string when no body is sent.
func (h *Handler) CheckNotices(c *gin.Context) {
	typ, id, err := noticeTarget(c)
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	target, err := notice.ParseTarget(typ, id)
	if err != nil {
		writeError(c, err)
		return
	}

	caller, _ := auth.IdentityFrom(c)
	if err := h.deps.Notices.MarkChecked(c.Request.Context(), caller, target); err != nil {
		writeError(c, err)
		return
	}
	success(c)
}

// noticeTarget reads type and id. id may be a JSON number or a string.
func noticeTarget(c *gin.Context) (typ, id string, err error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		return "", "", err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return c.Query("type"), c.Query("id"), nil
	}

	var req struct {
		Type string          `json:"type"`
		ID   json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", "", err
	}

	raw := bytes.TrimSpace(req.ID)
	switch {
	case len(raw) == 0:
		return req.Type, "", nil
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", "", err
		}
		return req.Type, id, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", "", err
		}
		if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
			return "", "", err
		}
		return req.Type, n.String(), nil
	}
}
