package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/togedog/chat-app/internal/auth"
	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/chat"
)

const maxPageSize = 100

type messageView struct {
	MessageID    string `json:"message_id"`
	UserID       int64  `json:"user_id"`
	UserNickname string `json:"user_nickname"`
	Text         string `json:"text"`
	Time         string `json:"time"`
}

// ListMessages handles GET /chat/rooms/:room_id/messages. Pages count
// backwards from the newest message; each page is in chronological order.
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		detail(c, http.StatusUnprocessableEntity, "invalid page")
		return
	}
	pageSize := h.deps.HistoryPageSize
	if v := c.Query("page_size"); v != "" {
		pageSize, err = strconv.Atoi(v)
		if err != nil || pageSize <= 0 || pageSize > maxPageSize {
			detail(c, http.StatusUnprocessableEntity, "invalid page_size")
			return
		}
	}

	caller, _ := auth.IdentityFrom(c)
	if err := authz.RequireNotBanned(caller); err != nil {
		writeError(c, err)
		return
	}

	msgs, err := h.deps.History.List(c.Request.Context(), roomID, pageSize, page)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"page":    page,
		"messages": lo.Map(msgs, func(m chat.Message, _ int) messageView {
			return messageView{
				MessageID:    m.ID,
				UserID:       m.SenderID,
				UserNickname: m.SenderNickname,
				Text:         m.Text,
				Time:         m.DisplayTime,
			}
		}),
	})
}
