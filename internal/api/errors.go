package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/notice"
	"github.com/togedog/chat-app/internal/report"
)

// writeError maps a service error to a status and a {message} or {detail}
// body. Unclassified errors are logged and answered with 500.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, authz.ErrUnauthenticated):
		detail(c, http.StatusUnauthorized, authz.Message(err))
	case errors.Is(err, authz.ErrForbidden):
		detail(c, http.StatusForbidden, authz.Message(err))
	case errors.Is(err, report.ErrInvalidContent), errors.Is(err, notice.ErrInvalidTarget):
		detail(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, report.ErrMessageNotFound):
		message(c, http.StatusBadRequest, "message not found")
	case errors.Is(err, report.ErrReportedUserMismatch):
		message(c, http.StatusBadRequest, "reported user is not the message sender")
	case errors.Is(err, report.ErrPostNotFound):
		message(c, http.StatusNotFound, "post does not exist")
	case errors.Is(err, report.ErrCommentNotFound):
		message(c, http.StatusNotFound, "comment does not exist")
	case errors.Is(err, report.ErrNotFound):
		message(c, http.StatusNotFound, "notices not found")
	default:
		log := logging.Ctx(c.Request.Context())
		log.Error().Err(err).Msg("request failed")
		_ = c.Error(err)
		message(c, http.StatusInternalServerError, "internal server error")
	}
}

func message(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"message": msg})
}

func detail(c *gin.Context, status int, d string) {
	c.JSON(status, gin.H{"detail": d})
}

func success(c *gin.Context) {
	message(c, http.StatusOK, "success")
}
