package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/common"
	"github.com/suPer8Hu/gopherchat/internal/httpapi/middleware"
)

type Handler struct {
	ChatSvc   *chat.Service
	Log       *logrus.Entry
	Heartbeat time.Duration
}

func NewHandler(svc *chat.Service, log *logrus.Entry, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{ChatSvc: svc, Log: log.WithField("component", "http"), Heartbeat: heartbeat}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

// writeDomainError maps service errors onto the response envelope.
func (h *Handler) writeDomainError(c *gin.Context, err error) {
	var upErr *chat.UpstreamError
	switch {
	case errors.Is(err, chat.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 40001, err.Error())
	case errors.Is(err, chat.ErrModelUnavailable):
		common.Fail(c, http.StatusBadRequest, 40002, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, err.Error())
	case errors.Is(err, chat.ErrConversationBusy):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.As(err, &upErr):
		common.Fail(c, http.StatusInternalServerError, 50201, upErr.Public)
	default:
		h.Log.WithError(err).WithField("path", c.FullPath()).Error("unhandled error")
		common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
	}
}
