package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/gopherchat/internal/common"
)

func (h *Handler) ListActiveModels(c *gin.Context) {
	ms, err := h.ChatSvc.ListActiveModels(c.Request.Context())
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	common.OK(c, ms)
}
