package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/common"
)

type conversationWithMessages struct {
	*chat.Conversation
	Messages []chat.Message `json:"messages"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var in chat.CreateConversationInput
	// allow empty body
	if err := c.ShouldBindJSON(&in); err != nil && !errors.Is(err, io.EOF) {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := h.ChatSvc.CreateConversation(c.Request.Context(), uid, in)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	common.OK(c, conv)
}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	convs, err := h.ChatSvc.ListConversations(c.Request.Context(), uid)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	common.OK(c, convs)
}

func (h *Handler) GetConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	conv, msgs, err := h.ChatSvc.GetConversationWithMessages(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	common.OK(c, conversationWithMessages{Conversation: conv, Messages: msgs})
}

func (h *Handler) UpdateConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	var in chat.UpdateConversationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := h.ChatSvc.UpdateConversation(c.Request.Context(), uid, c.Param("id"), in)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	common.OK(c, conv)
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteConversation(c.Request.Context(), uid, c.Param("id")); err != nil {
		h.writeDomainError(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}
	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	common.OK(c, msgs)
}
