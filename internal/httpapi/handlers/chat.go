package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/common"
	"github.com/suPer8Hu/gopherchat/internal/sse"
)

// SendMessageStream relays one exchange as server-sent events. Failures before
// the first frame are answered with the JSON envelope; later failures are sent
// in-band as an error frame.
func (h *Handler) SendMessageStream(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		return
	}

	var req chat.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	st, err := h.ChatSvc.SendMessageStream(ctx, uid, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.writeDomainError(c, err)
		return
	}

	sse.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	w := sse.NewWriter(c.Writer)

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()

	chunks := st.Chunks()
	for {
		select {
		case text, ok := <-chunks:
			if !ok {
				<-st.Done()
				h.finish(c, w, st)
				return
			}
			if err := w.Chunk(text); err != nil {
				return
			}

		case <-ticker.C:
			if err := w.Heartbeat(); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) finish(c *gin.Context, w *sse.Writer, st *chat.Stream) {
	err := st.Err()
	switch {
	case err == nil:
		_ = w.Done()
	case c.Request.Context().Err() != nil:
	default:
		var upErr *chat.UpstreamError
		msg := "AI response failed"
		if errors.As(err, &upErr) {
			msg = upErr.Public
		}
		_ = w.Error(msg)
	}
}
