package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleSend(c *gin.Context) {
	var request sendPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "type")
		return
	}
	messageType, err := chat.ParseMessageType(request.Type)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "code": "message.send.type_unsupported", "field": "type"})
		return
	}
	view, err := h.chat.Send(c.Request.Context(), chat.SendRequest{
		ConversationID: c.Param("id"),
		SenderID:       currentUserID(c),
		Type:           messageType,
		Payload: chat.MessagePayload{
			Content:         request.Content,
			MediaRef:        request.MediaRef,
			ThumbnailRef:    request.ThumbnailRef,
			DurationSeconds: request.DurationSeconds,
			FileName:        request.FileName,
			FileSize:        request.FileSize,
		},
		ReplyToMessageID: request.ReplyToMessageID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	var beforeSeq int64
	if raw := strings.TrimSpace(c.Query("before_seq")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			invalidRequest(c, "before_seq")
			return
		}
		beforeSeq = parsed
	}
	page, err := h.chat.History(c.Request.Context(), chat.HistoryRequest{
		ConversationID: c.Param("id"),
		ViewerID:       currentUserID(c),
		BeforeSeq:      beforeSeq,
		PageSize:       queryInt(c, "page_size"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	var request markReadPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "upto_seq")
		return
	}
	conversationID := c.Param("id")
	userID := currentUserID(c)

	var (
		result chat.ReadResult
		err    error
	)
	switch {
	case strings.TrimSpace(request.MessageID) != "":
		result, err = h.chat.MarkReadUpTo(c.Request.Context(), conversationID, userID, request.MessageID)
	case request.UptoSeq != nil:
		result, err = h.chat.MarkRead(c.Request.Context(), conversationID, userID, *request.UptoSeq)
	default:
		invalidRequest(c, "upto_seq")
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleGetMessage(c *gin.Context) {
	view, err := h.chat.MessageByID(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleRecall(c *gin.Context) {
	view, err := h.chat.Recall(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	if err := h.chat.DeleteForMe(c.Request.Context(), c.Param("id"), currentUserID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
