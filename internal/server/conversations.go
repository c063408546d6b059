package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/inbox"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	var request createConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "kind")
		return
	}
	kind, err := chat.ParseConversationKind(request.Kind)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "code": "conversation.create.kind_unsupported", "field": "kind"})
		return
	}

	userID := currentUserID(c)
	result, err := h.chat.CreateConversation(c.Request.Context(), chat.CreateConversationRequest{
		Kind:        kind,
		CreatorID:   userID,
		MemberIDs:   request.MemberIDs,
		Title:       request.Title,
		Description: request.Description,
		AvatarRef:   request.AvatarRef,
		OrderRef:    request.OrderRef,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	view, err := h.chat.Conversation(c.Request.Context(), result.Conversation.ID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := newConversationResponse(view)
	response.Created = result.Created
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, response)
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	request := inbox.ListRequest{
		Page:     queryInt(c, "page"),
		PageSize: queryInt(c, "page_size"),
	}
	if raw := strings.TrimSpace(c.Query("archived")); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			invalidRequest(c, "archived")
			return
		}
		request.Archived = &archived
	}
	page, err := h.inbox.List(c.Request.Context(), currentUserID(c), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleSearchConversations(c *gin.Context) {
	items, err := h.inbox.Search(c.Request.Context(), currentUserID(c), c.Query("q"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleGetConversation(c *gin.Context) {
	view, err := h.chat.Conversation(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConversationResponse(view))
}

func (h *httpHandler) handleUpdateConversation(c *gin.Context) {
	var request updateConversationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "")
		return
	}
	userID := currentUserID(c)
	conversationID := c.Param("id")
	if _, err := h.chat.UpdateInfo(c.Request.Context(), chat.UpdateInfoRequest{
		ConversationID: conversationID,
		ActorID:        userID,
		Title:          request.Title,
		Description:    request.Description,
		AvatarRef:      request.AvatarRef,
	}); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithConversation(c, conversationID, userID)
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	var request invitePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "user_ids")
		return
	}
	added, err := h.chat.Invite(c.Request.Context(), c.Param("id"), currentUserID(c), request.UserIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

func (h *httpHandler) handleRemove(c *gin.Context) {
	if err := h.chat.Remove(c.Request.Context(), c.Param("id"), currentUserID(c), c.Param("userId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSetRole(c *gin.Context) {
	var request rolePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "role")
		return
	}
	role, err := chat.ParseRole(request.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "code": "conversation.set_role.role_unsupported", "field": "role"})
		return
	}
	if err := h.chat.SetRole(c.Request.Context(), c.Param("id"), currentUserID(c), c.Param("userId"), role); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleTransferOwnership(c *gin.Context) {
	var request ownerPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "user_id")
		return
	}
	if err := h.chat.TransferOwnership(c.Request.Context(), c.Param("id"), currentUserID(c), request.UserID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	if err := h.chat.Leave(c.Request.Context(), c.Param("id"), currentUserID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleArchive(c *gin.Context) {
	h.respondWithOverlay(c, func() (chat.ViewerOverlay, error) {
		return h.chat.Archive(c.Request.Context(), c.Param("id"), currentUserID(c))
	})
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	h.respondWithOverlay(c, func() (chat.ViewerOverlay, error) {
		return h.chat.Restore(c.Request.Context(), c.Param("id"), currentUserID(c))
	})
}

func (h *httpHandler) handleHide(c *gin.Context) {
	h.respondWithOverlay(c, func() (chat.ViewerOverlay, error) {
		return h.chat.Hide(c.Request.Context(), c.Param("id"), currentUserID(c))
	})
}

func (h *httpHandler) handlePin(c *gin.Context) {
	var request pinPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "pinned")
		return
	}
	h.respondWithOverlay(c, func() (chat.ViewerOverlay, error) {
		return h.chat.Pin(c.Request.Context(), c.Param("id"), currentUserID(c), *request.Pinned)
	})
}

func (h *httpHandler) handleMute(c *gin.Context) {
	var request mutePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "muted")
		return
	}
	var until *time.Time
	if request.UntilMs != nil {
		value := time.UnixMilli(*request.UntilMs).UTC()
		until = &value
	}
	h.respondWithOverlay(c, func() (chat.ViewerOverlay, error) {
		return h.chat.Mute(c.Request.Context(), c.Param("id"), currentUserID(c), *request.Muted, until)
	})
}

func (h *httpHandler) respondWithOverlay(c *gin.Context, apply func() (chat.ViewerOverlay, error)) {
	overlay, err := apply()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOverlayResponse(overlay))
}

func (h *httpHandler) respondWithConversation(c *gin.Context, conversationID, userID string) {
	view, err := h.chat.Conversation(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConversationResponse(view))
}

// queryInt returns zero for absent or malformed values so services apply their defaults.
func queryInt(c *gin.Context, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return 0
	}
	return value
}
