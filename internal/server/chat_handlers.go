package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type createGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type sendMessageRequest struct {
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
}

type editMessageRequest struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	var request createGroupRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	group, err := h.chatService.CreateGroup(c.Request.Context(), c.GetString(userIDContextKey), request.Name, request.MemberIDs)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.chatService.SendMessage(c.Request.Context(), c.GetString(userIDContextKey), request.ReceiverID, request.Text)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleEditMessage(c *gin.Context) {
	var request editMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.chatService.EditMessage(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), request.Text)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	if err := h.chatService.DeleteMessage(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnread(c *gin.Context) {
	current, ok := h.openSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, current.Tracker().Snapshot())
}

func (h *httpHandler) handleMarkAsRead(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation"})
		return
	}
	current, ok := h.openSession(c)
	if !ok {
		return
	}
	current.Tracker().MarkAsRead(key)
	c.JSON(http.StatusOK, current.Tracker().Snapshot())
}

func (h *httpHandler) handleClearActive(c *gin.Context) {
	current, ok := h.openSession(c)
	if !ok {
		return
	}
	current.Tracker().ClearActive()
	c.JSON(http.StatusOK, current.Tracker().Snapshot())
}
