package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/orbit/internal/notes"
	"github.com/gin-gonic/gin"
)

type createNoteRequest struct {
	SubjectID string `json:"subject_id"`
	Text      string `json:"text"`
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var request createNoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolver, ok := h.openResolver(c)
	if !ok {
		return
	}
	note, err := h.notesService.CreateNote(c.Request.Context(), notes.NoteDraft{
		AuthorID:  c.GetString(userIDContextKey),
		SubjectID: request.SubjectID,
		Text:      request.Text,
	}, resolver)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	listed, err := h.notesService.ListNotes(c.Request.Context(), c.Query("subject_id"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": listed})
}

// handleListMentioning lists notes mentioning target_id, defaulting to the caller.
func (h *httpHandler) handleListMentioning(c *gin.Context) {
	targetID := strings.TrimSpace(c.Query("target_id"))
	if targetID == "" {
		targetID = c.GetString(userIDContextKey)
	}
	listed, err := h.notesService.ListMentioning(c.Request.Context(), targetID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": listed})
}
