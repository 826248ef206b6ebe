package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/orbit/internal/mentions"
	"github.com/gin-gonic/gin"
)

type mentionTextRequest struct {
	Text string `json:"text"`
}

type applyMentionRequest struct {
	Text string `json:"text"`
	Name string `json:"name"`
}

type detectMentionResponse struct {
	mentions.Detection
	Candidates []mentions.Candidate `json:"candidates"`
}

func (h *httpHandler) handleDetectMention(c *gin.Context) {
	var request mentionTextRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolver, ok := h.openResolver(c)
	if !ok {
		return
	}
	response := detectMentionResponse{
		Detection:  resolver.Detect(request.Text),
		Candidates: []mentions.Candidate{},
	}
	if response.InProgress {
		response.Candidates = resolver.Candidates(response.Query)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleApplyMention(c *gin.Context) {
	var request applyMentionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": mentions.ApplySelection(request.Text, request.Name)})
}

func (h *httpHandler) handleSegmentMentions(c *gin.Context) {
	var request mentionTextRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolver, ok := h.openResolver(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": resolver.Segment(request.Text)})
}
