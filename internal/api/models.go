package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ModelInfo describes one model entry of the /v1/models listing.
type ModelInfo struct {
	ID                  string `json:"id"`
	Object              string `json:"object"`
	Created             int64  `json:"created"`
	OwnedBy             string `json:"owned_by"`
	DisplayName         string `json:"display_name,omitempty"`
	ContextLength       int    `json:"context_length,omitempty"`
	MaxCompletionTokens int    `json:"max_completion_tokens,omitempty"`
}

// supportedModels lists the model names the upstream accepts through this
// gateway. Dated aliases resolve to the same upstream ids.
func supportedModels() []ModelInfo {
	return []ModelInfo{
		{
			ID:                  "claude-sonnet-4",
			Object:              "model",
			Created:             1747094400, // 2025-05-13
			OwnedBy:             "anthropic",
			DisplayName:         "Claude Sonnet 4",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
		},
		{
			ID:                  "claude-sonnet-4.5",
			Object:              "model",
			Created:             1759104000, // 2025-09-29
			OwnedBy:             "anthropic",
			DisplayName:         "Claude Sonnet 4.5",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
		},
	}
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   supportedModels(),
	})
}
