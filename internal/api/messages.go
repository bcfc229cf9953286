package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/qgate-proxy/qgate/internal/translator/claude"
)

const maxRequestBody = 10 << 20

// handleMessages serves POST /v1/messages. Responses are always streamed;
// the upstream only speaks a streaming protocol, so non-streaming requests
// are rejected up front rather than half-supported.
func (s *Server) handleMessages(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error", "reading request body: "+err.Error())
		return
	}
	if !gjson.ValidBytes(body) {
		abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	if stream := gjson.GetBytes(body, "stream"); stream.Exists() && !stream.Bool() {
		abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error",
			"this endpoint only supports streaming responses; set \"stream\": true")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		abortWithClaudeError(c, http.StatusInternalServerError, "api_error", "streaming unsupported by connection")
		return
	}

	// Headers go out with the first event. Failures before that can still
	// produce a proper JSON error response.
	started := false
	execErr := s.exec.ExecuteStream(c.Request.Context(), body, func(ev claude.ServerEvent) error {
		if !started {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := c.Writer.Write(ev.Bytes()); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	if execErr != nil {
		if !started {
			writeExecutionError(c, execErr)
			return
		}
		// The stream already carried an error event; just record it.
		log.Warnf("api: stream ended with error: %v", execErr)
	}
}
