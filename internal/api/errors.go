package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qgate-proxy/qgate/internal/executor"
	"github.com/qgate-proxy/qgate/internal/registry"
	"github.com/qgate-proxy/qgate/internal/translator/claude"
)

// claudeError is the error body shape Claude API clients expect.
type claudeError struct {
	Type  string           `json:"type"`
	Error claudeErrorInner `json:"error"`
}

type claudeErrorInner struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newClaudeError(errType, message string) claudeError {
	return claudeError{
		Type:  "error",
		Error: claudeErrorInner{Type: errType, Message: message},
	}
}

func abortWithClaudeError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, newClaudeError(errType, message))
}

// writeExecutionError maps a pre-stream executor failure to the Claude
// error body and status a client SDK knows how to handle.
func writeExecutionError(c *gin.Context, err error) {
	var reqErr *claude.RequestError
	if errors.As(err, &reqErr) {
		abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error", reqErr.Error())
		return
	}
	if errors.Is(err, registry.ErrNoActiveAccount) {
		abortWithClaudeError(c, http.StatusServiceUnavailable, "api_error",
			"no accounts configured; add one via the management API")
		return
	}

	var upErr *executor.UpstreamError
	if errors.As(err, &upErr) {
		status := http.StatusBadGateway
		errType := "api_error"
		switch upErr.StatusCode {
		case http.StatusTooManyRequests:
			status = http.StatusTooManyRequests
			errType = "rate_limit_error"
		case http.StatusUnauthorized, http.StatusForbidden:
			status = http.StatusUnauthorized
			errType = "authentication_error"
		case http.StatusBadRequest:
			status = http.StatusBadRequest
			errType = "invalid_request_error"
		}
		abortWithClaudeError(c, status, errType, upErr.Error())
		return
	}

	abortWithClaudeError(c, http.StatusInternalServerError, "api_error", err.Error())
}
