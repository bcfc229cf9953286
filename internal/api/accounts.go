package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/qgate-proxy/qgate/internal/auth/amazonqcli"
	"github.com/qgate-proxy/qgate/internal/registry"
)

func (s *Server) handleListAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": s.accounts.List()})
}

type addAccountRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	ProfileArn   string `json:"profile_arn"`
	Name         string `json:"name"`
}

func (s *Server) handleAddAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	acc, err := s.accounts.Add(registry.Account{
		RefreshToken: req.RefreshToken,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		ProfileArn:   req.ProfileArn,
		Name:         req.Name,
	})
	if err != nil {
		abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acc})
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.accounts.Remove(id); err != nil {
		writeAccountError(c, err)
		return
	}
	s.tokens.Invalidate(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleActivateAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.accounts.Activate(id); err != nil {
		writeAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activated": id})
}

func (s *Server) handleRefreshAccount(c *gin.Context) {
	acc, err := s.accounts.Get(c.Param("id"))
	if err != nil {
		writeAccountError(c, err)
		return
	}
	if _, err := s.tokens.ForceRefresh(c.Request.Context(), acc); err != nil {
		abortWithClaudeError(c, http.StatusBadGateway, "api_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": acc.ID})
}

func (s *Server) handleRefreshAll(c *gin.Context) {
	results := map[string]string{}
	for _, redacted := range s.accounts.List() {
		acc, err := s.accounts.Get(redacted.ID)
		if err != nil {
			continue
		}
		if _, err := s.tokens.ForceRefresh(c.Request.Context(), acc); err != nil {
			log.Warnf("api: refreshing account %s: %v", acc.ID, err)
			results[acc.ID] = err.Error()
		} else {
			results[acc.ID] = "ok"
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type importCLIRequest struct {
	DBPath string `json:"db_path"`
	Name   string `json:"name"`
}

// handleImportCLI enrolls the credentials of a locally installed Amazon Q
// CLI as a new account.
func (s *Server) handleImportCLI(c *gin.Context) {
	var req importCLIRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
	}
	reader, err := amazonqcli.NewReader(req.DBPath)
	if err != nil {
		abortWithClaudeError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	creds, err := reader.ReadCredentials()
	if err != nil {
		abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	name := req.Name
	if name == "" {
		name = "amazon-q-cli"
	}
	acc, err := s.accounts.Add(registry.Account{
		RefreshToken: creds.RefreshToken,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Name:         name,
	})
	if err != nil {
		abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acc})
}

func writeAccountError(c *gin.Context, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		abortWithClaudeError(c, http.StatusNotFound, "not_found_error", err.Error())
		return
	}
	abortWithClaudeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
}
