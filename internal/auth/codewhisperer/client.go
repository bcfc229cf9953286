// Package codewhisperer implements the SSO OIDC token exchange used by the
// CodeWhisperer streaming API.
package codewhisperer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultTokenEndpoint is the SSO OIDC token endpoint for the region the
// streaming API lives in.
const DefaultTokenEndpoint = "https://oidc.us-east-1.amazonaws.com/token"

// Credentials identifies one registered SSO client.
type Credentials struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Token is the result of a successful refresh. RefreshToken is only set
// when the endpoint rotated it.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RefreshError carries the HTTP status of a failed token exchange so
// callers can tell credential problems from transient ones.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying without operator action could help.
func (e *RefreshError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client exchanges refresh tokens for access tokens.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient returns a client against the given token endpoint, or the
// default when empty.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if endpoint == "" {
		endpoint = DefaultTokenEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: endpoint, httpClient: httpClient}
}

type refreshRequest struct {
	GrantType    string `json:"grantType"`
	RefreshToken string `json:"refreshToken"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Refresh performs one token exchange.
func (c *Client) Refresh(ctx context.Context, creds Credentials) (*Token, error) {
	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: creds.RefreshToken,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	// The endpoint expects an AWS SDK-shaped client.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "aws-sdk-rust/1.3.9 os/macos lang/rust/1.87.0")
	req.Header.Set("X-Amz-User-Agent", "aws-sdk-rust/1.3.9 ua/2.1 api/ssooidc/1.88.0 os/macos lang/rust/1.87.0 m/E app/AmazonQ-For-CLI")
	req.Header.Set("Amz-Sdk-Request", "attempt=1; max=3")
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed refreshResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token response missing accessToken")
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	token := &Token{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	log.Debugf("codewhisperer: token refreshed, expires in %ds", expiresIn)
	return token, nil
}
