package util

import (
	"encoding/json"
	"strings"
)

const redactedValue = "[REDACTED]"

// Credential fields that flow through this gateway: the SSO token
// exchange (accessToken, refreshToken, clientSecret), the account pool
// (refresh_token, client_secret, profile_arn), and client auth headers.
// Keys are matched case-insensitively with separators stripped, so
// refreshToken, refresh_token, and X-Api-Key all match.
var sensitiveKeyParts = []string{
	"accesstoken",
	"refreshtoken",
	"clientsecret",
	"profilearn",
	"authorization",
	"apikey",
	"cookie",
	"password",
	"secret",
	"token",
}

var keyNormalizer = strings.NewReplacer("-", "", "_", "", " ", "")

func isSensitiveKey(key string) bool {
	k := keyNormalizer.Replace(strings.ToLower(key))
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactSensitiveJSON masks credential fields in a JSON document before
// it reaches a log line. Non-JSON input and documents without sensitive
// fields pass through unchanged.
func RedactSensitiveJSON(body []byte) []byte {
	trim := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trim, "{") && !strings.HasPrefix(trim, "[") {
		return body
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	if !scrub(doc) {
		return body
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

// scrub walks the decoded document in place and reports whether anything
// was masked.
func scrub(doc any) bool {
	changed := false
	switch node := doc.(type) {
	case map[string]any:
		for key, val := range node {
			if isSensitiveKey(key) {
				if val != nil {
					node[key] = redactedValue
					changed = true
				}
				continue
			}
			if scrub(val) {
				changed = true
			}
		}
	case []any:
		for _, item := range node {
			if scrub(item) {
				changed = true
			}
		}
	}
	return changed
}
