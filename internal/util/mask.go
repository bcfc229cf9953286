package util

import (
	"net/url"
	"strings"
)

// MaskSensitiveQuery replaces the values of credential-bearing query
// parameters so request logs never leak keys passed in URLs.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return redactedValue
	}
	changed := false
	for key := range values {
		if isSensitiveKey(key) {
			values.Set(key, redactedValue)
			changed = true
		}
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}

// MaskAuthorization shortens an Authorization header value for logging.
func MaskAuthorization(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 {
		return parts[0] + " " + redactedValue
	}
	return redactedValue
}
