package security

import (
	"net/url"
	"strings"
)

// sensitiveParamPatterns are query parameter names that likely contain secrets.
var sensitiveParamPatterns = []string{
	"password", "passwd", "pwd", "secret", "token",
	"api_key", "apikey", "api-key", "auth", "authorization",
	"bearer", "credential", "key", "access_token", "refresh_token",
	"session", "sessionid", "sid", "private",
}

// RedactURL removes sensitive information from a URL for safe logging.
// User credentials and secret-looking query parameters are replaced.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		// If we can't parse it, redact aggressively
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}
	return parsed.String()
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values)
	for key, values := range params {
		keyLower := strings.ToLower(key)
		shouldRedact := false
		for _, pattern := range sensitiveParamPatterns {
			if strings.Contains(keyLower, pattern) {
				shouldRedact = true
				break
			}
		}
		if shouldRedact {
			redacted[key] = []string{"[REDACTED]"}
		} else {
			redacted[key] = values
		}
	}
	return redacted
}

// sensitiveHeaders are request headers that must never appear in logs or
// audit metadata.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
}

// RedactHeaders returns a copy of the header map with secret-bearing
// values replaced.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}
