package security

import (
	"fmt"
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

var (
	jwtPattern        = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`)
	apiKeyPattern     = regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|token|password|auth)(["']?[\s:=]+)["']?([a-zA-Z0-9_-]{16,})["']?`)
	privateKeyPattern = regexp.MustCompile(`\b(0x)?[a-fA-F0-9]{64}\b`)
	addressPattern    = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)

	sensitiveFields = []string{
		"password", "secret", "token", "private_key", "signature",
		"api_key", "apikey", "authorization", "credential", "encrypted",
	}
)

// MaskString redacts credential tokens, API keys and raw private keys, and
// shortens account addresses.
func MaskString(s string) string {
	s = jwtPattern.ReplaceAllString(s, "eyJ"+redacted)
	s = apiKeyPattern.ReplaceAllString(s, "$1$2"+redacted)
	s = privateKeyPattern.ReplaceAllString(s, redacted)
	s = addressPattern.ReplaceAllStringFunc(s, MaskAddress)
	return s
}

// MaskMap redacts sensitive fields and masks string values recursively
func MaskMap(data map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isSensitiveField(k) {
			masked[k] = redacted
			continue
		}
		masked[k] = SanitizeForLog(v)
	}
	return masked
}

// MaskAddress keeps the first 6 and last 4 characters of an address
func MaskAddress(addr string) string {
	if len(addr) < 10 {
		return "0x****"
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// SanitizeForLog prepares a value for structured logging
func SanitizeForLog(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		return MaskString(v)
	case error:
		return MaskString(v.Error())
	case fmt.Stringer:
		return MaskString(v.String())
	case map[string]interface{}:
		return MaskMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = SanitizeForLog(item)
		}
		return out
	default:
		return data
	}
}

func isSensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, sensitive := range sensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
