package upstream

import (
	"encoding/json"
	"strings"
)

// ErrorBody is the uniform error shape returned to clients.
type ErrorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	OriginalError any    `json:"originalError,omitempty"`
	Details       string `json:"details,omitempty"`
}

// NestedPermissionDenied mirrors the upstream error envelope nested inside
// RECAPTCHA_REQUIRED rejections synthesized by the gate.
type NestedPermissionDenied struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details any    `json:"details"`
	} `json:"error"`
}

// ErrRecaptchaRequired is the canonical error string for bot-verification
// rejections, both gate-local and upstream-signalled.
const ErrRecaptchaRequired = "RECAPTCHA_REQUIRED"

// riskVocabulary is the substring heuristic for spotting bot-verification
// failures in upstream error text. Fragile, but it is what the upstream API
// gives us today; swap for a structured code check here if one appears.
var riskVocabulary = []string{"recaptcha", "verification"}

// IsRiskRequired reports whether an upstream failure is a bot-verification
// rejection: status exactly 403, or risk vocabulary in the error message.
func IsRiskRequired(status int, errMessage string) bool {
	if status == 403 {
		return true
	}
	lower := strings.ToLower(errMessage)
	for _, word := range riskVocabulary {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// Classify translates one non-streaming upstream response into the status
// and body to relay. Successful JSON passes through verbatim at 200; errors
// either relay verbatim at the original status or collapse into the
// canonical RECAPTCHA_REQUIRED body.
func Classify(status int, raw []byte) (int, any) {
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		// Non-JSON where JSON was expected; the synthesized body rides the
		// original status through the same error path below.
		body = ErrorBody{
			Error:   "Bad Gateway",
			Message: "The API returned an invalid (non-JSON) response.",
			Details: string(raw),
		}
	}

	if status < 200 || status >= 300 {
		if IsRiskRequired(status, errorMessage(body)) {
			return 403, ErrorBody{
				Error:         ErrRecaptchaRequired,
				Message:       "Google requires reCAPTCHA verification for this request",
				OriginalError: body,
			}
		}
		return status, body
	}

	return 200, body
}

// errorMessage digs the human-readable message out of a parsed upstream
// error: error.message first, then a top-level message.
func errorMessage(body any) string {
	m, ok := body.(map[string]any)
	if !ok {
		if eb, ok := body.(ErrorBody); ok {
			return eb.Message
		}
		return ""
	}
	if inner, ok := m["error"].(map[string]any); ok {
		if msg, ok := inner["message"].(string); ok {
			return msg
		}
	}
	if msg, ok := m["message"].(string); ok {
		return msg
	}
	return ""
}
