package redact

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	authHeaderRe    = regexp.MustCompile(`(?i)(authorization\s*[:=]\s*bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	bearerRe        = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-+/=]+)`)
	apiKeyValueRe   = regexp.MustCompile(`(?i)(api[_-]?key(?:s)?\s*[:=]\s*)([A-Za-z0-9._\-+/=]+)`)
	keyQueryRe      = regexp.MustCompile(`(?i)([?&]key=)([A-Za-z0-9._\-+/=]+)`)
	recaptchaRe     = regexp.MustCompile(`(?i)(recaptcha[_-]?token"?\s*[:=]\s*"?)([A-Za-z0-9._\-+/=]{6,})`)
	googHeaderRe    = regexp.MustCompile(`(?i)(x-goog-api-key\s*[:=]\s*)([A-Za-z0-9._\-+/=]+)`)
	tokenishKeyRe   = regexp.MustCompile(`(?i)\b(token)\s*[:=]\s*([A-Za-z0-9._\-+/=]{12,})`)
	credentialURLRe = regexp.MustCompile(`https?://[^\s"'<>]*[?&](?:key|token)=[^\s"'<>]+`)
)

// String redacts known credential patterns from free-form strings.
func String(s string) string {
	if s == "" {
		return s
	}

	out := s
	out = authHeaderRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = bearerRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyValueRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = googHeaderRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = recaptchaRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = keyQueryRe.ReplaceAllString(out, "${1}[REDACTED]")
	out = tokenishKeyRe.ReplaceAllStringFunc(out, func(m string) string {
		if strings.Contains(m, "[REDACTED]") {
			return m
		}
		matches := tokenishKeyRe.FindStringSubmatch(m)
		if len(matches) < 3 {
			return m
		}
		return matches[1] + "=[REDACTED]"
	})
	out = credentialURLRe.ReplaceAllStringFunc(out, redactURL)
	for strings.Contains(out, "[REDACTED][REDACTED]") {
		out = strings.ReplaceAll(out, "[REDACTED][REDACTED]", "[REDACTED]")
	}
	return out
}

// Sprintf formats like fmt.Sprintf and redacts the result.
func Sprintf(format string, args ...interface{}) string {
	return String(fmt.Sprintf(format, args...))
}

// Logf prints a redacted log line.
func Logf(format string, args ...interface{}) {
	log.Print(Sprintf(format, args...))
}

// Fatalf prints a redacted fatal log line.
func Fatalf(format string, args ...interface{}) {
	log.Fatal(Sprintf(format, args...))
}

const (
	maxRawImagePreview = 50
	maxPromptPreview   = 200
)

// Preview renders a decoded JSON body for logging: base64 image payloads and
// long prompts are truncated, and credential fields are redacted.
func Preview(body map[string]any) string {
	if body == nil {
		return "{}"
	}
	clone := clonePreview(body, "")
	data, err := json.Marshal(clone)
	if err != nil {
		return "[unserializable body]"
	}
	return String(string(data))
}

func clonePreview(val any, key string) any {
	switch v := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = clonePreview(item, k)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = clonePreview(item, key)
		}
		return out
	case string:
		switch key {
		case "rawImageBytes":
			if len(v) > maxRawImagePreview+20 {
				return v[:maxRawImagePreview] + "...[TRUNCATED]"
			}
		case "prompt":
			if len(v) > maxPromptPreview {
				return v[:maxPromptPreview] + "...[TRUNCATED]"
			}
		}
		return v
	default:
		return val
	}
}

func redactURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[REDACTED_URL]"
	}

	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return fmt.Sprintf("%s://%s/[REDACTED_PATH]", u.Scheme, u.Host)
	}
	return fmt.Sprintf("%s://%s/%s", u.Scheme, u.Host, base)
}
