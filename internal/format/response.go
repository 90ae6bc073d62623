package format

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Usage token-count headers set by the backend
const (
	headerPromptTokens     = "x-antigravity-prompt-token-count"
	headerCandidatesTokens = "x-antigravity-candidates-token-count"
	headerTotalTokens      = "x-antigravity-total-token-count"
	headerCachedTokens     = "x-antigravity-cached-content-token-count"
)

// UsageFromHeaders builds a usageMetadata map from the backend's token-count
// headers. Returns nil when no counts are present.
func UsageFromHeaders(headers http.Header) map[string]interface{} {
	usage := make(map[string]interface{})
	if v := headerInt(headers, headerPromptTokens); v >= 0 {
		usage["promptTokenCount"] = v
	}
	if v := headerInt(headers, headerCandidatesTokens); v >= 0 {
		usage["candidatesTokenCount"] = v
	}
	if v := headerInt(headers, headerTotalTokens); v >= 0 {
		usage["totalTokenCount"] = v
	}
	if v := headerInt(headers, headerCachedTokens); v >= 0 {
		usage["cachedContentTokenCount"] = v
	}
	if len(usage) == 0 {
		return nil
	}
	return usage
}

func headerInt(headers http.Header, name string) int {
	raw := headers.Get(name)
	if raw == "" {
		return -1
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return value
}

// RetryAfterMs extracts the retry delay from a failed response. Sources in
// precedence order: the Retry-After header (seconds or an HTTP date), a
// retry-after-ms header, and the RetryInfo detail in the error body.
func RetryAfterMs(headers http.Header, body []byte) int64 {
	if raw := headers.Get("Retry-After"); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
			return int64(math.Ceil(seconds * 1000))
		}
		if at, err := http.ParseTime(raw); err == nil {
			if delta := time.Until(at).Milliseconds(); delta > 0 {
				return delta
			}
		}
	}
	if raw := headers.Get("retry-after-ms"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return ms
		}
	}
	return retryInfoFromBody(body)
}

// retryInfoFromBody digs the google.rpc.RetryInfo detail out of an error
// payload. The retryDelay field is a duration string like "42s".
func retryInfoFromBody(body []byte) int64 {
	if len(body) == 0 {
		return 0
	}
	var payload struct {
		Error struct {
			Details []map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	for _, detail := range payload.Error.Details {
		if detail["@type"] != "type.googleapis.com/google.rpc.RetryInfo" {
			continue
		}
		delay, _ := detail["retryDelay"].(string)
		delay = strings.TrimSuffix(delay, "s")
		if seconds, err := strconv.ParseFloat(delay, 64); err == nil {
			return int64(math.Ceil(seconds * 1000))
		}
	}
	return 0
}

// SetRetryHeaders writes both retry headers onto an outgoing response
func SetRetryHeaders(headers http.Header, retryAfterMs int64) {
	headers.Set("Retry-After", strconv.FormatInt((retryAfterMs+999)/1000, 10))
	headers.Set("retry-after-ms", strconv.FormatInt(retryAfterMs, 10))
}

// UnwrapResponse strips the Cloud Code response envelope from a JSON body.
// Bodies without the envelope pass through untouched.
func UnwrapResponse(body []byte) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	inner, ok := payload["response"]
	if !ok {
		return body
	}
	return inner
}

// ExtractThoughtSignature finds the first thought signature in a response
// payload, checking both field spellings the backend has used.
func ExtractThoughtSignature(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if inner, ok := payload["response"].(map[string]interface{}); ok {
		payload = inner
	}

	candidates, _ := payload["candidates"].([]interface{})
	for _, rawCandidate := range candidates {
		candidate, ok := rawCandidate.(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := candidate["content"].(map[string]interface{})
		if !ok {
			continue
		}
		parts, _ := content["parts"].([]interface{})
		for _, rawPart := range parts {
			part, ok := rawPart.(map[string]interface{})
			if !ok {
				continue
			}
			if signature, ok := part["thoughtSignature"].(string); ok && signature != "" {
				return signature
			}
			if signature, ok := part["thought_signature"].(string); ok && signature != "" {
				return signature
			}
		}
	}
	return ""
}
