package format

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageFromHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("x-antigravity-prompt-token-count", "120")
	headers.Set("x-antigravity-candidates-token-count", "48")
	headers.Set("x-antigravity-total-token-count", "168")

	usage := UsageFromHeaders(headers)
	require.NotNil(t, usage)
	assert.Equal(t, 120, usage["promptTokenCount"])
	assert.Equal(t, 48, usage["candidatesTokenCount"])
	assert.Equal(t, 168, usage["totalTokenCount"])
	_, hasCached := usage["cachedContentTokenCount"]
	assert.False(t, hasCached)

	assert.Nil(t, UsageFromHeaders(http.Header{}))
}

func TestRetryAfterMsFromRetryAfterSeconds(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "2.5")
	assert.Equal(t, int64(2500), RetryAfterMs(headers, nil))
}

func TestRetryAfterMsFromHTTPDate(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	ms := RetryAfterMs(headers, nil)
	assert.Greater(t, ms, int64(20_000))
	assert.LessOrEqual(t, ms, int64(30_000))
}

func TestRetryAfterMsFromMillisecondHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after-ms", "1500")
	assert.Equal(t, int64(1500), RetryAfterMs(headers, nil))
}

func TestRetryAfterMsFromRetryInfoDetail(t *testing.T) {
	body := []byte(`{"error":{"details":[
		{"@type":"type.googleapis.com/other","retryDelay":"99s"},
		{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"42s"}
	]}}`)
	assert.Equal(t, int64(42_000), RetryAfterMs(http.Header{}, body))
	assert.Equal(t, int64(0), RetryAfterMs(http.Header{}, []byte(`{"error":{}}`)))
}

func TestSetRetryHeaders(t *testing.T) {
	headers := http.Header{}
	SetRetryHeaders(headers, 61_500)
	assert.Equal(t, "62", headers.Get("Retry-After"), "seconds round up")
	assert.Equal(t, "61500", headers.Get("retry-after-ms"))
}

func TestUnwrapResponse(t *testing.T) {
	wrapped := []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}`)
	assert.JSONEq(t, `{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`, string(UnwrapResponse(wrapped)))

	plain := []byte(`{"candidates":[]}`)
	assert.Equal(t, plain, UnwrapResponse(plain))

	notJSON := []byte("plain text")
	assert.Equal(t, notJSON, UnwrapResponse(notJSON))
}

func TestExtractThoughtSignature(t *testing.T) {
	body := []byte(`{"response":{"candidates":[{"content":{"parts":[
		{"text":"answer"},
		{"functionCall":{"name":"f"},"thoughtSignature":"sig-1"}
	]}}]}}`)
	assert.Equal(t, "sig-1", ExtractThoughtSignature(body))

	snake := []byte(`{"candidates":[{"content":{"parts":[{"thought_signature":"sig-2"}]}}]}`)
	assert.Equal(t, "sig-2", ExtractThoughtSignature(snake))

	assert.Empty(t, ExtractThoughtSignature([]byte(`{"candidates":[]}`)))
	assert.Empty(t, ExtractThoughtSignature([]byte("junk")))
}

func TestSignatureCacheMemoryFallback(t *testing.T) {
	cache := NewSignatureCache(nil)
	cache.Put("session-1", "sig-a")

	assert.Equal(t, "sig-a", cache.Get("session-1"))
	assert.Empty(t, cache.Get("session-2"))

	cache.Put("", "ignored")
	cache.Put("session-3", "")
	assert.Empty(t, cache.Get("session-3"))

	cache.Clear()
	assert.Empty(t, cache.Get("session-1"))
}
