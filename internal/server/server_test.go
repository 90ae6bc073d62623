package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/account"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/auth"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/format"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/gateway"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/storage"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func backendResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestServer(t *testing.T, cfg *config.Config, transport roundTripperFunc) (*Server, *account.Manager) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	store := storage.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	manager, err := account.NewManager(store)
	require.NoError(t, err)
	manager.Add(&account.Account{
		Email:        "a@x.com",
		Tier:         "free",
		RefreshToken: "rt-a",
		ProjectID:    "proj-a",
		AccessToken:  "at-a",
		ExpiresAt:    utils.NowMs() + 3_600_000,
	})

	client := &http.Client{Transport: transport}
	orch := gateway.NewOrchestrator(client, manager, auth.NewProjectResolver(client), format.NewSignatureCache(nil))
	orch.SetEndpoints([]string{"https://ep1.test"})

	return New(cfg, manager, orch, nil), manager
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, 200, w.Code)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	counts := payload["counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["total"])
	assert.Equal(t, float64(1), counts["available"])
}

func TestModelsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("GET", "/v1/models", nil))

	require.Equal(t, 200, w.Code)
	var payload struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "list", payload.Object)
	assert.Len(t, payload.Data, len(config.SupportedModels))
}

func TestAPIKeyMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.APIKey = "secret"
	s, _ := newTestServer(t, cfg, nil)

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("GET", "/v1/models", nil))
	assert.Equal(t, 401, w.Code, "missing key is rejected")

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("X-API-Key", "secret")
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, w.Code, "health stays open")
}

func TestChatSessionsIsolatedPerClient(t *testing.T) {
	sessionIDs := map[string][]string{}
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &body))
		request := body["request"].(map[string]interface{})
		parts := request["contents"].([]interface{})[0].(map[string]interface{})["parts"].([]interface{})
		caller := parts[0].(map[string]interface{})["text"].(string)
		sessionIDs[caller] = append(sessionIDs[caller], request["sessionId"].(string))
		return backendResponse(200, `{"response":{"candidates":[]}}`), nil
	})
	s, _ := newTestServer(t, nil, transport)

	send := func(client string) {
		body := `{"model":"gemini-3-pro-high","messages":[{"role":"user","content":"` + client + `"}]}`
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Session-Id", client)
		s.Engine().ServeHTTP(w, req)
		require.Equal(t, 200, w.Code)
	}

	send("alice")
	send("alice")
	send("bob")

	require.Len(t, sessionIDs["alice"], 2)
	assert.Equal(t, sessionIDs["alice"][0], sessionIDs["alice"][1],
		"one client keeps its session across requests")
	require.Len(t, sessionIDs["bob"], 1)
	assert.NotEqual(t, sessionIDs["alice"][0], sessionIDs["bob"][0],
		"different clients never share a session")
}

func TestChatCompletionsProxiesAndUnwraps(t *testing.T) {
	var backendBody map[string]interface{}
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &backendBody))
		return backendResponse(200, `{"response":{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}}`), nil
	})
	s, _ := newTestServer(t, nil, transport)

	body := `{"model":"gemini-3-pro-high","messages":[{"role":"user","content":"hi"}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.JSONEq(t, `{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}`, w.Body.String())

	assert.Equal(t, "proj-a", backendBody["project"])
	assert.Equal(t, "gemini-3-pro-high", backendBody["model"])

	request := backendBody["request"].(map[string]interface{})
	instruction := request["systemInstruction"].(map[string]interface{})
	firstPart := instruction["parts"].([]interface{})[0].(map[string]interface{})
	assert.Contains(t, firstPart["text"], config.IdentityMarker, "identity prompt is injected")
}

func TestChatCompletionsStreaming(t *testing.T) {
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.String(), "streamGenerateContent")
		assert.Equal(t, "alt=sse", r.URL.RawQuery)
		return backendResponse(200, "data: {\"response\":{\"n\":1}}\n\n"), nil
	})
	s, _ := newTestServer(t, nil, transport)

	body := `{"model":"gemini-3-pro-high","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	s.Engine().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "data: {\"n\":1}\n\n", w.Body.String())
}

func TestChatCompletionsRejectsBadJSON(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("{broken"))
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestAccountRoutes(t *testing.T) {
	s, manager := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("GET", "/api/accounts", nil))
	require.Equal(t, 200, w.Code)

	var payload struct {
		Accounts []struct {
			Email string `json:"email"`
		} `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Len(t, payload.Accounts, 1)
	assert.Equal(t, "a@x.com", payload.Accounts[0].Email)

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("DELETE", "/api/accounts/a@x.com", nil))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, 0, manager.Len())

	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, httptest.NewRequest("DELETE", "/api/accounts/missing@x.com", nil))
	assert.Equal(t, 404, w.Code)
}
