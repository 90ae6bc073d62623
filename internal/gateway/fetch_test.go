package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/account"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/auth"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/format"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/storage"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func response(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestOrchestrator(t *testing.T, transport roundTripperFunc, accounts ...*account.Account) (*Orchestrator, *account.Manager) {
	t.Helper()
	store := storage.NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	manager, err := account.NewManager(store)
	require.NoError(t, err)
	for _, a := range accounts {
		manager.Add(a)
	}

	client := &http.Client{Transport: transport}
	orch := NewOrchestrator(client, manager, auth.NewProjectResolver(client), format.NewSignatureCache(nil))
	orch.SetEndpoints([]string{"https://ep1.test", "https://ep2.test"})
	return orch, manager
}

func freshAccount(email, tier, token string) *account.Account {
	return &account.Account{
		Email:        email,
		Tier:         tier,
		RefreshToken: "rt-" + email,
		ProjectID:    "proj-" + email,
		AccessToken:  token,
		ExpiresAt:    utils.NowMs() + 3_600_000,
	}
}

func testRequest() *Request {
	return &Request{
		Action: "generateContent",
		Model:  "gemini-3-pro-high",
		Body: map[string]interface{}{
			"contents": []interface{}{
				map[string]interface{}{"role": "user", "parts": []interface{}{map[string]interface{}{"text": "hi"}}},
			},
		},
	}
}

func TestExecuteSuccessUnwrapsAndCapturesSignature(t *testing.T) {
	var gotAuth, gotURL string
	var gotBody map[string]interface{}

	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		gotAuth = r.Header.Get("Authorization")
		gotURL = r.URL.String()
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		return response(200, `{"response":{"candidates":[{"content":{"parts":[{"text":"hello","thoughtSignature":"sig-77"}]}}]}}`, nil), nil
	})

	orch, _ := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-a"))

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "a@x.com", result.Account)

	body, _ := io.ReadAll(result.Body)
	assert.JSONEq(t, `{"candidates":[{"content":{"parts":[{"text":"hello","thoughtSignature":"sig-77"}]}}]}`, string(body))

	assert.Equal(t, "Bearer at-a", gotAuth)
	assert.Equal(t, "https://ep1.test/v1internal:generateContent", gotURL)
	assert.Equal(t, "proj-a@x.com", gotBody["project"])
	assert.Equal(t, "gemini-3-pro-high", gotBody["model"])

	assert.Equal(t, "sig-77", orch.Signatures().Get(orch.SignatureKey("")),
		"thought signatures from responses are cached")
}

func TestExecuteReusesSessionIDAcrossCalls(t *testing.T) {
	var sessionIDs []string
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &body))
		request := body["request"].(map[string]interface{})
		sessionIDs = append(sessionIDs, request["sessionId"].(string))
		return response(200, `{"response":{"ok":true}}`, nil), nil
	})

	orch, _ := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-a"))

	for i := 0; i < 2; i++ {
		result, err := orch.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		require.Equal(t, 200, result.StatusCode)
	}

	require.Len(t, sessionIDs, 2)
	assert.Equal(t, sessionIDs[0], sessionIDs[1],
		"the session id is created once and reused on follow-up calls")

	orch.ClearSession("")
	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, 200, result.StatusCode)
	require.Len(t, sessionIDs, 3)
	assert.NotEqual(t, sessionIDs[0], sessionIDs[2],
		"clearing the session starts a fresh id")
}

func TestExecuteScopesSessionsAndSignaturesPerConversation(t *testing.T) {
	sessionIDs := map[string]string{}
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &body))
		request := body["request"].(map[string]interface{})
		parts := request["contents"].([]interface{})[0].(map[string]interface{})["parts"].([]interface{})
		caller := parts[0].(map[string]interface{})["text"].(string)
		sessionIDs[caller] = request["sessionId"].(string)
		return response(200, `{"response":{"candidates":[{"content":{"parts":[{"text":"ok","thoughtSignature":"sig-`+caller+`"}]}}]}}`, nil), nil
	})

	orch, _ := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-a"))

	for _, conv := range []string{"alice", "bob"} {
		req := testRequest()
		req.Conversation = conv
		req.Body = map[string]interface{}{
			"contents": []interface{}{
				map[string]interface{}{"role": "user", "parts": []interface{}{map[string]interface{}{"text": conv}}},
			},
		}
		result, err := orch.Execute(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, 200, result.StatusCode)
	}

	assert.NotEqual(t, sessionIDs["alice"], sessionIDs["bob"],
		"each conversation gets its own session id")
	assert.Equal(t, "sig-alice", orch.Signatures().Get(orch.SignatureKey("alice")))
	assert.Equal(t, "sig-bob", orch.Signatures().Get(orch.SignatureKey("bob")))
	assert.NotEqual(t, orch.SignatureKey("alice"), orch.SignatureKey("bob"))
}

func TestExecuteStreamingAppendsAltSSE(t *testing.T) {
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "alt=sse", r.URL.RawQuery)
		return response(200, "data: {\"response\":{\"n\":1}}\n\n", nil), nil
	})

	orch, _ := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-a"))

	req := testRequest()
	req.Streaming = true
	result, err := orch.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Streaming)

	body, _ := io.ReadAll(result.Body)
	assert.Equal(t, "data: {\"n\":1}\n\n", string(body))
}

func TestExecuteFallsBackOnSubscriptionRequired(t *testing.T) {
	var endpoints []string
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		endpoints = append(endpoints, r.URL.Host)
		if r.URL.Host == "ep1.test" {
			return response(403, `{"error":{"status":"SUBSCRIPTION_REQUIRED"}}`, nil), nil
		}
		return response(200, `{"response":{"ok":true}}`, nil), nil
	})

	orch, _ := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-a"))

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, []string{"ep1.test", "ep2.test"}, endpoints)
}

func TestExecuteRotatesOnLongRateLimit(t *testing.T) {
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("Authorization") == "Bearer at-a" {
			header := http.Header{}
			header.Set("Retry-After", "60")
			return response(429, `{"error":{"message":"quota"}}`, header), nil
		}
		return response(200, `{"response":{"served":"b"}}`, nil), nil
	})

	orch, manager := newTestOrchestrator(t, transport,
		freshAccount("a@x.com", "free", "at-a"),
		freshAccount("b@x.com", "free", "at-b"))

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)

	body, _ := io.ReadAll(result.Body)
	assert.JSONEq(t, `{"served":"b"}`, string(body))

	a := manager.ByEmail("a@x.com")
	assert.True(t, a.IsRateLimited(config.FamilyGeminiPro, utils.NowMs()),
		"the limited account is marked for the family")
}

func TestExecuteLastEndpointRateLimitReturns429(t *testing.T) {
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		// Short limits are below the rotation threshold, so the single
		// account is never switched away from.
		header := http.Header{}
		header.Set("retry-after-ms", "2000")
		return response(429, `{"error":{"message":"slow down"}}`, header), nil
	})

	orch, _ := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-a"))

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 429, result.StatusCode)
	assert.Equal(t, "2000", result.Header.Get("retry-after-ms"))

	body, _ := io.ReadAll(result.Body)
	var payload map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "rate_limited", payload["error"]["code"])
	assert.Contains(t, payload["error"]["message"], "Rate limited. Retry after 2 seconds")
}

func TestExecuteServerErrorOnLastEndpoint(t *testing.T) {
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		header := http.Header{}
		header.Set("retry-after-ms", "3000")
		return response(500, `{"error":{"message":"boom"}}`, header), nil
	})

	orch, _ := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-a"))

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 500, result.StatusCode)

	body, _ := io.ReadAll(result.Body)
	var payload map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "server_error", payload["error"]["code"])
}

func TestExecuteRefreshesOn401Once(t *testing.T) {
	calls := 0
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Host == "oauth2.googleapis.com" {
			return response(200, `{"access_token":"at-new","expires_in":3600}`, nil), nil
		}
		calls++
		if r.Header.Get("Authorization") == "Bearer at-stale" {
			return response(401, `{"error":{"status":"UNAUTHENTICATED"}}`, nil), nil
		}
		return response(200, `{"response":{"ok":true}}`, nil), nil
	})

	orch, manager := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-stale"))

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, 2, calls, "one failed call, one retried call")
	assert.Equal(t, "at-new", manager.ByEmail("a@x.com").AccessToken)
}

func TestExecutePersistent401FailsAfterOneRefresh(t *testing.T) {
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Host == "oauth2.googleapis.com" {
			return response(200, `{"access_token":"at-still-bad","expires_in":3600}`, nil), nil
		}
		return response(401, `{"error":{"status":"UNAUTHENTICATED"}}`, nil), nil
	})

	orch, _ := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-a"))

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 401, result.StatusCode)

	body, _ := io.ReadAll(result.Body)
	var payload map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "token_refresh_failed", payload["error"]["code"])
}

func TestExecuteRevokedRefreshTokenReturns401(t *testing.T) {
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Host == "oauth2.googleapis.com" {
			return response(400, `{"error":"invalid_grant"}`, nil), nil
		}
		t.Fatal("backend should not be reached with a revoked token")
		return nil, nil
	})

	acct := freshAccount("a@x.com", "free", "at-a")
	acct.ExpiresAt = 0
	orch, _ := newTestOrchestrator(t, transport, acct)

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 401, result.StatusCode)

	body, _ := io.ReadAll(result.Body)
	var payload map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "token_revoked", payload["error"]["code"])
}

func TestExecuteNoAccounts(t *testing.T) {
	orch, _ := newTestOrchestrator(t, func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 503, result.StatusCode)

	body, _ := io.ReadAll(result.Body)
	var payload map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "no_accounts", payload["error"]["code"])
}

func TestExecuteAllAccountsRateLimitedReturns429(t *testing.T) {
	orch, manager := newTestOrchestrator(t, func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	}, freshAccount("a@x.com", "free", "at-a"))
	manager.MarkRateLimited(0, config.FamilyGeminiPro, 600_000)

	result, err := orch.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 429, result.StatusCode)
}

func TestExecuteRawBodyPassesThrough(t *testing.T) {
	transport := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"already":"wrapped"}`, string(raw))
		return response(200, `{"ok":true}`, nil), nil
	})

	orch, _ := newTestOrchestrator(t, transport, freshAccount("a@x.com", "free", "at-a"))

	result, err := orch.Execute(context.Background(), &Request{
		Action:  "generateContent",
		Model:   "gemini-3-pro-high",
		RawBody: []byte(`{"already":"wrapped"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
}
