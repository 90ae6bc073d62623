// Package gateway orchestrates authenticated calls to the Cloud Code
// backend: account selection, token refresh, endpoint fallback, and
// rate-limit driven rotation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/account"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/auth"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/format"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/gwerr"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// permissionDeniedPatterns are transient GCP 403s worth retrying on the same
// endpoint, typically right after a project finished onboarding.
var permissionDeniedPatterns = []string{
	"PERMISSION_DENIED",
	"does not have permission",
	"Cloud AI Companion API has not been used",
	"has not been enabled",
}

// subscriptionRequiredPatterns are 403s that mean this endpoint will never
// serve the account, so the next endpoint should be tried instead.
var subscriptionRequiredPatterns = []string{
	"SUBSCRIPTION_REQUIRED",
	"Gemini Code Assist license",
}

// Orchestrator executes backend calls for the account pool. All of its
// collaborators are injected; it keeps no global state.
type Orchestrator struct {
	client     *http.Client
	manager    *account.Manager
	resolver   *auth.ProjectResolver
	signatures *format.SignatureCache
	endpoints  []string
	instanceID string

	sessionMu sync.Mutex
	sessions  map[string]string
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(client *http.Client, manager *account.Manager, resolver *auth.ProjectResolver, signatures *format.SignatureCache) *Orchestrator {
	return &Orchestrator{
		client:     client,
		manager:    manager,
		resolver:   resolver,
		signatures: signatures,
		endpoints:  config.EndpointFallbacks,
		instanceID: uuid.NewString(),
		sessions:   make(map[string]string),
	}
}

// SetEndpoints overrides the endpoint fallback list (used by tests)
func (o *Orchestrator) SetEndpoints(endpoints []string) {
	o.endpoints = endpoints
}

// Signatures exposes the signature cache for request-side injection
func (o *Orchestrator) Signatures() *format.SignatureCache {
	return o.signatures
}

// SignatureKey returns the signature-cache key for one logical client
// conversation. Keys are namespaced by orchestrator instance, so distinct
// conversations never see each other's signatures.
func (o *Orchestrator) SignatureKey(conversation string) string {
	return o.instanceID + ":" + conversation
}

// sessionID returns the backend sessionId for a conversation, creating it on
// first use. The id stays stable across calls and rotations until
// ClearSession drops it.
func (o *Orchestrator) sessionID(conversation string) string {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()
	if id, ok := o.sessions[conversation]; ok {
		return id
	}
	id := fmt.Sprintf("-%d", rand.Int63())
	o.sessions[conversation] = id
	return id
}

// ClearSession forgets a conversation's session id and cached signature
func (o *Orchestrator) ClearSession(conversation string) {
	o.sessionMu.Lock()
	delete(o.sessions, conversation)
	o.sessionMu.Unlock()
	o.signatures.Delete(o.SignatureKey(conversation))
}

// Request describes one logical backend call. The struct is immutable once
// built; everything that varies across retries (endpoint, account, token)
// lives in the retry loops instead.
type Request struct {
	Action    string
	Model     string
	Body      map[string]interface{}
	Streaming bool
	// Conversation identifies the logical client connection; session ids and
	// thought signatures are scoped to it.
	Conversation string
	// RawBody bypasses all transforms and is sent as-is with auth headers.
	RawBody []byte
}

// Result is the outcome handed back to the HTTP layer. Account is the email
// of the account that served a successful call, "" for error results.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Streaming  bool
	Account    string
}

func jsonResult(status int, message, errType, code string) *Result {
	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Result{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// Execute runs one backend call end to end. Rotation to another account
// restarts the whole flow with a bounded number of restarts.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*Result, error) {
	family := config.FamilyFromModelName(req.Model)
	if family == "" {
		family = config.FamilyFromURL(req.Action)
	}

	for restart := 0; restart <= config.MaxRotationRestarts; restart++ {
		acct := o.manager.CurrentOrNextForFamily(family)
		if acct == nil {
			return o.noAccountResult(o.manager.AllRateLimitedForFamily(family)), nil
		}

		result, rotate, err := o.executeWithAccount(ctx, req, acct, family)
		if err != nil {
			return nil, err
		}
		if rotate {
			utils.Info("[Gateway] Restarting request on a different account (restart %d/%d)",
				restart+1, config.MaxRotationRestarts)
			continue
		}
		return result, nil
	}

	return jsonResult(http.StatusServiceUnavailable,
		"All Antigravity endpoints failed after too many account rotations",
		"endpoint_failure", "all_endpoints_failed"), nil
}

func (o *Orchestrator) noAccountResult(allLimited bool) *Result {
	if allLimited {
		return jsonResult(http.StatusTooManyRequests,
			"All accounts are rate-limited", "rate_limit", "rate_limited")
	}
	return jsonResult(http.StatusServiceUnavailable,
		"No accounts available. Sign in first.", "no_accounts", "no_accounts")
}

// executeWithAccount runs the endpoint loop for one account. rotate=true
// tells the caller to restart with a different account.
func (o *Orchestrator) executeWithAccount(ctx context.Context, req *Request, acct *account.Account, family config.ModelFamily) (*Result, bool, error) {
	accessToken, result := o.ensureFreshToken(ctx, acct)
	if result != nil {
		return result, false, nil
	}

	projectID := acct.ProjectID
	if projectID == "" {
		pc, err := o.resolver.Resolve(ctx, accessToken)
		if err != nil {
			return nil, false, err
		}
		projectID = pc.ProjectID
		o.manager.SetProject(acct.Index, pc.ProjectID, pc.ManagedProjectID)
	}

	payload := req.RawBody
	if payload == nil {
		wrapped := format.WrapRequestBody(req.Body, projectID, req.Model, o.sessionID(req.Conversation))
		encoded, err := json.Marshal(wrapped)
		if err != nil {
			return nil, false, fmt.Errorf("encode request body: %w", err)
		}
		payload = encoded
	}

	o.manager.Touch(acct.Index)

	maxEndpoints := len(o.endpoints)
	if maxEndpoints > config.MaxEndpointAttempts {
		maxEndpoints = config.MaxEndpointAttempts
	}

	hasRefreshedFor401 := false
	attempts := 0

endpointLoop:
	for i := 0; i < maxEndpoints; i++ {
		endpoint := o.endpoints[i]
		lastEndpoint := i == maxEndpoints-1

		for permRetry := 0; permRetry <= config.MaxPermissionRetries; permRetry++ {
			attempts++
			resp, err := o.post(ctx, endpoint, req, accessToken, payload)
			if err != nil {
				if ctx.Err() != nil {
					return nil, false, ctx.Err()
				}
				utils.Warn("[Gateway] %s unreachable: %v", endpoint, err)
				continue endpointLoop
			}

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				result := o.successResult(resp, req.Streaming, o.SignatureKey(req.Conversation))
				result.Account = acct.Email
				return result, false, nil
			}

			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			bodyText := string(body)

			switch {
			case resp.StatusCode == http.StatusUnauthorized:
				if hasRefreshedFor401 {
					return jsonResult(http.StatusUnauthorized,
						"Authentication failed after token refresh",
						"unauthorized", "token_refresh_failed"), false, nil
				}
				hasRefreshedFor401 = true
				utils.Warn("[Gateway] 401 from %s, refreshing token and retrying", endpoint)
				token, refreshResult := o.refreshAccount(ctx, acct)
				if refreshResult != nil {
					return refreshResult, false, nil
				}
				accessToken = token
				// Restart the endpoint loop from the top with the new token.
				i = -1
				continue endpointLoop

			case resp.StatusCode == http.StatusForbidden && matchesAny(bodyText, subscriptionRequiredPatterns):
				utils.Warn("[Gateway] %s requires a subscription for this account, trying next endpoint", endpoint)
				continue endpointLoop

			case resp.StatusCode == http.StatusForbidden && matchesAny(bodyText, permissionDeniedPatterns):
				if permRetry == config.MaxPermissionRetries {
					utils.Error("[Gateway] Permission denied at %s after %d retries", endpoint, permRetry)
					continue endpointLoop
				}
				delay := permissionBackoffMs(permRetry)
				utils.Debug("[Gateway] Permission denied at %s, retrying in %dms", endpoint, delay)
				utils.SleepMs(delay)
				continue

			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				result, rotate := o.handleRateLimit(resp, body, acct, family, lastEndpoint)
				if rotate {
					return nil, true, nil
				}
				if result != nil {
					return result, false, nil
				}
				continue endpointLoop

			default:
				// Other client errors are not recoverable by fallback.
				header := http.Header{}
				header.Set("Content-Type", "application/json")
				return &Result{
					StatusCode: resp.StatusCode,
					Header:     header,
					Body:       io.NopCloser(bytes.NewReader(body)),
				}, false, nil
			}
		}
	}

	return jsonResult(http.StatusServiceUnavailable,
		fmt.Sprintf("All Antigravity endpoints failed after %d attempts", attempts),
		"endpoint_failure", "all_endpoints_failed"), false, nil
}

// ensureFreshToken refreshes the account's access token when it is stale.
// A non-nil *Result is an error response to surface directly.
func (o *Orchestrator) ensureFreshToken(ctx context.Context, acct *account.Account) (string, *Result) {
	if !acct.TokenExpired(utils.NowMs()) {
		return acct.AccessToken, nil
	}
	return o.refreshAccount(ctx, acct)
}

func (o *Orchestrator) refreshAccount(ctx context.Context, acct *account.Account) (string, *Result) {
	tokens, err := auth.RefreshAccessToken(ctx, o.client, acct.RefreshToken)
	if err != nil {
		if gwerr.IsInvalidGrant(err) {
			utils.Error("[Gateway] Refresh token for %s is revoked", acct.Email)
			o.resolver.InvalidateAll()
			return "", jsonResult(http.StatusUnauthorized,
				"Refresh token is revoked. Sign in again.",
				"unauthorized", "token_revoked")
		}
		return "", jsonResult(http.StatusUnauthorized,
			fmt.Sprintf("Token refresh failed: %v", err),
			"unauthorized", "token_refresh_failed")
	}

	// A new access token invalidates any project context cached for the
	// old one.
	o.resolver.Invalidate(acct.AccessToken)
	o.manager.UpdateTokens(acct.Index, tokens)
	if err := o.manager.Save(); err != nil {
		utils.Warn("[Gateway] Failed to persist refreshed tokens: %v", err)
	}
	return tokens.AccessToken, nil
}

// handleRateLimit processes a 429/5xx. Returns rotate=true when a different
// account should take over, or a terminal result on the last endpoint.
func (o *Orchestrator) handleRateLimit(resp *http.Response, body []byte, acct *account.Account, family config.ModelFamily, lastEndpoint bool) (*Result, bool) {
	retryAfterMs := format.RetryAfterMs(resp.Header, body)
	if retryAfterMs <= 0 {
		if resp.StatusCode >= 500 {
			retryAfterMs = config.ServerErrorRetryMs
		} else {
			retryAfterMs = config.DefaultRateLimitRetryMs
		}
	}

	if retryAfterMs > config.RotationThresholdMs {
		o.manager.MarkRateLimited(acct.Index, family, retryAfterMs)
		if err := o.manager.Save(); err != nil {
			utils.Warn("[Gateway] Failed to persist rate limit: %v", err)
		}
		next := o.manager.CurrentOrNextForFamily(family)
		if next != nil && next.Index != acct.Index {
			return nil, true
		}
	}

	if lastEndpoint {
		message := fmt.Sprintf("Rate limited. Retry after %d seconds", (retryAfterMs+999)/1000)
		errType, code := "rate_limit", "rate_limited"
		status := http.StatusTooManyRequests
		if resp.StatusCode >= 500 {
			message = fmt.Sprintf("Server error (%d). Retry after %d seconds", resp.StatusCode, (retryAfterMs+999)/1000)
			errType, code = "server_error", "server_error"
			status = resp.StatusCode
		}
		result := jsonResult(status, message, errType, code)
		format.SetRetryHeaders(result.Header, retryAfterMs)
		return result, false
	}
	return nil, false
}

func (o *Orchestrator) post(ctx context.Context, endpoint string, req *Request, accessToken string, payload []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/%s:%s", endpoint, config.APIVersion, req.Action)
	if req.Streaming {
		url += "?alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range config.AntigravityHeaders() {
		httpReq.Header.Set(k, v)
	}
	return o.client.Do(httpReq)
}

// successResult converts a 2xx backend response. Non-streaming bodies are
// unwrapped and mined for a thought signature; streaming bodies get a
// line-buffered SSE transformer.
func (o *Orchestrator) successResult(resp *http.Response, streaming bool, signatureKey string) *Result {
	header := cloneHeader(resp.Header)

	if streaming {
		return &Result{
			StatusCode: resp.StatusCode,
			Header:     header,
			Body:       newTransformingReader(resp.Body, format.NewStreamTransformer()),
			Streaming:  true,
		}
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return jsonResult(http.StatusBadGateway,
			fmt.Sprintf("Failed reading backend response: %v", err),
			"server_error", "server_error")
	}

	if signature := format.ExtractThoughtSignature(body); signature != "" {
		o.signatures.Put(signatureKey, signature)
	}

	unwrapped := format.UnwrapResponse(body)
	header.Del("Content-Length")
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(unwrapped)),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, values := range h {
		for _, v := range values {
			out.Add(k, v)
		}
	}
	return out
}

func matchesAny(text string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

func permissionBackoffMs(attempt int) int64 {
	delay := int64(config.PermissionBackoffBaseMs) << attempt
	if delay > config.PermissionBackoffCapMs {
		return config.PermissionBackoffCapMs
	}
	return delay
}

// transformingReader streams a backend SSE body through a StreamTransformer
type transformingReader struct {
	source      io.ReadCloser
	transformer *format.StreamTransformer
	pending     []byte
	done        bool
}

func newTransformingReader(source io.ReadCloser, transformer *format.StreamTransformer) *transformingReader {
	return &transformingReader{source: source, transformer: transformer}
}

func (r *transformingReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 && !r.done {
		chunk := make([]byte, 4096)
		n, err := r.source.Read(chunk)
		if n > 0 {
			r.pending = append(r.pending, r.transformer.Transform(chunk[:n])...)
		}
		if err != nil {
			r.done = true
			r.pending = append(r.pending, r.transformer.Flush()...)
			if err != io.EOF {
				if len(r.pending) == 0 {
					return 0, err
				}
			}
			break
		}
	}

	if len(r.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *transformingReader) Close() error {
	return r.source.Close()
}
