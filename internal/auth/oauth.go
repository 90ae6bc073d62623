// Package auth implements the Google OAuth flow, token refresh, and project
// resolution for the gateway.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/gwerr"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// PKCEChallenge holds the verifier/challenge pair for an S256 PKCE exchange
type PKCEChallenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCEChallenge creates a new S256 code verifier and challenge
func GeneratePKCEChallenge() (*PKCEChallenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate PKCE verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return &PKCEChallenge{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		Method:    "S256",
	}, nil
}

// GenerateState creates the CSRF state parameter
func GenerateState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// AuthorizationRequest is a ready-to-open authorization URL with the state
// and optional PKCE material the caller must hold onto.
type AuthorizationRequest struct {
	URL   string
	State string
	PKCE  *PKCEChallenge
}

// BuildAuthorizationRequest builds the Google consent URL for the given
// callback port. With usePKCE the token exchange later sends the verifier
// instead of the client secret.
func BuildAuthorizationRequest(port int, usePKCE bool) (*AuthorizationRequest, error) {
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("client_id", config.OAuthClientID)
	params.Set("redirect_uri", config.OAuthRedirectURI(port))
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(config.OAuthScopes, " "))
	params.Set("state", state)
	params.Set("access_type", "offline")
	params.Set("prompt", "consent")

	request := &AuthorizationRequest{State: state}
	if usePKCE {
		pkce, err := GeneratePKCEChallenge()
		if err != nil {
			return nil, err
		}
		params.Set("code_challenge", pkce.Challenge)
		params.Set("code_challenge_method", pkce.Method)
		request.PKCE = pkce
	}

	request.URL = config.GoogleAuthURL + "?" + params.Encode()
	return request, nil
}

// CallbackResult is the outcome of one OAuth callback request
type CallbackResult struct {
	Code  string
	State string
}

// CallbackServer is a single-use local listener for the OAuth redirect.
// It accepts exactly one callback and releases its port on every exit path.
type CallbackServer struct {
	listener net.Listener
	server   *http.Server
	port     int
	resultCh chan CallbackResult
	errCh    chan error
}

// StartCallbackServer binds the fixed callback port, falling back to an
// OS-assigned port when the bind fails.
func StartCallbackServer() (*CallbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", config.OAuthCallbackPort))
	if err != nil {
		utils.Warn("[OAuth] Port %d unavailable, falling back to an ephemeral port", config.OAuthCallbackPort)
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("bind callback listener: %w", err)
		}
	}

	cs := &CallbackServer{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		resultCh: make(chan CallbackResult, 1),
		errCh:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.OAuthCallbackPath, cs.handleCallback)
	cs.server = &http.Server{Handler: mux}

	go func() {
		if serveErr := cs.server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			select {
			case cs.errCh <- serveErr:
			default:
			}
		}
	}()

	return cs, nil
}

// Port returns the port the server actually bound
func (cs *CallbackServer) Port() int {
	return cs.port
}

func (cs *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		writeCallbackPage(w, "Login failed", "You can close this window and return to the terminal.")
		if errParam == "access_denied" {
			cs.deliver(CallbackResult{}, gwerr.NewUserDeniedError())
			return
		}
		cs.deliver(CallbackResult{}, fmt.Errorf("authorization failed: %s", errParam))
		return
	}

	code := query.Get("code")
	if code == "" {
		writeCallbackPage(w, "Login failed", "The callback did not carry an authorization code.")
		cs.deliver(CallbackResult{}, fmt.Errorf("callback missing authorization code"))
		return
	}

	writeCallbackPage(w, "Login complete", "You can close this window and return to the terminal.")
	cs.deliver(CallbackResult{Code: code, State: query.Get("state")}, nil)
}

func (cs *CallbackServer) deliver(result CallbackResult, err error) {
	if err != nil {
		select {
		case cs.errCh <- err:
		default:
		}
		return
	}
	select {
	case cs.resultCh <- result:
	default:
	}
}

// Wait blocks for the single callback, a server error, or the timeout.
// The listener is closed before Wait returns, whatever the outcome.
func (cs *CallbackServer) Wait(ctx context.Context, timeout time.Duration) (CallbackResult, error) {
	defer cs.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-cs.resultCh:
		return result, nil
	case err := <-cs.errCh:
		return CallbackResult{}, err
	case <-timer.C:
		return CallbackResult{}, fmt.Errorf("timed out waiting for OAuth callback after %s", timeout)
	case <-ctx.Done():
		return CallbackResult{}, ctx.Err()
	}
}

// Close shuts the listener down immediately
func (cs *CallbackServer) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = cs.server.Shutdown(shutdownCtx)
}

func writeCallbackPage(w http.ResponseWriter, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>%s</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h1>%s</h1><p>%s</p>
</body></html>`, title, title, detail)
}

// ExchangeCode trades an authorization code for a TokenSet. When verifier is
// non-empty the exchange uses PKCE instead of the client secret.
func ExchangeCode(ctx context.Context, client *http.Client, code, redirectURI, verifier string) (*TokenSet, error) {
	params := url.Values{}
	params.Set("grant_type", "authorization_code")
	params.Set("code", code)
	params.Set("client_id", config.OAuthClientID)
	params.Set("redirect_uri", redirectURI)
	if verifier != "" {
		params.Set("code_verifier", verifier)
	} else {
		params.Set("client_secret", config.OAuthClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.GoogleTokenURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		oauthCode, description := parseOAuthErrorPayload(body)
		message := description
		if message == "" {
			message = fmt.Sprintf("token exchange failed: %d %s", resp.StatusCode, resp.Status)
		}
		return nil, gwerr.NewTokenRefreshError(message, oauthCode, description, resp.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}

	return &TokenSet{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    payload.ExpiresIn,
		IssuedAt:     utils.NowMs(),
	}, nil
}

// Profile is the Google userinfo payload
type Profile struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// FetchProfile looks up the user profile for an access token
func FetchProfile(ctx context.Context, client *http.Client, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.GoogleUserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch profile: unexpected status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &profile, nil
}

// LoginResult is the outcome of a complete interactive login
type LoginResult struct {
	Tokens  *TokenSet
	Profile *Profile
}

// RunLoginFlow drives the full interactive OAuth flow: build the URL, wait
// for the callback, verify CSRF state, and exchange the code. openURL is the
// best-effort browser launcher; a nil value just prints the URL.
func RunLoginFlow(ctx context.Context, client *http.Client, openURL func(string) error, usePKCE bool) (*LoginResult, error) {
	server, err := StartCallbackServer()
	if err != nil {
		return nil, err
	}

	request, err := BuildAuthorizationRequest(server.Port(), usePKCE)
	if err != nil {
		server.Close()
		return nil, err
	}

	utils.Info("[OAuth] Open the following URL to sign in:")
	utils.Info("[OAuth] %s", request.URL)
	if openURL != nil {
		if openErr := openURL(request.URL); openErr != nil {
			utils.Debug("[OAuth] Browser launch failed: %v", openErr)
		}
	}

	callback, err := server.Wait(ctx, 5*time.Minute)
	if err != nil {
		return nil, err
	}

	if callback.State != request.State {
		return nil, gwerr.NewCSRFError()
	}

	verifier := ""
	if request.PKCE != nil {
		verifier = request.PKCE.Verifier
	}
	tokens, err := ExchangeCode(ctx, client, callback.Code, config.OAuthRedirectURI(server.Port()), verifier)
	if err != nil {
		return nil, err
	}

	profile, err := FetchProfile(ctx, client, tokens.AccessToken)
	if err != nil {
		utils.Warn("[OAuth] Profile lookup failed: %v", err)
		profile = &Profile{}
	}

	utils.Success("[OAuth] Signed in as %s", profile.Email)
	return &LoginResult{Tokens: tokens, Profile: profile}, nil
}
