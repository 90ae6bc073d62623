package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/gwerr"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// TokenSet is an issued access/refresh token pair
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	IssuedAt     int64  `json:"issuedAt"`
}

// ExpiresAt returns the absolute expiry in Unix milliseconds
func (t *TokenSet) ExpiresAt() int64 {
	return t.IssuedAt + t.ExpiresIn*1000
}

// IsExpired reports whether the token should be refreshed. The refresh
// buffer makes tokens expire early so a request never races actual expiry.
func (t *TokenSet) IsExpired(nowMs int64) bool {
	return nowMs >= t.ExpiresAt()-config.TokenRefreshBufferMs
}

func refreshRetryDelayMs(attempt int) int64 {
	delay := int64(config.InitialRetryDelayMs) << attempt
	if delay > config.MaxRetryDelayMs {
		return config.MaxRetryDelayMs
	}
	return delay
}

func isRetryableRefreshStatus(status int) bool {
	return status == 0 || status == 429 || (status >= 500 && status < 600)
}

// parseOAuthErrorPayload extracts the OAuth error code and description from
// a failed token endpoint response. The "error" field may be a string or an
// object depending on which Google frontend answered.
func parseOAuthErrorPayload(body []byte) (code, description string) {
	if len(body) == 0 {
		return "", ""
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", strings.TrimSpace(string(body))
	}
	switch v := payload["error"].(type) {
	case string:
		code = v
	case map[string]interface{}:
		if s, ok := v["status"].(string); ok {
			code = s
		}
		if m, ok := v["message"].(string); ok {
			description = m
		}
	}
	if d, ok := payload["error_description"].(string); ok {
		description = d
	}
	return code, description
}

// RefreshAccessToken exchanges a refresh token for a fresh TokenSet with
// bounded retries. Network errors, 429 and 5xx are retried with exponential
// backoff; invalid_grant stops immediately because the refresh token is
// permanently dead.
func RefreshAccessToken(ctx context.Context, client *http.Client, refreshToken string) (*TokenSet, error) {
	params := url.Values{}
	params.Set("grant_type", "refresh_token")
	params.Set("refresh_token", refreshToken)
	params.Set("client_id", config.OAuthClientID)
	params.Set("client_secret", config.OAuthClientSecret)
	encoded := params.Encode()

	var lastErr *gwerr.TokenRefreshError
	for attempt := 0; attempt <= config.MaxRefreshRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.GoogleTokenURL,
			strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = gwerr.NewTokenRefreshError(
				fmt.Sprintf("network error during token refresh: %v", err), "", "", 0)
			if attempt < config.MaxRefreshRetries {
				utils.SleepMs(refreshRetryDelayMs(attempt))
			}
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			var payload struct {
				AccessToken  string `json:"access_token"`
				RefreshToken string `json:"refresh_token"`
				ExpiresIn    int64  `json:"expires_in"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return nil, fmt.Errorf("parse refresh response: %w", err)
			}
			next := payload.RefreshToken
			if next == "" {
				next = refreshToken
			}
			return &TokenSet{
				AccessToken:  payload.AccessToken,
				RefreshToken: next,
				ExpiresIn:    payload.ExpiresIn,
				IssuedAt:     utils.NowMs(),
			}, nil
		}

		oauthCode, description := parseOAuthErrorPayload(body)
		message := description
		if message == "" {
			message = fmt.Sprintf("token refresh failed: %d %s", resp.StatusCode, resp.Status)
		}
		lastErr = gwerr.NewTokenRefreshError(message, oauthCode, description, resp.StatusCode)

		if oauthCode == "invalid_grant" {
			return nil, lastErr
		}
		if !isRetryableRefreshStatus(resp.StatusCode) {
			return nil, lastErr
		}
		if attempt < config.MaxRefreshRetries {
			utils.SleepMs(refreshRetryDelayMs(attempt))
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, gwerr.NewTokenRefreshError("token refresh failed after all retries", "", "", 0)
}
