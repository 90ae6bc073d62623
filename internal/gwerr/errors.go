// Package gwerr provides the typed errors surfaced by the gateway.
package gwerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GatewayError is the base error carried by every typed gateway failure
type GatewayError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

// ToJSON converts the error to a map for API responses
func (e *GatewayError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler
func (e *GatewayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// CSRFError is raised when the OAuth callback state does not match the one
// issued with the authorization URL.
type CSRFError struct {
	*GatewayError
}

// NewCSRFError creates a CSRFError
func NewCSRFError() *CSRFError {
	return &CSRFError{GatewayError: &GatewayError{
		Message: "OAuth state mismatch, possible CSRF attempt",
		Code:    "CSRF_STATE_MISMATCH",
	}}
}

// UserDeniedError is raised when the consent screen returns access_denied
type UserDeniedError struct {
	*GatewayError
}

// NewUserDeniedError creates a UserDeniedError
func NewUserDeniedError() *UserDeniedError {
	return &UserDeniedError{GatewayError: &GatewayError{
		Message: "Login cancelled: consent was denied on the Google authorization page",
		Code:    "USER_DENIED",
	}}
}

// TokenRefreshError carries the OAuth error payload of a failed refresh.
// IsInvalidGrant marks a permanently revoked refresh token.
type TokenRefreshError struct {
	*GatewayError
	OAuthCode   string `json:"oauthCode,omitempty"`
	Description string `json:"description,omitempty"`
	Status      int    `json:"status"`
}

// NewTokenRefreshError creates a TokenRefreshError
func NewTokenRefreshError(message, oauthCode, description string, status int) *TokenRefreshError {
	retryable := status == 0 || status == 429 || (status >= 500 && status < 600)
	if oauthCode == "invalid_grant" {
		retryable = false
	}
	return &TokenRefreshError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "TOKEN_REFRESH_FAILED",
			Retryable: retryable,
			Metadata: map[string]interface{}{
				"status": status,
			},
		},
		OAuthCode:   oauthCode,
		Description: description,
		Status:      status,
	}
}

// IsInvalidGrant reports whether the refresh token is permanently revoked
func (e *TokenRefreshError) IsInvalidGrant() bool {
	return e.OAuthCode == "invalid_grant"
}

// RateLimitError is a family-scoped 429 or 5xx from the backend
type RateLimitError struct {
	*GatewayError
	RetryAfterMs int64 `json:"retryAfterMs"`
	Status       int   `json:"status"`
}

// NewRateLimitError creates a RateLimitError
func NewRateLimitError(status int, retryAfterMs int64) *RateLimitError {
	kind := "Rate limited"
	if status >= 500 {
		kind = fmt.Sprintf("Server error (%d)", status)
	}
	return &RateLimitError{
		GatewayError: &GatewayError{
			Message:   fmt.Sprintf("%s. Retry after %d seconds", kind, (retryAfterMs+999)/1000),
			Code:      "RATE_LIMITED",
			Retryable: true,
			Metadata: map[string]interface{}{
				"retryAfterMs": retryAfterMs,
			},
		},
		RetryAfterMs: retryAfterMs,
		Status:       status,
	}
}

// PermissionDeniedError is a GCP-side 403 that exhausted its retries
type PermissionDeniedError struct {
	*GatewayError
	Endpoint string `json:"endpoint,omitempty"`
}

// NewPermissionDeniedError creates a PermissionDeniedError
func NewPermissionDeniedError(endpoint, detail string) *PermissionDeniedError {
	return &PermissionDeniedError{
		GatewayError: &GatewayError{
			Message: fmt.Sprintf("Permission denied by backend: %s", detail),
			Code:    "PERMISSION_DENIED",
			Metadata: map[string]interface{}{
				"endpoint": endpoint,
			},
		},
		Endpoint: endpoint,
	}
}

// EndpointExhaustedError means every candidate endpoint failed
type EndpointExhaustedError struct {
	*GatewayError
	Attempts int `json:"attempts"`
}

// NewEndpointExhaustedError creates an EndpointExhaustedError
func NewEndpointExhaustedError(attempts int) *EndpointExhaustedError {
	return &EndpointExhaustedError{
		GatewayError: &GatewayError{
			Message:   fmt.Sprintf("All backend endpoints failed after %d attempts", attempts),
			Code:      "ALL_ENDPOINTS_FAILED",
			Retryable: true,
			Metadata: map[string]interface{}{
				"attempts": attempts,
			},
		},
		Attempts: attempts,
	}
}

// NoAccountsError means no account is configured or eligible
type NoAccountsError struct {
	*GatewayError
	AllRateLimited bool `json:"allRateLimited"`
}

// NewNoAccountsError creates a NoAccountsError
func NewNoAccountsError(allRateLimited bool) *NoAccountsError {
	message := "No accounts available"
	if allRateLimited {
		message = "All accounts are rate-limited"
	}
	return &NoAccountsError{
		GatewayError: &GatewayError{
			Message:   message,
			Code:      "NO_ACCOUNTS",
			Retryable: allRateLimited,
		},
		AllRateLimited: allRateLimited,
	}
}

// IsInvalidGrant reports whether err wraps a revoked refresh token
func IsInvalidGrant(err error) bool {
	var refreshErr *TokenRefreshError
	if errors.As(err, &refreshErr) {
		return refreshErr.IsInvalidGrant()
	}
	return strings.Contains(strings.ToLower(errMessage(err)), "invalid_grant")
}

// IsRateLimit reports whether err is a rate-limit failure
func IsRateLimit(err error) bool {
	var rateErr *RateLimitError
	return errors.As(err, &rateErr)
}

// HTTPStatusFromError returns the status code to surface for an error
func HTTPStatusFromError(err error) int {
	var (
		csrfErr    *CSRFError
		deniedErr  *UserDeniedError
		refreshErr *TokenRefreshError
		rateErr    *RateLimitError
		permErr    *PermissionDeniedError
		exhausted  *EndpointExhaustedError
		noAccounts *NoAccountsError
	)
	switch {
	case errors.As(err, &csrfErr), errors.As(err, &deniedErr):
		return 400
	case errors.As(err, &refreshErr):
		return 401
	case errors.As(err, &rateErr):
		if rateErr.Status >= 500 {
			return rateErr.Status
		}
		return 429
	case errors.As(err, &permErr):
		return 403
	case errors.As(err, &exhausted):
		return 503
	case errors.As(err, &noAccounts):
		if noAccounts.AllRateLimited {
			return 429
		}
		return 503
	}
	return 500
}

// FormatAPIError renders err as the JSON error body returned to clients
func FormatAPIError(err error) map[string]interface{} {
	type jsonable interface {
		ToJSON() map[string]interface{}
	}
	if j, ok := err.(jsonable); ok {
		return map[string]interface{}{"error": j.ToJSON()}
	}
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": errMessage(err),
		},
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
