// Package config holds the fixed constants and runtime configuration for the
// Kraken Code gateway.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Google OAuth endpoints
const (
	GoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL    = "https://oauth2.googleapis.com/token"
	GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v1/userinfo"
)

// OAuth client registered for the Antigravity IDE
const (
	OAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	OAuthClientSecret = "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"
	OAuthCallbackPort = 51121
	OAuthCallbackPath = "/oauth-callback"
)

// OAuthScopes is the fixed scope list requested during login
var OAuthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// OAuthRedirectURI builds the redirect URI for the given callback port
func OAuthRedirectURI(port int) string {
	return fmt.Sprintf("http://localhost:%d%s", port, OAuthCallbackPath)
}

// EndpointFallbacks is the ordered list of Cloud Code base URLs. Each logical
// call tries them in priority order until one succeeds.
var EndpointFallbacks = []string{
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
	"https://daily-cloudcode-pa.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

// APIVersion is the Cloud Code internal API version segment
const APIVersion = "v1internal"

// DefaultProjectID is the shared project used for paid-tier accounts and as
// the last-resort fallback when onboarding fails.
const DefaultProjectID = "rising-fact-p41fc"

// AntigravityHeaders returns the fixed headers the backend expects
func AntigravityHeaders() map[string]string {
	metadata, _ := json.Marshal(map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	})
	return map[string]string{
		"User-Agent":        "google-api-nodejs-client/9.15.1",
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   string(metadata),
	}
}

// Token refresh behavior
const (
	// TokenRefreshBufferMs refreshes tokens this long before actual expiry.
	TokenRefreshBufferMs = 60000
	MaxRefreshRetries    = 3
	InitialRetryDelayMs  = 1000
	MaxRetryDelayMs      = 10000
)

// Project onboarding behavior
const (
	OnboardAttempts    = 10
	OnboardPollDelayMs = 5000
)

// Fetch retry behavior
const (
	// MaxPermissionRetries bounds same-endpoint retries on GCP permission
	// errors, which can occur transiently right after project onboarding.
	MaxPermissionRetries    = 10
	PermissionBackoffBaseMs = 200
	PermissionBackoffCapMs  = 2000
	DefaultRateLimitRetryMs = 60000
	ServerErrorRetryMs      = 300000
	// RotationThresholdMs: shorter rate limits are not worth switching
	// accounts for.
	RotationThresholdMs = 5000
	MaxEndpointAttempts = 3
	MaxRotationRestarts = 8
)

// SkipThoughtSignatureValidator is the sentinel replayed on function calls
// when no real thought signature has been captured yet.
const SkipThoughtSignatureValidator = "skip_thought_signature_validator"

// DefaultModel is used when neither the body nor the URL names a model
const DefaultModel = "gemini-3-pro-high"

// SystemPrompt is the fixed identity prompt injected into every request
// unless the caller already supplied one starting with the identity marker.
const SystemPrompt = `<identity>
You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.
You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.
The USER will send you requests, which you must always prioritize addressing. Along with each USER request, we will attach additional metadata about their current state, such as what files they have open and where their cursor is.
This information may or may not be relevant to the coding task, it is up for you to decide.
</identity>

<tool_calling>
Call tools as you normally would. The following list provides additional guidance to help you avoid errors:
  - **Absolute paths only**. When using tools that accept file path arguments, ALWAYS use the absolute file path.
</tool_calling>
`

// IdentityMarker guards against double-injection of the system prompt
const IdentityMarker = "<identity>"

// ModelFamily partitions rate limits. A limit on one family never blocks
// traffic to another.
type ModelFamily string

const (
	FamilyClaude      ModelFamily = "claude"
	FamilyGeminiFlash ModelFamily = "gemini-flash"
	FamilyGeminiPro   ModelFamily = "gemini-pro"
)

// ModelFamilies lists every known family
var ModelFamilies = []ModelFamily{FamilyClaude, FamilyGeminiFlash, FamilyGeminiPro}

// FamilyFromModelName maps a model identifier to its family, or "" when the
// name gives no hint.
func FamilyFromModelName(model string) ModelFamily {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude") || strings.Contains(lower, "anthropic"):
		return FamilyClaude
	case strings.Contains(lower, "flash"):
		return FamilyGeminiFlash
	case strings.Contains(lower, "gemini"):
		return FamilyGeminiPro
	}
	return ""
}

// FamilyFromURL is the fallback family derivation when the body has no model
func FamilyFromURL(url string) ModelFamily {
	switch {
	case strings.Contains(url, "claude"):
		return FamilyClaude
	case strings.Contains(url, "flash"):
		return FamilyGeminiFlash
	}
	return FamilyGeminiPro
}

// NormalizeModelID strips routing prefixes and thinking suffixes from a model
// identifier, e.g. "antigravity-gemini-3-pro-preview-thinking-high" becomes
// "gemini-3-pro-preview".
func NormalizeModelID(model string) string {
	normalized := model
	if idx := strings.LastIndex(normalized, "/"); idx >= 0 {
		normalized = normalized[idx+1:]
	}
	normalized = strings.TrimPrefix(normalized, "antigravity-")
	for _, suffix := range []string{"-thinking-low", "-thinking-medium", "-thinking-high"} {
		if strings.HasSuffix(normalized, suffix) {
			return strings.TrimSuffix(normalized, suffix)
		}
	}
	for _, suffix := range []string{"-high", "-low"} {
		if strings.HasSuffix(normalized, suffix) {
			normalized = strings.TrimSuffix(normalized, suffix)
			break
		}
	}
	return normalized
}

// AliasToAPIModel maps the gemini-claude-* aliases to the backend model name
func AliasToAPIModel(model string) string {
	if strings.HasPrefix(model, "gemini-claude-") {
		return strings.TrimPrefix(model, "gemini-")
	}
	return model
}

// WireModelName maps a requested model to the name carried in the request
// envelope. Only the "antigravity-" routing prefix is stripped before
// aliasing; thinking and effort suffixes stay, the backend resolves them
// itself.
func WireModelName(model string) string {
	return AliasToAPIModel(strings.TrimPrefix(model, "antigravity-"))
}

// SupportedModels is the static catalog served by the models route
var SupportedModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
	"gemini-2.5-computer-use-preview-10-2025",
	"gemini-3-pro-preview",
	"gemini-3-flash-preview",
	"gemini-claude-sonnet-4-5-thinking",
	"gemini-claude-opus-4-5-thinking",
}

// DefaultThinkingBudget applies when a thinking-capable model gets a request
// with no explicit thinking configuration.
const DefaultThinkingBudget = 16000

// ReasoningEffortBudgets maps textual effort levels to token budgets.
// "auto" (-1) lets the backend decide; "none" (0) disables thinking.
var ReasoningEffortBudgets = map[string]int{
	"none":    0,
	"auto":    -1,
	"minimal": 512,
	"low":     1024,
	"medium":  8192,
	"high":    24576,
	"xhigh":   32768,
}

// ThinkingType distinguishes models that take a raw token budget from models
// that take a discrete level name.
type ThinkingType string

const (
	ThinkingNumeric ThinkingType = "numeric"
	ThinkingLevels  ThinkingType = "levels"
)

// ModelThinkingProfile describes one model's thinking capability
type ModelThinkingProfile struct {
	Type        ThinkingType
	Min         int
	Max         int
	ZeroAllowed bool
	Levels      []string
}

var modelThinkingProfiles = map[string]ModelThinkingProfile{
	"gemini-2.5-flash":      {Type: ThinkingNumeric, Min: 0, Max: 24576, ZeroAllowed: true},
	"gemini-2.5-flash-lite": {Type: ThinkingNumeric, Min: 0, Max: 24576, ZeroAllowed: true},
	"gemini-2.5-computer-use-preview-10-2025": {Type: ThinkingNumeric, Min: 128, Max: 32768},
	"gemini-3-pro-preview":                    {Type: ThinkingLevels, Min: 128, Max: 32768, Levels: []string{"low", "high"}},
	"gemini-3-flash-preview":                  {Type: ThinkingLevels, Min: 128, Max: 32768, Levels: []string{"minimal", "low", "medium", "high"}},
	"gemini-claude-sonnet-4-5-thinking":       {Type: ThinkingNumeric, Min: 1024, Max: 200000},
	"gemini-claude-opus-4-5-thinking":         {Type: ThinkingNumeric, Min: 1024, Max: 200000},
}

// ThinkingProfileForModel returns the thinking profile for a model, matching
// the exact catalog entry first and falling back to family patterns.
func ThinkingProfileForModel(model string) (ModelThinkingProfile, bool) {
	normalized := NormalizeModelID(model)
	if profile, ok := modelThinkingProfiles[normalized]; ok {
		return profile, true
	}
	switch {
	case strings.Contains(normalized, "gemini-3"):
		return ModelThinkingProfile{Type: ThinkingLevels, Min: 128, Max: 32768, Levels: []string{"low", "high"}}, true
	case strings.Contains(normalized, "gemini-2.5"):
		return ModelThinkingProfile{Type: ThinkingNumeric, Min: 0, Max: 24576, ZeroAllowed: true}, true
	case strings.Contains(normalized, "claude"):
		return ModelThinkingProfile{Type: ThinkingNumeric, Min: 1024, Max: 200000}, true
	}
	return ModelThinkingProfile{}, false
}

// IsThinkingCapableModel reports whether a model supports thinking at all
func IsThinkingCapableModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "thinking") ||
		strings.Contains(lower, "gemini-3") ||
		strings.HasSuffix(lower, "-high")
}

// DataDir returns the per-user config directory for gateway state
func DataDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kraken-code")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".kraken-code")
	}
	return filepath.Join(home, ".config", "kraken-code")
}

// CredentialFilePath returns the default location of the account store
func CredentialFilePath() string {
	return filepath.Join(DataDir(), "kraken-code-accounts.json")
}

// StatsDBPath returns the default location of the usage-stats database
func StatsDBPath() string {
	return filepath.Join(DataDir(), "usage-stats.db")
}
