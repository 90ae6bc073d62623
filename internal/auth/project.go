package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// ProjectContext identifies the backend project a request runs under
type ProjectContext struct {
	ProjectID        string
	ManagedProjectID string
}

// ProjectResolver resolves and caches project contexts per access token.
// It is constructor-injected into each orchestrator rather than shared as a
// process-wide singleton.
type ProjectResolver struct {
	mu        sync.Mutex
	client    *http.Client
	endpoints []string
	cache     map[string]ProjectContext
}

// NewProjectResolver creates a resolver using the standard endpoint fallbacks
func NewProjectResolver(client *http.Client) *ProjectResolver {
	return &ProjectResolver{
		client:    client,
		endpoints: config.EndpointFallbacks,
		cache:     make(map[string]ProjectContext),
	}
}

// SetEndpoints overrides the endpoint fallback list (used by tests)
func (r *ProjectResolver) SetEndpoints(endpoints []string) {
	r.endpoints = endpoints
}

// Invalidate drops the cache entry for one access token
func (r *ProjectResolver) Invalidate(accessToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, accessToken)
}

// InvalidateAll drops every cache entry. Called when a refresh token turns
// out to be revoked, since all cached contexts for it are suspect.
func (r *ProjectResolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]ProjectContext)
}

func (r *ProjectResolver) cached(accessToken string) (ProjectContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.cache[accessToken]
	return pc, ok
}

func (r *ProjectResolver) store(accessToken string, pc ProjectContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[accessToken] = pc
}

// Resolve returns the project context for an access token, onboarding a
// managed project for free-tier accounts when none exists yet. Resolution
// failures degrade to the shared default project instead of erroring.
func (r *ProjectResolver) Resolve(ctx context.Context, accessToken string) (ProjectContext, error) {
	if pc, ok := r.cached(accessToken); ok {
		return pc, nil
	}

	loadPayload := r.callLoadCodeAssist(ctx, accessToken, "")
	if loadPayload != nil {
		if projectID := extractProjectID(loadPayload["cloudaicompanionProject"]); projectID != "" {
			pc := ProjectContext{ProjectID: projectID}
			r.store(accessToken, pc)
			return pc, nil
		}
	}

	if loadPayload == nil {
		// Every endpoint failed outright. Retry once naming the default
		// project, then give up and use it directly.
		fallbackPayload := r.callLoadCodeAssist(ctx, accessToken, config.DefaultProjectID)
		if fallbackPayload != nil {
			if projectID := extractProjectID(fallbackPayload["cloudaicompanionProject"]); projectID != "" {
				pc := ProjectContext{ProjectID: projectID}
				r.store(accessToken, pc)
				return pc, nil
			}
		}
		return ProjectContext{ProjectID: config.DefaultProjectID}, nil
	}

	currentTier := tierID(loadPayload["currentTier"])
	if currentTier != "" && !isFreeTier(currentTier) {
		return ProjectContext{ProjectID: config.DefaultProjectID}, nil
	}

	tier := defaultTierID(loadPayload["allowedTiers"])
	if tier == "" {
		tier = "free-tier"
	}
	if !isFreeTier(tier) {
		return ProjectContext{ProjectID: config.DefaultProjectID}, nil
	}

	managedProjectID := r.onboardManagedProject(ctx, accessToken, tier)
	if managedProjectID != "" {
		pc := ProjectContext{ProjectID: managedProjectID, ManagedProjectID: managedProjectID}
		r.store(accessToken, pc)
		return pc, nil
	}

	utils.Warn("[Project] Onboarding produced no managed project, using default %s", config.DefaultProjectID)
	return ProjectContext{ProjectID: config.DefaultProjectID}, nil
}

// DetectTier reports "paid" or "free" for an access token based on the
// backend's current tier. Unknown or unreachable resolves to "free".
func (r *ProjectResolver) DetectTier(ctx context.Context, accessToken string) string {
	payload := r.callLoadCodeAssist(ctx, accessToken, "")
	if payload == nil {
		return "free"
	}
	tier := tierID(payload["currentTier"])
	if tier != "" && !isFreeTier(tier) {
		return "paid"
	}
	return "free"
}

func (r *ProjectResolver) callLoadCodeAssist(ctx context.Context, accessToken, projectID string) map[string]interface{} {
	metadata := map[string]interface{}{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
	requestBody := map[string]interface{}{"metadata": metadata}
	if projectID != "" {
		metadata["duetProject"] = projectID
		requestBody["cloudaicompanionProject"] = projectID
	}

	for _, endpoint := range r.endpoints {
		url := fmt.Sprintf("%s/%s:loadCodeAssist", endpoint, config.APIVersion)
		payload, err := r.postJSON(ctx, url, accessToken, requestBody)
		if err != nil {
			utils.Debug("[Project] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}
		return payload
	}
	return nil
}

func (r *ProjectResolver) onboardManagedProject(ctx context.Context, accessToken, tierID string) string {
	requestBody := map[string]interface{}{
		"tierId": tierID,
		"metadata": map[string]interface{}{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}

	for attempt := 0; attempt < config.OnboardAttempts; attempt++ {
		for _, endpoint := range r.endpoints {
			url := fmt.Sprintf("%s/%s:onboardUser", endpoint, config.APIVersion)
			payload, err := r.postJSON(ctx, url, accessToken, requestBody)
			if err != nil {
				utils.Debug("[Project] onboardUser failed at %s: %v", endpoint, err)
				continue
			}

			done, _ := payload["done"].(bool)
			if done {
				if response, ok := payload["response"].(map[string]interface{}); ok {
					if project, ok := response["cloudaicompanionProject"].(map[string]interface{}); ok {
						if id, ok := project["id"].(string); ok && id != "" {
							return id
						}
					}
				}
			}
			utils.Debug("[Project] onboardUser not done yet (attempt %d/%d)", attempt+1, config.OnboardAttempts)
		}
		if attempt < config.OnboardAttempts-1 {
			select {
			case <-ctx.Done():
				return ""
			default:
			}
			utils.SleepMs(config.OnboardPollDelayMs)
		}
	}
	return ""
}

func (r *ProjectResolver) postJSON(ctx context.Context, url, accessToken string, body map[string]interface{}) (map[string]interface{}, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.AntigravityHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %.200s", resp.StatusCode, string(data))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func extractProjectID(project interface{}) string {
	switch v := project.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

func tierID(tier interface{}) string {
	if m, ok := tier.(map[string]interface{}); ok {
		if id, ok := m["id"].(string); ok {
			return id
		}
	}
	return ""
}

func defaultTierID(allowedTiers interface{}) string {
	tiers, ok := allowedTiers.([]interface{})
	if !ok || len(tiers) == 0 {
		return ""
	}
	for _, t := range tiers {
		if m, ok := t.(map[string]interface{}); ok {
			if isDefault, _ := m["isDefault"].(bool); isDefault {
				if id, ok := m["id"].(string); ok {
					return id
				}
			}
		}
	}
	if m, ok := tiers[0].(map[string]interface{}); ok {
		if id, ok := m["id"].(string); ok {
			return id
		}
	}
	return ""
}

func isFreeTier(tierID string) bool {
	if tierID == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(tierID), "free")
}
