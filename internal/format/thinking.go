package format

import (
	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// ThinkingConfig is the resolved thinking request for one call. A nil
// *ThinkingConfig means "no preference"; a zero-budget disabled config means
// thinking must be stripped from the request.
type ThinkingConfig struct {
	IncludeThoughts bool
	Budget          int
}

// Disabled reports whether thinking is explicitly turned off
func (t *ThinkingConfig) Disabled() bool {
	return t != nil && !t.IncludeThoughts && t.Budget == 0
}

// ExtractThinkingConfig pulls the caller's thinking preference out of a
// request body. Sources in precedence order: generationConfig.thinkingConfig,
// extra_body.thinkingConfig, a top-level thinkingConfig, an Anthropic-style
// thinking block, and finally reasoning_effort.
func ExtractThinkingConfig(body map[string]interface{}) *ThinkingConfig {
	if body == nil {
		return nil
	}

	if generationConfig, ok := body["generationConfig"].(map[string]interface{}); ok {
		if cfg := thinkingConfigFromMap(generationConfig["thinkingConfig"]); cfg != nil {
			return cfg
		}
	}
	if extraBody, ok := body["extra_body"].(map[string]interface{}); ok {
		if cfg := thinkingConfigFromMap(extraBody["thinkingConfig"]); cfg != nil {
			return cfg
		}
	}
	if cfg := thinkingConfigFromMap(body["thinkingConfig"]); cfg != nil {
		return cfg
	}

	if thinking, ok := body["thinking"].(map[string]interface{}); ok {
		if thinkingType, _ := thinking["type"].(string); thinkingType == "enabled" {
			budget := intFromJSON(thinking["budget_tokens"])
			if budget <= 0 {
				budget = config.DefaultThinkingBudget
			}
			return &ThinkingConfig{IncludeThoughts: true, Budget: budget}
		}
	}

	if effort, ok := body["reasoning_effort"].(string); ok {
		if budget, known := config.ReasoningEffortBudgets[effort]; known {
			if budget == 0 {
				return &ThinkingConfig{IncludeThoughts: false, Budget: 0}
			}
			return &ThinkingConfig{IncludeThoughts: true, Budget: budget}
		}
		utils.Debug("[Thinking] Unknown reasoning_effort %q ignored", effort)
	}
	return nil
}

func thinkingConfigFromMap(raw interface{}) *ThinkingConfig {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	cfg := &ThinkingConfig{}
	if include, ok := m["includeThoughts"].(bool); ok {
		cfg.IncludeThoughts = include
	} else if include, ok := m["include_thoughts"].(bool); ok {
		cfg.IncludeThoughts = include
	}
	cfg.Budget = intFromJSON(m["thinkingBudget"])
	if cfg.Budget == 0 {
		cfg.Budget = intFromJSON(m["thinking_budget"])
	}
	if cfg.Budget == 0 {
		cfg.Budget = config.DefaultThinkingBudget
	}
	return cfg
}

func intFromJSON(raw interface{}) int {
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// ResolveThinkingConfig decides the effective thinking config for a call.
// Claude models cannot resume thinking over an existing assistant history, so
// it is forced off there. Thinking-capable models with no caller preference
// get the default budget.
func ResolveThinkingConfig(model string, cfg *ThinkingConfig, hasAssistantHistory bool) *ThinkingConfig {
	if config.FamilyFromModelName(model) == config.FamilyClaude && hasAssistantHistory {
		return &ThinkingConfig{IncludeThoughts: false, Budget: 0}
	}
	if cfg == nil {
		if config.IsThinkingCapableModel(model) {
			return &ThinkingConfig{IncludeThoughts: true, Budget: config.DefaultThinkingBudget}
		}
		return nil
	}
	return cfg
}

// HasAssistantHistory reports whether an OpenAI message list already contains
// assistant turns.
func HasAssistantHistory(body map[string]interface{}) bool {
	messages, _ := body["messages"].([]interface{})
	for _, raw := range messages {
		if msg, ok := raw.(map[string]interface{}); ok {
			if role, _ := msg["role"].(string); role == "assistant" {
				return true
			}
		}
	}
	return false
}

// budgetLevelThresholds maps numeric budgets onto discrete level names for
// models that take levels instead of token counts.
var budgetLevelThresholds = []struct {
	budget int
	level  string
}{
	{512, "minimal"},
	{1024, "low"},
	{8192, "medium"},
	{24576, "high"},
}

func levelForBudget(budget int, levels []string) string {
	allowed := make(map[string]bool, len(levels))
	for _, level := range levels {
		allowed[level] = true
	}
	for _, threshold := range budgetLevelThresholds {
		if budget <= threshold.budget && allowed[threshold.level] {
			return threshold.level
		}
	}
	return levels[len(levels)-1]
}

func clampBudget(budget int, profile config.ModelThinkingProfile) int {
	if budget == 0 && profile.ZeroAllowed {
		return 0
	}
	if budget < profile.Min {
		return profile.Min
	}
	if budget > profile.Max {
		return profile.Max
	}
	return budget
}

// ApplyThinkingConfig writes the resolved thinking config into a Gemini
// request body, translating budgets into levels for models that need them.
// A disabled config removes any thinkingConfig already present.
func ApplyThinkingConfig(geminiBody map[string]interface{}, model string, cfg *ThinkingConfig) {
	generationConfig, _ := geminiBody["generationConfig"].(map[string]interface{})

	if cfg == nil || cfg.Disabled() {
		if generationConfig != nil {
			delete(generationConfig, "thinkingConfig")
		}
		return
	}

	profile, ok := config.ThinkingProfileForModel(model)
	if !ok {
		return
	}

	if generationConfig == nil {
		generationConfig = make(map[string]interface{})
		geminiBody["generationConfig"] = generationConfig
	}

	thinkingConfig := map[string]interface{}{
		"include_thoughts": true,
	}
	switch profile.Type {
	case config.ThinkingLevels:
		thinkingConfig["thinkingLevel"] = levelForBudget(cfg.Budget, profile.Levels)
	default:
		if cfg.Budget > 0 {
			thinkingConfig["thinkingBudget"] = clampBudget(cfg.Budget, profile)
		}
	}
	generationConfig["thinkingConfig"] = thinkingConfig
}
