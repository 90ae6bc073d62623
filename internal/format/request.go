package format

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

var modelFromURLPattern = regexp.MustCompile(`/models/([^:/]+):`)

// EffectiveModel resolves the model a request targets: an explicit override
// wins, then the body's model field, then the model segment of the URL.
func EffectiveModel(urlStr string, body map[string]interface{}, override string) string {
	if override != "" {
		return override
	}
	if body != nil {
		if model, ok := body["model"].(string); ok && model != "" {
			return model
		}
	}
	if match := modelFromURLPattern.FindStringSubmatch(urlStr); match != nil {
		return match[1]
	}
	return config.DefaultModel
}

// IsStreamingRequest reports whether a request expects an SSE response
func IsStreamingRequest(urlStr string, body map[string]interface{}) bool {
	if strings.Contains(urlStr, ":streamGenerateContent") {
		return true
	}
	if body != nil {
		if stream, ok := body["stream"].(bool); ok && stream {
			return true
		}
	}
	return false
}

// NormalizeOpenAITools converts OpenAI tool definitions into Gemini
// functionDeclarations. Non-function tools are skipped with a warning.
// Returns nil when nothing convertible remains.
func NormalizeOpenAITools(tools []interface{}) []interface{} {
	declarations := make([]interface{}, 0, len(tools))

	for _, raw := range tools {
		tool, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if toolType, _ := tool["type"].(string); toolType != "function" {
			utils.Warn("[Format] Skipping unsupported tool type %q", tool["type"])
			continue
		}
		fn, ok := tool["function"].(map[string]interface{})
		if !ok {
			continue
		}

		declaration := map[string]interface{}{
			"name": fn["name"],
		}
		if description, ok := fn["description"].(string); ok && description != "" {
			declaration["description"] = description
		}
		if parameters, ok := fn["parameters"].(map[string]interface{}); ok {
			declaration["parameters"] = parameters
		} else {
			declaration["parameters"] = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		declarations = append(declarations, declaration)
	}

	if len(declarations) == 0 {
		return nil
	}
	return []interface{}{
		map[string]interface{}{"functionDeclarations": declarations},
	}
}

// convertContentToParts converts an OpenAI message content value (string or
// block array) into Gemini parts. Inline base64 images become inlineData.
func convertContentToParts(content interface{}) []interface{} {
	parts := make([]interface{}, 0, 1)

	switch c := content.(type) {
	case string:
		if c != "" {
			parts = append(parts, map[string]interface{}{"text": c})
		}
	case []interface{}:
		for _, item := range c {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if text, ok := block["text"].(string); ok && text != "" {
					parts = append(parts, map[string]interface{}{"text": text})
				}
			case "image_url":
				if part := imagePartFromBlock(block); part != nil {
					parts = append(parts, part)
				}
			}
		}
	}
	return parts
}

var dataURLPattern = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

func imagePartFromBlock(block map[string]interface{}) map[string]interface{} {
	imageURL, ok := block["image_url"].(map[string]interface{})
	if !ok {
		return nil
	}
	urlStr, ok := imageURL["url"].(string)
	if !ok {
		return nil
	}
	match := dataURLPattern.FindStringSubmatch(urlStr)
	if match == nil {
		utils.Warn("[Format] Skipping non-inline image URL")
		return nil
	}
	return map[string]interface{}{
		"inlineData": map[string]interface{}{
			"mimeType": match[1],
			"data":     match[2],
		},
	}
}

// ConvertOpenAIToGemini converts an OpenAI chat-completions body into a
// Gemini request body. signatureFor supplies the cached thought signature to
// replay on a tool call, or "" when none was captured.
func ConvertOpenAIToGemini(body map[string]interface{}, signatureFor func(toolCallID string) string) map[string]interface{} {
	result := make(map[string]interface{})
	contents := make([]interface{}, 0)

	messages, _ := body["messages"].([]interface{})
	for _, raw := range messages {
		msg, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)

		switch role {
		case "system":
			// The backend has no system role on this surface; system text
			// rides as a leading user turn.
			parts := convertContentToParts(msg["content"])
			if len(parts) > 0 {
				contents = append(contents, map[string]interface{}{"role": "user", "parts": parts})
			}

		case "user":
			parts := convertContentToParts(msg["content"])
			if len(parts) > 0 {
				contents = append(contents, map[string]interface{}{"role": "user", "parts": parts})
			}

		case "assistant":
			parts := convertContentToParts(msg["content"])
			if toolCalls, ok := msg["tool_calls"].([]interface{}); ok {
				for _, rawCall := range toolCalls {
					if part := functionCallPart(rawCall, signatureFor); part != nil {
						parts = append(parts, part)
					}
				}
			}
			if len(parts) > 0 {
				contents = append(contents, map[string]interface{}{"role": "model", "parts": parts})
			}

		case "tool":
			name, _ := msg["name"].(string)
			if name == "" {
				name = "unknown"
			}
			contents = append(contents, map[string]interface{}{
				"role": "user",
				"parts": []interface{}{
					map[string]interface{}{
						"functionResponse": map[string]interface{}{
							"name":     name,
							"response": toolResponsePayload(msg["content"]),
						},
					},
				},
			})
		}
	}
	result["contents"] = contents

	if tools, ok := body["tools"].([]interface{}); ok {
		if normalized := NormalizeOpenAITools(tools); normalized != nil {
			result["tools"] = normalized
		}
	}

	if generationConfig := buildGenerationConfig(body); len(generationConfig) > 0 {
		result["generationConfig"] = generationConfig
	}
	return result
}

func functionCallPart(rawCall interface{}, signatureFor func(string) string) map[string]interface{} {
	call, ok := rawCall.(map[string]interface{})
	if !ok {
		return nil
	}
	fn, ok := call["function"].(map[string]interface{})
	if !ok {
		return nil
	}
	name, _ := fn["name"].(string)

	args := map[string]interface{}{}
	if argStr, ok := fn["arguments"].(string); ok && argStr != "" {
		if err := json.Unmarshal([]byte(argStr), &args); err != nil {
			utils.Debug("[Format] Tool call arguments for %s are not valid JSON", name)
			args = map[string]interface{}{}
		}
	}

	signature := ""
	if signatureFor != nil {
		callID, _ := call["id"].(string)
		signature = signatureFor(callID)
	}
	if signature == "" {
		signature = config.SkipThoughtSignatureValidator
	}

	return map[string]interface{}{
		"functionCall": map[string]interface{}{
			"name": name,
			"args": args,
		},
		"thoughtSignature": signature,
	}
}

// toolResponsePayload parses a tool result as JSON where possible and wraps
// plain text otherwise.
func toolResponsePayload(content interface{}) interface{} {
	text, ok := content.(string)
	if !ok {
		if content == nil {
			return map[string]interface{}{"result": ""}
		}
		return content
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return parsed
	}
	return map[string]interface{}{"result": text}
}

func buildGenerationConfig(body map[string]interface{}) map[string]interface{} {
	generationConfig := make(map[string]interface{})
	if existing, ok := body["generationConfig"].(map[string]interface{}); ok {
		for k, v := range existing {
			generationConfig[k] = v
		}
	}
	if temperature, ok := body["temperature"]; ok {
		generationConfig["temperature"] = temperature
	}
	if topP, ok := body["top_p"]; ok {
		generationConfig["topP"] = topP
	}
	if maxTokens, ok := body["max_tokens"]; ok {
		generationConfig["maxOutputTokens"] = maxTokens
	}
	if stop, ok := body["stop"].([]interface{}); ok && len(stop) > 0 {
		generationConfig["stopSequences"] = stop
	}
	return generationConfig
}

// InjectThoughtSignatures fills in thoughtSignature on any functionCall part
// that lacks one. Parts that already carry a signature are left alone.
func InjectThoughtSignatures(geminiBody map[string]interface{}, signature string) {
	if signature == "" {
		signature = config.SkipThoughtSignatureValidator
	}
	contents, _ := geminiBody["contents"].([]interface{})
	for _, rawContent := range contents {
		content, ok := rawContent.(map[string]interface{})
		if !ok {
			continue
		}
		parts, _ := content["parts"].([]interface{})
		for _, rawPart := range parts {
			part, ok := rawPart.(map[string]interface{})
			if !ok {
				continue
			}
			if _, isCall := part["functionCall"]; !isCall {
				continue
			}
			if existing, ok := part["thoughtSignature"].(string); ok && existing != "" {
				continue
			}
			part["thoughtSignature"] = signature
		}
	}
}

// InjectSystemPrompt prepends the fixed identity prompt to the request's
// systemInstruction unless one carrying the identity marker is already there.
func InjectSystemPrompt(geminiBody map[string]interface{}) {
	existingParts := make([]interface{}, 0)
	if instruction, ok := geminiBody["systemInstruction"].(map[string]interface{}); ok {
		parts, _ := instruction["parts"].([]interface{})
		for i, rawPart := range parts {
			part, ok := rawPart.(map[string]interface{})
			if !ok {
				continue
			}
			text, _ := part["text"].(string)
			if i == 0 && strings.Contains(text, config.IdentityMarker) {
				return
			}
			if text != "" {
				existingParts = append(existingParts, map[string]interface{}{"text": text})
			}
		}
	}

	parts := append([]interface{}{map[string]interface{}{"text": config.SystemPrompt}}, existingParts...)
	geminiBody["systemInstruction"] = map[string]interface{}{
		"role":  "user",
		"parts": parts,
	}
}

// WrapRequestBody wraps a Gemini body in the Cloud Code envelope. Already
// wrapped bodies pass through unchanged.
func WrapRequestBody(geminiBody map[string]interface{}, projectID, model, sessionID string) map[string]interface{} {
	if _, wrapped := geminiBody["request"]; wrapped {
		if _, hasProject := geminiBody["project"]; hasProject {
			return geminiBody
		}
	}

	request := make(map[string]interface{}, len(geminiBody)+2)
	for k, v := range geminiBody {
		if k == "model" || k == "safetySettings" {
			continue
		}
		request[k] = v
	}
	request["sessionId"] = sessionID
	request["toolConfig"] = map[string]interface{}{
		"functionCallingConfig": map[string]interface{}{"mode": "VALIDATED"},
	}

	return map[string]interface{}{
		"project":     projectID,
		"model":       config.WireModelName(model),
		"userAgent":   "antigravity",
		"requestType": "agent",
		"requestId":   "agent-" + uuid.NewString(),
		"request":     request,
	}
}
