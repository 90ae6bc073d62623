package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/format"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/gateway"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/server/sse"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// handleHealth reports the pool state and per-family availability
func (s *Server) handleHealth(c *gin.Context) {
	accounts := s.manager.Accounts()
	now := utils.NowMs()

	type accountDetail struct {
		Email      string           `json:"email"`
		Tier       string           `json:"tier"`
		Status     string           `json:"status"`
		LastUsed   string           `json:"lastUsed,omitempty"`
		RateLimits map[string]int64 `json:"rateLimits,omitempty"`
	}

	details := make([]accountDetail, 0, len(accounts))
	available := 0
	for _, a := range accounts {
		detail := accountDetail{
			Email:      a.Email,
			Tier:       a.Tier,
			Status:     "ok",
			RateLimits: make(map[string]int64),
		}
		if a.LastUsed > 0 {
			detail.LastUsed = time.UnixMilli(a.LastUsed).Format(time.RFC3339)
		}

		limited := false
		for family, until := range a.RateLimits {
			if now < until {
				limited = true
				detail.RateLimits[string(family)] = until - now
			}
		}
		if limited {
			detail.Status = "rate-limited"
		} else {
			available++
		}
		details = append(details, detail)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"counts": gin.H{
			"total":     len(accounts),
			"available": available,
		},
		"accounts": details,
	})
}

// handleModels serves the static model catalog in OpenAI list format
func (s *Server) handleModels(c *gin.Context) {
	models := make([]gin.H, 0, len(config.SupportedModels))
	for _, id := range config.SupportedModels {
		models = append(models, gin.H{
			"id":       id,
			"object":   "model",
			"owned_by": "antigravity",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts := s.manager.Accounts()
	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, gin.H{
			"index":     a.Index,
			"email":     a.Email,
			"tier":      a.Tier,
			"projectId": a.ProjectID,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts":    out,
		"activeIndex": s.manager.ActiveIndex(),
	})
}

func (s *Server) handleRemoveAccount(c *gin.Context) {
	email := c.Param("email")
	acct := s.manager.ByEmail(email)
	if acct == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "account not found"}})
		return
	}
	s.manager.Remove(acct.Index)
	if err := s.manager.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": email})
}

// handleChat proxies a chat request to the backend: convert, enrich, wrap,
// execute, and stream or unwrap the result.
func (s *Server) handleChat(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to read request body"}})
		return
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "request body is not valid JSON"}})
		return
	}

	model := format.EffectiveModel(c.Request.URL.Path, body, "")
	streaming := format.IsStreamingRequest(c.Request.URL.Path, body)

	conversation := conversationKey(c)
	signatures := s.orch.Signatures()
	signatureKey := s.orch.SignatureKey(conversation)

	geminiBody := format.ConvertOpenAIToGemini(body, func(string) string {
		return signatures.Get(signatureKey)
	})
	thinking := format.ResolveThinkingConfig(model,
		format.ExtractThinkingConfig(body), format.HasAssistantHistory(body))
	format.ApplyThinkingConfig(geminiBody, model, thinking)
	format.InjectSystemPrompt(geminiBody)
	format.InjectThoughtSignatures(geminiBody, signatures.Get(signatureKey))

	action := "generateContent"
	if streaming {
		action = "streamGenerateContent"
	}

	result, err := s.orch.Execute(c.Request.Context(), &gateway.Request{
		Action:       action,
		Model:        model,
		Body:         geminiBody,
		Streaming:    streaming,
		Conversation: conversation,
	})
	if err != nil {
		utils.Error("[Server] Request failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{
			"message": err.Error(),
			"type":    "upstream_error",
		}})
		return
	}
	defer result.Body.Close()

	usage := format.UsageFromHeaders(result.Header)
	if usage != nil {
		utils.Debug("[Server] Usage for %s: %v", model, usage)
	}
	s.stats.Record(result.Account, model, usageCount(usage, "promptTokenCount"), usageCount(usage, "candidatesTokenCount"))

	if result.Streaming {
		s.streamResult(c, result)
		return
	}

	for k, values := range result.Header {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(result.StatusCode)
	_, _ = io.Copy(c.Writer, result.Body)
}

// conversationKey derives the logical client-connection identity a request
// belongs to. Clients that send X-Session-Id get their own session and
// signature scope; everything else is keyed by client address.
func conversationKey(c *gin.Context) string {
	if id := c.GetHeader("X-Session-Id"); id != "" {
		return id
	}
	return c.ClientIP()
}

func usageCount(usage map[string]interface{}, key string) int64 {
	if usage == nil {
		return 0
	}
	if v, ok := usage[key].(int); ok {
		return int64(v)
	}
	return 0
}

func (s *Server) streamResult(c *gin.Context, result *gateway.Result) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	writer.SetHeaders()
	c.Status(result.StatusCode)

	buf := make([]byte, 4096)
	for {
		n, readErr := result.Body.Read(buf)
		if n > 0 {
			if writeErr := writer.WriteChunk(buf[:n]); writeErr != nil {
				utils.Debug("[Server] Client disconnected mid-stream: %v", writeErr)
				return
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			_ = writer.WriteError("upstream_error", readErr.Error())
			return
		}
	}
}
