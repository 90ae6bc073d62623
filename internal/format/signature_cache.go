// Package format converts OpenAI-style requests into the Cloud Code wire
// format and translates responses back.
package format

import (
	"context"
	"sync"
	"time"

	"github.com/leviathofnoesia/kraken-code-sub001/pkg/redis"
)

// signatureTTL bounds how long a captured thought signature stays replayable
const signatureTTL = 30 * time.Minute

// SignatureCache stores the thought signatures captured from responses so
// they can be replayed on the function calls of follow-up requests. Backed
// by Redis when available, with an in-memory fallback otherwise. Each
// orchestrator receives its own instance through its constructor.
type SignatureCache struct {
	mu          sync.RWMutex
	redisClient *redis.Client
	memory      map[string]signatureEntry
}

type signatureEntry struct {
	signature string
	storedAt  time.Time
}

// NewSignatureCache creates a SignatureCache. A nil redisClient selects the
// in-memory fallback.
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	return &SignatureCache{
		redisClient: redisClient,
		memory:      make(map[string]signatureEntry),
	}
}

// Put stores the signature captured for a session
func (c *SignatureCache) Put(sessionKey, signature string) {
	if sessionKey == "" || signature == "" {
		return
	}

	if c.redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.redisClient.SetSignature(ctx, sessionKey, signature, signatureTTL); err == nil {
			return
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[sessionKey] = signatureEntry{signature: signature, storedAt: time.Now()}
}

// Get returns the cached signature for a session, or ""
func (c *SignatureCache) Get(sessionKey string) string {
	if sessionKey == "" {
		return ""
	}

	if c.redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if signature, err := c.redisClient.GetSignature(ctx, sessionKey); err == nil && signature != "" {
			return signature
		}
	}

	c.mu.RLock()
	entry, ok := c.memory[sessionKey]
	c.mu.RUnlock()
	if !ok {
		return ""
	}
	if time.Since(entry.storedAt) > signatureTTL {
		c.mu.Lock()
		delete(c.memory, sessionKey)
		c.mu.Unlock()
		return ""
	}
	return entry.signature
}

// Delete drops the cached signature for one session
func (c *SignatureCache) Delete(sessionKey string) {
	if sessionKey == "" {
		return
	}

	if c.redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.redisClient.DeleteSignature(ctx, sessionKey)
	}

	c.mu.Lock()
	delete(c.memory, sessionKey)
	c.mu.Unlock()
}

// Clear drops every cached signature
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = make(map[string]signatureEntry)
}
