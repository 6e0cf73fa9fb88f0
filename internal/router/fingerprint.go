package router

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const cacheKeyPrefix = "lkg:resp:"

// cacheMessage mirrors one turn with fields in alphabetical tag order, so
// json.Marshal emits a canonical key order.
type cacheMessage struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// cacheFingerprint is the canonical payload hashed to form a response-cache
// key. Field order is alphabetical by tag; no whitespace, stable numerics.
type cacheFingerprint struct {
	MaxTokens   int            `json:"max_tokens"`
	Messages    []cacheMessage `json:"messages"`
	Model       string         `json:"model"`
	OrgID       string         `json:"org_id"`
	Temperature float64        `json:"temperature"`
	UserID      string         `json:"user_id"`
}

// BuildCacheKey computes the "lkg:resp:{sha256-hex}" cache key for a
// request. Identical logical requests from the same user and org map to the
// same key; any semantic change to model, messages, temperature, or token
// budget produces a different one.
func BuildCacheKey(req *providers.ProxyRequest, meta RequestMetadata) string {
	msgs := make([]cacheMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = cacheMessage{Role: m.Role, Content: m.Content}
	}
	fp := cacheFingerprint{
		MaxTokens:   req.MaxTokens,
		Messages:    msgs,
		Model:       req.Model,
		OrgID:       meta.OrgID,
		Temperature: req.Temperature,
		UserID:      meta.UserID,
	}
	raw, _ := json.Marshal(fp)
	sum := sha256.Sum256(raw)
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}
