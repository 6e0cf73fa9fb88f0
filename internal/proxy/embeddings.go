package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// embeddingRequest mirrors the OpenAI POST /v1/embeddings body. The "input"
// field accepts a bare string or an array of strings.
type embeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format"`
}

type embeddingVector struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Object string            `json:"object"`
	Data   []embeddingVector `json:"data"`
	Model  string            `json:"model"`
	Usage  struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// decodeEmbeddingInput normalises the raw "input" field to []string.
func decodeEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		if len(many) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return many, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{one}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// embeddingProviderFor picks the adapter serving an embedding model: the
// static alias table first, then any configured adapter that implements
// EmbeddingProvider (embedding models are not part of the chat catalogue, so
// the registry is not consulted here).
func (g *Gateway) embeddingProviderFor(model string) (providers.EmbeddingProvider, string, bool) {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		if prov, ok := g.providers[name]; ok {
			if emb, ok := prov.(providers.EmbeddingProvider); ok {
				return emb, name, true
			}
		}
	}
	for name, prov := range g.providers {
		if emb, ok := prov.(providers.EmbeddingProvider); ok {
			return emb, name, true
		}
	}
	return nil, "", false
}

// dispatchEmbeddings handles POST /v1/embeddings.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	const route = "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	promptTokens := 0

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		status := ctx.Response.StatusCode()
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, len(ctx.Response.Body()))
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, "bypass", dur)
		g.metrics.AddTokens(servedProvider, route, promptTokens, 0, false)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req embeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	inputs, err := decodeEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	embedder, providerName, ok := g.embeddingProviderFor(req.Model)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"no configured provider supports embeddings",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	servedProvider = providerName

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Int("inputs", len(inputs)),
	)

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	embResp, err := embedder.Embed(provCtx, &providers.EmbeddingRequest{
		Input:     inputs,
		Model:     req.Model,
		RequestID: reqID,
	})
	if err != nil {
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		return
	}

	out := embeddingResponse{Object: "list", Model: embResp.Model}
	out.Data = make([]embeddingVector, len(embResp.Data))
	for i, d := range embResp.Data {
		out.Data[i] = embeddingVector{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	out.Usage.PromptTokens = embResp.Usage.InputTokens
	out.Usage.TotalTokens = embResp.Usage.InputTokens
	promptTokens = embResp.Usage.InputTokens

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
