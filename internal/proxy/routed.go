package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// routedRequest is the request body for /v1/chat/completions: the OpenAI
// shape extended with per-request cache and fallback controls and free-form
// metadata.
type routedRequest struct {
	Model       string           `json:"model"`
	Messages    []inboundMessage `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	Tools       json.RawMessage  `json:"tools,omitempty"`
	ToolChoice  json.RawMessage  `json:"tool_choice,omitempty"`
	RequestID   string           `json:"request_id,omitempty"`

	Cache struct {
		Enabled bool `json:"enabled"`
		TTL     int  `json:"ttl"`
	} `json:"cache"`

	Fallback struct {
		Enabled bool     `json:"enabled"`
		Models  []string `json:"models,omitempty"`
	} `json:"fallback"`

	Metadata struct {
		ConversationID string   `json:"conversation_id,omitempty"`
		Tags           []string `json:"tags,omitempty"`
	} `json:"metadata"`
}

// dispatchChatRouted handles /v1/chat/completions (and /v1/completions)
// through the Model Router: fingerprint cache, registry resolution, circuit
// breakers, per-provider semaphores, and the fallback chain.
func (g *Gateway) dispatchChatRouted(ctx *fasthttp.RequestCtx) {
	if g.modelRouter == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"model router not configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req routedRequest
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
	if req.RequestID != "" {
		reqID = req.RequestID
		ctx.Response.Header.Set("X-Request-ID", reqID)
	}

	meta := router.RequestMetadata{RequestID: reqID}
	if p, ok := principalFrom(ctx); ok {
		meta.UserID = p.UserID
		meta.OrgID = p.OrgID
		meta.APIKeyID = p.APIKeyID
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		RequestID:   reqID,
		APIKeyID:    meta.APIKeyID,
	}

	cacheOpts := router.CacheOptions{Enabled: req.Cache.Enabled, TTLSeconds: req.Cache.TTL}
	if g.cacheDisabled || (g.cacheExclusions != nil && g.cacheExclusions.Matches(req.Model)) {
		cacheOpts.Enabled = false
	}
	if !cacheOpts.Enabled && g.metrics != nil {
		g.metrics.CacheGetBypass()
	}
	fallbackOpts := router.FallbackOptions{Enabled: req.Fallback.Enabled, Models: req.Fallback.Models}

	g.log.InfoContext(ctx, "routed_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
		slog.Bool("cache", cacheOpts.Enabled),
		slog.Bool("fallback", fallbackOpts.Enabled),
		slog.String("conversation_id", req.Metadata.ConversationID),
	)

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	decision, resp, cachedPayload, err := g.modelRouter.Route(
		provCtx, proxyReq, cacheOpts, fallbackOpts, meta, req.Stream)
	if err != nil {
		g.writeRoutedError(ctx, reqID, req.Model, err, start)
		return
	}

	servedProvider = decision.Provider
	ctx.Response.Header.Set("X-Provider", decision.Provider)
	ctx.Response.Header.Set("X-Model", decision.ProviderModel)

	// Cache hit — serve the stored payload without touching any adapter.
	if decision.FromCache {
		cacheLabel = "hit"
		cached = true
		inputTokens = cachedPayload.Usage.PromptTokens
		outputTokens = cachedPayload.Usage.CompletionTokens
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
		body := marshalCompletion(reqID, cachedPayload.Model, cachedPayload.Content,
			cachedPayload.FinishReason, inputTokens, outputTokens)
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		respBytes = len(body)
		g.logRequest(reqID, decision.Provider, cachedPayload.Model,
			inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true)
		return
	}

	if cacheOpts.Enabled {
		cacheLabel = "miss"
	}
	ctx.Response.Header.Set("X-Cache", xCacheMISS)

	// Streaming — the router only picked the candidate; this handler drives
	// the adapter stream and frames it as line-delimited JSON chunks.
	if req.Stream {
		// The router keeps the per-provider semaphore permit held for this
		// decision; it must be returned whether the stream runs to the end
		// or never starts.
		adapter, ok := g.providers[decision.Provider]
		if !ok {
			decision.ReleaseStreamPermit()
			apierr.Write(ctx, fasthttp.StatusBadGateway,
				fmt.Sprintf("provider %q not configured", decision.Provider),
				apierr.TypeProviderError, apierr.CodeProviderError)
			return
		}

		// The stream outlives this handler (fasthttp drains the body writer
		// after it returns), so it runs off the request context rather than
		// provCtx — a client disconnect still cancels the upstream call, but
		// the deferred timeout cancel cannot cut a healthy stream short.
		streamReq := *proxyReq
		streamReq.Model = decision.ProviderModel
		streamResp, err := adapter.Request(ctx, &streamReq)
		if err != nil || streamResp.Stream == nil {
			decision.ReleaseStreamPermit()
			if err == nil {
				err = fmt.Errorf("provider %q returned no stream", decision.Provider)
			}
			g.writeRoutedError(ctx, reqID, req.Model, err, start)
			return
		}

		streaming = true
		g.writeChunkLines(ctx, reqID, streamResp, func(outTokens int) {
			// Permit held since Route; the upstream call is only now done.
			decision.ReleaseStreamPermit()
			g.logRequest(reqID, decision.Provider, decision.ProviderModel,
				0, outTokens, time.Since(start), fasthttp.StatusOK, false)
			if g.metrics != nil {
				dur := time.Since(start)
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur, reqBytes, -1)
				g.metrics.RecordRequest(decision.Provider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(decision.Provider, route, "bypass", dur)
				g.metrics.AddTokens(decision.Provider, route, 0, outTokens, false)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	// Unary success.
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens
	if g.metrics != nil && g.modelReg != nil {
		if cfg, ok := g.modelReg.Get(decision.Provider + ":" + decision.ProviderModel); ok {
			usd := float64(inputTokens)/1000*cfg.CostPer1kInput +
				float64(outputTokens)/1000*cfg.CostPer1kOutput
			g.metrics.AddCost(decision.Provider, decision.ProviderModel, usd)
		}
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	body := marshalCompletion(reqID, resp.Model, resp.Content, finish, inputTokens, outputTokens)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)

	g.logRequest(reqID, decision.Provider, resp.Model,
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false)
}

// writeRoutedError maps router errors to the wire taxonomy: 404 for unknown
// models, 504 when the last failure was a timeout, 502 once the chain is
// exhausted, and the provider's own status otherwise.
func (g *Gateway) writeRoutedError(ctx *fasthttp.RequestCtx, reqID, model string, err error, start time.Time) {
	g.log.ErrorContext(ctx, "routed_request_failed",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)

	switch {
	case router.IsModelNotFound(err):
		apierr.WriteModelNotFound(ctx, model)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	case router.IsAllCandidatesFailed(err):
		var pe *providers.ProviderError
		if errors.As(err, &pe) {
			apierr.WriteAllProvidersFailed(ctx, pe.Code)
		} else {
			apierr.WriteAllProvidersFailed(ctx, "")
		}
	default:
		handleProviderError(ctx, err)
	}
	g.logRequest(reqID, "unknown", model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
}

// marshalCompletion builds the OpenAI-style chat.completion envelope shared
// by the cache-hit and unary paths.
func marshalCompletion(id, model, content, finishReason string, inTokens, outTokens int) []byte {
	out := outboundResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: content},
				FinishReason: finishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     inTokens,
			CompletionTokens: outTokens,
			TotalTokens:      inTokens + outTokens,
		},
	}
	body, _ := json.Marshal(out)
	return body
}

type chunkDelta struct {
	Content string `json:"content"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkLine struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Choices []chunkChoice `json:"choices"`
}

// writeChunkLines streams the adapter's chunks as one JSON object per line.
// If the upstream closes its channel without reporting a finish reason, a
// terminal line with finish_reason "stop" is appended so clients always see
// an explicit end of stream. onComplete receives the output token count as
// the chars/4 estimate of the streamed content (at least 1); stream chunks
// carry no upstream usage.
func (g *Gateway) writeChunkLines(ctx *fasthttp.RequestCtx, reqID string, resp *providers.ProxyResponse, onComplete func(outputTokens int)) {
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var sb strings.Builder
		// onComplete must fire no matter how the writer exits — it returns
		// the provider's concurrency permit.
		defer func() {
			recover() //nolint:errcheck // panic recovery in stream writer
			if onComplete != nil {
				estimated := sb.Len() / 4
				if estimated == 0 {
					estimated = 1
				}
				onComplete(estimated)
			}
		}()

		finished := false
		created := time.Now().Unix()

		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)

			line := chunkLine{
				ID:      reqID,
				Object:  "chat.completion.chunk",
				Created: created,
				Choices: []chunkChoice{{Delta: chunkDelta{Content: chunk.Content}}},
			}
			if chunk.FinishReason != "" {
				fr := chunk.FinishReason
				line.Choices[0].FinishReason = &fr
				finished = true
			}
			data, _ := json.Marshal(line)
			w.Write(data)     //nolint:errcheck
			w.WriteByte('\n') //nolint:errcheck
			w.Flush()         //nolint:errcheck
			if finished {
				break
			}
		}

		if !finished {
			fr := "stop"
			data, _ := json.Marshal(chunkLine{
				ID:      reqID,
				Object:  "chat.completion.chunk",
				Created: created,
				Choices: []chunkChoice{{FinishReason: &fr}},
			})
			w.Write(data)     //nolint:errcheck
			w.WriteByte('\n') //nolint:errcheck
			w.Flush()         //nolint:errcheck
		}
	})
}
