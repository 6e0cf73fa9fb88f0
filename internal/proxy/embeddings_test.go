package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// embedProvider is a funcProvider that also answers Embed calls.
type embedProvider struct {
	funcProvider
	embedFn func(context.Context, *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
}

func (p *embedProvider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	return p.embedFn(ctx, req)
}

func newEmbedGateway(t *testing.T) (*Gateway, *embedProvider) {
	t.Helper()
	prov := &embedProvider{
		funcProvider: funcProvider{
			name: "openai",
			requestFn: func(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
				return nil, fmt.Errorf("not a chat test")
			},
		},
		embedFn: func(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
			data := make([]providers.EmbeddingData, len(req.Input))
			for i := range req.Input {
				data[i] = providers.EmbeddingData{Index: i, Embedding: []float32{0.1, 0.2}}
			}
			return &providers.EmbeddingResponse{
				Model: req.Model,
				Data:  data,
				Usage: providers.Usage{InputTokens: 7},
			}, nil
		},
	}
	return NewGateway(context.Background(), map[string]providers.Provider{"openai": prov}), prov
}

func TestEmbeddingsSingleAndBatchInput(t *testing.T) {
	gw, _ := newEmbedGateway(t)
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	for name, body := range map[string]string{
		"single": `{"model":"text-embedding-3-small","input":"hello"}`,
		"batch":  `{"model":"text-embedding-3-small","input":["a","b","c"]}`,
	} {
		resp := doPost(t, client, "/v1/embeddings", []byte(body))
		data := readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", name, resp.StatusCode, data)
		}

		var out struct {
			Object string `json:"object"`
			Data   []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
			Usage struct {
				PromptTokens int `json:"prompt_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if out.Object != "list" || len(out.Data) == 0 || out.Usage.PromptTokens != 7 {
			t.Fatalf("%s: unexpected response: %s", name, data)
		}
	}
}

func TestEmbeddingsRejectsEmptyInput(t *testing.T) {
	gw, _ := newEmbedGateway(t)
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	for name, body := range map[string]string{
		"missing":      `{"model":"text-embedding-3-small"}`,
		"empty-string": `{"model":"text-embedding-3-small","input":""}`,
		"empty-array":  `{"model":"text-embedding-3-small","input":[]}`,
		"wrong-type":   `{"model":"text-embedding-3-small","input":42}`,
	} {
		resp := doPost(t, client, "/v1/embeddings", []byte(body))
		readBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, resp.StatusCode)
		}
	}
}

func TestEmbeddingsNoCapableProvider(t *testing.T) {
	// A chat-only provider cannot serve embeddings.
	gw := NewGateway(context.Background(), map[string]providers.Provider{"openai": okProvider("openai")})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":"hello"}`))
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 when no provider supports embeddings, got %d", resp.StatusCode)
	}
}
