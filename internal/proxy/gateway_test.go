package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// --- helpers ----------------------------------------------------------------

// funcProvider is a Provider whose behavior is supplied per test.
type funcProvider struct {
	name      string
	requestFn func(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error)
}

func (f *funcProvider) Name() string { return f.name }
func (f *funcProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return f.requestFn(ctx, req)
}
func (f *funcProvider) HealthCheck(_ context.Context) error { return nil }

// okProvider always returns a successful response.
func okProvider(name string) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{
				ID:      "resp-" + req.RequestID,
				Model:   req.Model,
				Content: "hello from " + name,
				Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to
// it, and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := chain(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/v1/chat/completions", "/v1/completions":
				gw.dispatchChatRouted(ctx)
			case "/v1/embeddings":
				gw.dispatchEmbeddings(ctx)
			default:
				ctx.SetStatusCode(404)
			}
		},
		gw.recovery,
		requestID,
		timing,
	)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

// doPost sends a POST request via the in-memory listener client.
func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// readBody reads and returns the full response body.
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// --- gateway construction ---------------------------------------------------

func TestNewGatewayPanicsOnNilContext(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on nil context")
		}
	}()
	//nolint:staticcheck // deliberately nil
	NewGateway(nil, nil)
}

func TestChatWithoutRouterReturns503(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{"openai": okProvider("openai")})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a wired router, got %d", resp.StatusCode)
	}
}

func TestHandleProviderErrorMapsStatuses(t *testing.T) {
	pe := providers.NewProviderError("openai", 429, "slow down", "rate_limit_error", "")
	ctx := &fasthttp.RequestCtx{}
	handleProviderError(ctx, pe)
	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("expected 429 passthrough, got %d", ctx.Response.StatusCode())
	}

	timeoutCtx := &fasthttp.RequestCtx{}
	handleProviderError(timeoutCtx, context.DeadlineExceeded)
	if timeoutCtx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Fatalf("expected 504 for deadline, got %d", timeoutCtx.Response.StatusCode())
	}
}
