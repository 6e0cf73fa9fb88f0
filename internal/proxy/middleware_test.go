package proxy

import (
	"context"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestChainOrdersOutermostFirst(t *testing.T) {
	var order []string
	mw := func(tag string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, tag)
				next(ctx)
			}
		}
	}

	h := chain(func(*fasthttp.RequestCtx) { order = append(order, "handler") },
		mw("outer"), mw("inner"))
	h(&fasthttp.RequestCtx{})

	want := []string{"outer", "inner", "handler"}
	for i, tag := range want {
		if order[i] != tag {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	h := requestID(func(ctx *fasthttp.RequestCtx) {
		if id, _ := ctx.UserValue("request_id").(string); id == "" {
			t.Error("expected request_id in the request context")
		}
	})

	generated := &fasthttp.RequestCtx{}
	h(generated)
	if string(generated.Response.Header.Peek("X-Request-ID")) == "" {
		t.Fatal("expected a generated X-Request-ID header")
	}

	echoed := &fasthttp.RequestCtx{}
	echoed.Request.Header.Set("X-Request-ID", "client-chosen")
	h(echoed)
	if got := string(echoed.Response.Header.Peek("X-Request-ID")); got != "client-chosen" {
		t.Fatalf("expected client ID echoed back, got %q", got)
	}
}

func TestTimingSetsResponseTimeHeader(t *testing.T) {
	h := timing(func(ctx *fasthttp.RequestCtx) {})
	ctx := &fasthttp.RequestCtx{}
	h(ctx)
	if string(ctx.Response.Header.Peek("X-Response-Time-ms")) == "" {
		t.Fatal("expected X-Response-Time-ms header")
	}
}

func TestRecoveryConvertsPanicsTo500(t *testing.T) {
	gw := NewGateway(context.Background(), nil)
	h := gw.recovery(func(*fasthttp.RequestCtx) { panic("boom") })

	ctx := &fasthttp.RequestCtx{}
	h(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", ctx.Response.StatusCode())
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	gw := NewGateway(context.Background(), nil)
	gw.SetCORSOrigins([]string{"https://app.example.com"})

	called := false
	h := gw.cors(func(*fasthttp.RequestCtx) { called = true })

	preflight := &fasthttp.RequestCtx{}
	preflight.Request.Header.SetMethod(fasthttp.MethodOptions)
	h(preflight)
	if called {
		t.Fatal("preflight must not reach the handler")
	}
	if preflight.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", preflight.Response.StatusCode())
	}
	if got := string(preflight.Response.Header.Peek("Access-Control-Allow-Origin")); got != "https://app.example.com" {
		t.Fatalf("expected the allowlisted origin, got %q", got)
	}
}

func TestAPIHeadersHardenEveryResponse(t *testing.T) {
	h := apiHeaders(func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(200) })
	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	for _, header := range []string{
		"Strict-Transport-Security", "X-Content-Type-Options",
		"X-Frame-Options", "Content-Security-Policy", "Referrer-Policy",
	} {
		if string(ctx.Response.Header.Peek(header)) == "" {
			t.Fatalf("expected %s header to be set", header)
		}
	}
}

func TestIngressLimitPassthroughWithoutLimiter(t *testing.T) {
	gw := NewGateway(context.Background(), nil)
	called := false
	h := gw.withIngressLimit(func(*fasthttp.RequestCtx) { called = true })
	h(&fasthttp.RequestCtx{})
	if !called {
		t.Fatal("nil limiter must pass requests through")
	}
}
