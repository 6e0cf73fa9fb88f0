package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management handlers registered alongside
// the serving routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") without management
// routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// /v1/* goes through the ingress ceiling and the auth gate; health and
// metrics stay unauthenticated on both the short paths and the /internal/*
// aliases.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	routed := g.withIngressLimit(g.withAuth(g.dispatchChatRouted))
	r.POST("/v1/chat/completions", routed)
	r.POST("/v1/completions", routed)
	r.POST("/v1/embeddings", g.withIngressLimit(g.withAuth(g.dispatchEmbeddings)))

	r.GET("/health", g.handleHealth)
	r.GET("/internal/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
		r.GET("/internal/metrics", mgmt.Metrics)
	}

	if g.authGate != nil {
		g.registerAdminRoutes(r)
	}

	handler := chain(r.Handler,
		g.recovery,
		requestID,
		timing,
		g.cors,
		apiHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
