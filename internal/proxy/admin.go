package proxy

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// registerAdminRoutes wires the Model Registry and Auth Service management
// surface under /admin/*. Every route requires CanManageKeys; callers that
// never configure SetAuth/SetModelRegistry never see these routes registered
// at all (registerAdminRoutes is only invoked from StartWithRoutes when
// g.authGate is non-nil).
func (g *Gateway) registerAdminRoutes(r routeRegistrar) {
	canManage := func(p auth.Permissions) bool { return p.CanManageKeys }

	if g.modelReg != nil {
		r.GET("/admin/models", g.withAuth(requirePermission(canManage, g.handleAdminListModels)))
		r.POST("/admin/models/refresh", g.withAuth(requirePermission(canManage, g.handleAdminRefreshModels)))
	}
	if g.modelCatalogue != nil {
		r.POST("/admin/models", g.withAuth(requirePermission(canManage, g.handleAdminCreateModel)))
		r.PATCH("/admin/models/{id}", g.withAuth(requirePermission(canManage, g.handleAdminUpdateModel)))
		r.DELETE("/admin/models/{id}", g.withAuth(requirePermission(canManage, g.handleAdminDeactivateModel)))
	}
	if g.authService != nil {
		r.GET("/admin/keys", g.withAuth(requirePermission(canManage, g.handleAdminListKeys)))
		r.POST("/admin/keys", g.withAuth(requirePermission(canManage, g.handleAdminCreateKey)))
		r.DELETE("/admin/keys/{id}", g.withAuth(requirePermission(canManage, g.handleAdminDeactivateKey)))
	}
}

// routeRegistrar is the subset of *router.Router (fasthttp/router) used to
// register admin routes, narrowed so this file doesn't need to import the
// concrete router type.
type routeRegistrar interface {
	GET(path string, handler fasthttp.RequestHandler)
	POST(path string, handler fasthttp.RequestHandler)
	PATCH(path string, handler fasthttp.RequestHandler)
	DELETE(path string, handler fasthttp.RequestHandler)
}

func (g *Gateway) handleAdminListModels(ctx *fasthttp.RequestCtx) {
	provider := string(ctx.QueryArgs().Peek("provider"))
	models := g.modelReg.List(provider, "")
	out := make([]modelView, 0, len(models))
	for _, m := range models {
		out = append(out, toModelView(m))
	}
	writeJSON(ctx, out)
}

func (g *Gateway) handleAdminListKeys(ctx *fasthttp.RequestCtx) {
	keys, err := g.authService.List(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to list keys", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	type keyView struct {
		ID        string     `json:"id"`
		OrgID     string     `json:"org_id"`
		UserID    string     `json:"user_id"`
		Name      string     `json:"name"`
		Preview   string     `json:"preview"`
		IsActive  bool       `json:"is_active"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView{ID: k.ID, OrgID: k.OrgID, UserID: k.UserID, Name: k.Name, Preview: k.Preview, IsActive: k.IsActive, ExpiresAt: k.ExpiresAt})
	}
	writeJSON(ctx, out)
}

type createKeyRequest struct {
	OrgID       string           `json:"org_id"`
	UserID      string           `json:"user_id"`
	Name        string           `json:"name"`
	Permissions auth.Permissions `json:"permissions"`
	TTLSeconds  int              `json:"ttl_seconds"`
}

func (g *Gateway) handleAdminCreateKey(ctx *fasthttp.RequestCtx) {
	var req createKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	key, plaintext, err := g.authService.GenerateKey(ctx, req.OrgID, req.UserID, req.Name, req.Permissions, ttl)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to generate key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{
		"id":      key.ID,
		"api_key": plaintext,
		"preview": key.Preview,
	})
}

func (g *Gateway) handleAdminDeactivateKey(ctx *fasthttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "missing key id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := g.authService.Deactivate(ctx, id); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to deactivate key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// modelView is the JSON shape returned by the admin model routes.
type modelView struct {
	ID              string   `json:"id"`
	Provider        string   `json:"provider"`
	ModelName       string   `json:"model_name"`
	DisplayName     string   `json:"display_name,omitempty"`
	ContextWindow   int      `json:"context_window"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	Capabilities    []string `json:"capabilities"`
	CostPer1kInput  float64  `json:"cost_per_1k_input"`
	CostPer1kOutput float64  `json:"cost_per_1k_output"`
	IsActive        bool     `json:"is_active"`
	Priority        int      `json:"priority"`
}

func toModelView(m registry.ModelConfig) modelView {
	caps := make([]string, len(m.Capabilities))
	for i, c := range m.Capabilities {
		caps[i] = string(c)
	}
	return modelView{
		ID: m.ID, Provider: m.Provider, ModelName: m.ModelName, DisplayName: m.DisplayName,
		ContextWindow: m.ContextWindow, MaxOutputTokens: m.MaxOutputTokens, Capabilities: caps,
		CostPer1kInput: m.CostPer1kInput, CostPer1kOutput: m.CostPer1kOutput,
		IsActive: m.IsActive, Priority: m.Priority,
	}
}

// handleAdminRefreshModels triggers a manual registry refresh, the same code
// path the background loop runs on its interval.
func (g *Gateway) handleAdminRefreshModels(ctx *fasthttp.RequestCtx) {
	if err := g.modelReg.Refresh(ctx); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "registry refresh failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"refreshed": true, "models": len(g.modelReg.List("", ""))})
}

type createModelRequest struct {
	Provider        string   `json:"provider"`
	ModelName       string   `json:"model_name"`
	DisplayName     string   `json:"display_name"`
	ContextWindow   int      `json:"context_window"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	Capabilities    []string `json:"capabilities"`
	CostPer1kInput  float64  `json:"cost_per_1k_input"`
	CostPer1kOutput float64  `json:"cost_per_1k_output"`
	Priority        int      `json:"priority"`
}

func (g *Gateway) handleAdminCreateModel(ctx *fasthttp.RequestCtx) {
	var req createModelRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Provider == "" || req.ModelName == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "fields 'provider' and 'model_name' are required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	now := time.Now()
	m := registry.ModelConfig{
		ID:              uuid.New().String(),
		Provider:        req.Provider,
		ModelName:       req.ModelName,
		DisplayName:     req.DisplayName,
		ContextWindow:   req.ContextWindow,
		MaxOutputTokens: req.MaxOutputTokens,
		CostPer1kInput:  req.CostPer1kInput,
		CostPer1kOutput: req.CostPer1kOutput,
		IsActive:        true,
		Priority:        req.Priority,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, c := range req.Capabilities {
		m.Capabilities = append(m.Capabilities, registry.Capability(c))
	}

	if err := g.modelCatalogue.Save(ctx, m); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to save model", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	g.refreshRegistryAfterMutation(ctx)
	writeJSON(ctx, toModelView(m))
	ctx.SetStatusCode(fasthttp.StatusCreated)
}

type updateModelRequest struct {
	DisplayName     *string   `json:"display_name"`
	ContextWindow   *int      `json:"context_window"`
	MaxOutputTokens *int      `json:"max_output_tokens"`
	Capabilities    *[]string `json:"capabilities"`
	CostPer1kInput  *float64  `json:"cost_per_1k_input"`
	CostPer1kOutput *float64  `json:"cost_per_1k_output"`
	IsActive        *bool     `json:"is_active"`
	Priority        *int      `json:"priority"`
}

func (g *Gateway) handleAdminUpdateModel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if id == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "missing model id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	var req updateModelRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	m, err := g.modelCatalogue.GetByID(ctx, id)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "model not found", apierr.TypeNotFoundErr, apierr.CodeModelNotFound)
		return
	}

	if req.DisplayName != nil {
		m.DisplayName = *req.DisplayName
	}
	if req.ContextWindow != nil {
		m.ContextWindow = *req.ContextWindow
	}
	if req.MaxOutputTokens != nil {
		m.MaxOutputTokens = *req.MaxOutputTokens
	}
	if req.Capabilities != nil {
		m.Capabilities = m.Capabilities[:0]
		for _, c := range *req.Capabilities {
			m.Capabilities = append(m.Capabilities, registry.Capability(c))
		}
	}
	if req.CostPer1kInput != nil {
		m.CostPer1kInput = *req.CostPer1kInput
	}
	if req.CostPer1kOutput != nil {
		m.CostPer1kOutput = *req.CostPer1kOutput
	}
	if req.IsActive != nil {
		m.IsActive = *req.IsActive
	}
	if req.Priority != nil {
		m.Priority = *req.Priority
	}
	m.UpdatedAt = time.Now()

	if err := g.modelCatalogue.Save(ctx, m); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to save model", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	g.refreshRegistryAfterMutation(ctx)
	writeJSON(ctx, toModelView(m))
}

func (g *Gateway) handleAdminDeactivateModel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if id == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "missing model id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := g.modelCatalogue.Deactivate(ctx, id); err != nil {
		if err == registry.ErrModelNotFound {
			apierr.Write(ctx, fasthttp.StatusNotFound, "model not found", apierr.TypeNotFoundErr, apierr.CodeModelNotFound)
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to deactivate model", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	g.refreshRegistryAfterMutation(ctx)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// refreshRegistryAfterMutation re-reads the catalogue so admin writes take
// effect without waiting for the next timer tick. Failure is non-fatal: the
// mutation is durable and the periodic refresh will pick it up.
func (g *Gateway) refreshRegistryAfterMutation(ctx *fasthttp.RequestCtx) {
	if g.modelReg == nil {
		return
	}
	if err := g.modelReg.Refresh(ctx); err != nil {
		g.log.ErrorContext(ctx, "registry refresh after admin mutation failed",
			slog.String("error", err.Error()))
	}
}
