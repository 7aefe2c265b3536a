// Package webhook provides the inbound event capture bounded context module.
// This file defines the module that encapsulates all webhook setup and route registration.
package webhook

import (
	"leadflow_backend/internal/conductor"
	apphttp "leadflow_backend/internal/http"
	"leadflow_backend/internal/ratelimit"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the webhook bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	repo    *Repository
}

// NewModule creates and initializes the webhook module with all its dependencies.
func NewModule(pool *pgxpool.Pool, cond *conductor.Conductor, limiter *ratelimit.Limiter, cfg config.AdmissionConfig, val *validator.Validator, log *logger.Logger) *Module {
	repo := NewRepository(pool)
	service := NewService(cond, limiter, cfg, log)
	handler := NewHandler(service, repo, val)

	return &Module{
		handler: handler,
		repo:    repo,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// RegisterRoutes mounts webhook routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	// Public ingest endpoints (API key auth)
	ingest := ctx.V1.Group("/webhook")
	ingest.Use(APIKeyAuthMiddleware(m.repo))
	ingest.POST("/events", m.handler.HandleNewEvent)
	ingest.POST("/leads/:leadId/replies", m.handler.HandleReply)

	// Admin API key management (static admin token)
	admin := ctx.Admin.Group("/webhook/keys")
	admin.POST("", m.handler.HandleCreateAPIKey)
	admin.GET("", m.handler.HandleListAPIKeys)
	admin.DELETE("/:keyId", m.handler.HandleRevokeAPIKey)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
