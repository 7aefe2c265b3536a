package webhook

import (
	"encoding/json"
	"net/http"

	"leadflow_backend/internal/conductor"
	"leadflow_backend/platform/httpkit"
	"leadflow_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	errNoTenantContext = "no tenant context"
	errInvalidRequest  = "invalid request body"
	errValidation      = "validation error"
)

// Handler handles webhook HTTP requests.
type Handler struct {
	service *Service
	repo    *Repository
	val     *validator.Validator
}

// NewHandler creates a new webhook handler.
func NewHandler(service *Service, repo *Repository, val *validator.Validator) *Handler {
	return &Handler{service: service, repo: repo, val: val}
}

// ---- Ingest (public, API-key authenticated) ----

// NewEventRequest is the body of an inbound new-lead event.
type NewEventRequest struct {
	Identity string          `json:"identity" validate:"required,min=3,max=64"`
	Text     string          `json:"text" validate:"required,max=4000"`
	Source   string          `json:"source" validate:"max=100"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// ReplyRequest is the body of an inbound reply on an existing lead.
type ReplyRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

// HandleNewEvent processes an inbound new-lead event.
// POST /api/v1/webhook/events
func (h *Handler) HandleNewEvent(c *gin.Context) {
	tenantID, ok := h.getWebhookTenantID(c)
	if !ok {
		return
	}

	var req NewEventRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	out, err := h.service.ProcessNewEvent(c.Request.Context(), tenantID, req.Identity, conductor.NewEventPayload{
		Text:   req.Text,
		Source: req.Source,
		Raw:    req.Raw,
	})
	if httpkit.HandleError(c, err) {
		return
	}

	c.JSON(statusForOutcome(out), out)
}

// HandleReply processes an inbound reply.
// POST /api/v1/webhook/leads/:leadId/replies
func (h *Handler) HandleReply(c *gin.Context) {
	tenantID, ok := h.getWebhookTenantID(c)
	if !ok {
		return
	}

	leadID, err := uuid.Parse(c.Param("leadId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid lead ID", nil)
		return
	}

	var req ReplyRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	out, err := h.service.ProcessReply(c.Request.Context(), tenantID, leadID, req.Text)
	if httpkit.HandleError(c, err) {
		return
	}

	c.JSON(statusForOutcome(out), out)
}

// statusForOutcome maps a conductor outcome to an HTTP status. Every mapped
// response still carries the full typed outcome body; the status is a hint
// for callers that only look at codes.
func statusForOutcome(out conductor.Outcome) int {
	switch out.Status {
	case conductor.StatusIntakeSent:
		return http.StatusCreated
	case conductor.StatusInvalidIdentity:
		return http.StatusBadRequest
	case conductor.StatusTenantNotFound, conductor.StatusNotFound:
		return http.StatusNotFound
	case conductor.StatusQuotaExceeded:
		return http.StatusTooManyRequests
	case conductor.StatusLockTimeout:
		return http.StatusConflict
	case conductor.StatusError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// ---- Admin API Key Management (admin token authenticated) ----

// CreateAPIKeyRequest is the request body for creating a new API key.
type CreateAPIKeyRequest struct {
	TenantID string `json:"tenantId" validate:"required,uuid"`
	Name     string `json:"name" validate:"required,min=1,max=100"`
}

// APIKeyResponse is returned when listing or creating API keys.
type APIKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenantId"`
	Name      string    `json:"name"`
	KeyPrefix string    `json:"keyPrefix"`
	IsActive  bool      `json:"isActive"`
	CreatedAt string    `json:"createdAt"`
}

// CreateAPIKeyResponse includes the plaintext key (shown only once).
type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"` // plaintext, shown only once
}

// HandleCreateAPIKey creates a new webhook API key.
// POST /api/v1/admin/webhook/keys
func (h *Handler) HandleCreateAPIKey(c *gin.Context) {
	var req CreateAPIKeyRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid tenant ID", nil)
		return
	}

	plaintext, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		httpkit.Error(c, http.StatusInternalServerError, "failed to generate API key", nil)
		return
	}

	key, err := h.repo.Create(c.Request.Context(), tenantID, req.Name, hash, prefix)
	if httpkit.HandleError(c, err) {
		return
	}

	c.JSON(http.StatusCreated, CreateAPIKeyResponse{
		APIKeyResponse: toAPIKeyResponse(key),
		Key:            plaintext,
	})
}

// HandleListAPIKeys lists all webhook API keys for a tenant.
// GET /api/v1/admin/webhook/keys?tenantId=...
func (h *Handler) HandleListAPIKeys(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Query("tenantId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid tenant ID", nil)
		return
	}

	keys, err := h.repo.ListByTenant(c.Request.Context(), tenantID)
	if httpkit.HandleError(c, err) {
		return
	}

	out := make([]APIKeyResponse, 0, len(keys))
	for _, key := range keys {
		out = append(out, toAPIKeyResponse(key))
	}
	httpkit.OK(c, out)
}

// HandleRevokeAPIKey deactivates a webhook API key.
// DELETE /api/v1/admin/webhook/keys/:keyId?tenantId=...
func (h *Handler) HandleRevokeAPIKey(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Query("tenantId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid tenant ID", nil)
		return
	}

	keyID, err := uuid.Parse(c.Param("keyId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid key ID", nil)
		return
	}

	if err := h.repo.Revoke(c.Request.Context(), tenantID, keyID); err != nil {
		httpkit.Error(c, http.StatusNotFound, "API key not found", nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- helpers ----

func (h *Handler) getWebhookTenantID(c *gin.Context) (uuid.UUID, bool) {
	raw, exists := c.Get("webhookTenantID")
	if !exists {
		httpkit.Error(c, http.StatusUnauthorized, errNoTenantContext, nil)
		return uuid.Nil, false
	}
	tenantID, ok := raw.(uuid.UUID)
	if !ok {
		httpkit.Error(c, http.StatusUnauthorized, errNoTenantContext, nil)
		return uuid.Nil, false
	}
	return tenantID, true
}

func (h *Handler) bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, nil)
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, err.Error())
		return false
	}
	return true
}

func toAPIKeyResponse(key APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        key.ID,
		TenantID:  key.TenantID,
		Name:      key.Name,
		KeyPrefix: key.KeyPrefix,
		IsActive:  key.IsActive,
		CreatedAt: key.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
