package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/consent"
)

const consentTimeout = 5 * time.Second

// ConsentAdmin stores cookie consent configuration.
type ConsentAdmin interface {
	SetDomainProvider(ctx context.Context, tenantID string, domain string, provider string) error
	SetURLOverride(ctx context.Context, rawURL string, provider string) error
}

// ConsentHandler exposes the consent configuration endpoints.
type ConsentHandler struct {
	admin   ConsentAdmin
	timeout time.Duration
	logger  *zap.Logger
}

// NewConsentHandler wires the consent store and logger.
func NewConsentHandler(admin ConsentAdmin, logger *zap.Logger) *ConsentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsentHandler{
		admin:   admin,
		timeout: consentTimeout,
		logger:  logger,
	}
}

type providerRequest struct {
	URL      string `json:"url"`
	Provider string `json:"provider"`
}

// ListProviders handles GET /v1/consent/providers.
func (h *ConsentHandler) ListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"providers": consent.Providers()})
}

// PutDomain handles PUT /v1/consent/domains/{domain} with body
// {"provider": "..."} for the calling tenant. It returns 400 for unknown
// providers and 503 when no store is configured.
func (h *ConsentHandler) PutDomain(w http.ResponseWriter, r *http.Request) {
	if h.admin == nil {
		writeError(w, http.StatusServiceUnavailable, "consent store unavailable")
		return
	}
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}
	domain := chi.URLParam(r, "domain")

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.admin.SetDomainProvider(ctx, tenantID, domain, req.Provider); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "provider": req.Provider})
}

// PutURL handles PUT /v1/consent/urls with body {"url": "...", "provider": "..."}.
// An empty provider clears the override.
func (h *ConsentHandler) PutURL(w http.ResponseWriter, r *http.Request) {
	if h.admin == nil {
		writeError(w, http.StatusServiceUnavailable, "consent store unavailable")
		return
	}
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.admin.SetURLOverride(ctx, req.URL, req.Provider); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": req.URL, "provider": req.Provider})
}

func (h *ConsentHandler) writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, consent.ErrUnknownProvider) || errors.Is(err, consent.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("consent update failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "consent update failed")
}
