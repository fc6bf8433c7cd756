package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/cache"
	"github.com/JakeFAU/page-snapshot-cache/internal/config"
	"github.com/JakeFAU/page-snapshot-cache/internal/consent"
	"github.com/JakeFAU/page-snapshot-cache/internal/metrics"
	"github.com/JakeFAU/page-snapshot-cache/internal/scraping"
	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

const (
	tenantHeader    = "X-Tenant-ID"
	requesterHeader = "X-Requester-ID"
)

// PageService is the cache surface the HTTP handlers call.
type PageService interface {
	GetPage(ctx context.Context, req cache.GetPageRequest) (snapshot.PageResult, error)
	LatestSnapshot(ctx context.Context, rawURL string, tenantID string) (snapshot.Snapshot, error)
	Screenshot(ctx context.Context, snap snapshot.Snapshot, device snapshot.Device) ([]byte, error)
	IsStale(ctx context.Context, rawURL string, analyzedSnapshotID string) (bool, error)
	RevokeTenantAccess(ctx context.Context, rawURL string, tenantID string) (bool, error)
}

// ReadyFunc reports whether downstream dependencies can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the snapshot cache.
type Server struct {
	router  chi.Router
	pages   PageService
	consent *ConsentHandler
	ready   ReadyFunc
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	pages PageService,
	consentAdmin ConsentAdmin,
	ready ReadyFunc,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pages:   pages,
		consent: NewConsentHandler(consentAdmin, logger.Named("consent")),
		ready:   ready,
		cfg:     cfg,
		logger:  logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/pages", func(r chi.Router) {
			r.Get("/", s.getPage)
			r.Delete("/", s.revokePage)
			r.Get("/latest", s.latestSnapshot)
			r.Get("/latest/screenshot", s.latestScreenshot)
			r.Get("/stale", s.isStale)
		})
		r.Route("/consent", func(r chi.Router) {
			r.Get("/providers", s.consent.ListProviders)
			r.Put("/domains/{domain}", s.consent.PutDomain)
			r.Put("/urls", s.consent.PutURL)
		})
		r.Get("/credits/estimate", s.estimateCredits)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// getPage handles GET /v1/pages?url=&force_refresh=&max_age_hours=&instructions=.
func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	forceRefresh, err := parseBool(q.Get("force_refresh"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "force_refresh must be a boolean")
		return
	}
	maxAge := 0
	if raw := q.Get("max_age_hours"); raw != "" {
		maxAge, err = strconv.Atoi(raw)
		if err != nil || maxAge < 0 {
			writeError(w, http.StatusBadRequest, "max_age_hours must be a non-negative integer")
			return
		}
	}

	var steps []snapshot.Instruction
	if raw := q.Get("instructions"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &steps); err != nil {
			writeError(w, http.StatusBadRequest, "instructions must be a JSON array of {wait, click} steps")
			return
		}
	}

	res, err := s.pages.GetPage(r.Context(), cache.GetPageRequest{
		URL:                 q.Get("url"),
		TenantID:            tenantID,
		RequesterID:         r.Header.Get(requesterHeader),
		ForceRefresh:        forceRefresh,
		MaxAgeOverrideHours: maxAge,
		Instructions:        steps,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// revokePage handles DELETE /v1/pages?url=.
func (s *Server) revokePage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	tornDown, err := s.pages.RevokeTenantAccess(r.Context(), r.URL.Query().Get("url"), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"torn_down": tornDown})
}

func (s *Server) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	snap, err := s.pages.LatestSnapshot(r.Context(), r.URL.Query().Get("url"), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

// latestScreenshot streams the png for ?device=desktop|mobile (default desktop).
func (s *Server) latestScreenshot(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	device := snapshot.DeviceDesktop
	if raw := q.Get("device"); raw != "" {
		device = snapshot.Device(raw)
	}
	snap, err := s.pages.LatestSnapshot(r.Context(), q.Get("url"), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	data, err := s.pages.Screenshot(r.Context(), snap, device)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Snapshot-ID", snap.ID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write screenshot failed", zap.Error(err))
	}
}

// isStale handles GET /v1/pages/stale?url=&snapshot_id=.
func (s *Server) isStale(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	snapshotID := q.Get("snapshot_id")
	if snapshotID == "" {
		writeError(w, http.StatusBadRequest, "snapshot_id is required")
		return
	}
	stale, err := s.pages.IsStale(r.Context(), q.Get("url"), snapshotID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stale": stale})
}

// estimateCredits handles GET /v1/credits/estimate?tier=&js=&screenshot=&dual=.
func (s *Server) estimateCredits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tier := snapshot.TierStandard
	if raw := q.Get("tier"); raw != "" {
		parsed, ok := snapshot.ParseTier(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "tier must be one of standard, premium, stealth")
			return
		}
		tier = parsed
	}
	flags := make(map[string]bool, 3)
	for _, name := range []string{"js", "screenshot", "dual"} {
		v, err := parseBool(q.Get(name))
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be a boolean")
			return
		}
		flags[name] = v
	}
	credits := scraping.EstimateCredits(tier, flags["js"], flags["screenshot"], flags["dual"])
	writeJSON(w, http.StatusOK, map[string]any{"tier": tier, "credits": credits})
}

// writeServiceError maps cache and provider errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var (
		providerErr   *scraping.ProviderError
		escalationErr *scraping.EscalationError
		dualErr       *scraping.DualFetchError
	)
	switch {
	case errors.Is(err, cache.ErrInvalidRequest),
		errors.Is(err, consent.ErrUnknownProvider),
		errors.Is(err, consent.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, snapshot.ErrNotFound):
		return http.StatusNotFound
	case scraping.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.As(err, &dualErr), errors.As(err, &escalationErr), errors.As(err, &providerErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, tenantHeader+" header is required")
		return "", false
	}
	return tenantID, true
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, err
	}
	return v, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
			zap.String("tenant_id", r.Header.Get(tenantHeader)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
