package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "licensehub/internal/errors"
	"licensehub/internal/middleware"
	"licensehub/internal/services"
	api "licensehub/pkg/contracts/api/v1"
	"licensehub/pkg/contracts/domain"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

// AdminHandler serves operator endpoints for issuing and managing licenses.
// It expects to be mounted behind AdminAuth.
type AdminHandler struct {
	service   AdminService
	validator *middleware.Validator
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service AdminService, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:   service,
		validator: middleware.NewValidator(),
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "admin")),
	}
}

// Register mounts the admin endpoints on r
func (h *AdminHandler) Register(r chi.Router) {
	r.Post("/licenses", h.IssueLicense)
	r.Route("/licenses/{id}", func(r chi.Router) {
		r.Get("/", h.GetLicense)
		r.Get("/activations", h.ListActivations)
		r.Post("/suspend", h.transition(h.service.Suspend))
		r.Post("/revoke", h.transition(h.service.Revoke))
		r.Post("/reactivate", h.transition(h.service.Reactivate))
	})
	r.Get("/fraud-alerts", h.ListFraudAlerts)
}

// IssueLicense handles POST /admin/licenses
func (h *AdminHandler) IssueLicense(w http.ResponseWriter, r *http.Request) {
	var req api.IssueLicenseRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	key, lic, err := h.service.Issue(r.Context(), services.IssueInput{
		UserID:      req.UserID,
		PackageID:   req.PackageID,
		LicenseType: req.LicenseType,
		MaxDevices:  req.MaxDevices,
		ExpiresAt:   req.ExpiresAt,
		Source:      req.Source,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "license issued via admin api",
		slog.String("license_id", lic.ID),
		slog.String("package_id", lic.PackageID))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, api.IssueLicenseResponse{LicenseKey: key, License: *lic})
}

// GetLicense handles GET /admin/licenses/{id}
func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, api.LicenseResponse{License: *lic})
}

// ListActivations handles GET /admin/licenses/{id}/activations
func (h *AdminHandler) ListActivations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	activations, err := h.service.ListActivations(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if activations == nil {
		activations = []domain.DeviceActivation{}
	}
	render.JSON(w, r, api.ActivationsResponse{LicenseID: id, Activations: activations})
}

// ListFraudAlerts handles GET /admin/fraud-alerts?license_id=&limit=
func (h *AdminHandler) ListFraudAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := middleware.QueryInt(r, "limit", 1, maxAlertLimit, defaultAlertLimit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	alerts, err := h.service.ListAlerts(r.Context(), r.URL.Query().Get("license_id"), limit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []domain.FraudAlert{}
	}
	render.JSON(w, r, api.FraudAlertsResponse{Alerts: alerts})
}

type transitionFunc func(ctx context.Context, licenseID, reason string) (*domain.License, error)

// transition adapts a state change to a handler. The body is optional.
func (h *AdminHandler) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.TransitionRequest
		if r.ContentLength != 0 {
			if err := h.validator.Decode(r, &req); err != nil {
				h.errors.HandleError(w, r, err)
				return
			}
		}

		lic, err := fn(r.Context(), chi.URLParam(r, "id"), req.Reason)
		if err != nil {
			h.errors.HandleError(w, r, err)
			return
		}
		render.JSON(w, r, api.LicenseResponse{License: *lic})
	}
}
