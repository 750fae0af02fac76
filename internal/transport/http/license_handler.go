package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "licensehub/internal/errors"
	"licensehub/internal/middleware"
	api "licensehub/pkg/contracts/api/v1"
)

// LicenseHandler serves the device endpoints: validate, activate and
// deactivate.
type LicenseHandler struct {
	service   LicenseService
	validator *middleware.Validator
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		validator: middleware.NewValidator(),
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// Register mounts the device endpoints on r
func (h *LicenseHandler) Register(r chi.Router) {
	r.Post("/validate", h.Validate)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
}

// Validate handles POST /api/v1/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req api.ValidateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.service.Validate(r.Context(), req.ActivationToken, req.DeviceID, middleware.ClientIP(r))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, api.ValidateResponse{
		Valid:           res.Valid,
		LicenseID:       res.LicenseID,
		PackageID:       res.PackageID,
		GracePeriod:     res.GracePeriod,
		GracePeriodEnds: res.GracePeriodEnds,
		ExpiresAt:       res.ExpiresAt,
	})
}

// Activate handles POST /api/v1/activate. A new device gets 201, a device
// that was already bound gets 200 with a fresh token.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req api.ActivateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.service.Activate(r.Context(), req.LicenseKey, req.DeviceID, middleware.ClientIP(r), req.Metadata)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.DebugContext(r.Context(), "activation response", slog.String("result", res.String()))

	if res.NewDevice {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, api.ActivateResponse{
		ActivationToken: res.Token,
		ExpiresAt:       res.ExpiresAt,
		LicenseID:       res.LicenseID,
	})
}

// Deactivate handles POST /api/v1/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req api.DeactivateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	res, err := h.service.Deactivate(r.Context(), req.ActivationToken, req.DeviceID)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, api.DeactivateResponse{
		Deactivated:   res.Deactivated,
		LicenseID:     res.LicenseID,
		ActiveDevices: res.ActiveDevices,
	})
}
