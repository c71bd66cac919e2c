// Package handler exposes session admission over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sinhamajestic/3device-app/internal/server/middleware"
	"github.com/sinhamajestic/3device-app/internal/server/respond"
	"github.com/sinhamajestic/3device-app/internal/session/domain"
	"github.com/sinhamajestic/3device-app/internal/session/service"
)

const (
	maxBodyBytes = 1 << 20
	// retryAfterSeconds is sent with 503 when the session store is unavailable.
	retryAfterSeconds = "1"

	defaultFullName    = "N/A"
	defaultPhoneNumber = "Not Provided"
)

// Admission is the subset of *service.Controller the handler needs.
type Admission interface {
	Login(ctx context.Context, userID, deviceID string) (*service.LoginResult, error)
	ForceLogoutAndLogin(ctx context.Context, userID, deviceToEvict, newDeviceID string) (service.Status, error)
	Heartbeat(ctx context.Context, userID, deviceID string) (service.Status, error)
	Logout(ctx context.Context, userID, deviceID string) error
	Sessions(ctx context.Context, userID string) ([]*domain.Session, error)
}

// Handler serves the session and profile routes. Every route expects middleware.Authenticate
// to have run.
type Handler struct {
	admission        Admission
	phoneNumberClaim string
	validate         *validator.Validate
	logger           zerolog.Logger
}

// New returns a Handler. phoneNumberClaim names the token claim read by the profile route.
func New(admission Admission, phoneNumberClaim string, logger zerolog.Logger) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Device ids are limited in bytes, matching the controller and the storage column.
	_ = v.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= service.MaxDeviceIDLength
	})
	return &Handler{
		admission:        admission,
		phoneNumberClaim: phoneNumberClaim,
		validate:         v,
		logger:           logger.With().Str("component", "session_handler").Logger(),
	}
}

// Routes mounts the handler's routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/login", h.login)
		r.Post("/force-logout", h.forceLogout)
		r.Post("/heartbeat", h.heartbeat)
		r.Post("/logout", h.logout)
	})
	r.Get("/user/profile", h.profile)
}

type deviceRequest struct {
	DeviceID string `json:"device_id" validate:"required,deviceid"`
}

type forceLogoutRequest struct {
	DeviceToLogout string `json:"device_to_logout" validate:"required,deviceid"`
	NewDeviceID    string `json:"new_device_id" validate:"required,deviceid"`
}

// SessionView is the JSON form of an active session.
type SessionView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// LoginResponse lists the current devices when the status is limit_exceeded; otherwise devices is empty.
type LoginResponse struct {
	Status  string        `json:"status"`
	Devices []SessionView `json:"devices"`
}

// StatusResponse is returned by force-logout and heartbeat.
type StatusResponse struct {
	Status string `json:"status"`
}

// SessionsResponse is returned by the list route.
type SessionsResponse struct {
	Sessions    []SessionView `json:"sessions"`
	MaxSessions int           `json:"max_sessions,omitempty"`
}

// ProfileResponse carries display fields taken from the token claims.
type ProfileResponse struct {
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, _ := middleware.UserID(r.Context())
	res, err := h.admission.Login(r.Context(), userID, req.DeviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, LoginResponse{Status: string(res.Status), Devices: views(res.Devices)})
}

func (h *Handler) forceLogout(w http.ResponseWriter, r *http.Request) {
	var req forceLogoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, _ := middleware.UserID(r.Context())
	status, err := h.admission.ForceLogoutAndLogin(r.Context(), userID, req.DeviceToLogout, req.NewDeviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, StatusResponse{Status: string(status)})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, _ := middleware.UserID(r.Context())
	status, err := h.admission.Heartbeat(r.Context(), userID, req.DeviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, StatusResponse{Status: string(status)})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, _ := middleware.UserID(r.Context())
	if err := h.admission.Logout(r.Context(), userID, req.DeviceID); err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.NoContent(w)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	list, err := h.admission.Sessions(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := SessionsResponse{Sessions: views(list)}
	if c, ok := h.admission.(interface{ MaxSessions() int }); ok {
		resp.MaxSessions = c.MaxSessions()
	}
	respond.JSON(w, http.StatusOK, resp)
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, r, service.ErrNotAuthenticated)
		return
	}
	resp := ProfileResponse{FullName: defaultFullName, PhoneNumber: defaultPhoneNumber}
	if name := id.StringClaim("name"); name != "" {
		resp.FullName = name
	}
	if h.phoneNumberClaim != "" {
		if phone := id.StringClaim(h.phoneNumberClaim); phone != "" {
			resp.PhoneNumber = phone
		}
	}
	respond.JSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into dst and validates it. It writes a 400 and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if _, ok := middleware.UserID(r.Context()); !ok {
		h.writeError(w, r, service.ErrNotAuthenticated)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			respond.Error(w, http.StatusBadRequest, "invalid_request", err.Error())
			return false
		}
		fields := make([]respond.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, respond.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
		}
		respond.Error(w, http.StatusBadRequest, "invalid_request", "request validation failed", fields...)
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "deviceid":
		return fmt.Sprintf("%s must be at most %d bytes", fe.Field(), service.MaxDeviceIDLength)
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// writeError maps controller errors to HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrNotAuthenticated):
		respond.Error(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, service.ErrInvalidDevice):
		respond.Error(w, http.StatusBadRequest, "invalid_device", err.Error())
	case errors.Is(err, service.ErrNotOwned):
		respond.Error(w, http.StatusForbidden, "not_owned", err.Error())
	case errors.Is(err, service.ErrDeviceOwnedByAnotherUser):
		respond.Error(w, http.StatusConflict, "device_owned_by_another_user", err.Error())
	case errors.Is(err, service.ErrDeviceAlreadyActive):
		respond.Error(w, http.StatusConflict, "device_already_active", err.Error())
	case errors.Is(err, service.ErrStorageUnavailable):
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("session storage unavailable")
		w.Header().Set("Retry-After", retryAfterSeconds)
		respond.Error(w, http.StatusServiceUnavailable, "storage_unavailable", "session storage is temporarily unavailable")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		respond.Error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func views(list []*domain.Session) []SessionView {
	out := make([]SessionView, 0, len(list))
	for _, s := range list {
		out = append(out, SessionView{
			ID:        s.ID,
			UserID:    s.UserID,
			DeviceID:  s.DeviceID,
			CreatedAt: s.CreatedAt,
			LastSeen:  s.LastSeen,
		})
	}
	return out
}
