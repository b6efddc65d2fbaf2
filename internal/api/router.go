package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/scene/internal/activity"
	"github.com/kalambet/scene/internal/metrics"
	"github.com/kalambet/scene/internal/participation"
	"github.com/kalambet/scene/internal/scene"
)

const maxRequestBodySize = 64 * 1024 // 64 KiB

// Identity headers. A request may carry a device id, a user id, or both.
const (
	HeaderDevice = "X-Scene-Device"
	HeaderUser   = "X-Scene-User"
)

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Service *scene.Service
	Token   string
	Metrics *metrics.Metrics
}

// NewAppHandler returns an http.Handler serving the venue API. Everything
// except /health and /metrics requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/crowd", handleDashboard(deps))
		r.Get("/venues", handleListVenues(deps))
		r.Post("/venues", handleAddVenue(deps))
		r.Get("/venues/{id}", handleGetVenue(deps))
		r.Get("/venues/{id}/crowd", handleCrowdState(deps))
		r.Get("/venues/{id}/feedback", handleFeedbackSummary(deps))
		r.Get("/venues/{id}/messages", handleMessages(deps))
		r.Get("/venues/{id}/participation/{metric}", handleAvailability(deps))
		r.Post("/venues/{id}/participation/{metric}", handleSubmit(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleDashboard(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		venues, err := deps.Service.Dashboard(r.Context(), r.URL.Query().Get("filter"))
		if err != nil {
			serviceError(w, err, "failed to load dashboard")
			return
		}
		if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && limit < len(venues) {
			venues = venues[:limit]
		}
		if venues == nil {
			venues = []scene.VenueCrowd{}
		}
		writeJSON(w, http.StatusOK, venues)
	}
}

func handleListVenues(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		venues, err := deps.Service.Venues(r.Context())
		if err != nil {
			serviceError(w, err, "failed to list venues")
			return
		}
		if venues == nil {
			venues = []activity.Venue{}
		}
		writeJSON(w, http.StatusOK, venues)
	}
}

func handleAddVenue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var v activity.Venue
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		saved, err := deps.Service.AddVenue(r.Context(), v)
		if err != nil {
			serviceError(w, err, "failed to save venue")
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	}
}

func handleGetVenue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Service.Venue(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "failed to get venue")
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func handleCrowdState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cs, err := deps.Service.GetCrowdState(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "failed to get crowd state")
			return
		}
		writeJSON(w, http.StatusOK, cs)
	}
}

func handleFeedbackSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Service.GetFeedbackSummary(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "failed to get feedback summary")
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Service.Messages(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "failed to list messages")
			return
		}
		if msgs == nil {
			msgs = []activity.Record{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleAvailability(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream, err := activity.ParseStream(chi.URLParam(r, "metric"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		ok, err := deps.Service.GetParticipationAvailability(r.Context(), chi.URLParam(r, "id"), stream, requestIdentity(r))
		if err != nil {
			serviceError(w, err, "failed to check availability")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"metric": stream, "available": ok})
	}
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream, err := activity.ParseStream(chi.URLParam(r, "metric"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		var p participation.Payload
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		// Vibes carry no payload, so an empty body is accepted.
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rec, err := deps.Service.SubmitParticipation(r.Context(), chi.URLParam(r, "id"), stream, requestIdentity(r), p)
		if err != nil {
			serviceError(w, err, "failed to record participation")
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

// requestIdentity reads the caller's identity from the request headers.
func requestIdentity(r *http.Request) activity.Identity {
	return activity.Identity{
		DeviceID: r.Header.Get(HeaderDevice),
		UserID:   r.Header.Get(HeaderUser),
	}
}

// serviceError maps domain errors onto HTTP status codes.
func serviceError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, activity.ErrDuplicateParticipation):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, activity.ErrAuthRequired):
		httpError(w, http.StatusUnauthorized, "authentication_error", "%v", err)
	case errors.Is(err, activity.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, activity.ErrInvalidPayload):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
