package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hemant/titandelay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves inspection data as JSON and metrics in the Prometheus
// text format.
type Handler struct {
	inspector *titandelay.Inspector
	gatherer  prometheus.Gatherer
	ping      func() error
}

// NewHandler creates a new Handler. ping reports broker health.
func NewHandler(inspector *titandelay.Inspector, gatherer prometheus.Gatherer, ping func() error) *Handler {
	return &Handler{inspector: inspector, gatherer: gatherer, ping: ping}
}

// Routes returns the HTTP routes.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Route("/api/topics/{topic}", func(r chi.Router) {
		r.Use(validTopic)
		r.Get("/", h.handleTopic)
		r.Get("/leases", h.handleLeases)
		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", h.handleDeadLetters)
			r.Delete("/", h.handlePurgeDeadLetters)
			r.Delete("/{id}", h.handleDeleteDeadLetter)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.ping(); err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (h *Handler) handleTopic(w http.ResponseWriter, r *http.Request) {
	info, err := h.inspector.Topic(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		inspectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := h.inspector.Leases(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		inspectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leases": nonNil(leases)})
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := h.inspector.DeadLetters(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		inspectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": nonNil(dls)})
}

func (h *Handler) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.inspector.PurgeDeadLetters(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		inspectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

func (h *Handler) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.inspector.DeleteDeadLetters(r.Context(), chi.URLParam(r, "topic"), id)
	if err != nil {
		inspectError(w, err)
		return
	}
	if n == 0 {
		errorResponse(w, http.StatusNotFound, "dead letter "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

// nonNil makes empty results encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func inspectError(w http.ResponseWriter, err error) {
	errorResponse(w, http.StatusInternalServerError, err.Error())
}

// validTopic rejects malformed topic names with 400.
func validTopic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := titandelay.ValidateTopic(chi.URLParam(r, "topic")); err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
