// Package api exposes the dispatcher over HTTP for schedulers.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/delivery"
	"github.com/austindbirch/harbor_dispatch/internal/dispatcher"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

// MaxBodyBytes caps a dispatch request body.
const MaxBodyBytes = 1 << 20

type Dispatcher interface {
	Deliver(ctx context.Context, id string) (dispatcher.Outcome, error)
}

type Options struct {
	Dispatcher Dispatcher
	Auth       *auth.Authenticator
	Health     http.Handler
	Metrics    http.Handler // optional
	Logger     *logging.Logger
}

type handler struct {
	dispatcher Dispatcher
	logger     *logging.Logger
}

// NewRouter registers the dispatch, health and metrics routes.
func NewRouter(opts Options) http.Handler {
	h := &handler{dispatcher: opts.Dispatcher, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})

	if opts.Health != nil {
		r.Method(http.MethodGet, "/healthz", opts.Health)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(opts.Auth.HTTPMiddleware)
		r.Post("/v1/dispatch", h.dispatch)
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

type skipBody struct {
	Processed bool   `json:"processed"`
	Reason    string `json:"reason"`
}

func (h *handler) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractHTTP(r.Context(), r.Header)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Could not read request body"})
		return
	}

	t, err := delivery.ParseTrigger(body)
	if err != nil {
		h.logger.WithContext(ctx).Warn("dispatch request without record id")
		writeJSON(w, http.StatusOK, skipBody{Processed: false, Reason: err.Error()})
		return
	}

	out, err := h.dispatcher.Deliver(ctx, t.DeliveryID())
	switch {
	case errors.Is(err, dispatcher.ErrDeliveryNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Delivery not found"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal error"})
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
