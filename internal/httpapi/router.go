// Package httpapi is the REST surface plus the operational endpoints.
// Message traffic flows over the websocket; HTTP serves history reads,
// search, contact management, health, and metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/db"
	"github.com/emberchat/ember/internal/deliverylog"
	"github.com/emberchat/ember/internal/fabric"
	"github.com/emberchat/ember/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Per-user request budgets.
const (
	apiRequestsPerMinute    = 100
	searchRequestsPerMinute = 30
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Store  *store.PG
	Pools  *db.Pools
	Redis  *db.RedisClients
	DLog   deliverylog.Log
	Hub    *fabric.Hub
	Tokens *auth.Tokens

	// WS is the websocket handshake handler, mounted at /ws. It does its
	// own token authentication during the handshake.
	WS http.Handler

	ReplicaMaxLag time.Duration
}

// errorBody is the stable error shape for every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeErr maps an application error onto the stable error shape.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), errorBody{
		Error: err.Error(),
		Code:  string(apperr.KindOf(err)),
	})
}

// writeBadRequest reports a request-shape problem that never reached the
// store.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error: msg,
		Code:  string(apperr.InvalidInput),
	})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Operational endpoints (unauthenticated).
	r.Get("/healthz", s.Healthz)
	r.Get("/readyz", s.Readyz)
	r.Get("/health/details", s.HealthDetails)
	r.Handle("/metrics", promhttp.Handler())

	// Websocket handshake authenticates itself via the token parameter.
	if s.WS != nil {
		r.Handle("/ws", s.WS)
	}

	// Read-side API.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Tokens))
		r.Use(RateLimit(apiRequestsPerMinute))

		r.Get("/v1/conversations", s.ListConversations)
		r.Get("/v1/contacts", s.ListContacts)
		r.Put("/v1/contacts/{userId}", s.AddContact)
		r.Delete("/v1/contacts/{userId}", s.RemoveContact)
		r.Get("/v1/conversations/{id}/messages", s.ListMessages)
		r.Get("/v1/messages/{id}/history", s.MessageHistory)
		r.Get("/v1/messages/{id}/reactions", s.MessageReactions)

		// Search carries its own, tighter budget on top of the API one.
		r.With(RateLimit(searchRequestsPerMinute)).
			Get("/v1/search/messages", s.SearchMessages)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
