package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/meetbot/internal/proxy"
	"github.com/shehryarbajwa/meetbot/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(recovery, accessLog, corsMiddleware)

	// Open endpoints
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/health/detailed", h.HealthDetailed).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Webhooks from the main server
	hooks := r.PathPrefix("/webhook").Subrouter()
	hooks.Use(SecretMiddleware(h.secret))
	hooks.HandleFunc("/meeting-ended", h.MeetingEnded).Methods(http.MethodPost, http.MethodOptions)
	hooks.HandleFunc("/bot-command", h.BotCommand).Methods(http.MethodPost, http.MethodOptions)

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(SecretMiddleware(h.secret))

	// Join endpoints (rate limited)
	limited := RateLimitMiddleware(rateLimiter)
	api.Handle("/bots", limited(http.HandlerFunc(h.LaunchBot))).Methods(http.MethodPost, http.MethodOptions)
	api.Handle("/bots/auto-join", limited(http.HandlerFunc(h.AutoJoin))).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/bots", h.ListBots).Methods(http.MethodGet)
	api.HandleFunc("/bots/{meetingId}", h.GetBot).Methods(http.MethodGet)
	api.HandleFunc("/bots/{meetingId}/stop", h.StopBot).Methods(http.MethodPost, http.MethodOptions)

	// Debug endpoints (not rate limited)
	api.HandleFunc("/bots/{meetingId}/screenshot", h.Screenshot).Methods(http.MethodGet)
	api.HandleFunc("/bots/{meetingId}/debug", h.GetDebugURL).Methods(http.MethodGet)
	api.HandleFunc("/bots/{meetingId}/debug/ws", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandleDebugConnection(w, r, mux.Vars(r)["meetingId"])
	}).Methods(http.MethodGet)

	// Retained recordings
	api.HandleFunc("/recordings", h.ListRecordings).Methods(http.MethodGet)
	api.HandleFunc("/recordings/archive", h.ArchiveRecordings).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failure(w, http.StatusNotFound, "not_found", "route "+r.URL.Path+" not found")
	})
	return r
}
