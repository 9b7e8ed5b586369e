/**
 * @description
 * This file sets up the HTTP router for the escrow-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: Metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EscrowRoutes creates and returns a new router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, internalAPIKey, adminJWTSecret, webhookKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Processor webhook, guarded by the key the processor sends.
	r.Group(func(r chi.Router) {
		r.Use(WebhookAuthMiddleware(webhookKey))
		r.Post("/webhooks/processor", h.ProcessorWebhookHandler)
	})

	// Service-to-service surface used by the task-lifecycle layer.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/escrow/hold", h.HoldHandler)
		r.Post("/escrow/{subjectID}/release", h.ReleaseHandler)
		r.Post("/escrow/{subjectID}/refund", h.RefundHandler)
		r.Post("/escrow/{subjectID}/dispute", h.DisputeHandler)
		r.Post("/escrow/{subjectID}/split", h.SplitHandler)
		r.Post("/escrow/{subjectID}/task-completed", h.TaskCompletedHandler)
		r.Get("/escrow/{subjectID}", h.GetStateHandler)
	})

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(AdminAuthMiddleware(adminJWTSecret))

		r.Post("/admin/escrow/{subjectID}/force-refund", h.ForceRefundHandler)
		r.Post("/admin/escrow/{subjectID}/force-payout", h.ForcePayoutHandler)
		r.Get("/admin/kill-switch", h.KillSwitchHandler)
		r.Post("/admin/kill-switch", h.KillSwitchHandler)
		r.Post("/admin/recovery/run", h.RunRecoveryHandler)
		r.Post("/admin/reconciliation/run", h.RunReconciliationHandler)
	})

	return r
}
