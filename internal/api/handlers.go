/**
 * @description
 * This file contains the HTTP handlers for the escrow money-movement surface:
 * hold, release, refund, dispute, split, and the state read. Handlers decode
 * and validate, delegate to the money engine, and translate engine errors to
 * status codes; every saga outcome class has a distinct status.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: Core business logic.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sidequest/escrow-service/internal/app"
	"github.com/sidequest/escrow-service/internal/domain"
	"github.com/sidequest/escrow-service/internal/store"
)

// EscrowHandlers holds the dependencies for the escrow HTTP handlers.
type EscrowHandlers struct {
	engine      *app.Engine
	rateLimiter *app.RedisEventRateLimiter
	ratePerMin  int
}

// NewEscrowHandlers creates a new instance of EscrowHandlers.
func NewEscrowHandlers(engine *app.Engine, limiter *app.RedisEventRateLimiter, ratePerMin int) *EscrowHandlers {
	return &EscrowHandlers{engine: engine, rateLimiter: limiter, ratePerMin: ratePerMin}
}

// HoldHandler funds a new escrow.
func (h *EscrowHandlers) HoldHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if !h.allowRate(w, r, "hold", req.SubjectID) {
		return
	}

	res, err := h.engine.Hold(r.Context(), req)
	h.writeEventOutcome(w, "hold", req.SubjectID, res, err)
}

// ReleaseHandler pays out a held escrow to the payee.
func (h *EscrowHandlers) ReleaseHandler(w http.ResponseWriter, r *http.Request) {
	h.disposition(w, r, "release")
}

// RefundHandler returns a held escrow to the payer.
func (h *EscrowHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	h.disposition(w, r, "refund")
}

// DisputeHandler freezes a held escrow pending resolution.
func (h *EscrowHandlers) DisputeHandler(w http.ResponseWriter, r *http.Request) {
	h.disposition(w, r, "dispute")
}

func (h *EscrowHandlers) disposition(w http.ResponseWriter, r *http.Request, op string) {
	subjectID := chi.URLParam(r, "subjectID")

	var req domain.DispositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if !h.allowRate(w, r, op, subjectID) {
		return
	}

	var (
		res *domain.EventResult
		err error
	)
	switch op {
	case "release":
		res, err = h.engine.Release(r.Context(), subjectID, req)
	case "refund":
		res, err = h.engine.Refund(r.Context(), subjectID, req)
	case "dispute":
		res, err = h.engine.Dispute(r.Context(), subjectID, req)
	}
	h.writeEventOutcome(w, op, subjectID, res, err)
}

// SplitHandler resolves a dispute into a partial refund plus partial release.
func (h *EscrowHandlers) SplitHandler(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	var req domain.SplitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if !h.allowRate(w, r, "split", subjectID) {
		return
	}

	res, err := h.engine.Split(r.Context(), subjectID, req)
	h.writeEventOutcome(w, "split", subjectID, res, err)
}

// GetStateHandler returns the lock state and its user-facing projection.
func (h *EscrowHandlers) GetStateHandler(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	state, err := h.engine.GetState(r.Context(), subjectID)
	if err != nil {
		if errors.Is(err, store.ErrEscrowNotFound) {
			h.writeError(w, http.StatusNotFound, "Escrow not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_state subject_id=%s err=%v", subjectID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

// TaskCompletedHandler records task completion so the deadline sweeper skips
// the escrow.
func (h *EscrowHandlers) TaskCompletedHandler(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	var req struct {
		Completed bool `json:"completed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if err := h.engine.MarkTaskCompleted(r.Context(), subjectID, req.Completed); err != nil {
		if errors.Is(err, store.ErrEscrowNotFound) {
			h.writeError(w, http.StatusNotFound, "Escrow not found")
			return
		}
		log.Printf("level=error component=api endpoint=task_completed subject_id=%s err=%v", subjectID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"completed": req.Completed})
}

// writeEventOutcome maps every saga outcome class to its status code:
// committed 200, duplicate replay 200, ambiguous in-flight 202, decline 402,
// state conflicts 409, kill switch 503.
func (h *EscrowHandlers) writeEventOutcome(w http.ResponseWriter, op, subjectID string, res *domain.EventResult, err error) {
	if err == nil {
		h.writeJSON(w, http.StatusOK, res)
		return
	}

	log.Printf("level=warn component=api endpoint=%s outcome=failed subject_id=%s err=%v", op, subjectID, err)
	switch {
	case errors.Is(err, app.ErrProcessorPending):
		// Intentionally unresolved; the sweeper or webhook will finish it.
		if res != nil {
			h.writeJSON(w, http.StatusAccepted, res)
		} else {
			h.writeError(w, http.StatusAccepted, "Outcome pending resolution")
		}
	case errors.Is(err, app.ErrProcessorDecline):
		h.writeError(w, http.StatusPaymentRequired, "Processor declined the request")
	case errors.Is(err, app.ErrKillSwitchActive):
		h.writeError(w, http.StatusServiceUnavailable, "Money movement is halted")
	case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrSplitMismatch):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrEventInProgress),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrTerminalState),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrInsufficientBalance):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrEscrowNotFound):
		h.writeError(w, http.StatusNotFound, "Escrow not found")
	default:
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *EscrowHandlers) allowRate(w http.ResponseWriter, r *http.Request, scope, subject string) bool {
	if h.rateLimiter == nil || h.ratePerMin <= 0 {
		return true
	}
	count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), scope, subject, h.ratePerMin, time.Minute)
	if err != nil {
		// Rate limiting is advisory; a broken limiter must not block money movement.
		log.Printf("level=warn component=api msg=\"rate limiter unavailable\" scope=%s err=%v", scope, err)
		return true
	}
	if h.ratePerMin > 0 && count > h.ratePerMin {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
