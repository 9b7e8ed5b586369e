/**
 * @description
 * This file contains the HTTP handlers for the operator surface: forced
 * refunds and payouts, kill switch control, and on-demand runs of the
 * recovery sweeper and the reconciler. All of these sit behind admin JWT
 * authentication and record who acted and why.
 */

package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sidequest/escrow-service/internal/domain"
)

// ForceRefundHandler refunds a lock on operator authority.
func (h *EscrowHandlers) ForceRefundHandler(w http.ResponseWriter, r *http.Request) {
	h.forceAction(w, r, "force_refund")
}

// ForcePayoutHandler releases a lock to the payee on operator authority.
func (h *EscrowHandlers) ForcePayoutHandler(w http.ResponseWriter, r *http.Request) {
	h.forceAction(w, r, "force_payout")
}

func (h *EscrowHandlers) forceAction(w http.ResponseWriter, r *http.Request, action string) {
	subjectID := chi.URLParam(r, "subjectID")
	adminID, ok := GetAdminID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Admin identity missing")
		return
	}

	var req domain.AdminActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	req.AdminID = adminID

	var (
		res *domain.EventResult
		err error
	)
	if action == "force_refund" {
		res, err = h.engine.ForceRefund(r.Context(), subjectID, req)
	} else {
		res, err = h.engine.ForcePayout(r.Context(), subjectID, req)
	}
	h.writeEventOutcome(w, action, subjectID, res, err)
}

// KillSwitchHandler reads or mutates the global halt.
func (h *EscrowHandlers) KillSwitchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		ks, err := h.engine.KillSwitchStatus(r.Context())
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		h.writeJSON(w, http.StatusOK, ks)
		return
	}

	adminID, ok := GetAdminID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Admin identity missing")
		return
	}

	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	action := domain.AdminActionRequest{AdminID: adminID, Reason: req.Reason}
	var err error
	if req.Active {
		err = h.engine.TriggerKillSwitch(r.Context(), action)
	} else {
		err = h.engine.ResolveKillSwitch(r.Context(), action)
	}
	if err != nil {
		log.Printf("level=error component=api endpoint=kill_switch admin_id=%s err=%v", adminID, err)
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

// RunRecoveryHandler runs the saga recovery sweeper on demand.
func (h *EscrowHandlers) RunRecoveryHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.RunRecoverySweep(r.Context(), time.Duration(0))
	if err != nil {
		log.Printf("level=error component=api endpoint=run_recovery err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Recovery sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RunReconciliationHandler runs the invariant checker on demand.
func (h *EscrowHandlers) RunReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.RunReconciliation(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=run_reconciliation err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}
