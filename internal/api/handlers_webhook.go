/**
 * @description
 * This file contains the HTTP handler for processor webhook deliveries. The
 * payload is treated as a hint, not an authority: it is deduplicated and
 * then the subject's in-flight saga is resolved from recorded evidence.
 */

package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sidequest/escrow-service/internal/domain"
)

// ProcessorWebhookHandler accepts processor status events.
func (h *EscrowHandlers) ProcessorWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var evt domain.ProcessorWebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid webhook body: %v", err))
		return
	}

	if err := h.engine.HandleProcessorEvent(r.Context(), evt); err != nil {
		// A non-2xx makes the processor redeliver, which is what we want for
		// transient failures.
		log.Printf("level=error component=api endpoint=processor_webhook processor_event_id=%s err=%v", evt.ProcessorEventID, err)
		h.writeError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
