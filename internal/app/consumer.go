/**
 * @description
 * This file handles processor-originated status events, whether they arrive
 * over the HTTP webhook or relayed through RabbitMQ. A status event does not
 * carry authority on its own: it is deduplicated like any other event and
 * then used as a trigger to resolve the subject's in-flight saga from
 * recorded evidence, the same way the recovery sweeper does.
 */

package app

import (
	"context"
	"encoding/json"
	"log"

	"github.com/sidequest/escrow-service/internal/domain"
	"github.com/sidequest/escrow-service/internal/store"
	"github.com/sidequest/escrow-service/pkg/rabbitmq"
)

// ProcessorEventsExchange is the topic exchange processor webhook relays go through.
const ProcessorEventsExchange = "processor_events"

// HandleProcessorEvent resolves the saga a processor status event refers to.
// It is safe to call concurrently with the live request path: the version
// guard and the ledger idempotency key make double-resolution harmless.
func (e *Engine) HandleProcessorEvent(ctx context.Context, evt domain.ProcessorWebhookEvent) error {
	if evt.ProcessorEventID == "" || evt.IdempotencyKey == "" {
		return ErrInvalidAmount
	}

	call, err := e.repo.GetOutboundCall(ctx, evt.IdempotencyKey)
	if err == store.ErrOutboundCallNotFound {
		// An event for a dispatch we never made. Log and drop.
		log.Printf("level=warn component=processor_consumer msg=\"status event for unknown idempotency key\" idempotency_key=%s processor_event_id=%s", evt.IdempotencyKey, evt.ProcessorEventID)
		return nil
	}
	if err != nil {
		return err
	}

	eventID := "processor:" + evt.ProcessorEventID
	admitted, prior, err := e.repo.AdmitEvent(ctx, domain.EventAuditRecord{
		EventID:   eventID,
		SubjectID: call.SubjectID,
		EventType: "processor.status",
		Actor:     "processor",
		Outcome:   domain.OutcomeExecuting,
	})
	if err != nil {
		return err
	}
	// An executing duplicate is a redelivery after a transient resolution
	// failure; it gets to retry. Anything finalized is dropped.
	if !admitted && prior != nil && prior.Outcome != domain.OutcomeExecuting {
		return nil
	}

	lock, err := e.repo.GetEscrowLock(ctx, call.SubjectID)
	if err != nil {
		return err
	}
	if !domain.IsIntermediateState(lock.State) {
		// Already resolved by the live path or the sweeper.
		e.finalizeProcessorEvent(ctx, eventID, lock.State)
		return nil
	}

	res, err := e.resolveStuckLock(ctx, lock)
	if err != nil {
		return err
	}
	if resolved, lookErr := e.repo.GetEscrowLock(ctx, call.SubjectID); lookErr == nil {
		e.finalizeProcessorEvent(ctx, eventID, resolved.State)
	}
	log.Printf("level=info component=processor_consumer subject_id=%s processor_event_id=%s status=%s resolution=%s", call.SubjectID, evt.ProcessorEventID, evt.Status, res)
	return nil
}

func (e *Engine) finalizeProcessorEvent(ctx context.Context, eventID, newState string) {
	if err := e.repo.SetEventOutcome(ctx, eventID, domain.OutcomeCommitted, newState); err != nil {
		log.Printf("level=warn component=processor_consumer event_id=%s msg=\"failed to finalize status event outcome\" err=%v", eventID, err)
	}
}

// StartProcessorEventConsumer binds the relay queue and feeds deliveries into
// the engine.
func StartProcessorEventConsumer(consumer *rabbitmq.Consumer, engine *Engine) error {
	return consumer.ConsumeWithBindings(ProcessorEventsExchange, "escrow_processor_events", map[string]func([]byte) bool{
		"processor.object.updated": func(body []byte) bool {
			var evt domain.ProcessorWebhookEvent
			if err := json.Unmarshal(body, &evt); err != nil {
				log.Printf("level=error component=processor_consumer msg=\"failed to decode status event\" err=%v", err)
				return true // malformed payloads are dropped, not re-queued
			}
			if err := engine.HandleProcessorEvent(context.Background(), evt); err != nil {
				log.Printf("level=error component=processor_consumer msg=\"failed to handle status event\" processor_event_id=%s err=%v", evt.ProcessorEventID, err)
				return false
			}
			return true
		},
	})
}
