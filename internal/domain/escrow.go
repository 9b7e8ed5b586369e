/**
 * @description
 * This file defines the per-task escrow state machine: the EscrowLock row
 * that is the authoritative cursor for a subject's money state, the full
 * transition table, and the mapping to the small set of user-visible states.
 *
 * @notes
 * - The transition table is explicit and total: any (state, event) pair not
 *   present fails with ErrIllegalTransition instead of being ignored.
 * - Terminal states are never left. The store additionally refuses writes to
 *   terminal rows at the SQL level.
 */

package domain

import (
	"errors"
	"time"
)

// Escrow states. The -ing states are saga intermediates: an external
// processor call for the subject may be in flight.
const (
	StatePending       = "pending"
	StateHolding       = "holding"
	StateHeld          = "held"
	StateReleasing     = "releasing"
	StateRefunding     = "refunding"
	StateLockedDispute = "locked_dispute"
	StateSplitting     = "splitting"
	StateReleased      = "released"
	StateRefunded      = "refunded"
	StateRefundPartial = "refund_partial"
)

// Financial event types accepted by the money engine.
const (
	EventHold    = "escrow.hold"
	EventRelease = "escrow.release"
	EventRefund  = "escrow.refund"
	EventDispute = "escrow.dispute"
	EventSplit   = "escrow.split"
)

// Derived user-visible states. Internal states and error codes are never
// surfaced to end users directly.
const (
	DisplayReady          = "ready"
	DisplayAwaitingReview = "awaiting_review"
	DisplayOnHold         = "on_hold"
	DisplayPaid           = "paid"
)

var (
	ErrIllegalTransition = errors.New("illegal escrow transition")
	ErrTerminalState     = errors.New("escrow is in a terminal state")
)

// EscrowLock is the single authoritative state-machine row per subject. It is
// the only frequently-updated row in the system; every mutation is a
// version-guarded conditional update.
type EscrowLock struct {
	SubjectID           string    `json:"subject_id"`
	State               string    `json:"state"`
	Version             int64     `json:"version"`
	HeldAmount          int64     `json:"held_amount"`
	Currency            string    `json:"currency"`
	PayerID             string    `json:"payer_id"`
	PayeeID             string    `json:"payee_id"`
	InflightEventID     *string   `json:"inflight_event_id,omitempty"`
	ProcessorHoldID     *string   `json:"processor_hold_id,omitempty"`
	ProcessorTransferID *string   `json:"processor_transfer_id,omitempty"`
	ProcessorRefundID   *string   `json:"processor_refund_id,omitempty"`
	RecoveryAttempts    int       `json:"recovery_attempts"`
	TaskCompleted       bool      `json:"task_completed"`
	DeadlineAt          time.Time `json:"deadline_at"`
	LastTransitionAt    time.Time `json:"last_transition_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// transitionTable maps (current state, event) to the intermediate state the
// engine moves through while the external call is in flight. EventDispute is
// the only purely local transition.
var transitionTable = map[string]map[string]string{
	StatePending: {
		EventHold: StateHolding,
	},
	StateHeld: {
		EventRelease: StateReleasing,
		EventRefund:  StateRefunding,
		EventDispute: StateLockedDispute,
	},
	StateLockedDispute: {
		EventRelease: StateReleasing,
		EventRefund:  StateRefunding,
		EventSplit:   StateSplitting,
	},
}

// commitTable maps each intermediate state to the state it lands in when its
// saga commits.
var commitTable = map[string]string{
	StateHolding:   StateHeld,
	StateReleasing: StateReleased,
	StateRefunding: StateRefunded,
	StateSplitting: StateRefundPartial,
}

// revertTable maps each intermediate state back to the state it reverts to on
// an explicit processor decline.
var revertTable = map[string]string{
	StateHolding:   StatePending,
	StateReleasing: StateHeld,
	StateRefunding: StateHeld,
	StateSplitting: StateLockedDispute,
}

// A release or refund out of a dispute reverts to locked_dispute, not held.
var disputeRevertStates = map[string]bool{
	StateReleasing: true,
	StateRefunding: true,
}

func IsTerminalState(state string) bool {
	switch state {
	case StateReleased, StateRefunded, StateRefundPartial:
		return true
	}
	return false
}

func IsIntermediateState(state string) bool {
	_, ok := commitTable[state]
	return ok
}

// NextState resolves the transition table for an inbound event. Terminal
// states fail with ErrTerminalState; any pair not in the table fails with
// ErrIllegalTransition.
func NextState(current, event string) (string, error) {
	if IsTerminalState(current) {
		return "", ErrTerminalState
	}
	events, ok := transitionTable[current]
	if !ok {
		return "", ErrIllegalTransition
	}
	next, ok := events[event]
	if !ok {
		return "", ErrIllegalTransition
	}
	return next, nil
}

// CommitState returns the state an intermediate state advances to on saga
// commit.
func CommitState(intermediate string) (string, error) {
	next, ok := commitTable[intermediate]
	if !ok {
		return "", ErrIllegalTransition
	}
	return next, nil
}

// RevertState returns the state an intermediate state falls back to on an
// explicit processor decline. fromDispute selects the dispute fallback for
// releases/refunds that started from locked_dispute.
func RevertState(intermediate string, fromDispute bool) (string, error) {
	if fromDispute && disputeRevertStates[intermediate] {
		return StateLockedDispute, nil
	}
	prev, ok := revertTable[intermediate]
	if !ok {
		return "", ErrIllegalTransition
	}
	return prev, nil
}

// DisplayState maps the internal state machine onto the four states end
// users ever see.
func DisplayState(state string) string {
	switch state {
	case StatePending, StateHolding, StateRefunded:
		return DisplayReady
	case StateLockedDispute, StateSplitting:
		return DisplayAwaitingReview
	case StateReleased, StateRefundPartial:
		return DisplayPaid
	default:
		return DisplayOnHold
	}
}
