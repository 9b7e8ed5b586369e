package app

import "errors"

var (
	// ErrKillSwitchActive is returned when the global halt is engaged. No
	// money movement is attempted while it is set.
	ErrKillSwitchActive = errors.New("kill switch active: money movement halted")

	// ErrProcessorDecline is returned when the processor explicitly rejected
	// the call. The lock has already been reverted to its prior stable state.
	ErrProcessorDecline = errors.New("processor declined the request")

	// ErrProcessorPending is returned when the processor call ended
	// ambiguously. The lock stays in its intermediate state until the
	// recovery sweeper or a processor webhook resolves it.
	ErrProcessorPending = errors.New("processor outcome unknown: resolution pending")

	// ErrEventInProgress is returned for a duplicate event id whose original
	// attempt is still executing.
	ErrEventInProgress = errors.New("event is still being processed")

	// ErrInvalidAmount is returned when a request fails amount validation.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrSplitMismatch is returned when split amounts do not sum to the held amount.
	ErrSplitMismatch = errors.New("split amounts must sum to the held amount")
)
