package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a trigger is not permitted in the
// current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions maps each state to the triggers it permits and the state
// each trigger leads to. BEGIN_OCR is deliberately absent from
// OCR_PROCESSING: a second concurrent dispatch must be rejected.
var transitions = map[State]map[Trigger]State{
	StateUploaded: {
		TriggerBeginOCR:    StateOCRProcessing,
		TriggerRetryManual: StateUploaded,
	},
	StateOCRProcessing: {
		TriggerOCRSucceeded:     StateOCRCompleted,
		TriggerOCRLowConfidence: StatePendingValidation,
		TriggerOCRRetryLater:    StateUploaded,
		TriggerOCRExhausted:     StateOCRFailed,
	},
	StateOCRCompleted: {
		TriggerBeginClassification: StateAIProcessing,
		TriggerRetryManual:         StateUploaded,
	},
	StateOCRFailed: {
		TriggerRetryManual: StateUploaded,
	},
	StatePendingValidation: {
		TriggerValidate:    StateValidated,
		TriggerRetryManual: StateUploaded,
	},
	StateAIProcessing: {
		TriggerClassificationDone:   StateAICompleted,
		TriggerClassificationFailed: StateError,
		TriggerRetryManual:          StateUploaded,
	},
	StateAICompleted: {
		TriggerValidate:    StateValidated,
		TriggerExport:      StateExported,
		TriggerRetryManual: StateUploaded,
	},
	StateValidated: {
		TriggerExport: StateExported,
	},
	StateError: {
		TriggerRetryManual: StateUploaded,
	},
}

// CanFire returns true if the trigger is permitted in the given state.
func CanFire(from State, trigger Trigger) bool {
	_, ok := transitions[from][trigger]
	return ok
}

// Next returns the state the trigger leads to from the given state, or
// ErrInvalidTransition if the trigger is not permitted.
func Next(from State, trigger Trigger) (State, error) {
	to, ok := transitions[from][trigger]
	if !ok {
		return "", fmt.Errorf("%w: %s does not permit %s", ErrInvalidTransition, from, trigger)
	}
	return to, nil
}

// PermittedTriggers returns all triggers that can be fired in the given
// state.
func PermittedTriggers(from State) []Trigger {
	perms := make([]Trigger, 0, len(transitions[from]))
	for trigger := range transitions[from] {
		perms = append(perms, trigger)
	}
	return perms
}
