package lifecycle

// State is the lifecycle status of an invoice.
type State string

const (
	StateUploaded          State = "UPLOADED"
	StateOCRProcessing     State = "OCR_PROCESSING"
	StateOCRCompleted      State = "OCR_COMPLETED"
	StateOCRFailed         State = "OCR_FAILED"
	StatePendingValidation State = "PENDING_VALIDATION"
	StateAIProcessing      State = "AI_PROCESSING"
	StateAICompleted       State = "AI_COMPLETED"
	StateValidated         State = "VALIDATED"
	StateExported          State = "EXPORTED"
	StateError             State = "ERROR"
)

var validStates = map[State]bool{
	StateUploaded:          true,
	StateOCRProcessing:     true,
	StateOCRCompleted:      true,
	StateOCRFailed:         true,
	StatePendingValidation: true,
	StateAIProcessing:      true,
	StateAICompleted:       true,
	StateValidated:         true,
	StateExported:          true,
	StateError:             true,
}

// Terminal states for the automatic pipeline. OCR_FAILED can still be
// reset manually, EXPORTED cannot.
var terminalStates = map[State]bool{
	StateExported:  true,
	StateOCRFailed: true,
}

// IsTerminal returns true if the automatic pipeline stops at this state.
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// IsValid returns true if the state is a known lifecycle state.
func (s State) IsValid() bool {
	return validStates[s]
}

// Exportable returns true if an invoice in this state may join an
// export batch.
func (s State) Exportable() bool {
	return s == StateValidated || s == StateAICompleted
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}
