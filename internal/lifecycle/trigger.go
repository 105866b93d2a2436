package lifecycle

// Trigger is an event that can cause a state transition.
type Trigger string

const (
	TriggerBeginOCR              Trigger = "BEGIN_OCR"
	TriggerOCRSucceeded          Trigger = "OCR_SUCCEEDED"
	TriggerOCRLowConfidence      Trigger = "OCR_LOW_CONFIDENCE"
	TriggerOCRRetryLater         Trigger = "OCR_RETRY_LATER"
	TriggerOCRExhausted          Trigger = "OCR_EXHAUSTED"
	TriggerBeginClassification   Trigger = "BEGIN_CLASSIFICATION"
	TriggerClassificationDone    Trigger = "CLASSIFICATION_DONE"
	TriggerClassificationFailed  Trigger = "CLASSIFICATION_FAILED"
	TriggerValidate              Trigger = "VALIDATE"
	TriggerExport                Trigger = "EXPORT"
	TriggerRetryManual           Trigger = "RETRY_MANUAL"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
