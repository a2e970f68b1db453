package telemetry

import "github.com/chele-s/ecosort-core/internal/model"

// AlertPayload is the Payload of an Event on TopicAlert.
type AlertPayload struct {
	Kind      model.FaultKind
	Severity  model.FaultSeverity
	Message   string
	Component string
}

// StateChangedPayload is the Payload of an Event on TopicStateChanged.
type StateChangedPayload struct {
	From model.SystemState
	To   model.SystemState
}
