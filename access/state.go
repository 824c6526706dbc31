package access

import (
	"time"
)

// State is a step of one access operation.
type State string

const (
	StateDiscover             State = "DISCOVER"
	StateRequirementsReceived State = "REQUIREMENTS_RECEIVED"
	StatePaying               State = "PAYING"
	StateProofAttached        State = "PROOF_ATTACHED"
	StateVerifying            State = "VERIFYING"
	StateRetryWait            State = "RETRY_WAIT"
	StateGranted              State = "GRANTED"
	StateDenied               State = "DENIED"
	StateCancelled            State = "CANCELLED"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	switch s {
	case StateGranted, StateDenied, StateCancelled:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

type EventKind string

const (
	// EventTransition is emitted for every state change.
	EventTransition EventKind = "transition"

	// EventPayment is emitted once the payment step returns.
	EventPayment EventKind = "payment"

	// EventRetry is emitted before waiting for another verification attempt.
	EventRetry EventKind = "retry"

	// EventDiagnostic carries non-critical findings, such as a response
	// header that failed to decode.
	EventDiagnostic EventKind = "diagnostic"
)

// Event describes something that happened during an operation. Observers
// must not block.
type Event struct {
	OperationID string
	Kind        EventKind
	From        State
	To          State
	Attempt     int
	Network     string
	StatusCode  int
	TxHash      string
	Message     string
	Err         error

	// Duration is set on terminal transitions (whole operation) and on
	// payment events (transfer only).
	Duration time.Duration
	Time     time.Time
}

// Observer receives operation events.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type observers []Observer

func (o observers) OnEvent(e Event) {
	for _, obs := range o {
		obs.OnEvent(e)
	}
}
