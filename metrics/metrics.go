package metrics

import "time"

// Metric names emitted by the access client and the resource server.
const (
	StateTransitions   = "state_transitions"
	PaymentsSent       = "payments_sent"
	PaymentsFailed     = "payments_failed"
	VerifyRetries      = "verify_retries"
	OperationsFinished = "operations_finished"
	ProofsVerified     = "proofs_verified"
	ProofsRejected     = "proofs_rejected"
	ProofsSettled      = "proofs_settled"
	ProofsReplayed     = "proofs_replayed"
	DestinationReused  = "destination_reused"
	TermsIssued        = "terms_issued"

	OperationLatency = "operation"
	TransferLatency  = "transfer"
	VerifyLatency    = "verify"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
