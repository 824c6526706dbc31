package access

import (
	"github.com/vitwit/x402-checkout/logger"
	"github.com/vitwit/x402-checkout/metrics"
)

// LoggingObserver writes every event to l.
func LoggingObserver(l logger.Logger) Observer {
	l = logger.OrNoop(l)

	return ObserverFunc(func(e Event) {
		fields := map[string]any{
			"operation_id": e.OperationID,
		}
		if e.Network != "" {
			fields["network"] = e.Network
		}
		if e.Attempt > 0 {
			fields["attempt"] = e.Attempt
		}
		if e.StatusCode != 0 {
			fields["status"] = e.StatusCode
		}
		if e.TxHash != "" {
			fields["tx_hash"] = e.TxHash
		}
		if e.Err != nil {
			fields["error"] = e.Err
		}

		switch e.Kind {
		case EventTransition:
			fields["from"] = e.From.String()
			fields["to"] = e.To.String()
			if e.To.Terminal() {
				fields["duration"] = e.Duration.String()
				if e.To == StateGranted {
					l.Info("access granted", fields)
				} else {
					l.Warn("access ended", fields)
				}
				return
			}
			l.Debug("state transition", fields)

		case EventPayment:
			fields["duration"] = e.Duration.String()
			if e.Err != nil {
				l.Error("payment failed", fields)
				return
			}
			l.Info("payment confirmed", fields)

		case EventRetry:
			l.Info("verification pending, retrying", fields)

		default:
			if e.Message != "" {
				fields["detail"] = e.Message
			}
			if e.Err != nil {
				l.Warn("diagnostic", fields)
				return
			}
			l.Debug("diagnostic", fields)
		}
	})
}

// MetricsObserver turns events into counters and latencies on r.
func MetricsObserver(r metrics.Recorder) Observer {
	r = metrics.OrNoop(r)

	return ObserverFunc(func(e Event) {
		labels := map[string]string{"network": e.Network}

		switch e.Kind {
		case EventTransition:
			r.IncCounter(metrics.StateTransitions, map[string]string{
				"network": e.Network,
				"state":   e.To.String(),
			})
			if e.To.Terminal() {
				r.IncCounter(metrics.OperationsFinished, map[string]string{
					"network": e.Network,
					"state":   e.To.String(),
				})
				r.ObserveLatency(metrics.OperationLatency, e.Duration, labels)
			}

		case EventPayment:
			if e.Err != nil {
				r.IncCounter(metrics.PaymentsFailed, labels)
				return
			}
			r.IncCounter(metrics.PaymentsSent, labels)
			r.ObserveLatency(metrics.TransferLatency, e.Duration, labels)

		case EventRetry:
			r.IncCounter(metrics.VerifyRetries, labels)
		}
	})
}
