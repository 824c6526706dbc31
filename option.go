package x402

import (
	"net/http"
	"time"

	"github.com/vitwit/x402-checkout/access"
	"github.com/vitwit/x402-checkout/cache"
	"github.com/vitwit/x402-checkout/logger"
	"github.com/vitwit/x402-checkout/metrics"
)

type Option func(*X402)

func WithLogger(l logger.Logger) Option {
	return func(x *X402) {
		x.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *X402) {
		x.metrics = metrics.OrNoop(r)
	}
}

func WithTimeout(t time.Duration) Option {
	return func(x *X402) {
		if t > 0 {
			x.timeout = t
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(x *X402) {
		x.httpClient = hc
	}
}

// WithWaiter replaces the sleep between verification attempts.
func WithWaiter(w access.Waiter) Option {
	return func(x *X402) {
		x.waiter = w
	}
}

// WithObserver receives every state machine event of the paying client.
func WithObserver(o access.Observer) Option {
	return func(x *X402) {
		x.observers = append(x.observers, o)
	}
}

// WithSpentStore shares replay protection between instances, e.g. through
// cache.RedisSpentStore.
func WithSpentStore(s cache.SpentStore) Option {
	return func(x *X402) {
		x.spent = s
	}
}
