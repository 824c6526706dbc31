package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/x402-checkout/cache"
	"github.com/vitwit/x402-checkout/logger"
	"github.com/vitwit/x402-checkout/metrics"
	"github.com/vitwit/x402-checkout/types"
)

// Settler interface defines the contract for payment settlement
type Settler interface {
	Settle(ctx context.Context, req *types.VerifyRequest, result *types.VerificationResult) (*types.SettlementReceipt, error)
}

// SettlementService settles verified transfer proofs. The transfer already
// happened on-chain, so settling means consuming the proof exactly once and
// issuing a receipt for it.
type SettlementService struct {
	spent    cache.SpentStore
	spentTTL time.Duration
	timeout  time.Duration
	logger   logger.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

var _ Settler = (*SettlementService)(nil)

type Option func(*SettlementService)

func WithLogger(l logger.Logger) Option {
	return func(s *SettlementService) { s.logger = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *SettlementService) { s.metrics = metrics.OrNoop(r) }
}

// WithSpentTTL bounds how long a spent proof is remembered. Zero remembers
// it forever.
func WithSpentTTL(d time.Duration) Option {
	return func(s *SettlementService) { s.spentTTL = d }
}

// NewSettlementService creates a new settlement service
func NewSettlementService(spent cache.SpentStore, timeout time.Duration, opts ...Option) *SettlementService {
	if spent == nil {
		spent = cache.NewMemorySpentStore()
	}
	s := &SettlementService{
		spent:   spent,
		timeout: timeout,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settle consumes the proof in req. It fails with PROOF_REPLAYED when the
// transaction already bought access once.
func (s *SettlementService) Settle(
	ctx context.Context,
	req *types.VerifyRequest,
	result *types.VerificationResult,
) (*types.SettlementReceipt, error) {
	if result == nil || !result.IsValid {
		return nil, &types.X402Error{
			Code:    types.ErrSettlementFailed,
			Message: "cannot settle an unverified proof",
		}
	}

	settleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	network := req.Requirements.Network
	key := cache.SpentKey(network, req.Proof.TransactionHash)

	fresh, err := s.spent.MarkSpent(settleCtx, key, s.spentTTL)
	if err != nil {
		return nil, types.NewError(types.ErrSettlementFailed, err, "failed to record spent proof %s", req.Proof.TransactionHash)
	}
	if !fresh {
		s.metrics.IncCounter(metrics.ProofsReplayed, map[string]string{"network": network.String()})
		s.logger.Warn("proof replayed", map[string]any{
			"network": network.String(),
			"tx_hash": req.Proof.TransactionHash,
		})
		return nil, &types.X402Error{
			Code:    types.ErrProofReplayed,
			Message: fmt.Sprintf("transaction %s was already used", req.Proof.TransactionHash),
		}
	}

	amount := result.Amount
	if amount.IsZero() {
		amount = req.Requirements.Amount
	}

	receipt := &types.SettlementReceipt{
		ID:          uuid.NewString(),
		Success:     true,
		Transaction: req.Proof.TransactionHash,
		Network:     network,
		Payer:       result.Payer,
		PayTo:       req.Requirements.PayTo,
		Amount:      amount,
		SettledAt:   s.now().UTC(),
	}

	s.metrics.IncCounter(metrics.ProofsSettled, map[string]string{"network": network.String()})
	s.logger.Info("proof settled", map[string]any{
		"receipt_id": receipt.ID,
		"network":    network.String(),
		"tx_hash":    receipt.Transaction,
		"payer":      receipt.Payer,
		"amount":     receipt.Amount.String(),
	})

	return receipt, nil
}
