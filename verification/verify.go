package verification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vitwit/x402-checkout/clients"
	"github.com/vitwit/x402-checkout/logger"
	"github.com/vitwit/x402-checkout/metrics"
	"github.com/vitwit/x402-checkout/types"
	"github.com/vitwit/x402-checkout/utils"
)

// Verifier interface defines the contract for payment verification
type Verifier interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error)
}

// VerificationService checks proofs off-chain, then on-chain through the
// ChainVerifier registered for the proof's network.
type VerificationService struct {
	mu        sync.RWMutex
	verifiers map[types.Network]clients.ChainVerifier
	timeout   time.Duration
	logger    logger.Logger
	metrics   metrics.Recorder
}

var _ Verifier = (*VerificationService)(nil)

type Option func(*VerificationService)

func WithLogger(l logger.Logger) Option {
	return func(s *VerificationService) { s.logger = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *VerificationService) { s.metrics = metrics.OrNoop(r) }
}

// NewVerificationService creates a new verification service
func NewVerificationService(timeout time.Duration, opts ...Option) *VerificationService {
	s := &VerificationService{
		verifiers: make(map[types.Network]clients.ChainVerifier),
		timeout:   timeout,
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddVerifier registers v for network, replacing any previous verifier.
func (s *VerificationService) AddVerifier(network types.Network, v clients.ChainVerifier) error {
	if err := network.Validate(); err != nil {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("invalid network %q", network),
			Err:     err,
		}
	}
	if !v.Supports(network) {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("verifier does not serve network %s", network),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifiers[network] = v
	return nil
}

func (s *VerificationService) verifierFor(network types.Network) (clients.ChainVerifier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verifiers[network]
	return v, ok
}

// Verify runs QuickVerify and, when it passes, the on-chain check. A result
// with Pending set means the transaction may still become valid. The error
// is non-nil only when the chain could not be queried.
func (s *VerificationService) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	start := time.Now()
	labels := map[string]string{"network": req.Requirements.Network.String()}
	defer func() {
		s.metrics.ObserveLatency(metrics.VerifyLatency, time.Since(start), labels)
	}()

	if quick := s.QuickVerify(req); !quick.IsValid {
		s.reject(req, quick)
		return quick, nil
	}

	verifier, _ := s.verifierFor(req.Requirements.Network)

	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := verifier.VerifyTransfer(verifyCtx, req)
	if err != nil {
		s.logger.Error("chain verification failed", map[string]any{
			"network": req.Requirements.Network.String(),
			"tx_hash": req.Proof.TransactionHash,
			"error":   err,
		})
		return &types.VerificationResult{IsValid: false, InvalidReason: clients.ErrUnexpectedVerifyError},
			types.NewError(types.ErrVerificationFailed, err, "verification of %s failed", req.Proof.TransactionHash)
	}

	if result.IsValid {
		claimed := req.Proof.Payload.Authorization.From
		if claimed != "" && result.Payer != "" && !sameAddress(req.Requirements.Network, claimed, result.Payer) {
			result = &types.VerificationResult{IsValid: false, InvalidReason: clients.ErrPayerMismatch}
		}
	}

	if !result.IsValid {
		s.reject(req, result)
		return result, nil
	}

	s.metrics.IncCounter(metrics.ProofsVerified, labels)
	s.logger.Info("proof verified", map[string]any{
		"network":       req.Requirements.Network.String(),
		"tx_hash":       req.Proof.TransactionHash,
		"payer":         result.Payer,
		"confirmations": result.Confirmations,
	})
	return result, nil
}

func (s *VerificationService) reject(req *types.VerifyRequest, result *types.VerificationResult) {
	s.metrics.IncCounter(metrics.ProofsRejected, map[string]string{
		"network": req.Requirements.Network.String(),
		"state":   clients.ReasonLabel(result.InvalidReason),
	})
	s.logger.Debug("proof rejected", map[string]any{
		"network": req.Requirements.Network.String(),
		"tx_hash": req.Proof.TransactionHash,
		"reason":  result.InvalidReason,
		"pending": result.Pending,
	})
}

// QuickVerify performs a basic verification without deep blockchain queries
// Useful for preliminary checks before expensive operations
func (s *VerificationService) QuickVerify(req *types.VerifyRequest) *types.VerificationResult {
	invalid := func(reason string) *types.VerificationResult {
		return &types.VerificationResult{IsValid: false, InvalidReason: reason}
	}

	if err := req.Validate(); err != nil {
		return invalid(clients.ErrInvalidPayload)
	}

	proof, terms := &req.Proof, &req.Requirements

	if !strings.EqualFold(proof.Scheme, terms.Scheme) {
		return invalid(clients.ErrSchemeMismatch)
	}
	if proof.Network != terms.Network {
		return invalid(clients.ErrNetworkMismatch)
	}
	if _, ok := s.verifierFor(terms.Network); !ok {
		return invalid(clients.ErrUnsupportedNetwork)
	}
	if !sameAddress(terms.Network, proof.Destination(), terms.PayTo) {
		return invalid(clients.ErrRecipientMismatch)
	}
	if err := utils.ValidateTransactionHash(proof.TransactionHash, terms.Network); err != nil {
		return invalid(clients.ErrInvalidTxHash)
	}

	value := proof.Payload.Authorization.Value
	if !value.IsZero() && value.Cmp(terms.Amount) < 0 {
		return invalid(clients.ErrAmountMismatch)
	}

	return &types.VerificationResult{
		IsValid:   true,
		Recipient: proof.Destination(),
		Payer:     proof.Payload.Authorization.From,
		Amount:    value,
	}
}

func sameAddress(network types.Network, a, b string) bool {
	if network.IsEVM() {
		return utils.SameAddress(a, b)
	}
	return a == b
}

// BatchVerify verifies multiple payments concurrently
func (s *VerificationService) BatchVerify(
	ctx context.Context,
	reqs []*types.VerifyRequest,
) ([]*types.VerificationResult, error) {
	if len(reqs) == 0 {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: "no verify requests given",
		}
	}

	results := make([]*types.VerificationResult, len(reqs))
	errs := make([]error, len(reqs))

	type verificationResult struct {
		index  int
		result *types.VerificationResult
		err    error
	}

	resultChan := make(chan verificationResult, len(reqs))

	for i, req := range reqs {
		go func(index int, r *types.VerifyRequest) {
			result, err := s.Verify(ctx, r)
			resultChan <- verificationResult{index: index, result: result, err: err}
		}(i, req)
	}

	for i := 0; i < len(reqs); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
			errs[res.index] = res.err
		}
	}

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}

	return results, nil
}

// GetSupportedNetworks returns all networks that have configured verifiers,
// sorted.
func (s *VerificationService) GetSupportedNetworks() []types.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()

	networks := make([]types.Network, 0, len(s.verifiers))
	for network := range s.verifiers {
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}

// IsNetworkSupported checks if a network is supported
func (s *VerificationService) IsNetworkSupported(network types.Network) bool {
	_, ok := s.verifierFor(network)
	return ok
}

// Close closes every verifier that has a Close method.
func (s *VerificationService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.verifiers {
		if c, ok := v.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
