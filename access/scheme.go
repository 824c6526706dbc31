package access

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vitwit/x402-checkout/clients"
	"github.com/vitwit/x402-checkout/types"
)

// Scheme turns payment terms into a proof. Each registered scheme handles
// one scheme name, e.g. "exact".
type Scheme interface {
	Scheme() string
	Supports(network types.Network) bool
	Pay(ctx context.Context, req *types.PaymentRequirements) (*types.PaymentProof, error)
}

// ExactTransferScheme pays "exact" terms with a direct on-chain transfer of
// the required amount to the required address.
type ExactTransferScheme struct {
	mu          sync.RWMutex
	transferers []clients.Transferer
}

var _ Scheme = (*ExactTransferScheme)(nil)

func NewExactTransferScheme(transferers ...clients.Transferer) *ExactTransferScheme {
	s := &ExactTransferScheme{}
	for _, t := range transferers {
		s.Add(t)
	}
	return s
}

// Add registers another transferer. Earlier transferers win when two
// support the same network.
func (s *ExactTransferScheme) Add(t clients.Transferer) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferers = append(s.transferers, t)
}

func (s *ExactTransferScheme) Scheme() string {
	return string(types.SchemeExact)
}

func (s *ExactTransferScheme) Supports(network types.Network) bool {
	return s.transfererFor(network) != nil
}

func (s *ExactTransferScheme) transfererFor(network types.Network) clients.Transferer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transferers {
		if t.Supports(network) {
			return t
		}
	}
	return nil
}

// Pay transfers req.Amount of req.Asset to req.PayTo and returns a proof
// naming the transaction and the destination it paid.
func (s *ExactTransferScheme) Pay(ctx context.Context, req *types.PaymentRequirements) (*types.PaymentProof, error) {
	if !strings.EqualFold(req.Scheme, s.Scheme()) {
		return nil, types.NewError(types.ErrUnsupportedScheme, nil, "scheme %q is not %q", req.Scheme, s.Scheme())
	}

	t := s.transfererFor(req.Network)
	if t == nil {
		return nil, types.NewError(types.ErrUnsupportedNetwork, nil, "no transferer for network %s", req.Network)
	}

	receipt, err := t.Transfer(ctx, clients.TransferRequest{
		Network: req.Network,
		Asset:   req.Asset,
		PayTo:   req.PayTo,
		Amount:  req.Amount,
	})
	if err != nil {
		return nil, err
	}
	if receipt == nil || receipt.TxHash == "" {
		return nil, fmt.Errorf("transfer on %s returned no transaction hash", req.Network)
	}

	return &types.PaymentProof{
		X402Version:     int(types.X402Version1),
		Scheme:          req.Scheme,
		Network:         req.Network,
		TransactionHash: receipt.TxHash,
		Payload: types.ProofPayload{
			Authorization: types.ProofAuthorization{
				From:  receipt.From,
				To:    req.PayTo,
				Value: req.Amount,
			},
		},
	}, nil
}
