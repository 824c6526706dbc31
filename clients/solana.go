package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	x402types "github.com/vitwit/x402-checkout/types"
	"github.com/vitwit/x402-checkout/utils"
)

// SolanaClient pays native SOL transfers on one Solana cluster.
type SolanaClient struct {
	network x402types.Network
	client  *rpc.Client
	signer  solana.PrivateKey

	pollInterval        time.Duration
	confirmationTimeout time.Duration

	// one in-flight transaction per signer keeps blockhash/fee payer use simple
	sendMu sync.Mutex
}

var _ Transferer = (*SolanaClient)(nil)

// NewSolanaClient creates a Solana transfer client from a base58 private key.
func NewSolanaClient(cfg x402types.ClientConfig) (*SolanaClient, error) {
	if !cfg.Network.IsSolana() {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not a Solana network", cfg.Network),
		}
	}

	var signer solana.PrivateKey
	if cfg.PrivateKey != "" {
		key, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid solana private key: %w", err)
		}
		signer = key
	}

	timeout := cfg.ConfirmationTimeout
	if timeout <= 0 {
		timeout = defaultEVMConfirmationTimeout
	}

	return &SolanaClient{
		network:             cfg.Network,
		client:              rpc.New(cfg.RPCUrl),
		signer:              signer,
		pollInterval:        3 * time.Second,
		confirmationTimeout: timeout,
	}, nil
}

func (s *SolanaClient) Supports(network x402types.Network) bool {
	return network == s.network
}

func (s *SolanaClient) Address() string {
	if len(s.signer) == 0 {
		return ""
	}
	return s.signer.PublicKey().String()
}

func (s *SolanaClient) GetNetwork() x402types.Network { return s.network }

// Close is a no-op; the JSON-RPC client keeps no open connection.
func (s *SolanaClient) Close() {}

// Transfer sends lamports to req.PayTo and polls until the signature is
// confirmed.
func (s *SolanaClient) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	if len(s.signer) == 0 {
		return nil, errors.New(ErrSignerMissing)
	}
	if req.Network != s.network {
		return nil, fmt.Errorf("%s: client serves %s, requested %s", ErrNetworkMismatch, s.network, req.Network)
	}
	if !utils.IsNativeAsset(req.Asset) {
		return nil, fmt.Errorf("%s: only native SOL transfers are supported, got asset %s", ErrAssetMismatch, req.Asset)
	}
	if !req.Amount.IsUint64() {
		return nil, errors.New(ErrAmountOverflow)
	}

	to, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid payTo address %q: %w", req.PayTo, err)
	}

	sig, err := s.signAndSend(ctx, to, req.Amount.BigInt().Uint64())
	if err != nil {
		return nil, err
	}

	slot, err := s.waitConfirmed(ctx, sig)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &BroadcastError{TxHash: sig.String(), Err: err}
		}
		return nil, err
	}

	return &TransferReceipt{
		TxHash:      sig.String(),
		From:        s.signer.PublicKey().String(),
		To:          to.String(),
		Amount:      req.Amount,
		BlockNumber: slot,
	}, nil
}

func (s *SolanaClient) signAndSend(ctx context.Context, to solana.PublicKey, lamports uint64) (solana.Signature, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	from := s.signer.PublicKey()

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("latest blockhash failed: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, from, to).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build tx failed: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(from) {
			return &s.signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign tx failed: %w", err)
	}

	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("broadcast failed: %w", err)
	}
	return sig, nil
}

func (s *SolanaClient) waitConfirmed(ctx context.Context, sig solana.Signature) (uint64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		status, err := s.client.GetSignatureStatuses(waitCtx, false, sig)
		if err == nil && len(status.Value) > 0 && status.Value[0] != nil {
			st := status.Value[0]
			if st.Err != nil {
				return 0, fmt.Errorf("%s: %s: %v", ErrTransactionReverted, sig, st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return st.Slot, nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("%s: %s: %w", ErrConfirmationTimedOut, sig, waitCtx.Err())
		case <-ticker.C:
		}
	}
}
