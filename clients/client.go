package clients

import (
	"context"
	"errors"
	"fmt"

	x402types "github.com/vitwit/x402-checkout/types"
)

// TransferRequest asks a Transferer to move Amount of Asset to PayTo.
type TransferRequest struct {
	Network x402types.Network
	Asset   string
	PayTo   string
	Amount  x402types.Amount
}

// TransferReceipt describes a confirmed transfer.
type TransferReceipt struct {
	TxHash      string
	From        string
	To          string
	Amount      x402types.Amount
	BlockNumber uint64
}

// Transferer signs, broadcasts and awaits confirmation of a token transfer.
// Implementations must be safe for concurrent use.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
	Supports(network x402types.Network) bool
	Address() string
}

// ChainVerifier checks on-chain that a proof's transaction satisfies the
// requirements it answers.
type ChainVerifier interface {
	VerifyTransfer(ctx context.Context, req *x402types.VerifyRequest) (*x402types.VerificationResult, error)
	Supports(network x402types.Network) bool
}

// BroadcastError reports a transaction that was broadcast but never seen
// confirmed. It may still be mined, so callers must not pay again.
type BroadcastError struct {
	TxHash string
	Err    error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("transaction %s broadcast but not confirmed: %v", e.TxHash, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// BroadcastTxHash returns the hash carried by a BroadcastError in err's
// chain, or "".
func BroadcastTxHash(err error) string {
	var be *BroadcastError
	if errors.As(err, &be) {
		return be.TxHash
	}
	return ""
}
