package clients

// Reasons reported in VerificationResult.InvalidReason and transfer errors.
const (
	// -----------------------------
	// SCHEME / NETWORK
	// -----------------------------
	ErrInvalidNetwork     = "invalid_network"
	ErrUnsupportedNetwork = "unsupported_network"
	ErrNetworkMismatch    = "network_mismatch"
	ErrSchemeMismatch     = "scheme_mismatch"
	ErrInvalidPayload     = "invalid_payload"
	ErrInvalidTxHash      = "invalid_transaction_hash"

	// -----------------------------
	// TRANSACTION LOOKUP
	// -----------------------------
	ErrTransactionNotFound = "transaction_not_found"
	ErrTransactionPending  = "transaction_pending"
	ErrTransactionReverted = "transaction_reverted"
	ErrInsufficientConfs   = "insufficient_confirmations"

	// -----------------------------
	// TRANSFER CHECKS
	// -----------------------------
	ErrRecipientMismatch = "recipient_mismatch"
	ErrAssetMismatch     = "asset_mismatch"
	ErrAmountMismatch    = "amount_mismatch"
	ErrNoTransferFound   = "no_transfer_found"
	ErrPayerMismatch     = "payer_mismatch"

	// -----------------------------
	// SIGNING / BROADCAST
	// -----------------------------
	ErrSignerMissing         = "signer_missing"
	ErrAmountOverflow        = "amount_overflow"
	ErrConfirmationTimedOut  = "transaction_confirmation_timed_out"
	ErrUnexpectedVerifyError = "unexpected_verify_error"
)

// ReasonOther labels reasons that are not in the list above.
const ReasonOther = "other"

var knownReasons = map[string]struct{}{
	ErrInvalidNetwork: {}, ErrUnsupportedNetwork: {}, ErrNetworkMismatch: {},
	ErrSchemeMismatch: {}, ErrInvalidPayload: {}, ErrInvalidTxHash: {},
	ErrTransactionNotFound: {}, ErrTransactionPending: {}, ErrTransactionReverted: {},
	ErrInsufficientConfs: {}, ErrRecipientMismatch: {}, ErrAssetMismatch: {},
	ErrAmountMismatch: {}, ErrNoTransferFound: {}, ErrPayerMismatch: {},
	ErrSignerMissing: {}, ErrAmountOverflow: {}, ErrConfirmationTimedOut: {},
	ErrUnexpectedVerifyError: {},
}

// ReasonLabel maps reason onto the fixed set above so it can be used as a
// metric label.
func ReasonLabel(reason string) string {
	if _, ok := knownReasons[reason]; ok {
		return reason
	}
	return ReasonOther
}
