package codec

import "github.com/vitwit/x402-checkout/types"

// The Peek helpers are for diagnostics: a header that does not decode is
// reported through onErr and otherwise ignored.

// PeekPaymentRequired decodes raw or returns nil.
func PeekPaymentRequired(raw string, onErr func(error)) *types.PaymentRequired {
	if raw == "" {
		return nil
	}
	pr, err := DecodePaymentRequired(raw)
	if err != nil {
		report(onErr, err)
		return nil
	}
	return pr
}

// PeekReceipt decodes raw or returns nil.
func PeekReceipt(raw string, onErr func(error)) *types.SettlementReceipt {
	if raw == "" {
		return nil
	}
	receipt, err := DecodeReceipt(raw)
	if err != nil {
		report(onErr, err)
		return nil
	}
	return receipt
}

// PeekProof decodes raw or returns nil.
func PeekProof(raw string, onErr func(error)) *types.PaymentProof {
	if raw == "" {
		return nil
	}
	proof, err := DecodeProof(raw)
	if err != nil {
		report(onErr, err)
		return nil
	}
	return proof
}

func report(onErr func(error), err error) {
	if onErr != nil {
		onErr(err)
	}
}
