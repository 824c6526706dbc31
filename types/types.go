package types

import (
	"fmt"
	"time"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
	X402Version2 X402Version = 2
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// PaymentRequirements defines the terms a resource server demands to grant access.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use (e.g., "exact").
	Scheme string `json:"scheme" validate:"required"`

	// Network in CAIP-2 form (e.g., "eip155:84532").
	Network Network `json:"network" validate:"required,caip2"`

	// Token contract address required for payment. The zero address or
	// "native" selects the chain's native currency.
	Asset string `json:"asset" validate:"required"`

	// Address that must receive the payment.
	PayTo string `json:"payTo" validate:"required"`

	// Amount in atomic units of the asset.
	Amount Amount `json:"amount"`

	// Human readable price, e.g. "$0.50". Not used for settlement.
	Price string `json:"price,omitempty"`

	// URL of the resource to pay for.
	Resource string `json:"resource,omitempty"`

	// Description of the resource being purchased.
	Description string `json:"description,omitempty"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType,omitempty"`

	// Maximum time in seconds for the resource server to respond.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty"`

	// Extra information about payment details specific to the scheme.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// ResourceInfo describes the resource a PaymentRequired document gates.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequired is the document carried in the Payment-Required header.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    *ResourceInfo         `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// ProofAuthorization is the destination assertion inside a proof.
type ProofAuthorization struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
	Value Amount `json:"value"`
}

type ProofPayload struct {
	Authorization ProofAuthorization `json:"authorization"`

	// Scheme specific signature, unused by transfer based schemes.
	Signature string `json:"signature,omitempty"`
}

// PaymentProof is the evidence a client attaches on retry.
type PaymentProof struct {
	X402Version     int          `json:"x402Version"`
	Scheme          string       `json:"scheme"`
	Network         Network      `json:"network"`
	TransactionHash string       `json:"transactionHash,omitempty"`
	Payload         ProofPayload `json:"payload"`
}

// Destination returns the address the proof claims to have paid.
func (p *PaymentProof) Destination() string {
	return p.Payload.Authorization.To
}

// SettlementReceipt is the receipt carried in the Authentication-Info header.
type SettlementReceipt struct {
	ID          string    `json:"id"`
	Success     bool      `json:"success"`
	Transaction string    `json:"transaction"`
	Network     Network   `json:"network"`
	Payer       string    `json:"payer,omitempty"`
	PayTo       string    `json:"payTo"`
	Amount      Amount    `json:"amount"`
	SettledAt   time.Time `json:"settledAt"`
	Error       string    `json:"error,omitempty"`
}

// VerifyRequest pairs a proof with the requirements it answers.
type VerifyRequest struct {
	X402Version  int                 `json:"x402Version"`
	Proof        PaymentProof        `json:"proof"`
	Requirements PaymentRequirements `json:"requirements"`
}

// Validate checks that the VerifyRequest contains all required fields.
func (v *VerifyRequest) Validate() error {
	if v.Proof.TransactionHash == "" {
		return fmt.Errorf("proof.transactionHash is required")
	}

	if v.Proof.Destination() == "" {
		return fmt.Errorf("proof.payload.authorization.to is required")
	}

	return v.Requirements.Validate()
}

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid bool `json:"isValid"`

	// Pending is set when the transaction is not yet final. Callers should
	// treat it as a transient failure.
	Pending       bool   `json:"pending,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	Amount        Amount `json:"amount"`
	Confirmations uint64 `json:"confirmations,omitempty"`
}

// RetryPolicy bounds the verification loop of a paying client.
type RetryPolicy struct {
	// Interval between two verification attempts.
	Interval time.Duration `json:"interval"`

	// MaxAttempts is the total number of authorized requests.
	MaxAttempts int `json:"maxAttempts" validate:"gte=1"`
}

// DefaultRetryPolicy waits 2 seconds between at most 5 verification attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: 2 * time.Second, MaxAttempts: 5}
}

// ClientConfig contains configuration for blockchain clients
type ClientConfig struct {
	Network             Network           `json:"network" validate:"required,caip2"`
	RPCUrl              string            `json:"rpcUrl" validate:"required,url"`
	PrivateKey          string            `json:"privateKey,omitempty"`
	ConfirmationTimeout time.Duration     `json:"confirmationTimeout,omitempty"`
	Confirmations       uint64            `json:"confirmations,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
}

// X402Config contains global configuration for the x402 library
type X402Config struct {
	DefaultTimeout time.Duration  `json:"defaultTimeout,omitempty"`
	Retry          RetryPolicy    `json:"retry"`
	Clients        []ClientConfig `json:"clients,omitempty" validate:"dive"`
	LogLevel       string         `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics  bool           `json:"enableMetrics,omitempty"`
}

func (pr *PaymentRequirements) Validate() error {
	if pr.Scheme == "" {
		return fmt.Errorf("paymentRequirements.scheme is required")
	}

	if pr.Network == "" {
		return fmt.Errorf("paymentRequirements.network is required")
	}

	if err := pr.Network.Validate(); err != nil {
		return fmt.Errorf("paymentRequirements.network: %w", err)
	}

	if pr.Amount.IsZero() {
		return fmt.Errorf("paymentRequirements.amount is required")
	}

	if pr.PayTo == "" {
		return fmt.Errorf("paymentRequirements.payTo is required")
	}

	if pr.Asset == "" {
		return fmt.Errorf("paymentRequirements.asset is required")
	}

	return nil
}
