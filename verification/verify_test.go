package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-checkout/clients"
	"github.com/vitwit/x402-checkout/metrics"
	"github.com/vitwit/x402-checkout/types"
)

const (
	network = types.Network("eip155:84532")
	payTo   = "0x1111111111111111111111111111111111111111"
	payer   = "0x9999999999999999999999999999999999999999"
	txHash  = "0xabababababababababababababababababababababababababababababababab"
)

type fakeVerifier struct {
	result *types.VerificationResult
	err    error
	calls  int
	closed bool
}

func (f *fakeVerifier) VerifyTransfer(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("verification context has no deadline")
	}
	return f.result, f.err
}

func (f *fakeVerifier) Supports(n types.Network) bool { return n == network }
func (f *fakeVerifier) Close()                        { f.closed = true }

func validRequest() *types.VerifyRequest {
	amount := types.AmountFromUint64(500_000)
	return &types.VerifyRequest{
		X402Version: 1,
		Proof: types.PaymentProof{
			X402Version:     1,
			Scheme:          "exact",
			Network:         network,
			TransactionHash: txHash,
			Payload: types.ProofPayload{
				Authorization: types.ProofAuthorization{From: payer, To: payTo, Value: amount},
			},
		},
		Requirements: types.PaymentRequirements{
			Scheme:  "exact",
			Network: network,
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			PayTo:   payTo,
			Amount:  amount,
		},
	}
}

type labelRecorder struct {
	counts map[string]int
}

func (r *labelRecorder) IncCounter(name string, labels map[string]string) {
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[name+"|"+labels["state"]]++
}

func (r *labelRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

func newService(t *testing.T, v *fakeVerifier) *VerificationService {
	t.Helper()
	s := NewVerificationService(time.Second)
	require.NoError(t, s.AddVerifier(network, v))
	return s
}

func TestVerify_Valid(t *testing.T) {
	v := &fakeVerifier{result: &types.VerificationResult{
		IsValid:       true,
		Payer:         payer,
		Recipient:     payTo,
		Amount:        types.AmountFromUint64(500_000),
		Confirmations: 3,
	}}
	s := newService(t, v)

	res, err := s.Verify(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, uint64(3), res.Confirmations)
	assert.Equal(t, 1, v.calls)
}

func TestVerify_OffChainRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *types.VerifyRequest)
		reason string
	}{
		{"missing tx hash", func(r *types.VerifyRequest) { r.Proof.TransactionHash = "" }, clients.ErrInvalidPayload},
		{"scheme", func(r *types.VerifyRequest) { r.Proof.Scheme = "upto" }, clients.ErrSchemeMismatch},
		{"network", func(r *types.VerifyRequest) { r.Proof.Network = "eip155:8453" }, clients.ErrNetworkMismatch},
		{"destination", func(r *types.VerifyRequest) {
			r.Proof.Payload.Authorization.To = "0x2222222222222222222222222222222222222222"
		}, clients.ErrRecipientMismatch},
		{"tx hash format", func(r *types.VerifyRequest) { r.Proof.TransactionHash = "0x1234" }, clients.ErrInvalidTxHash},
		{"amount", func(r *types.VerifyRequest) {
			r.Proof.Payload.Authorization.Value = types.AmountFromUint64(1)
		}, clients.ErrAmountMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &fakeVerifier{}
			s := newService(t, v)

			req := validRequest()
			tt.mutate(req)

			res, err := s.Verify(context.Background(), req)
			require.NoError(t, err)
			assert.False(t, res.IsValid)
			assert.Equal(t, tt.reason, res.InvalidReason)
			assert.Equal(t, 0, v.calls, "chain must not be queried")
		})
	}
}

func TestVerify_DestinationCaseInsensitive(t *testing.T) {
	v := &fakeVerifier{result: &types.VerificationResult{IsValid: true, Payer: payer}}
	s := newService(t, v)

	req := validRequest()
	req.Proof.Payload.Authorization.To = "0xaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaA"
	req.Requirements.PayTo = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	res, err := s.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
}

func TestVerify_UnsupportedNetwork(t *testing.T) {
	s := NewVerificationService(time.Second)

	res, err := s.Verify(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, clients.ErrUnsupportedNetwork, res.InvalidReason)
}

func TestVerify_PendingIsPassedThrough(t *testing.T) {
	v := &fakeVerifier{result: &types.VerificationResult{Pending: true, InvalidReason: clients.ErrInsufficientConfs}}
	s := newService(t, v)

	res, err := s.Verify(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.True(t, res.Pending)
}

func TestVerify_PayerMismatch(t *testing.T) {
	v := &fakeVerifier{result: &types.VerificationResult{IsValid: true, Payer: "0x3333333333333333333333333333333333333333"}}
	s := newService(t, v)

	res, err := s.Verify(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, clients.ErrPayerMismatch, res.InvalidReason)
}

func TestVerify_ChainError(t *testing.T) {
	v := &fakeVerifier{err: errors.New("rpc down")}
	s := newService(t, v)

	res, err := s.Verify(context.Background(), validRequest())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrVerificationFailed))
	assert.Equal(t, clients.ErrUnexpectedVerifyError, res.InvalidReason)
}

func TestBatchVerify(t *testing.T) {
	v := &fakeVerifier{result: &types.VerificationResult{IsValid: true, Payer: payer}}
	s := newService(t, v)

	bad := validRequest()
	bad.Proof.Scheme = "upto"

	results, err := s.BatchVerify(context.Background(), []*types.VerifyRequest{validRequest(), bad})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].IsValid)
	assert.False(t, results[1].IsValid)

	_, err = s.BatchVerify(context.Background(), nil)
	assert.Error(t, err)
}

func TestAddVerifier(t *testing.T) {
	s := NewVerificationService(time.Second)
	v := &fakeVerifier{}

	assert.Error(t, s.AddVerifier("not-a-network", v))
	assert.Error(t, s.AddVerifier("eip155:1", v))
	require.NoError(t, s.AddVerifier(network, v))

	assert.True(t, s.IsNetworkSupported(network))
	assert.Equal(t, []types.Network{network}, s.GetSupportedNetworks())

	s.Close()
	assert.True(t, v.closed)
}

func TestVerify_RejectionLabelsAreBounded(t *testing.T) {
	rec := &labelRecorder{}
	v := &fakeVerifier{result: &types.VerificationResult{InvalidReason: "rpc said: tx 0xabc looks odd"}}
	s := NewVerificationService(time.Second, WithMetrics(rec))
	require.NoError(t, s.AddVerifier(network, v))

	_, err := s.Verify(context.Background(), validRequest())
	require.NoError(t, err)

	bad := validRequest()
	bad.Proof.Payload.Authorization.To = "0x2222222222222222222222222222222222222222"
	_, err = s.Verify(context.Background(), bad)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		metrics.ProofsRejected + "|" + clients.ReasonOther:          1,
		metrics.ProofsRejected + "|" + clients.ErrRecipientMismatch: 1,
	}, rec.counts)
}
