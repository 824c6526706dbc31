package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-checkout/access"
	"github.com/vitwit/x402-checkout/cache"
	"github.com/vitwit/x402-checkout/clients"
	"github.com/vitwit/x402-checkout/codec"
	"github.com/vitwit/x402-checkout/logger"
	"github.com/vitwit/x402-checkout/metrics"
	"github.com/vitwit/x402-checkout/settlement"
	"github.com/vitwit/x402-checkout/types"
	"github.com/vitwit/x402-checkout/verification"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testNetwork = types.Network("eip155:84532")
	testAsset   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	merchant    = "0x1111111111111111111111111111111111111111"
	rotated     = "0x2222222222222222222222222222222222222222"
	buyer       = "0x9999999999999999999999999999999999999999"
	txHash      = "0xabababababababababababababababababababababababababababababababab"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// chainStub reports pending for the first pending calls, then valid.
type chainStub struct {
	mu      sync.Mutex
	pending int
	calls   int
	err     error
}

func (c *chainStub) VerifyTransfer(_ context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++

	if c.err != nil {
		return nil, c.err
	}
	if c.calls <= c.pending {
		return &types.VerificationResult{Pending: true, InvalidReason: clients.ErrInsufficientConfs}, nil
	}
	return &types.VerificationResult{
		IsValid:   true,
		Payer:     buyer,
		Recipient: req.Requirements.PayTo,
		Amount:    req.Requirements.Amount,
	}, nil
}

func (c *chainStub) Supports(n types.Network) bool { return n == testNetwork }

type fixture struct {
	cfg          Config
	chain        *chainStub
	destinations *cache.MemoryDestinationCache
	router       *gin.Engine
	reg          *prometheus.Registry
}

func newFixture(t *testing.T, chain *chainStub, payTo PayToFunc, ttl time.Duration) *fixture {
	t.Helper()

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheusRecorder(reg)
	require.NoError(t, err)

	verifier := verification.NewVerificationService(time.Second, verification.WithMetrics(rec))
	require.NoError(t, verifier.AddVerifier(testNetwork, chain))

	if payTo == nil {
		payTo = StaticPayTo(merchant)
	}
	destinations := cache.NewMemoryDestinationCache(16, ttl)

	cfg := Config{
		Network:       testNetwork,
		Asset:         testAsset,
		AssetDecimals: 6,
		PayTo:         payTo,
		Routes: map[string]RouteConfig{
			"GET " + PaidRoute: {
				Price:       "$0.50",
				Description: "Buy conceptual good (x402)",
				MimeType:    "application/json",
			},
		},
		ResourceRootURL: "http://shop.test",
		Verifier:        verifier,
		Settler:         settlement.NewSettlementService(cache.NewMemorySpentStore(), time.Second, settlement.WithMetrics(rec)),
		Destinations:    destinations,
	}

	cfg.Metrics = rec

	router, err := NewRouter(cfg, reg)
	require.NoError(t, err)

	return &fixture{cfg: cfg, chain: chain, destinations: destinations, router: router, reg: reg}
}

// counter reads x402_events_total for the given type and state labels.
func (f *fixture) counter(t *testing.T, typ, state string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != "x402_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["type"] == typ && (state == "" || labels["state"] == state) {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func (f *fixture) get(t *testing.T, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, PaidRoute, nil)
	if authorization != "" {
		req.Header.Set(codec.HeaderAuthorization, authorization)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func proofHeader(t *testing.T, payTo string) string {
	t.Helper()
	raw, err := codec.EncodeAuthorization(&types.PaymentProof{
		X402Version:     1,
		Scheme:          "exact",
		Network:         testNetwork,
		TransactionHash: txHash,
		Payload: types.ProofPayload{
			Authorization: types.ProofAuthorization{
				From:  buyer,
				To:    payTo,
				Value: types.AmountFromUint64(500_000),
			},
		},
	})
	require.NoError(t, err)
	return raw
}

func decodeTerms(t *testing.T, w *httptest.ResponseRecorder) *types.PaymentRequired {
	t.Helper()
	pr, err := codec.DecodePaymentRequired(w.Header().Get(codec.HeaderPaymentRequired))
	require.NoError(t, err)
	require.Len(t, pr.Accepts, 1)
	return pr
}

func TestMiddleware_DiscoveryReturnsTerms(t *testing.T) {
	f := newFixture(t, &chainStub{}, nil, time.Minute)

	w := f.get(t, "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	pr := decodeTerms(t, w)
	req := pr.Accepts[0]
	assert.Equal(t, "exact", req.Scheme)
	assert.Equal(t, testNetwork, req.Network)
	assert.Equal(t, testAsset, req.Asset)
	assert.Equal(t, merchant, req.PayTo)
	assert.Equal(t, "500000", req.Amount.String())
	assert.Equal(t, "$0.50", req.Price)
	assert.Equal(t, "http://shop.test/api/paid", req.Resource)
	assert.Equal(t, "application/json", req.MimeType)

	var body types.PaymentRequired
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.X402Version)
	assert.Len(t, body.Accepts, 1)
}

func TestMiddleware_MalformedAuthorization(t *testing.T) {
	f := newFixture(t, &chainStub{}, nil, time.Minute)

	w := f.get(t, "Exact !!!not-base64!!!")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, types.ErrMalformedHeader, body["code"])
	assert.Equal(t, 0, f.chain.calls)
}

func TestMiddleware_GrantsVerifiedProof(t *testing.T) {
	f := newFixture(t, &chainStub{}, nil, time.Minute)

	w := f.get(t, proofHeader(t, merchant))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	receipt, err := codec.DecodeReceipt(w.Header().Get(codec.HeaderAuthenticationInfo))
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, txHash, receipt.Transaction)
	assert.Equal(t, buyer, receipt.Payer)
	assert.Equal(t, merchant, receipt.PayTo)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, receipt.ID, body["receipt"])
}

func TestMiddleware_LogsAcceptedAmount(t *testing.T) {
	f := newFixture(t, &chainStub{}, nil, time.Minute)
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := f.cfg
	cfg.Logger = logger.NewZapLoggerFrom(zap.New(core))
	router, err := NewRouter(cfg, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, PaidRoute, nil)
	req.Header.Set(codec.HeaderAuthorization, proofHeader(t, merchant))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	accepted := logs.FilterMessage("payment accepted").All()
	require.Len(t, accepted, 1)
	assert.Equal(t, "0.5", accepted[0].ContextMap()["amount"])
	assert.Equal(t, txHash, accepted[0].ContextMap()["tx_hash"])
}

func TestMiddleware_PendingVerificationIsPaymentRequired(t *testing.T) {
	f := newFixture(t, &chainStub{pending: 1}, nil, time.Minute)

	w := f.get(t, proofHeader(t, merchant))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, clients.ErrInsufficientConfs, decodeTerms(t, w).Error)

	// the proof was not consumed while pending
	w = f.get(t, proofHeader(t, merchant))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_CountsEachRejectionOnce(t *testing.T) {
	f := newFixture(t, &chainStub{}, nil, time.Minute)

	w := f.get(t, "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Zero(t, f.counter(t, metrics.ProofsRejected, ""))

	w = f.get(t, proofHeader(t, rotated))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, 1.0, f.counter(t, metrics.ProofsRejected, ""))
	assert.Equal(t, 1.0, f.counter(t, metrics.ProofsRejected, clients.ErrRecipientMismatch))

	w = f.get(t, proofHeader(t, merchant))
	require.Equal(t, http.StatusOK, w.Code)
	w = f.get(t, proofHeader(t, merchant))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, 1.0, f.counter(t, metrics.ProofsRejected, ""))
	assert.Equal(t, 1.0, f.counter(t, metrics.ProofsReplayed, ""))
	assert.Equal(t, 3.0, f.counter(t, metrics.TermsIssued, ""))
}

func TestMiddleware_WrongDestination(t *testing.T) {
	f := newFixture(t, &chainStub{}, nil, time.Minute)

	w := f.get(t, proofHeader(t, rotated))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, clients.ErrRecipientMismatch, decodeTerms(t, w).Error)
	assert.Equal(t, 0, f.chain.calls)
}

func TestMiddleware_RejectsReplay(t *testing.T) {
	f := newFixture(t, &chainStub{}, nil, time.Minute)

	require.Equal(t, http.StatusOK, f.get(t, proofHeader(t, merchant)).Code)

	w := f.get(t, proofHeader(t, merchant))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, types.ErrProofReplayed, decodeTerms(t, w).Error)
}

func TestMiddleware_VerifierUnavailable(t *testing.T) {
	f := newFixture(t, &chainStub{err: errors.New("rpc down")}, nil, time.Minute)

	w := f.get(t, proofHeader(t, merchant))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMiddleware_ReusesVerifiedDestination(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	rotating := func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return merchant, nil
		}
		return rotated, nil
	}

	f := newFixture(t, &chainStub{}, rotating, 50*time.Millisecond)

	require.Equal(t, merchant, decodeTerms(t, f.get(t, "")).Accepts[0].PayTo)
	require.Equal(t, http.StatusOK, f.get(t, proofHeader(t, merchant)).Code)

	// cached from the verified proof, so the resolver is not consulted
	assert.Equal(t, merchant, decodeTerms(t, f.get(t, "")).Accepts[0].PayTo)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()

	cached, ok, err := f.destinations.Get(context.Background(), "GET "+PaidRoute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, merchant, cached.PayTo)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, rotated, decodeTerms(t, f.get(t, "")).Accepts[0].PayTo)
}

func TestMiddleware_UnverifiedDestinationIsNotCached(t *testing.T) {
	f := newFixture(t, &chainStub{}, nil, time.Minute)

	require.Equal(t, http.StatusPaymentRequired, f.get(t, proofHeader(t, rotated)).Code)
	assert.Equal(t, 0, f.destinations.Len())
}

func TestMiddleware_InvalidConfig(t *testing.T) {
	_, err := PaymentMiddleware(Config{Network: "eip155:84532"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfigError))

	f := newFixture(t, &chainStub{}, nil, time.Minute)
	cfg := f.cfg
	cfg.Routes = map[string]RouteConfig{"GET /x": {Price: "$0.0000001"}}
	_, err = PaymentMiddleware(cfg)
	assert.Error(t, err)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, &chainStub{}, nil, time.Minute)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	f.get(t, "")

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "x402_events_total")
}

type localTransferer struct {
	mu    sync.Mutex
	calls int
}

func (l *localTransferer) Transfer(_ context.Context, req clients.TransferRequest) (*clients.TransferReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return &clients.TransferReceipt{TxHash: txHash, From: buyer, To: req.PayTo, Amount: req.Amount}, nil
}

func (l *localTransferer) Supports(n types.Network) bool { return n == testNetwork }
func (l *localTransferer) Address() string               { return buyer }

func TestEndToEnd_AccessClientAgainstServer(t *testing.T) {
	f := newFixture(t, &chainStub{pending: 2}, nil, time.Minute)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	tr := &localTransferer{}
	client := access.NewClient(
		access.WithScheme(access.NewExactTransferScheme(tr)),
		access.WithRetryPolicy(types.RetryPolicy{Interval: time.Millisecond, MaxAttempts: 5}),
	)

	res, err := client.Get(context.Background(), srv.URL+PaidRoute)
	require.NoError(t, err)

	assert.Equal(t, access.StateGranted, res.State)
	assert.Equal(t, 1, tr.calls)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, res.Retries)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, txHash, res.Receipt.Transaction)
	assert.Equal(t, merchant, res.Receipt.PayTo)
}
