// Package x402 is the entry point of the x402 checkout library. It wires a
// paying client (discover, pay once, retry until granted) and the seller side
// verification and settlement services on top of the EVM and Solana chain
// clients.
package x402

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vitwit/x402-checkout/access"
	"github.com/vitwit/x402-checkout/cache"
	"github.com/vitwit/x402-checkout/clients"
	"github.com/vitwit/x402-checkout/logger"
	"github.com/vitwit/x402-checkout/metrics"
	"github.com/vitwit/x402-checkout/server"
	"github.com/vitwit/x402-checkout/settlement"
	"github.com/vitwit/x402-checkout/types"
	"github.com/vitwit/x402-checkout/utils"
	"github.com/vitwit/x402-checkout/verification"
)

// X402 is the main struct that provides all x402 functionality
type X402 struct {
	config *types.X402Config

	logger     logger.Logger
	metrics    metrics.Recorder
	timeout    time.Duration
	httpClient *http.Client
	waiter     access.Waiter
	observers  []access.Observer
	spent      cache.SpentStore

	scheme              *access.ExactTransferScheme
	client              *access.Client
	verificationService *verification.VerificationService
	settlementService   *settlement.SettlementService

	mu      sync.Mutex
	closers []func()
}

// New creates a new X402 instance. A nil config selects the defaults. Chain
// clients listed in config.Clients are not dialed until Connect.
func New(config *types.X402Config, opts ...Option) (*X402, error) {
	if config == nil {
		config = &types.X402Config{}
	}
	cfg := *config
	utils.ApplyConfigDefaults(&cfg)
	if err := utils.Validator().Struct(&cfg); err != nil {
		return nil, types.NewError(types.ErrConfigError, err, "invalid x402 config")
	}

	x := &X402{
		config:  &cfg,
		metrics: metrics.NoopRecorder{},
		timeout: cfg.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.logger == nil {
		zl, err := logger.NewZapLogger(cfg.LogLevel)
		if err != nil {
			return nil, types.NewError(types.ErrConfigError, err, "failed to build logger")
		}
		x.logger = zl
		x.closers = append(x.closers, func() { _ = zl.Sync() })
	}

	x.scheme = access.NewExactTransferScheme()
	x.verificationService = verification.NewVerificationService(x.timeout,
		verification.WithLogger(x.logger),
		verification.WithMetrics(x.metrics),
	)
	x.settlementService = settlement.NewSettlementService(x.spent, x.timeout,
		settlement.WithLogger(x.logger),
		settlement.WithMetrics(x.metrics),
	)

	clientOpts := []access.Option{
		access.WithRetryPolicy(cfg.Retry),
		access.WithHTTPClient(x.httpClient),
		access.WithRequestTimeout(x.timeout),
		access.WithWaiter(x.waiter),
		access.WithScheme(x.scheme),
		access.WithObserver(access.LoggingObserver(x.logger)),
		access.WithObserver(access.MetricsObserver(x.metrics)),
	}
	for _, o := range x.observers {
		clientOpts = append(clientOpts, access.WithObserver(o))
	}
	x.client = access.NewClient(clientOpts...)

	return x, nil
}

// NewWithDefaults creates a new X402 instance with default configuration
func NewWithDefaults(opts ...Option) (*X402, error) {
	return New(nil, opts...)
}

// Config returns the effective configuration.
func (x *X402) Config() types.X402Config {
	return *x.config
}

// Connect dials every chain client listed in the configuration.
func (x *X402) Connect(ctx context.Context) error {
	for _, cc := range x.config.Clients {
		if err := x.AddNetwork(ctx, cc); err != nil {
			return err
		}
	}
	return nil
}

// AddNetwork adds support for a specific network by creating the appropriate
// client. A client with a private key can pay; EVM clients also verify.
func (x *X402) AddNetwork(ctx context.Context, config types.ClientConfig) error {
	if err := utils.Validator().Struct(&config); err != nil {
		return types.NewError(types.ErrConfigError, err, "invalid client config for %s", config.Network)
	}

	switch {
	case config.Network.IsEVM():
		return x.addEVMNetwork(ctx, config)
	case config.Network.IsSolana():
		return x.addSolanaNetwork(config)
	default:
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", config.Network),
		}
	}
}

// addEVMNetwork adds an EVM network client
func (x *X402) addEVMNetwork(ctx context.Context, config types.ClientConfig) error {
	client, err := clients.NewEVMClient(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create EVM client for %s: %w", config.Network, err)
	}

	if err := x.verificationService.AddVerifier(config.Network, client); err != nil {
		client.Close()
		return err
	}
	if config.PrivateKey != "" {
		x.AddTransferer(client)
	}

	x.logger.Info("network added", map[string]any{
		"network": config.Network.String(),
		"payer":   client.Address(),
	})
	return nil
}

// addSolanaNetwork adds a Solana network client
func (x *X402) addSolanaNetwork(config types.ClientConfig) error {
	if config.PrivateKey == "" {
		return types.NewError(types.ErrConfigError, nil, "solana network %s needs a private key", config.Network)
	}

	client, err := clients.NewSolanaClient(config)
	if err != nil {
		return fmt.Errorf("failed to create Solana client for %s: %w", config.Network, err)
	}
	x.AddTransferer(client)

	x.mu.Lock()
	x.closers = append(x.closers, client.Close)
	x.mu.Unlock()

	x.logger.Info("network added", map[string]any{
		"network": config.Network.String(),
		"payer":   client.Address(),
	})
	return nil
}

// AddTransferer lets the client pay with t on the networks it supports.
func (x *X402) AddTransferer(t clients.Transferer) {
	x.scheme.Add(t)
}

// AddVerifier registers v to check proofs on network.
func (x *X402) AddVerifier(network types.Network, v clients.ChainVerifier) error {
	return x.verificationService.AddVerifier(network, v)
}

// Get accesses url, paying for it when the server asks to.
func (x *X402) Get(ctx context.Context, url string) (*access.Result, error) {
	return x.client.Get(ctx, url)
}

// Fetch accesses the resource behind req, paying for it when the server asks
// to.
func (x *X402) Fetch(ctx context.Context, req *http.Request) (*access.Result, error) {
	return x.client.Do(ctx, req)
}

// Verify verifies a payment against requirements
func (x *X402) Verify(
	ctx context.Context,
	payload *types.VerifyRequest,
) (*types.VerificationResult, error) {
	return x.verificationService.Verify(ctx, payload)
}

// Settle consumes a verified proof and issues its receipt.
func (x *X402) Settle(
	ctx context.Context,
	payload *types.VerifyRequest,
	result *types.VerificationResult,
) (*types.SettlementReceipt, error) {
	return x.settlementService.Settle(ctx, payload, result)
}

// VerifyAndSettle verifies payload and, when valid, settles it. An invalid
// proof returns the result with a nil receipt and no error.
func (x *X402) VerifyAndSettle(
	ctx context.Context,
	payload *types.VerifyRequest,
) (*types.VerificationResult, *types.SettlementReceipt, error) {
	result, err := x.Verify(ctx, payload)
	if err != nil || !result.IsValid {
		return result, nil, err
	}
	receipt, err := x.Settle(ctx, payload, result)
	return result, receipt, err
}

// BatchVerify verifies multiple payments concurrently
func (x *X402) BatchVerify(
	ctx context.Context,
	payload []*types.VerifyRequest,
) ([]*types.VerificationResult, error) {
	return x.verificationService.BatchVerify(ctx, payload)
}

// QuickVerify performs basic validation without blockchain queries
func (x *X402) QuickVerify(payload *types.VerifyRequest) *types.VerificationResult {
	return x.verificationService.QuickVerify(payload)
}

// PaymentMiddleware builds the seller middleware on this instance's
// verification and settlement services. Zero fields of cfg are filled in.
func (x *X402) PaymentMiddleware(cfg server.Config) (gin.HandlerFunc, error) {
	return server.PaymentMiddleware(x.ServerConfig(cfg))
}

// ServerConfig fills the verifier, settler, cache and observability fields
// of cfg that are unset.
func (x *X402) ServerConfig(cfg server.Config) server.Config {
	if cfg.Verifier == nil {
		cfg.Verifier = x.verificationService
	}
	if cfg.Settler == nil {
		cfg.Settler = x.settlementService
	}
	if cfg.Destinations == nil {
		cfg.Destinations = cache.NewMemoryDestinationCache(cache.DefaultDestinationCapacity, 10*time.Minute)
	}
	if cfg.Logger == nil {
		cfg.Logger = x.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = x.metrics
	}
	return cfg
}

// SupportedNetworks lists the networks proofs can be verified on.
func (x *X402) SupportedNetworks() []types.Network {
	return x.verificationService.GetSupportedNetworks()
}

// IsNetworkSupported checks if proofs on network can be verified.
func (x *X402) IsNetworkSupported(network types.Network) bool {
	return x.verificationService.IsNetworkSupported(network)
}

// CanPay reports whether a transferer for network is registered.
func (x *X402) CanPay(network types.Network) bool {
	return x.scheme.Supports(network)
}

// RetryPolicy returns the retry policy of the paying client.
func (x *X402) RetryPolicy() types.RetryPolicy {
	return x.client.RetryPolicy()
}

// Close closes all client connections
func (x *X402) Close() {
	x.verificationService.Close()

	x.mu.Lock()
	closers := x.closers
	x.closers = nil
	x.mu.Unlock()

	for _, c := range closers {
		c()
	}
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":  Version,
		"protocol_version": ProtocolVersion,
		"supported_networks": []string{
			types.NetworkBase.String(), types.NetworkBaseSepolia.String(),
			types.NetworkPolygon.String(), types.NetworkPolygonAmoy.String(),
			types.NetworkSolanaMainnet.String(), types.NetworkSolanaDevnet.String(),
		},
		"supported_schemes": []string{
			string(types.SchemeExact),
		},
		"supported_standards": []string{
			"erc20", "native",
		},
	}
}
