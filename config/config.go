// Package config loads the buyer and demo server settings from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitwit/x402-checkout/types"
	"github.com/vitwit/x402-checkout/utils"
)

const (
	DefaultBuyURL         = "https://x402-demo-omega.vercel.app/api/paid"
	DefaultNetwork        = types.NetworkBaseSepolia
	DefaultEVMRPCURL      = "https://sepolia.base.org"
	DefaultSolanaNetwork  = types.NetworkSolanaDevnet
	DefaultSolanaRPCURL   = "https://api.devnet.solana.com"
	DefaultTimeout        = 30 * time.Second
	DefaultLogLevel       = "info"
	DefaultListenAddr     = ":4021"
	DefaultPriceUSD       = "$0.50"
	DefaultDestinationTTL = 10 * time.Minute

	// USDC on Base Sepolia.
	DefaultAsset         = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	DefaultAssetDecimals = 6
)

// Load seeds the process environment from files, ".env" when none are
// given. Missing files are ignored and variables already set are kept.
func Load(files ...string) error {
	err := godotenv.Load(files...)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return types.NewError(types.ErrConfigError, err, "failed to load env file")
}

// Buyer configures cmd/buy.
type Buyer struct {
	URL        string        `validate:"required,url"`
	PrivateKey string        `validate:"required"`
	Network    types.Network `validate:"required,caip2"`
	RPCURL     string        `validate:"required,url"`

	// Solana payments are enabled only when SolanaPrivateKey is set.
	SolanaPrivateKey string
	SolanaNetwork    types.Network `validate:"omitempty,caip2"`
	SolanaRPCURL     string        `validate:"omitempty,url"`

	LogLevel      string        `validate:"oneof=debug info warn error"`
	Timeout       time.Duration `validate:"gt=0"`
	Confirmations uint64
	Retry         types.RetryPolicy

	// Extra chain clients listed in X402_CONFIG_FILE.
	Clients []types.ClientConfig
}

// LoadBuyer reads the buyer settings. args are the positional command line
// arguments; the first one, if any, overrides the target URL.
//
// X402_CONFIG_FILE names an optional JSON X402Config whose settings act as
// defaults for the variables below.
func LoadBuyer(args []string) (*Buyer, error) {
	e := env{}
	base, err := loadX402Config(e.str("X402_CONFIG_FILE", ""))
	if err != nil {
		return nil, err
	}
	retry := base.Retry

	cfg := &Buyer{
		URL:              DefaultBuyURL,
		PrivateKey:       e.str("PRIVATE_KEY", ""),
		Network:          types.Network(e.str("X402_NETWORK_ID", string(DefaultNetwork))),
		RPCURL:           e.str("X402_RPC_URL", DefaultEVMRPCURL),
		SolanaPrivateKey: e.str("SOLANA_PRIVATE_KEY", ""),
		SolanaNetwork:    types.Network(e.str("SOLANA_NETWORK_ID", string(DefaultSolanaNetwork))),
		SolanaRPCURL:     e.str("SOLANA_RPC_URL", DefaultSolanaRPCURL),
		LogLevel:         strings.ToLower(e.str("LOG_LEVEL", base.LogLevel)),
		Timeout:          e.duration("X402_TIMEOUT", base.DefaultTimeout),
		Confirmations:    e.unsigned("X402_CONFIRMATIONS", 1),
		Retry: types.RetryPolicy{
			Interval:    e.duration("X402_RETRY_INTERVAL", retry.Interval),
			MaxAttempts: e.integer("X402_MAX_ATTEMPTS", retry.MaxAttempts),
		},
		Clients: base.Clients,
	}
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		cfg.URL = strings.TrimSpace(args[0])
	}
	if e.err != nil {
		return nil, e.err
	}

	if cfg.PrivateKey == "" {
		return nil, types.NewError(types.ErrConfigError, nil, "PRIVATE_KEY is required")
	}
	if err := utils.Validator().Struct(cfg); err != nil {
		return nil, types.NewError(types.ErrConfigError, err, "invalid buyer config")
	}
	if !cfg.Network.IsEVM() {
		return nil, types.NewError(types.ErrConfigError, nil, "X402_NETWORK_ID %s is not an EVM network", cfg.Network)
	}
	if _, err := utils.PrivateKeyFromHex(cfg.PrivateKey); err != nil {
		return nil, types.NewError(types.ErrConfigError, err, "PRIVATE_KEY is not a valid secp256k1 key")
	}
	return cfg, nil
}

func loadX402Config(path string) (*types.X402Config, error) {
	if path == "" {
		cfg := &types.X402Config{DefaultTimeout: DefaultTimeout, LogLevel: DefaultLogLevel}
		utils.ApplyConfigDefaults(cfg)
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, err, "failed to read X402_CONFIG_FILE")
	}
	return utils.ParseX402Config(data)
}

// ClientConfigs returns one ClientConfig per chain the buyer can pay on.
func (b *Buyer) ClientConfigs() []types.ClientConfig {
	out := []types.ClientConfig{{
		Network:       b.Network,
		RPCUrl:        b.RPCURL,
		PrivateKey:    b.PrivateKey,
		Confirmations: b.Confirmations,
	}}
	if b.SolanaPrivateKey != "" {
		out = append(out, types.ClientConfig{
			Network:    b.SolanaNetwork,
			RPCUrl:     b.SolanaRPCURL,
			PrivateKey: b.SolanaPrivateKey,
		})
	}
	return append(out, b.Clients...)
}

// X402Config converts the buyer settings into the library configuration.
func (b *Buyer) X402Config() *types.X402Config {
	return &types.X402Config{
		DefaultTimeout: b.Timeout,
		Retry:          b.Retry,
		Clients:        b.ClientConfigs(),
		LogLevel:       b.LogLevel,
	}
}

// Server configures cmd/server.
type Server struct {
	Network         types.Network `validate:"required,caip2"`
	PayTo           string        `validate:"required"`
	Asset           string        `validate:"required"`
	AssetDecimals   int           `validate:"gte=0,lte=36"`
	Price           string        `validate:"required"`
	RPCURL          string        `validate:"required,url"`
	Confirmations   uint64
	RedisURL        string        `validate:"omitempty,url"`
	DestinationTTL  time.Duration `validate:"gt=0"`
	ListenAddr      string        `validate:"required"`
	ResourceRootURL string        `validate:"omitempty,url"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	Timeout         time.Duration `validate:"gt=0"`
}

// LoadServer reads the demo server settings. X402_NETWORK_ID and X402_PAY_TO
// have no defaults.
func LoadServer() (*Server, error) {
	e := env{}
	cfg := &Server{
		Network:         types.Network(e.str("X402_NETWORK_ID", "")),
		PayTo:           e.str("X402_PAY_TO", ""),
		Asset:           e.str("X402_ASSET", DefaultAsset),
		AssetDecimals:   e.integer("X402_ASSET_DECIMALS", DefaultAssetDecimals),
		Price:           e.str("X402_PRICE_USD", DefaultPriceUSD),
		RPCURL:          e.str("X402_RPC_URL", DefaultEVMRPCURL),
		Confirmations:   e.unsigned("X402_CONFIRMATIONS", 1),
		RedisURL:        e.str("REDIS_URL", ""),
		DestinationTTL:  e.duration("X402_DESTINATION_TTL", DefaultDestinationTTL),
		ListenAddr:      e.str("LISTEN_ADDR", DefaultListenAddr),
		ResourceRootURL: strings.TrimRight(e.str("X402_RESOURCE_URL", ""), "/"),
		LogLevel:        strings.ToLower(e.str("LOG_LEVEL", DefaultLogLevel)),
		Timeout:         e.duration("X402_TIMEOUT", DefaultTimeout),
	}
	if e.err != nil {
		return nil, e.err
	}

	if cfg.Network == "" {
		return nil, types.NewError(types.ErrConfigError, nil, "X402_NETWORK_ID is required")
	}
	if err := cfg.Network.Validate(); err != nil {
		return nil, types.NewError(types.ErrConfigError, err, `X402_NETWORK_ID must be CAIP-2 like "eip155:84532"`)
	}
	if err := utils.Validator().Struct(cfg); err != nil {
		return nil, types.NewError(types.ErrConfigError, err, "invalid server config")
	}
	if err := utils.ValidateAddressForNetwork(cfg.PayTo, cfg.Network); err != nil {
		return nil, types.NewError(types.ErrConfigError, err, "invalid X402_PAY_TO")
	}
	if cfg.Network.IsEVM() {
		cfg.PayTo = utils.NormalizeAddress(cfg.PayTo)
		if !utils.IsNativeAsset(cfg.Asset) {
			if err := utils.ValidateAddressForNetwork(cfg.Asset, cfg.Network); err != nil {
				return nil, types.NewError(types.ErrConfigError, err, "invalid X402_ASSET")
			}
			cfg.Asset = utils.NormalizeAddress(cfg.Asset)
		}
	}
	if _, err := utils.ParsePrice(cfg.Price); err != nil {
		return nil, types.NewError(types.ErrConfigError, err, "invalid X402_PRICE_USD")
	}
	return cfg, nil
}

// ClientConfig returns the verify-only chain client settings.
func (s *Server) ClientConfig() types.ClientConfig {
	return types.ClientConfig{
		Network:       s.Network,
		RPCUrl:        s.RPCURL,
		Confirmations: s.Confirmations,
	}
}

// env reads variables and keeps the first parse error.
type env struct {
	err error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) unsigned(key string, def uint64) uint64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

// duration accepts Go durations ("2s") or plain seconds ("2").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) fail(key, value string, err error) {
	if e.err == nil {
		e.err = types.NewError(types.ErrConfigError, err, "%s=%q", key, value)
	}
}

// String hides secrets so configs can be logged.
func (b Buyer) String() string {
	return fmt.Sprintf("url=%s network=%s rpc=%s solana=%t retry=%s/%d",
		b.URL, b.Network, b.RPCURL, b.SolanaPrivateKey != "", b.Retry.Interval, b.Retry.MaxAttempts)
}
