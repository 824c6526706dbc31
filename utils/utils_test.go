package utils

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-checkout/types"
)

const (
	usdc     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	merchant = "0x1111111111111111111111111111111111111111"
)

func TestPriceToAmount(t *testing.T) {
	tests := []struct {
		price    string
		decimals int
		want     string
		wantErr  bool
	}{
		{"$0.50", 6, "500000", false},
		{"0.5", 6, "500000", false},
		{"$1,000.25", 6, "1000250000", false},
		{"$0.01", 18, "10000000000000000", false},
		{"$0.001", 2, "", true},
		{"$-1", 6, "", true},
		{"free", 6, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			got, err := PriceToAmount(tt.price, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatPrice(t *testing.T) {
	p, err := ParsePrice("$0.5")
	require.NoError(t, err)
	assert.Equal(t, "$0.50", FormatPrice(*p))
	assert.Equal(t, "$12.00", FormatPrice(decimal.NewFromInt(12)))
}

func TestFormatAmountFromBigInt(t *testing.T) {
	assert.Equal(t, "0.5", FormatAmountFromBigInt(big.NewInt(500000), 6))
	assert.Equal(t, "1", FormatAmountFromBigInt(big.NewInt(1e18), 18))
}

func TestValidateTransactionHash(t *testing.T) {
	evm := "0x" + strings.Repeat("ab", 32)
	sol := strings.Repeat("5", 88)

	assert.NoError(t, ValidateTransactionHash(evm, types.NetworkBaseSepolia))
	assert.Error(t, ValidateTransactionHash(evm[2:], types.NetworkBaseSepolia))
	assert.Error(t, ValidateTransactionHash(evm[:40], types.NetworkBaseSepolia))
	assert.Error(t, ValidateTransactionHash("0x"+strings.Repeat("zz", 32), types.NetworkBaseSepolia))

	assert.NoError(t, ValidateTransactionHash(sol, types.NetworkSolanaDevnet))
	assert.Error(t, ValidateTransactionHash(strings.Repeat("0", 88), types.NetworkSolanaDevnet))

	assert.Error(t, ValidateTransactionHash("", types.NetworkBaseSepolia))
	assert.Error(t, ValidateTransactionHash(evm, "cosmos:cosmoshub-4"))
}

func TestValidateAddressForNetwork(t *testing.T) {
	assert.NoError(t, ValidateAddressForNetwork(merchant, types.NetworkBase))
	assert.Error(t, ValidateAddressForNetwork("1111111111111111111111111111111111111111", types.NetworkBase))
	assert.Error(t, ValidateAddressForNetwork("0x1234", types.NetworkBase))

	assert.NoError(t, ValidateAddressForNetwork("11111111111111111111111111111111", types.NetworkSolanaDevnet))
	assert.Error(t, ValidateAddressForNetwork("0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl", types.NetworkSolanaDevnet))

	assert.Error(t, ValidateAddressForNetwork("", types.NetworkBase))
}

func TestAddresses(t *testing.T) {
	lower := strings.ToLower(usdc)
	assert.True(t, SameAddress(usdc, lower))
	assert.False(t, SameAddress(usdc, merchant))
	assert.False(t, SameAddress("nope", "nope"))
	assert.Equal(t, usdc, NormalizeAddress(lower))
	assert.Empty(t, NormalizeAddress("nope"))
	assert.True(t, IsNativeAsset("native"))
	assert.True(t, IsNativeAsset("0x0000000000000000000000000000000000000000"))
	assert.False(t, IsNativeAsset(usdc))
}

func TestPrivateKeyFromHex(t *testing.T) {
	// First well-known development account.
	key, err := PrivateKeyFromHex("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", AddressFromPrivateKey(key).Hex())

	_, err = PrivateKeyFromHex("")
	assert.Error(t, err)
	_, err = PrivateKeyFromHex("0x1234")
	assert.Error(t, err)
}

func TestValidateRequirements(t *testing.T) {
	req := types.PaymentRequirements{
		Scheme:  "exact",
		Network: types.NetworkBaseSepolia,
		Asset:   usdc,
		PayTo:   merchant,
		Amount:  types.AmountFromUint64(500000),
	}
	require.NoError(t, ValidateRequirements(&req))

	bad := req
	bad.PayTo = "merchant"
	err := ValidateRequirements(&bad)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequirements), "got %v", err)

	bad = req
	bad.Network = "base-sepolia"
	err = ValidateRequirements(&bad)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequirements), "got %v", err)

	bad = req
	bad.Amount = types.Amount{}
	err = ValidateRequirements(&bad)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequirements), "got %v", err)
}

func TestParseX402Config(t *testing.T) {
	cfg, err := ParseX402Config([]byte(`{"logLevel":"debug","retry":{"maxAttempts":3}}`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Interval)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)

	_, err = ParseX402Config([]byte(`{"logLevel":"verbose"}`))
	assert.True(t, types.IsCode(err, types.ErrConfigError), "got %v", err)

	_, err = ParseX402Config([]byte(`{"clients":[{"network":"eip155:84532","rpcUrl":"not a url"}]}`))
	assert.True(t, types.IsCode(err, types.ErrConfigError), "got %v", err)
}

func TestNormalizeJSON(t *testing.T) {
	pretty, err := NormalizeJSON(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}", string(pretty))
}
