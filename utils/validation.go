package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-checkout/types"
)

var (
	hexPattern    = regexp.MustCompile("^[0-9a-fA-F]+$")
	base58Pattern = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")
)

// ValidateAmount checks if an amount string is a valid decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ParsePrice parses a human price such as "$0.50" or "0.5" into a decimal.
func ParsePrice(price string) (*decimal.Decimal, error) {
	p := strings.TrimSpace(price)
	p = strings.TrimPrefix(p, "$")
	p = strings.ReplaceAll(p, ",", "")
	return ValidateAmount(p)
}

// FormatPrice renders a USD price the way routes advertise it, "$0.50".
func FormatPrice(price decimal.Decimal) string {
	return "$" + price.StringFixed(2)
}

// ValidateTransactionHash validates a transaction hash for a CAIP-2 network
func ValidateTransactionHash(hash string, network types.Network) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}

	switch network.ChainFamily() {
	case types.ChainEVM:
		// 0x + 64 hex
		if !strings.HasPrefix(hash, "0x") {
			return fmt.Errorf("EVM transaction hash must start with 0x")
		}
		if len(hash) != 66 {
			return fmt.Errorf("EVM transaction hash must be 66 characters long")
		}
		if !isHexString(hash[2:]) {
			return fmt.Errorf("EVM transaction hash must be valid hex")
		}

	case types.ChainSolana:
		// base58 signature, typically 87-88 characters
		if len(hash) < 80 || len(hash) > 90 {
			return fmt.Errorf("Solana transaction signature has invalid length")
		}
		if !isBase58String(hash) {
			return fmt.Errorf("Solana transaction signature must be valid base58")
		}

	default:
		return fmt.Errorf("unsupported network for transaction hash validation: %s", network)
	}

	return nil
}

// ValidateAddressForNetwork validates addresses for different networks
func ValidateAddressForNetwork(address string, network types.Network) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch network.ChainFamily() {
	case types.ChainEVM:
		if !strings.HasPrefix(address, "0x") {
			return fmt.Errorf("Ethereum address must start with 0x")
		}
		if len(address) != 42 {
			return fmt.Errorf("Ethereum address must be 42 characters long")
		}
		if !isHexString(address[2:]) {
			return fmt.Errorf("Ethereum address must be valid hex")
		}

	case types.ChainSolana:
		if len(address) < 32 || len(address) > 44 {
			return fmt.Errorf("Solana address has invalid length")
		}
		if !isBase58String(address) {
			return fmt.Errorf("Solana address must be valid base58")
		}

	default:
		return fmt.Errorf("unsupported network for address validation: %s", network)
	}

	return nil
}

// IsNativeAsset reports whether asset designates the chain's native currency.
func IsNativeAsset(asset string) bool {
	a := strings.TrimSpace(asset)
	if a == "" || strings.EqualFold(a, "native") {
		return true
	}
	if strings.EqualFold(a, "0x0000000000000000000000000000000000000000") {
		return true
	}
	return strings.EqualFold(a, "SOL") || strings.EqualFold(a, "ETH")
}

func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}

func isBase58String(s string) bool {
	return base58Pattern.MatchString(s)
}

// ParseAmountWithDecimals parses a decimal amount string and converts to big.Int with specified decimals
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	shifted := dec.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}

	return shifted.BigInt(), nil
}

// FormatAmountFromBigInt formats a big.Int amount to decimal string with specified decimals
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	dec := decimal.NewFromBigInt(amount, -int32(decimals))
	return dec.String()
}

// PriceToAmount converts a USD price to atomic units of a USD pegged asset.
func PriceToAmount(price string, decimals int) (types.Amount, error) {
	p, err := ParsePrice(price)
	if err != nil {
		return types.Amount{}, err
	}
	x, err := ParseAmountWithDecimals(p.String(), decimals)
	if err != nil {
		return types.Amount{}, err
	}
	return types.NewAmount(x), nil
}
