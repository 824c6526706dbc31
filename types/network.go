package types

import (
	"fmt"
	"regexp"
	"strings"
)

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM     ChainFamily = "evm"
	ChainSolana  ChainFamily = "solana"
	ChainUnknown ChainFamily = "unknown"
)

// Network is a CAIP-2 style chain identifier, "namespace:reference".
type Network string

const (
	NetworkBase          Network = "eip155:8453"
	NetworkBaseSepolia   Network = "eip155:84532"
	NetworkPolygon       Network = "eip155:137"
	NetworkPolygonAmoy   Network = "eip155:80002"
	NetworkSolanaMainnet Network = "solana:mainnet"
	NetworkSolanaDevnet  Network = "solana:devnet"
)

var caip2Pattern = regexp.MustCompile(`^[a-z0-9]+:[a-zA-Z0-9_-]+$`)

// ParseNetwork validates s and returns it as a Network.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.TrimSpace(s))
	if err := n.Validate(); err != nil {
		return "", err
	}
	return n, nil
}

// Validate reports whether n has the namespace:reference shape.
func (n Network) Validate() error {
	if !caip2Pattern.MatchString(string(n)) {
		return fmt.Errorf("network %q must be CAIP-2 like \"eip155:84532\"", string(n))
	}
	return nil
}

func (n Network) Namespace() string {
	ns, _, _ := strings.Cut(string(n), ":")
	return ns
}

func (n Network) Reference() string {
	_, ref, _ := strings.Cut(string(n), ":")
	return ref
}

func (n Network) IsEVM() bool {
	return n.Namespace() == "eip155"
}

func (n Network) IsSolana() bool {
	return n.Namespace() == "solana"
}

func (n Network) ChainFamily() ChainFamily {
	switch {
	case n.IsEVM():
		return ChainEVM
	case n.IsSolana():
		return ChainSolana
	default:
		return ChainUnknown
	}
}

func (n Network) String() string {
	return string(n)
}
