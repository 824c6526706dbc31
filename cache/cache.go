// Package cache holds the resource server's short lived state: destinations
// learned from verified proofs and the set of spent transaction hashes.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vitwit/x402-checkout/types"
)

var ErrInvalidKey = errors.New("cache: empty key")

// Destination is a payTo address learned from a verified proof.
type Destination struct {
	Network  types.Network `json:"network"`
	Asset    string        `json:"asset"`
	PayTo    string        `json:"payTo"`
	StoredAt time.Time     `json:"storedAt"`
}

// Matches reports whether d may be reused for a payment of asset on network.
func (d Destination) Matches(network types.Network, asset string) bool {
	return d.Network == network && strings.EqualFold(d.Asset, asset)
}

// DestinationCache maps a resource identity to the destination most recently
// confirmed for it. Entries expire after the cache's TTL and are never
// returned once stale.
type DestinationCache interface {
	Get(ctx context.Context, resource string) (Destination, bool, error)
	Put(ctx context.Context, resource string, d Destination) error
	Delete(ctx context.Context, resource string) error
}

// SpentStore records transaction hashes that already bought access.
type SpentStore interface {
	// MarkSpent records key and reports whether it was unseen.
	MarkSpent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsSpent(ctx context.Context, key string) (bool, error)
}

// SpentKey normalizes a transaction reference. EVM hashes are hex and
// compared case-insensitively; Solana signatures are case sensitive.
func SpentKey(network types.Network, txHash string) string {
	hash := strings.TrimSpace(txHash)
	if network.IsEVM() {
		hash = strings.ToLower(hash)
	}
	return network.String() + "/" + hash
}
