package x402_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	x402 "github.com/vitwit/x402-checkout"
	"github.com/vitwit/x402-checkout/server"
	"github.com/vitwit/x402-checkout/types"
)

// Buying a paid resource with an EVM key.
func ExampleX402_Get() {
	client, err := x402.New(&types.X402Config{
		Retry: types.RetryPolicy{Interval: 2 * time.Second, MaxAttempts: 5},
		Clients: []types.ClientConfig{{
			Network:    types.NetworkBaseSepolia,
			RPCUrl:     "https://sepolia.base.org",
			PrivateKey: "<hex private key>",
		}},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		log.Fatal(err)
	}

	res, err := client.Get(ctx, "https://x402-demo-omega.vercel.app/api/paid")
	if err != nil {
		log.Fatalf("%s after %d attempts: %v", res.State, res.Attempts, err)
	}
	fmt.Println(res.StatusCode, string(res.Body))
	if res.Receipt != nil {
		fmt.Println("paid in", res.Receipt.Transaction)
	}
}

// Selling a route for $0.50 of USDC.
func ExampleX402_PaymentMiddleware() {
	seller, err := x402.NewWithDefaults()
	if err != nil {
		log.Fatal(err)
	}
	defer seller.Close()

	// Verify-only client: no private key.
	if err := seller.AddNetwork(context.Background(), types.ClientConfig{
		Network: types.NetworkBaseSepolia,
		RPCUrl:  "https://sepolia.base.org",
	}); err != nil {
		log.Fatal(err)
	}

	payments, err := seller.PaymentMiddleware(server.Config{
		Network:       types.NetworkBaseSepolia,
		Asset:         "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		AssetDecimals: 6,
		PayTo:         server.StaticPayTo("0x1111111111111111111111111111111111111111"),
		Routes: map[string]server.RouteConfig{
			"GET /weather": {Price: "$0.50", MimeType: "application/json"},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	r := gin.New()
	r.GET("/weather", payments, func(c *gin.Context) {
		c.JSON(200, gin.H{"forecast": "sunny"})
	})
	_ = r.Run(":4021")
}

// Checking a proof by hand.
func ExampleX402_VerifyAndSettle() {
	seller, err := x402.NewWithDefaults()
	if err != nil {
		log.Fatal(err)
	}
	defer seller.Close()

	req := &types.VerifyRequest{
		X402Version: x402.ProtocolVersion,
		Proof: types.PaymentProof{
			Scheme:          "exact",
			Network:         types.NetworkBaseSepolia,
			TransactionHash: "0x<transaction hash>",
			Payload: types.ProofPayload{Authorization: types.ProofAuthorization{
				To: "0x1111111111111111111111111111111111111111",
			}},
		},
		Requirements: types.PaymentRequirements{
			Scheme:  "exact",
			Network: types.NetworkBaseSepolia,
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			PayTo:   "0x1111111111111111111111111111111111111111",
			Amount:  types.AmountFromUint64(500000),
		},
	}

	result, receipt, err := seller.VerifyAndSettle(context.Background(), req)
	switch {
	case err != nil:
		log.Fatal(err)
	case !result.IsValid:
		fmt.Println("rejected:", result.InvalidReason, "pending:", result.Pending)
	default:
		fmt.Println("receipt", receipt.ID)
	}
}
