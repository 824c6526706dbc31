// Command buy purchases the resource at a URL: it discovers the payment
// terms, pays once and retries until the server grants access.
//
//	buy [url]
//
// PRIVATE_KEY is read from the environment or a .env file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	x402 "github.com/vitwit/x402-checkout"
	"github.com/vitwit/x402-checkout/access"
	"github.com/vitwit/x402-checkout/config"
	"github.com/vitwit/x402-checkout/logger"
	"github.com/vitwit/x402-checkout/utils"
)

const rule = "---------------------------------------------------------"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.Load(); err != nil {
		return err
	}
	cfg, err := config.LoadBuyer(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	x, err := x402.New(cfg.X402Config(),
		x402.WithLogger(log),
		x402.WithObserver(access.ObserverFunc(printEvent)),
	)
	if err != nil {
		return err
	}
	defer x.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := x.Connect(ctx); err != nil {
		return err
	}

	fmt.Printf("\nStarting purchase flow for: %s\n", cfg.URL)
	fmt.Println(rule)
	fmt.Println(">> Authorization: NONE (discovery)")

	res, err := x.Get(ctx, cfg.URL)

	fmt.Println()
	fmt.Println(rule)
	fmt.Println("FINAL STATUS:", res.StatusCode, res.State)

	if err != nil {
		fmt.Println("Request failed:", err)
		if res.BroadcastTxHash != "" {
			fmt.Printf("Transaction %s was broadcast but not confirmed; check it before paying again.\n", res.BroadcastTxHash)
		}
		if len(res.Body) > 0 {
			fmt.Println(string(res.Body))
		}
		return fmt.Errorf("purchase %s failed", res.OperationID)
	}

	fmt.Println("FINAL BODY:", pretty(res.Body))
	if res.Receipt != nil {
		out, _ := utils.NormalizeJSON(res.Receipt)
		fmt.Println("SETTLEMENT RECEIPT:", string(out))
	}
	return nil
}

func printEvent(e access.Event) {
	switch e.Kind {
	case access.EventTransition:
		switch e.To {
		case access.StateRequirementsReceived:
			fmt.Printf(">> %d received, payment terms found\n", e.StatusCode)
		case access.StateProofAttached:
			fmt.Println(rule)
			// Attempts is counted once the request is sent.
			fmt.Printf(">> Authorization: PRESENT (attempt %d)\n", e.Attempt+1)
		case access.StateGranted:
			fmt.Printf(">> %d, content delivered\n", e.StatusCode)
		}
	case access.EventPayment:
		if e.Err == nil {
			fmt.Printf(">> paid on %s in tx %s (%s)\n", e.Network, e.TxHash, e.Duration)
		}
	case access.EventRetry:
		fmt.Printf(">> verification pending, retrying (attempt %d)\n", e.Attempt)
	}
}

func pretty(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	out, err := utils.NormalizeJSON(v)
	if err != nil {
		return string(body)
	}
	return string(out)
}
