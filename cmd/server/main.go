// Command server runs the demo resource server: GET /api/paid sold for a
// fixed USD price on one EVM network.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	x402 "github.com/vitwit/x402-checkout"
	"github.com/vitwit/x402-checkout/cache"
	"github.com/vitwit/x402-checkout/config"
	"github.com/vitwit/x402-checkout/logger"
	"github.com/vitwit/x402-checkout/metrics"
	"github.com/vitwit/x402-checkout/server"
	"github.com/vitwit/x402-checkout/types"
)

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
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	log, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.NewPrometheusRecorder(reg)
	if err != nil {
		return err
	}

	destinations, spent, closeStores, err := stores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	x, err := x402.New(&types.X402Config{DefaultTimeout: cfg.Timeout, LogLevel: cfg.LogLevel},
		x402.WithLogger(log),
		x402.WithMetrics(rec),
		x402.WithSpentStore(spent),
	)
	if err != nil {
		return err
	}
	defer x.Close()

	if err := x.AddNetwork(ctx, cfg.ClientConfig()); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := server.NewRouter(x.ServerConfig(server.Config{
		Network:       cfg.Network,
		Asset:         cfg.Asset,
		AssetDecimals: cfg.AssetDecimals,
		PayTo:         server.StaticPayTo(cfg.PayTo),
		Routes: map[string]server.RouteConfig{
			"GET " + server.PaidRoute: {
				Price:       cfg.Price,
				Description: "Buy conceptual good (x402)",
				MimeType:    "application/json",
			},
		},
		ResourceRootURL: cfg.ResourceRootURL,
		Destinations:    destinations,
	}), reg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", map[string]any{
			"addr":    cfg.ListenAddr,
			"network": cfg.Network.String(),
			"price":   cfg.Price,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down", nil)
	return srv.Shutdown(shutdownCtx)
}

// stores picks Redis when REDIS_URL is set so several replicas share
// destinations and spent proofs.
func stores(ctx context.Context, cfg *config.Server, log logger.Logger) (cache.DestinationCache, cache.SpentStore, func(), error) {
	if cfg.RedisURL == "" {
		return cache.NewMemoryDestinationCache(cache.DefaultDestinationCapacity, cfg.DestinationTTL),
			cache.NewMemorySpentStore(), func() {}, nil
	}

	client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("using redis stores", nil)
	return cache.NewRedisDestinationCache(client, cfg.DestinationTTL),
		cache.NewRedisSpentStore(client),
		func() { _ = client.Close() },
		nil
}
