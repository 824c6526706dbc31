package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vitwit/x402-checkout/logger"
)

// PaidRoute is the demo resource sold by the server.
const PaidRoute = "/api/paid"

// NewRouter builds the demo resource server: the payment gated PaidRoute,
// /healthz and, when gatherer is set, /metrics.
func NewRouter(cfg Config, gatherer prometheus.Gatherer) (*gin.Engine, error) {
	payments, err := PaymentMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger.OrNoop(cfg.Logger)))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	paid := r.Group("/", payments)
	paid.GET(PaidRoute, paidHandler)

	return r, nil
}

func paidHandler(c *gin.Context) {
	resp := gin.H{
		"ok":        true,
		"delivered": "your conceptual good payload here",
	}
	if receipt, ok := Receipt(c); ok {
		resp["receipt"] = receipt.ID
		resp["transaction"] = receipt.Transaction
	}
	c.JSON(http.StatusOK, resp)
}

func requestLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l.Info("request", map[string]any{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
