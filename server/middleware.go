// Package server is the resource server side of the protocol: a gin
// middleware that gates routes behind a payment and the demo routes that use
// it.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vitwit/x402-checkout/cache"
	"github.com/vitwit/x402-checkout/codec"
	"github.com/vitwit/x402-checkout/logger"
	"github.com/vitwit/x402-checkout/metrics"
	"github.com/vitwit/x402-checkout/settlement"
	"github.com/vitwit/x402-checkout/types"
	"github.com/vitwit/x402-checkout/utils"
	"github.com/vitwit/x402-checkout/verification"
)

const (
	x402Version = 1

	// ReceiptKey is the gin context key holding the *types.SettlementReceipt
	// of a paid request.
	ReceiptKey = "x402.receipt"
)

// PayToFunc returns the destination to advertise for route. It is consulted
// only when no verified destination is cached for the route.
type PayToFunc func(ctx context.Context, route string) (string, error)

// StaticPayTo always advertises address.
func StaticPayTo(address string) PayToFunc {
	return func(context.Context, string) (string, error) {
		return address, nil
	}
}

// RouteConfig prices one "METHOD /path" route.
type RouteConfig struct {
	Price             string `validate:"required"`
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
}

// Config configures PaymentMiddleware.
type Config struct {
	Network       types.Network `validate:"required,caip2"`
	Asset         string        `validate:"required"`
	AssetDecimals int           `validate:"gte=0,lte=36"`
	PayTo         PayToFunc     `validate:"required"`

	// Routes keyed by "METHOD /path", e.g. "GET /api/paid".
	Routes map[string]RouteConfig `validate:"required,min=1,dive"`

	// ResourceRootURL prefixes the path in advertised resource URLs.
	ResourceRootURL string

	Verifier     verification.Verifier  `validate:"required"`
	Settler      settlement.Settler     `validate:"required"`
	Destinations cache.DestinationCache `validate:"required"`

	Logger  logger.Logger
	Metrics metrics.Recorder
}

type pricedRoute struct {
	RouteConfig
	amount types.Amount
	price  string
}

type paymentMiddleware struct {
	cfg    Config
	routes map[string]pricedRoute
	log    logger.Logger
	rec    metrics.Recorder
}

// PaymentMiddleware gates the configured routes. Requests without an
// Authorization header get 402 with the payment terms; a malformed header
// gets 400; a proof that does not verify yet gets 402 again.
func PaymentMiddleware(cfg Config) (gin.HandlerFunc, error) {
	if err := utils.Validator().Struct(cfg); err != nil {
		return nil, types.NewError(types.ErrConfigError, err, "invalid payment middleware config")
	}

	m := &paymentMiddleware{
		cfg:    cfg,
		routes: make(map[string]pricedRoute, len(cfg.Routes)),
		log:    logger.OrNoop(cfg.Logger),
		rec:    metrics.OrNoop(cfg.Metrics),
	}

	for key, route := range cfg.Routes {
		price, err := utils.ParsePrice(route.Price)
		if err != nil {
			return nil, types.NewError(types.ErrConfigError, err, "route %q has invalid price %q", key, route.Price)
		}
		amount, err := utils.PriceToAmount(route.Price, cfg.AssetDecimals)
		if err != nil {
			return nil, types.NewError(types.ErrConfigError, err, "route %q price cannot be paid in %d decimals", key, cfg.AssetDecimals)
		}
		if amount.IsZero() {
			return nil, types.NewError(types.ErrConfigError, nil, "route %q is free", key)
		}
		m.routes[routeKey(key)] = pricedRoute{RouteConfig: route, amount: amount, price: utils.FormatPrice(*price)}
	}

	return m.handle, nil
}

func routeKey(key string) string {
	method, path, ok := strings.Cut(strings.TrimSpace(key), " ")
	if !ok {
		return key
	}
	return strings.ToUpper(method) + " " + strings.TrimSpace(path)
}

func (m *paymentMiddleware) handle(c *gin.Context) {
	key := c.Request.Method + " " + c.Request.URL.Path
	route, ok := m.routes[key]
	if !ok {
		c.Next()
		return
	}
	ctx := c.Request.Context()

	cached, hasCached := m.cachedDestination(ctx, key)

	payTo := cached.PayTo
	if !hasCached {
		resolved, err := m.cfg.PayTo(ctx, key)
		if err != nil || resolved == "" {
			m.log.Error("failed to resolve payTo", map[string]any{"route": key, "error": err})
			abortJSON(c, http.StatusInternalServerError, types.ErrConfigError, "payment destination unavailable")
			return
		}
		payTo = resolved
	}
	terms := m.requirements(c, route, payTo)

	auth := c.GetHeader(codec.HeaderAuthorization)
	if auth == "" {
		m.paymentRequired(c, terms, "Authorization header is required")
		return
	}

	proof, err := codec.DecodeProof(auth)
	if err != nil {
		m.log.Debug("malformed authorization", map[string]any{"route": key, "error": err})
		abortJSON(c, http.StatusBadRequest, types.ErrorCode(err), err.Error())
		return
	}

	req := &types.VerifyRequest{
		X402Version:  x402Version,
		Proof:        *proof,
		Requirements: terms,
	}

	result, err := m.cfg.Verifier.Verify(ctx, req)
	if err != nil {
		m.log.Error("verification unavailable", map[string]any{"route": key, "error": err})
		abortJSON(c, http.StatusServiceUnavailable, types.ErrorCode(err), "payment verification unavailable")
		return
	}
	if !result.IsValid {
		m.paymentRequired(c, terms, result.InvalidReason)
		return
	}

	receipt, err := m.cfg.Settler.Settle(ctx, req, result)
	if err != nil {
		if types.IsCode(err, types.ErrProofReplayed) {
			m.paymentRequired(c, terms, types.ErrProofReplayed)
			return
		}
		m.log.Error("settlement failed", map[string]any{"route": key, "error": err})
		abortJSON(c, http.StatusInternalServerError, types.ErrorCode(err), "payment settlement failed")
		return
	}

	if err := m.cfg.Destinations.Put(ctx, key, cache.Destination{
		Network: m.cfg.Network,
		Asset:   m.cfg.Asset,
		PayTo:   terms.PayTo,
	}); err != nil {
		m.log.Warn("failed to cache destination", map[string]any{"route": key, "error": err})
	}

	m.log.Info("payment accepted", map[string]any{
		"route":      key,
		"receipt_id": receipt.ID,
		"tx_hash":    receipt.Transaction,
		"amount":     utils.FormatAmountFromBigInt(receipt.Amount.BigInt(), m.cfg.AssetDecimals),
	})

	header, err := codec.EncodeReceipt(receipt)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, types.ErrorCode(err), "failed to encode receipt")
		return
	}

	c.Header(codec.HeaderAuthenticationInfo, header)
	c.Set(ReceiptKey, receipt)
	c.Next()
}

func (m *paymentMiddleware) cachedDestination(ctx context.Context, key string) (cache.Destination, bool) {
	d, ok, err := m.cfg.Destinations.Get(ctx, key)
	if err != nil {
		m.log.Warn("destination cache lookup failed", map[string]any{"route": key, "error": err})
		return cache.Destination{}, false
	}
	if !ok || !d.Matches(m.cfg.Network, m.cfg.Asset) {
		return cache.Destination{}, false
	}
	m.rec.IncCounter(metrics.DestinationReused, map[string]string{"network": m.cfg.Network.String()})
	return d, true
}

func (m *paymentMiddleware) requirements(c *gin.Context, route pricedRoute, payTo string) types.PaymentRequirements {
	return types.PaymentRequirements{
		Scheme:            string(types.SchemeExact),
		Network:           m.cfg.Network,
		Asset:             m.cfg.Asset,
		PayTo:             payTo,
		Amount:            route.amount,
		Price:             route.price,
		Resource:          m.cfg.ResourceRootURL + c.Request.URL.Path,
		Description:       route.Description,
		MimeType:          route.MimeType,
		MaxTimeoutSeconds: route.MaxTimeoutSeconds,
	}
}

func (m *paymentMiddleware) paymentRequired(c *gin.Context, terms types.PaymentRequirements, reason string) {
	pr := &types.PaymentRequired{
		X402Version: x402Version,
		Error:       reason,
		Resource: &types.ResourceInfo{
			URL:         terms.Resource,
			Description: terms.Description,
			MimeType:    terms.MimeType,
		},
		Accepts: []types.PaymentRequirements{terms},
	}

	header, err := codec.EncodePaymentRequired(pr)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, types.ErrorCode(err), "failed to encode payment terms")
		return
	}

	m.rec.IncCounter(metrics.TermsIssued, map[string]string{"network": m.cfg.Network.String()})
	c.Header(codec.HeaderPaymentRequired, header)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, pr)
}

func abortJSON(c *gin.Context, status int, code, msg string) {
	if code == "" {
		code = types.ErrUnexpectedStatus
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":       msg,
		"code":        code,
		"x402Version": x402Version,
	})
}

// Receipt returns the settlement receipt of a paid request.
func Receipt(c *gin.Context) (*types.SettlementReceipt, bool) {
	v, ok := c.Get(ReceiptKey)
	if !ok {
		return nil, false
	}
	r, ok := v.(*types.SettlementReceipt)
	return r, ok
}
