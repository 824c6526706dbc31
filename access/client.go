// Package access drives one "access a paid resource" operation: discover the
// payment terms, pay once, then retry the authorized request until the
// resource server grants access or the retry budget runs out.
package access

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/x402-checkout/clients"
	"github.com/vitwit/x402-checkout/codec"
	"github.com/vitwit/x402-checkout/types"
	"github.com/vitwit/x402-checkout/utils"
)

// Waiter blocks for d or until ctx is done, returning ctx.Err() in the
// latter case.
type Waiter func(ctx context.Context, d time.Duration) error

// Sleep is the default Waiter.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Client runs access operations. A Client is safe for concurrent use as long
// as its schemes are.
type Client struct {
	httpClient *http.Client
	reqTimeout time.Duration
	retry      types.RetryPolicy
	wait       Waiter
	schemes    []Scheme
	observer   observers
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRequestTimeout bounds every HTTP round trip, response body included.
// A round trip that times out fails with NETWORK_ERROR; only the caller's
// context produces CANCELLED.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reqTimeout = d
		}
	}
}

// WithRetryPolicy overrides the verification retry policy. Zero fields keep
// their defaults.
func WithRetryPolicy(p types.RetryPolicy) Option {
	return func(c *Client) {
		if p.Interval > 0 {
			c.retry.Interval = p.Interval
		}
		if p.MaxAttempts > 0 {
			c.retry.MaxAttempts = p.MaxAttempts
		}
	}
}

func WithWaiter(w Waiter) Option {
	return func(c *Client) {
		if w != nil {
			c.wait = w
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = append(c.observer, o)
		}
	}
}

// WithScheme registers a payment scheme. Schemes are consulted in
// registration order.
func WithScheme(s Scheme) Option {
	return func(c *Client) {
		if s != nil {
			c.schemes = append(c.schemes, s)
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		retry:      types.DefaultRetryPolicy(),
		wait:       Sleep,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RetryPolicy returns the effective retry policy.
func (c *Client) RetryPolicy() types.RetryPolicy {
	return c.retry
}

// Result is the outcome of one operation. It is returned even when the
// operation fails.
type Result struct {
	OperationID string
	State       State

	// Last response seen.
	StatusCode int
	Header     http.Header
	Body       []byte

	// Terms from discovery, and the option that was selected from them.
	PaymentRequired *types.PaymentRequired
	Requirements    *types.PaymentRequirements

	Proof   *types.PaymentProof
	Receipt *types.SettlementReceipt

	// BroadcastTxHash names a payment that was sent but never confirmed.
	// Set only when PAYING failed after the broadcast.
	BroadcastTxHash string

	// Attempts counts authorized requests; Retries counts waits between them.
	Attempts int
	Retries  int
}

// TxHash returns the transaction that paid for the operation, if any,
// including one whose confirmation was never seen.
func (r *Result) TxHash() string {
	if r.Proof == nil {
		return r.BroadcastTxHash
	}
	return r.Proof.TransactionHash
}

// Granted reports whether the resource was served.
func (r *Result) Granted() bool {
	return r.State == StateGranted
}

// Get runs an access operation for a GET of url.
func (c *Client) Get(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Result{OperationID: uuid.NewString(), State: StateDenied},
			types.NewError(types.ErrConfigError, err, "invalid request url %q", url)
	}
	return c.Do(ctx, req)
}

// Do runs an access operation for req. The request body, if any, is
// buffered so the request can be reissued with a proof attached.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Result, error) {
	op := &operation{
		client:  c,
		started: c.now(),
		result: &Result{
			OperationID: uuid.NewString(),
			State:       StateDiscover,
		},
	}

	body, err := bufferBody(req)
	if err != nil {
		return op.deny(types.NewError(types.ErrConfigError, err, "failed to read request body"))
	}
	op.req = req
	op.body = body

	return op.run(ctx)
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// operation holds the mutable state of one Do call.
type operation struct {
	client  *Client
	req     *http.Request
	body    []byte
	started time.Time
	network string
	result  *Result
}

func (op *operation) run(ctx context.Context) (*Result, error) {
	res := op.result

	// DISCOVER
	resp, err := op.send(ctx, "")
	if err != nil {
		return op.transportFailure(ctx, err)
	}

	switch {
	case isSuccess(resp.StatusCode):
		return op.grant()
	case resp.StatusCode != http.StatusPaymentRequired:
		return op.deny(op.statusError(types.ErrUnexpectedStatus, nil,
			"discovery returned unexpected status %d", resp.StatusCode))
	}

	raw := resp.Header.Get(codec.HeaderPaymentRequired)
	if raw == "" {
		return op.deny(op.statusError(types.ErrMissingRequirements, nil,
			"402 response has no %s header", codec.HeaderPaymentRequired))
	}
	terms, err := codec.DecodePaymentRequired(raw)
	if err != nil {
		return op.deny(op.statusError(types.ErrMissingRequirements, err,
			"402 response has an unreadable %s header", codec.HeaderPaymentRequired))
	}
	res.PaymentRequired = terms
	if len(terms.Accepts) == 0 {
		return op.deny(op.statusError(types.ErrMissingRequirements, nil,
			"payment terms list no accepted options"))
	}

	// REQUIREMENTS_RECEIVED: the first listed option wins.
	selected := terms.Accepts[0]
	res.Requirements = &selected
	op.network = selected.Network.String()
	op.transition(StateRequirementsReceived)

	if err := utils.ValidateRequirements(&selected); err != nil {
		return op.deny(op.statusError(types.ErrInvalidRequirements, err,
			"first accepted option is invalid"))
	}

	scheme := op.client.schemeFor(&selected)
	if scheme == nil {
		return op.deny(op.statusError(types.ErrUnsupportedScheme, nil,
			"no registered scheme pays %q on %s", selected.Scheme, selected.Network))
	}

	// PAYING happens once. Every later attempt reuses this proof.
	op.transition(StatePaying)
	proof, err := op.pay(ctx, scheme, &selected)
	if err != nil {
		if ctx.Err() != nil {
			return op.cancel(ctx.Err())
		}
		return op.deny(op.statusError(types.ErrPaymentTransferFailed, err,
			"payment on %s failed", selected.Network))
	}
	if terms.X402Version != 0 {
		proof.X402Version = terms.X402Version
	}
	res.Proof = proof

	authorization, err := codec.EncodeAuthorization(proof)
	if err != nil {
		return op.deny(err)
	}

	policy := op.client.retry
	for attempt := 1; ; attempt++ {
		op.transition(StateProofAttached)

		op.transition(StateVerifying)
		res.Attempts = attempt
		resp, err := op.send(ctx, authorization)
		if err != nil {
			return op.transportFailure(ctx, err)
		}

		switch {
		case isSuccess(resp.StatusCode):
			return op.grant()
		case resp.StatusCode != http.StatusPaymentRequired:
			return op.deny(op.statusError(types.ErrUnexpectedStatus, nil,
				"verification returned unexpected status %d", resp.StatusCode))
		}

		if latest := codec.PeekPaymentRequired(resp.Header.Get(codec.HeaderPaymentRequired), op.diagnose); latest != nil {
			res.PaymentRequired = latest
		}

		if attempt >= policy.MaxAttempts {
			return op.deny(op.statusError(types.ErrVerificationTimeout, nil,
				"payment %s not accepted after %d attempts", proof.TransactionHash, attempt))
		}

		op.transition(StateRetryWait)
		op.emit(Event{Kind: EventRetry, Attempt: attempt, StatusCode: resp.StatusCode, TxHash: proof.TransactionHash})
		if err := op.client.wait(ctx, policy.Interval); err != nil {
			return op.cancel(err)
		}
		res.Retries++
	}
}

func (c *Client) schemeFor(req *types.PaymentRequirements) Scheme {
	for _, s := range c.schemes {
		if strings.EqualFold(s.Scheme(), req.Scheme) && s.Supports(req.Network) {
			return s
		}
	}
	return nil
}

func (op *operation) pay(ctx context.Context, scheme Scheme, req *types.PaymentRequirements) (*types.PaymentProof, error) {
	start := op.client.now()
	proof, err := scheme.Pay(ctx, req)
	if err == nil && proof == nil {
		err = errors.New("scheme returned no proof")
	}

	e := Event{Kind: EventPayment, Err: err, Duration: op.client.now().Sub(start)}
	switch {
	case proof != nil:
		e.TxHash = proof.TransactionHash
	case err != nil:
		op.result.BroadcastTxHash = clients.BroadcastTxHash(err)
		e.TxHash = op.result.BroadcastTxHash
	}
	op.emit(e)

	return proof, err
}

// send issues the request, with authorization attached when non-empty, and
// records the response on the result.
func (op *operation) send(ctx context.Context, authorization string) (*http.Response, error) {
	if op.client.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, op.client.reqTimeout)
		defer cancel()
	}

	req := op.req.Clone(ctx)
	if op.body != nil {
		req.Body = io.NopCloser(bytes.NewReader(op.body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(op.body)), nil
		}
		req.ContentLength = int64(len(op.body))
	}
	if authorization != "" {
		req.Header.Set(codec.HeaderAuthorization, authorization)
	} else {
		req.Header.Del(codec.HeaderAuthorization)
	}

	resp, err := op.client.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	op.result.StatusCode = resp.StatusCode
	op.result.Header = resp.Header
	op.result.Body = body
	return resp, nil
}

func (op *operation) grant() (*Result, error) {
	if raw := op.result.Header.Get(codec.HeaderAuthenticationInfo); raw != "" {
		op.result.Receipt = codec.PeekReceipt(raw, op.diagnose)
	}
	op.transition(StateGranted)
	return op.result, nil
}

func (op *operation) deny(err error) (*Result, error) {
	op.transition(StateDenied)
	return op.result, err
}

func (op *operation) cancel(cause error) (*Result, error) {
	err := types.NewError(types.ErrCancelled, cause, "operation cancelled in %s", op.result.State)
	err.StatusCode = op.result.StatusCode
	err.PaymentRequired = op.result.PaymentRequired
	op.transition(StateCancelled)
	return op.result, err
}

func (op *operation) transportFailure(ctx context.Context, err error) (*Result, error) {
	if ctx.Err() != nil {
		return op.cancel(ctx.Err())
	}
	return op.deny(op.statusError(types.ErrNetworkError, err, "request to %s failed", op.req.URL.Redacted()))
}

// statusError builds an error carrying the last response seen.
func (op *operation) statusError(code string, cause error, format string, args ...any) *types.X402Error {
	err := types.NewError(code, cause, format, args...)
	err.StatusCode = op.result.StatusCode
	err.PaymentRequired = op.result.PaymentRequired
	err.Body = op.result.Body
	return err
}

func (op *operation) diagnose(err error) {
	op.emit(Event{Kind: EventDiagnostic, Message: "ignored undecodable header", Err: err})
}

func (op *operation) transition(to State) {
	from := op.result.State
	op.result.State = to

	e := Event{
		Kind:       EventTransition,
		From:       from,
		To:         to,
		Attempt:    op.result.Attempts,
		StatusCode: op.result.StatusCode,
		TxHash:     op.result.TxHash(),
	}
	if to.Terminal() {
		e.Duration = op.client.now().Sub(op.started)
	}
	op.emit(e)
}

func (op *operation) emit(e Event) {
	if len(op.client.observer) == 0 {
		return
	}
	e.OperationID = op.result.OperationID
	e.Network = op.network
	if e.Attempt == 0 {
		e.Attempt = op.result.Attempts
	}
	e.Time = op.client.now()
	op.client.observer.OnEvent(e)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
