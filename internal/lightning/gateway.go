// Package lightning wraps the external Lightning node used to create, check and pay invoices.
package lightning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/civicbounty/service_layer/internal/httputil"
	"github.com/civicbounty/service_layer/internal/metrics"
	"github.com/civicbounty/service_layer/internal/resilience"
)

var (
	// ErrUnavailable means the node is not configured, unreachable, or answered with a server error.
	ErrUnavailable = errors.New("lightning gateway unavailable")
	// ErrPaymentFailed means the node definitively rejected an outbound payment.
	ErrPaymentFailed = errors.New("lightning payment failed")
	// ErrInvalidInvoice means a payment request could not be parsed.
	ErrInvalidInvoice = errors.New("invalid lightning invoice")
	// ErrAmountMismatch means an invoice amount differs from the amount it must pay.
	ErrAmountMismatch = errors.New("invoice amount does not match expected amount")
	// ErrAddressResolution means a Lightning address could not be resolved to an invoice.
	ErrAddressResolution = errors.New("lightning address resolution failed")
)

// Invoice is a freshly created incoming payment request.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
	AmountSats     int64  `json:"amount_sats"`
}

// InvoiceStatus is the settlement state of an invoice as reported by the node. A payment hash
// that belongs to one of the node's own outbound payments reports Outgoing, never Settled.
type InvoiceStatus struct {
	PaymentHash string `json:"payment_hash"`
	Settled     bool   `json:"settled"`
	Outgoing    bool   `json:"outgoing,omitempty"`
	AmountPaid  int64  `json:"amount_paid"`
	Preimage    string `json:"preimage,omitempty"`
	Memo        string `json:"memo,omitempty"`
}

// Payment is the result of an outbound payment.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage,omitempty"`
	Invoice     string `json:"invoice"`
	AmountSats  int64  `json:"amount_sats"`
}

// PayRequest describes an outbound payment. Destination is a bolt11 invoice or a
// user@domain Lightning address. AmountSats binds the payment: an address is resolved
// for exactly this amount and an invoice must encode exactly this amount.
type PayRequest struct {
	Destination string
	AmountSats  int64
	Comment     string
}

// Gateway is the contract the rest of the service uses to talk to the node.
type Gateway interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error)
	CheckInvoice(ctx context.Context, paymentHash string) (*InvoiceStatus, error)
	PayInvoice(ctx context.Context, req PayRequest) (*Payment, error)
}

// Config configures the node client.
type Config struct {
	NodeURL  string
	AdminKey string
	Timeout  time.Duration
	Breaker  resilience.BreakerConfig
	Retry    resilience.RetryConfig
}

// Client talks to an LNbits-compatible node API.
type Client struct {
	http     *httputil.ServiceClient
	resolver *AddressResolver
	breaker  *resilience.Breaker
	retry    resilience.RetryConfig
	ready    bool
}

var _ Gateway = (*Client)(nil)

// NewClient creates a node client. A client built without URL or key is valid but every
// call fails with ErrUnavailable.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.FailureThreshold == 0 {
		breakerCfg = resilience.DefaultBreakerConfig()
	}
	retryCfg := cfg.Retry
	if retryCfg.BackoffMultiplier == 0 {
		retryCfg = resilience.DefaultRetryConfig()
	}

	return &Client{
		http: httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL:    strings.TrimSpace(cfg.NodeURL),
			Headers:    map[string]string{"X-Api-Key": cfg.AdminKey},
			Timeout:    timeout,
			MaxRetries: -1,
		}),
		resolver: NewAddressResolver(&http.Client{Timeout: timeout}),
		breaker:  resilience.NewBreaker(breakerCfg),
		retry:    retryCfg,
		ready:    strings.TrimSpace(cfg.NodeURL) != "" && cfg.AdminKey != "",
	}
}

// WithResolver replaces the Lightning address resolver.
func (c *Client) WithResolver(r *AddressResolver) *Client {
	c.resolver = r
	return c
}

// CreateInvoice asks the node for a new incoming invoice.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInvoice)
	}

	var inv *Invoice
	err := c.call(ctx, "create_invoice", true, func() error {
		body, err := c.post(ctx, "/api/v1/payments", map[string]interface{}{
			"out":    false,
			"amount": amountSats,
			"memo":   memo,
		})
		if err != nil {
			return err
		}
		parsed := gjson.ParseBytes(body)
		hash := parsed.Get("payment_hash").String()
		request := parsed.Get("payment_request").String()
		if request == "" {
			request = parsed.Get("bolt11").String()
		}
		if hash == "" || request == "" {
			return fmt.Errorf("%w: node response missing invoice fields", ErrUnavailable)
		}
		inv = &Invoice{PaymentRequest: request, PaymentHash: hash, AmountSats: amountSats}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// CheckInvoice reports whether the invoice with the given hash is settled.
func (c *Client) CheckInvoice(ctx context.Context, paymentHash string) (*InvoiceStatus, error) {
	if !isHex(paymentHash, 32) {
		return nil, fmt.Errorf("%w: malformed payment hash", ErrInvalidInvoice)
	}

	var status *InvoiceStatus
	err := c.call(ctx, "check_invoice", true, func() error {
		body, err := c.get(ctx, "/api/v1/payments/"+paymentHash)
		if err != nil {
			return err
		}
		parsed := gjson.ParseBytes(body)
		status = &InvoiceStatus{
			PaymentHash: paymentHash,
			Memo:        parsed.Get("details.memo").String(),
		}
		// Outbound payments carry a negative msat amount.
		amountMsat := parsed.Get("details.amount").Int()
		if amountMsat < 0 || parsed.Get("details.out").Bool() {
			status.Outgoing = true
			return nil
		}
		status.Settled = parsed.Get("paid").Bool()
		status.Preimage = parsed.Get("preimage").String()
		status.AmountPaid = amountMsat / 1000
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// PayInvoice pays a bolt11 invoice or a Lightning address. It is never retried: the
// caller must treat every error after this point as a possibly-sent payment unless it
// wraps ErrInvalidInvoice, ErrAmountMismatch or ErrAddressResolution.
func (c *Client) PayInvoice(ctx context.Context, req PayRequest) (*Payment, error) {
	if !c.ready {
		return nil, fmt.Errorf("%w: node URL or admin key not configured", ErrUnavailable)
	}

	bolt11, err := c.resolveDestination(ctx, req)
	if err != nil {
		return nil, err
	}

	var payment *Payment
	err = c.call(ctx, "pay_invoice", false, func() error {
		body, err := c.post(ctx, "/api/v1/payments", map[string]interface{}{
			"out":    true,
			"bolt11": bolt11,
		})
		if err != nil {
			var statusErr *httputil.StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
				return fmt.Errorf("%w: %s", ErrPaymentFailed, statusErr.Body)
			}
			return err
		}
		parsed := gjson.ParseBytes(body)
		hash := parsed.Get("payment_hash").String()
		if hash == "" {
			return fmt.Errorf("%w: node response missing payment hash", ErrPaymentFailed)
		}
		payment = &Payment{
			PaymentHash: hash,
			Preimage:    parsed.Get("preimage").String(),
			Invoice:     bolt11,
			AmountSats:  req.AmountSats,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// resolveDestination turns the destination into a bolt11 invoice for exactly req.AmountSats.
func (c *Client) resolveDestination(ctx context.Context, req PayRequest) (string, error) {
	dest := strings.TrimSpace(req.Destination)
	if IsLightningAddress(dest) {
		if req.AmountSats <= 0 {
			return "", fmt.Errorf("%w: amount required for lightning address", ErrAddressResolution)
		}
		return c.resolver.Resolve(ctx, dest, req.AmountSats, req.Comment)
	}

	decoded, err := DecodeInvoice(dest)
	if err != nil {
		return "", err
	}
	if decoded.HasAmount() && req.AmountSats > 0 && decoded.AmountSats() != req.AmountSats {
		return "", fmt.Errorf("%w: invoice %d sats, expected %d", ErrAmountMismatch, decoded.AmountSats(), req.AmountSats)
	}
	return decoded.Raw, nil
}

// call runs fn through the breaker, retrying only when idempotent.
func (c *Client) call(ctx context.Context, op string, idempotent bool, fn func() error) error {
	if !c.ready {
		return fmt.Errorf("%w: node URL or admin key not configured", ErrUnavailable)
	}

	start := time.Now()
	attempt := func() error {
		err := c.breaker.Execute(fn, isNodeFailure)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}

	var err error
	if idempotent {
		err = resilience.Retry(ctx, c.retry, attempt, func(err error) bool {
			return errors.Is(err, ErrUnavailable) && !errors.Is(err, resilience.ErrCircuitOpen)
		})
	} else {
		err = attempt()
	}
	metrics.RecordLightningCall(op, time.Since(start), err == nil)
	return err
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.http.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return readNodeBody(resp)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	resp, err := c.http.Post(ctx, path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return readNodeBody(resp)
}

func readNodeBody(resp *http.Response) ([]byte, error) {
	body, err := httputil.ReadBody(resp)
	if err != nil {
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, nil
}

// isNodeFailure reports errors that indicate node health problems rather than a
// rejected request.
func isNodeFailure(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func isHex(s string, byteLen int) bool {
	if len(s) != byteLen*2 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
