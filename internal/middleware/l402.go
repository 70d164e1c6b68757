package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	svcerrors "github.com/civicbounty/service_layer/internal/errors"
	internalhttputil "github.com/civicbounty/service_layer/internal/httputil"
	"github.com/civicbounty/service_layer/internal/idempotency"
	"github.com/civicbounty/service_layer/internal/l402"
	"github.com/civicbounty/service_layer/internal/logging"
)

// ReplayHeader is set on responses served from the idempotency cache.
const ReplayHeader = "Idempotent-Replay"

// MaxPaidBodyBytes bounds the body of an L402-protected request.
const MaxPaidBodyBytes = 64 << 10

// PriceFunc validates a request body and computes the amount it must pay. An error is
// written to the client before any invoice is created.
type PriceFunc func(r *http.Request, body []byte) (int64, error)

type paymentKey struct{}

// PaymentFromContext returns the verified payment attached by the L402 gate.
func PaymentFromContext(ctx context.Context) (*l402.Verified, bool) {
	v, ok := ctx.Value(paymentKey{}).(*l402.Verified)
	return v, ok && v != nil
}

// challengeBody is the 402 response body.
type challengeBody struct {
	Error    string `json:"error"`
	Amount   int64  `json:"amount"`
	Invoice  string `json:"invoice"`
	Macaroon string `json:"macaroon"`
}

// cachedResponse is what the idempotency store keeps for a completed paid request.
type cachedResponse struct {
	Status      int             `json:"status"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body"`
}

// L402Gate challenges unpaid requests and lets a settled token drive exactly one execution.
type L402Gate struct {
	engine *l402.Engine
	store  idempotency.Store
	logger *logging.Logger
}

// NewL402Gate creates the gate.
func NewL402Gate(engine *l402.Engine, store idempotency.Store, logger *logging.Logger) *L402Gate {
	return &L402Gate{engine: engine, store: store, logger: logger}
}

// Protect guards a handler for action. price is evaluated against the request body, so the
// amount verified on the second request is recomputed rather than read from the token.
func (g *L402Gate) Protect(action string, price PriceFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			body, err := internalhttputil.ReadAllStrict(r.Body, MaxPaidBodyBytes)
			if err != nil {
				internalhttputil.WriteError(w, r, svcerrors.Validation("Request body too large or unreadable"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			amount, err := price(r, body)
			if err != nil {
				internalhttputil.WriteError(w, r, err)
				return
			}

			authorization := r.Header.Get("Authorization")
			if !l402.HasToken(authorization) {
				g.challenge(w, r, action, amount)
				return
			}

			verified, err := g.engine.Verify(ctx, authorization, action, amount)
			if err != nil {
				reason := l402.FailureReason(err)
				entry := g.logger.WithContext(ctx).WithError(err).WithField("action", action).WithField("reason", reason)
				if reason == "gateway_error" {
					entry.Error("L402 verification could not reach the Lightning node")
					internalhttputil.WriteError(w, r, svcerrors.GatewayUnavailable(err))
					return
				}
				entry.Warn("L402 verification failed")
				internalhttputil.WriteError(w, r, svcerrors.PaymentVerificationFailed(reason, err))
				return
			}

			key := action + ":" + verified.PaymentHash
			status, cached, err := g.store.CheckAndMark(ctx, key)
			if err != nil {
				g.logger.WithContext(ctx).WithError(err).WithField("action", action).Error("Idempotency store unavailable")
				internalhttputil.WriteError(w, r, svcerrors.Internal("Request could not be processed", err))
				return
			}

			switch status {
			case idempotency.StatusCompleted:
				g.replay(w, r, cached)
				return
			case idempotency.StatusInFlight:
				internalhttputil.WriteError(w, r, svcerrors.Conflict("A request with this payment is already being processed"))
				return
			}

			rec := newCaptureWriter()
			next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, paymentKey{}, verified)))

			if rec.status >= 200 && rec.status < 300 {
				g.complete(ctx, key, rec)
			} else if err := g.store.Fail(ctx, key); err != nil {
				g.logger.WithContext(ctx).WithError(err).WithField("action", action).Warn("Failed to clear idempotency marker")
			}
			rec.flushTo(w)
		})
	}
}

func (g *L402Gate) challenge(w http.ResponseWriter, r *http.Request, action string, amount int64) {
	ch, err := g.engine.IssueChallenge(r.Context(), action, amount)
	if err != nil {
		g.logger.WithContext(r.Context()).WithError(err).WithField("action", action).Error("Failed to issue L402 challenge")
		internalhttputil.WriteError(w, r, svcerrors.GatewayUnavailable(err))
		return
	}
	w.Header().Set("WWW-Authenticate", ch.Header())
	internalhttputil.WriteJSON(w, http.StatusPaymentRequired, challengeBody{
		Error:    "Payment required",
		Amount:   ch.Amount,
		Invoice:  ch.Invoice,
		Macaroon: ch.Macaroon,
	})
}

func (g *L402Gate) complete(ctx context.Context, key string, rec *captureWriter) {
	payload, err := json.Marshal(cachedResponse{
		Status:      rec.status,
		ContentType: rec.header.Get("Content-Type"),
		Body:        rawJSON(rec.body.Bytes()),
	})
	if err == nil {
		err = g.store.Complete(ctx, key, payload)
	}
	if err != nil {
		g.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("Failed to cache paid response")
	}
}

func (g *L402Gate) replay(w http.ResponseWriter, r *http.Request, cached []byte) {
	var resp cachedResponse
	if err := json.Unmarshal(cached, &resp); err != nil || resp.Status == 0 {
		internalhttputil.WriteError(w, r, svcerrors.Conflict("This payment has already been used"))
		return
	}
	g.logger.WithContext(r.Context()).Info("Replaying cached response for settled payment")
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// rawJSON keeps valid JSON bodies as-is and quotes anything else.
func rawJSON(b []byte) json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

// captureWriter buffers a response so it can be cached before it is sent.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header), status: http.StatusOK}
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(status int) { c.status = status }

func (c *captureWriter) Write(b []byte) (int, error) { return c.body.Write(b) }

func (c *captureWriter) flushTo(w http.ResponseWriter) {
	for k, v := range c.header {
		w.Header()[k] = v
	}
	w.WriteHeader(c.status)
	_, _ = w.Write(c.body.Bytes())
}
