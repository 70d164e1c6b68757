package l402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/civicbounty/service_layer/internal/lightning"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/metrics"
)

// DefaultTokenTTL is the lifetime of a minted token.
const DefaultTokenTTL = time.Hour

// AuthScheme is the Authorization / WWW-Authenticate scheme name.
const AuthScheme = "L402"

// Pricing computes what a protected write costs.
type Pricing struct {
	FeeSats       int64
	MinReward     int64
	DefaultReward int64
}

// NormalizeReward applies the reward policy: a missing reward takes the default and the
// result is never below the minimum.
func (p Pricing) NormalizeReward(reward *int64) int64 {
	r := p.DefaultReward
	if reward != nil {
		r = *reward
	}
	if r < p.MinReward {
		r = p.MinReward
	}
	if r < 0 {
		r = 0
	}
	return r
}

// ChallengeAmount is the normalized reward plus the fixed fee.
func (p Pricing) ChallengeAmount(reward *int64) int64 {
	return p.NormalizeReward(reward) + p.FeeSats
}

// Config configures an Engine.
type Config struct {
	RootKey  []byte
	Location string
	TokenTTL time.Duration
	Pricing  Pricing
}

// Engine issues challenges and verifies presented tokens. It keeps only a key derived
// from the root key.
type Engine struct {
	signingKey []byte
	location   string
	ttl        time.Duration
	pricing    Pricing
	gateway    lightning.Gateway
	logger     *logging.Logger
	now        func() time.Time
}

// NewEngine derives the signing key from the root key and returns an engine.
func NewEngine(cfg Config, gateway lightning.Gateway, logger *logging.Logger) (*Engine, error) {
	if len(cfg.RootKey) < 32 {
		return nil, ErrRootKeyTooShort
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Location == "" {
		cfg.Location = "civic-bounty"
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, cfg.RootKey, []byte("l402-macaroon-v1"), []byte(cfg.Location))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	return &Engine{
		signingKey: key,
		location:   cfg.Location,
		ttl:        cfg.TokenTTL,
		pricing:    cfg.Pricing,
		gateway:    gateway,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Pricing returns the engine's pricing policy.
func (e *Engine) Pricing() Pricing {
	return e.pricing
}

// Challenge is the data returned with a 402 response.
type Challenge struct {
	Macaroon    string    `json:"macaroon"`
	Invoice     string    `json:"invoice"`
	Amount      int64     `json:"amount"`
	PaymentHash string    `json:"payment_hash"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Header renders the WWW-Authenticate header value.
func (c *Challenge) Header() string {
	return fmt.Sprintf(`%s macaroon="%s", invoice="%s"`, AuthScheme, c.Macaroon, c.Invoice)
}

// Verified is the outcome of a successful verification.
type Verified struct {
	PaymentHash string
	Amount      int64
	Action      string
}

// IssueChallenge creates an invoice for amount and a macaroon bound to its payment hash.
func (e *Engine) IssueChallenge(ctx context.Context, action string, amount int64) (*Challenge, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("challenge amount must be positive, got %d", amount)
	}

	invoice, err := e.gateway.CreateInvoice(ctx, amount, fmt.Sprintf("L402 %s", action))
	if err != nil {
		return nil, fmt.Errorf("create challenge invoice: %w", err)
	}

	expires := e.now().Add(e.ttl)
	mac := NewMacaroon(e.signingKey, e.location, invoice.PaymentHash)
	mac.AddCaveat(Caveat{Key: CaveatAction, Value: action})
	mac.AddCaveat(Caveat{Key: CaveatAmount, Value: strconv.FormatInt(amount, 10)})
	mac.AddCaveat(Caveat{Key: CaveatExpires, Value: strconv.FormatInt(expires.Unix(), 10)})

	metrics.RecordChallenge()
	return &Challenge{
		Macaroon:    mac.Encode(),
		Invoice:     invoice.PaymentRequest,
		Amount:      amount,
		PaymentHash: invoice.PaymentHash,
		ExpiresAt:   expires,
	}, nil
}

// Verify checks a presented Authorization header for action at expectedAmount.
// Checks run in order: header shape, signature, preimage, expiry, action, settlement,
// amount.
func (e *Engine) Verify(ctx context.Context, authorization, action string, expectedAmount int64) (*Verified, error) {
	v, err := e.verify(ctx, authorization, action, expectedAmount)
	metrics.RecordVerification(FailureReason(err))
	return v, err
}

func (e *Engine) verify(ctx context.Context, authorization, action string, expectedAmount int64) (*Verified, error) {
	encoded, preimageHex, err := ParseAuthorization(authorization)
	if err != nil {
		return nil, err
	}

	mac, err := DecodeMacaroon(encoded)
	if err != nil {
		return nil, err
	}
	if !mac.VerifySignature(e.signingKey) {
		return nil, ErrInvalidSignature
	}

	preimage, err := hex.DecodeString(preimageHex)
	if err != nil || len(preimage) != 32 {
		return nil, ErrPreimageMismatch
	}
	sum := sha256.Sum256(preimage)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), mac.Identifier) {
		return nil, ErrPreimageMismatch
	}

	if err := e.checkCaveats(mac, action); err != nil {
		return nil, err
	}

	status, err := e.gateway.CheckInvoice(ctx, mac.Identifier)
	if err != nil {
		return nil, fmt.Errorf("check invoice: %w", err)
	}
	if !status.Settled {
		return nil, ErrPaymentNotSettled
	}

	amountRaw, _ := mac.Caveat(CaveatAmount)
	tokenAmount, err := strconv.ParseInt(amountRaw, 10, 64)
	if err != nil || tokenAmount != expectedAmount || (status.AmountPaid > 0 && status.AmountPaid < tokenAmount) {
		e.logger.LogSecurityEvent(ctx, "l402_amount_mismatch", map[string]interface{}{
			"payment_hash":    mac.Identifier,
			"action":          action,
			"token_amount":    amountRaw,
			"expected_amount": expectedAmount,
			"amount_paid":     status.AmountPaid,
		})
		return nil, ErrPaymentAmountMismatch
	}

	return &Verified{PaymentHash: strings.ToLower(mac.Identifier), Amount: tokenAmount, Action: action}, nil
}

// checkCaveats enforces every caveat on the token, including repeats appended by a holder.
// The amount caveat is compared against the invoice later; here repeats must agree.
func (e *Engine) checkCaveats(mac *Macaroon, action string) error {
	var sawExpires bool
	amount := ""
	for _, c := range mac.Caveats {
		switch c.Key {
		case CaveatExpires:
			expires, err := strconv.ParseInt(c.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad expires caveat", ErrInvalidMacaroon)
			}
			if !e.now().Before(time.Unix(expires, 0)) {
				return ErrTokenExpired
			}
			sawExpires = true
		case CaveatAction:
			if c.Value != action {
				return ErrActionMismatch
			}
		case CaveatAmount:
			if amount != "" && amount != c.Value {
				return fmt.Errorf("%w: conflicting amount caveats", ErrInvalidMacaroon)
			}
			amount = c.Value
		default:
			return fmt.Errorf("%w: unknown caveat %q", ErrInvalidMacaroon, c.Key)
		}
	}
	if !sawExpires {
		return fmt.Errorf("%w: missing expires caveat", ErrInvalidMacaroon)
	}
	return nil
}

// ParseAuthorization splits "L402 <macaroon>:<preimage>". The legacy LSAT scheme name
// is accepted.
func ParseAuthorization(header string) (macaroon, preimage string, err error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || (!strings.EqualFold(scheme, AuthScheme) && !strings.EqualFold(scheme, "LSAT")) {
		return "", "", ErrInvalidHeaderFormat
	}
	parts := strings.Split(strings.TrimSpace(token), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidHeaderFormat
	}
	return parts[0], parts[1], nil
}

// HasToken reports whether a header carries an L402 token at all.
func HasToken(header string) bool {
	scheme, _, _ := strings.Cut(strings.TrimSpace(header), " ")
	return strings.EqualFold(scheme, AuthScheme) || strings.EqualFold(scheme, "LSAT")
}
