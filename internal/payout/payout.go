// Package payout pays the reward of an approved fix to whoever fixed it: registered users are
// credited in-app, anonymous fixers are paid over Lightning exactly once.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civicbounty/service_layer/internal/authz"
	"github.com/civicbounty/service_layer/internal/database"
	svcerrors "github.com/civicbounty/service_layer/internal/errors"
	"github.com/civicbounty/service_layer/internal/ledger"
	"github.com/civicbounty/service_layer/internal/lightning"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/metrics"
	"github.com/civicbounty/service_layer/internal/notify"
)

// Outcome kinds.
const (
	KindLedgerCredit = "ledger_credit"
	KindLightning    = "lightning"
	KindNone         = "none"
)

var (
	ErrNotFixed      = errors.New("job is not fixed")
	ErrAlreadyPaid   = errors.New("reward already paid")
	ErrNoDestination = errors.New("fixer has no account or payout destination")
	// ErrOutcomeUnknown marks a payment the node may have sent before failing. It is already
	// flagged for reconciliation.
	ErrOutcomeUnknown = errors.New("payout outcome unknown")
)

// Outcome describes a completed payout.
type Outcome struct {
	Kind          string `json:"kind"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id,omitempty"`
	PaymentHash   string `json:"payment_hash,omitempty"`
	NewBalance    int64  `json:"new_balance,omitempty"`
}

// Orchestrator routes rewards to the right payee.
type Orchestrator struct {
	repo     database.RepositoryInterface
	ledger   *ledger.Service
	gateway  lightning.Gateway
	notifier notify.Notifier
	logger   *logging.Logger
	now      func() time.Time
}

// New creates an orchestrator. notifier may be nil.
func New(repo database.RepositoryInterface, ledgerSvc *ledger.Service, gateway lightning.Gateway, notifier notify.Notifier, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewDefault("payout")
	}
	return &Orchestrator{
		repo:     repo,
		ledger:   ledgerSvc,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// RewardKey is the idempotency key of the in-app reward credit for a job.
func RewardKey(jobID string) string {
	return "reward:" + jobID
}

// PayReward pays the reward of a fixed job. approver is the elevated actor that approved the
// fix; it authorizes crediting the fixer's balance.
func (o *Orchestrator) PayReward(ctx context.Context, approver authz.Actor, job *database.Job) (*Outcome, error) {
	if !job.Fixed {
		return nil, conflict("Job has not been approved yet", ErrNotFixed)
	}
	if job.RewardPaidAt != nil {
		return nil, conflict("Reward has already been paid", ErrAlreadyPaid)
	}
	if job.Reward <= 0 {
		return &Outcome{Kind: KindNone}, nil
	}

	if job.FixedBy != nil && *job.FixedBy != "" {
		return o.creditFixer(ctx, approver, job)
	}
	if job.LightningAddress != nil && *job.LightningAddress != "" {
		return o.payLightning(ctx, job, *job.LightningAddress)
	}

	metrics.RecordPayout(KindNone, "no_destination")
	o.logger.WithContext(ctx).WithField("job_id", job.ID).Warn("Approved job has no payout destination")
	e := svcerrors.Validation("The fixer has no account or Lightning destination for the reward")
	e.Err = ErrNoDestination
	return nil, e
}

func (o *Orchestrator) creditFixer(ctx context.Context, approver authz.Actor, job *database.Job) (*Outcome, error) {
	fixerID := *job.FixedBy
	res, err := o.ledger.Apply(ctx, approver, ledger.Entry{
		Account:     ledger.RegisteredUser(fixerID),
		Amount:      job.Reward,
		Type:        database.TxTypeInternal,
		Memo:        fmt.Sprintf("Reward for fixing job %s", job.ID),
		PaymentHash: RewardKey(job.ID),
		JobID:       job.ID,
		Earning:     true,
	})
	if err != nil {
		metrics.RecordPayout(KindLedgerCredit, "failed")
		return nil, err
	}
	if res.Duplicate {
		metrics.RecordPayout(KindLedgerCredit, "duplicate")
	} else {
		metrics.RecordPayout(KindLedgerCredit, "paid")
	}

	if _, err := o.repo.MarkRewardPaid(ctx, job.ID, RewardKey(job.ID), o.now()); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Warn("Failed to mark in-app reward paid")
	}

	o.notify(notify.Event{
		Type:       notify.EventRewardCredited,
		JobID:      job.ID,
		Recipients: []string{fixerID},
		Data:       map[string]interface{}{"amount": job.Reward},
	})

	return &Outcome{
		Kind:          KindLedgerCredit,
		Amount:        job.Reward,
		TransactionID: res.TransactionID,
		NewBalance:    res.NewBalance,
	}, nil
}

// checkDestination validates an invoice destination against the reward. Lightning addresses
// are resolved by the gateway for exactly the reward amount.
func (o *Orchestrator) checkDestination(ctx context.Context, job *database.Job, dest string) error {
	if lightning.IsLightningAddress(dest) {
		return nil
	}
	decoded, err := lightning.DecodeInvoice(dest)
	if err != nil {
		return svcerrors.InvalidFormat("lightning_address", "bolt11 invoice or user@domain address")
	}
	if decoded.HasAmount() && (decoded.AmountMsat%1000 != 0 || decoded.AmountSats() != job.Reward) {
		o.logger.LogSecurityEvent(ctx, "payout_amount_mismatch", map[string]interface{}{
			"job_id":         job.ID,
			"reward":         job.Reward,
			"invoice_msat":   decoded.AmountMsat,
			"invoice_prefix": truncate(dest, 24),
		})
		e := svcerrors.Validation(fmt.Sprintf("Invoice amount must be exactly %d sats", job.Reward))
		e.Err = lightning.ErrAmountMismatch
		return e
	}
	return nil
}

func (o *Orchestrator) payLightning(ctx context.Context, job *database.Job, dest string) (*Outcome, error) {
	if err := o.checkDestination(ctx, job, dest); err != nil {
		metrics.RecordPayout(KindLightning, "rejected")
		return nil, err
	}

	payment, err := o.gateway.PayInvoice(ctx, lightning.PayRequest{Destination: dest, AmountSats: job.Reward})
	if err != nil {
		metrics.RecordPayout(KindLightning, "failed")
		switch {
		case errors.Is(err, lightning.ErrUnavailable):
			// The node may have sent the payment before the error reached us.
			o.outcomeUnknown(ctx, job, dest, err)
			return nil, svcerrors.GatewayUnavailable(fmt.Errorf("%w: %w", ErrOutcomeUnknown, err))
		case errors.Is(err, lightning.ErrAmountMismatch):
			o.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Warn("Reward payment rejected")
			e := svcerrors.Validation(fmt.Sprintf("Invoice amount must be exactly %d sats", job.Reward))
			e.Err = err
			return nil, e
		default:
			o.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Warn("Reward payment failed")
			return nil, svcerrors.Internal("Reward payment failed", err)
		}
	}

	// From here on the funds have left. Nothing below may trigger another payment.
	marked, err := o.repo.MarkRewardPaid(ctx, job.ID, payment.PaymentHash, o.now())
	if err == nil && !marked {
		err = errors.New("job reward already marked paid")
	}
	if err != nil {
		return nil, o.fundsSent(ctx, job, payment, "mark_reward_paid", err)
	}

	if _, err := o.ledger.Apply(ctx, authz.System(authz.ElevationPayoutAudit), ledger.Entry{
		Account:     ledger.SystemAudit(),
		Amount:      -job.Reward,
		Type:        database.TxTypeWithdrawal,
		Memo:        fmt.Sprintf("Lightning reward payout for job %s", job.ID),
		PaymentHash: payment.PaymentHash,
		JobID:       job.ID,
	}); err != nil {
		return nil, o.fundsSent(ctx, job, payment, "payout_audit_entry", err)
	}

	metrics.RecordPayout(KindLightning, "paid")
	o.notify(notify.Event{
		Type:  notify.EventRewardPaid,
		JobID: job.ID,
		Data:  map[string]interface{}{"amount": job.Reward, "payment_hash": payment.PaymentHash},
	})

	return &Outcome{Kind: KindLightning, Amount: job.Reward, PaymentHash: payment.PaymentHash}, nil
}

// fundsSent reports a payment that left the node but could not be recorded. It is surfaced
// as a failure and must be settled by support, never by paying again.
func (o *Orchestrator) fundsSent(ctx context.Context, job *database.Job, payment *lightning.Payment, step string, cause error) error {
	metrics.RecordPayout(KindLightning, "funds_sent_unrecorded")
	metrics.RecordInconsistentState("payout_" + step)
	o.logger.LogCritical(ctx, "payout_funds_already_sent", map[string]interface{}{
		"job_id":       job.ID,
		"amount":       job.Reward,
		"payment_hash": payment.PaymentHash,
		"step":         step,
		"error":        cause.Error(),
	})
	flag := &database.ReconciliationFlag{
		Operation:   "payout_" + step,
		JobID:       job.ID,
		PaymentHash: payment.PaymentHash,
		Amount:      job.Reward,
		Detail:      "funds already sent: " + cause.Error(),
		CreatedAt:   o.now().UTC(),
	}
	if err := o.repo.CreateReconciliationFlag(ctx, flag); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Error("Failed to create reconciliation flag")
	}
	return svcerrors.InconsistentState(cause)
}

// outcomeUnknown flags a payment whose fate the node did not report. The reward stays unpaid on
// the job and must not be paid again until support has checked the node.
func (o *Orchestrator) outcomeUnknown(ctx context.Context, job *database.Job, dest string, cause error) {
	metrics.RecordPayout(KindLightning, "unknown")
	metrics.RecordInconsistentState("payout_unknown")
	o.logger.LogCritical(ctx, "payout_outcome_unknown", map[string]interface{}{
		"job_id":             job.ID,
		"amount":             job.Reward,
		"destination_prefix": truncate(dest, 24),
		"error":              cause.Error(),
	})
	flag := &database.ReconciliationFlag{
		Operation: "payout_unknown",
		JobID:     job.ID,
		Amount:    job.Reward,
		Detail:    "payment may have been sent: " + cause.Error(),
		CreatedAt: o.now().UTC(),
	}
	if err := o.repo.CreateReconciliationFlag(ctx, flag); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("job_id", job.ID).Error("Failed to create reconciliation flag")
	}
}

func (o *Orchestrator) notify(event notify.Event) {
	if o.notifier != nil {
		o.notifier.Dispatch(event)
	}
}

func conflict(message string, cause error) error {
	e := svcerrors.Conflict(message)
	e.Err = cause
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
