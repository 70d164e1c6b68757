package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/civicbounty/service_layer/internal/authz"
	"github.com/civicbounty/service_layer/internal/database"
	svcerrors "github.com/civicbounty/service_layer/internal/errors"
	"github.com/civicbounty/service_layer/internal/lightning"
	"github.com/civicbounty/service_layer/internal/metrics"
)

// MaxDepositSats bounds a single top-up invoice.
const MaxDepositSats = 10_000_000

// CreateDeposit creates an invoice the actor pays to top up their balance.
func (s *Service) CreateDeposit(ctx context.Context, actor authz.Actor, amount int64) (*lightning.Invoice, error) {
	if !actor.IsAuthenticated() {
		return nil, svcerrors.Unauthenticated("")
	}
	if amount <= 0 || amount > MaxDepositSats {
		return nil, svcerrors.Validation(fmt.Sprintf("Amount must be between 1 and %d sats", MaxDepositSats))
	}
	invoice, err := s.gateway.CreateInvoice(ctx, amount, depositMemo(actor.UserID))
	if err != nil {
		return nil, gatewayError(err)
	}
	return invoice, nil
}

// depositMemo binds a deposit invoice to the account that requested it.
func depositMemo(userID string) string {
	return "Deposit for " + userID
}

// SettleDeposit credits a paid deposit invoice. The credited amount is what the node reports
// as paid; a difference from expectedAmount is logged and accepted. Settling the same payment
// hash twice returns the first result.
func (s *Service) SettleDeposit(ctx context.Context, actor authz.Actor, paymentHash string, expectedAmount int64) (*Result, error) {
	if !actor.IsAuthenticated() {
		return nil, svcerrors.Unauthenticated("")
	}
	if paymentHash == "" {
		return nil, svcerrors.Validation("payment_hash is required")
	}

	status, err := s.gateway.CheckInvoice(ctx, paymentHash)
	if err != nil {
		return nil, gatewayError(err)
	}
	if status.Outgoing {
		s.logger.LogSecurityEvent(ctx, "deposit_outgoing_payment", map[string]interface{}{
			"payment_hash": paymentHash,
			"user_id":      actor.UserID,
		})
		return nil, svcerrors.Validation("Payment hash is not a deposit invoice")
	}
	if status.Memo != depositMemo(actor.UserID) {
		s.logger.LogSecurityEvent(ctx, "deposit_owner_mismatch", map[string]interface{}{
			"payment_hash": paymentHash,
			"user_id":      actor.UserID,
		})
		return nil, svcerrors.Unauthorized("This deposit belongs to another account")
	}
	if !status.Settled {
		return nil, svcerrors.PaymentRequired("Invoice has not been paid yet")
	}
	if status.AmountPaid <= 0 {
		return nil, svcerrors.Validation("Invoice reports no amount paid")
	}
	if expectedAmount > 0 && status.AmountPaid != expectedAmount {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"payment_hash": paymentHash,
			"expected":     expectedAmount,
			"paid":         status.AmountPaid,
			"user_id":      actor.UserID,
		}).Warn("Deposit amount differs from requested amount, crediting amount paid")
	}

	return s.Apply(ctx, actor, Entry{
		Account:     RegisteredUser(actor.UserID),
		Amount:      status.AmountPaid,
		Type:        database.TxTypeDeposit,
		Memo:        fmt.Sprintf("Lightning deposit of %d sats", status.AmountPaid),
		PaymentHash: paymentHash,
	})
}

// Withdrawal is the result of a successful withdrawal.
type Withdrawal struct {
	Result
	PaymentHash string `json:"payment_hash"`
	AmountSats  int64  `json:"amount_sats"`
}

// Withdraw pays a bolt11 invoice from the actor's balance. The balance is debited before the
// payment is sent; a payment the node rejects is refunded. Once the payment has left, nothing
// here retries it.
func (s *Service) Withdraw(ctx context.Context, actor authz.Actor, invoice string) (*Withdrawal, error) {
	if !actor.IsAuthenticated() {
		return nil, svcerrors.Unauthenticated("")
	}
	decoded, err := lightning.DecodeInvoice(invoice)
	if err != nil {
		return nil, svcerrors.InvalidFormat("invoice", "bolt11 payment request")
	}
	if !decoded.HasAmount() || decoded.AmountSats() <= 0 {
		return nil, svcerrors.Validation("Invoice must specify a whole-satoshi amount")
	}
	amount := decoded.AmountSats()

	debit, err := s.Apply(ctx, actor, Entry{
		Account: RegisteredUser(actor.UserID),
		Amount:  -amount,
		Type:    database.TxTypeWithdrawal,
		Memo:    fmt.Sprintf("Lightning withdrawal of %d sats", amount),
	})
	if err != nil {
		return nil, err
	}

	payment, err := s.gateway.PayInvoice(ctx, lightning.PayRequest{Destination: invoice, AmountSats: amount})
	if err != nil {
		metrics.RecordPayout("withdrawal", "failed")
		if errors.Is(err, lightning.ErrUnavailable) {
			// The payment may or may not have left the node, so the debit stands until a
			// human checks it.
			s.logger.LogCritical(ctx, "withdrawal_outcome_unknown", map[string]interface{}{
				"user_id":        actor.UserID,
				"amount":         amount,
				"transaction_id": debit.TransactionID,
				"error":          err.Error(),
			})
			s.flag(ctx, "withdrawal_unknown", actor.UserID, debit.TransactionID, "", amount, err)
			return nil, svcerrors.GatewayUnavailable(err)
		}
		if _, refundErr := s.Apply(ctx, actor, Entry{
			Account: RegisteredUser(actor.UserID),
			Amount:  amount,
			Type:    database.TxTypeInternal,
			Memo:    "Refund of failed withdrawal " + debit.TransactionID,
		}); refundErr != nil {
			s.logger.LogCritical(ctx, "withdrawal_refund_failed", map[string]interface{}{
				"user_id":        actor.UserID,
				"amount":         amount,
				"transaction_id": debit.TransactionID,
				"error":          refundErr.Error(),
			})
		}
		return nil, svcerrors.Validation("Lightning payment failed, your balance was refunded")
	}

	metrics.RecordPayout("withdrawal", "paid")
	balance := debit.NewBalance
	return &Withdrawal{
		Result:      Result{TransactionID: debit.TransactionID, NewBalance: balance},
		PaymentHash: payment.PaymentHash,
		AmountSats:  amount,
	}, nil
}

func (s *Service) flag(ctx context.Context, operation, userID, txID, jobID string, amount int64, cause error) {
	metrics.RecordInconsistentState(operation)
	f := &database.ReconciliationFlag{
		Operation:     operation,
		UserID:        userID,
		TransactionID: txID,
		JobID:         jobID,
		Amount:        amount,
		Detail:        cause.Error(),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.CreateReconciliationFlag(ctx, f); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("operation", operation).Error("Failed to create reconciliation flag")
	}
}

func gatewayError(err error) error {
	if errors.Is(err, lightning.ErrUnavailable) {
		return svcerrors.GatewayUnavailable(err)
	}
	return svcerrors.Internal("Lightning request failed", err)
}
