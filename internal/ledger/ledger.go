// Package ledger applies signed-amount entries to user balances. Every entry inserts an
// immutable transaction row and moves the cached balance in one store operation; an outcome
// the store could not confirm is flagged for manual reconciliation and never retried.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/civicbounty/service_layer/internal/authz"
	"github.com/civicbounty/service_layer/internal/database"
	svcerrors "github.com/civicbounty/service_layer/internal/errors"
	"github.com/civicbounty/service_layer/internal/lightning"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/metrics"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnauthorized        = errors.New("not authorized to change this balance")
	ErrInvalidEntry        = errors.New("invalid ledger entry")
)

// Entry is one balance-affecting event.
type Entry struct {
	Account Account
	// Amount is signed: credits are positive, deductions negative.
	Amount int64
	Type   string
	Memo   string
	// PaymentHash, when set, makes the entry idempotent: a second entry with the same hash
	// returns the first one instead of applying again.
	PaymentHash string
	JobID       string
	// Earning marks reward receipts, which are checked against the soft earnings threshold.
	Earning bool
}

// Result is the outcome of Apply.
type Result struct {
	TransactionID string `json:"transaction_id"`
	NewBalance    int64  `json:"new_balance"`
	// Duplicate is true when an entry with the same payment hash already existed.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Policy holds the safety caps.
type Policy struct {
	MaxRewardPerPost      int64
	MaxOpenPosts          int
	EarningsSoftThreshold int64
}

// Service applies ledger entries and the deposit, withdrawal and donation flows built on them.
type Service struct {
	repo    database.RepositoryInterface
	gateway lightning.Gateway
	policy  Policy
	logger  *logging.Logger
	now     func() time.Time
}

// NewService creates a ledger service.
func NewService(repo database.RepositoryInterface, gateway lightning.Gateway, policy Policy, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefault("ledger")
	}
	return &Service{repo: repo, gateway: gateway, policy: policy, logger: logger, now: time.Now}
}

// Policy returns the configured caps.
func (s *Service) Policy() Policy {
	return s.policy
}

// Apply authorizes and applies one entry on behalf of actor.
func (s *Service) Apply(ctx context.Context, actor authz.Actor, entry Entry) (*Result, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, entry); err != nil {
		return nil, err
	}

	if entry.PaymentHash != "" {
		existing, err := s.repo.GetTransactionByPaymentHash(ctx, entry.PaymentHash)
		switch {
		case err == nil:
			return s.duplicate(ctx, existing)
		case !database.IsNotFound(err):
			return nil, svcerrors.Internal("Failed to check payment", err)
		}
	}

	if !entry.Account.holdsBalance() {
		return s.applyAudit(ctx, entry)
	}

	// The early read only rejects obvious overdrafts; the store re-checks at write time.
	profile, err := s.repo.GetProfile(ctx, entry.Account.UserID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, svcerrors.NotFound("profile", entry.Account.UserID)
		}
		return nil, svcerrors.Internal("Failed to load balance", err)
	}
	if entry.Amount < 0 && profile.Balance < -entry.Amount {
		return nil, insufficient(profile.Balance, -entry.Amount)
	}

	tx := s.newTransaction(entry)
	applied, err := s.repo.ApplyLedgerEntry(ctx, tx)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrInsufficientFunds):
		metrics.RecordLedgerEntry(entry.Type, "rejected")
		available := int64(0)
		if p, getErr := s.repo.GetProfile(ctx, entry.Account.UserID); getErr == nil {
			available = p.Balance
		}
		return nil, insufficient(available, -entry.Amount)
	case database.IsNotFound(err):
		return nil, svcerrors.NotFound("profile", entry.Account.UserID)
	case errors.Is(err, database.ErrDuplicate) && entry.PaymentHash != "":
		// A concurrent entry with the same hash committed first.
		existing, getErr := s.repo.GetTransactionByPaymentHash(ctx, entry.PaymentHash)
		if getErr == nil {
			return s.duplicate(ctx, existing)
		}
		metrics.RecordLedgerEntry(entry.Type, "failed")
		return nil, svcerrors.Internal("Failed to record transaction", err)
	default:
		// The store may have committed before the error reached us.
		return nil, s.flagInconsistent(ctx, "ledger_apply_unknown", tx, err)
	}
	if applied.Existing != nil {
		metrics.RecordLedgerEntry(applied.Existing.Type, "duplicate")
		return &Result{TransactionID: applied.Existing.ID, NewBalance: applied.NewBalance, Duplicate: true}, nil
	}
	balance := applied.NewBalance

	metrics.RecordLedgerEntry(entry.Type, "applied")
	s.recordActivity(ctx, entry, tx)
	if entry.Earning && s.policy.EarningsSoftThreshold > 0 {
		before := balance - entry.Amount
		if before < s.policy.EarningsSoftThreshold && balance >= s.policy.EarningsSoftThreshold {
			s.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"user_id":   entry.Account.UserID,
				"balance":   balance,
				"threshold": s.policy.EarningsSoftThreshold,
			}).Warn("Earnings soft threshold crossed")
		}
	}

	return &Result{TransactionID: tx.ID, NewBalance: balance}, nil
}

// Balance returns the actor's cached balance.
func (s *Service) Balance(ctx context.Context, actor authz.Actor) (*database.Profile, error) {
	if !actor.IsAuthenticated() {
		return nil, svcerrors.Unauthenticated("")
	}
	profile, err := s.repo.GetProfile(ctx, actor.UserID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, svcerrors.NotFound("profile", actor.UserID)
		}
		return nil, svcerrors.Internal("Failed to load balance", err)
	}
	return profile, nil
}

// CheckPostCaps enforces the hard reward-per-post cap and the open-posts cap before a paid post.
func (s *Service) CheckPostCaps(ctx context.Context, reward int64) error {
	if s.policy.MaxRewardPerPost > 0 && reward > s.policy.MaxRewardPerPost {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"reward": reward,
			"cap":    s.policy.MaxRewardPerPost,
		}).Warn("Reward per post cap exceeded")
		return svcerrors.CapExceeded(fmt.Sprintf("Reward exceeds the maximum of %d sats per post", s.policy.MaxRewardPerPost))
	}
	if s.policy.MaxOpenPosts > 0 {
		open, err := s.repo.CountOpenJobs(ctx)
		if err != nil {
			return svcerrors.Internal("Failed to check open posts", err)
		}
		if open >= s.policy.MaxOpenPosts {
			s.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"open_posts": open,
				"cap":        s.policy.MaxOpenPosts,
			}).Warn("Open posts cap reached")
			return svcerrors.CapExceeded("Too many open posts right now, please try again later")
		}
	}
	return nil
}

func validateEntry(entry Entry) error {
	if entry.Amount == 0 {
		return svcerrors.Validation("Amount must not be zero")
	}
	if entry.Account.UserID == "" {
		return svcerrors.Validation("Account is required")
	}
	switch entry.Type {
	case database.TxTypeDeposit, database.TxTypeWithdrawal, database.TxTypeInternal:
	default:
		return svcerrors.Validation(fmt.Sprintf("Unknown transaction type %q", entry.Type))
	}
	return nil
}

// authorize allows the account owner, the owner of a connected account, or an elevated actor.
func (s *Service) authorize(ctx context.Context, actor authz.Actor, entry Entry) error {
	if entry.Account.Kind == KindSystemAudit {
		if actor.IsSystem() && actor.IsElevated() {
			return nil
		}
		return s.deny(ctx, actor, entry, "audit entry by non-system actor")
	}

	if actor.IsAuthenticated() && actor.UserID == entry.Account.UserID {
		return nil
	}
	if actor.IsElevated() {
		s.logger.WithContext(ctx).WithFields(actor.Fields()).WithFields(map[string]interface{}{
			"target_user": entry.Account.UserID,
			"amount":      entry.Amount,
			"job_id":      entry.JobID,
		}).Info("Elevated ledger entry")
		return nil
	}
	if actor.IsAuthenticated() {
		connected, err := s.repo.IsConnectedAccount(ctx, actor.UserID, entry.Account.UserID)
		if err != nil {
			return svcerrors.Internal("Failed to check account relationship", err)
		}
		if connected {
			return nil
		}
	}
	return s.deny(ctx, actor, entry, "caller does not own account")
}

func (s *Service) deny(ctx context.Context, actor authz.Actor, entry Entry, reason string) error {
	fields := actor.Fields()
	fields["target_user"] = entry.Account.UserID
	fields["account_kind"] = string(entry.Account.Kind)
	fields["amount"] = entry.Amount
	fields["reason"] = reason
	s.logger.LogSecurityEvent(ctx, "unauthorized_ledger_mutation", fields)
	metrics.RecordLedgerEntry(entry.Type, "unauthorized")
	e := svcerrors.Unauthorized("Not authorized to change this balance")
	e.Err = ErrUnauthorized
	return e
}

func (s *Service) newTransaction(entry Entry) *database.Transaction {
	tx := &database.Transaction{
		ID:          uuid.NewString(),
		UserID:      entry.Account.UserID,
		AccountKind: string(entry.Account.Kind),
		Type:        entry.Type,
		Amount:      entry.Amount,
		Status:      database.TxStatusCompleted,
		Memo:        entry.Memo,
		CreatedAt:   s.now().UTC(),
	}
	if entry.PaymentHash != "" {
		hash := entry.PaymentHash
		tx.PaymentHash = &hash
	}
	if entry.JobID != "" {
		jobID := entry.JobID
		tx.JobID = &jobID
	}
	return tx
}

func (s *Service) applyAudit(ctx context.Context, entry Entry) (*Result, error) {
	tx := s.newTransaction(entry)
	if err := s.repo.InsertTransaction(ctx, tx); err != nil {
		metrics.RecordLedgerEntry(entry.Type, "failed")
		return nil, svcerrors.Internal("Failed to record audit transaction", err)
	}
	metrics.RecordLedgerEntry(entry.Type, "audit")
	return &Result{TransactionID: tx.ID}, nil
}

func (s *Service) duplicate(ctx context.Context, existing *database.Transaction) (*Result, error) {
	metrics.RecordLedgerEntry(existing.Type, "duplicate")
	result := &Result{TransactionID: existing.ID, Duplicate: true}
	if existing.AccountKind == string(KindSystemAudit) {
		return result, nil
	}
	if profile, err := s.repo.GetProfile(ctx, existing.UserID); err == nil {
		result.NewBalance = profile.Balance
	}
	return result, nil
}

// flagInconsistent records a reconciliation flag for a transaction whose write outcome is
// unknown. The caller gets a generic error; details go to the critical log only.
func (s *Service) flagInconsistent(ctx context.Context, operation string, tx *database.Transaction, cause error) error {
	metrics.RecordLedgerEntry(tx.Type, "inconsistent")
	metrics.RecordInconsistentState(operation)

	flag := &database.ReconciliationFlag{
		ID:            uuid.NewString(),
		Operation:     operation,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Detail:        cause.Error(),
		CreatedAt:     s.now().UTC(),
	}
	if tx.JobID != nil {
		flag.JobID = *tx.JobID
	}
	if tx.PaymentHash != nil {
		flag.PaymentHash = *tx.PaymentHash
	}

	fields := map[string]interface{}{
		"operation":      operation,
		"transaction_id": tx.ID,
		"user_id":        tx.UserID,
		"amount":         tx.Amount,
		"error":          cause.Error(),
	}
	if err := s.repo.CreateReconciliationFlag(ctx, flag); err != nil {
		fields["flag_error"] = err.Error()
	}
	s.logger.LogCritical(ctx, "ledger_inconsistent_state", fields)
	return svcerrors.InconsistentState(cause)
}

func (s *Service) recordActivity(ctx context.Context, entry Entry, tx *database.Transaction) {
	metadata, _ := json.Marshal(map[string]interface{}{
		"amount": entry.Amount,
		"type":   entry.Type,
		"memo":   entry.Memo,
	})
	activity := &database.Activity{
		ID:          uuid.NewString(),
		UserID:      entry.Account.UserID,
		Type:        "ledger_" + entry.Type,
		RelatedID:   tx.ID,
		RelatedType: "transaction",
		Metadata:    metadata,
		CreatedAt:   tx.CreatedAt,
	}
	if err := s.repo.InsertActivity(ctx, activity); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("transaction_id", tx.ID).Warn("Failed to record activity")
	}
}

func insufficient(available, requested int64) error {
	e := svcerrors.InsufficientBalance(available, requested)
	e.Err = ErrInsufficientBalance
	return e
}
