package database

import (
	"context"
	"time"
)

// JobRepository holds job rows. Every state transition is a single conditional write
// that reports whether it applied.
type JobRepository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobByFundingHash(ctx context.Context, paymentHash string) (*Job, error)
	ClaimJob(ctx context.Context, params ClaimJobParams) (*ClaimJobResult, error)
	ApproveJob(ctx context.Context, params ApproveJobParams) (bool, error)
	RejectClaim(ctx context.Context, jobID string) (bool, error)
	SoftDeleteJob(ctx context.Context, jobID string, at time.Time) (bool, error)
	MarkRewardPaid(ctx context.Context, jobID, paymentHash string, at time.Time) (bool, error)
	CountOpenJobs(ctx context.Context) (int, error)
}

// LedgerRepository holds transactions, profiles and related aggregates.
type LedgerRepository interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*Profile, error)
	ListProfiles(ctx context.Context) ([]Profile, error)
	// InsertTransaction appends a row that moves no balance (system audit entries).
	InsertTransaction(ctx context.Context, tx *Transaction) error
	GetTransactionByPaymentHash(ctx context.Context, paymentHash string) (*Transaction, error)
	// ApplyLedgerEntry inserts tx and adds tx.Amount to the owner's balance as one operation.
	// A payment hash that is already recorded returns the existing row in Existing and changes
	// nothing. A change that would make the balance negative fails with ErrInsufficientFunds
	// and writes nothing.
	ApplyLedgerEntry(ctx context.Context, tx *Transaction) (*LedgerEntryResult, error)
	SumCompletedTransactions(ctx context.Context, userID string) (int64, error)
	IsConnectedAccount(ctx context.Context, primaryUserID, connectedUserID string) (bool, error)
	ListGroupAdmins(ctx context.Context, groupID string) ([]string, error)
	InsertActivity(ctx context.Context, activity *Activity) error
	AddToDonationPool(ctx context.Context, locationType, locationName string, amount int64) (*DonationPool, error)
	GetDonationPool(ctx context.Context, locationType, locationName string) (*DonationPool, error)
	CreateReconciliationFlag(ctx context.Context, flag *ReconciliationFlag) error
	ListOpenReconciliationFlags(ctx context.Context) ([]ReconciliationFlag, error)
}

// RepositoryInterface is the full store surface used by the service.
type RepositoryInterface interface {
	JobRepository
	LedgerRepository
}
