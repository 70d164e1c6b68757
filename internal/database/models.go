package database

import (
	"encoding/json"
	"time"
)

// JobState is derived from a job's flags.
type JobState string

const (
	JobStateOpen        JobState = "open"
	JobStateUnderReview JobState = "under_review"
	JobStateFixed       JobState = "fixed"
	JobStateDeleted     JobState = "deleted"
)

// Job is a posted problem with a reward.
type Job struct {
	ID                 string     `json:"id" db:"id"`
	Title              string     `json:"title" db:"title"`
	Description        string     `json:"description" db:"description"`
	Location           string     `json:"location,omitempty" db:"location"`
	Reward             int64      `json:"reward" db:"reward"`
	CreatedBy          *string    `json:"created_by" db:"created_by"`
	CreatedByName      string     `json:"created_by_name,omitempty" db:"created_by_name"`
	GroupID            *string    `json:"group_id" db:"group_id"`
	Claimed            bool       `json:"claimed" db:"claimed"`
	ClaimedBy          *string    `json:"claimed_by" db:"claimed_by"`
	ClaimedByName      string     `json:"claimed_by_name,omitempty" db:"claimed_by_name"`
	ClaimedAt          *time.Time `json:"claimed_at" db:"claimed_at"`
	UnderReview        bool       `json:"under_review" db:"under_review"`
	FixImageURL        string     `json:"fix_image_url,omitempty" db:"fix_image_url"`
	FixerNote          string     `json:"fixer_note,omitempty" db:"fixer_note"`
	AIConfidence       *int       `json:"ai_confidence_score" db:"ai_confidence_score"`
	AIAnalysis         string     `json:"ai_analysis,omitempty" db:"ai_analysis"`
	LightningAddress   *string    `json:"fixer_lightning_address" db:"fixer_lightning_address"`
	Fixed              bool       `json:"fixed" db:"fixed"`
	FixedBy            *string    `json:"fixed_by" db:"fixed_by"`
	FixedByName        string     `json:"fixed_by_name,omitempty" db:"fixed_by_name"`
	FixedAt            *time.Time `json:"fixed_at" db:"fixed_at"`
	DeletedAt          *time.Time `json:"deleted_at" db:"deleted_at"`
	RewardPaidAt       *time.Time `json:"reward_paid_at" db:"reward_paid_at"`
	RewardPaymentHash  *string    `json:"reward_payment_hash" db:"reward_payment_hash"`
	FundingPaymentHash *string    `json:"funding_payment_hash" db:"funding_payment_hash"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// State derives the lifecycle state from the flags.
func (j *Job) State() JobState {
	switch {
	case j.DeletedAt != nil:
		return JobStateDeleted
	case j.Fixed:
		return JobStateFixed
	case j.UnderReview:
		return JobStateUnderReview
	default:
		return JobStateOpen
	}
}

// ClaimJobParams are the inputs of the atomic claim procedure.
type ClaimJobParams struct {
	JobID            string  `json:"p_job_id"`
	FixerID          *string `json:"p_fixer_id"`
	FixerName        string  `json:"p_fixer_name"`
	FixImageURL      string  `json:"p_fix_image_url"`
	FixerNote        string  `json:"p_fixer_note"`
	AIConfidence     int     `json:"p_ai_confidence"`
	AIAnalysis       string  `json:"p_ai_analysis"`
	LightningAddress *string `json:"p_lightning_address"`
}

// Claim procedure error codes.
const (
	ClaimErrorNotFound       = "not_found"
	ClaimErrorAlreadyClaimed = "already_claimed"
)

// ClaimJobResult is the output of the atomic claim procedure.
type ClaimJobResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ApproveJobParams moves a job to fixed.
type ApproveJobParams struct {
	JobID     string
	FixerID   *string
	FixerName string
	At        time.Time

	// RequireUnderReview restricts the transition to jobs with a pending claim. Manual
	// close leaves it false so an owner can resolve an open job directly.
	RequireUnderReview bool
}

// Profile holds a user's cached balance.
type Profile struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Email     string    `json:"email,omitempty" db:"email"`
	Balance   int64     `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction types.
const (
	TxTypeDeposit    = "deposit"
	TxTypeWithdrawal = "withdrawal"
	TxTypeInternal   = "internal"
)

// Transaction statuses.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
)

// Transaction is an immutable signed-amount ledger record.
type Transaction struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	AccountKind string    `json:"account_kind" db:"account_kind"`
	Type        string    `json:"type" db:"type"`
	Amount      int64     `json:"amount" db:"amount"`
	Status      string    `json:"status" db:"status"`
	Memo        string    `json:"memo" db:"memo"`
	PaymentHash *string   `json:"payment_hash" db:"payment_hash"`
	JobID       *string   `json:"job_id" db:"job_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// LedgerEntryResult is the outcome of ApplyLedgerEntry.
type LedgerEntryResult struct {
	// Existing is the row already recorded under the entry's payment hash, if any.
	Existing   *Transaction `json:"existing,omitempty"`
	NewBalance int64        `json:"new_balance"`
}

// Activity is an audit feed entry.
type Activity struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Type        string          `json:"type" db:"type"`
	RelatedID   string          `json:"related_id,omitempty" db:"related_id"`
	RelatedType string          `json:"related_type,omitempty" db:"related_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// DonationPool aggregates donations for a location.
type DonationPool struct {
	ID              string    `json:"id" db:"id"`
	LocationType    string    `json:"location_type" db:"location_type"`
	LocationName    string    `json:"location_name" db:"location_name"`
	TotalDonated    int64     `json:"total_donated" db:"total_donated"`
	BoostPercentage int       `json:"boost_percentage" db:"boost_percentage"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// ReconciliationFlag records a partially applied write that needs manual review.
type ReconciliationFlag struct {
	ID            string    `json:"id" db:"id"`
	Operation     string    `json:"operation" db:"operation"`
	UserID        string    `json:"user_id,omitempty" db:"user_id"`
	TransactionID string    `json:"transaction_id,omitempty" db:"transaction_id"`
	JobID         string    `json:"job_id,omitempty" db:"job_id"`
	PaymentHash   string    `json:"payment_hash,omitempty" db:"payment_hash"`
	Amount        int64     `json:"amount" db:"amount"`
	Detail        string    `json:"detail" db:"detail"`
	Resolved      bool      `json:"resolved" db:"resolved"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
