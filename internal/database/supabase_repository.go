package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository implements RepositoryInterface over Supabase PostgREST. Atomic transitions
// are either conditional PATCH requests (one UPDATE statement) or stored procedures.
type Repository struct {
	client *Client
}

var _ RepositoryInterface = (*Repository)(nil)

// NewRepository creates a Supabase-backed repository.
func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

// eq builds a PostgREST equality filter with the value escaped.
func eq(column, value string) string {
	return column + "=eq." + strings.ReplaceAll(neturl.QueryEscape(value), "+", "%20")
}

func classify(op string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusConflict || strings.Contains(apiErr.Body, "23505"):
			return fmt.Errorf("%w: %s", ErrDuplicate, op)
		case strings.Contains(apiErr.Body, "insufficient_funds"):
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, op)
		case strings.Contains(apiErr.Body, "profile_not_found"):
			return NewNotFoundError("profile", op)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrDatabaseError, op, err)
}

func decodeRows[T any](op string, data []byte) ([]T, error) {
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %v", ErrDatabaseError, op, err)
	}
	return rows, nil
}

// =============================================================================
// Jobs
// =============================================================================

// CreateJob inserts a job. A reused funding payment hash yields ErrDuplicate.
func (r *Repository) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("%w: job cannot be nil", ErrInvalidInput)
	}
	data, err := r.client.request(ctx, http.MethodPost, "jobs", job, "")
	if err != nil {
		return classify("create job", err)
	}
	rows, err := decodeRows[Job]("jobs", data)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		*job = rows[0]
	}
	return nil
}

// GetJob fetches a job by ID.
func (r *Repository) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := ValidateID("job id", id); err != nil {
		return nil, err
	}
	return r.getJob(ctx, eq("id", id)+"&limit=1", id)
}

// GetJobByFundingHash fetches the job funded by a payment hash.
func (r *Repository) GetJobByFundingHash(ctx context.Context, paymentHash string) (*Job, error) {
	if err := ValidateID("payment hash", paymentHash); err != nil {
		return nil, err
	}
	return r.getJob(ctx, eq("funding_payment_hash", paymentHash)+"&limit=1", paymentHash)
}

func (r *Repository) getJob(ctx context.Context, query, id string) (*Job, error) {
	data, err := r.client.request(ctx, http.MethodGet, "jobs", nil, query)
	if err != nil {
		return nil, classify("get job", err)
	}
	rows, err := decodeRows[Job]("jobs", data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewNotFoundError("job", id)
	}
	return &rows[0], nil
}

// ClaimJob calls the claim_job procedure.
func (r *Repository) ClaimJob(ctx context.Context, params ClaimJobParams) (*ClaimJobResult, error) {
	if err := ValidateID("job id", params.JobID); err != nil {
		return nil, err
	}
	data, err := r.client.rpc(ctx, "claim_job", params)
	if err != nil {
		return nil, classify("claim job", err)
	}
	var result ClaimJobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal claim result: %v", ErrDatabaseError, err)
	}
	return &result, nil
}

// patchJob applies a conditional update and reports whether a row matched.
func (r *Repository) patchJob(ctx context.Context, op, query string, fields map[string]interface{}) (bool, error) {
	data, err := r.client.request(ctx, http.MethodPatch, "jobs", fields, query)
	if err != nil {
		return false, classify(op, err)
	}
	rows, err := decodeRows[Job]("jobs", data)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ApproveJob marks a job fixed if it is not already fixed or deleted.
func (r *Repository) ApproveJob(ctx context.Context, params ApproveJobParams) (bool, error) {
	if err := ValidateID("job id", params.JobID); err != nil {
		return false, err
	}
	query := eq("id", params.JobID) + "&fixed=is.false&deleted_at=is.null"
	if params.RequireUnderReview {
		query += "&under_review=is.true"
	}
	return r.patchJob(ctx, "approve job", query, map[string]interface{}{
		"fixed":         true,
		"under_review":  false,
		"fixed_by":      params.FixerID,
		"fixed_by_name": params.FixerName,
		"fixed_at":      params.At.UTC(),
		"updated_at":    params.At.UTC(),
	})
}

// RejectClaim returns an under-review job to open.
func (r *Repository) RejectClaim(ctx context.Context, jobID string) (bool, error) {
	if err := ValidateID("job id", jobID); err != nil {
		return false, err
	}
	query := eq("id", jobID) + "&under_review=is.true&fixed=is.false&deleted_at=is.null"
	return r.patchJob(ctx, "reject claim", query, map[string]interface{}{
		"under_review":            false,
		"claimed":                 false,
		"claimed_by":              nil,
		"claimed_by_name":         "",
		"claimed_at":              nil,
		"fix_image_url":           "",
		"fixer_note":              "",
		"ai_confidence_score":     nil,
		"ai_analysis":             "",
		"fixer_lightning_address": nil,
		"updated_at":              time.Now().UTC(),
	})
}

// SoftDeleteJob sets deleted_at on an open job.
func (r *Repository) SoftDeleteJob(ctx context.Context, jobID string, at time.Time) (bool, error) {
	if err := ValidateID("job id", jobID); err != nil {
		return false, err
	}
	query := eq("id", jobID) + "&fixed=is.false&under_review=is.false&deleted_at=is.null"
	return r.patchJob(ctx, "delete job", query, map[string]interface{}{
		"deleted_at": at.UTC(),
		"updated_at": at.UTC(),
	})
}

// MarkRewardPaid records an outbound reward payment once.
func (r *Repository) MarkRewardPaid(ctx context.Context, jobID, paymentHash string, at time.Time) (bool, error) {
	if err := ValidateID("job id", jobID); err != nil {
		return false, err
	}
	query := eq("id", jobID) + "&fixed=is.true&reward_paid_at=is.null"
	return r.patchJob(ctx, "mark reward paid", query, map[string]interface{}{
		"reward_paid_at":      at.UTC(),
		"reward_payment_hash": paymentHash,
		"updated_at":          at.UTC(),
	})
}

// CountOpenJobs counts live open posts.
func (r *Repository) CountOpenJobs(ctx context.Context) (int, error) {
	data, err := r.client.rpc(ctx, "count_open_jobs", map[string]interface{}{})
	if err != nil {
		return 0, classify("count open jobs", err)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return 0, fmt.Errorf("%w: unmarshal count: %v", ErrDatabaseError, err)
	}
	return n, nil
}

// =============================================================================
// Ledger
// =============================================================================

// GetProfile fetches a profile.
func (r *Repository) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if err := ValidateID("user id", userID); err != nil {
		return nil, err
	}
	data, err := r.client.request(ctx, http.MethodGet, "profiles", nil, eq("id", userID)+"&limit=1")
	if err != nil {
		return nil, classify("get profile", err)
	}
	rows, err := decodeRows[Profile]("profiles", data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewNotFoundError("profile", userID)
	}
	return &rows[0], nil
}

// GetProfileByUsername fetches a profile by its unique username.
func (r *Repository) GetProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
	}
	data, err := r.client.request(ctx, http.MethodGet, "profiles", nil, eq("username", username)+"&limit=1")
	if err != nil {
		return nil, classify("get profile by username", err)
	}
	rows, err := decodeRows[Profile]("profiles", data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewNotFoundError("profile", username)
	}
	return &rows[0], nil
}

// ListProfiles returns all profiles.
func (r *Repository) ListProfiles(ctx context.Context) ([]Profile, error) {
	data, err := r.client.request(ctx, http.MethodGet, "profiles", nil, "select=id,username,email,balance,updated_at&order=id")
	if err != nil {
		return nil, classify("list profiles", err)
	}
	return decodeRows[Profile]("profiles", data)
}

// InsertTransaction appends a ledger row. A reused payment hash yields ErrDuplicate.
func (r *Repository) InsertTransaction(ctx context.Context, tx *Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: transaction cannot be nil", ErrInvalidInput)
	}
	if _, err := r.client.request(ctx, http.MethodPost, "transactions", tx, ""); err != nil {
		return classify("insert transaction", err)
	}
	return nil
}

// GetTransactionByPaymentHash finds the transaction tagged with a payment hash.
func (r *Repository) GetTransactionByPaymentHash(ctx context.Context, paymentHash string) (*Transaction, error) {
	if err := ValidateID("payment hash", paymentHash); err != nil {
		return nil, err
	}
	data, err := r.client.request(ctx, http.MethodGet, "transactions", nil, eq("payment_hash", paymentHash)+"&limit=1")
	if err != nil {
		return nil, classify("get transaction", err)
	}
	rows, err := decodeRows[Transaction]("transactions", data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewNotFoundError("transaction", paymentHash)
	}
	return &rows[0], nil
}

// ApplyLedgerEntry calls the apply_ledger_entry procedure, which inserts the row and moves the
// balance in one database transaction.
func (r *Repository) ApplyLedgerEntry(ctx context.Context, tx *Transaction) (*LedgerEntryResult, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction cannot be nil", ErrInvalidInput)
	}
	if err := ValidateID("user id", tx.UserID); err != nil {
		return nil, err
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	data, err := r.client.rpc(ctx, "apply_ledger_entry", map[string]interface{}{
		"p_id":           tx.ID,
		"p_user_id":      tx.UserID,
		"p_account_kind": tx.AccountKind,
		"p_type":         tx.Type,
		"p_amount":       tx.Amount,
		"p_status":       tx.Status,
		"p_memo":         tx.Memo,
		"p_payment_hash": tx.PaymentHash,
		"p_job_id":       tx.JobID,
	})
	if err != nil {
		return nil, classify("apply ledger entry", err)
	}
	var res LedgerEntryResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: unmarshal ledger entry: %v", ErrDatabaseError, err)
	}
	return &res, nil
}

// SumCompletedTransactions calls the sum_completed_transactions procedure.
func (r *Repository) SumCompletedTransactions(ctx context.Context, userID string) (int64, error) {
	if err := ValidateID("user id", userID); err != nil {
		return 0, err
	}
	data, err := r.client.rpc(ctx, "sum_completed_transactions", map[string]interface{}{"p_user_id": userID})
	if err != nil {
		return 0, classify("sum transactions", err)
	}
	var sum int64
	if err := json.Unmarshal(data, &sum); err != nil {
		return 0, fmt.Errorf("%w: unmarshal sum: %v", ErrDatabaseError, err)
	}
	return sum, nil
}

// IsConnectedAccount checks the owns-relationship table.
func (r *Repository) IsConnectedAccount(ctx context.Context, primaryUserID, connectedUserID string) (bool, error) {
	if err := ValidateID("user id", primaryUserID); err != nil {
		return false, err
	}
	if err := ValidateID("user id", connectedUserID); err != nil {
		return false, err
	}
	query := eq("primary_user_id", primaryUserID) + "&" + eq("connected_user_id", connectedUserID) + "&select=id&limit=1"
	data, err := r.client.request(ctx, http.MethodGet, "connected_accounts", nil, query)
	if err != nil {
		return false, classify("check connected account", err)
	}
	rows, err := decodeRows[map[string]interface{}]("connected_accounts", data)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// ListGroupAdmins returns the user IDs of approved admins of a group.
func (r *Repository) ListGroupAdmins(ctx context.Context, groupID string) ([]string, error) {
	if err := ValidateID("group id", groupID); err != nil {
		return nil, err
	}
	query := eq("group_id", groupID) + "&role=eq.admin&status=eq.approved&select=user_id"
	data, err := r.client.request(ctx, http.MethodGet, "group_members", nil, query)
	if err != nil {
		return nil, classify("list group admins", err)
	}
	rows, err := decodeRows[struct {
		UserID string `json:"user_id"`
	}]("group_members", data)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	return ids, nil
}

// InsertActivity appends an activity record.
func (r *Repository) InsertActivity(ctx context.Context, activity *Activity) error {
	if _, err := r.client.request(ctx, http.MethodPost, "activities", activity, ""); err != nil {
		return classify("insert activity", err)
	}
	return nil
}

// AddToDonationPool calls add_to_donation_pool, which creates the pool on first use.
func (r *Repository) AddToDonationPool(ctx context.Context, locationType, locationName string, amount int64) (*DonationPool, error) {
	data, err := r.client.rpc(ctx, "add_to_donation_pool", map[string]interface{}{
		"p_location_type": locationType,
		"p_location_name": locationName,
		"p_amount":        amount,
	})
	if err != nil {
		return nil, classify("add to donation pool", err)
	}
	var pool DonationPool
	if err := json.Unmarshal(data, &pool); err != nil {
		return nil, fmt.Errorf("%w: unmarshal donation pool: %v", ErrDatabaseError, err)
	}
	return &pool, nil
}

// GetDonationPool fetches a pool by location.
func (r *Repository) GetDonationPool(ctx context.Context, locationType, locationName string) (*DonationPool, error) {
	query := eq("location_type", locationType) + "&" + eq("location_name", locationName) + "&limit=1"
	data, err := r.client.request(ctx, http.MethodGet, "donation_pools", nil, query)
	if err != nil {
		return nil, classify("get donation pool", err)
	}
	rows, err := decodeRows[DonationPool]("donation_pools", data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewNotFoundError("donation_pool", locationType+"/"+locationName)
	}
	return &rows[0], nil
}

// CreateReconciliationFlag records a partial write.
func (r *Repository) CreateReconciliationFlag(ctx context.Context, flag *ReconciliationFlag) error {
	if _, err := r.client.request(ctx, http.MethodPost, "reconciliation_flags", flag, ""); err != nil {
		return classify("create reconciliation flag", err)
	}
	return nil
}

// ListOpenReconciliationFlags lists unresolved flags.
func (r *Repository) ListOpenReconciliationFlags(ctx context.Context) ([]ReconciliationFlag, error) {
	data, err := r.client.request(ctx, http.MethodGet, "reconciliation_flags", nil, "resolved=is.false&order=created_at")
	if err != nil {
		return nil, classify("list reconciliation flags", err)
	}
	return decodeRows[ReconciliationFlag]("reconciliation_flags", data)
}
