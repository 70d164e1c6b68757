// Package postgres implements the bounty repository directly on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/civicbounty/service_layer/internal/database"
)

// Store implements database.RepositoryInterface backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ database.RepositoryInterface = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func wrap(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", database.ErrDuplicate, op)
		case pqErr.Message == "insufficient_funds":
			return fmt.Errorf("%w: %s", database.ErrInsufficientFunds, op)
		case pqErr.Message == "profile_not_found":
			return database.NewNotFoundError("profile", op)
		}
	}
	return fmt.Errorf("%w: %s: %v", database.ErrDatabaseError, op, err)
}

func applied(op string, res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap(op, err)
	}
	return n == 1, nil
}

const jobColumns = `id, title, description, location, reward, created_by, created_by_name, group_id,
	claimed, claimed_by, claimed_by_name, claimed_at, under_review, fix_image_url, fixer_note,
	ai_confidence_score, ai_analysis, fixer_lightning_address, fixed, fixed_by, fixed_by_name,
	fixed_at, deleted_at, reward_paid_at, reward_payment_hash, funding_payment_hash, created_at, updated_at`

// --- JobRepository ----------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, job *database.Job) error {
	if job == nil {
		return fmt.Errorf("%w: job cannot be nil", database.ErrInvalidInput)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, title, description, location, reward, created_by, created_by_name,
			group_id, funding_payment_hash, created_at, updated_at)
		VALUES (:id, :title, :description, :location, :reward, :created_by, :created_by_name,
			:group_id, :funding_payment_hash, :created_at, :updated_at)
	`, job)
	if err != nil {
		return wrap("create job", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*database.Job, error) {
	return s.getJob(ctx, "id", id)
}

func (s *Store) GetJobByFundingHash(ctx context.Context, paymentHash string) (*database.Job, error) {
	return s.getJob(ctx, "funding_payment_hash", paymentHash)
}

func (s *Store) getJob(ctx context.Context, column, value string) (*database.Job, error) {
	var job database.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE `+column+` = $1`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.NewNotFoundError("job", value)
	}
	if err != nil {
		return nil, wrap("get job", err)
	}
	return &job, nil
}

func (s *Store) ClaimJob(ctx context.Context, p database.ClaimJobParams) (*database.ClaimJobResult, error) {
	var raw []byte
	err := s.db.QueryRowxContext(ctx, `SELECT claim_job($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.JobID, p.FixerID, p.FixerName, p.FixImageURL, p.FixerNote, p.AIConfidence, p.AIAnalysis, p.LightningAddress,
	).Scan(&raw)
	if err != nil {
		return nil, wrap("claim job", err)
	}
	var result database.ClaimJobResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, wrap("claim job", err)
	}
	return &result, nil
}

func (s *Store) ApproveJob(ctx context.Context, p database.ApproveJobParams) (bool, error) {
	query := `
		UPDATE jobs
		SET fixed = true, under_review = false, fixed_by = $2, fixed_by_name = $3, fixed_at = $4, updated_at = $4
		WHERE id = $1 AND NOT fixed AND deleted_at IS NULL`
	if p.RequireUnderReview {
		query += ` AND under_review`
	}
	res, err := s.db.ExecContext(ctx, query, p.JobID, p.FixerID, p.FixerName, p.At.UTC())
	return applied("approve job", res, err)
}

func (s *Store) RejectClaim(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET under_review = false, claimed = false, claimed_by = NULL, claimed_by_name = '',
			claimed_at = NULL, fix_image_url = '', fixer_note = '', ai_confidence_score = NULL,
			ai_analysis = '', fixer_lightning_address = NULL, updated_at = now()
		WHERE id = $1 AND under_review AND NOT fixed AND deleted_at IS NULL`, jobID)
	return applied("reject claim", res, err)
}

func (s *Store) SoftDeleteJob(ctx context.Context, jobID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND NOT fixed AND NOT under_review AND deleted_at IS NULL`, jobID, at.UTC())
	return applied("delete job", res, err)
}

func (s *Store) MarkRewardPaid(ctx context.Context, jobID, paymentHash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET reward_paid_at = $3, reward_payment_hash = $2, updated_at = $3
		WHERE id = $1 AND fixed AND reward_paid_at IS NULL`, jobID, paymentHash, at.UTC())
	return applied("mark reward paid", res, err)
}

func (s *Store) CountOpenJobs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobs WHERE NOT fixed AND deleted_at IS NULL`); err != nil {
		return 0, wrap("count open jobs", err)
	}
	return n, nil
}

// --- LedgerRepository -------------------------------------------------------

func (s *Store) GetProfile(ctx context.Context, userID string) (*database.Profile, error) {
	var p database.Profile
	err := s.db.GetContext(ctx, &p, `SELECT id, username, email, balance, updated_at FROM profiles WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.NewNotFoundError("profile", userID)
	}
	if err != nil {
		return nil, wrap("get profile", err)
	}
	return &p, nil
}

func (s *Store) GetProfileByUsername(ctx context.Context, username string) (*database.Profile, error) {
	var p database.Profile
	err := s.db.GetContext(ctx, &p, `SELECT id, username, email, balance, updated_at FROM profiles WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.NewNotFoundError("profile", username)
	}
	if err != nil {
		return nil, wrap("get profile by username", err)
	}
	return &p, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]database.Profile, error) {
	var out []database.Profile
	if err := s.db.SelectContext(ctx, &out, `SELECT id, username, email, balance, updated_at FROM profiles ORDER BY id`); err != nil {
		return nil, wrap("list profiles", err)
	}
	return out, nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx *database.Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: transaction cannot be nil", database.ErrInvalidInput)
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO transactions (id, user_id, account_kind, type, amount, status, memo, payment_hash, job_id, created_at)
		VALUES (:id, :user_id, :account_kind, :type, :amount, :status, :memo, :payment_hash, :job_id, :created_at)
	`, tx)
	if err != nil {
		return wrap("insert transaction", err)
	}
	return nil
}

func (s *Store) GetTransactionByPaymentHash(ctx context.Context, paymentHash string) (*database.Transaction, error) {
	var tx database.Transaction
	err := s.db.GetContext(ctx, &tx, `
		SELECT id, user_id, account_kind, type, amount, status, memo, payment_hash, job_id, created_at
		FROM transactions WHERE payment_hash = $1`, paymentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.NewNotFoundError("transaction", paymentHash)
	}
	if err != nil {
		return nil, wrap("get transaction", err)
	}
	return &tx, nil
}

// ApplyLedgerEntry runs the hash lookup, the guarded balance update and the row insert in one
// database transaction. The update re-checks the balance, so concurrent debits cannot both pass.
func (s *Store) ApplyLedgerEntry(ctx context.Context, entry *database.Transaction) (*database.LedgerEntryResult, error) {
	if entry == nil {
		return nil, fmt.Errorf("%w: transaction cannot be nil", database.ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrap("begin ledger entry", err)
	}
	defer func() { _ = tx.Rollback() }()

	if entry.PaymentHash != nil {
		var existing database.Transaction
		err := tx.GetContext(ctx, &existing, `
			SELECT id, user_id, account_kind, type, amount, status, memo, payment_hash, job_id, created_at
			FROM transactions WHERE payment_hash = $1`, *entry.PaymentHash)
		switch {
		case err == nil:
			res := &database.LedgerEntryResult{Existing: &existing}
			if err := tx.GetContext(ctx, &res.NewBalance, `SELECT balance FROM profiles WHERE id = $1`, existing.UserID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, wrap("apply ledger entry", err)
			}
			return res, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, wrap("apply ledger entry", err)
		}
	}

	var balance int64
	err = tx.GetContext(ctx, &balance, `
		UPDATE profiles SET balance = balance + $2, updated_at = now()
		WHERE id = $1 AND balance + $2 >= 0
		RETURNING balance`, entry.UserID, entry.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`, entry.UserID); err != nil {
			return nil, wrap("apply ledger entry", err)
		}
		if !exists {
			return nil, database.NewNotFoundError("profile", entry.UserID)
		}
		return nil, fmt.Errorf("%w: change %d for %s", database.ErrInsufficientFunds, entry.Amount, entry.UserID)
	}
	if err != nil {
		return nil, wrap("apply ledger entry", err)
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO transactions (id, user_id, account_kind, type, amount, status, memo, payment_hash, job_id, created_at)
		VALUES (:id, :user_id, :account_kind, :type, :amount, :status, :memo, :payment_hash, :job_id, :created_at)
	`, entry); err != nil {
		return nil, wrap("apply ledger entry", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("commit ledger entry", err)
	}
	return &database.LedgerEntryResult{NewBalance: balance}, nil
}

func (s *Store) SumCompletedTransactions(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = $1 AND status = $2`,
		userID, database.TxStatusCompleted)
	if err != nil {
		return 0, wrap("sum transactions", err)
	}
	return sum, nil
}

func (s *Store) IsConnectedAccount(ctx context.Context, primaryUserID, connectedUserID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM connected_accounts WHERE primary_user_id = $1 AND connected_user_id = $2)`,
		primaryUserID, connectedUserID)
	if err != nil {
		return false, wrap("check connected account", err)
	}
	return exists, nil
}

func (s *Store) ListGroupAdmins(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM group_members WHERE group_id = $1 AND role = 'admin' AND status = 'approved'
		ORDER BY user_id`, groupID)
	if err != nil {
		return nil, wrap("list group admins", err)
	}
	return ids, nil
}

func (s *Store) InsertActivity(ctx context.Context, a *database.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var metadata interface{}
	if len(a.Metadata) > 0 {
		metadata = []byte(a.Metadata)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, user_id, type, related_id, related_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, a.Type, a.RelatedID, a.RelatedType, metadata, a.CreatedAt)
	if err != nil {
		return wrap("insert activity", err)
	}
	return nil
}

func (s *Store) AddToDonationPool(ctx context.Context, locationType, locationName string, amount int64) (*database.DonationPool, error) {
	var pool database.DonationPool
	err := s.db.GetContext(ctx, &pool, `
		INSERT INTO donation_pools (id, location_type, location_name, total_donated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (location_type, location_name)
		DO UPDATE SET total_donated = donation_pools.total_donated + EXCLUDED.total_donated, updated_at = now()
		RETURNING id, location_type, location_name, total_donated, boost_percentage, created_at, updated_at`,
		uuid.NewString(), locationType, locationName, amount)
	if err != nil {
		return nil, wrap("add to donation pool", err)
	}
	return &pool, nil
}

func (s *Store) GetDonationPool(ctx context.Context, locationType, locationName string) (*database.DonationPool, error) {
	var pool database.DonationPool
	err := s.db.GetContext(ctx, &pool, `
		SELECT id, location_type, location_name, total_donated, boost_percentage, created_at, updated_at
		FROM donation_pools WHERE location_type = $1 AND location_name = $2`, locationType, locationName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.NewNotFoundError("donation_pool", locationType+"/"+locationName)
	}
	if err != nil {
		return nil, wrap("get donation pool", err)
	}
	return &pool, nil
}

func (s *Store) CreateReconciliationFlag(ctx context.Context, f *database.ReconciliationFlag) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO reconciliation_flags (id, operation, user_id, transaction_id, job_id, payment_hash, amount, detail, resolved, created_at)
		VALUES (:id, :operation, :user_id, :transaction_id, :job_id, :payment_hash, :amount, :detail, :resolved, :created_at)
	`, f)
	if err != nil {
		return wrap("create reconciliation flag", err)
	}
	return nil
}

func (s *Store) ListOpenReconciliationFlags(ctx context.Context) ([]database.ReconciliationFlag, error) {
	var out []database.ReconciliationFlag
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, operation, user_id, transaction_id, job_id, payment_hash, amount, detail, resolved, created_at
		FROM reconciliation_flags WHERE NOT resolved ORDER BY created_at`)
	if err != nil {
		return nil, wrap("list reconciliation flags", err)
	}
	return out, nil
}
