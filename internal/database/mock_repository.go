package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockRepository is an in-memory implementation of RepositoryInterface for testing.
// Every method holds the lock for its whole body, so conditional transitions are atomic
// in the same way a single UPDATE statement is.
type MockRepository struct {
	mu sync.Mutex

	jobs          map[string]*Job
	profiles      map[string]*Profile
	transactions  []*Transaction
	activities    []*Activity
	pools         map[string]*DonationPool
	flags         []*ReconciliationFlag
	connected     map[string]map[string]bool
	groupAdmins   map[string][]string
	failNextCalls map[string]error

	// Error injection for testing error paths
	ErrorOnNextCall error
}

// NewMockRepository creates a new mock repository for testing.
func NewMockRepository() *MockRepository {
	m := &MockRepository{}
	m.reset()
	return m
}

// Ensure MockRepository implements RepositoryInterface
var _ RepositoryInterface = (*MockRepository)(nil)

// Reset clears all data in the mock repository.
func (m *MockRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *MockRepository) reset() {
	m.jobs = make(map[string]*Job)
	m.profiles = make(map[string]*Profile)
	m.transactions = nil
	m.activities = nil
	m.pools = make(map[string]*DonationPool)
	m.flags = nil
	m.connected = make(map[string]map[string]bool)
	m.groupAdmins = make(map[string][]string)
	m.failNextCalls = make(map[string]error)
	m.ErrorOnNextCall = nil
}

// FailNext makes the next call to the named method return err.
func (m *MockRepository) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextCalls[method] = err
}

// checkError returns and clears any injected error. Caller holds the lock.
func (m *MockRepository) checkError(method string) error {
	if err, ok := m.failNextCalls[method]; ok {
		delete(m.failNextCalls, method)
		return err
	}
	if m.ErrorOnNextCall != nil {
		err := m.ErrorOnNextCall
		m.ErrorOnNextCall = nil
		return err
	}
	return nil
}

// =============================================================================
// Seeding helpers
// =============================================================================

// AddProfile seeds a profile.
func (m *MockRepository) AddProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.profiles[p.ID] = &cp
}

// SetBalance overwrites a cached balance without writing a transaction.
func (m *MockRepository) SetBalance(userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[userID]; ok {
		p.Balance = balance
	}
}

// ConnectAccount records that primary owns connected.
func (m *MockRepository) ConnectAccount(primaryUserID, connectedUserID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected[primaryUserID] == nil {
		m.connected[primaryUserID] = make(map[string]bool)
	}
	m.connected[primaryUserID][connectedUserID] = true
}

// AddGroupAdmin records an approved group admin.
func (m *MockRepository) AddGroupAdmin(groupID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupAdmins[groupID] = append(m.groupAdmins[groupID], userID)
}

// Transactions returns a copy of every ledger row.
func (m *MockRepository) Transactions() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		out = append(out, *tx)
	}
	return out
}

// Activities returns a copy of every activity row.
func (m *MockRepository) Activities() []Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Activity, 0, len(m.activities))
	for _, a := range m.activities {
		out = append(out, *a)
	}
	return out
}

// =============================================================================
// Jobs
// =============================================================================

func (m *MockRepository) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("CreateJob"); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: job cannot be nil", ErrInvalidInput)
	}
	if job.FundingPaymentHash != nil {
		for _, existing := range m.jobs {
			if existing.FundingPaymentHash != nil && *existing.FundingPaymentHash == *job.FundingPaymentHash {
				return fmt.Errorf("%w: funding payment hash", ErrDuplicate)
			}
		}
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MockRepository) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("GetJob"); err != nil {
		return nil, err
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, NewNotFoundError("job", id)
	}
	cp := *job
	return &cp, nil
}

func (m *MockRepository) GetJobByFundingHash(_ context.Context, paymentHash string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("GetJobByFundingHash"); err != nil {
		return nil, err
	}
	for _, job := range m.jobs {
		if job.FundingPaymentHash != nil && *job.FundingPaymentHash == paymentHash {
			cp := *job
			return &cp, nil
		}
	}
	return nil, NewNotFoundError("job", paymentHash)
}

func (m *MockRepository) ClaimJob(_ context.Context, params ClaimJobParams) (*ClaimJobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("ClaimJob"); err != nil {
		return nil, err
	}
	job, ok := m.jobs[params.JobID]
	if !ok || job.DeletedAt != nil {
		return &ClaimJobResult{Error: ClaimErrorNotFound}, nil
	}
	if job.Fixed || job.UnderReview {
		return &ClaimJobResult{Error: ClaimErrorAlreadyClaimed}, nil
	}
	now := time.Now().UTC()
	confidence := params.AIConfidence
	job.Claimed = true
	job.ClaimedBy = params.FixerID
	job.ClaimedByName = params.FixerName
	job.ClaimedAt = &now
	job.UnderReview = true
	job.FixImageURL = params.FixImageURL
	job.FixerNote = params.FixerNote
	job.AIConfidence = &confidence
	job.AIAnalysis = params.AIAnalysis
	job.LightningAddress = params.LightningAddress
	job.UpdatedAt = now
	return &ClaimJobResult{Success: true}, nil
}

func (m *MockRepository) ApproveJob(_ context.Context, params ApproveJobParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("ApproveJob"); err != nil {
		return false, err
	}
	job, ok := m.jobs[params.JobID]
	if !ok || job.Fixed || job.DeletedAt != nil {
		return false, nil
	}
	if params.RequireUnderReview && !job.UnderReview {
		return false, nil
	}
	at := params.At.UTC()
	job.Fixed = true
	job.UnderReview = false
	job.FixedBy = params.FixerID
	job.FixedByName = params.FixerName
	job.FixedAt = &at
	job.UpdatedAt = at
	return true, nil
}

func (m *MockRepository) RejectClaim(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("RejectClaim"); err != nil {
		return false, err
	}
	job, ok := m.jobs[jobID]
	if !ok || !job.UnderReview || job.Fixed || job.DeletedAt != nil {
		return false, nil
	}
	job.UnderReview = false
	job.Claimed = false
	job.ClaimedBy = nil
	job.ClaimedByName = ""
	job.ClaimedAt = nil
	job.FixImageURL = ""
	job.FixerNote = ""
	job.AIConfidence = nil
	job.AIAnalysis = ""
	job.LightningAddress = nil
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MockRepository) SoftDeleteJob(_ context.Context, jobID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("SoftDeleteJob"); err != nil {
		return false, err
	}
	job, ok := m.jobs[jobID]
	if !ok || job.Fixed || job.UnderReview || job.DeletedAt != nil {
		return false, nil
	}
	at = at.UTC()
	job.DeletedAt = &at
	job.UpdatedAt = at
	return true, nil
}

func (m *MockRepository) MarkRewardPaid(_ context.Context, jobID, paymentHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("MarkRewardPaid"); err != nil {
		return false, err
	}
	job, ok := m.jobs[jobID]
	if !ok || !job.Fixed || job.RewardPaidAt != nil {
		return false, nil
	}
	at = at.UTC()
	hash := paymentHash
	job.RewardPaidAt = &at
	job.RewardPaymentHash = &hash
	job.UpdatedAt = at
	return true, nil
}

func (m *MockRepository) CountOpenJobs(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("CountOpenJobs"); err != nil {
		return 0, err
	}
	n := 0
	for _, job := range m.jobs {
		if !job.Fixed && job.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Ledger
// =============================================================================

func (m *MockRepository) GetProfile(_ context.Context, userID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("GetProfile"); err != nil {
		return nil, err
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, NewNotFoundError("profile", userID)
	}
	cp := *p
	return &cp, nil
}

func (m *MockRepository) GetProfileByUsername(_ context.Context, username string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("GetProfileByUsername"); err != nil {
		return nil, err
	}
	for _, p := range m.profiles {
		if p.Username == username {
			cp := *p
			return &cp, nil
		}
	}
	return nil, NewNotFoundError("profile", username)
}

func (m *MockRepository) ListProfiles(_ context.Context) ([]Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("ListProfiles"); err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockRepository) InsertTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("InsertTransaction"); err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("%w: transaction cannot be nil", ErrInvalidInput)
	}
	if tx.PaymentHash != nil {
		for _, existing := range m.transactions {
			if existing.PaymentHash != nil && *existing.PaymentHash == *tx.PaymentHash {
				return fmt.Errorf("%w: payment hash", ErrDuplicate)
			}
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	cp := *tx
	m.transactions = append(m.transactions, &cp)
	return nil
}

func (m *MockRepository) GetTransactionByPaymentHash(_ context.Context, paymentHash string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("GetTransactionByPaymentHash"); err != nil {
		return nil, err
	}
	for _, tx := range m.transactions {
		if tx.PaymentHash != nil && *tx.PaymentHash == paymentHash {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, NewNotFoundError("transaction", paymentHash)
}

func (m *MockRepository) ApplyLedgerEntry(_ context.Context, tx *Transaction) (*LedgerEntryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("ApplyLedgerEntry"); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: transaction cannot be nil", ErrInvalidInput)
	}
	if tx.PaymentHash != nil {
		for _, existing := range m.transactions {
			if existing.PaymentHash != nil && *existing.PaymentHash == *tx.PaymentHash {
				cp := *existing
				res := &LedgerEntryResult{Existing: &cp}
				if p, ok := m.profiles[existing.UserID]; ok {
					res.NewBalance = p.Balance
				}
				return res, nil
			}
		}
	}
	p, ok := m.profiles[tx.UserID]
	if !ok {
		return nil, NewNotFoundError("profile", tx.UserID)
	}
	if p.Balance+tx.Amount < 0 {
		return nil, fmt.Errorf("%w: balance %d, change %d", ErrInsufficientFunds, p.Balance, tx.Amount)
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	cp := *tx
	m.transactions = append(m.transactions, &cp)
	p.Balance += tx.Amount
	p.UpdatedAt = time.Now().UTC()
	return &LedgerEntryResult{NewBalance: p.Balance}, nil
}

func (m *MockRepository) SumCompletedTransactions(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("SumCompletedTransactions"); err != nil {
		return 0, err
	}
	var sum int64
	for _, tx := range m.transactions {
		if tx.UserID == userID && tx.Status == TxStatusCompleted {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func (m *MockRepository) IsConnectedAccount(_ context.Context, primaryUserID, connectedUserID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("IsConnectedAccount"); err != nil {
		return false, err
	}
	return m.connected[primaryUserID][connectedUserID], nil
}

func (m *MockRepository) ListGroupAdmins(_ context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("ListGroupAdmins"); err != nil {
		return nil, err
	}
	return append([]string(nil), m.groupAdmins[groupID]...), nil
}

func (m *MockRepository) InsertActivity(_ context.Context, activity *Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("InsertActivity"); err != nil {
		return err
	}
	cp := *activity
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.activities = append(m.activities, &cp)
	return nil
}

func poolKey(locationType, locationName string) string {
	return locationType + "\x00" + locationName
}

func (m *MockRepository) AddToDonationPool(_ context.Context, locationType, locationName string, amount int64) (*DonationPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("AddToDonationPool"); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	key := poolKey(locationType, locationName)
	pool, ok := m.pools[key]
	if !ok {
		pool = &DonationPool{
			ID:           uuid.New().String(),
			LocationType: locationType,
			LocationName: locationName,
			CreatedAt:    now,
		}
		m.pools[key] = pool
	}
	pool.TotalDonated += amount
	pool.UpdatedAt = now
	cp := *pool
	return &cp, nil
}

func (m *MockRepository) GetDonationPool(_ context.Context, locationType, locationName string) (*DonationPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("GetDonationPool"); err != nil {
		return nil, err
	}
	pool, ok := m.pools[poolKey(locationType, locationName)]
	if !ok {
		return nil, NewNotFoundError("donation_pool", locationType+"/"+locationName)
	}
	cp := *pool
	return &cp, nil
}

func (m *MockRepository) CreateReconciliationFlag(_ context.Context, flag *ReconciliationFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("CreateReconciliationFlag"); err != nil {
		return err
	}
	cp := *flag
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.flags = append(m.flags, &cp)
	return nil
}

func (m *MockRepository) ListOpenReconciliationFlags(_ context.Context) ([]ReconciliationFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError("ListOpenReconciliationFlags"); err != nil {
		return nil, err
	}
	var out []ReconciliationFlag
	for _, f := range m.flags {
		if !f.Resolved {
			out = append(out, *f)
		}
	}
	return out, nil
}
