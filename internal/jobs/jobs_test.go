package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicbounty/service_layer/internal/authz"
	"github.com/civicbounty/service_layer/internal/database"
	svcerrors "github.com/civicbounty/service_layer/internal/errors"
	"github.com/civicbounty/service_layer/internal/ledger"
	"github.com/civicbounty/service_layer/internal/lightning"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/notify"
	"github.com/civicbounty/service_layer/internal/payout"
	"github.com/civicbounty/service_layer/pkg/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Dispatch(e notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recorder) ofType(t string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	repo   *database.MockRepository
	gw     *testutil.MockGateway
	events *recorder
	svc    *Service
	posts  int
}

func newFixture(t *testing.T, policy ledger.Policy) *fixture {
	t.Helper()
	repo := database.NewMockRepository()
	for _, name := range []string{"owner", "fixer", "rival", "admin", "stranger", "helper"} {
		repo.AddProfile(database.Profile{ID: name, Username: name})
	}
	gw := testutil.NewMockGateway()
	events := &recorder{}
	logger := logging.NewTest()
	ledgerSvc := ledger.NewService(repo, gw, policy, logger)
	payouts := payout.New(repo, ledgerSvc, gw, events, logger)
	svc := NewService(repo, ledgerSvc, payouts, events, Config{}, logger)
	return &fixture{repo: repo, gw: gw, events: events, svc: svc}
}

func (f *fixture) post(t *testing.T, reward int64, groupID string) *database.Job {
	t.Helper()
	f.posts++
	res, err := f.svc.Create(context.Background(), authz.User("owner"), CreateRequest{
		Title:       "Pothole on Main St",
		Description: "Deep pothole near the crossing",
		Reward:      reward,
		GroupID:     groupID,
	}, fmt.Sprintf("funding-%d", f.posts))
	require.NoError(t, err)
	return res.Job
}

func (f *fixture) userTransactions(userID string) []database.Transaction {
	var out []database.Transaction
	for _, tx := range f.repo.Transactions() {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	p, err := f.repo.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	return p.Balance
}

func fix(confidence int) FixRequest {
	return FixRequest{FixImageURL: "https://img.example/fixed.jpg", AIConfidence: confidence}
}

func serviceCode(t *testing.T, err error) svcerrors.ErrorCode {
	t.Helper()
	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se, "expected a service error, got %v", err)
	return se.Code
}

func TestCreate_IdempotentByFundingHash(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	req := CreateRequest{Title: "Graffiti", Description: "Wall near the park", Reward: 1000}

	first, err := f.svc.Create(ctx, authz.Anonymous(), req, "hash-1")
	require.NoError(t, err)
	assert.False(t, first.Existing)
	assert.Nil(t, first.Job.CreatedBy)

	retry, err := f.svc.Create(ctx, authz.Anonymous(), req, "hash-1")
	require.NoError(t, err)
	assert.True(t, retry.Existing)
	assert.Equal(t, first.Job.ID, retry.Job.ID)

	audit := f.userTransactions(ledger.SystemAuditUserID)
	require.Len(t, audit, 1)
	assert.Equal(t, int64(1000), audit[0].Amount)
	assert.Len(t, f.events.ofType(notify.EventJobCreated), 1)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, ledger.Policy{MaxRewardPerPost: 5000})
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		hash string
		code svcerrors.ErrorCode
	}{
		{"unpaid", CreateRequest{Title: "t", Description: "d"}, "", svcerrors.CodePaymentRequired},
		{"missing title", CreateRequest{Description: "d"}, "h1", svcerrors.CodeValidation},
		{"missing description", CreateRequest{Title: "t", Description: "   "}, "h2", svcerrors.CodeValidation},
		{"title too long", CreateRequest{Title: strings.Repeat("x", maxTitleLength+1), Description: "d"}, "h3", svcerrors.CodeValidation},
		{"negative reward", CreateRequest{Title: "t", Description: "d", Reward: -1}, "h4", svcerrors.CodeValidation},
		{"over cap", CreateRequest{Title: "t", Description: "d", Reward: 5001}, "h5", svcerrors.CodeCapExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, authz.User("owner"), tt.req, tt.hash)
			require.Error(t, err)
			assert.Equal(t, tt.code, serviceCode(t, err))
		})
	}
}

func TestCreateFromBalance(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	req := CreateRequest{Title: "Litter", Description: "Beach cleanup", Reward: 200}

	_, err := f.svc.CreateFromBalance(ctx, authz.User("owner"), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))

	f.repo.SetBalance("owner", 250)
	res, err := f.svc.CreateFromBalance(ctx, authz.User("owner"), req)
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.Job.Reward)
	assert.Equal(t, int64(50), f.balance(t, "owner"))

	_, err = f.svc.CreateFromBalance(ctx, authz.Anonymous(), req)
	assert.Equal(t, svcerrors.CodeUnauthenticated, serviceCode(t, err))
}

func TestSubmitFix_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	job := f.post(t, 500, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"fixer", "rival"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = f.svc.SubmitFix(context.Background(), authz.User(user), job.ID, fix(4))
		}(i, user)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		conflicts++
		assert.True(t, errors.Is(err, ErrJobAlreadyClaimed))
		assert.Equal(t, AlreadyClaimedMessage, svcerrors.GetServiceError(err).Message)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
}

func TestSubmitFix_HighConfidenceIsAutoApproved(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	job := f.post(t, 500, "")

	res, err := f.svc.SubmitFix(ctx, authz.User("fixer"), job.ID, fix(9))
	require.NoError(t, err)
	assert.True(t, res.AutoApproved)
	assert.True(t, res.Job.Fixed)
	require.NotNil(t, res.Payout)
	assert.Equal(t, payout.KindLedgerCredit, res.Payout.Kind)
	assert.NotNil(t, res.Job.RewardPaidAt)

	txs := f.userTransactions("fixer")
	require.Len(t, txs, 1)
	assert.Equal(t, int64(500), txs[0].Amount)
	assert.Equal(t, int64(500), f.balance(t, "fixer"))
	assert.Len(t, f.events.ofType(notify.EventFixApproved), 1)
}

func TestSubmitFix_LowConfidenceWaitsForReview(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	f.repo.AddGroupAdmin("group-1", "admin")
	job := f.post(t, 500, "group-1")

	res, err := f.svc.SubmitFix(context.Background(), authz.User("fixer"), job.ID, fix(4))
	require.NoError(t, err)
	assert.False(t, res.AutoApproved)
	assert.Equal(t, database.JobStateUnderReview, res.Job.State())
	assert.Empty(t, f.userTransactions("fixer"))
	assert.Equal(t, int64(0), f.balance(t, "fixer"))

	submitted := f.events.ofType(notify.EventFixSubmitted)
	require.Len(t, submitted, 1)
	assert.ElementsMatch(t, []string{"owner", "admin"}, submitted[0].Recipients)
}

func TestSubmitFix_ThresholdIsInclusive(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	job := f.post(t, 100, "")

	res, err := f.svc.SubmitFix(context.Background(), authz.User("fixer"), job.ID, fix(DefaultAutoApproveConfidence))
	require.NoError(t, err)
	assert.True(t, res.AutoApproved)
}

func TestSubmitFix_AnonymousFixer(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()

	t.Run("needs a destination", func(t *testing.T) {
		job := f.post(t, 500, "")
		_, err := f.svc.SubmitFix(ctx, authz.Anonymous(), job.ID, fix(9))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMissingDestination))
	})

	t.Run("rejects a malformed destination", func(t *testing.T) {
		job := f.post(t, 500, "")
		req := fix(9)
		req.LightningAddress = "not-an-invoice"
		_, err := f.svc.SubmitFix(ctx, authz.Anonymous(), job.ID, req)
		assert.Equal(t, svcerrors.CodeInvalidFormat, serviceCode(t, err))
	})

	t.Run("paid over lightning when approved", func(t *testing.T) {
		job := f.post(t, 500, "")
		req := fix(9)
		req.LightningAddress = testutil.FakeInvoice(500, "anon")
		res, err := f.svc.SubmitFix(ctx, authz.Anonymous(), job.ID, req)
		require.NoError(t, err)
		require.NotNil(t, res.Payout)
		assert.Equal(t, payout.KindLightning, res.Payout.Kind)
		assert.Len(t, f.gw.Payments(), 1)
	})

	t.Run("payout failure keeps the approval", func(t *testing.T) {
		job := f.post(t, 500, "")
		req := fix(9)
		req.LightningAddress = testutil.FakeInvoice(400, "short")
		res, err := f.svc.SubmitFix(ctx, authz.Anonymous(), job.ID, req)
		require.NoError(t, err)
		assert.True(t, res.Job.Fixed)
		assert.Nil(t, res.Payout)
		assert.NotEmpty(t, res.PayoutError)
	})
}

func TestSubmitFix_UnpaidRewardIsFlagged(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	job := f.post(t, 500, "")

	req := fix(9)
	req.LightningAddress = testutil.FakeInvoice(400, "short")
	res, err := f.svc.SubmitFix(ctx, authz.Anonymous(), job.ID, req)
	require.NoError(t, err)
	assert.NotEmpty(t, res.PayoutError)

	flags, err := f.repo.ListOpenReconciliationFlags(ctx)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "reward_unpaid", flags[0].Operation)
	assert.Equal(t, job.ID, flags[0].JobID)
	assert.Equal(t, int64(500), flags[0].Amount)
}

func TestSubmitFix_UnknownPayoutOutcomeIsFlaggedOnce(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	job := f.post(t, 500, "")
	f.gw.PayError = lightning.ErrUnavailable

	req := fix(9)
	req.LightningAddress = testutil.FakeInvoice(500, "timeout")
	res, err := f.svc.SubmitFix(ctx, authz.Anonymous(), job.ID, req)
	require.NoError(t, err)
	assert.True(t, res.Job.Fixed)
	assert.Nil(t, res.Payout)

	flags, err := f.repo.ListOpenReconciliationFlags(ctx)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "payout_unknown", flags[0].Operation)
	assert.Equal(t, job.ID, flags[0].JobID)
}

func TestSubmitFix_ConnectedAccount(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	f.repo.ConnectAccount("fixer", "helper")

	job := f.post(t, 300, "")
	req := fix(9)
	req.ForAccount = "helper"
	res, err := f.svc.SubmitFix(ctx, authz.User("fixer"), job.ID, req)
	require.NoError(t, err)
	assert.Equal(t, "helper", *res.Job.FixedBy)
	assert.Equal(t, int64(300), f.balance(t, "helper"))

	other := f.post(t, 300, "")
	req.ForAccount = "owner"
	_, err = f.svc.SubmitFix(ctx, authz.User("fixer"), other.ID, req)
	assert.Equal(t, svcerrors.CodeUnauthorized, serviceCode(t, err))
}

func TestSubmitFix_UnknownJob(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	_, err := f.svc.SubmitFix(context.Background(), authz.User("fixer"), "missing", fix(4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestApprove(t *testing.T) {
	tests := []struct {
		name     string
		approver authz.Actor
		code     svcerrors.ErrorCode
	}{
		{"poster", authz.User("owner"), ""},
		{"group admin", authz.User("admin"), ""},
		{"platform admin", authz.Actor{UserID: "root", Role: authz.RoleAdmin}, ""},
		{"stranger", authz.User("stranger"), svcerrors.CodeUnauthorized},
		{"fixer approving own fix", authz.User("fixer"), svcerrors.CodeUnauthorized},
		{"anonymous", authz.Anonymous(), svcerrors.CodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, ledger.Policy{})
			f.repo.AddGroupAdmin("group-1", "admin")
			ctx := context.Background()
			job := f.post(t, 500, "group-1")
			_, err := f.svc.SubmitFix(ctx, authz.User("fixer"), job.ID, fix(3))
			require.NoError(t, err)

			res, err := f.svc.Approve(ctx, tt.approver, job.ID)
			if tt.code != "" {
				assert.Equal(t, tt.code, serviceCode(t, err))
				assert.Equal(t, int64(0), f.balance(t, "fixer"))
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Job.Fixed)
			assert.Equal(t, int64(500), f.balance(t, "fixer"))

			_, err = f.svc.Approve(ctx, tt.approver, job.ID)
			assert.True(t, errors.Is(err, ErrJobNotUnderReview))
			assert.Equal(t, int64(500), f.balance(t, "fixer"))
		})
	}
}

func TestReject_ReopensJob(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	job := f.post(t, 500, "")
	_, err := f.svc.SubmitFix(ctx, authz.User("fixer"), job.ID, fix(2))
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, authz.User("stranger"), job.ID)
	assert.Equal(t, svcerrors.CodeUnauthorized, serviceCode(t, err))

	reopened, err := f.svc.Reject(ctx, authz.User("owner"), job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.JobStateOpen, reopened.State())
	assert.Nil(t, reopened.ClaimedBy)
	assert.Len(t, f.events.ofType(notify.EventFixRejected), 1)

	_, err = f.svc.Reject(ctx, authz.User("owner"), job.ID)
	assert.True(t, errors.Is(err, ErrJobNotUnderReview))

	_, err = f.svc.SubmitFix(ctx, authz.User("rival"), job.ID, fix(2))
	assert.NoError(t, err)
}

func TestClose_DesignatesAnyFixer(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	job := f.post(t, 250, "")

	_, err := f.svc.Close(ctx, authz.User("owner"), job.ID, CloseRequest{FixerUsername: "nobody"})
	assert.True(t, errors.Is(err, ErrUnknownFixer))

	_, err = f.svc.Close(ctx, authz.User("stranger"), job.ID, CloseRequest{FixerUsername: "helper"})
	assert.Equal(t, svcerrors.CodeUnauthorized, serviceCode(t, err))

	res, err := f.svc.Close(ctx, authz.User("owner"), job.ID, CloseRequest{FixerUsername: "helper"})
	require.NoError(t, err)
	assert.True(t, res.Job.Fixed)
	assert.Equal(t, "helper", *res.Job.FixedBy)
	require.NotNil(t, res.Payout)
	assert.Equal(t, int64(250), f.balance(t, "helper"))

	_, err = f.svc.Close(ctx, authz.User("owner"), job.ID, CloseRequest{FixerUsername: "helper"})
	assert.Equal(t, svcerrors.CodeConflict, serviceCode(t, err))
	assert.Equal(t, int64(250), f.balance(t, "helper"))
}

func TestDelete_RefundsOnce(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	job := f.post(t, 300, "")

	_, err := f.svc.Delete(ctx, authz.User("stranger"), job.ID)
	assert.Equal(t, svcerrors.CodeUnauthorized, serviceCode(t, err))

	res, err := f.svc.Delete(ctx, authz.User("owner"), job.ID)
	require.NoError(t, err)
	assert.NotNil(t, res.Job.DeletedAt)
	require.NotNil(t, res.Refund)
	assert.Equal(t, int64(300), res.Refund.NewBalance)
	assert.Equal(t, int64(300), f.balance(t, "owner"))

	refunds := f.userTransactions("owner")
	require.Len(t, refunds, 1)
	assert.Equal(t, database.TxTypeInternal, refunds[0].Type)
	assert.Contains(t, refunds[0].Memo, job.ID)

	_, err = f.svc.Delete(ctx, authz.User("owner"), job.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobAlreadyDeleted))
	assert.Contains(t, svcerrors.GetServiceError(err).Message, "already been deleted")
	assert.Equal(t, int64(300), f.balance(t, "owner"))
}

func TestDelete_OnlyOpenJobs(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	job := f.post(t, 300, "")
	_, err := f.svc.SubmitFix(ctx, authz.User("fixer"), job.ID, fix(1))
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, authz.User("owner"), job.ID)
	assert.True(t, errors.Is(err, ErrJobNotOpen))
	assert.Equal(t, int64(0), f.balance(t, "owner"))

	_, err = f.svc.SubmitFix(ctx, authz.User("rival"), job.ID, fix(1))
	assert.True(t, errors.Is(err, ErrJobAlreadyClaimed))
}

func TestDelete_AdminRefundsPoster(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	job := f.post(t, 300, "")

	res, err := f.svc.Delete(ctx, authz.Actor{UserID: "root", Role: authz.RoleAdmin}, job.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Refund)
	assert.Equal(t, int64(300), f.balance(t, "owner"))
}

func TestDelete_FailedRefundIsFlagged(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	job := f.post(t, 300, "")
	f.repo.FailNext("GetTransactionByPaymentHash", errors.New("connection reset"))

	_, err := f.svc.Delete(ctx, authz.User("owner"), job.ID)
	assert.Equal(t, svcerrors.CodeInconsistentState, serviceCode(t, err))

	flags, err := f.repo.ListOpenReconciliationFlags(ctx)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "job_refund", flags[0].Operation)
	assert.Equal(t, job.ID, flags[0].JobID)
}

func TestDelete_AnonymousFundedJobIsFlaggedForManualRefund(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	created, err := f.svc.Create(ctx, authz.Anonymous(), CreateRequest{
		Title:       "Broken bench",
		Description: "Slats missing",
		Reward:      300,
	}, "anon-funding")
	require.NoError(t, err)

	res, err := f.svc.Delete(ctx, authz.Actor{UserID: "admin", Role: authz.RoleAdmin}, created.Job.ID)
	require.NoError(t, err)
	assert.NotNil(t, res.Job.DeletedAt)
	assert.Nil(t, res.Refund)
	assert.True(t, res.ManualRefund)

	flags, err := f.repo.ListOpenReconciliationFlags(ctx)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "job_refund_manual", flags[0].Operation)
	assert.Equal(t, created.Job.ID, flags[0].JobID)
	assert.Equal(t, int64(300), flags[0].Amount)
	assert.Equal(t, "anon-funding", flags[0].PaymentHash)
}

func TestDelete_AnonymousJobNeedsAdmin(t *testing.T) {
	f := newFixture(t, ledger.Policy{})
	ctx := context.Background()
	created, err := f.svc.Create(ctx, authz.Anonymous(), CreateRequest{
		Title:       "Broken bench",
		Description: "Slats missing",
		Reward:      300,
	}, "anon-funding")
	require.NoError(t, err)

	_, err = f.svc.Delete(ctx, authz.User("stranger"), created.Job.ID)
	require.Error(t, err)
	assert.Equal(t, svcerrors.CodeUnauthorized, serviceCode(t, err))

	flags, err := f.repo.ListOpenReconciliationFlags(ctx)
	require.NoError(t, err)
	assert.Empty(t, flags)
}
