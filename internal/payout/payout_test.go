package payout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicbounty/service_layer/internal/authz"
	"github.com/civicbounty/service_layer/internal/database"
	svcerrors "github.com/civicbounty/service_layer/internal/errors"
	"github.com/civicbounty/service_layer/internal/ledger"
	"github.com/civicbounty/service_layer/internal/lightning"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/pkg/testutil"
)

type fixture struct {
	repo *database.MockRepository
	gw   *testutil.MockGateway
	orch *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := database.NewMockRepository()
	repo.AddProfile(database.Profile{ID: "owner"})
	repo.AddProfile(database.Profile{ID: "fixer"})
	gw := testutil.NewMockGateway()
	logger := logging.NewTest()
	ledgerSvc := ledger.NewService(repo, gw, ledger.Policy{}, logger)
	return &fixture{repo: repo, gw: gw, orch: New(repo, ledgerSvc, gw, nil, logger)}
}

func strPtr(s string) *string { return &s }

// fixedJob creates a job and drives it through claim and approval.
func (f *fixture) fixedJob(t *testing.T, reward int64, fixerID, dest *string) *database.Job {
	t.Helper()
	ctx := context.Background()
	job := &database.Job{Title: "broken bench", Reward: reward, CreatedBy: strPtr("owner")}
	require.NoError(t, f.repo.CreateJob(ctx, job))

	res, err := f.repo.ClaimJob(ctx, database.ClaimJobParams{JobID: job.ID, FixerID: fixerID, FixerName: "fixer", LightningAddress: dest})
	require.NoError(t, err)
	require.True(t, res.Success)

	ok, err := f.repo.ApproveJob(ctx, database.ApproveJobParams{JobID: job.ID, FixerID: fixerID, FixerName: "fixer", At: time.Now(), RequireUnderReview: true})
	require.NoError(t, err)
	require.True(t, ok)

	fresh, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return fresh
}

var approver = authz.User("owner").Elevate(authz.ElevationReview)

func TestPayReward_RegisteredFixerIsCreditedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fixedJob(t, 500, strPtr("fixer"), nil)

	out, err := f.orch.PayReward(ctx, approver, job)
	require.NoError(t, err)
	assert.Equal(t, KindLedgerCredit, out.Kind)
	assert.Equal(t, int64(500), out.NewBalance)
	assert.Empty(t, f.gw.Payments())

	// A stale copy of the job cannot credit twice.
	again, err := f.orch.PayReward(ctx, approver, job)
	require.NoError(t, err)
	assert.Equal(t, out.TransactionID, again.TransactionID)

	profile, _ := f.repo.GetProfile(ctx, "fixer")
	assert.Equal(t, int64(500), profile.Balance)

	fresh, _ := f.repo.GetJob(ctx, job.ID)
	_, err = f.orch.PayReward(ctx, approver, fresh)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeConflict))
}

func TestPayReward_AnonymousInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fixedJob(t, 500, nil, strPtr(testutil.FakeInvoice(500, "anon")))

	out, err := f.orch.PayReward(ctx, approver, job)
	require.NoError(t, err)
	assert.Equal(t, KindLightning, out.Kind)
	assert.NotEmpty(t, out.PaymentHash)
	require.Len(t, f.gw.Payments(), 1)

	fresh, _ := f.repo.GetJob(ctx, job.ID)
	require.NotNil(t, fresh.RewardPaidAt)
	assert.Equal(t, out.PaymentHash, *fresh.RewardPaymentHash)

	txs := f.repo.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.SystemAuditUserID, txs[0].UserID)
	assert.Equal(t, int64(-500), txs[0].Amount)

	// No real balance moved.
	for _, id := range []string{"owner", "fixer"} {
		p, _ := f.repo.GetProfile(ctx, id)
		assert.Zero(t, p.Balance)
	}
}

func TestPayReward_InvoiceAmountMismatchIsRejected(t *testing.T) {
	f := newFixture(t)
	job := f.fixedJob(t, 500, nil, strPtr(testutil.FakeInvoice(499, "short")))

	_, err := f.orch.PayReward(context.Background(), approver, job)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))
	assert.Empty(t, f.gw.Payments())
}

func TestPayReward_InvalidDestination(t *testing.T) {
	f := newFixture(t)
	job := f.fixedJob(t, 500, nil, strPtr("not-an-invoice"))

	_, err := f.orch.PayReward(context.Background(), approver, job)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidFormat))
	assert.Empty(t, f.gw.Payments())
}

func TestPayReward_LightningAddress(t *testing.T) {
	f := newFixture(t)
	job := f.fixedJob(t, 500, nil, strPtr("fixer@wallet.example"))

	out, err := f.orch.PayReward(context.Background(), approver, job)
	require.NoError(t, err)
	require.Len(t, f.gw.Payments(), 1)
	assert.Equal(t, int64(500), f.gw.Payments()[0].AmountSats)
	assert.Equal(t, "fixer@wallet.example", f.gw.Payments()[0].Destination)
	assert.Equal(t, KindLightning, out.Kind)
}

func TestPayReward_FundsSentButNotRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fixedJob(t, 500, nil, strPtr(testutil.FakeInvoice(500, "lost")))
	f.repo.FailNext("MarkRewardPaid", errors.New("db timeout"))

	_, err := f.orch.PayReward(ctx, approver, job)
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInconsistentState))
	assert.Len(t, f.gw.Payments(), 1)

	flags, _ := f.repo.ListOpenReconciliationFlags(ctx)
	require.Len(t, flags, 1)
	assert.Equal(t, job.ID, flags[0].JobID)
	assert.Contains(t, flags[0].Detail, "funds already sent")
}

func TestPayReward_GatewayDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fixedJob(t, 500, nil, strPtr(testutil.FakeInvoice(500, "down")))
	f.gw.Unavailable = true

	_, err := f.orch.PayReward(ctx, approver, job)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeGatewayUnavailable))
	assert.ErrorIs(t, err, ErrOutcomeUnknown)

	fresh, _ := f.repo.GetJob(ctx, job.ID)
	assert.Nil(t, fresh.RewardPaidAt)

	// The payment may have left, so it is flagged instead of quietly left for a retry.
	flags, err := f.repo.ListOpenReconciliationFlags(ctx)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "payout_unknown", flags[0].Operation)
	assert.Equal(t, job.ID, flags[0].JobID)
	assert.Equal(t, int64(500), flags[0].Amount)
	assert.Empty(t, f.repo.Transactions())
}

func TestPayReward_NodeTimeoutMidPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fixedJob(t, 500, nil, strPtr(testutil.FakeInvoice(500, "timeout")))
	f.gw.PayError = fmt.Errorf("%w: context deadline exceeded", lightning.ErrUnavailable)

	_, err := f.orch.PayReward(ctx, approver, job)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)

	flags, err := f.repo.ListOpenReconciliationFlags(ctx)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "payout_unknown", flags[0].Operation)
	assert.Contains(t, flags[0].Detail, "deadline exceeded")
}

func TestPayReward_RejectedPaymentIsNotFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.fixedJob(t, 500, nil, strPtr(testutil.FakeInvoice(500, "rejected")))
	f.gw.PayError = lightning.ErrPaymentFailed

	_, err := f.orch.PayReward(ctx, approver, job)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInternal))
	assert.NotErrorIs(t, err, ErrOutcomeUnknown)

	flags, err := f.repo.ListOpenReconciliationFlags(ctx)
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestPayReward_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := &database.Job{Title: "open", Reward: 10}
	require.NoError(t, f.repo.CreateJob(ctx, open))
	_, err := f.orch.PayReward(ctx, approver, open)
	assert.ErrorIs(t, err, ErrNotFixed)

	zero := f.fixedJob(t, 0, strPtr("fixer"), nil)
	out, err := f.orch.PayReward(ctx, approver, zero)
	require.NoError(t, err)
	assert.Equal(t, KindNone, out.Kind)

	nowhere := f.fixedJob(t, 10, nil, nil)
	_, err = f.orch.PayReward(ctx, approver, nowhere)
	assert.ErrorIs(t, err, ErrNoDestination)
}
