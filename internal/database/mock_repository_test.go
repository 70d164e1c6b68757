package database

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRepository_ConcurrentClaimHasOneWinner(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	job := &Job{Title: "pothole", Reward: 100}
	require.NoError(t, repo.CreateJob(ctx, job))

	var wins, lost int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.ClaimJob(ctx, ClaimJobParams{JobID: job.ID, FixerName: "fixer"})
			if err != nil {
				return
			}
			if res.Success {
				atomic.AddInt32(&wins, 1)
			} else if res.Error == ClaimErrorAlreadyClaimed {
				atomic.AddInt32(&lost, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(19), lost)
}

func TestMockRepository_ClaimMissingJob(t *testing.T) {
	repo := NewMockRepository()
	res, err := repo.ClaimJob(context.Background(), ClaimJobParams{JobID: "missing"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ClaimErrorNotFound, res.Error)
}

func TestMockRepository_ApplyLedgerEntryGuardsNegative(t *testing.T) {
	repo := NewMockRepository()
	repo.AddProfile(Profile{ID: "u1"})
	ctx := context.Background()

	res, err := repo.ApplyLedgerEntry(ctx, &Transaction{UserID: "u1", Amount: 10, Status: TxStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.NewBalance)

	res, err = repo.ApplyLedgerEntry(ctx, &Transaction{UserID: "u1", Amount: -10, Status: TxStatusCompleted})
	require.NoError(t, err)
	assert.Zero(t, res.NewBalance)

	_, err = repo.ApplyLedgerEntry(ctx, &Transaction{UserID: "u1", Amount: -1, Status: TxStatusCompleted})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Len(t, repo.Transactions(), 2)

	_, err = repo.ApplyLedgerEntry(ctx, &Transaction{UserID: "ghost", Amount: 1})
	assert.True(t, IsNotFound(err))
}

func TestMockRepository_ApplyLedgerEntryReturnsExistingHash(t *testing.T) {
	repo := NewMockRepository()
	repo.AddProfile(Profile{ID: "u1"})
	ctx := context.Background()
	hash := "h1"

	first := &Transaction{UserID: "u1", Amount: 40, Status: TxStatusCompleted, PaymentHash: &hash}
	res, err := repo.ApplyLedgerEntry(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, res.Existing)

	res, err = repo.ApplyLedgerEntry(ctx, &Transaction{UserID: "u1", Amount: 40, Status: TxStatusCompleted, PaymentHash: &hash})
	require.NoError(t, err)
	require.NotNil(t, res.Existing)
	assert.Equal(t, first.ID, res.Existing.ID)
	assert.Equal(t, int64(40), res.NewBalance)
	assert.Len(t, repo.Transactions(), 1)
}

func TestMockRepository_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := NewMockRepository()
	repo.AddProfile(Profile{ID: "u1", Balance: 100})
	ctx := context.Background()

	var ok, short int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ApplyLedgerEntry(ctx, &Transaction{UserID: "u1", Amount: -30, Status: TxStatusCompleted})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInsufficientFunds):
				atomic.AddInt32(&short, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok)
	assert.Equal(t, int32(7), short)
	p, err := repo.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Balance)
	assert.Len(t, repo.Transactions(), 3)
}

func TestMockRepository_DuplicatePaymentHash(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	hash := "h1"
	require.NoError(t, repo.InsertTransaction(ctx, &Transaction{UserID: "u1", PaymentHash: &hash}))
	err := repo.InsertTransaction(ctx, &Transaction{UserID: "u2", PaymentHash: &hash})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMockRepository_SoftDeleteOnce(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	job := &Job{Title: "graffiti", Reward: 5}
	require.NoError(t, repo.CreateJob(ctx, job))

	ok, err := repo.SoftDeleteJob(ctx, job.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.SoftDeleteJob(ctx, job.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := repo.CountOpenJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMockRepository_FailNext(t *testing.T) {
	repo := NewMockRepository()
	repo.AddProfile(Profile{ID: "u1"})
	boom := errors.New("boom")
	repo.FailNext("ApplyLedgerEntry", boom)

	_, err := repo.ApplyLedgerEntry(context.Background(), &Transaction{UserID: "u1", Amount: 5})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, repo.Transactions())
	_, err = repo.ApplyLedgerEntry(context.Background(), &Transaction{UserID: "u1", Amount: 5})
	assert.NoError(t, err)
}

func TestMockRepository_DonationPoolCreatedLazily(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()

	_, err := repo.GetDonationPool(ctx, "city", "Austin")
	assert.True(t, IsNotFound(err))

	_, err = repo.AddToDonationPool(ctx, "city", "Austin", 30)
	require.NoError(t, err)
	pool, err := repo.AddToDonationPool(ctx, "city", "Austin", 12)
	require.NoError(t, err)
	assert.Equal(t, int64(42), pool.TotalDonated)
}
