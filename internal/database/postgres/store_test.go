package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicbounty/service_layer/internal/database"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestSoftDeleteJob(t *testing.T) {
	for _, tc := range []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "open job", affected: 1, want: true},
		{name: "already deleted", affected: 0, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectExec(`UPDATE jobs SET deleted_at`).
				WithArgs("j1", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, tc.affected))

			ok, err := store.SoftDeleteJob(context.Background(), "j1", time.Now())
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestApproveJob_RequireUnderReview(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`AND under_review`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.ApproveJob(context.Background(), database.ApproveJobParams{
		JobID: "j1", FixerName: "fixer", At: time.Now(), RequireUnderReview: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimJob(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT claim_job`).
		WillReturnRows(sqlmock.NewRows([]string{"claim_job"}).AddRow([]byte(`{"success":false,"error":"already_claimed"}`)))

	res, err := store.ClaimJob(context.Background(), database.ClaimJobParams{JobID: "j1", AIConfidence: 9})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, database.ClaimErrorAlreadyClaimed, res.Error)
}

func TestGetJob_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM jobs WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetJob(context.Background(), "missing")
	assert.True(t, database.IsNotFound(err))
}

func TestApplyLedgerEntry(t *testing.T) {
	t.Run("applies in one transaction", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE profiles SET balance`).
			WithArgs("u1", int64(25)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(125)))
		mock.ExpectExec(`INSERT INTO transactions`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := store.ApplyLedgerEntry(context.Background(), &database.Transaction{
			UserID: "u1", Type: database.TxTypeInternal, Amount: 25, Status: database.TxStatusCompleted,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(125), res.NewBalance)
		assert.Nil(t, res.Existing)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("would go negative writes nothing", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE profiles SET balance`).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectQuery(`SELECT EXISTS`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := store.ApplyLedgerEntry(context.Background(), &database.Transaction{
			UserID: "u1", Type: database.TxTypeWithdrawal, Amount: -500, Status: database.TxStatusCompleted,
		})
		assert.ErrorIs(t, err, database.ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown profile", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE profiles SET balance`).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectQuery(`SELECT EXISTS`).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		_, err := store.ApplyLedgerEntry(context.Background(), &database.Transaction{UserID: "ghost", Amount: 5})
		assert.True(t, database.IsNotFound(err))
	})

	t.Run("recorded payment hash", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM transactions WHERE payment_hash`).
			WithArgs("h1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "user_id", "account_kind", "type", "amount", "status", "memo", "payment_hash", "job_id", "created_at",
			}).AddRow("t1", "u1", "registered_user", database.TxTypeDeposit, int64(70), database.TxStatusCompleted, "deposit", "h1", nil, time.Now()))
		mock.ExpectQuery(`SELECT balance FROM profiles`).
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(70)))
		mock.ExpectRollback()

		hash := "h1"
		res, err := store.ApplyLedgerEntry(context.Background(), &database.Transaction{
			UserID: "u1", Type: database.TxTypeDeposit, Amount: 70, Status: database.TxStatusCompleted, PaymentHash: &hash,
		})
		require.NoError(t, err)
		require.NotNil(t, res.Existing)
		assert.Equal(t, "t1", res.Existing.ID)
		assert.Equal(t, int64(70), res.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInsertTransaction_DuplicatePaymentHash(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO transactions`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	hash := "abc"
	err := store.InsertTransaction(context.Background(), &database.Transaction{
		UserID: "u1", Type: database.TxTypeDeposit, Amount: 10, Status: database.TxStatusCompleted, PaymentHash: &hash,
	})
	assert.ErrorIs(t, err, database.ErrDuplicate)
}

func TestSumCompletedTransactions(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM transactions`).
		WithArgs("u1", database.TxStatusCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(-40)))

	sum, err := store.SumCompletedTransactions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-40), sum)
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	src, err := iofs.New(migrationFS, "migrations")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db.DB))

	store := New(db)
	userID := "itest-" + time.Now().Format("150405.000000")
	_, err = db.ExecContext(ctx, `INSERT INTO profiles (id, username) VALUES ($1, 'itest')`, userID)
	require.NoError(t, err)

	job := &database.Job{Title: "streetlight", Reward: 50, CreatedBy: &userID}
	require.NoError(t, store.CreateJob(ctx, job))

	res, err := store.ClaimJob(ctx, database.ClaimJobParams{JobID: job.ID, FixerName: "fixer", AIConfidence: 3})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = store.ClaimJob(ctx, database.ClaimJobParams{JobID: job.ID, FixerName: "late"})
	require.NoError(t, err)
	assert.Equal(t, database.ClaimErrorAlreadyClaimed, res.Error)

	applied, err := store.ApplyLedgerEntry(ctx, &database.Transaction{
		UserID: userID, AccountKind: "registered_user", Type: database.TxTypeInternal, Amount: 30, Status: database.TxStatusCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), applied.NewBalance)
	_, err = store.ApplyLedgerEntry(ctx, &database.Transaction{
		UserID: userID, AccountKind: "registered_user", Type: database.TxTypeWithdrawal, Amount: -31, Status: database.TxStatusCompleted,
	})
	assert.ErrorIs(t, err, database.ErrInsufficientFunds)

	sum, err := store.SumCompletedTransactions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), sum)
}
