package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/gateway-service/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := NewPostgresRepository(db)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func accountRow(id uuid.UUID, status string, token any) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "owner_user_id", "account_number", "holder_name", "customer_id",
		"routing_code", "pin_hash", "status", "account_token", "is_merchant", "merchant_keys", "created_at", "updated_at"}).
		AddRow(id.String(), "user-1", "123456789", "Asha", "cust-1", "HDFC0001234", "hash", status, token, true,
			[]byte(`[{"name":"shop","key":"pk_1","secret":"sk_1","createdAt":"2026-01-01T00:00:00Z"}]`), fixedNow, fixedNow)
}

func TestRunMigrations_UsesEmbeddedRoot(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	called := false
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		called = true
		if dir != "." {
			return errors.New("unexpected dir")
		}
		return nil
	}
	require.NoError(t, RunMigrations(context.Background(), db))
	assert.True(t, called)

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	assert.ErrorContains(t, RunMigrations(context.Background(), db), "boom")
}

func TestCreateAccount_DuplicateNumberIsAlreadyLinked(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`INSERT INTO accounts`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.CreateAccount(context.Background(), &domain.Account{
		OwnerUserID: "user-1", AccountNumber: "123456789", Status: domain.AccountPending,
	})
	assert.True(t, errors.Is(err, domain.ErrAlreadyLinked))
	assert.True(t, errors.Is(err, domain.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAccountByID_DecodesTokenAndKeys(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	id := uuid.New()

	mock.ExpectQuery(`(?s)SELECT .* FROM accounts WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(accountRow(id, "Verified", "acct-token"))

	got, err := repo.FindAccountByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountVerified, got.Status)
	require.NotNil(t, got.AccountToken)
	assert.Equal(t, "acct-token", *got.AccountToken)
	require.Len(t, got.MerchantKeys, 1)
	assert.Equal(t, "sk_1", got.MerchantKeys[0].Secret)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAccountByID_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)SELECT .* FROM accounts WHERE id = \$1`).WillReturnError(sql.ErrNoRows)

	_, err := repo.FindAccountByID(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, domain.ErrAccountNotFound))
}

func TestConfirmAccountLink_VerifiesAndReturnsAlias(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	accountID := uuid.New()
	aliasID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE accounts\s+SET status = 'Verified'`).
		WithArgs(accountID, "acct-token", fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"owner_user_id", "account_number"}).AddRow("user-1", "123456789"))
	mock.ExpectExec(`DELETE FROM receiver_service_accounts\s+WHERE account_number = \$1 AND owner_user_id <> \$2`).
		WithArgs("123456789", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`(?s)INSERT INTO receiver_service_accounts .* ON CONFLICT`).
		WithArgs(sqlmock.AnyArg(), "user-1", "123456789", domain.DefaultAliasName, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_user_id", "account_number", "display_name", "created_at", "updated_at"}).
			AddRow(aliasID.String(), "user-1", "123456789", domain.DefaultAliasName, fixedNow, fixedNow))
	mock.ExpectCommit()

	alias, err := repo.ConfirmAccountLink(context.Background(), accountID, "acct-token")
	require.NoError(t, err)
	assert.Equal(t, aliasID, alias.ID)
	assert.Equal(t, domain.DefaultAliasName, alias.DisplayName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmAccountLink_WrongStateRollsBack(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE accounts\s+SET status = 'Verified'`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.ConfirmAccountLink(context.Background(), uuid.New(), "acct-token")
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnlinkAccount_OnlyFromVerified(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE accounts\s+SET status = 'Unlinked', account_token = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UnlinkAccount(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestDeleteAccountWithAliases_SingleTransaction(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM accounts WHERE id = \$1 RETURNING account_number`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"account_number"}).AddRow("123456789"))
	mock.ExpectExec(`DELETE FROM receiver_service_accounts WHERE account_number = \$1`).
		WithArgs("123456789").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteAccountWithAliases(context.Background(), id))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransferStatus_CompareAndSet(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE sender_service_accounts`).
		WithArgs(id, "Debited", "Refunded", true, "credit failed", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateTransferStatus(context.Background(), id, domain.TransferDebited, domain.TransferRefunded,
		TransferStatusUpdate{RequiresManualRefund: true, FailureReason: "credit failed"}))

	mock.ExpectExec(`UPDATE sender_service_accounts`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.UpdateTransferStatus(context.Background(), id, domain.TransferDebited, domain.TransferCredited, TransferStatusUpdate{})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransferStatus_RejectsBackwardsWithoutQuery(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	err := repo.UpdateTransferStatus(context.Background(), uuid.New(), domain.TransferCompleted, domain.TransferInitiated, TransferStatusUpdate{})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindTransferByID_NullableColumns(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	id := uuid.New()
	alias := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "user_id", "source_account_id", "source_account_number", "destination_account_number",
		"receiver_service_id", "merchant_transaction_id", "amount", "note", "status", "requires_manual_refund",
		"failure_reason", "created_at", "updated_at"}).
		AddRow(id.String(), "user-1", uuid.New().String(), "123456789", "987654321", alias.String(), nil,
			"500.00", "rent", "Completed", false, nil, fixedNow, fixedNow)
	mock.ExpectQuery(`(?s)SELECT .* FROM sender_service_accounts WHERE id = \$1`).WithArgs(id).WillReturnRows(rows)

	got, err := repo.FindTransferByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got.ReceiverServiceID)
	assert.Equal(t, alias, *got.ReceiverServiceID)
	assert.Nil(t, got.MerchantTransactionID)
	assert.Nil(t, got.FailureReason)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, domain.TransferCompleted, got.Status)
}

func TestCompleteIntent_Idempotent(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	intentID := uuid.New()
	transferID := uuid.New()

	mock.ExpectExec(`UPDATE merchant_transactions`).
		WithArgs(intentID, transferID, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	changed, err := repo.CompleteIntent(context.Background(), intentID, transferID)
	require.NoError(t, err)
	assert.True(t, changed)

	mock.ExpectExec(`UPDATE merchant_transactions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(intentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	changed, err = repo.CompleteIntent(context.Background(), intentID, transferID)
	require.NoError(t, err)
	assert.False(t, changed)

	mock.ExpectExec(`UPDATE merchant_transactions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = repo.CompleteIntent(context.Background(), uuid.New(), transferID)
	assert.True(t, errors.Is(err, domain.ErrIntentNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleTransfers_BuildsStatusList(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	cutoff := fixedNow.Add(-15 * time.Minute)

	mock.ExpectQuery(`status IN \(\$3, \$4\)`).
		WithArgs(cutoff, 100, "Initiated", "Debited").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := repo.ListStaleTransfers(context.Background(), []domain.TransferStatus{domain.TransferInitiated, domain.TransferDebited}, cutoff, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransfersByUser_ClampsLimit(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	for _, tc := range []struct{ requested, sent int }{
		{requested: 150, sent: 150},
		{requested: 5000, sent: domain.MaxTransferListLimit},
		{requested: 0, sent: domain.DefaultTransferListLimit},
	} {
		mock.ExpectQuery(`(?s)SELECT .* FROM sender_service_accounts\s+WHERE user_id = \$1 ORDER BY created_at DESC LIMIT \$2`).
			WithArgs("user-1", tc.sent).
			WillReturnRows(sqlmock.NewRows(nil))
		_, err := repo.ListTransfersByUser(context.Background(), "user-1", tc.requested)
		require.NoError(t, err)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}
