package app

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/gateway-service/internal/domain"
	"github.com/transfa/gateway-service/internal/logging"
	"github.com/transfa/gateway-service/internal/trust"
)

func newTestLinkService(repo *memoryRepo, events *recordingPublisher) *LinkService {
	return NewLinkService(repo, testCodec(), testHasher(), events, "https://bank.example/consent", time.Minute, logging.Discard())
}

func linkRequest(owner, number string) domain.LinkRequest {
	return domain.LinkRequest{
		OwnerUserID:   owner,
		AccountNumber: number,
		HolderName:    "Asha Rao",
		CustomerID:    "CUST-1",
		RoutingCode:   "hdfc0001234",
		PIN:           testPIN,
	}
}

func TestLinkThenConfirmCreatesExactlyOneAlias(t *testing.T) {
	repo := newMemoryRepo()
	events := &recordingPublisher{}
	svc := newTestLinkService(repo, events)
	ctx := context.Background()

	redirect, err := svc.RequestLink(ctx, linkRequest("user-1", "123456789"))
	require.NoError(t, err)

	account, err := repo.FindAccountByID(ctx, redirect.AccountID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountPending, account.Status)
	assert.Nil(t, account.AccountToken)
	assert.Equal(t, "HDFC0001234", account.RoutingCode)
	assert.NotEqual(t, testPIN, account.PINHash)

	u, err := url.Parse(redirect.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, redirect.Token, u.Query().Get("token"))

	var payload trust.LinkPayload
	require.NoError(t, testCodec().Verify(redirect.Token, "gateway", trust.AudienceBankConsent, time.Minute, &payload))
	assert.Equal(t, redirect.AccountID.String(), payload.AccountID)
	assert.Equal(t, "CUST-1", payload.CustomerID)

	confirmation := domain.LinkConfirmation{
		AccountID:     redirect.AccountID,
		AccountNumber: "123456789",
		CustomerID:    "CUST-1",
		AccountToken:  "bank-token-1",
	}
	alias, err := svc.ConfirmLink(ctx, confirmation)
	require.NoError(t, err)

	account, err = repo.FindAccountByID(ctx, redirect.AccountID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountVerified, account.Status)
	require.NotNil(t, account.AccountToken)
	assert.Equal(t, "bank-token-1", *account.AccountToken)

	aliases, err := svc.ListAliases(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, alias.ID, aliases[0].ID)
	assert.Equal(t, domain.DefaultAliasName, aliases[0].DisplayName)
	assert.Equal(t, []string{domain.RoutingAccountLinked}, events.routingKeys())

	// A replayed confirmation cannot re-verify or mint a second alias.
	_, err = svc.ConfirmLink(ctx, confirmation)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	aliases, _ = svc.ListAliases(ctx, "user-1")
	assert.Len(t, aliases, 1)
}

func TestRequestLinkRejectsVerifiedAccount(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestLinkService(repo, &recordingPublisher{})
	seedVerifiedAccount(t, repo, "user-1", "123456789", "tok")

	_, err := svc.RequestLink(context.Background(), linkRequest("user-2", "123456789"))
	assert.ErrorIs(t, err, domain.ErrAlreadyLinked)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRequestLinkCooldown(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestLinkService(repo, &recordingPublisher{})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := svc.RequestLink(ctx, linkRequest("user-1", "123456789"))
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = svc.RequestLink(ctx, linkRequest("user-1", "123456789"))
	assert.ErrorIs(t, err, domain.ErrLinkCooldown)

	now = now.Add(time.Minute)
	second, err := svc.RequestLink(ctx, linkRequest("user-1", "123456789"))
	require.NoError(t, err)
	assert.Equal(t, first.AccountID, second.AccountID, "a retry refreshes the pending record")
}

func TestRequestLinkValidation(t *testing.T) {
	svc := newTestLinkService(newMemoryRepo(), &recordingPublisher{})
	tests := []struct {
		name   string
		mutate func(*domain.LinkRequest)
	}{
		{name: "letters in account number", mutate: func(r *domain.LinkRequest) { r.AccountNumber = "ACC123456789" }},
		{name: "short account number", mutate: func(r *domain.LinkRequest) { r.AccountNumber = "1234" }},
		{name: "missing holder", mutate: func(r *domain.LinkRequest) { r.HolderName = "  " }},
		{name: "missing customer", mutate: func(r *domain.LinkRequest) { r.CustomerID = "" }},
		{name: "bad routing code", mutate: func(r *domain.LinkRequest) { r.RoutingCode = "HDFC1234" }},
		{name: "bad pin", mutate: func(r *domain.LinkRequest) { r.PIN = "12ab" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := linkRequest("user-1", "123456789")
			tt.mutate(&req)
			_, err := svc.RequestLink(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestConfirmLinkIntegrityMismatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestLinkService(repo, &recordingPublisher{})
	ctx := context.Background()

	redirect, err := svc.RequestLink(ctx, linkRequest("user-1", "123456789"))
	require.NoError(t, err)

	_, err = svc.ConfirmLink(ctx, domain.LinkConfirmation{
		AccountID:     redirect.AccountID,
		AccountNumber: "999999999",
		CustomerID:    "CUST-1",
		AccountToken:  "tok",
	})
	assert.ErrorIs(t, err, domain.ErrIntegrityMismatch)

	account, _ := repo.FindAccountByID(ctx, redirect.AccountID)
	assert.Equal(t, domain.AccountPending, account.Status)
	assert.Nil(t, account.AccountToken)
}

func TestUnlinkThenRelinkReusesAlias(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestLinkService(repo, &recordingPublisher{})
	ctx := context.Background()
	account, alias := seedVerifiedAccount(t, repo, "user-1", "123456789", "tok")

	require.NoError(t, svc.Unlink(ctx, "user-1", account.ID))
	unlinked, _ := repo.FindAccountByID(ctx, account.ID)
	assert.Equal(t, domain.AccountUnlinked, unlinked.Status)
	assert.Nil(t, unlinked.AccountToken)
	assert.False(t, unlinked.CanTransfer())

	assert.ErrorIs(t, svc.Unlink(ctx, "user-1", account.ID), domain.ErrInvalidState)

	relinked, err := svc.ConfirmLink(ctx, domain.LinkConfirmation{
		AccountID:     account.ID,
		AccountNumber: account.AccountNumber,
		CustomerID:    account.CustomerID,
		AccountToken:  "tok-2",
	})
	require.NoError(t, err)
	assert.Equal(t, alias.ID, relinked.ID)
}

func TestAccountOwnershipIsHidden(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestLinkService(repo, &recordingPublisher{})
	account, _ := seedVerifiedAccount(t, repo, "user-1", "123456789", "tok")

	err := svc.Unlink(context.Background(), "intruder", account.ID)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	err = svc.Delete(context.Background(), "intruder", uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteRemovesAliases(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestLinkService(repo, &recordingPublisher{})
	account, alias := seedVerifiedAccount(t, repo, "user-1", "123456789", "tok")

	require.NoError(t, svc.Delete(context.Background(), "user-1", account.ID))
	_, err := repo.FindAliasByID(context.Background(), alias.ID)
	assert.ErrorIs(t, err, domain.ErrAliasNotFound)
}

func TestRenameAlias(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestLinkService(repo, &recordingPublisher{})
	_, alias := seedVerifiedAccount(t, repo, "user-1", "123456789", "tok")

	renamed, err := svc.RenameAlias(context.Background(), "user-1", alias.ID, "  Corner Shop ")
	require.NoError(t, err)
	assert.Equal(t, "Corner Shop", renamed.DisplayName)

	_, err = svc.RenameAlias(context.Background(), "user-1", alias.ID, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMerchantKeyLifecycle(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestLinkService(repo, &recordingPublisher{})
	ctx := context.Background()
	account, _ := seedVerifiedAccount(t, repo, "user-1", "123456789", "tok")

	_, err := svc.CreateMerchantKey(ctx, "user-1", account.ID, "pos")
	assert.ErrorIs(t, err, domain.ErrNotMerchant)

	enabled, err := svc.EnableMerchant(ctx, "user-1", account.ID)
	require.NoError(t, err)
	assert.True(t, enabled.IsMerchant)

	key, err := svc.CreateMerchantKey(ctx, "user-1", account.ID, "pos")
	require.NoError(t, err)
	assert.Regexp(t, `^pk_[0-9a-f]{32}$`, key.Key)
	assert.Regexp(t, `^sk_[0-9a-f]{64}$`, key.Secret)

	stored, _ := repo.FindAccountByID(ctx, account.ID)
	require.Len(t, stored.MerchantKeys, 1)
	assert.Equal(t, "pos", stored.View().MerchantKeys[0].Name)

	require.NoError(t, svc.RevokeMerchantKey(ctx, "user-1", account.ID, key.Key))
	assert.ErrorIs(t, svc.RevokeMerchantKey(ctx, "user-1", account.ID, key.Key), domain.ErrMerchantKeyMissing)
}

func TestRelinkByNewOwnerDropsPreviousAlias(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestLinkService(repo, &recordingPublisher{})
	ctx := context.Background()
	account, oldAlias := seedVerifiedAccount(t, repo, "user-1", "123456789", "tok")
	require.NoError(t, svc.Unlink(ctx, "user-1", account.ID))

	later := time.Now().Add(time.Hour)
	repo.now = func() time.Time { return later }
	svc.now = func() time.Time { return later }

	redirect, err := svc.RequestLink(ctx, linkRequest("user-2", "123456789"))
	require.NoError(t, err)
	assert.Equal(t, account.ID, redirect.AccountID)

	newAlias, err := svc.ConfirmLink(ctx, domain.LinkConfirmation{
		AccountID:     account.ID,
		AccountNumber: "123456789",
		CustomerID:    "CUST-1",
		AccountToken:  "tok-2",
	})
	require.NoError(t, err)
	assert.NotEqual(t, oldAlias.ID, newAlias.ID)
	assert.Equal(t, "user-2", newAlias.OwnerUserID)

	_, err = repo.FindAliasByID(ctx, oldAlias.ID)
	assert.ErrorIs(t, err, domain.ErrAliasNotFound)
	previous, err := svc.ListAliases(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, previous)
}
