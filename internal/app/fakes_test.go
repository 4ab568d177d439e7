package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/gateway-service/internal/domain"
	"github.com/transfa/gateway-service/internal/store"
	"github.com/transfa/gateway-service/internal/trust"
)

const (
	testServiceSecret = "test-service-secret"
	testPoolToken     = "pool-token"
	testPIN           = "1234"
)

// memoryRepo is an in-memory store.Repository with the same status rules as the Postgres one.
type memoryRepo struct {
	mu        sync.Mutex
	now       func() time.Time
	accounts  map[uuid.UUID]*domain.Account
	aliases   map[uuid.UUID]*domain.ReceiverServiceAccount
	transfers map[uuid.UUID]*domain.Transfer
	intents   map[uuid.UUID]*domain.MerchantTransaction

	failUpdateTo map[domain.TransferStatus]error
	// failUpdateTimes limits a failUpdateTo entry to that many attempts; absent means always.
	failUpdateTimes map[domain.TransferStatus]int
	statusLog       []domain.TransferStatus
	completions     int
}

var _ store.Repository = (*memoryRepo)(nil)

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		now:             time.Now,
		accounts:        map[uuid.UUID]*domain.Account{},
		aliases:         map[uuid.UUID]*domain.ReceiverServiceAccount{},
		transfers:       map[uuid.UUID]*domain.Transfer{},
		intents:         map[uuid.UUID]*domain.MerchantTransaction{},
		failUpdateTo:    map[domain.TransferStatus]error{},
		failUpdateTimes: map[domain.TransferStatus]int{},
	}
}

func copyAccount(a *domain.Account) *domain.Account {
	c := *a
	c.MerchantKeys = append([]domain.MerchantKey(nil), a.MerchantKeys...)
	if a.AccountToken != nil {
		token := *a.AccountToken
		c.AccountToken = &token
	}
	return &c
}

func (r *memoryRepo) CreateAccount(ctx context.Context, a *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.accounts {
		if existing.AccountNumber == a.AccountNumber {
			return domain.ErrAlreadyLinked
		}
	}
	a.CreatedAt = r.now()
	a.UpdatedAt = a.CreatedAt
	r.accounts[a.ID] = copyAccount(a)
	return nil
}

func (r *memoryRepo) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (r *memoryRepo) FindAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.AccountNumber == number {
			return copyAccount(a), nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (r *memoryRepo) ListAccountsByOwner(ctx context.Context, owner string) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Account
	for _, a := range r.accounts {
		if a.OwnerUserID == owner {
			out = append(out, *copyAccount(a))
		}
	}
	return out, nil
}

func (r *memoryRepo) RefreshPendingLink(ctx context.Context, a *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.accounts[a.ID]
	if !ok || !stored.CanConfirm() {
		return domain.ErrInvalidState
	}
	a.UpdatedAt = r.now()
	r.accounts[a.ID] = copyAccount(a)
	return nil
}

func (r *memoryRepo) ConfirmAccountLink(ctx context.Context, id uuid.UUID, token string) (*domain.ReceiverServiceAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || !a.CanConfirm() {
		return nil, domain.ErrInvalidState
	}
	a.Status = domain.AccountVerified
	a.AccountToken = &token
	a.UpdatedAt = r.now()
	for aliasID, alias := range r.aliases {
		if alias.AccountNumber == a.AccountNumber && alias.OwnerUserID != a.OwnerUserID {
			delete(r.aliases, aliasID)
		}
	}
	for _, alias := range r.aliases {
		if alias.OwnerUserID == a.OwnerUserID && alias.AccountNumber == a.AccountNumber {
			c := *alias
			return &c, nil
		}
	}
	alias := &domain.ReceiverServiceAccount{
		ID:            uuid.New(),
		OwnerUserID:   a.OwnerUserID,
		AccountNumber: a.AccountNumber,
		DisplayName:   domain.DefaultAliasName,
		CreatedAt:     r.now(),
		UpdatedAt:     r.now(),
	}
	r.aliases[alias.ID] = alias
	c := *alias
	return &c, nil
}

func (r *memoryRepo) UnlinkAccount(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.Status != domain.AccountVerified {
		return domain.ErrInvalidState
	}
	a.Status = domain.AccountUnlinked
	a.AccountToken = nil
	a.UpdatedAt = r.now()
	return nil
}

func (r *memoryRepo) DeleteAccountWithAliases(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	for aliasID, alias := range r.aliases {
		if alias.AccountNumber == a.AccountNumber {
			delete(r.aliases, aliasID)
		}
	}
	delete(r.accounts, id)
	return nil
}

func (r *memoryRepo) EnableMerchant(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.IsMerchant = true
	return nil
}

func (r *memoryRepo) UpdateMerchantKeys(ctx context.Context, id uuid.UUID, keys []domain.MerchantKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.MerchantKeys = append([]domain.MerchantKey(nil), keys...)
	return nil
}

func (r *memoryRepo) FindAliasByID(ctx context.Context, id uuid.UUID) (*domain.ReceiverServiceAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alias, ok := r.aliases[id]
	if !ok {
		return nil, domain.ErrAliasNotFound
	}
	c := *alias
	return &c, nil
}

func (r *memoryRepo) ListAliasesByOwner(ctx context.Context, owner string) ([]domain.ReceiverServiceAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ReceiverServiceAccount
	for _, alias := range r.aliases {
		if alias.OwnerUserID == owner {
			out = append(out, *alias)
		}
	}
	return out, nil
}

func (r *memoryRepo) RenameAlias(ctx context.Context, owner string, id uuid.UUID, name string) (*domain.ReceiverServiceAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alias, ok := r.aliases[id]
	if !ok || alias.OwnerUserID != owner {
		return nil, domain.ErrAliasNotFound
	}
	alias.DisplayName = name
	c := *alias
	return &c, nil
}

func (r *memoryRepo) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.CreatedAt = r.now()
	t.UpdatedAt = t.CreatedAt
	c := *t
	r.transfers[t.ID] = &c
	r.statusLog = append(r.statusLog, t.Status)
	return nil
}

func (r *memoryRepo) UpdateTransferStatus(ctx context.Context, id uuid.UUID, from, to domain.TransferStatus, update store.TransferStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failUpdateTo[to]; err != nil {
		remaining, limited := r.failUpdateTimes[to]
		if !limited || remaining > 0 {
			if limited {
				r.failUpdateTimes[to] = remaining - 1
			}
			return err
		}
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	t, ok := r.transfers[id]
	if !ok || t.Status != from {
		return fmt.Errorf("%w: transfer %s is no longer %s", domain.ErrInvalidTransition, id, from)
	}
	t.Status = to
	t.UpdatedAt = r.now()
	t.RequiresManualRefund = t.RequiresManualRefund || update.RequiresManualRefund
	if update.FailureReason != "" {
		reason := update.FailureReason
		t.FailureReason = &reason
	}
	r.statusLog = append(r.statusLog, to)
	return nil
}

func (r *memoryRepo) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	c := *t
	return &c, nil
}

func (r *memoryRepo) ListTransfersByUser(ctx context.Context, userID string, limit int) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transfer
	for _, t := range r.transfers {
		if t.UserID == userID && len(out) < limit {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListStaleTransfers(ctx context.Context, statuses []domain.TransferStatus, before time.Time, limit int) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transfer
	for _, t := range r.transfers {
		if len(out) >= limit || !t.UpdatedAt.Before(before) {
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, *t)
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) CreateIntent(ctx context.Context, m *domain.MerchantTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.CreatedAt = r.now()
	m.UpdatedAt = m.CreatedAt
	c := *m
	r.intents[m.ID] = &c
	return nil
}

func (r *memoryRepo) FindIntentByID(ctx context.Context, id uuid.UUID) (*domain.MerchantTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.intents[id]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	c := *m
	return &c, nil
}

func (r *memoryRepo) CompleteIntent(ctx context.Context, id, transferID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.intents[id]
	if !ok {
		return false, domain.ErrIntentNotFound
	}
	if m.Status == domain.IntentCompleted {
		return false, nil
	}
	m.Status = domain.IntentCompleted
	m.SenderServiceID = &transferID
	r.completions++
	return true, nil
}

func (r *memoryRepo) transfer(t *testing.T, id uuid.UUID) domain.Transfer {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.transfers[id]
	if !ok {
		t.Fatalf("transfer %s not stored", id)
	}
	return *stored
}

// fakeBank is a bank that checks the service tokens it receives the way the real bank does.
type fakeBank struct {
	mu       sync.Mutex
	codec    *trust.Codec
	balances map[string]decimal.Decimal

	debitErr   error
	debitOK    bool
	creditErr  error
	creditOK   bool
	transfers  []trust.TransferPayload
	balanceErr error

	// lookup resolves a senderTxId to its amount, the way the bank confirms with the gateway.
	lookup func(senderTxID string) (decimal.Decimal, error)
}

func newFakeBank(codec *trust.Codec) *fakeBank {
	return &fakeBank{
		codec:    codec,
		balances: map[string]decimal.Decimal{},
		debitOK:  true,
		creditOK: true,
	}
}

func (b *fakeBank) GetBalance(ctx context.Context, token string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balanceErr != nil {
		return decimal.Zero, b.balanceErr
	}
	var payload trust.AccountPayload
	if err := b.codec.Verify(token, "gateway", trust.AudienceBank, time.Minute, &payload); err != nil {
		return decimal.Zero, err
	}
	return b.balances[payload.AccountToken], nil
}

func (b *fakeBank) Transfer(ctx context.Context, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var payload trust.TransferPayload
	if err := b.codec.Verify(token, "gateway", trust.AudienceBank, time.Minute, &payload); err != nil {
		return false, err
	}
	b.transfers = append(b.transfers, payload)
	ok, err := b.debitOK, b.debitErr
	sign := decimal.NewFromInt(-1)
	if payload.AccountToken == testPoolToken {
		ok, err = b.creditOK, b.creditErr
		sign = decimal.NewFromInt(1)
	}
	if err != nil || !ok || b.lookup == nil {
		return ok, err
	}
	amount, lookupErr := b.lookup(payload.SenderTxID)
	if lookupErr != nil {
		return false, lookupErr
	}
	b.balances[payload.AccountToken] = b.balances[payload.AccountToken].Add(amount.Mul(sign))
	return true, nil
}

func (b *fakeBank) balance(token string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[token]
}

func (b *fakeBank) creditCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.transfers {
		if p.AccountToken == testPoolToken {
			n++
		}
	}
	return n
}

type publishedEvent struct {
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{routingKey: routingKey, body: body})
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]interface{}
}

func (n *recordingNotifier) Publish(subscriberID string, payload any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.messages == nil {
		n.messages = map[string][]interface{}{}
	}
	n.messages[subscriberID] = append(n.messages[subscriberID], payload)
	return true
}

func (n *recordingNotifier) count(subscriberID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages[subscriberID])
}

// memoryGuard is an in-process IdempotencyGuard.
type memoryGuard struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (g *memoryGuard) Claim(ctx context.Context, scope, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.seen == nil {
		g.seen = map[string]bool{}
	}
	k := scope + "/" + key
	if g.seen[k] {
		return false, nil
	}
	g.seen[k] = true
	return true, nil
}

func (g *memoryGuard) Release(ctx context.Context, scope, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, scope+"/"+key)
	return nil
}

var errBankDown = errors.New("bank unavailable")

func testCodec() *trust.Codec {
	return trust.NewCodec(trust.NewHMACStrategy([]byte(testServiceSecret)), "gateway", 30*time.Second)
}

func testHasher() PINHasher {
	return BcryptHasher{Cost: 4}
}

// seedVerifiedAccount stores a Verified account with its alias and returns both.
func seedVerifiedAccount(t *testing.T, repo *memoryRepo, owner, number, token string) (*domain.Account, *domain.ReceiverServiceAccount) {
	t.Helper()
	hash, err := testHasher().Hash(testPIN)
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	account := &domain.Account{
		ID:            uuid.New(),
		OwnerUserID:   owner,
		AccountNumber: number,
		HolderName:    "Test Holder",
		CustomerID:    "CUST-" + owner,
		RoutingCode:   "HDFC0001234",
		PINHash:       hash,
		Status:        domain.AccountPending,
	}
	if err := repo.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	alias, err := repo.ConfirmAccountLink(context.Background(), account.ID, token)
	if err != nil {
		t.Fatalf("confirm account: %v", err)
	}
	stored, _ := repo.FindAccountByID(context.Background(), account.ID)
	return stored, alias
}
