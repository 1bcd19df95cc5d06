// Package ledgertest provides an in-memory ledger store for tests of packages built
// on ledger.Service.
package ledgertest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/models"
)

// Store implements ledger.TxBeginner, ledger.AccountStore and ledger.TransactionStore.
// Rolling back an uncommitted Tx restores accounts and transactions and runs any
// undo funcs registered with OnRollback.
type Store struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
	txns     []*models.Transaction
	clock    time.Time

	Begins  int
	Commits int
}

var (
	_ ledger.TxBeginner       = (*Store)(nil)
	_ ledger.AccountStore     = (*Store)(nil)
	_ ledger.TransactionStore = (*Store)(nil)
)

// New returns a store holding only the platform account.
func New() *Store {
	s := &Store{
		accounts: make(map[uuid.UUID]*models.Account),
		clock:    time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC),
	}
	s.AddAccount(models.PlatformAccountID, models.RolePlatform, "0")
	return s
}

// AddAccount seeds an account whose opening balance is recorded as lifetime credits.
func (s *Store) AddAccount(id uuid.UUID, role, balance string) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := decimal.RequireFromString(balance)
	a := &models.Account{
		ID:           id,
		Email:        id.String()[:8] + "@example.com",
		Role:         role,
		Balance:      b,
		TotalCredits: b,
		KYCStatus:    models.KYCNone,
		CreatedAt:    s.clock,
		UpdatedAt:    s.clock,
	}
	s.accounts[id] = a
	return a
}

// Put replaces the stored account.
func (s *Store) Put(a *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

// Account returns a copy of the stored account.
func (s *Store) Account(id uuid.UUID) models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

// Balance is a shortcut for Account(id).Balance.
func (s *Store) Balance(id uuid.UUID) decimal.Decimal {
	return s.Account(id).Balance
}

// Transactions returns the transactions of id in creation order.
func (s *Store) Transactions(id uuid.UUID) []*models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Transaction
	for _, t := range s.txns {
		if t.AccountID == id {
			out = append(out, t)
		}
	}
	return out
}

// TransactionCount is the number of transactions across all accounts.
func (s *Store) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txns)
}

// Tx is the pgx.Tx handed out by Begin; only Commit and Rollback are implemented.
type Tx struct {
	pgx.Tx
	store  *Store
	snap   map[uuid.UUID]models.Account
	nTxns  int
	undo   []func()
	closed bool
}

// OnRollback registers fn to run if tx rolls back before committing. Fakes of other
// stores written inside a ledger posting use it to stay all-or-nothing.
func OnRollback(tx pgx.Tx, fn func()) {
	if t, ok := tx.(*Tx); ok {
		t.undo = append(t.undo, fn)
	}
}

func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Begins++
	snap := make(map[uuid.UUID]models.Account, len(s.accounts))
	for id, a := range s.accounts {
		snap[id] = *a
	}
	return &Tx{store: s, snap: snap, nTxns: len(s.txns)}, nil
}

func (t *Tx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.store.mu.Lock()
	t.store.Commits++
	t.store.mu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.store.mu.Lock()
	for id, a := range t.snap {
		a := a
		t.store.accounts[id] = &a
	}
	t.store.txns = t.store.txns[:t.nTxns]
	t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	return nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return s.GetByID(ctx, id)
}

func (s *Store) UpdateBalance(_ context.Context, _ pgx.Tx, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[a.ID]
	if !ok || cur.Version != a.Version {
		return ledger.ErrConcurrencyConflict
	}
	a.Version++
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *Store) CreateTx(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Second)
	t.CreatedAt = s.clock
	if a, ok := s.accounts[t.AccountID]; ok {
		t.AccountEmail = a.Email
	}
	if t.ActorID != nil {
		if a, ok := s.accounts[*t.ActorID]; ok {
			t.ActorEmail = a.Email
		}
	}
	s.txns = append(s.txns, t)
	return nil
}

func (s *Store) List(_ context.Context, f ledger.Filter) ([]*models.Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.Transaction
	q := strings.ToLower(f.Search)
	for _, t := range s.txns {
		switch {
		case t.AccountID != f.AccountID,
			f.Category != "" && t.Category != f.Category,
			f.Direction != "" && t.Direction != f.Direction,
			f.From != nil && t.CreatedAt.Before(*f.From),
			f.To != nil && !t.CreatedAt.Before(*f.To):
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(t.Description), q) && !strings.Contains(strings.ToLower(t.Reference), q) {
			continue
		}
		matched = append(matched, t)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if f.Offset >= total {
		return []*models.Transaction{}, total, nil
	}
	end := min(f.Offset+f.Limit, total)
	return matched[f.Offset:end], total, nil
}

func (s *Store) SumCredits(_ context.Context, accountID uuid.UUID, from, to *time.Time) (map[models.Category]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.Category]decimal.Decimal)
	for _, t := range s.txns {
		if t.AccountID != accountID || t.Direction != models.Credit {
			continue
		}
		if (from != nil && t.CreatedAt.Before(*from)) || (to != nil && !t.CreatedAt.Before(*to)) {
			continue
		}
		out[t.Category] = out[t.Category].Add(t.Amount)
	}
	return out, nil
}
