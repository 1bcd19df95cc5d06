package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/taskpay/backend/internal/models"
)

// fakeDB is an in-memory accounts + transactions store. Begin snapshots the state and
// Rollback of an uncommitted fakeTx restores it, so all-or-nothing behaviour is observable.
type fakeDB struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]*models.Account
	txns      []*models.Transaction
	begins    int
	commits   int
	conflicts int // UpdateBalance fails with ErrConcurrencyConflict while > 0
	clock     time.Time
}

func newFakeDB() *fakeDB {
	db := &fakeDB{
		accounts: make(map[uuid.UUID]*models.Account),
		clock:    time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC),
	}
	db.addAccount(models.PlatformAccountID, models.RolePlatform, "0")
	return db
}

func (db *fakeDB) addAccount(id uuid.UUID, role, balance string) *models.Account {
	b := decimal.RequireFromString(balance)
	a := &models.Account{
		ID:           id,
		Email:        id.String()[:8] + "@example.com",
		Role:         role,
		Balance:      b,
		TotalCredits: b,
		TotalDebits:  decimal.Zero,
		KYCStatus:    models.KYCNone,
	}
	db.accounts[id] = a
	return a
}

func (db *fakeDB) account(id uuid.UUID) models.Account {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.accounts[id]
}

func (db *fakeDB) txnsFor(id uuid.UUID) []*models.Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.Transaction
	for _, t := range db.txns {
		if t.AccountID == id {
			out = append(out, t)
		}
	}
	return out
}

type snapshot struct {
	accounts map[uuid.UUID]models.Account
	txns     int
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.begins++
	snap := snapshot{accounts: make(map[uuid.UUID]models.Account, len(db.accounts)), txns: len(db.txns)}
	for id, a := range db.accounts {
		snap.accounts[id] = *a
	}
	return &fakeTx{db: db, snap: snap}, nil
}

// fakeTx satisfies pgx.Tx; only Commit and Rollback are called by the ledger.
type fakeTx struct {
	pgx.Tx
	db     *fakeDB
	snap   snapshot
	closed bool
}

func (t *fakeTx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.db.mu.Lock()
	t.db.commits++
	t.db.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for id, a := range t.snap.accounts {
		a := a
		t.db.accounts[id] = &a
	}
	t.db.txns = t.db.txns[:t.snap.txns]
	return nil
}

func (db *fakeDB) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (db *fakeDB) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return db.GetByID(ctx, id)
}

func (db *fakeDB) UpdateBalance(_ context.Context, _ pgx.Tx, a *models.Account) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conflicts > 0 {
		db.conflicts--
		return ErrConcurrencyConflict
	}
	cur, ok := db.accounts[a.ID]
	if !ok || cur.Version != a.Version {
		return ErrConcurrencyConflict
	}
	cp := *a
	cp.Version++
	db.accounts[a.ID] = &cp
	return nil
}

func (db *fakeDB) CreateTx(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.clock = db.clock.Add(time.Second)
	t.CreatedAt = db.clock
	db.txns = append(db.txns, t)
	return nil
}

func (db *fakeDB) List(_ context.Context, f Filter) ([]*models.Transaction, int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var matched []*models.Transaction
	for _, t := range db.txns {
		if t.AccountID != f.AccountID {
			continue
		}
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		if f.Direction != "" && t.Direction != f.Direction {
			continue
		}
		if f.From != nil && t.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !t.CreatedAt.Before(*f.To) {
			continue
		}
		if f.Search != "" {
			q := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(t.Description), q) && !strings.Contains(strings.ToLower(t.Reference), q) {
				continue
			}
		}
		matched = append(matched, t)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if f.Offset >= total {
		return []*models.Transaction{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

func (db *fakeDB) SumCredits(_ context.Context, accountID uuid.UUID, from, to *time.Time) (map[models.Category]decimal.Decimal, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[models.Category]decimal.Decimal)
	for _, t := range db.txns {
		if t.AccountID != accountID || t.Direction != models.Credit {
			continue
		}
		if from != nil && t.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && !t.CreatedAt.Before(*to) {
			continue
		}
		out[t.Category] = out[t.Category].Add(t.Amount)
	}
	return out, nil
}

type recordingPublisher struct {
	batches [][]*models.Transaction
}

func (p *recordingPublisher) PublishTransactions(_ context.Context, txns []*models.Transaction) error {
	p.batches = append(p.batches, txns)
	return nil
}
