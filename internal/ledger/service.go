package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/money"
)

// Config holds the fee constants and retry policy of the ledger.
type Config struct {
	KYCFee          decimal.Decimal
	KYCReferralCut  decimal.Decimal
	ReactivationFee decimal.Decimal
	// MaxRetries is the number of attempts made when a posting hits a concurrency conflict.
	MaxRetries int
	// Location defines calendar months and ISO weeks for revenue windows and date filters.
	Location *time.Location
}

// Publisher receives transactions after their database transaction has committed.
type Publisher interface {
	PublishTransactions(ctx context.Context, txns []*models.Transaction) error
}

// TxFunc runs inside a posting's database transaction after its entries are written
// and receives the new transactions in entry order. Returning an error rolls the
// whole posting back.
type TxFunc func(ctx context.Context, tx pgx.Tx, txns []*models.Transaction) error

// Entry is one balance mutation inside a Posting.
type Entry struct {
	AccountID      uuid.UUID
	Direction      models.Direction
	Category       models.Category
	Amount         decimal.Decimal
	Description    string
	Reference      string
	CounterpartyID *uuid.UUID
	ReferrerCut    *decimal.Decimal
	ActorID        *uuid.UUID
	TaskID         *uuid.UUID
}

// Posting is a set of entries applied all-or-nothing. When Balanced is set, total
// credits must equal total debits across the entries.
type Posting struct {
	Entries  []Entry
	Balanced bool
	After    TxFunc
}

// Service is the single authority for balances. Every mutation locks the affected
// account rows, appends one Transaction per entry and updates the balances in one
// database transaction.
type Service struct {
	db        TxBeginner
	accounts  AccountStore
	txns      TransactionStore
	publisher Publisher
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

// WithPublisher sets the sink for committed transactions.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the time source used for revenue windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db TxBeginner, accounts AccountStore, txns TransactionStore, cfg Config, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Service{db: db, accounts: accounts, txns: txns, cfg: cfg, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the fee constants in effect.
func (s *Service) Config() Config { return s.cfg }

type CreditRequest struct {
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	Category    models.Category
	Description string
	Reference   string
	TaskID      *uuid.UUID
	After       TxFunc
}

// Credit increments the account balance and appends a credit Transaction.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*models.Transaction, error) {
	txns, err := s.Post(ctx, Posting{
		Entries: []Entry{{
			AccountID:   req.AccountID,
			Direction:   models.Credit,
			Category:    req.Category,
			Amount:      req.Amount,
			Description: req.Description,
			Reference:   req.Reference,
			TaskID:      req.TaskID,
		}},
		After: req.After,
	})
	if err != nil {
		return nil, err
	}
	return txns[0], nil
}

type DebitRequest struct {
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	Category    models.Category
	Description string
	Reference   string
	TaskID      *uuid.UUID
	ActorID     *uuid.UUID
	// DeferredAllowed turns InsufficientFunds into a Deferred result.
	DeferredAllowed bool
	After           TxFunc
}

// DebitResult carries the created Transaction, or Deferred when funds were short and
// the caller allowed deferral. A deferred debit writes nothing.
type DebitResult struct {
	Transaction *models.Transaction
	Deferred    bool
}

// Debit decrements the account balance and appends a debit Transaction.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	txns, err := s.Post(ctx, Posting{
		Entries: []Entry{{
			AccountID:   req.AccountID,
			Direction:   models.Debit,
			Category:    req.Category,
			Amount:      req.Amount,
			Description: req.Description,
			Reference:   req.Reference,
			TaskID:      req.TaskID,
			ActorID:     req.ActorID,
		}},
		After: req.After,
	})
	if err != nil {
		if req.DeferredAllowed && errors.Is(err, ErrInsufficientFunds) {
			s.log.Info("ledger debit deferred",
				"account_id", req.AccountID, "category", req.Category, "amount", money.Format(req.Amount))
			return &DebitResult{Deferred: true}, nil
		}
		return nil, err
	}
	return &DebitResult{Transaction: txns[0]}, nil
}

// KYCSplitResult holds the transactions of one KYC fee payment. ReferrerTxn is nil
// when the payer has no referrer.
type KYCSplitResult struct {
	PayerTxn    *models.Transaction
	PlatformTxn *models.Transaction
	ReferrerTxn *models.Transaction
	Split       KYCSplit
}

// ApplyKycFeeSplit debits the payer the KYC fee and credits the referrer cut and the
// platform remainder in one transaction. The fee is never deferred.
func (s *Service) ApplyKycFeeSplit(ctx context.Context, payerID uuid.UUID, referrerID *uuid.UUID, after TxFunc) (*KYCSplitResult, error) {
	if referrerID != nil && (*referrerID == payerID || *referrerID == models.PlatformAccountID) {
		return nil, fmt.Errorf("%w: invalid referrer %s", ErrValidation, *referrerID)
	}
	split := ComputeKYCSplit(s.cfg.KYCFee, s.cfg.KYCReferralCut, referrerID != nil)
	if !split.PlatformCut.IsPositive() {
		return nil, fmt.Errorf("%w: kyc referral cut must be below the fee", ErrValidation)
	}
	ref := "KYC-" + strings.ToUpper(payerID.String()[:8])
	payer := Entry{
		AccountID:   payerID,
		Direction:   models.Debit,
		Category:    models.CategoryKYCPayment,
		Amount:      split.Fee,
		Description: "KYC verification fee",
		Reference:   ref,
	}
	platform := Entry{
		AccountID:      models.PlatformAccountID,
		Direction:      models.Credit,
		Category:       models.CategoryKYCPayment,
		Amount:         split.PlatformCut,
		Description:    "KYC fee (platform share)",
		Reference:      ref,
		CounterpartyID: &payerID,
	}
	entries := []Entry{payer, platform}
	if referrerID != nil {
		cut := split.ReferrerCut
		entries[0].CounterpartyID = referrerID
		entries[0].ReferrerCut = &cut
		entries[1].ReferrerCut = &cut
		entries = append(entries, Entry{
			AccountID:      *referrerID,
			Direction:      models.Credit,
			Category:       models.CategoryKYCPayment,
			Amount:         cut,
			Description:    "Referral commission for KYC verification",
			Reference:      ref,
			CounterpartyID: &payerID,
			ReferrerCut:    &cut,
		})
	}
	txns, err := s.Post(ctx, Posting{Entries: entries, Balanced: true, After: after})
	if err != nil {
		return nil, err
	}
	res := &KYCSplitResult{PayerTxn: txns[0], PlatformTxn: txns[1], Split: split}
	if len(txns) == 3 {
		res.ReferrerTxn = txns[2]
	}
	return res, nil
}

type AdjustRequest struct {
	AccountID uuid.UUID
	Direction models.Direction
	Amount    decimal.Decimal
	Note      string
	Reference string
	ActorID   uuid.UUID
}

// AdjustBalance applies an admin correction. The note and actor are checked before
// anything is written; debits still respect the non-negative balance.
func (s *Service) AdjustBalance(ctx context.Context, req AdjustRequest) (*models.Transaction, error) {
	note := strings.TrimSpace(req.Note)
	if note == "" {
		return nil, fmt.Errorf("%w: note is required", ErrValidation)
	}
	if req.ActorID == uuid.Nil {
		return nil, fmt.Errorf("%w: acting admin is required", ErrValidation)
	}
	if !req.Direction.Valid() {
		return nil, fmt.Errorf("%w: type must be credit or debit", ErrValidation)
	}
	if err := s.RequireAdmin(ctx, req.ActorID); err != nil {
		return nil, err
	}
	actor := req.ActorID
	txns, err := s.Post(ctx, Posting{Entries: []Entry{{
		AccountID:   req.AccountID,
		Direction:   req.Direction,
		Category:    models.CategoryAdminAdjustment,
		Amount:      req.Amount,
		Description: "Admin adjustment: " + note,
		Reference:   req.Reference,
		ActorID:     &actor,
	}}})
	if err != nil {
		return nil, err
	}
	return txns[0], nil
}

// Post applies p atomically and returns its transactions in entry order.
// Concurrency conflicts are retried up to Config.MaxRetries attempts.
func (s *Service) Post(ctx context.Context, p Posting) ([]*models.Transaction, error) {
	if len(p.Entries) == 0 {
		return nil, fmt.Errorf("%w: empty posting", ErrValidation)
	}
	for _, e := range p.Entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
	}
	if p.Balanced {
		if err := checkBalanced(p.Entries); err != nil {
			return nil, err
		}
	}
	var out []*models.Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		txns, err := s.applyEntries(ctx, tx, p.Entries)
		if err != nil {
			return err
		}
		if p.After != nil {
			if err := p.After(ctx, tx, txns); err != nil {
				return err
			}
		}
		out = txns
		return nil
	})
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrAccountSuspended) ||
			errors.Is(err, ErrValidation) || errors.Is(err, models.ErrStateConflict) {
			level = slog.LevelWarn
		}
		s.log.Log(ctx, level, "ledger posting failed", "entries", len(p.Entries), "category", p.Entries[0].Category, "error", err)
		return nil, err
	}
	s.committed(ctx, out)
	return out, nil
}

func validateEntry(e Entry) error {
	if err := money.ValidatePositive(e.Amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !e.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrValidation, e.Direction)
	}
	if !e.Category.Valid() {
		return fmt.Errorf("%w: category %q", ErrValidation, e.Category)
	}
	if e.AccountID == uuid.Nil {
		return fmt.Errorf("%w: missing account", ErrValidation)
	}
	if strings.TrimSpace(e.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrValidation)
	}
	return nil
}

func checkBalanced(entries []Entry) error {
	sum := decimal.Zero
	for _, e := range entries {
		if e.Direction == models.Credit {
			sum = sum.Add(e.Amount)
		} else {
			sum = sum.Sub(e.Amount)
		}
	}
	if !sum.IsZero() {
		return fmt.Errorf("%w: posting nets to %s", ErrInvariantViolation, money.Format(sum))
	}
	return nil
}

// applyEntries locks every touched account in UUID order, applies the entries in
// order, then persists balances and transactions.
func (s *Service) applyEntries(ctx context.Context, tx pgx.Tx, entries []Entry) ([]*models.Transaction, error) {
	ids := make([]uuid.UUID, 0, len(entries))
	seen := make(map[uuid.UUID]bool, len(entries))
	for _, e := range entries {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			ids = append(ids, e.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	locked := make(map[uuid.UUID]*models.Account, len(ids))
	for _, id := range ids {
		acc, err := s.accounts.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
			}
			return nil, err
		}
		if acc.IsClosed() {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		locked[id] = acc
	}

	out := make([]*models.Transaction, 0, len(entries))
	for _, e := range entries {
		acc := locked[e.AccountID]
		switch e.Direction {
		case models.Credit:
			acc.Balance = acc.Balance.Add(e.Amount)
			acc.TotalCredits = acc.TotalCredits.Add(e.Amount)
		case models.Debit:
			if acc.Suspended && !debitAllowedWhileSuspended(e.Category) {
				return nil, fmt.Errorf("%w: %s", ErrAccountSuspended, acc.ID)
			}
			if acc.Balance.LessThan(e.Amount) {
				return nil, fmt.Errorf("%w: account %s has %s, needs %s",
					ErrInsufficientFunds, acc.ID, money.Format(acc.Balance), money.Format(e.Amount))
			}
			acc.Balance = acc.Balance.Sub(e.Amount)
			acc.TotalDebits = acc.TotalDebits.Add(e.Amount)
		}
		if money.ValidateMax(acc.Balance) != nil || money.ValidateMax(acc.TotalCredits) != nil || money.ValidateMax(acc.TotalDebits) != nil {
			return nil, fmt.Errorf("%w: account %s would exceed %s", ErrInvalidAmount, acc.ID, money.Format(money.MaxAmount))
		}
		if !acc.Reconciled() {
			return nil, fmt.Errorf("%w: account %s balance %s != credits %s - debits %s", ErrInvariantViolation,
				acc.ID, money.Format(acc.Balance), money.Format(acc.TotalCredits), money.Format(acc.TotalDebits))
		}
		t, err := models.NewTransaction(models.TransactionParams{
			AccountID:      e.AccountID,
			Direction:      e.Direction,
			Category:       e.Category,
			Amount:         e.Amount,
			Description:    e.Description,
			Reference:      e.Reference,
			BalanceAfter:   acc.Balance,
			CounterpartyID: e.CounterpartyID,
			ReferrerCut:    e.ReferrerCut,
			ActorID:        e.ActorID,
			TaskID:         e.TaskID,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		out = append(out, t)
	}

	for _, id := range ids {
		if err := s.accounts.UpdateBalance(ctx, tx, locked[id]); err != nil {
			return nil, err
		}
	}
	for _, t := range out {
		if err := s.txns.CreateTx(ctx, tx, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Suspended accounts can still pay their reactivation fee and take admin corrections.
func debitAllowedWhileSuspended(c models.Category) bool {
	return c == models.CategoryAccountReactivation || c == models.CategoryAdminAdjustment
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		s.log.Warn("ledger concurrency conflict", "attempt", attempt, "max_attempts", s.cfg.MaxRetries, "error", err)
	}
	return err
}

func (s *Service) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

func (s *Service) committed(ctx context.Context, txns []*models.Transaction) {
	for _, t := range txns {
		s.log.Info("ledger transaction",
			"transaction_id", t.ID,
			"account_id", t.AccountID,
			"category", t.Category,
			"direction", t.Direction,
			"amount", money.Format(t.Amount),
			"balance_after", money.Format(t.BalanceAfter),
		)
	}
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTransactions(ctx, txns); err != nil {
		s.log.Error("publish ledger transactions", "count", len(txns), "error", err)
	}
}

// GetAccount returns a live account.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	acc, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		return nil, err
	}
	if acc.IsClosed() {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acc, nil
}

// RequireAdmin checks that id is an open admin account, so actor_id and
// reviewed_by references always resolve.
func (s *Service) RequireAdmin(ctx context.Context, id uuid.UUID) error {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return fmt.Errorf("%w: acting admin %s has no account", ErrValidation, id)
		}
		return err
	}
	if acc.Role != models.RoleAdmin {
		return fmt.Errorf("%w: account %s is not an admin", ErrValidation, id)
	}
	return nil
}

// CanCover reports whether the account balance is at least amount.
func (s *Service) CanCover(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (bool, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acc.Balance.GreaterThanOrEqual(amount), nil
}

// ListFilter narrows a transaction listing. From and To are calendar days, both inclusive.
type ListFilter struct {
	Search    string
	Category  models.Category
	Direction models.Direction
	From      *time.Time
	To        *time.Time
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is one page of an account's history, newest first.
type Page struct {
	Items      []*models.Transaction
	TotalCount int
	Page       int
	PageSize   int
}

// ListTransactions returns page (1-based) of the account's transactions matching f.
// TotalCount counts the filtered set.
func (s *Service) ListTransactions(ctx context.Context, accountID uuid.UUID, f ListFilter, page, pageSize int) (*Page, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, f.Category)
	}
	if f.Direction != "" && !f.Direction.Valid() {
		return nil, fmt.Errorf("%w: type must be credit or debit", ErrValidation)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	q := Filter{
		AccountID: accountID,
		Search:    strings.TrimSpace(f.Search),
		Category:  f.Category,
		Direction: f.Direction,
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
	}
	if f.From != nil {
		from := startOfDay(*f.From, s.cfg.Location)
		q.From = &from
	}
	if f.To != nil {
		to := startOfDay(*f.To, s.cfg.Location).AddDate(0, 0, 1)
		q.To = &to
	}
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return nil, fmt.Errorf("%w: from is after to", ErrValidation)
	}
	items, total, err := s.txns.List(ctx, q)
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, TotalCount: total, Page: page, PageSize: pageSize}, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// ComputeRevenueSummary aggregates platform credits in the period window. It has no
// side effects.
func (s *Service) ComputeRevenueSummary(ctx context.Context, period Period) (*RevenueSummary, error) {
	p, err := ParsePeriod(string(period))
	if err != nil {
		return nil, err
	}
	from, to := Window(p, s.now(), s.cfg.Location)
	sums, err := s.txns.SumCredits(ctx, models.PlatformAccountID, from, to)
	if err != nil {
		return nil, err
	}
	r := &RevenueSummary{
		Period:              p,
		From:                from,
		To:                  to,
		KYCRevenue:          sums[models.CategoryKYCPayment],
		ReactivationRevenue: sums[models.CategoryAccountReactivation],
		TaskPlatformFees:    sums[models.CategoryAdvertiserPayment],
	}
	r.TotalRevenue = r.KYCRevenue.Add(r.ReactivationRevenue).Add(r.TaskPlatformFees)
	return r, nil
}
