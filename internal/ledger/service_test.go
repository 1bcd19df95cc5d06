package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/money"
)

func testConfig() Config {
	return Config{
		KYCFee:          money.MustParse("99"),
		KYCReferralCut:  money.MustParse("49"),
		ReactivationFee: money.MustParse("49"),
		MaxRetries:      3,
		Location:        time.UTC,
	}
}

func newTestService(db *fakeDB, opts ...Option) *Service {
	return NewService(db, db, db, testConfig(), nil, opts...)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

// assertReconciled checks balance == sum(credits) - sum(debits) and that the
// balanceAfter trail replays from zero in creation order.
func assertReconciled(t *testing.T, db *fakeDB, id uuid.UUID, opening string) {
	t.Helper()
	acc := db.account(id)
	require.True(t, acc.Reconciled(), "account %s not reconciled", id)
	running := dec(opening)
	for _, tx := range db.txnsFor(id) {
		running = running.Add(tx.Signed())
		assertAmount(t, running.String(), tx.BalanceAfter)
	}
	assertAmount(t, running.String(), acc.Balance)
}

func TestDebit_DeferredWhenTaskCostExceedsBalance(t *testing.T) {
	db := newFakeDB()
	adv := uuid.New()
	db.addAccount(adv, models.RoleAdvertiser, "1000.00")
	svc := newTestService(db)

	b, err := ComputeTaskBreakdown(dec("50"), 20, dec("20"))
	require.NoError(t, err)
	assertAmount(t, "60", b.AdvertiserCost)
	assertAmount(t, "1200", b.TotalCost)
	assertAmount(t, "200", b.PlatformFee)

	res, err := svc.Debit(context.Background(), DebitRequest{
		AccountID:       adv,
		Amount:          b.TotalCost,
		Category:        models.CategoryAdvertiserPayment,
		Description:     "Task payment",
		DeferredAllowed: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Nil(t, res.Transaction)
	assertAmount(t, "1000.00", db.account(adv).Balance)
	assert.Empty(t, db.txnsFor(adv))
}

func TestDebit_TaskCostCovered(t *testing.T) {
	db := newFakeDB()
	adv := uuid.New()
	db.addAccount(adv, models.RoleAdvertiser, "1500.00")
	svc := newTestService(db)

	res, err := svc.Debit(context.Background(), DebitRequest{
		AccountID:       adv,
		Amount:          dec("1200"),
		Category:        models.CategoryAdvertiserPayment,
		Description:     "Task payment",
		DeferredAllowed: true,
	})
	require.NoError(t, err)
	require.False(t, res.Deferred)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, models.Debit, res.Transaction.Direction)
	assert.Equal(t, models.CategoryAdvertiserPayment, res.Transaction.Category)
	assertAmount(t, "300.00", res.Transaction.BalanceAfter)
	assertAmount(t, "300.00", db.account(adv).Balance)
	assert.Len(t, db.txnsFor(adv), 1)
	assertReconciled(t, db, adv, "1500")
}

func TestDebit_InsufficientFundsBoundary(t *testing.T) {
	db := newFakeDB()
	acc := uuid.New()
	db.addAccount(acc, models.RoleUser, "25.50")
	svc := newTestService(db)

	_, err := svc.Debit(context.Background(), DebitRequest{
		AccountID:   acc,
		Amount:      dec("25.51"),
		Category:    models.CategoryUserPayout,
		Description: "Payout",
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assertAmount(t, "25.50", db.account(acc).Balance)
	assert.Empty(t, db.txnsFor(acc))

	// Exactly the balance is allowed and leaves zero.
	res, err := svc.Debit(context.Background(), DebitRequest{
		AccountID:   acc,
		Amount:      dec("25.50"),
		Category:    models.CategoryUserPayout,
		Description: "Payout",
	})
	require.NoError(t, err)
	assert.True(t, res.Transaction.BalanceAfter.IsZero())
}

func TestCredit_Validation(t *testing.T) {
	db := newFakeDB()
	acc := uuid.New()
	db.addAccount(acc, models.RoleUser, "0")
	svc := newTestService(db)
	ctx := context.Background()

	for _, amt := range []string{"0", "-1", "1.001"} {
		_, err := svc.Credit(ctx, CreditRequest{AccountID: acc, Amount: dec(amt), Category: models.CategoryWalletTopup, Description: "Top-up"})
		assert.ErrorIs(t, err, ErrInvalidAmount, amt)
	}
	_, err := svc.Credit(ctx, CreditRequest{AccountID: acc, Amount: dec("1"), Category: "bogus", Description: "Top-up"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Credit(ctx, CreditRequest{AccountID: uuid.New(), Amount: dec("1"), Category: models.CategoryWalletTopup, Description: "Top-up"})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	assert.Equal(t, 1, db.begins, "only the unknown account reaches the database")
	assert.Empty(t, db.txnsFor(acc))
}

func TestCredit_ClosedAccountIsNotFound(t *testing.T) {
	db := newFakeDB()
	acc := uuid.New()
	closed := time.Now()
	db.addAccount(acc, models.RoleUser, "10").ClosedAt = &closed
	svc := newTestService(db)

	_, err := svc.Credit(context.Background(), CreditRequest{AccountID: acc, Amount: dec("1"), Category: models.CategoryWalletTopup, Description: "Top-up"})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestApplyKycFeeSplit_NoReferrer(t *testing.T) {
	db := newFakeDB()
	payer := uuid.New()
	db.addAccount(payer, models.RoleUser, "150")
	svc := newTestService(db)

	res, err := svc.ApplyKycFeeSplit(context.Background(), payer, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, res.ReferrerTxn)
	assertAmount(t, "99", res.PayerTxn.Amount)
	assertAmount(t, "51", res.PayerTxn.BalanceAfter)
	assertAmount(t, "99", res.PlatformTxn.Amount)
	assert.Nil(t, res.PayerTxn.ReferrerCut)
	assert.Len(t, db.txns, 2)
	assertAmount(t, "51", db.account(payer).Balance)
	assertAmount(t, "99", db.account(models.PlatformAccountID).Balance)
	assertReconciled(t, db, payer, "150")
	assertReconciled(t, db, models.PlatformAccountID, "0")
}

func TestApplyKycFeeSplit_WithReferrer(t *testing.T) {
	db := newFakeDB()
	payer, referrer := uuid.New(), uuid.New()
	db.addAccount(payer, models.RoleUser, "150")
	db.addAccount(referrer, models.RoleUser, "0")
	svc := newTestService(db)

	res, err := svc.ApplyKycFeeSplit(context.Background(), payer, &referrer, nil)
	require.NoError(t, err)
	require.NotNil(t, res.ReferrerTxn)
	assert.Len(t, db.txns, 3)
	assertAmount(t, "99", res.PayerTxn.Amount)
	assertAmount(t, "49", res.ReferrerTxn.Amount)
	assertAmount(t, "50", res.PlatformTxn.Amount)
	assert.True(t, res.PayerTxn.Amount.Equal(res.PlatformTxn.Amount.Add(res.ReferrerTxn.Amount)))
	require.NotNil(t, res.PayerTxn.ReferrerCut)
	assertAmount(t, "49", *res.PayerTxn.ReferrerCut)
	assert.Equal(t, referrer, *res.PayerTxn.CounterpartyID)
	assertAmount(t, "49", db.account(referrer).Balance)
	assertAmount(t, "50", db.account(models.PlatformAccountID).Balance)
}

func TestApplyKycFeeSplit_RollsBackWhenReferrerMissing(t *testing.T) {
	db := newFakeDB()
	payer, ghost := uuid.New(), uuid.New()
	db.addAccount(payer, models.RoleUser, "150")
	svc := newTestService(db)

	_, err := svc.ApplyKycFeeSplit(context.Background(), payer, &ghost, nil)
	require.ErrorIs(t, err, ErrAccountNotFound)
	assertAmount(t, "150", db.account(payer).Balance)
	assert.Empty(t, db.txns)
	assert.Zero(t, db.commits)
}

func TestApplyKycFeeSplit_RollsBackWhenAfterFails(t *testing.T) {
	db := newFakeDB()
	payer, referrer := uuid.New(), uuid.New()
	db.addAccount(payer, models.RoleUser, "150")
	db.addAccount(referrer, models.RoleUser, "0")
	svc := newTestService(db)

	boom := errors.New("kyc status update failed")
	_, err := svc.ApplyKycFeeSplit(context.Background(), payer, &referrer, func(context.Context, pgx.Tx, []*models.Transaction) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assertAmount(t, "150", db.account(payer).Balance)
	assert.True(t, db.account(referrer).Balance.IsZero())
	assert.True(t, db.account(models.PlatformAccountID).Balance.IsZero())
	assert.Empty(t, db.txns)
}

func TestApplyKycFeeSplit_InsufficientFundsIsNeverDeferred(t *testing.T) {
	db := newFakeDB()
	payer := uuid.New()
	db.addAccount(payer, models.RoleUser, "98.99")
	svc := newTestService(db)

	_, err := svc.ApplyKycFeeSplit(context.Background(), payer, nil, nil)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assertAmount(t, "98.99", db.account(payer).Balance)
}

func TestApplyKycFeeSplit_SelfReferral(t *testing.T) {
	db := newFakeDB()
	payer := uuid.New()
	db.addAccount(payer, models.RoleUser, "150")
	svc := newTestService(db)

	_, err := svc.ApplyKycFeeSplit(context.Background(), payer, &payer, nil)
	require.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, db.begins)
}

func TestAdjustBalance(t *testing.T) {
	db := newFakeDB()
	user, admin := uuid.New(), uuid.New()
	db.addAccount(user, models.RoleUser, "10")
	db.addAccount(admin, models.RoleAdmin, "0")
	svc := newTestService(db)
	ctx := context.Background()

	txn, err := svc.AdjustBalance(ctx, AdjustRequest{
		AccountID: user, Direction: models.Credit, Amount: dec("100"), Note: "bonus", ActorID: admin,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryAdminAdjustment, txn.Category)
	assert.Equal(t, models.Credit, txn.Direction)
	assert.Equal(t, admin, *txn.ActorID)
	assert.Equal(t, "Admin adjustment: bonus", txn.Description)
	assertAmount(t, "110", db.account(user).Balance)
	assert.Len(t, db.txnsFor(user), 1)

	begins := db.begins
	_, err = svc.AdjustBalance(ctx, AdjustRequest{
		AccountID: user, Direction: models.Credit, Amount: dec("100"), Note: "  ", ActorID: admin,
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, begins, db.begins, "rejected before any database work")
	assertAmount(t, "110", db.account(user).Balance)

	_, err = svc.AdjustBalance(ctx, AdjustRequest{
		AccountID: user, Direction: models.Debit, Amount: dec("110.01"), Note: "chargeback", ActorID: admin,
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assertReconciled(t, db, user, "10")
}

func TestAdjustBalance_ActorMustBeAdmin(t *testing.T) {
	db := newFakeDB()
	user, closed := uuid.New(), uuid.New()
	db.addAccount(user, models.RoleUser, "10")
	now := time.Now()
	db.addAccount(closed, models.RoleAdmin, "0").ClosedAt = &now
	svc := newTestService(db)

	for name, actor := range map[string]uuid.UUID{"unknown": uuid.New(), "not an admin": user, "closed": closed} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.AdjustBalance(context.Background(), AdjustRequest{
				AccountID: user, Direction: models.Credit, Amount: dec("5"), Note: "bonus", ActorID: actor,
			})
			require.ErrorIs(t, err, ErrValidation)
		})
	}
	assertReconciled(t, db, user, "10")
	assert.Empty(t, db.txnsFor(user))
}

func TestCredit_BalanceCeiling(t *testing.T) {
	db := newFakeDB()
	acc := uuid.New()
	db.addAccount(acc, models.RoleUser, "999999999999.00")
	svc := newTestService(db)
	ctx := context.Background()

	for _, amt := range []string{"1", "1000000000000"} {
		_, err := svc.Credit(ctx, CreditRequest{AccountID: acc, Amount: dec(amt), Category: models.CategoryWalletTopup, Description: "Top-up"})
		require.ErrorIs(t, err, ErrInvalidAmount, amt)
	}
	txn, err := svc.Credit(ctx, CreditRequest{AccountID: acc, Amount: dec("0.99"), Category: models.CategoryWalletTopup, Description: "Top-up"})
	require.NoError(t, err)
	assertAmount(t, "999999999999.99", txn.BalanceAfter)
	assert.Len(t, db.txnsFor(acc), 1)
}

func TestPost_RetriesConcurrencyConflicts(t *testing.T) {
	db := newFakeDB()
	acc := uuid.New()
	db.addAccount(acc, models.RoleUser, "0")
	db.conflicts = 2
	svc := newTestService(db)

	txn, err := svc.Credit(context.Background(), CreditRequest{AccountID: acc, Amount: dec("5"), Category: models.CategoryWalletTopup, Description: "Top-up"})
	require.NoError(t, err)
	assertAmount(t, "5", txn.BalanceAfter)
	assert.Equal(t, 3, db.begins)
	assert.Len(t, db.txnsFor(acc), 1)

	db.conflicts = 3
	_, err = svc.Credit(context.Background(), CreditRequest{AccountID: acc, Amount: dec("5"), Category: models.CategoryWalletTopup, Description: "Top-up"})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	assertAmount(t, "5", db.account(acc).Balance)
	assert.Len(t, db.txnsFor(acc), 1)
}

func TestPost_BalancedPostingMustNetToZero(t *testing.T) {
	db := newFakeDB()
	a := uuid.New()
	db.addAccount(a, models.RoleUser, "100")
	svc := newTestService(db)

	_, err := svc.Post(context.Background(), Posting{Balanced: true, Entries: []Entry{
		{AccountID: a, Direction: models.Debit, Category: models.CategoryAccountReactivation, Amount: dec("49"), Description: "x"},
		{AccountID: models.PlatformAccountID, Direction: models.Credit, Category: models.CategoryAccountReactivation, Amount: dec("48"), Description: "x"},
	}})
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Zero(t, db.begins)
}

func TestPost_SuspendedAccounts(t *testing.T) {
	db := newFakeDB()
	a := uuid.New()
	db.addAccount(a, models.RoleUser, "100").Suspended = true
	svc := newTestService(db)
	ctx := context.Background()

	_, err := svc.Debit(ctx, DebitRequest{AccountID: a, Amount: dec("10"), Category: models.CategoryUserPayout, Description: "Payout"})
	require.ErrorIs(t, err, ErrAccountSuspended)

	_, err = svc.Post(ctx, Posting{Balanced: true, Entries: []Entry{
		{AccountID: a, Direction: models.Debit, Category: models.CategoryAccountReactivation, Amount: dec("49"), Description: "Reactivation"},
		{AccountID: models.PlatformAccountID, Direction: models.Credit, Category: models.CategoryAccountReactivation, Amount: dec("49"), Description: "Reactivation"},
	}})
	require.NoError(t, err)
	assertAmount(t, "51", db.account(a).Balance)
}

func TestPost_PublishesOnlyCommitted(t *testing.T) {
	db := newFakeDB()
	a := uuid.New()
	db.addAccount(a, models.RoleUser, "1")
	pub := &recordingPublisher{}
	svc := newTestService(db, WithPublisher(pub))
	ctx := context.Background()

	_, err := svc.Credit(ctx, CreditRequest{AccountID: a, Amount: dec("2"), Category: models.CategoryWalletTopup, Description: "Top-up"})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, DebitRequest{AccountID: a, Amount: dec("20"), Category: models.CategoryUserPayout, Description: "Payout"})
	require.Error(t, err)

	require.Len(t, pub.batches, 1)
	assert.Equal(t, models.CategoryWalletTopup, pub.batches[0][0].Category)
}

func TestBalanceTrail_Reconciles(t *testing.T) {
	db := newFakeDB()
	a := uuid.New()
	db.addAccount(a, models.RoleUser, "0")
	svc := newTestService(db)
	ctx := context.Background()

	steps := []struct {
		dir models.Direction
		amt string
	}{
		{models.Credit, "100.00"}, {models.Debit, "30.25"}, {models.Credit, "0.01"},
		{models.Debit, "69.76"}, {models.Credit, "12.34"},
	}
	for _, s := range steps {
		var err error
		if s.dir == models.Credit {
			_, err = svc.Credit(ctx, CreditRequest{AccountID: a, Amount: dec(s.amt), Category: models.CategoryUserReward, Description: "Reward"})
		} else {
			_, err = svc.Debit(ctx, DebitRequest{AccountID: a, Amount: dec(s.amt), Category: models.CategoryUserPayout, Description: "Payout"})
		}
		require.NoError(t, err)
	}
	assertAmount(t, "12.34", db.account(a).Balance)
	assertAmount(t, "112.35", db.account(a).TotalCredits)
	assertAmount(t, "100.01", db.account(a).TotalDebits)
	assertReconciled(t, db, a, "0")
}

func TestListTransactions(t *testing.T) {
	db := newFakeDB()
	a := uuid.New()
	db.addAccount(a, models.RoleUser, "0")
	svc := newTestService(db)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := svc.Credit(ctx, CreditRequest{AccountID: a, Amount: dec("1"), Category: models.CategoryUserReward, Description: "Reward", Reference: "SUB-1"})
		require.NoError(t, err)
	}
	_, err := svc.Debit(ctx, DebitRequest{AccountID: a, Amount: dec("5"), Category: models.CategoryUserPayout, Description: "Bank payout", Reference: "PAY-9"})
	require.NoError(t, err)

	page, err := svc.ListTransactions(ctx, a, ListFilter{}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 26, page.TotalCount)
	assert.Len(t, page.Items, DefaultPageSize)
	assert.Equal(t, models.Debit, page.Items[0].Direction, "newest first")

	page2, err := svc.ListTransactions(ctx, a, ListFilter{}, 2, 20)
	require.NoError(t, err)
	assert.Len(t, page2.Items, 6)

	debits, err := svc.ListTransactions(ctx, a, ListFilter{Direction: models.Debit}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, debits.TotalCount)

	search, err := svc.ListTransactions(ctx, a, ListFilter{Search: "pay-9"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, search.TotalCount)

	day := db.clock
	ranged, err := svc.ListTransactions(ctx, a, ListFilter{From: &day, To: &day}, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 26, ranged.TotalCount, "to is inclusive of the whole day")

	again, err := svc.ListTransactions(ctx, a, ListFilter{}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, page, again)

	_, err = svc.ListTransactions(ctx, uuid.New(), ListFilter{}, 1, 10)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = svc.ListTransactions(ctx, a, ListFilter{Category: "nope"}, 1, 10)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestComputeRevenueSummary(t *testing.T) {
	db := newFakeDB()
	now := time.Date(2024, 6, 13, 15, 0, 0, 0, time.UTC) // Thursday
	svc := newTestService(db, WithClock(func() time.Time { return now }))

	credit := func(c models.Category, amt string, at time.Time) {
		db.txns = append(db.txns, &models.Transaction{
			ID: uuid.New(), AccountID: models.PlatformAccountID, Direction: models.Credit,
			Category: c, Amount: dec(amt), CreatedAt: at,
		})
	}
	credit(models.CategoryKYCPayment, "50", time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC))          // last month
	credit(models.CategoryKYCPayment, "99", time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))          // Monday of this week
	credit(models.CategoryAccountReactivation, "49", time.Date(2024, 6, 9, 23, 0, 0, 0, time.UTC)) // this month, last week
	credit(models.CategoryAdvertiserPayment, "10", time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC))   // this week
	credit(models.CategoryAdminAdjustment, "1000", time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC))   // not revenue
	db.txns = append(db.txns, &models.Transaction{                                                 // debits never count
		ID: uuid.New(), AccountID: models.PlatformAccountID, Direction: models.Debit,
		Category: models.CategoryKYCPayment, Amount: dec("7"), CreatedAt: now,
	})

	all, err := svc.ComputeRevenueSummary(context.Background(), PeriodAll)
	require.NoError(t, err)
	assertAmount(t, "149", all.KYCRevenue)
	assertAmount(t, "49", all.ReactivationRevenue)
	assertAmount(t, "10", all.TaskPlatformFees)
	assertAmount(t, "208", all.TotalRevenue)
	assert.Nil(t, all.From)

	monthly, err := svc.ComputeRevenueSummary(context.Background(), PeriodMonthly)
	require.NoError(t, err)
	assertAmount(t, "99", monthly.KYCRevenue)
	assertAmount(t, "158", monthly.TotalRevenue)

	weekly, err := svc.ComputeRevenueSummary(context.Background(), PeriodWeekly)
	require.NoError(t, err)
	assertAmount(t, "99", weekly.KYCRevenue)
	assert.True(t, weekly.ReactivationRevenue.IsZero())
	assertAmount(t, "109", weekly.TotalRevenue)

	again, err := svc.ComputeRevenueSummary(context.Background(), PeriodWeekly)
	require.NoError(t, err)
	assert.Equal(t, weekly, again)

	_, err = svc.ComputeRevenueSummary(context.Background(), "yearly")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWindow(t *testing.T) {
	sunday := time.Date(2024, 6, 9, 23, 30, 0, 0, time.UTC)
	from, to := Window(PeriodWeekly, sunday, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), *to)

	from, to = Window(PeriodMonthly, time.Date(2024, 12, 31, 1, 0, 0, 0, time.UTC), time.UTC)
	assert.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *to)

	kolkata := time.FixedZone("IST", 5*3600+1800)
	from, _ = Window(PeriodMonthly, time.Date(2024, 6, 30, 20, 0, 0, 0, time.UTC), kolkata)
	assert.Equal(t, time.July, from.Month(), "local calendar decides the month")

	from, to = Window(PeriodAll, sunday, time.UTC)
	assert.Nil(t, from)
	assert.Nil(t, to)
}
