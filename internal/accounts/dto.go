package accounts

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskpay/backend/internal/httputil"
	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/money"
)

// TransactionItem is the wire shape of one ledger entry.
type TransactionItem struct {
	ID           uuid.UUID        `json:"_id"`
	Type         models.Direction `json:"type"`
	Category     models.Category  `json:"category"`
	Description  string           `json:"description"`
	Reference    string           `json:"reference"`
	Amount       money.Amount     `json:"amount"`
	BalanceAfter money.Amount     `json:"balanceAfter"`
	CreatedAt    time.Time        `json:"createdAt"`
	UserEmail    string           `json:"userEmail,omitempty"`
	AdminEmail   string           `json:"adminEmail,omitempty"`
	ReferrerCut  *money.Amount    `json:"referrerCut,omitempty"`
}

func NewTransactionItem(t *models.Transaction) TransactionItem {
	item := TransactionItem{
		ID:           t.ID,
		Type:         t.Direction,
		Category:     t.Category,
		Description:  t.Description,
		Reference:    t.Reference,
		Amount:       money.NewAmount(t.Amount),
		BalanceAfter: money.NewAmount(t.BalanceAfter),
		CreatedAt:    t.CreatedAt,
		UserEmail:    t.AccountEmail,
	}
	if t.ActorID != nil {
		item.AdminEmail = t.ActorEmail
	}
	if t.ReferrerCut != nil {
		cut := money.NewAmount(*t.ReferrerCut)
		item.ReferrerCut = &cut
	}
	return item
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
}

// TransactionPage is the body of the transaction listing endpoints.
type TransactionPage struct {
	Transactions []TransactionItem `json:"transactions"`
	Pagination   Pagination        `json:"pagination"`
}

func NewTransactionPage(p *ledger.Page) TransactionPage {
	items := make([]TransactionItem, 0, len(p.Items))
	for _, t := range p.Items {
		items = append(items, NewTransactionItem(t))
	}
	pages := 0
	if p.PageSize > 0 {
		pages = (p.TotalCount + p.PageSize - 1) / p.PageSize
	}
	return TransactionPage{
		Transactions: items,
		Pagination:   Pagination{Page: p.Page, PageSize: p.PageSize, TotalCount: p.TotalCount, TotalPages: pages},
	}
}

const dateLayout = "2006-01-02"

// ParseTransactionQuery reads search, category, type, from, to, page and pageSize.
// Dates are YYYY-MM-DD or RFC 3339.
func ParseTransactionQuery(r *http.Request) (ledger.ListFilter, int, int, error) {
	q := r.URL.Query()
	f := ledger.ListFilter{
		Search:    q.Get("search"),
		Category:  models.Category(q.Get("category")),
		Direction: models.Direction(q.Get("type")),
	}
	var err error
	if f.From, err = parseDate(q.Get("from"), "from"); err != nil {
		return f, 0, 0, err
	}
	if f.To, err = parseDate(q.Get("to"), "to"); err != nil {
		return f, 0, 0, err
	}
	page, err := httputil.QueryInt(r, "page", 1)
	if err != nil {
		return f, 0, 0, err
	}
	size, err := httputil.QueryInt(r, "pageSize", ledger.DefaultPageSize)
	if err != nil {
		return f, 0, 0, err
	}
	return f, page, size, nil
}

func parseDate(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(dateLayout, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", ledger.ErrValidation, name)
	}
	return &t, nil
}

// WalletSummary is the balance block of the wallet response.
type WalletSummary struct {
	Balance       money.Amount  `json:"balance"`
	TotalCredits  money.Amount  `json:"totalCredits"`
	TotalDebits   money.Amount  `json:"totalDebits"`
	TotalSpent    *money.Amount `json:"totalSpent,omitempty"`
	TotalEarnings *money.Amount `json:"totalEarnings,omitempty"`
	KYCStatus     string        `json:"kycStatus,omitempty"`
	Suspended     bool          `json:"suspended"`
}

type WalletResponse struct {
	Wallet WalletSummary `json:"wallet"`
	TransactionPage
}

func NewWalletResponse(w *Wallet) WalletResponse {
	s := WalletSummary{
		Balance:      money.NewAmount(w.Account.Balance),
		TotalCredits: money.NewAmount(w.Account.TotalCredits),
		TotalDebits:  money.NewAmount(w.Account.TotalDebits),
		Suspended:    w.Account.Suspended,
	}
	if w.Account.Role == models.RoleUser {
		s.KYCStatus = w.Account.KYCStatus
	}
	if w.TotalSpent != nil {
		v := money.NewAmount(*w.TotalSpent)
		s.TotalSpent = &v
	}
	if w.TotalEarning != nil {
		v := money.NewAmount(*w.TotalEarning)
		s.TotalEarnings = &v
	}
	return WalletResponse{Wallet: s, TransactionPage: NewTransactionPage(w.Transactions)}
}

type AccountResponse struct {
	ID         uuid.UUID  `json:"id"`
	Email      string     `json:"email"`
	Role       string     `json:"role"`
	KYCStatus  string     `json:"kycStatus"`
	ReferrerID *uuid.UUID `json:"referrerId,omitempty"`
	Suspended  bool       `json:"suspended"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func NewAccountResponse(a *models.Account) AccountResponse {
	return AccountResponse{
		ID:         a.ID,
		Email:      a.Email,
		Role:       a.Role,
		KYCStatus:  a.KYCStatus,
		ReferrerID: a.ReferrerID,
		Suspended:  a.Suspended,
		CreatedAt:  a.CreatedAt,
	}
}

// KYCFeeResponse reports how a KYC fee was split.
type KYCFeeResponse struct {
	Fee         money.Amount    `json:"fee"`
	ReferrerCut money.Amount    `json:"referrerCut"`
	PlatformCut money.Amount    `json:"platformCut"`
	Transaction TransactionItem `json:"transaction"`
	KYCStatus   string          `json:"kycStatus"`
}

func NewKYCFeeResponse(r *ledger.KYCSplitResult) KYCFeeResponse {
	return KYCFeeResponse{
		Fee:         money.NewAmount(r.Split.Fee),
		ReferrerCut: money.NewAmount(r.Split.ReferrerCut),
		PlatformCut: money.NewAmount(r.Split.PlatformCut),
		Transaction: NewTransactionItem(r.PayerTxn),
		KYCStatus:   models.KYCPending,
	}
}
