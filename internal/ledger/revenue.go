package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Period scopes a revenue summary.
type Period string

const (
	PeriodAll     Period = "all"
	PeriodMonthly Period = "monthly"
	PeriodWeekly  Period = "weekly"
)

// RevenueSummary aggregates platform credits by revenue source.
type RevenueSummary struct {
	Period              Period
	From                *time.Time
	To                  *time.Time
	KYCRevenue          decimal.Decimal
	ReactivationRevenue decimal.Decimal
	TaskPlatformFees    decimal.Decimal
	TotalRevenue        decimal.Decimal
}

// ParsePeriod accepts all, monthly and weekly; empty means all.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "", PeriodAll:
		return PeriodAll, nil
	case PeriodMonthly, PeriodWeekly:
		return Period(s), nil
	}
	return "", fmt.Errorf("%w: unknown revenue period %q", ErrValidation, s)
}

// Window returns the [from, to) bounds of p around now in loc. PeriodAll is unbounded.
// Monthly is the current calendar month; weekly is the current ISO week (Monday start).
func Window(p Period, now time.Time, loc *time.Location) (from, to *time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	var start, end time.Time
	switch p {
	case PeriodMonthly:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 1, 0)
	case PeriodWeekly:
		daysSinceMonday := (int(t.Weekday()) + 6) % 7
		start = time.Date(t.Year(), t.Month(), t.Day()-daysSinceMonday, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 0, 7)
	default:
		return nil, nil
	}
	return &start, &end
}
