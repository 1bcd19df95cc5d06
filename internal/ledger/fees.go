package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/taskpay/backend/internal/money"
)

var hundred = decimal.NewFromInt(100)

// TaskBreakdown is the derived cost of a task. It is never persisted.
type TaskBreakdown struct {
	RateToUser     decimal.Decimal
	LimitCount     int
	AdvertiserCost decimal.Decimal // per completion, rateToUser plus the fee
	TotalCost      decimal.Decimal
	PlatformFee    decimal.Decimal // totalCost - rateToUser*limitCount
}

// FeePerCompletion is the platform share of one paid completion.
func (b TaskBreakdown) FeePerCompletion() decimal.Decimal {
	return b.AdvertiserCost.Sub(b.RateToUser)
}

// ComputeTaskBreakdown applies feePercent on top of rateToUser. advertiserCost is
// rounded to two places, so totalCost and platformFee are exact multiples of it.
func ComputeTaskBreakdown(rateToUser decimal.Decimal, limitCount int, feePercent decimal.Decimal) (TaskBreakdown, error) {
	if err := money.ValidatePositive(rateToUser); err != nil {
		return TaskBreakdown{}, fmt.Errorf("%w: rateToUser: %v", ErrInvalidAmount, err)
	}
	if limitCount <= 0 {
		return TaskBreakdown{}, fmt.Errorf("%w: limitCount must be > 0", ErrValidation)
	}
	if feePercent.IsNegative() || feePercent.GreaterThan(hundred) || money.ValidatePrecision(feePercent) != nil {
		return TaskBreakdown{}, fmt.Errorf("%w: fee percent %s", ErrValidation, feePercent)
	}
	multiplier := decimal.NewFromInt(1).Add(feePercent.Div(hundred))
	advertiserCost := money.Round(rateToUser.Mul(multiplier))
	n := decimal.NewFromInt(int64(limitCount))
	totalCost := advertiserCost.Mul(n)
	if err := money.ValidateMax(totalCost); err != nil {
		return TaskBreakdown{}, fmt.Errorf("%w: totalCost: %v", ErrInvalidAmount, err)
	}
	return TaskBreakdown{
		RateToUser:     rateToUser,
		LimitCount:     limitCount,
		AdvertiserCost: advertiserCost,
		TotalCost:      totalCost,
		PlatformFee:    totalCost.Sub(rateToUser.Mul(n)),
	}, nil
}

// KYCSplit is how one KYC fee divides between referrer and platform.
type KYCSplit struct {
	Fee         decimal.Decimal
	ReferrerCut decimal.Decimal
	PlatformCut decimal.Decimal
}

// ComputeKYCSplit returns the split for a payer with or without a referrer.
// ReferrerCut + PlatformCut == Fee always holds.
func ComputeKYCSplit(fee, referralCut decimal.Decimal, hasReferrer bool) KYCSplit {
	if !hasReferrer {
		return KYCSplit{Fee: fee, ReferrerCut: decimal.Zero, PlatformCut: fee}
	}
	return KYCSplit{Fee: fee, ReferrerCut: referralCut, PlatformCut: fee.Sub(referralCut)}
}
