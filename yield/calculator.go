// Package yield derives the time-proportional return accrued on funds held
// in an interest-bearing custody. Accrual is always recomputed from the
// funding instant and the query instant; nothing here is a source of truth.
package yield

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultAnnualRate is the fallback when the rate source is unreachable.
	DefaultAnnualRate = 0.072

	// DefaultPayerSplit is the payer's share of accrued yield; the platform
	// keeps the remainder.
	DefaultPayerSplit = 0.80
)

// Breakdown is an accrual split between the payer and the platform.
type Breakdown struct {
	Total         int64
	PayerShare    int64
	PlatformShare int64
}

// RateSource supplies the current annual rate, e.g. from a bond/CETES
// yield provider.
type RateSource interface {
	CurrentRate(ctx context.Context) (float64, error)
}

// StaticRate is a RateSource pinned to a fixed annual rate.
type StaticRate float64

func (r StaticRate) CurrentRate(context.Context) (float64, error) { return float64(r), nil }

// Calculator computes accruals. It is pure: the same inputs always produce
// the same breakdown.
type Calculator struct {
	AnnualRate float64
	PayerSplit float64
}

func NewCalculator(annualRate float64) Calculator {
	if annualRate <= 0 {
		annualRate = DefaultAnnualRate
	}
	return Calculator{AnnualRate: annualRate, PayerSplit: DefaultPayerSplit}
}

// Accrue computes the yield earned on principal between fundedAt and now,
// split by the configured ratio. daily_rate = annual_rate / 365.
func (c Calculator) Accrue(principal int64, fundedAt, now time.Time) Breakdown {
	if principal <= 0 || !now.After(fundedAt) {
		return Breakdown{}
	}
	elapsedDays := now.Sub(fundedAt).Hours() / 24
	accrued := float64(principal) * (c.AnnualRate / 365) * elapsedDays
	total := int64(math.Round(accrued))
	payer := int64(math.Round(accrued * c.PayerSplit))
	if payer > total {
		payer = total
	}
	return Breakdown{Total: total, PayerShare: payer, PlatformShare: total - payer}
}

// AccrueRefund computes the accrual for a dispute resolved in the payer's
// favor: the full amount goes to the payer, overriding the normal split.
func (c Calculator) AccrueRefund(principal int64, fundedAt, now time.Time) Breakdown {
	b := c.Accrue(principal, fundedAt, now)
	return Breakdown{Total: b.Total, PayerShare: b.Total, PlatformShare: 0}
}
