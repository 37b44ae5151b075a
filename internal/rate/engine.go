package rate

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"credex/internal/model"
)

// RateSource provides the current exchange-rate record. It is re-read on
// every quote so a long-lived process never computes on a stale rate.
type RateSource interface {
	ExchangeRate(ctx context.Context) (model.ExchangeRate, error)
}

// TreasuryOracle provides a fresh treasury reading per quote.
type TreasuryOracle interface {
	Read(ctx context.Context) (model.TreasuryReading, error)
}

// Engine computes conversion quotes from the base rate and a liquidity
// multiplier derived from treasury health. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	rates    RateSource
	treasury TreasuryOracle
	curve    model.CurveConfig
}

func NewEngine(rates RateSource, treasury TreasuryOracle, curve model.CurveConfig) *Engine {
	return &Engine{rates: rates, treasury: treasury, curve: curve}
}

// Quote prices an exchange in the given direction. It returns the rate record
// it computed against so callers needing other rate fields (the daily limit)
// work from the same read. Amount validation is the caller's job.
func (e *Engine) Quote(ctx context.Context, direction model.Direction, amount decimal.Decimal) (model.Quote, model.ExchangeRate, error) {
	rate, err := e.rates.ExchangeRate(ctx)
	if err != nil {
		return model.Quote{}, model.ExchangeRate{}, fmt.Errorf("failed to load exchange rate: %w", err)
	}

	reading, err := e.treasury.Read(ctx)
	if err != nil {
		return model.Quote{}, model.ExchangeRate{}, err
	}

	quote, err := Compute(e.curve, rate, reading, direction, amount)
	if err != nil {
		return model.Quote{}, model.ExchangeRate{}, err
	}
	return quote, rate, nil
}

// Compute is the pure pricing function: gross = amount × baseRate × m,
// fee = gross × feeRatio, net = gross − fee. Exact by construction, so
// gross = net + fee always holds.
func Compute(curve model.CurveConfig, rate model.ExchangeRate, reading model.TreasuryReading, direction model.Direction, amount decimal.Decimal) (model.Quote, error) {
	var base decimal.Decimal
	switch direction {
	case model.DirectionWithdraw:
		base = rate.TokenPerCredit
	case model.DirectionDeposit:
		base = rate.CreditsPerToken
	default:
		return model.Quote{}, fmt.Errorf("unknown direction %q", direction)
	}

	m := Multiplier(curve, direction, reading.BalanceTokens)
	gross := amount.Mul(base).Mul(m)
	fee := gross.Mul(rate.FeeRatio)

	return model.Quote{
		GrossAmount:    gross,
		Fee:            fee,
		NetAmount:      gross.Sub(fee),
		RateMultiplier: m,
	}, nil
}

// Multiplier maps the treasury balance to the liquidity multiplier.
//
// Withdrawals interpolate from MinMult at the low watermark up to 1.0 at the
// target, so a drained treasury pays out at the worst rate. Deposits run the
// other way: MaxMult at the low watermark down to 1.0 at the high watermark,
// rewarding refills when the pool is thin. Pinned outside both ranges; a zero
// balance is just a reading at or below the low watermark.
func Multiplier(curve model.CurveConfig, direction model.Direction, balance decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)

	if direction == model.DirectionWithdraw {
		if balance.LessThanOrEqual(curve.LowWatermark) {
			return curve.MinMult
		}
		if balance.GreaterThanOrEqual(curve.TargetWatermark) {
			return one
		}
		span := curve.TargetWatermark.Sub(curve.LowWatermark)
		progress := balance.Sub(curve.LowWatermark).Div(span)
		return curve.MinMult.Add(one.Sub(curve.MinMult).Mul(progress))
	}

	if balance.GreaterThanOrEqual(curve.HighWatermark) {
		return one
	}
	if balance.LessThanOrEqual(curve.LowWatermark) {
		return curve.MaxMult
	}
	span := curve.HighWatermark.Sub(curve.LowWatermark)
	progress := balance.Sub(curve.LowWatermark).Div(span)
	return curve.MaxMult.Sub(curve.MaxMult.Sub(one).Mul(progress))
}
