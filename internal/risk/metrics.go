// Package risk computes account health from open positions and live prices,
// and enforces the stop-out floor by force-closing the worst position until
// the account recovers.
package risk

import (
	"lv-simtrade/internal/model"
	"lv-simtrade/internal/types"

	"github.com/shopspring/decimal"
)

// PriceFunc resolves the current market price for a symbol key. ok == false
// means no live price exists; callers must never invent one.
type PriceFunc func(symbol string) (float64, bool)

// PositionRisk is one open position scored against the current market.
// Priced is false when no live price existed; the mark then falls back to the
// entry price and PnL is zero.
type PositionRisk struct {
	Position   model.Position
	Instrument model.Instrument
	MarkPrice  decimal.Decimal
	PnL        decimal.Decimal
	Priced     bool
}

// Metrics aggregates a user's account health. MarginLevelPct is meaningful
// only when UsedMargin is positive; with no locked margin the account is
// vacuously safe and the field is left zero.
type Metrics struct {
	Balance        decimal.Decimal
	UsedMargin     decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	Equity         decimal.Decimal
	FreeMargin     decimal.Decimal
	MarginLevelPct decimal.Decimal
}

// UnrealizedPnL is the side-aware mark-to-market formula shared by the
// overview endpoint, the stop-out engine and order closing:
// (mark - entry) * contractSize * qty, negated for SELL.
func UnrealizedPnL(side types.Side, entry, mark, contractSize, qty decimal.Decimal) decimal.Decimal {
	return mark.Sub(entry).Mul(contractSize).Mul(qty).Mul(decimal.NewFromInt(side.Direction()))
}

// Compute scores every open position and aggregates the account metrics.
// instruments is keyed by instrument id and must cover every position.
func Compute(balance decimal.Decimal, positions []model.Position, instruments map[string]model.Instrument, price PriceFunc) (Metrics, []PositionRisk) {
	m := Metrics{Balance: balance}
	risks := make([]PositionRisk, 0, len(positions))
	for _, pos := range positions {
		ins := instruments[pos.InstrumentID]
		pr := PositionRisk{Position: pos, Instrument: ins, MarkPrice: pos.EntryPrice}
		if p, ok := price(ins.Key); ok {
			pr.MarkPrice = decimal.NewFromFloat(p)
			pr.Priced = true
		}
		pr.PnL = UnrealizedPnL(pos.Side, pos.EntryPrice, pr.MarkPrice, ins.ContractSize, pos.QtyLot)
		m.UsedMargin = m.UsedMargin.Add(pos.MarginUSD)
		m.UnrealizedPnL = m.UnrealizedPnL.Add(pr.PnL)
		risks = append(risks, pr)
	}
	m.Equity = m.Balance.Add(m.UnrealizedPnL)
	m.FreeMargin = m.Equity.Sub(m.UsedMargin)
	if m.UsedMargin.IsPositive() {
		m.MarginLevelPct = m.Equity.Div(m.UsedMargin).Mul(decimal.NewFromInt(100))
	}
	return m, risks
}
