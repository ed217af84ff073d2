package risk

import (
	"context"
	"time"

	"lv-simtrade/internal/keyed"
	"lv-simtrade/internal/model"
	"lv-simtrade/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxPasses bounds the per-user liquidation loop so a data anomaly can never
// spin it forever; real accounts recover or empty out long before this.
const maxPasses = 50

// Closer force-closes one open position at the given market price on behalf
// of the engine. Implemented by the order service; injected at wiring time to
// keep the dependency one-way.
type Closer interface {
	ForceClose(ctx context.Context, userID, positionID string, closePrice decimal.Decimal) error
}

// Engine watches price ticks and liquidates under-margined accounts.
// Per-symbol ticks are debounced so a burst collapses into one risk pass, and
// per-user passes are guarded so two loops never run concurrently for the
// same user. A trigger that loses the guard race is dropped, not queued: the
// loop in flight re-reads prices every pass, so the dropped trigger's
// information is not lost.
type Engine struct {
	log             *zap.Logger
	store           storage.Store
	price           PriceFunc
	closer          Closer
	stopOutLevel    decimal.Decimal
	marginCallLevel decimal.Decimal

	debounce *keyed.Debouncer
	guard    *keyed.Guard
}

func NewEngine(log *zap.Logger, store storage.Store, price PriceFunc, stopOutLevel, marginCallLevel float64, throttle time.Duration) *Engine {
	return &Engine{
		log:             log,
		store:           store,
		price:           price,
		stopOutLevel:    decimal.NewFromFloat(stopOutLevel),
		marginCallLevel: decimal.NewFromFloat(marginCallLevel),
		debounce:        keyed.NewDebouncer(throttle),
		guard:           keyed.NewGuard(),
	}
}

// Bind attaches the position closer. Must be called before any tick arrives.
func (e *Engine) Bind(c Closer) {
	e.closer = c
}

// StopOutLevel exposes the configured floor for open-time gating.
func (e *Engine) StopOutLevel() decimal.Decimal {
	return e.stopOutLevel
}

// OnPriceTick schedules a debounced risk pass for every user holding an open
// position on the symbol. Safe to call from the price simulator's synchronous
// subscriber path.
func (e *Engine) OnPriceTick(symbol string) {
	e.debounce.Trigger(symbol, func() {
		e.runSymbol(context.Background(), symbol)
	})
}

// EnsureStopOut runs one synchronous liquidation check for a single user,
// e.g. right after ingesting an externally sourced tick. If a pass for the
// user is already in flight the call is a silent no-op.
func (e *Engine) EnsureStopOut(ctx context.Context, userID string) {
	e.runUser(ctx, userID)
}

// EnsureStopOutForSymbol runs a synchronous risk pass for every holder of the
// symbol, bypassing the debounce. Used after manually forced spot prices.
func (e *Engine) EnsureStopOutForSymbol(ctx context.Context, symbol string) {
	e.runSymbol(ctx, symbol)
}

func (e *Engine) runSymbol(ctx context.Context, symbol string) {
	users, err := e.store.UsersWithOpenPositions(ctx, symbol)
	if err != nil {
		e.log.Warn("risk pass: listing users failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	for _, userID := range users {
		e.runUser(ctx, userID)
	}
}

func (e *Engine) runUser(ctx context.Context, userID string) {
	if e.closer == nil {
		return
	}
	if !e.guard.TryAcquire(userID) {
		return
	}
	defer e.guard.Release(userID)

	for pass := 0; pass < maxPasses; pass++ {
		done, err := e.pass(ctx, userID)
		if err != nil {
			e.log.Warn("risk pass abandoned", zap.String("user_id", userID), zap.Error(err))
			return
		}
		if done {
			return
		}
	}
	e.log.Warn("liquidation loop hit pass limit", zap.String("user_id", userID), zap.Int("passes", maxPasses))
}

// pass performs one fresh-read liquidation iteration. done == true means the
// account is safe (or empty) and the loop should stop.
func (e *Engine) pass(ctx context.Context, userID string) (bool, error) {
	wallet, err := e.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return false, err
	}
	positions, err := e.store.OpenPositionsByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(positions) == 0 {
		return true, nil
	}
	instruments, err := e.instrumentsFor(ctx, positions)
	if err != nil {
		return false, err
	}

	metrics, risks := Compute(wallet.Balance, positions, instruments, e.price)
	if !metrics.UsedMargin.IsPositive() {
		return true, nil
	}
	if metrics.MarginLevelPct.GreaterThanOrEqual(e.stopOutLevel) {
		if metrics.MarginLevelPct.LessThan(e.marginCallLevel) {
			e.log.Info("margin call",
				zap.String("user_id", userID),
				zap.String("margin_level_pct", metrics.MarginLevelPct.StringFixed(2)))
		}
		return true, nil
	}

	worst, ok := worstPriced(risks)
	if !ok {
		// No position has a live price; without one we cannot close fairly.
		e.log.Warn("stop-out stalled: no priced positions", zap.String("user_id", userID))
		return true, nil
	}

	e.log.Info("stop-out: force closing position",
		zap.String("user_id", userID),
		zap.String("position_id", worst.Position.ID),
		zap.String("symbol", worst.Instrument.Key),
		zap.String("pnl", worst.PnL.StringFixed(2)),
		zap.String("margin_level_pct", metrics.MarginLevelPct.StringFixed(2)))
	if err := e.closer.ForceClose(ctx, userID, worst.Position.ID, worst.MarkPrice); err != nil {
		return false, err
	}
	return false, nil
}

func (e *Engine) instrumentsFor(ctx context.Context, positions []model.Position) (map[string]model.Instrument, error) {
	out := make(map[string]model.Instrument)
	for _, pos := range positions {
		if _, ok := out[pos.InstrumentID]; ok {
			continue
		}
		ins, err := e.store.InstrumentByID(ctx, pos.InstrumentID)
		if err != nil {
			return nil, err
		}
		out[pos.InstrumentID] = ins
	}
	return out, nil
}

// worstPriced returns the priced position with the most negative PnL. Ties
// keep the earlier-opened position, which is the slice order.
func worstPriced(risks []PositionRisk) (PositionRisk, bool) {
	var worst PositionRisk
	found := false
	for _, pr := range risks {
		if !pr.Priced {
			continue
		}
		if !found || pr.PnL.LessThan(worst.PnL) {
			worst = pr
			found = true
		}
	}
	return worst, found
}

// Close cancels pending debounce timers. In-flight passes finish on their own.
func (e *Engine) Close() {
	e.debounce.Close()
}
