// Package orders opens and closes leveraged positions. Every financial
// mutation runs inside one store transaction paired with append-only ledger
// rows, so a position row without its margin lock (or a close without its
// release and P&L rows) can never be observed.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lv-simtrade/internal/apperr"
	"lv-simtrade/internal/model"
	"lv-simtrade/internal/risk"
	"lv-simtrade/internal/storage"
	"lv-simtrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const casAttempts = 5

// lotTolerance absorbs float noise when checking lot-step alignment.
var lotTolerance = decimal.NewFromFloat(1e-8)

// PriceSource is the slice of the price simulator the order service needs.
type PriceSource interface {
	GetPrice(symbol string) (float64, bool)
	GetLeverage(symbol string) int
}

type Service struct {
	log          *zap.Logger
	store        storage.Store
	prices       PriceSource
	stopOutLevel decimal.Decimal
	now          func() time.Time
}

func NewService(log *zap.Logger, store storage.Store, prices PriceSource, stopOutLevel float64) *Service {
	return &Service{
		log:          log,
		store:        store,
		prices:       prices,
		stopOutLevel: decimal.NewFromFloat(stopOutLevel),
		now:          time.Now,
	}
}

type OpenRequest struct {
	Symbol         string
	Side           types.Side
	QtyLot         decimal.Decimal
	Price          *decimal.Decimal
	TPPrice        *decimal.Decimal
	SLPrice        *decimal.Decimal
	Leverage       *int
	IdempotencyKey string
}

type OpenResult struct {
	Position   model.Position
	Duplicated bool
}

// Open validates the request, locks margin and creates the position in one
// transaction. A replayed idempotency key returns the originally created
// position with Duplicated set instead of executing again.
func (s *Service) Open(ctx context.Context, userID string, req OpenRequest) (OpenResult, error) {
	if req.IdempotencyKey != "" {
		if pos, err := s.store.PositionByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			return OpenResult{Position: pos, Duplicated: true}, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return OpenResult{}, err
		}
	}

	ins, err := s.store.InstrumentByKey(ctx, req.Symbol)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return OpenResult{}, apperr.NotFound("INSTRUMENT_NOT_FOUND", fmt.Sprintf("instrument %s not found", req.Symbol))
		}
		return OpenResult{}, err
	}
	if !ins.IsActive {
		return OpenResult{}, apperr.NotFound("INSTRUMENT_NOT_FOUND", fmt.Sprintf("instrument %s is not active", req.Symbol))
	}
	if !req.Side.Valid() {
		return OpenResult{}, apperr.Invalidf("INVALID_SIDE", "side must be BUY or SELL, got %q", req.Side)
	}
	if req.Price == nil || !req.Price.IsPositive() {
		return OpenResult{}, apperr.Invalid("PRICE_REQUIRED", "an explicit positive entry price is required")
	}
	entry := *req.Price
	if err := checkLot(req.QtyLot, ins); err != nil {
		return OpenResult{}, err
	}
	if err := checkTPSL(req.Side, entry, req.TPPrice, req.SLPrice); err != nil {
		return OpenResult{}, err
	}
	leverage := s.prices.GetLeverage(req.Symbol)
	if req.Leverage != nil {
		leverage = *req.Leverage
	}
	if leverage < 1 || leverage > ins.LeverageMax {
		return OpenResult{}, apperr.Invalidf("INVALID_LEVERAGE", "leverage must be in [1, %d], got %d", ins.LeverageMax, leverage)
	}

	margin := entry.Mul(ins.ContractSize).Mul(req.QtyLot).DivRound(decimal.NewFromInt(int64(leverage)), 8).Round(2)

	var pos model.Position
	err = storage.RetryConflicts(casAttempts, func() error {
		return s.store.Atomic(ctx, func(ctx context.Context) error {
			wallet, err := s.store.GetOrCreateWallet(ctx, userID)
			if err != nil {
				return err
			}
			if wallet.Balance.LessThan(margin) {
				return apperr.Insufficient("INSUFFICIENT_BALANCE",
					fmt.Sprintf("balance %s is below required margin %s", wallet.Balance.StringFixed(2), margin.StringFixed(2)))
			}
			if err := s.checkOpenGate(ctx, userID, wallet.Balance); err != nil {
				return err
			}
			pos = model.Position{
				ID:           uuid.NewString(),
				UserID:       userID,
				InstrumentID: ins.ID,
				Side:         req.Side,
				Status:       types.PositionStatusOpen,
				QtyLot:       req.QtyLot,
				LeverageUsed: leverage,
				EntryPrice:   entry,
				TPPrice:      req.TPPrice,
				SLPrice:      req.SLPrice,
				MarginUSD:    margin,
				OpenedAt:     s.now().UTC(),
			}
			if err := s.store.CreatePosition(ctx, pos); err != nil {
				return err
			}
			newBal := wallet.Balance.Sub(margin).Round(2)
			if err := s.store.UpdateWalletCAS(ctx, wallet.ID, wallet.Version, newBal); err != nil {
				return err
			}
			return s.store.AppendTransaction(ctx, model.Transaction{
				WalletID:       wallet.ID,
				Type:           types.TxMarginLock,
				Amount:         margin.Neg(),
				BalanceAfter:   newBal,
				Note:           fmt.Sprintf("Margin lock %s %s x%s", req.Symbol, req.Side, req.QtyLot.String()),
				PositionID:     pos.ID,
				IdempotencyKey: req.IdempotencyKey,
			})
		})
	})
	if errors.Is(err, storage.ErrDuplicateKey) && req.IdempotencyKey != "" {
		// Lost the race against a concurrent identical request; return its result.
		existing, lookupErr := s.store.PositionByIdempotencyKey(ctx, req.IdempotencyKey)
		if lookupErr != nil {
			return OpenResult{}, lookupErr
		}
		return OpenResult{Position: existing, Duplicated: true}, nil
	}
	if errors.Is(err, storage.ErrConflict) {
		return OpenResult{}, apperr.Conflict("CONCURRENCY_CONFLICT", "wallet was modified concurrently, retry the request")
	}
	if err != nil {
		return OpenResult{}, err
	}
	s.log.Info("position opened",
		zap.String("user_id", userID),
		zap.String("position_id", pos.ID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("margin", margin.StringFixed(2)))
	return OpenResult{Position: pos}, nil
}

// checkOpenGate rejects new exposure for accounts already at or below the
// stop-out floor; liquidation should win that race, not a fresh lock.
func (s *Service) checkOpenGate(ctx context.Context, userID string, balance decimal.Decimal) error {
	positions, err := s.store.OpenPositionsByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}
	instruments := make(map[string]model.Instrument)
	for _, pos := range positions {
		if _, ok := instruments[pos.InstrumentID]; ok {
			continue
		}
		ins, err := s.store.InstrumentByID(ctx, pos.InstrumentID)
		if err != nil {
			return err
		}
		instruments[pos.InstrumentID] = ins
	}
	metrics, _ := risk.Compute(balance, positions, instruments, s.prices.GetPrice)
	if metrics.UsedMargin.IsPositive() && metrics.MarginLevelPct.LessThan(s.stopOutLevel) {
		return apperr.Invalidf("MARGIN_LEVEL_TOO_LOW",
			"margin level %s%% is below the stop-out floor", metrics.MarginLevelPct.StringFixed(2))
	}
	return nil
}

type CloseResult struct {
	Position    model.Position
	RealizedPnL decimal.Decimal
	Balance     decimal.Decimal
}

// Close closes a user's open position at the given price (entry price when
// nil, realizing zero). The full loss is applied even if it drives the
// balance negative; only stop-out closes are floored.
func (s *Service) Close(ctx context.Context, userID, positionID string, closePrice *decimal.Decimal) (CloseResult, error) {
	return s.close(ctx, userID, positionID, closePrice, false)
}

// ForceClose is the stop-out engine's entry point: same close path, but the
// realized loss is capped so the post-close balance never goes negative.
func (s *Service) ForceClose(ctx context.Context, userID, positionID string, closePrice decimal.Decimal) error {
	_, err := s.close(ctx, userID, positionID, &closePrice, true)
	return err
}

func (s *Service) close(ctx context.Context, userID, positionID string, closePrice *decimal.Decimal, forced bool) (CloseResult, error) {
	var res CloseResult
	err := storage.RetryConflicts(casAttempts, func() error {
		return s.store.Atomic(ctx, func(ctx context.Context) error {
			pos, err := s.store.OpenPosition(ctx, positionID, userID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return apperr.NotFound("OPEN_ORDER_NOT_FOUND", fmt.Sprintf("no open position %s", positionID))
				}
				return err
			}
			ins, err := s.store.InstrumentByID(ctx, pos.InstrumentID)
			if err != nil {
				return err
			}
			price := pos.EntryPrice
			if closePrice != nil && closePrice.IsPositive() {
				price = *closePrice
			}
			pnl := risk.UnrealizedPnL(pos.Side, pos.EntryPrice, price, ins.ContractSize, pos.QtyLot).Round(2)

			wallet, err := s.store.GetOrCreateWallet(ctx, pos.UserID)
			if err != nil {
				return err
			}
			afterRelease := wallet.Balance.Add(pos.MarginUSD).Round(2)

			note := fmt.Sprintf("Realized PnL %s", ins.Key)
			applied := pnl
			if forced && afterRelease.Add(pnl).IsNegative() {
				applied = afterRelease.Neg()
				note = fmt.Sprintf("Realized PnL capped by NBP (from %s)", pnl.StringFixed(2))
			}
			final := afterRelease.Add(applied).Round(2)

			now := s.now().UTC()
			if err := s.store.ClosePosition(ctx, pos.ID, price, applied, now); err != nil {
				return err
			}
			if err := s.store.UpdateWalletCAS(ctx, wallet.ID, wallet.Version, final); err != nil {
				return err
			}
			if err := s.store.AppendTransaction(ctx, model.Transaction{
				WalletID:     wallet.ID,
				Type:         types.TxMarginRelease,
				Amount:       pos.MarginUSD,
				BalanceAfter: afterRelease,
				Note:         fmt.Sprintf("Margin release %s", ins.Key),
				PositionID:   pos.ID,
			}); err != nil {
				return err
			}
			if err := s.store.AppendTransaction(ctx, model.Transaction{
				WalletID:     wallet.ID,
				Type:         types.TxRealizedPnL,
				Amount:       applied,
				BalanceAfter: final,
				Note:         note,
				PositionID:   pos.ID,
			}); err != nil {
				return err
			}

			pos.Status = types.PositionStatusClosed
			pos.ClosePrice = &price
			pos.RealizedPnL = &applied
			pos.ClosedAt = &now
			res = CloseResult{Position: pos, RealizedPnL: applied, Balance: final}
			return nil
		})
	})
	if errors.Is(err, storage.ErrConflict) {
		return CloseResult{}, apperr.Conflict("CONCURRENCY_CONFLICT", "wallet was modified concurrently, retry the request")
	}
	if err != nil {
		return CloseResult{}, err
	}
	s.log.Info("position closed",
		zap.String("position_id", res.Position.ID),
		zap.Bool("forced", forced),
		zap.String("realized_pnl", res.RealizedPnL.StringFixed(2)),
		zap.String("balance", res.Balance.StringFixed(2)))
	return res, nil
}

// List returns the user's positions, optionally filtered by status, newest
// first.
func (s *Service) List(ctx context.Context, userID string, status *types.PositionStatus) ([]model.Position, error) {
	return s.store.ListPositions(ctx, userID, status)
}

func checkLot(qty decimal.Decimal, ins model.Instrument) error {
	if !qty.IsPositive() || qty.LessThan(ins.MinLot) {
		return apperr.Invalidf("LOT_NOT_IN_STEP_OR_MIN", "lot %s is below the minimum %s", qty.String(), ins.MinLot.String())
	}
	if !ins.LotStep.IsPositive() {
		return nil
	}
	steps := qty.Div(ins.LotStep)
	if steps.Sub(steps.Round(0)).Abs().GreaterThan(lotTolerance) {
		return apperr.Invalidf("LOT_NOT_IN_STEP_OR_MIN", "lot %s is not a multiple of step %s", qty.String(), ins.LotStep.String())
	}
	return nil
}

func checkTPSL(side types.Side, entry decimal.Decimal, tp, sl *decimal.Decimal) error {
	if tp != nil {
		if !tp.IsPositive() {
			return apperr.Invalid("INVALID_TP_SL", "take profit must be positive")
		}
		if side == types.SideBuy && !tp.GreaterThan(entry) {
			return apperr.Invalid("INVALID_TP_SL", "take profit must be above entry for BUY")
		}
		if side == types.SideSell && !tp.LessThan(entry) {
			return apperr.Invalid("INVALID_TP_SL", "take profit must be below entry for SELL")
		}
	}
	if sl != nil {
		if !sl.IsPositive() {
			return apperr.Invalid("INVALID_TP_SL", "stop loss must be positive")
		}
		if side == types.SideBuy && !sl.LessThan(entry) {
			return apperr.Invalid("INVALID_TP_SL", "stop loss must be below entry for BUY")
		}
		if side == types.SideSell && !sl.GreaterThan(entry) {
			return apperr.Invalid("INVALID_TP_SL", "stop loss must be above entry for SELL")
		}
	}
	return nil
}
