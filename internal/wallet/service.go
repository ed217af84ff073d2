// Package wallet manages cash balances and the funding-side ledger. Balance
// writes go through the same compare-and-swap discipline as trading: read,
// mutate, CAS on the version counter, retry on conflict, and always append a
// transaction row carrying the post-change balance.
package wallet

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

type Service struct {
	log   *zap.Logger
	store storage.Store
	price risk.PriceFunc
}

func NewService(log *zap.Logger, store storage.Store, price risk.PriceFunc) *Service {
	return &Service{log: log, store: store, price: price}
}

func (s *Service) GetOrCreate(ctx context.Context, userID string) (model.Wallet, error) {
	return s.store.GetOrCreateWallet(ctx, userID)
}

// Overview combines the wallet with live risk metrics. It uses the same
// formulas as the stop-out engine so displayed and enforced numbers never
// diverge.
type Overview struct {
	Wallet    model.Wallet        `json:"wallet"`
	Metrics   risk.Metrics        `json:"metrics"`
	Positions []risk.PositionRisk `json:"positions"`
}

func (s *Service) Overview(ctx context.Context, userID string) (Overview, error) {
	wallet, err := s.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return Overview{}, err
	}
	positions, err := s.store.OpenPositionsByUser(ctx, userID)
	if err != nil {
		return Overview{}, err
	}
	instruments := make(map[string]model.Instrument)
	for _, pos := range positions {
		if _, ok := instruments[pos.InstrumentID]; ok {
			continue
		}
		ins, err := s.store.InstrumentByID(ctx, pos.InstrumentID)
		if err != nil {
			return Overview{}, err
		}
		instruments[pos.InstrumentID] = ins
	}
	metrics, risks := risk.Compute(wallet.Balance, positions, instruments, s.price)
	return Overview{Wallet: wallet, Metrics: metrics, Positions: risks}, nil
}

type ApplyResult struct {
	Transaction model.Transaction
	Balance     decimal.Decimal
	Duplicated  bool
}

// Deposit credits the wallet. amount must be positive.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey string) (ApplyResult, error) {
	if !amount.IsPositive() {
		return ApplyResult{}, apperr.Invalid("INVALID_AMOUNT", "deposit amount must be positive")
	}
	return s.apply(ctx, userID, types.TxDeposit, amount, "Deposit", idempotencyKey)
}

// Withdraw debits the wallet. amount must be positive and not exceed the
// balance.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey string) (ApplyResult, error) {
	if !amount.IsPositive() {
		return ApplyResult{}, apperr.Invalid("INVALID_AMOUNT", "withdraw amount must be positive")
	}
	return s.apply(ctx, userID, types.TxWithdraw, amount.Neg(), "Withdraw", idempotencyKey)
}

// Adjust applies a signed manual correction.
func (s *Service) Adjust(ctx context.Context, userID string, delta decimal.Decimal, note string) (ApplyResult, error) {
	if delta.IsZero() {
		return ApplyResult{}, apperr.Invalid("INVALID_AMOUNT", "adjustment must be non-zero")
	}
	if note == "" {
		note = "Manual adjustment"
	}
	return s.apply(ctx, userID, types.TxAdjust, delta, note, "")
}

// apply is the shared read-modify-write: funding transactions never take the
// balance negative as a direct write.
func (s *Service) apply(ctx context.Context, userID string, typ types.TxType, delta decimal.Decimal, note, idempotencyKey string) (ApplyResult, error) {
	var res ApplyResult
	err := storage.RetryConflicts(casAttempts, func() error {
		return s.store.Atomic(ctx, func(ctx context.Context) error {
			wallet, err := s.store.GetOrCreateWallet(ctx, userID)
			if err != nil {
				return err
			}
			newBal := wallet.Balance.Add(delta).Round(2)
			if newBal.IsNegative() {
				return apperr.Insufficient("INSUFFICIENT_BALANCE",
					fmt.Sprintf("balance %s cannot cover %s", wallet.Balance.StringFixed(2), delta.Abs().StringFixed(2)))
			}
			if err := s.store.UpdateWalletCAS(ctx, wallet.ID, wallet.Version, newBal); err != nil {
				return err
			}
			txn := model.Transaction{
				ID:             uuid.NewString(),
				CreatedAt:      time.Now().UTC(),
				WalletID:       wallet.ID,
				Type:           typ,
				Amount:         delta.Round(2),
				BalanceAfter:   newBal,
				Note:           note,
				IdempotencyKey: idempotencyKey,
			}
			if err := s.store.AppendTransaction(ctx, txn); err != nil {
				return err
			}
			res = ApplyResult{Transaction: txn, Balance: newBal}
			return nil
		})
	})
	if errors.Is(err, storage.ErrDuplicateKey) && idempotencyKey != "" {
		// Replayed request: the effect already landed, report it as applied.
		return ApplyResult{Duplicated: true}, nil
	}
	if errors.Is(err, storage.ErrConflict) {
		return ApplyResult{}, apperr.Conflict("CONCURRENCY_CONFLICT", "wallet was modified concurrently, retry the request")
	}
	if err != nil {
		return ApplyResult{}, err
	}
	s.log.Info("wallet transaction applied",
		zap.String("user_id", userID),
		zap.String("type", string(typ)),
		zap.String("amount", delta.StringFixed(2)),
		zap.String("balance", res.Balance.StringFixed(2)))
	return res, nil
}

// Transactions returns the wallet's full append-only log, oldest first.
func (s *Service) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	wallet, err := s.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.TransactionsByWallet(ctx, wallet.ID)
}
