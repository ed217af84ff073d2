// Package storage defines the persistence boundary shared by the order,
// wallet and risk services. Two implementations exist: a Postgres store built
// on pgx (production) and an in-memory store (demo mode and tests). Both give
// the same guarantees: Atomic callbacks commit or roll back as a unit, wallet
// updates are compare-and-swap on a version counter, and transaction rows are
// append-only with a unique idempotency key.
package storage

import (
	"context"
	"errors"
	"time"

	"lv-simtrade/internal/model"
	"lv-simtrade/internal/types"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("storage: not found")
	ErrConflict     = errors.New("storage: version conflict")
	ErrDuplicateKey = errors.New("storage: duplicate idempotency key")
)

type Store interface {
	// Atomic runs fn inside one transaction boundary. Every store method
	// called with the ctx passed to fn joins that transaction. fn returning
	// an error rolls the whole unit back. Nested Atomic calls join the outer
	// transaction.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error

	InstrumentByKey(ctx context.Context, key string) (model.Instrument, error)
	InstrumentByID(ctx context.Context, id string) (model.Instrument, error)
	UpsertInstrument(ctx context.Context, ins model.Instrument) error

	GetOrCreateWallet(ctx context.Context, userID string) (model.Wallet, error)
	// UpdateWalletCAS sets the balance iff the stored version still matches;
	// a mismatch returns ErrConflict and writes nothing.
	UpdateWalletCAS(ctx context.Context, walletID string, version int64, balance decimal.Decimal) error

	CreatePosition(ctx context.Context, p model.Position) error
	// OpenPosition returns the OPEN position with the given id. userID == ""
	// skips the ownership check (system-initiated stop-out).
	OpenPosition(ctx context.Context, id, userID string) (model.Position, error)
	ClosePosition(ctx context.Context, id string, closePrice, realizedPnL decimal.Decimal, closedAt time.Time) error
	ListPositions(ctx context.Context, userID string, status *types.PositionStatus) ([]model.Position, error)
	OpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
	UsersWithOpenPositions(ctx context.Context, instrumentKey string) ([]string, error)
	PositionByIdempotencyKey(ctx context.Context, key string) (model.Position, error)

	AppendTransaction(ctx context.Context, txn model.Transaction) error
	TransactionsByWallet(ctx context.Context, walletID string) ([]model.Transaction, error)

	Close()
}

// RetryConflicts re-runs fn while it fails with ErrConflict, up to attempts
// times. The wallet CAS pattern relies on this: concurrent writers are
// tolerated by retrying the whole read-modify-write unit, and exhaustion
// surfaces the conflict instead of silently dropping a writer's effect.
func RetryConflicts(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

// DefaultInstruments seeds the demo instrument set. Contract sizes follow the
// usual conventions: 100 oz per gold lot, 100k units per FX lot, 5 per BTC
// contract.
func DefaultInstruments() []model.Instrument {
	return []model.Instrument{
		{Key: "XAUUSD", ContractSize: decimal.NewFromInt(100), MinLot: decimal.NewFromFloat(0.01), LotStep: decimal.NewFromFloat(0.01), LeverageMax: 400, IsActive: true},
		{Key: "EURUSD", ContractSize: decimal.NewFromInt(100000), MinLot: decimal.NewFromFloat(0.01), LotStep: decimal.NewFromFloat(0.01), LeverageMax: 400, IsActive: true},
		{Key: "GBPUSD", ContractSize: decimal.NewFromInt(100000), MinLot: decimal.NewFromFloat(0.01), LotStep: decimal.NewFromFloat(0.01), LeverageMax: 400, IsActive: true},
		{Key: "BTCUSD", ContractSize: decimal.NewFromInt(5), MinLot: decimal.NewFromFloat(0.01), LotStep: decimal.NewFromFloat(0.01), LeverageMax: 100, IsActive: true},
	}
}

// Seed upserts the given instruments, assigning ids where missing.
func Seed(ctx context.Context, s Store, instruments []model.Instrument) error {
	for _, ins := range instruments {
		if err := s.UpsertInstrument(ctx, ins); err != nil {
			return err
		}
	}
	return nil
}
