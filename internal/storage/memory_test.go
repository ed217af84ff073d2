package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"lv-simtrade/internal/model"
	"lv-simtrade/internal/types"

	"github.com/shopspring/decimal"
)

func seedStore(t *testing.T) (*MemoryStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	if err := Seed(ctx, s, DefaultInstruments()); err != nil {
		t.Fatal(err)
	}
	return s, ctx
}

func TestSeedAndInstrumentLookup(t *testing.T) {
	s, ctx := seedStore(t)

	ins, err := s.InstrumentByKey(ctx, "XAUUSD")
	if err != nil {
		t.Fatal(err)
	}
	if !ins.ContractSize.Equal(decimal.NewFromInt(100)) {
		t.Errorf("XAUUSD contract size = %s, want 100", ins.ContractSize)
	}
	byID, err := s.InstrumentByID(ctx, ins.ID)
	if err != nil {
		t.Fatal(err)
	}
	if byID.Key != "XAUUSD" {
		t.Errorf("round trip key = %s", byID.Key)
	}
	if _, err := s.InstrumentByKey(ctx, "USDJPY"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key err = %v, want ErrNotFound", err)
	}

	// Re-seeding keeps ids stable.
	if err := Seed(ctx, s, DefaultInstruments()); err != nil {
		t.Fatal(err)
	}
	again, _ := s.InstrumentByKey(ctx, "XAUUSD")
	if again.ID != ins.ID {
		t.Errorf("re-seed changed id %s -> %s", ins.ID, again.ID)
	}
}

func TestWalletCAS(t *testing.T) {
	s, ctx := seedStore(t)
	w, err := s.GetOrCreateWallet(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Version != 1 || !w.Balance.IsZero() {
		t.Fatalf("fresh wallet = %+v", w)
	}

	if err := s.UpdateWalletCAS(ctx, w.ID, w.Version, decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}
	// Stale version is rejected.
	err = s.UpdateWalletCAS(ctx, w.ID, w.Version, decimal.NewFromInt(999))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale CAS err = %v, want ErrConflict", err)
	}

	w2, _ := s.GetOrCreateWallet(ctx, "u1")
	if w2.Version != 2 || !w2.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("wallet after CAS = %+v", w2)
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s, ctx := seedStore(t)
	w, _ := s.GetOrCreateWallet(ctx, "u1")

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context) error {
		if err := s.UpdateWalletCAS(ctx, w.ID, w.Version, decimal.NewFromInt(500)); err != nil {
			return err
		}
		if err := s.CreatePosition(ctx, model.Position{ID: "p1", UserID: "u1", Status: types.PositionStatusOpen}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	w2, _ := s.GetOrCreateWallet(ctx, "u1")
	if !w2.Balance.IsZero() || w2.Version != 1 {
		t.Errorf("wallet not rolled back: %+v", w2)
	}
	positions, _ := s.ListPositions(ctx, "u1", nil)
	if len(positions) != 0 {
		t.Errorf("position survived rollback")
	}
}

func TestAtomicNestedJoinsOuter(t *testing.T) {
	s, ctx := seedStore(t)
	w, _ := s.GetOrCreateWallet(ctx, "u1")

	err := s.Atomic(ctx, func(ctx context.Context) error {
		return s.Atomic(ctx, func(ctx context.Context) error {
			return s.UpdateWalletCAS(ctx, w.ID, w.Version, decimal.NewFromInt(42))
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	w2, _ := s.GetOrCreateWallet(ctx, "u1")
	if !w2.Balance.Equal(decimal.NewFromInt(42)) {
		t.Errorf("balance = %s, want 42", w2.Balance)
	}
}

func TestAppendTransactionIdempotencyKeyUnique(t *testing.T) {
	s, ctx := seedStore(t)
	w, _ := s.GetOrCreateWallet(ctx, "u1")

	txn := model.Transaction{WalletID: w.ID, Type: types.TxDeposit, Amount: decimal.NewFromInt(10), IdempotencyKey: "k1"}
	if err := s.AppendTransaction(ctx, txn); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTransaction(ctx, txn); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("duplicate key err = %v, want ErrDuplicateKey", err)
	}
	// Keyless rows never collide.
	plain := model.Transaction{WalletID: w.ID, Type: types.TxDeposit, Amount: decimal.NewFromInt(10)}
	if err := s.AppendTransaction(ctx, plain); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTransaction(ctx, plain); err != nil {
		t.Fatal(err)
	}
	txns, _ := s.TransactionsByWallet(ctx, w.ID)
	if len(txns) != 3 {
		t.Errorf("transactions = %d, want 3", len(txns))
	}
}

func TestPositionByIdempotencyKey(t *testing.T) {
	s, ctx := seedStore(t)
	w, _ := s.GetOrCreateWallet(ctx, "u1")
	pos := model.Position{ID: "p1", UserID: "u1", Status: types.PositionStatusOpen, OpenedAt: time.Now().UTC()}
	if err := s.CreatePosition(ctx, pos); err != nil {
		t.Fatal(err)
	}
	err := s.AppendTransaction(ctx, model.Transaction{
		WalletID: w.ID, Type: types.TxMarginLock, PositionID: "p1", IdempotencyKey: "open-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.PositionByIdempotencyKey(ctx, "open-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "p1" {
		t.Errorf("position = %s, want p1", got.ID)
	}
	if _, err := s.PositionByIdempotencyKey(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key err = %v, want ErrNotFound", err)
	}
}

func TestOpenPositionOwnershipAndStatus(t *testing.T) {
	s, ctx := seedStore(t)
	pos := model.Position{ID: "p1", UserID: "u1", Status: types.PositionStatusOpen, OpenedAt: time.Now().UTC()}
	if err := s.CreatePosition(ctx, pos); err != nil {
		t.Fatal(err)
	}

	if _, err := s.OpenPosition(ctx, "p1", "u1"); err != nil {
		t.Errorf("owner lookup: %v", err)
	}
	if _, err := s.OpenPosition(ctx, "p1", "u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign lookup err = %v, want ErrNotFound", err)
	}
	// Empty user skips the ownership check (system close).
	if _, err := s.OpenPosition(ctx, "p1", ""); err != nil {
		t.Errorf("system lookup: %v", err)
	}

	if err := s.ClosePosition(ctx, "p1", decimal.NewFromInt(100), decimal.Zero, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenPosition(ctx, "p1", "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("closed lookup err = %v, want ErrNotFound", err)
	}
	if err := s.ClosePosition(ctx, "p1", decimal.NewFromInt(100), decimal.Zero, time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Errorf("double close err = %v, want ErrNotFound", err)
	}
}

func TestUsersWithOpenPositionsDistinct(t *testing.T) {
	s, ctx := seedStore(t)
	gold, _ := s.InstrumentByKey(ctx, "XAUUSD")
	fx, _ := s.InstrumentByKey(ctx, "EURUSD")

	now := time.Now().UTC()
	for _, p := range []model.Position{
		{ID: "p1", UserID: "u1", InstrumentID: gold.ID, Status: types.PositionStatusOpen, OpenedAt: now},
		{ID: "p2", UserID: "u1", InstrumentID: gold.ID, Status: types.PositionStatusOpen, OpenedAt: now},
		{ID: "p3", UserID: "u2", InstrumentID: gold.ID, Status: types.PositionStatusOpen, OpenedAt: now},
		{ID: "p4", UserID: "u3", InstrumentID: fx.ID, Status: types.PositionStatusOpen, OpenedAt: now},
		{ID: "p5", UserID: "u4", InstrumentID: gold.ID, Status: types.PositionStatusClosed, OpenedAt: now},
	} {
		if err := s.CreatePosition(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	users, err := s.UsersWithOpenPositions(ctx, "XAUUSD")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("users = %v, want [u1 u2]", users)
	}
	none, _ := s.UsersWithOpenPositions(ctx, "BTCUSD")
	if len(none) != 0 {
		t.Errorf("BTCUSD users = %v, want none", none)
	}
}

func TestListPositionsNewestFirst(t *testing.T) {
	s, ctx := seedStore(t)
	base := time.Now().UTC()
	for i, id := range []string{"old", "mid", "new"} {
		p := model.Position{ID: id, UserID: "u1", Status: types.PositionStatusOpen, OpenedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.CreatePosition(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListPositions(ctx, "u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "mid", "old"}
	for i, p := range got {
		if p.ID != want[i] {
			t.Errorf("positions[%d] = %s, want %s", i, p.ID, want[i])
		}
	}
}

func TestRetryConflicts(t *testing.T) {
	calls := 0
	err := RetryConflicts(5, func() error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = RetryConflicts(5, func() error {
		calls++
		return ErrConflict
	})
	if !errors.Is(err, ErrConflict) || calls != 5 {
		t.Errorf("exhaustion: err = %v, calls = %d", err, calls)
	}

	boom := errors.New("boom")
	calls = 0
	err = RetryConflicts(5, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("non-conflict: err = %v, calls = %d", err, calls)
	}
}
