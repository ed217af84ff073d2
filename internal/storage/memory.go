package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"lv-simtrade/internal/model"
	"lv-simtrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type memTxKey struct{}

// MemoryStore is a mutex-guarded in-memory Store. Atomic snapshots the whole
// state up front and restores it when the callback fails, so a partial write
// is never observable, matching what the Postgres store gets from
// transactions.
type MemoryStore struct {
	mu sync.Mutex

	instruments map[string]model.Instrument // id -> instrument
	instByKey   map[string]string           // key -> id
	wallets     map[string]model.Wallet     // id -> wallet
	walletByUsr map[string]string           // userID -> wallet id
	positions   map[string]model.Position   // id -> position
	posOrder    []string                    // insertion order of position ids
	txns        []model.Transaction
	idemKeys    map[string]string // idempotency key -> transaction id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]model.Instrument),
		instByKey:   make(map[string]string),
		wallets:     make(map[string]model.Wallet),
		walletByUsr: make(map[string]string),
		positions:   make(map[string]model.Position),
		idemKeys:    make(map[string]string),
	}
}

func (s *MemoryStore) Close() {}

type memSnapshot struct {
	instruments map[string]model.Instrument
	instByKey   map[string]string
	wallets     map[string]model.Wallet
	walletByUsr map[string]string
	positions   map[string]model.Position
	posOrder    []string
	txns        []model.Transaction
	idemKeys    map[string]string
}

func (s *MemoryStore) snapshotLocked() memSnapshot {
	return memSnapshot{
		instruments: copyMap(s.instruments),
		instByKey:   copyMap(s.instByKey),
		wallets:     copyMap(s.wallets),
		walletByUsr: copyMap(s.walletByUsr),
		positions:   copyMap(s.positions),
		posOrder:    append([]string(nil), s.posOrder...),
		txns:        append([]model.Transaction(nil), s.txns...),
		idemKeys:    copyMap(s.idemKeys),
	}
}

func (s *MemoryStore) restoreLocked(snap memSnapshot) {
	s.instruments = snap.instruments
	s.instByKey = snap.instByKey
	s.wallets = snap.wallets
	s.walletByUsr = snap.walletByUsr
	s.positions = snap.positions
	s.posOrder = snap.posOrder
	s.txns = snap.txns
	s.idemKeys = snap.idemKeys
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	if err := fn(context.WithValue(ctx, memTxKey{}, struct{}{})); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

// lock acquires the store mutex unless ctx is already inside Atomic, which
// holds it for the whole callback.
func (s *MemoryStore) lock(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) InstrumentByKey(ctx context.Context, key string) (model.Instrument, error) {
	defer s.lock(ctx)()
	id, ok := s.instByKey[key]
	if !ok {
		return model.Instrument{}, ErrNotFound
	}
	return s.instruments[id], nil
}

func (s *MemoryStore) InstrumentByID(ctx context.Context, id string) (model.Instrument, error) {
	defer s.lock(ctx)()
	ins, ok := s.instruments[id]
	if !ok {
		return model.Instrument{}, ErrNotFound
	}
	return ins, nil
}

func (s *MemoryStore) UpsertInstrument(ctx context.Context, ins model.Instrument) error {
	defer s.lock(ctx)()
	if id, ok := s.instByKey[ins.Key]; ok {
		ins.ID = id
	} else if ins.ID == "" {
		ins.ID = uuid.NewString()
	}
	s.instruments[ins.ID] = ins
	s.instByKey[ins.Key] = ins.ID
	return nil
}

func (s *MemoryStore) GetOrCreateWallet(ctx context.Context, userID string) (model.Wallet, error) {
	defer s.lock(ctx)()
	if id, ok := s.walletByUsr[userID]; ok {
		return s.wallets[id], nil
	}
	w := model.Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Balance:   decimal.Zero,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
	s.wallets[w.ID] = w
	s.walletByUsr[userID] = w.ID
	return w, nil
}

func (s *MemoryStore) UpdateWalletCAS(ctx context.Context, walletID string, version int64, balance decimal.Decimal) error {
	defer s.lock(ctx)()
	w, ok := s.wallets[walletID]
	if !ok {
		return ErrNotFound
	}
	if w.Version != version {
		return ErrConflict
	}
	w.Balance = balance
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	s.wallets[walletID] = w
	return nil
}

func (s *MemoryStore) CreatePosition(ctx context.Context, p model.Position) error {
	defer s.lock(ctx)()
	s.positions[p.ID] = p
	s.posOrder = append(s.posOrder, p.ID)
	return nil
}

func (s *MemoryStore) OpenPosition(ctx context.Context, id, userID string) (model.Position, error) {
	defer s.lock(ctx)()
	p, ok := s.positions[id]
	if !ok || p.Status != types.PositionStatusOpen {
		return model.Position{}, ErrNotFound
	}
	if userID != "" && p.UserID != userID {
		return model.Position{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) ClosePosition(ctx context.Context, id string, closePrice, realizedPnL decimal.Decimal, closedAt time.Time) error {
	defer s.lock(ctx)()
	p, ok := s.positions[id]
	if !ok || p.Status != types.PositionStatusOpen {
		return ErrNotFound
	}
	p.Status = types.PositionStatusClosed
	p.ClosePrice = &closePrice
	p.RealizedPnL = &realizedPnL
	p.ClosedAt = &closedAt
	s.positions[id] = p
	return nil
}

func (s *MemoryStore) ListPositions(ctx context.Context, userID string, status *types.PositionStatus) ([]model.Position, error) {
	defer s.lock(ctx)()
	var out []model.Position
	for _, id := range s.posOrder {
		p := s.positions[id]
		if p.UserID != userID {
			continue
		}
		if status != nil && p.Status != *status {
			continue
		}
		out = append(out, p)
	}
	// newest first, like the order history endpoints
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) OpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	defer s.lock(ctx)()
	var out []model.Position
	for _, id := range s.posOrder {
		p := s.positions[id]
		if p.UserID == userID && p.Status == types.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) UsersWithOpenPositions(ctx context.Context, instrumentKey string) ([]string, error) {
	defer s.lock(ctx)()
	instID, ok := s.instByKey[instrumentKey]
	if !ok {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, id := range s.posOrder {
		p := s.positions[id]
		if p.Status != types.PositionStatusOpen || p.InstrumentID != instID {
			continue
		}
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p.UserID)
	}
	return out, nil
}

func (s *MemoryStore) PositionByIdempotencyKey(ctx context.Context, key string) (model.Position, error) {
	defer s.lock(ctx)()
	txnID, ok := s.idemKeys[key]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	for _, txn := range s.txns {
		if txn.ID == txnID && txn.Type == types.TxMarginLock && txn.PositionID != "" {
			if p, ok := s.positions[txn.PositionID]; ok {
				return p, nil
			}
		}
	}
	return model.Position{}, ErrNotFound
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, txn model.Transaction) error {
	defer s.lock(ctx)()
	if txn.IdempotencyKey != "" {
		if _, dup := s.idemKeys[txn.IdempotencyKey]; dup {
			return ErrDuplicateKey
		}
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	s.txns = append(s.txns, txn)
	if txn.IdempotencyKey != "" {
		s.idemKeys[txn.IdempotencyKey] = txn.ID
	}
	return nil
}

func (s *MemoryStore) TransactionsByWallet(ctx context.Context, walletID string) ([]model.Transaction, error) {
	defer s.lock(ctx)()
	var out []model.Transaction
	for _, txn := range s.txns {
		if txn.WalletID == walletID {
			out = append(out, txn)
		}
	}
	return out, nil
}
