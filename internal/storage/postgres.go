package storage

import (
	"context"
	"errors"
	"time"

	"lv-simtrade/internal/model"
	"lv-simtrade/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type pgTxKey struct{}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) InstrumentByKey(ctx context.Context, key string) (model.Instrument, error) {
	return s.scanInstrument(s.q(ctx).QueryRow(ctx, "select id, key, contract_size, min_lot, lot_step, leverage_max, is_active from instruments where key = $1", key))
}

func (s *PostgresStore) InstrumentByID(ctx context.Context, id string) (model.Instrument, error) {
	return s.scanInstrument(s.q(ctx).QueryRow(ctx, "select id, key, contract_size, min_lot, lot_step, leverage_max, is_active from instruments where id = $1", id))
}

func (s *PostgresStore) scanInstrument(row pgx.Row) (model.Instrument, error) {
	var ins model.Instrument
	err := row.Scan(&ins.ID, &ins.Key, &ins.ContractSize, &ins.MinLot, &ins.LotStep, &ins.LeverageMax, &ins.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return ins, ErrNotFound
	}
	return ins, err
}

func (s *PostgresStore) UpsertInstrument(ctx context.Context, ins model.Instrument) error {
	if ins.ID == "" {
		ins.ID = uuid.NewString()
	}
	_, err := s.q(ctx).Exec(ctx, `
		insert into instruments (id, key, contract_size, min_lot, lot_step, leverage_max, is_active)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (key) do update set
			contract_size = excluded.contract_size,
			min_lot = excluded.min_lot,
			lot_step = excluded.lot_step,
			leverage_max = excluded.leverage_max,
			is_active = excluded.is_active
	`, ins.ID, ins.Key, ins.ContractSize, ins.MinLot, ins.LotStep, ins.LeverageMax, ins.IsActive)
	return err
}

func (s *PostgresStore) GetOrCreateWallet(ctx context.Context, userID string) (model.Wallet, error) {
	var w model.Wallet
	err := s.q(ctx).QueryRow(ctx, "select id, user_id, balance, version, updated_at from wallets where user_id = $1", userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.Version, &w.UpdatedAt)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return w, err
	}
	w = model.Wallet{ID: uuid.NewString(), UserID: userID, Balance: decimal.Zero, Version: 1, UpdatedAt: time.Now().UTC()}
	_, err = s.q(ctx).Exec(ctx, "insert into wallets (id, user_id, balance, version, updated_at) values ($1, $2, $3, $4, $5) on conflict (user_id) do nothing", w.ID, w.UserID, w.Balance, w.Version, w.UpdatedAt)
	if err != nil {
		return w, err
	}
	// Re-read in case a concurrent writer won the insert race.
	err = s.q(ctx).QueryRow(ctx, "select id, user_id, balance, version, updated_at from wallets where user_id = $1", userID).
		Scan(&w.ID, &w.UserID, &w.Balance, &w.Version, &w.UpdatedAt)
	return w, err
}

func (s *PostgresStore) UpdateWalletCAS(ctx context.Context, walletID string, version int64, balance decimal.Decimal) error {
	tag, err := s.q(ctx).Exec(ctx, "update wallets set balance = $1, version = version + 1, updated_at = $2 where id = $3 and version = $4",
		balance, time.Now().UTC(), walletID, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	return nil
}

const positionColumns = "id, user_id, instrument_id, side, status, qty_lot, leverage_used, entry_price, tp_price, sl_price, margin_usd, opened_at, closed_at, close_price, realized_pnl"

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var side, status string
	err := row.Scan(&p.ID, &p.UserID, &p.InstrumentID, &side, &status, &p.QtyLot, &p.LeverageUsed, &p.EntryPrice,
		&p.TPPrice, &p.SLPrice, &p.MarginUSD, &p.OpenedAt, &p.ClosedAt, &p.ClosePrice, &p.RealizedPnL)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Side = types.Side(side)
	p.Status = types.PositionStatus(status)
	return p, nil
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p model.Position) error {
	_, err := s.q(ctx).Exec(ctx, `
		insert into positions (`+positionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, p.ID, p.UserID, p.InstrumentID, string(p.Side), string(p.Status), p.QtyLot, p.LeverageUsed, p.EntryPrice,
		p.TPPrice, p.SLPrice, p.MarginUSD, p.OpenedAt, p.ClosedAt, p.ClosePrice, p.RealizedPnL)
	return err
}

func (s *PostgresStore) OpenPosition(ctx context.Context, id, userID string) (model.Position, error) {
	if userID == "" {
		return scanPosition(s.q(ctx).QueryRow(ctx, "select "+positionColumns+" from positions where id = $1 and status = 'OPEN' for update", id))
	}
	return scanPosition(s.q(ctx).QueryRow(ctx, "select "+positionColumns+" from positions where id = $1 and user_id = $2 and status = 'OPEN' for update", id, userID))
}

func (s *PostgresStore) ClosePosition(ctx context.Context, id string, closePrice, realizedPnL decimal.Decimal, closedAt time.Time) error {
	tag, err := s.q(ctx).Exec(ctx, "update positions set status = 'CLOSED', close_price = $1, realized_pnl = $2, closed_at = $3 where id = $4 and status = 'OPEN'",
		closePrice, realizedPnL, closedAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string, status *types.PositionStatus) ([]model.Position, error) {
	var rows pgx.Rows
	var err error
	if status == nil {
		rows, err = s.q(ctx).Query(ctx, "select "+positionColumns+" from positions where user_id = $1 order by opened_at desc", userID)
	} else {
		rows, err = s.q(ctx).Query(ctx, "select "+positionColumns+" from positions where user_id = $1 and status = $2 order by opened_at desc", userID, string(*status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func (s *PostgresStore) OpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.q(ctx).Query(ctx, "select "+positionColumns+" from positions where user_id = $1 and status = 'OPEN' order by opened_at asc", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UsersWithOpenPositions(ctx context.Context, instrumentKey string) ([]string, error) {
	rows, err := s.q(ctx).Query(ctx, `
		select distinct p.user_id
		from positions p
		join instruments i on i.id = p.instrument_id
		where p.status = 'OPEN' and i.key = $1
	`, instrumentKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PositionByIdempotencyKey(ctx context.Context, key string) (model.Position, error) {
	return scanPosition(s.q(ctx).QueryRow(ctx, `
		select p.id, p.user_id, p.instrument_id, p.side, p.status, p.qty_lot, p.leverage_used, p.entry_price,
		       p.tp_price, p.sl_price, p.margin_usd, p.opened_at, p.closed_at, p.close_price, p.realized_pnl
		from transactions t
		join positions p on p.id = t.position_id
		where t.idempotency_key = $1 and t.type = 'MARGIN_LOCK'
	`, key))
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, txn model.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).Exec(ctx, `
		insert into transactions (id, wallet_id, type, amount, balance_after, note, position_id, idempotency_key, created_at)
		values ($1, $2, $3, $4, $5, $6, nullif($7, ''), nullif($8, ''), $9)
	`, txn.ID, txn.WalletID, string(txn.Type), txn.Amount, txn.BalanceAfter, txn.Note, txn.PositionID, txn.IdempotencyKey, txn.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

func (s *PostgresStore) TransactionsByWallet(ctx context.Context, walletID string) ([]model.Transaction, error) {
	rows, err := s.q(ctx).Query(ctx, `
		select id, wallet_id, type, amount, balance_after, note, coalesce(position_id, ''), coalesce(idempotency_key, ''), created_at
		from transactions where wallet_id = $1 order by created_at asc
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var txn model.Transaction
		var typ string
		if err := rows.Scan(&txn.ID, &txn.WalletID, &typ, &txn.Amount, &txn.BalanceAfter, &txn.Note, &txn.PositionID, &txn.IdempotencyKey, &txn.CreatedAt); err != nil {
			return nil, err
		}
		txn.Type = types.TxType(typ)
		out = append(out, txn)
	}
	return out, rows.Err()
}
