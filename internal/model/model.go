package model

import (
	"time"

	"lv-simtrade/internal/types"

	"github.com/shopspring/decimal"
)

// Instrument is admin-managed reference data, read-only to the engines.
type Instrument struct {
	ID           string          `json:"id"`
	Key          string          `json:"key"`
	ContractSize decimal.Decimal `json:"contract_size"`
	MinLot       decimal.Decimal `json:"min_lot"`
	LotStep      decimal.Decimal `json:"lot_step"`
	LeverageMax  int             `json:"leverage_max"`
	IsActive     bool            `json:"is_active"`
}

type Position struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	InstrumentID string               `json:"instrument_id"`
	Side         types.Side           `json:"side"`
	Status       types.PositionStatus `json:"status"`
	QtyLot       decimal.Decimal      `json:"qty_lot"`
	LeverageUsed int                  `json:"leverage_used"`
	EntryPrice   decimal.Decimal      `json:"entry_price"`
	TPPrice      *decimal.Decimal     `json:"tp_price,omitempty"`
	SLPrice      *decimal.Decimal     `json:"sl_price,omitempty"`
	MarginUSD    decimal.Decimal      `json:"margin_usd"`
	OpenedAt     time.Time            `json:"opened_at"`
	ClosedAt     *time.Time           `json:"closed_at,omitempty"`
	ClosePrice   *decimal.Decimal     `json:"close_price,omitempty"`
	RealizedPnL  *decimal.Decimal     `json:"realized_pnl,omitempty"`
}

type Wallet struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction rows are append-only; the log reconciles to the wallet balance.
type Transaction struct {
	ID             string          `json:"id"`
	WalletID       string          `json:"wallet_id"`
	Type           types.TxType    `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Note           string          `json:"note,omitempty"`
	PositionID     string          `json:"position_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
