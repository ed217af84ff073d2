package types

type Side string

type PositionStatus string

type TxType string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Direction returns +1 for BUY and -1 for SELL.
func (s Side) Direction() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

const (
	PositionStatusOpen     PositionStatus = "OPEN"
	PositionStatusClosed   PositionStatus = "CLOSED"
	PositionStatusCanceled PositionStatus = "CANCELED"
)

const (
	TxMarginLock    TxType = "MARGIN_LOCK"
	TxMarginRelease TxType = "MARGIN_RELEASE"
	TxRealizedPnL   TxType = "REALIZED_PNL"
	TxDeposit       TxType = "DEPOSIT"
	TxWithdraw      TxType = "WITHDRAW"
	TxAdjust        TxType = "ADJUST"
)
