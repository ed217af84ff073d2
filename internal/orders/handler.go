package orders

import (
	"net/http"

	"lv-simtrade/internal/apperr"
	"lv-simtrade/internal/httputil"
	"lv-simtrade/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type openOrderRequest struct {
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	QtyLot         decimal.Decimal  `json:"qty_lot"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	TPPrice        *decimal.Decimal `json:"tp_price,omitempty"`
	SLPrice        *decimal.Decimal `json:"sl_price,omitempty"`
	Leverage       *int             `json:"leverage,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

func (h *Handler) Open(w http.ResponseWriter, r *http.Request, userID string) {
	var req openOrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	res, err := h.svc.Open(r.Context(), userID, OpenRequest{
		Symbol:         req.Symbol,
		Side:           types.Side(req.Side),
		QtyLot:         req.QtyLot,
		Price:          req.Price,
		TPPrice:        req.TPPrice,
		SLPrice:        req.SLPrice,
		Leverage:       req.Leverage,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, map[string]any{"position": res.Position, "duplicated": res.Duplicated})
}

type closeOrderRequest struct {
	Price *decimal.Decimal `json:"price,omitempty"`
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request, userID string) {
	var req closeOrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	res, err := h.svc.Close(r.Context(), userID, chi.URLParam(r, "id"), req.Price)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"position":     res.Position,
		"realized_pnl": res.RealizedPnL,
		"balance":      res.Balance,
	})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	var status *types.PositionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := types.PositionStatus(raw)
		if st != types.PositionStatusOpen && st != types.PositionStatusClosed && st != types.PositionStatusCanceled {
			httputil.WriteError(w, apperr.Invalidf("BAD_REQUEST", "unknown status %q", raw))
			return
		}
		status = &st
	}
	positions, err := h.svc.List(r.Context(), userID, status)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": positions})
}
