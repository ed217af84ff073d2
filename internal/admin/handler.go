// Package admin exposes the operator-only surface: instrument reference data
// and manual wallet corrections. Price-steering verbs live with the simulator.
package admin

import (
	"net/http"

	"lv-simtrade/internal/apperr"
	"lv-simtrade/internal/httputil"
	"lv-simtrade/internal/model"
	"lv-simtrade/internal/storage"
	"lv-simtrade/internal/wallet"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	store     storage.Store
	walletSvc *wallet.Service
}

func NewHandler(store storage.Store, walletSvc *wallet.Service) *Handler {
	return &Handler{store: store, walletSvc: walletSvc}
}

type instrumentRequest struct {
	Key          string          `json:"key"`
	ContractSize decimal.Decimal `json:"contract_size"`
	MinLot       decimal.Decimal `json:"min_lot"`
	LotStep      decimal.Decimal `json:"lot_step"`
	LeverageMax  int             `json:"leverage_max"`
	IsActive     bool            `json:"is_active"`
}

func (h *Handler) UpsertInstrument(w http.ResponseWriter, r *http.Request) {
	var req instrumentRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	if req.Key == "" || !req.ContractSize.IsPositive() || !req.MinLot.IsPositive() ||
		!req.LotStep.IsPositive() || req.LeverageMax < 1 {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", "key, contract_size, min_lot, lot_step and leverage_max are required"))
		return
	}
	ins := model.Instrument{
		Key:          req.Key,
		ContractSize: req.ContractSize,
		MinLot:       req.MinLot,
		LotStep:      req.LotStep,
		LeverageMax:  req.LeverageMax,
		IsActive:     req.IsActive,
	}
	if err := h.store.UpsertInstrument(r.Context(), ins); err != nil {
		httputil.WriteError(w, err)
		return
	}
	stored, err := h.store.InstrumentByKey(r.Context(), req.Key)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stored)
}

type adjustRequest struct {
	Delta decimal.Decimal `json:"delta"`
	Note  string          `json:"note,omitempty"`
}

func (h *Handler) AdjustWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req adjustRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	res, err := h.walletSvc.Adjust(r.Context(), userID, req.Delta, req.Note)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"transaction": res.Transaction,
		"balance":     res.Balance,
	})
}
