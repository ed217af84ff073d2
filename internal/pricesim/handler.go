package pricesim

import (
	"context"
	"net/http"

	"lv-simtrade/internal/apperr"
	"lv-simtrade/internal/httputil"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StopOutEnsurer lets the handler run an immediate risk pass after a manually
// forced price, without waiting for the debounce window.
type StopOutEnsurer interface {
	EnsureStopOutForSymbol(ctx context.Context, symbol string)
}

type Handler struct {
	log    *zap.Logger
	engine *Engine
	risk   StopOutEnsurer
}

func NewHandler(log *zap.Logger, engine *Engine, risk StopOutEnsurer) *Handler {
	return &Handler{log: log, engine: engine, risk: risk}
}

func (h *Handler) GetAll(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": h.engine.PublicViewAll()})
}

func (h *Handler) GetOne(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.PublicView(chi.URLParam(r, "symbol"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

// State returns the same view as GetOne on the admin surface; internal fields
// stay hidden even for operators.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	h.GetOne(w, r)
}

type driftRequest struct {
	Target      float64 `json:"target"`
	IntervalSec int     `json:"interval_sec"`
	TickSize    float64 `json:"tick_size"`
}

func (h *Handler) DriftToTarget(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	var req driftRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	if err := h.engine.DriftToTarget(symbol, req.Target, req.IntervalSec, req.TickSize); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.GetOne(w, r)
}

func (h *Handler) DriftBackToLive(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	var req driftRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	if err := h.engine.DriftBackToLive(symbol, req.IntervalSec, req.TickSize); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.GetOne(w, r)
}

func (h *Handler) GoLiveNow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.GoLiveNow(chi.URLParam(r, "symbol")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.GetOne(w, r)
}

type priceRequest struct {
	Price float64 `json:"price"`
}

// SetSpot forces the price and immediately runs a synchronous risk pass, so a
// manually injected crash liquidates without waiting for the throttle.
func (h *Handler) SetSpot(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	var req priceRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	if err := h.engine.SetSpot(symbol, req.Price); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if h.risk != nil {
		h.risk.EnsureStopOutForSymbol(r.Context(), symbol)
	}
	h.GetOne(w, r)
}

func (h *Handler) SetPrevClose(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	var req priceRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	if err := h.engine.SetPrevClose(symbol, req.Price); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.GetOne(w, r)
}

type leverageRequest struct {
	Leverage int `json:"leverage"`
}

func (h *Handler) GetLeverage(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "leverage": h.engine.GetLeverage(symbol)})
}

func (h *Handler) SetLeverage(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	var req leverageRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	if err := h.engine.SetLeverage(symbol, req.Leverage); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "leverage": req.Leverage})
}

func (h *Handler) SetLeverageBulk(w http.ResponseWriter, r *http.Request) {
	var req map[string]int
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	for symbol, lev := range req {
		if err := h.engine.SetLeverage(symbol, lev); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"updated": len(req)})
}

type tvPrice struct {
	Symbol    string   `json:"symbol"`
	Last      float64  `json:"last"`
	ChangePct *float64 `json:"change_pct,omitempty"`
}

type tvPricesRequest struct {
	Items []tvPrice `json:"items"`
}

// TVPrices ingests an external feed batch. A supplied daily change percent
// back-derives the reference close: prevClose = last / (1 + pct/100).
func (h *Handler) TVPrices(w http.ResponseWriter, r *http.Request) {
	var req tvPricesRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	accepted := 0
	for _, item := range req.Items {
		if item.Symbol == "" {
			continue
		}
		if item.ChangePct != nil && *item.ChangePct > -100 {
			prevClose := item.Last / (1 + *item.ChangePct/100)
			if err := h.engine.SetPrevClose(item.Symbol, prevClose); err != nil {
				h.log.Warn("tv feed: prev close rejected", zap.String("symbol", item.Symbol), zap.Error(err))
			}
		}
		if err := h.engine.PushLive(item.Symbol, item.Last); err != nil {
			h.log.Warn("tv feed: tick rejected", zap.String("symbol", item.Symbol), zap.Error(err))
			continue
		}
		accepted++
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}
