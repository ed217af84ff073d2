package wallet

import (
	"net/http"

	"lv-simtrade/internal/apperr"
	"lv-simtrade/internal/httputil"

	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Overview is the user-facing risk snapshot. Margin level is null when no
// margin is locked.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request, userID string) {
	ov, err := h.svc.Overview(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var level *string
	if ov.Metrics.UsedMargin.IsPositive() {
		s := ov.Metrics.MarginLevelPct.StringFixed(2)
		level = &s
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"balance":          ov.Wallet.Balance,
		"used_margin":      ov.Metrics.UsedMargin,
		"unrealized_pnl":   ov.Metrics.UnrealizedPnL,
		"equity":           ov.Metrics.Equity,
		"free_margin":      ov.Metrics.FreeMargin,
		"margin_level_pct": level,
		"open_positions":   len(ov.Positions),
	})
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request, userID string) {
	txns, err := h.svc.Transactions(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": txns})
}

type fundingRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request, userID string) {
	var req fundingRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	res, err := h.svc.Deposit(r.Context(), userID, req.Amount, req.IdempotencyKey)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeApplyResult(w, res)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request, userID string) {
	var req fundingRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Invalid("BAD_REQUEST", err.Error()))
		return
	}
	res, err := h.svc.Withdraw(r.Context(), userID, req.Amount, req.IdempotencyKey)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeApplyResult(w, res)
}

func writeApplyResult(w http.ResponseWriter, res ApplyResult) {
	if res.Duplicated {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"duplicated": true})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"transaction": res.Transaction,
		"balance":     res.Balance,
		"duplicated":  false,
	})
}
