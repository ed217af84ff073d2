package httpserver

import (
	"net/http"

	"lv-simtrade/internal/admin"
	"lv-simtrade/internal/auth"
	"lv-simtrade/internal/httputil"
	"lv-simtrade/internal/orders"
	"lv-simtrade/internal/pricesim"
	"lv-simtrade/internal/wallet"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type RouterDeps struct {
	PriceHandler  *pricesim.Handler
	OrderHandler  *orders.Handler
	WalletHandler *wallet.Handler
	AdminHandler  *admin.Handler
	AuthService   *auth.Service
	InternalToken string
	AdminKeyHash  string
	WSHandler     http.Handler
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/v1", func(r chi.Router) {
		r.Get("/prices", d.PriceHandler.GetAll)
		r.Get("/prices/{symbol}", d.PriceHandler.GetOne)
		if d.WSHandler != nil {
			r.Get("/ws", d.WSHandler.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Post("/orders", withUser(d.OrderHandler.Open))
			r.Post("/orders/{id}/close", withUser(d.OrderHandler.Close))
			r.Get("/orders", withUser(d.OrderHandler.List))
			r.Get("/wallet/overview", withUser(d.WalletHandler.Overview))
			r.Get("/wallet/transactions", withUser(d.WalletHandler.Transactions))
			r.Post("/wallet/deposit", withUser(d.WalletHandler.Deposit))
			r.Post("/wallet/withdraw", withUser(d.WalletHandler.Withdraw))
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuth(d.InternalToken))
			r.Post("/tv/prices", d.PriceHandler.TVPrices)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuth(d.AdminKeyHash))
			r.Route("/prices/{symbol}", func(r chi.Router) {
				r.Get("/state", d.PriceHandler.State)
				r.Post("/drift-to-target", d.PriceHandler.DriftToTarget)
				r.Post("/drift-back-to-live", d.PriceHandler.DriftBackToLive)
				r.Post("/go-live-now", d.PriceHandler.GoLiveNow)
				r.Post("/spot", d.PriceHandler.SetSpot)
				r.Post("/prev-close", d.PriceHandler.SetPrevClose)
				r.Get("/leverage", d.PriceHandler.GetLeverage)
				r.Post("/leverage", d.PriceHandler.SetLeverage)
			})
			r.Post("/prices/leverage-bulk", d.PriceHandler.SetLeverageBulk)
			r.Post("/instruments", d.AdminHandler.UpsertInstrument)
			r.Post("/wallets/{userID}/adjust", d.AdminHandler.AdjustWallet)
		})
	})

	return r
}

// withUser adapts a user-scoped handler onto the authenticated route group.
func withUser(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		fn(w, r, userID)
	}
}
