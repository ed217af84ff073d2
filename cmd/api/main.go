package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lv-simtrade/internal/admin"
	"lv-simtrade/internal/auth"
	"lv-simtrade/internal/config"
	"lv-simtrade/internal/db"
	"lv-simtrade/internal/httpserver"
	"lv-simtrade/internal/orders"
	"lv-simtrade/internal/pricesim"
	"lv-simtrade/internal/risk"
	"lv-simtrade/internal/storage"
	"lv-simtrade/internal/wallet"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	var store storage.Store
	if cfg.DBDSN != "" {
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			logger.Fatal("database connect failed", zap.Error(err))
		}
		store = storage.NewPostgresStore(pool)
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Info("using in-memory store (demo mode)")
	}
	defer store.Close()
	if err := storage.Seed(ctx, store, storage.DefaultInstruments()); err != nil {
		logger.Fatal("instrument seed failed", zap.Error(err))
	}

	engine := pricesim.NewEngine(logger, cfg.DefaultLeverage)
	riskEngine := risk.NewEngine(logger, store, engine.GetPrice,
		cfg.StopOutLevel, cfg.MarginCallLevel, cfg.RiskThrottle)
	orderSvc := orders.NewService(logger, store, engine, cfg.StopOutLevel)
	riskEngine.Bind(orderSvc)
	walletSvc := wallet.NewService(logger, store, engine.GetPrice)
	authSvc := auth.NewService(cfg.JWTIssuer, cfg.JWTSecret, cfg.JWTTTL)

	priceWS := httpserver.NewPriceWS(logger, cfg.WebSocketOrigin)
	unsubscribe := engine.OnChange(func(ev pricesim.Event) {
		riskEngine.OnPriceTick(ev.Symbol)
		priceWS.Broadcast(ev)
	})
	defer unsubscribe()

	router := httpserver.NewRouter(httpserver.RouterDeps{
		PriceHandler:  pricesim.NewHandler(logger, engine, riskEngine),
		OrderHandler:  orders.NewHandler(orderSvc),
		WalletHandler: wallet.NewHandler(walletSvc),
		AdminHandler:  admin.NewHandler(store, walletSvc),
		AuthService:   authSvc,
		InternalToken: cfg.InternalToken,
		AdminKeyHash:  cfg.AdminKeyHash,
		WSHandler:     priceWS,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	logger.Info("server listening", zap.String("addr", cfg.HTTPAddr))
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
	engine.Close()
	riskEngine.Close()
	priceWS.Close()
}
