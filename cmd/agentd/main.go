package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"custody/agent/internal/clients"
	"custody/agent/internal/config"
	"custody/agent/internal/services"
	"custody/agent/internal/stores"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// store connectivity failures at startup are fatal by design; everything
	// downstream is retried or supervised
	db, err := stores.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	accounts := stores.NewLocalAccountStore(db)
	deposits := stores.NewLocalDepositStore(db)

	ks, err := stores.NewLocalKeyStore(cfg.KeystorePassphrase, cfg.KeystoreDir)
	if err != nil {
		logger.Fatal("failed to initialize key store", zap.Error(err))
	}

	alerts := clients.NewWebhookAlerts(cfg.AlertWebhookURL, logger)
	oracle := clients.NewOracleClient(cfg.OracleBaseURL, cfg.OracleIDs, cfg.PriceCacheTTL, logger)

	// plain RPC connection for confirmations and sweeps, dialed lazily on
	// first use; the supervised streaming connection is dialed separately
	// by the supervisor
	broker := services.NewChainBroker(cfg.ChainRPCURL, ks, cfg.Tokens)
	defer broker.Close()
	registry := services.NewAddressRegistry(accounts, logger)
	recorder := services.NewDepositRecorder(deposits, accounts, oracle, alerts, cfg.MinDepositUSD, logger)
	settler := services.NewSettlementProcessor(deposits, broker, alerts, cfg.CustodialAddress, cfg.NativeAsset, logger)
	reconciler := services.NewCatchUpReconciler(deposits, settler, oracle, alerts, cfg.MinDepositUSD, cfg.CatchUpInterval, logger)
	supervisor := services.NewConnectionSupervisor(cfg, registry, deposits, recorder, broker, settler, alerts, logger)
	api := services.NewApiService(cfg.APIAddr, ks, accounts, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigch
		logger.Info("stopping")
		cancel()
	}()

	if err := reconciler.Start(); err != nil {
		logger.Fatal("failed to start catch-up reconciler", zap.Error(err))
	}
	defer reconciler.Stop()

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := api.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()
	defer api.Shutdown(context.Background())

	if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("supervisor stopped", zap.Error(err))
	}
	logger.Info("stopped")
}
