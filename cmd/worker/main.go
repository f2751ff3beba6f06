package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"medledger/internal/config"
	"medledger/internal/ledger"
	"medledger/internal/store"
	"medledger/internal/telemetry"
	"medledger/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("open job store", zap.Error(err))
	}
	defer st.Close()

	signer, err := loadSigner(cfg, logger)
	if err != nil {
		logger.Fatal("load signer", zap.Error(err))
	}
	client, err := ledger.New(cfg, signer)
	if err != nil {
		logger.Fatal("init ledger client", zap.Error(err))
	}

	var sink worker.ResultSink = worker.NopSink{}
	if cfg.CallbackURL != "" {
		sink = worker.NewWebhookSink(cfg.CallbackURL)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	processor := worker.NewProcessor(cfg, st, client, sink, logger)
	logger.Info("worker started",
		zap.String("store", cfg.StoreBackend),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Duration("backoff_base", cfg.BackoffBase),
		zap.String("wallet", signer.Address()))
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", zap.Error(err))
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreBackend == "badger" {
		return store.NewBadger(cfg.BadgerPath)
	}
	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// loadSigner reads the configured seed. The worker submits real
// transactions, so an unset seed only gets an ephemeral keypair with a loud
// warning; anything it signs is unfunded.
func loadSigner(cfg config.Config, logger *zap.Logger) (*ledger.Signer, error) {
	if cfg.SignerSeed != "" {
		return ledger.NewSignerFromSeed(cfg.SignerSeed)
	}
	logger.Warn("SIGNER_SEED not set, using an ephemeral keypair")
	return ledger.GenerateSigner()
}
