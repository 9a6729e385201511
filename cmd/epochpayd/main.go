package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"epochpay/config"
	"epochpay/core/ledger"
	"epochpay/gateway"
	gwmw "epochpay/gateway/middleware"
	"epochpay/observability/logging"
	"epochpay/services/aggregator"
	"epochpay/storage"
)

func main() {
	configFile := flag.String("config", "./epochpay.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service: "epochpayd",
		Env:     cfg.Environment,
		Level:   logging.ParseLevel(cfg.LogLevel),
		File:    cfg.LogFile,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to prepare data directory", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("failed to open ledger database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	engine, publisherAddr, err := buildEngine(cfg, db)
	if err != nil {
		logger.Error("failed to initialize ledger", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := aggregator.Open(cfg.AggregatorDB)
	if err != nil {
		logger.Error("failed to open aggregator store", slog.Any("error", err))
		os.Exit(1)
	}

	sealer := aggregator.NewSealer(store, aggregator.LinearWeight{UnitEmission: cfg.UnitEmission}, logger)

	pubCfg := aggregator.DefaultPublisherConfig(publisherAddr)
	pubCfg.PollInterval = time.Duration(cfg.PublisherPollSeconds) * time.Second
	pubCfg.MaxAttempts = cfg.PublisherMaxAttempts
	publisher := aggregator.NewPublisher(store, engine, pubCfg, logger)

	server := gateway.New(gateway.Config{
		Store:     store,
		Engine:    engine,
		Sealer:    sealer,
		Publisher: publisher,
		Auth: gwmw.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.JWTSecret,
		},
		PublisherSubject: cfg.PublisherSubject,
		RateLimits: map[string]gwmw.RateLimit{
			"ingest": {RequestsPerMinute: cfg.IngestPerMinute, Burst: cfg.RateBurst},
			"claims": {RequestsPerMinute: cfg.ClaimsPerMinute, Burst: cfg.RateBurst},
			"reads":  {RequestsPerMinute: cfg.ReadsPerMinute, Burst: cfg.RateBurst},
		},
		LogRequests: true,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go publisher.Run(ctx)
	go sealLoop(ctx, store, sealer, cfg.EpochLengthSeconds, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", slog.String("address", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", slog.Any("error", err))
	}
}

func buildEngine(cfg *config.Config, db storage.Database) (*ledger.Engine, ledger.Address, error) {
	admin, err := cfg.Admin()
	if err != nil {
		return nil, ledger.Address{}, err
	}
	treasury, err := cfg.Treasury()
	if err != nil {
		return nil, ledger.Address{}, err
	}
	creatorPool, err := cfg.CreatorPool()
	if err != nil {
		return nil, ledger.Address{}, err
	}
	publisherAddr, err := cfg.Publisher()
	if err != nil {
		return nil, ledger.Address{}, err
	}

	protoCfg := ledger.DefaultProtocolConfig(admin, treasury, creatorPool)
	protoCfg.Publisher = publisherAddr
	protoCfg.FeeBasisPoints = cfg.CreatorFeeBps

	engine := ledger.NewEngine(ledger.NewKVState(db))
	if err := engine.Initialize(protoCfg); err != nil {
		return nil, ledger.Address{}, err
	}
	if len(cfg.Tiers) > 0 {
		engine.SetTierSource(ledger.StaticTierSource(cfg.Tiers))
	}
	return engine, publisherAddr, nil
}

// sealLoop freezes participation windows once their wall-clock interval has
// passed. Sealing is idempotent, so revisiting recent epochs is harmless.
func sealLoop(ctx context.Context, store *aggregator.Store, sealer *aggregator.Sealer, epochLength int64, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current := uint64(time.Now().Unix() / epochLength)
		for lookback := uint64(1); lookback <= 3 && lookback <= current; lookback++ {
			epoch := current - lookback
			if epoch == 0 {
				continue
			}
			channels, err := store.Channels(ctx, epoch)
			if err != nil {
				logger.Error("list epoch channels", slog.Uint64("epoch", epoch), slog.Any("error", err))
				continue
			}
			for _, channel := range channels {
				if _, err := sealer.Seal(ctx, channel, epoch); err != nil && !errors.Is(err, aggregator.ErrEpochEmpty) {
					logger.Error("seal epoch",
						slog.String("channel", channel),
						slog.Uint64("epoch", epoch),
						slog.Any("error", err))
				}
			}
		}
	}
}
