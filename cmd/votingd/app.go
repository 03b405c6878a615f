package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"voting-audit/ballot"
	"voting-audit/blockchain"
	"voting-audit/config"
	"voting-audit/encryption"
	"voting-audit/registry"
	"voting-audit/service"
	"voting-audit/storage"
)

// app is the fully wired daemon. Subcommands build one and use the parts
// they need.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    storage.Store
	chain    *blockchain.Chain
	registry *prometheus.Registry
	ledger   *service.VoteLedger
	queue    *service.PrintQueueEngine
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	if a.store, err = openStore(cfg.Storage); err != nil {
		return nil, err
	}

	seed, err := registry.LoadSeed(cfg.Registry.SeedFile)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := seed.Apply(ctx, a.store); err != nil {
		a.close()
		return nil, err
	}
	log.Info().Int("voters", len(seed.Voters)).Int("stations", len(seed.Stations)).Msg("registry loaded")

	key, err := encryption.LoadOrGenerateKey(cfg.Election.KeyFile)
	if err != nil {
		a.close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(a.registry)

	shared := []service.Option{service.WithMetrics(metrics), service.WithLogger(log)}

	a.queue = service.NewPrintQueueEngine(a.store, ballot.NewFormatter(), service.QueueConfig{
		MaxAttempts:     cfg.PrintQueue.MaxAttempts,
		DefaultPriority: cfg.PrintQueue.DefaultPriority,
		MaxBatchSize:    service.DefaultQueueConfig().MaxBatchSize,
	}, shared...)

	ledgerOpts := shared
	if cfg.Ledger.Enabled {
		if a.chain, err = openChain(cfg.Ledger, log); err != nil {
			a.close()
			return nil, err
		}
		ledgerOpts = append(ledgerOpts, service.WithAnchor(blockchain.WithTimeout(a.chain, cfg.Ledger.Timeout)))
	} else {
		log.Warn().Msg("ledger disabled, votes will stay pending")
	}
	if cfg.PrintQueue.AutoEnqueue {
		ledgerOpts = append(ledgerOpts, service.WithEnqueuer(a.queue))
	}
	a.ledger = service.NewVoteLedger(a.store, encryption.NewECIESEngineWithKey(key), ledgerOpts...)

	return a, nil
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("failed to close store")
	}
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite":
		if !strings.HasPrefix(cfg.DSN, ":memory:") && !strings.HasPrefix(cfg.DSN, "file:") {
			if err := ensureParent(cfg.DSN); err != nil {
				return nil, err
			}
		}
		return storage.OpenSQLite(cfg.DSN)
	}
	return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
}

func openChain(cfg config.LedgerConfig, log zerolog.Logger) (*blockchain.Chain, error) {
	file, err := blockchain.NewChainFile(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return blockchain.NewChain(file, cfg.Difficulty, log)
}

func ensureParent(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	return nil
}
