package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tenexium/tenex/utils/pkg/logger"
	"github.com/tenexium/tenex/utils/pkg/retry"
	"github.com/tenexium/tenex/utils/pkg/ss58"
	"github.com/tenexium/tenex/validator/pkg/chain"
	"github.com/tenexium/tenex/validator/pkg/clickhouse"
	"github.com/tenexium/tenex/validator/pkg/history"
	"github.com/tenexium/tenex/validator/pkg/metrics"
	"github.com/tenexium/tenex/validator/pkg/server"
	"github.com/tenexium/tenex/validator/pkg/state"
	"github.com/tenexium/tenex/validator/pkg/validator"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg appConfig
	flags := newFlagSet(&cfg)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if err := loadEnvFile(cfg.EnvFile); err != nil {
		return err
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return err
	}

	log := logger.NewWithOptions(logger.Options{Verbose: cfg.Verbose, JSON: cfg.LogJSON})

	if cfg.ClickHouseStatus {
		return clickhouse.MigrationStatus(context.Background(), log, cfg.ClickHouse)
	}

	if err := cfg.validate(); err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	onPassFailed := func(error) {}
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnv,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		onPassFailed = func(err error) {
			sentry.CaptureException(err)
		}
		log.Info("sentry: error reporting enabled", "environment", cfg.SentryEnv)
	}

	signer, err := chain.NewSigner(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to load validator key: %w", err)
	}

	contractAddr, err := resolveContract(cfg)
	if err != nil {
		return err
	}

	backend, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer backend.Close()

	client, err := chain.NewClient(chain.ClientConfig{
		Logger:  log,
		Backend: backend,
		Signer:  signer,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain client: %w", err)
	}

	registry, err := chain.NewRegistry(chain.RegistryConfig{
		Client:          client,
		NetUID:          cfg.NetUID,
		RegistryAddress: contractAddr,
	})
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}

	address := signer.Address()
	mirror, err := ss58.MirrorAddress(address, ss58.GenericPrefix)
	if err != nil {
		return fmt.Errorf("failed to derive ss58 mirror address: %w", err)
	}
	var hotkey string
	if cfg.Hotkey != "" {
		hotkey = cfg.Hotkey
		log.Info("validator: hotkey", "ss58", hotkey, "public_key", common.Bytes2Hex(cfg.HotkeyKey[:]))
	}
	log.Info("validator: identity",
		"network", cfg.Network,
		"netuid", cfg.NetUID,
		"rpc_url", cfg.RPCURL,
		"contract", contractAddr.Hex(),
		"address", address.Hex(),
		"ss58_mirror", mirror,
	)

	var pings []func(context.Context) error

	store, closeStore, err := openStore(ctx, log, cfg, address)
	if err != nil {
		return err
	}
	defer closeStore()
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		pings = append(pings, p.Ping)
	}

	var recorder history.Recorder
	if cfg.ClickHouseEnable {
		rec, ch, err := openHistory(ctx, log, cfg, address)
		if err != nil {
			return err
		}
		defer ch.Close()
		recorder = rec
		pings = append(pings, ch.Ping)
	}

	readRetry := retry.DefaultConfig()
	readRetry.MaxAttempts = cfg.ReadAttempts
	readRetry.Backoff = retry.ExponentialBackoff(500*time.Millisecond, 8*time.Second)
	readRetry.Retryable = chain.IsRetryable
	submitRetry := retry.DefaultConfig()
	submitRetry.MaxAttempts = cfg.SubmitAttempts
	submitRetry.Backoff = retry.LinearBackoff(2 * time.Second)
	submitRetry.Retryable = chain.IsRetryable

	v, err := validator.New(validator.Config{
		Logger:            log,
		Chain:             registry,
		IntervalBlocks:    cfg.IntervalBlocks,
		PollInterval:      cfg.PollInterval,
		PassTimeout:       cfg.PassTimeout,
		MaxConcurrency:    cfg.MaxConcurrency,
		RequestsPerSecond: cfg.RequestsPerSec,
		ReadRetry:         readRetry,
		SubmitRetry:       submitRetry,
		Store:             store,
		History:           recorder,
		OnPassFailed:      onPassFailed,
	})
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return v.Run(gctx)
	})

	if cfg.ListenAddr != "" {
		srv, err := server.New(server.Config{
			Logger:     log,
			ListenAddr: cfg.ListenAddr,
			VersionInfo: server.VersionInfo{
				Version: version,
				Commit:  commit,
				Date:    date,
			},
			Identity: server.Identity{
				Network:  cfg.Network,
				NetUID:   cfg.NetUID,
				Address:  address.Hex(),
				SS58:     mirror,
				Hotkey:   hotkey,
				Contract: contractAddr.Hex(),
			},
			Validator: v,
			Ping:      pingAll(pings),
		})
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("validator: exited with error", "error", err)
		return err
	}
	log.Info("validator: shutdown complete")
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func resolveContract(cfg appConfig) (common.Address, error) {
	if cfg.ContractAddress != "" {
		if !common.IsHexAddress(cfg.ContractAddress) {
			return common.Address{}, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
		}
		return common.HexToAddress(cfg.ContractAddress), nil
	}
	addr, err := chain.DeploymentAddress(cfg.DeploymentsDir, cfg.Network, cfg.ContractName)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to resolve contract address: %w", err)
	}
	return addr, nil
}

// stateKey scopes a persisted watermark to one validator on one subnet.
func stateKey(network string, address common.Address, netUID uint16) string {
	return fmt.Sprintf("%s/%s/%d", network, address.Hex(), netUID)
}

func openStore(ctx context.Context, log *slog.Logger, cfg appConfig, address common.Address) (state.Store, func(), error) {
	switch cfg.StateBackend {
	case stateBackendPostgres:
		store, err := state.OpenPostgresStore(ctx, log, cfg.Postgres, stateKey(cfg.Network, address, cfg.NetUID))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres state store: %w", err)
		}
		return store, store.Close, nil
	default:
		log.Info("state: using file store", "path", cfg.StateFile)
		return state.NewFileStore(cfg.StateFile), func() {}, nil
	}
}

// pingAll checks every dependency in order, stopping at the first failure.
func pingAll(pings []func(context.Context) error) func(context.Context) error {
	if len(pings) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		for _, ping := range pings {
			if err := ping(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func openHistory(ctx context.Context, log *slog.Logger, cfg appConfig, address common.Address) (history.Recorder, clickhouse.Client, error) {
	if cfg.ClickHouseMigr {
		if err := clickhouse.Up(ctx, log, cfg.ClickHouse); err != nil {
			return nil, nil, fmt.Errorf("failed to run clickhouse migrations: %w", err)
		}
	}
	ch, err := clickhouse.NewClient(ctx, log, cfg.ClickHouse)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	rec, err := history.NewClickHouseRecorder(history.ClickHouseRecorderConfig{
		Logger:     log,
		ClickHouse: ch,
		Network:    cfg.Network,
		NetUID:     cfg.NetUID,
		Validator:  address.Hex(),
	})
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to create history recorder: %w", err)
	}
	return rec, ch, nil
}
