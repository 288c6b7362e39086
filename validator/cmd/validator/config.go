package main

import (
	"fmt"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/tenexium/tenex/utils/pkg/ss58"
	"github.com/tenexium/tenex/validator/pkg/chain"
	"github.com/tenexium/tenex/validator/pkg/clickhouse"
	"github.com/tenexium/tenex/validator/pkg/state"
)

const (
	stateBackendFile     = "file"
	stateBackendPostgres = "postgres"
)

type appConfig struct {
	Verbose bool
	LogJSON bool
	EnvFile string

	Network          string
	NetUID           uint16
	RPCURL           string
	ContractAddress  string
	DeploymentsDir   string
	ContractName     string
	PrivateKey       string
	Hotkey           string
	HotkeyKey        [32]byte
	IntervalBlocks   uint64
	PollInterval     time.Duration
	PassTimeout      time.Duration
	MaxConcurrency   int
	RequestsPerSec   float64
	ReadAttempts     int
	SubmitAttempts   int
	ListenAddr       string
	StateBackend     string
	StateFile        string
	Postgres         state.PostgresConfig
	ClickHouse       clickhouse.Config
	ClickHouseEnable bool
	ClickHouseMigr   bool
	ClickHouseStatus bool
	SentryDSN        string
	SentryEnv        string
}

func newFlagSet(cfg *appConfig) *flag.FlagSet {
	fs := flag.NewFlagSet("validator", flag.ContinueOnError)

	fs.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose (debug) logging")
	fs.BoolVar(&cfg.LogJSON, "log-json", false, "emit JSON logs")
	fs.StringVar(&cfg.EnvFile, "env-file", ".env", "dotenv file loaded before reading environment variables, if present")

	// Network configuration
	fs.StringVar(&cfg.Network, "network", chain.NetworkMainnet, "network to validate on: mainnet or testnet (or set NETWORK env var)")
	fs.Uint16Var(&cfg.NetUID, "netuid", chain.DefaultNetUID, "subnet uid (or set NETUID env var)")
	fs.StringVar(&cfg.RPCURL, "rpc-url", "", "EVM RPC URL, defaults to the network preset (or set TENEXIUM_EVM_RPC_URL env var)")
	fs.StringVar(&cfg.ContractAddress, "contract-address", "", "registry contract address (or set TENEXIUM_CONTRACT_ADDRESS env var)")
	fs.StringVar(&cfg.DeploymentsDir, "deployments-dir", "deployments", "directory holding <network>-<contract>.json deployment files")
	fs.StringVar(&cfg.ContractName, "contract-name", "tenexium", "contract name used to find the deployment file")
	fs.StringVar(&cfg.Hotkey, "hotkey", "", "validator hotkey SS58 address, reported in logs and /status (or set VALIDATOR_HOTKEY env var)")

	// Cadence
	fs.Uint64Var(&cfg.IntervalBlocks, "interval-blocks", 100, "blocks between weight submissions (or set WEIGHT_UPDATE_INTERVAL_BLOCKS env var)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", 12*time.Second, "how often the current block is checked")
	fs.DurationVar(&cfg.PassTimeout, "pass-timeout", 0, "upper bound on a single weight pass, 0 for none")

	// Aggregation
	fs.IntVar(&cfg.MaxConcurrency, "max-concurrency", 4, "participants read in parallel during aggregation")
	fs.Float64Var(&cfg.RequestsPerSec, "requests-per-second", 20, "aggregation read rate limit, 0 to disable")
	fs.IntVar(&cfg.ReadAttempts, "read-attempts", 3, "attempts per aggregation read")
	fs.IntVar(&cfg.SubmitAttempts, "submit-attempts", 2, "attempts per weight submission")

	// Ops surface
	fs.StringVar(&cfg.ListenAddr, "listen-addr", "0.0.0.0:8080", "address for health, status and metrics endpoints, empty to disable")

	// Watermark persistence
	fs.StringVar(&cfg.StateBackend, "state-backend", stateBackendFile, "where the watermark is stored: file or postgres (or set STATE_BACKEND env var)")
	fs.StringVar(&cfg.StateFile, "state-file", state.DefaultFileName, "watermark state file (or set STATE_FILE env var)")
	fs.BoolVar(&cfg.Postgres.RunMigrations, "postgres-migrate", false, "run postgres migrations at startup (or set POSTGRES_RUN_MIGRATIONS=true env var)")

	// ClickHouse pass history
	fs.StringVar(&cfg.ClickHouse.Addr, "clickhouse-addr", "", "ClickHouse address (host:port), empty disables pass history (or set CLICKHOUSE_ADDR_TCP env var)")
	fs.StringVar(&cfg.ClickHouse.Database, "clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	fs.StringVar(&cfg.ClickHouse.Username, "clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	fs.StringVar(&cfg.ClickHouse.Password, "clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	fs.BoolVar(&cfg.ClickHouse.Secure, "clickhouse-secure", false, "enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	fs.BoolVar(&cfg.ClickHouseMigr, "clickhouse-migrate", false, "run ClickHouse migrations at startup")
	fs.BoolVar(&cfg.ClickHouseStatus, "clickhouse-migrate-status", false, "print ClickHouse migration status and exit")

	return fs
}

// applyEnv overrides flag values with environment variables that are set.
func applyEnv(cfg *appConfig, getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	setString("NETWORK", &cfg.Network)
	setString("TENEXIUM_EVM_RPC_URL", &cfg.RPCURL)
	setString("TENEXIUM_CONTRACT_ADDRESS", &cfg.ContractAddress)
	setString("STATE_BACKEND", &cfg.StateBackend)
	setString("STATE_FILE", &cfg.StateFile)
	setString("VALIDATOR_HOTKEY", &cfg.Hotkey)
	cfg.PrivateKey = getenv("VALIDATOR_ETH_PRIVATE_KEY")

	if v := getenv("NETUID"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid NETUID %q: %w", v, err)
		}
		cfg.NetUID = uint16(n)
	}
	if v := getenv("WEIGHT_UPDATE_INTERVAL_BLOCKS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid WEIGHT_UPDATE_INTERVAL_BLOCKS %q: %w", v, err)
		}
		cfg.IntervalBlocks = n
	}

	setString("POSTGRES_HOST", &cfg.Postgres.Host)
	setString("POSTGRES_PORT", &cfg.Postgres.Port)
	setString("POSTGRES_DB", &cfg.Postgres.Database)
	setString("POSTGRES_USER", &cfg.Postgres.Username)
	setString("POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)
	if getenv("POSTGRES_RUN_MIGRATIONS") == "true" {
		cfg.Postgres.RunMigrations = true
	}

	setString("CLICKHOUSE_ADDR_TCP", &cfg.ClickHouse.Addr)
	setString("CLICKHOUSE_DATABASE", &cfg.ClickHouse.Database)
	setString("CLICKHOUSE_USERNAME", &cfg.ClickHouse.Username)
	setString("CLICKHOUSE_PASSWORD", &cfg.ClickHouse.Password)
	if getenv("CLICKHOUSE_SECURE") == "true" {
		cfg.ClickHouse.Secure = true
	}
	cfg.ClickHouseEnable = cfg.ClickHouse.Addr != ""

	setString("SENTRY_DSN", &cfg.SentryDSN)
	cfg.SentryEnv = cfg.Network
	setString("SENTRY_ENVIRONMENT", &cfg.SentryEnv)
	return nil
}

// validate checks settings that do not need the network. A missing private
// key or an unknown network is fatal at startup.
func (cfg *appConfig) validate() error {
	if cfg.PrivateKey == "" {
		return fmt.Errorf("VALIDATOR_ETH_PRIVATE_KEY is required: %w", chain.ErrMissingPrivateKey)
	}
	if cfg.RPCURL == "" {
		url, err := chain.RPCURL(cfg.Network)
		if err != nil {
			return err
		}
		cfg.RPCURL = url
	}
	if cfg.IntervalBlocks == 0 {
		return fmt.Errorf("interval blocks must be greater than 0")
	}
	if cfg.Hotkey != "" {
		_, key, err := ss58.Decode(cfg.Hotkey)
		if err != nil {
			return fmt.Errorf("invalid hotkey %q: %w", cfg.Hotkey, err)
		}
		cfg.HotkeyKey = key
	}
	switch cfg.StateBackend {
	case stateBackendFile, stateBackendPostgres:
	default:
		return fmt.Errorf("unsupported state backend %q", cfg.StateBackend)
	}
	return nil
}
