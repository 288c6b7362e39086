package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
	"github.com/tenexium/tenex/utils/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig holds the PostgreSQL connection settings.
type PostgresConfig struct {
	Host          string
	Port          string
	Database      string
	Username      string
	Password      string
	SSLMode       string
	RunMigrations bool
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.Database == "" {
		return errors.New("postgres database is required")
	}
	if cfg.Username == "" {
		return errors.New("postgres user is required")
	}
	if cfg.Password == "" {
		return errors.New("postgres password is required")
	}
	return nil
}

func (cfg PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
}

// pgConn is the subset of pgxpool.Pool the store uses.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore keeps one watermark row per validator key, so several
// validators can share a database.
type PostgresStore struct {
	conn pgConn
	key  string
	pool *pgxpool.Pool
}

// OpenPostgresStore connects, optionally migrates, and returns a store for key.
func OpenPostgresStore(ctx context.Context, log *slog.Logger, cfg PostgresConfig, key string) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errors.New("validator key is required")
	}

	log.Info("state: connecting to postgres", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "username", cfg.Username)

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if cfg.RunMigrations {
		if err := migratePostgres(ctx, log, cfg.ConnString()); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStore{conn: pool, key: key, pool: pool}, nil
}

func newPostgresStore(conn pgConn, key string) *PostgresStore {
	return &PostgresStore{conn: conn, key: key}
}

func migratePostgres(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("state: running postgres migrations")

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetLogger(logger.Goose(log))
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("state: postgres migrations completed")
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (uint64, bool, error) {
	var block int64
	err := s.conn.QueryRow(ctx,
		`SELECT last_weight_update_block FROM validator_state WHERE validator_key = $1`,
		s.key,
	).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load watermark: %w", err)
	}
	if block < 0 {
		return 0, false, fmt.Errorf("stored watermark %d is negative", block)
	}
	return uint64(block), true, nil
}

func (s *PostgresStore) Save(ctx context.Context, block uint64) error {
	if block > math.MaxInt64 {
		return fmt.Errorf("watermark %d does not fit in BIGINT", block)
	}
	_, err := s.conn.Exec(ctx,
		`INSERT INTO validator_state (validator_key, last_weight_update_block, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (validator_key) DO UPDATE
		 SET last_weight_update_block = EXCLUDED.last_weight_update_block, updated_at = now()`,
		s.key, int64(block),
	)
	if err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}

// Ping reports whether the database still answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
