package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/tenexium/tenex/validator/pkg/clickhouse"
	"github.com/tenexium/tenex/validator/pkg/metrics"
	"github.com/tenexium/tenex/validator/pkg/protocol"
	"github.com/tenexium/tenex/validator/pkg/weights"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPanic   = "panic"
)

// Pass is the audit record of one weight pass.
type Pass struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Block      uint64
	Watermark  uint64
	Status     string
	Detail     string

	Participants int
	Active       int
	TotalStake   *big.Int
	SkippedReads uint64
	Weights      []weights.Weight
	VersionKey   uint64
	TxHash       string

	// Protocol is nil when the stats read failed.
	Protocol *protocol.Health
}

// Recorder stores pass records. Recording is best effort and never affects
// the watermark.
type Recorder interface {
	Record(ctx context.Context, pass Pass) error
}

type ClickHouseRecorderConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
	Network    string
	NetUID     uint16
	Validator  string
}

func (cfg *ClickHouseRecorderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Network == "" {
		return errors.New("network is required")
	}
	return nil
}

// ClickHouseRecorder appends pass records to validator_weight_passes.
type ClickHouseRecorder struct {
	log *slog.Logger
	cfg ClickHouseRecorderConfig
}

func NewClickHouseRecorder(cfg ClickHouseRecorderConfig) (*ClickHouseRecorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHouseRecorder{log: cfg.Logger, cfg: cfg}, nil
}

const insertPassQuery = `INSERT INTO validator_weight_passes (
	pass_id, network, netuid, validator, started_at, finished_at, block, watermark,
	status, detail, participants, active_participants, total_stake, skipped_reads,
	uids, weights, version_key, tx_hash,
	protocol_liquidity, protocol_borrowed, health_ratio
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (r *ClickHouseRecorder) Record(ctx context.Context, pass Pass) error {
	conn, err := r.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		metrics.HistoryWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	stake := pass.TotalStake
	if stake == nil {
		stake = new(big.Int)
	}
	uids, values := weights.Split(pass.Weights)
	liquidity, borrowed, ratio := new(big.Int), new(big.Int), 0.0
	if p := pass.Protocol; p != nil {
		liquidity, borrowed, ratio = p.Liquidity, p.Borrowed, p.HealthRatio
	}

	err = conn.Exec(clickhouse.ContextWithSyncInsert(ctx), insertPassQuery,
		pass.ID,
		r.cfg.Network,
		r.cfg.NetUID,
		r.cfg.Validator,
		pass.StartedAt.UTC(),
		pass.FinishedAt.UTC(),
		pass.Block,
		pass.Watermark,
		pass.Status,
		pass.Detail,
		uint32(pass.Participants),
		uint32(pass.Active),
		stake,
		pass.SkippedReads,
		uids,
		values,
		pass.VersionKey,
		pass.TxHash,
		liquidity,
		borrowed,
		ratio,
	)
	if err != nil {
		metrics.HistoryWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to insert pass %s: %w", pass.ID, err)
	}

	metrics.HistoryWritesTotal.WithLabelValues("success").Inc()
	r.log.Debug("history: pass recorded", "pass_id", pass.ID, "status", pass.Status)
	return nil
}
