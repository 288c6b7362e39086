package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tenexium/tenex/utils/pkg/retry"
	"github.com/tenexium/tenex/validator/pkg/chain"
	"github.com/tenexium/tenex/validator/pkg/metrics"
)

// OneToken is 10^18 wei, the floor applied to the borrowed amount when
// computing the health ratio.
var OneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type StatsReader interface {
	ProtocolStats(ctx context.Context) (chain.ProtocolStats, error)
}

// Health is the protocol book as seen at one block.
type Health struct {
	Block       uint64
	Liquidity   *big.Int
	Borrowed    *big.Int
	HealthRatio float64
}

// HealthRatio is liquidity / borrowed, with borrowed floored at one token so an
// empty loan book reports liquidity in whole tokens rather than dividing by zero.
func HealthRatio(liquidity, borrowed *big.Int) float64 {
	if liquidity == nil || liquidity.Sign() <= 0 {
		return 0
	}
	denom := borrowed
	if denom == nil || denom.Cmp(OneToken) < 0 {
		denom = OneToken
	}
	ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(liquidity), new(big.Float).SetInt(denom)).Float64()
	return ratio
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Reader StatsReader

	// Retry wraps the stats read. Defaults to 2 attempts.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reader == nil {
		return errors.New("stats reader is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 2
	}
	if cfg.Retry.Backoff == nil {
		cfg.Retry.Backoff = retry.LinearBackoff(time.Second)
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = chain.IsRetryable
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

// Collector reads the registry's protocol stats and publishes them as gauges.
type Collector struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Collector{log: cfg.Logger, cfg: cfg}
	onRetry := cfg.Retry.OnRetry
	c.cfg.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RemoteRetriesTotal.WithLabelValues("protocol_stats").Inc()
		c.log.Debug("protocol: retrying stats read", "attempt", attempt, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	return c, nil
}

// Collect reads the stats once through retry. Gauges keep their previous
// values when the read fails.
func (c *Collector) Collect(ctx context.Context, block uint64) (Health, error) {
	stats, err := retry.Value(ctx, c.cfg.Retry, func() (chain.ProtocolStats, error) {
		return c.cfg.Reader.ProtocolStats(ctx)
	})
	if err != nil {
		metrics.ProtocolReadsTotal.WithLabelValues("error").Inc()
		return Health{}, fmt.Errorf("failed to read protocol stats: %w", err)
	}
	metrics.ProtocolReadsTotal.WithLabelValues("success").Inc()

	h := Health{
		Block:     block,
		Liquidity: orZero(stats.TotalLPStakes),
		Borrowed:  orZero(stats.TotalBorrowed),
	}
	h.HealthRatio = HealthRatio(h.Liquidity, h.Borrowed)

	liquidity, _ := new(big.Float).SetInt(h.Liquidity).Float64()
	borrowed, _ := new(big.Float).SetInt(h.Borrowed).Float64()
	metrics.ProtocolLiquidity.Set(liquidity)
	metrics.ProtocolBorrowed.Set(borrowed)
	metrics.ProtocolHealthRatio.Set(h.HealthRatio)

	c.log.Debug("protocol: stats collected",
		"block", block,
		"liquidity", h.Liquidity.String(),
		"borrowed", h.Borrowed.String(),
		"health_ratio", h.HealthRatio,
	)
	return h, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
