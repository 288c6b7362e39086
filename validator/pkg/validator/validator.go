package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tenexium/tenex/utils/pkg/retry"
	"github.com/tenexium/tenex/validator/pkg/chain"
	"github.com/tenexium/tenex/validator/pkg/history"
	"github.com/tenexium/tenex/validator/pkg/protocol"
	"github.com/tenexium/tenex/validator/pkg/scheduler"
	"github.com/tenexium/tenex/validator/pkg/state"
	"github.com/tenexium/tenex/validator/pkg/submitter"
	"github.com/tenexium/tenex/validator/pkg/weights"
	"golang.org/x/time/rate"
)

// Chain is everything the validator reads from and writes to the network.
type Chain interface {
	scheduler.BlockReader
	weights.MembershipReader
	weights.StakeReader
	submitter.Registry
	protocol.StatsReader
}

var _ Chain = (*chain.Registry)(nil)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Chain  Chain

	IntervalBlocks uint64
	PollInterval   time.Duration
	PassTimeout    time.Duration

	// MaxConcurrency bounds parallel participant reads during aggregation.
	MaxConcurrency int
	// RequestsPerSecond paces aggregation reads. Zero disables pacing.
	RequestsPerSecond float64

	ReadRetry   retry.Config
	SubmitRetry retry.Config

	Store        state.Store
	History      history.Recorder
	OnPassFailed func(error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain is required")
	}
	if cfg.IntervalBlocks == 0 {
		return errors.New("interval blocks must be greater than 0")
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Validator wires membership, aggregation, normalization and submission into
// the block-driven scheduler.
type Validator struct {
	log *slog.Logger
	cfg Config

	scheduler *scheduler.Scheduler
}

func New(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	membership, err := weights.NewMembership(weights.MembershipConfig{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Reader: cfg.Chain,
		Retry:  cfg.ReadRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create membership: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}
	aggregator, err := weights.NewAggregator(weights.AggregatorConfig{
		Logger:         cfg.Logger,
		Clock:          cfg.Clock,
		Reader:         cfg.Chain,
		Retry:          cfg.ReadRetry,
		Limiter:        limiter,
		MaxConcurrency: cfg.MaxConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}

	sub, err := submitter.New(submitter.Config{
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		Registry: cfg.Chain,
		Retry:    cfg.SubmitRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create submitter: %w", err)
	}

	collector, err := protocol.New(protocol.Config{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Reader: cfg.Chain,
		Retry:  cfg.ReadRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol collector: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		Blocks:       cfg.Chain,
		Membership:   membership,
		Aggregator:   aggregator,
		Submitter:    sub,
		Protocol:     collector,
		Interval:     cfg.IntervalBlocks,
		PollInterval: cfg.PollInterval,
		PassTimeout:  cfg.PassTimeout,
		Retry:        cfg.ReadRetry,
		Store:        cfg.Store,
		History:      cfg.History,
		OnPassFailed: cfg.OnPassFailed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Validator{
		log:       cfg.Logger,
		cfg:       cfg,
		scheduler: sched,
	}, nil
}

func (v *Validator) Ready() bool {
	return v.scheduler.Ready()
}

func (v *Validator) Status() scheduler.Status {
	return v.scheduler.Status()
}

// Run blocks until ctx is done, letting any in-flight pass finish first.
func (v *Validator) Run(ctx context.Context) error {
	v.log.Info("validator: starting",
		"interval_blocks", v.cfg.IntervalBlocks,
		"max_concurrency", v.cfg.MaxConcurrency,
		"requests_per_second", v.cfg.RequestsPerSecond,
	)
	if err := v.scheduler.Run(ctx); err != nil {
		return fmt.Errorf("scheduler stopped: %w", err)
	}
	v.log.Info("validator: stopped")
	return nil
}
