package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/tenexium/tenex/utils/pkg/retry"
	"github.com/tenexium/tenex/validator/pkg/chain"
	"github.com/tenexium/tenex/validator/pkg/history"
	"github.com/tenexium/tenex/validator/pkg/metrics"
	"github.com/tenexium/tenex/validator/pkg/protocol"
	"github.com/tenexium/tenex/validator/pkg/state"
	"github.com/tenexium/tenex/validator/pkg/submitter"
	"github.com/tenexium/tenex/validator/pkg/weights"
)

type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

type Membership interface {
	Participants(ctx context.Context) ([]weights.Participant, error)
}

type Aggregator interface {
	Aggregate(ctx context.Context, participants []weights.Participant) ([]weights.Score, error)
}

type Submitter interface {
	Submit(ctx context.Context, block uint64, vector []weights.Weight) submitter.Result
}

type ProtocolCollector interface {
	Collect(ctx context.Context, block uint64) (protocol.Health, error)
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Blocks     BlockReader
	Membership Membership
	Aggregator Aggregator
	Submitter  Submitter

	// Interval is the number of blocks between submissions.
	Interval uint64
	// PollInterval is how long the loop idles between block checks. Defaults to
	// the nominal 12s block time.
	PollInterval time.Duration
	MaxWeight    uint16
	// PassTimeout bounds a single pass. Zero means unbounded.
	PassTimeout time.Duration

	// Retry wraps the block height read.
	Retry retry.Config

	// Protocol reads the protocol book once per pass. Optional; failures are
	// logged and never fail the pass.
	Protocol ProtocolCollector

	// Store persists the watermark. Optional.
	Store state.Store
	// History records every pass. Optional.
	History history.Recorder
	// OnPassFailed is called with the error of every failed or panicked pass. Optional.
	OnPassFailed func(error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Blocks == nil {
		return errors.New("block reader is required")
	}
	if cfg.Membership == nil {
		return errors.New("membership is required")
	}
	if cfg.Aggregator == nil {
		return errors.New("aggregator is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.Interval == 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.MaxWeight == 0 {
		cfg.MaxWeight = weights.MaxWeight
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
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

// Scheduler drives weight passes on a block cadence. The watermark is only
// written by the goroutine running Run or Tick; observers read it atomically.
type Scheduler struct {
	log *slog.Logger
	cfg Config

	state        atomic.Int32
	currentBlock atomic.Uint64
	watermark    atomic.Uint64
	hasWatermark atomic.Bool

	lastMu   sync.Mutex
	lastPass *history.Pass

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}
	retryCfg := cfg.Retry
	s.cfg.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RemoteRetriesTotal.WithLabelValues("block_number").Inc()
		s.log.Debug("scheduler: retrying block read", "attempt", attempt, "delay", delay, "error", err)
		if retryCfg.OnRetry != nil {
			retryCfg.OnRetry(attempt, delay, err)
		}
	}
	return s, nil
}

// Ready reports whether the block height has been read at least once.
func (s *Scheduler) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Watermark returns the block of the last confirmed submission. ok is false
// until one is loaded or derived on cold start.
func (s *Scheduler) Watermark() (uint64, bool) {
	return s.watermark.Load(), s.hasWatermark.Load()
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Scheduler) setWatermark(block uint64) {
	s.watermark.Store(block)
	s.hasWatermark.Store(true)
	metrics.Watermark.Set(float64(block))
}

// LoadWatermark restores the watermark from the store, if one is configured
// and holds a value.
func (s *Scheduler) LoadWatermark(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}
	block, ok, err := s.cfg.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load watermark: %w", err)
	}
	if !ok {
		s.log.Info("scheduler: no stored watermark, will derive one from the current block")
		return nil
	}
	s.setWatermark(block)
	s.log.Info("scheduler: watermark loaded", "watermark", block)
	return nil
}

// SaveWatermark persists the current watermark, if any.
func (s *Scheduler) SaveWatermark(ctx context.Context) error {
	block, ok := s.Watermark()
	if !ok || s.cfg.Store == nil {
		return nil
	}
	if err := s.cfg.Store.Save(ctx, block); err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}

// Run loads the watermark and ticks every PollInterval until ctx is done. A
// pass in flight when ctx is cancelled runs to completion. The watermark is
// saved before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.LoadWatermark(ctx); err != nil {
		return err
	}

	s.log.Info("scheduler: starting", "interval_blocks", s.cfg.Interval, "poll_interval", s.cfg.PollInterval)

	s.safeTick(ctx)

	ticker := s.cfg.Clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.shutdown(ctx)
		case <-ticker.Chan():
			s.safeTick(ctx)
		}
	}
}

func (s *Scheduler) shutdown(ctx context.Context) error {
	s.log.Info("scheduler: stopping")
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.SaveWatermark(saveCtx); err != nil {
		return err
	}
	if block, ok := s.Watermark(); ok {
		s.log.Info("scheduler: watermark saved", "watermark", block)
	}
	return nil
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer s.setState(StateIdle)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("weight pass panicked: %v", r)
			s.log.Error("scheduler: tick panicked", "panic", r)
			metrics.PassTotal.WithLabelValues(history.StatusPanic).Inc()
			s.reportFailure(err)
		}
	}()

	if err := s.Tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("scheduler: tick failed", "error", err)
	}
}

// Tick performs one block check and, when the cadence allows, one full pass.
// It returns nil when the loop is simply waiting for the next window.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.setState(StateReadingBlock)
	current, err := retry.Value(ctx, s.cfg.Retry, func() (uint64, error) {
		return s.cfg.Blocks.BlockNumber(ctx)
	})
	if err != nil {
		metrics.PassTotal.WithLabelValues("block_read_failed").Inc()
		return fmt.Errorf("failed to read block height: %w", err)
	}
	s.currentBlock.Store(current)
	metrics.CurrentBlock.Set(float64(current))
	s.readyOnce.Do(func() { close(s.readyCh) })

	watermark, ok := s.Watermark()
	if !ok {
		watermark = state.ColdStartWatermark(current, s.cfg.Interval)
		s.setWatermark(watermark)
		s.log.Info("scheduler: cold start", "current_block", current, "watermark", watermark)
	}

	if current < watermark {
		s.setState(StateWaiting)
		s.log.Warn("scheduler: current block is behind watermark", "current_block", current, "watermark", watermark)
		return nil
	}
	if current-watermark < s.cfg.Interval {
		s.setState(StateWaiting)
		s.log.Debug("scheduler: waiting for next window",
			"current_block", current,
			"watermark", watermark,
			"next_block", watermark+s.cfg.Interval,
		)
		return nil
	}

	s.setState(StateEligible)
	s.log.Info("scheduler: window reached", "current_block", current, "watermark", watermark)

	passCtx := context.WithoutCancel(ctx)
	if s.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(passCtx, s.cfg.PassTimeout)
		defer cancel()
	}
	return s.runPass(passCtx, current, watermark)
}

func (s *Scheduler) runPass(ctx context.Context, block, watermark uint64) (err error) {
	s.setState(StateSubmitting)
	pass := history.Pass{
		ID:        uuid.New(),
		StartedAt: s.cfg.Clock.Now(),
		Block:     block,
		Watermark: watermark,
	}
	log := s.log.With("pass_id", pass.ID.String(), "block", block)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("weight pass panicked: %v", r)
			pass.Status = history.StatusPanic
			pass.Detail = err.Error()
			s.finishPass(ctx, log, &pass)
			panic(r)
		}
		s.finishPass(ctx, log, &pass)
	}()

	if s.cfg.Protocol != nil {
		health, err := stageTimer(s, "protocol", func() (protocol.Health, error) {
			return s.cfg.Protocol.Collect(ctx, block)
		})
		if err != nil {
			log.Warn("scheduler: protocol stats unavailable", "error", err)
		} else {
			pass.Protocol = &health
		}
	}

	participants, err := stageTimer(s, "membership", func() ([]weights.Participant, error) {
		return s.cfg.Membership.Participants(ctx)
	})
	if err != nil {
		return s.failPass(&pass, fmt.Errorf("failed to load participants: %w", err))
	}
	pass.Participants = len(participants)

	scores, err := stageTimer(s, "aggregate", func() ([]weights.Score, error) {
		return s.cfg.Aggregator.Aggregate(ctx, participants)
	})
	if err != nil {
		return s.failPass(&pass, fmt.Errorf("failed to aggregate scores: %w", err))
	}
	pass.Active = weights.Active(scores)
	pass.TotalStake = weights.Total(scores)
	for _, sc := range scores {
		pass.SkippedReads += sc.Failed
	}
	metrics.ActiveParticipants.Set(float64(pass.Active))

	vector, err := weights.Normalize(scores, s.cfg.MaxWeight)
	if err != nil {
		return s.failPass(&pass, fmt.Errorf("failed to normalize scores: %w", err))
	}
	pass.Weights = vector

	res, _ := stageTimer(s, "submit", func() (submitter.Result, error) {
		return s.cfg.Submitter.Submit(ctx, block, vector), nil
	})
	pass.VersionKey = res.VersionKey
	if res.TxHash != (common.Hash{}) {
		pass.TxHash = res.TxHash.Hex()
	}
	if err := res.Err(); err != nil {
		return s.failPass(&pass, err)
	}

	s.setWatermark(block)
	pass.Status = history.StatusSuccess
	pass.Detail = res.Detail
	metrics.PassTotal.WithLabelValues(history.StatusSuccess).Inc()

	if err := s.SaveWatermark(ctx); err != nil {
		log.Error("scheduler: failed to persist watermark", "error", err)
	}
	return nil
}

func (s *Scheduler) failPass(pass *history.Pass, err error) error {
	pass.Status = history.StatusFailed
	pass.Detail = err.Error()
	metrics.PassTotal.WithLabelValues(history.StatusFailed).Inc()
	s.reportFailure(err)
	return err
}

func (s *Scheduler) reportFailure(err error) {
	if s.cfg.OnPassFailed != nil {
		s.cfg.OnPassFailed(err)
	}
}

func (s *Scheduler) finishPass(ctx context.Context, log *slog.Logger, pass *history.Pass) {
	pass.FinishedAt = s.cfg.Clock.Now()
	duration := pass.FinishedAt.Sub(pass.StartedAt)
	metrics.PassDuration.WithLabelValues("total").Observe(duration.Seconds())

	watermark, _ := s.Watermark()
	stake := "0"
	if pass.TotalStake != nil {
		stake = pass.TotalStake.String()
	}
	attrs := []any{
		"status", pass.Status,
		"duration", duration.String(),
		"participants", pass.Participants,
		"active", pass.Active,
		"total_stake", stake,
		"skipped_reads", pass.SkippedReads,
		"watermark", watermark,
	}
	if pass.Protocol != nil {
		attrs = append(attrs,
			"total_liquidity", pass.Protocol.Liquidity.String(),
			"total_borrowed", pass.Protocol.Borrowed.String(),
			"health_ratio", fmt.Sprintf("%.2f", pass.Protocol.HealthRatio),
		)
	}
	log.Info("scheduler: pass completed", attrs...)

	p := *pass
	s.lastMu.Lock()
	s.lastPass = &p
	s.lastMu.Unlock()

	if s.cfg.History != nil {
		if err := s.cfg.History.Record(ctx, p); err != nil {
			log.Warn("scheduler: failed to record pass history", "error", err)
		}
	}
}

func stageTimer[T any](s *Scheduler, name string, fn func() (T, error)) (T, error) {
	start := s.cfg.Clock.Now()
	defer func() {
		metrics.PassDuration.WithLabelValues(name).Observe(s.cfg.Clock.Since(start).Seconds())
	}()
	return fn()
}
