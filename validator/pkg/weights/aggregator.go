package weights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/tenexium/tenex/utils/pkg/retry"
	"github.com/tenexium/tenex/validator/pkg/chain"
	"github.com/tenexium/tenex/validator/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// StakeReader is the registry surface read during aggregation.
type StakeReader interface {
	MaxSubAccountsPerParticipant(ctx context.Context) (uint64, error)
	SubAccountCount(ctx context.Context, key [32]byte) (uint64, error)
	SubAccountAt(ctx context.Context, key [32]byte, index uint64) (common.Address, error)
	StakeOf(ctx context.Context, account common.Address) (*big.Int, error)
}

type AggregatorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Reader StakeReader

	// Retry wraps every individual read. Defaults to 3 attempts with linear
	// backoff, retrying the chain error taxonomy.
	Retry retry.Config

	// Limiter paces remote reads across all goroutines. Optional.
	Limiter *rate.Limiter

	// MaxConcurrency bounds how many participants are read in parallel. Defaults to 1.
	MaxConcurrency int
}

func (cfg *AggregatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reader == nil {
		return errors.New("stake reader is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
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

// Aggregator turns the participant universe into unnormalized scores.
type Aggregator struct {
	log *slog.Logger
	cfg AggregatorConfig
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{log: cfg.Logger, cfg: cfg}, nil
}

// Aggregate returns one score per participant in increasing uid order. uid 0
// is carried with a zero score and never read. A failure to read the global
// sub-account cap aborts with ErrAggregationFailed, as does any read that fails
// for a reason other than a remote failure. Reads that exhaust retries on a
// remote failure are skipped and contribute zero.
func (a *Aggregator) Aggregate(ctx context.Context, participants []Participant) ([]Score, error) {
	ordered := slices.Clone(participants)
	slices.SortFunc(ordered, func(x, y Participant) int {
		return int(x.UID) - int(y.UID)
	})

	limit, err := read(ctx, a, "max_sub_accounts", func(ctx context.Context) (uint64, error) {
		return a.cfg.Reader.MaxSubAccountsPerParticipant(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read sub-account cap: %w", ErrAggregationFailed, err)
	}

	scores := make([]Score, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrency)
	for i, p := range ordered {
		scores[i] = Score{UID: p.UID, Hotkey: p.Hotkey, Value: new(big.Int)}
		if p.UID == 0 {
			continue
		}
		g.Go(func() error {
			return a.score(gctx, p, limit, &scores[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAggregationFailed, err)
	}

	var failed uint64
	for _, s := range scores {
		failed += s.Failed
	}
	a.log.Debug("weights: aggregation completed",
		"participants", len(scores),
		"active", Active(scores),
		"total_stake", Total(scores).String(),
		"skipped_reads", failed,
	)
	return scores, nil
}

// score accumulates one participant's stake into out, which no other goroutine
// touches. Reads that exhaust retries on a remote failure are skipped; any other
// error, including cancellation or a pacing deadline, is returned and aborts
// the pass.
func (a *Aggregator) score(ctx context.Context, p Participant, limit uint64, out *Score) error {
	count, err := read(ctx, a, "sub_account_count", func(ctx context.Context) (uint64, error) {
		return a.cfg.Reader.SubAccountCount(ctx, p.Key)
	})
	if err != nil {
		if !skippable(ctx, err) {
			return fmt.Errorf("uid %d: sub_account_count: %w", p.UID, err)
		}
		a.skip("sub_account_count", p, 0, err)
		out.Failed++
		return nil
	}
	count = min(count, limit)

	for i := range count {
		addr, err := read(ctx, a, "sub_account_at", func(ctx context.Context) (common.Address, error) {
			return a.cfg.Reader.SubAccountAt(ctx, p.Key, i)
		})
		if err != nil {
			if !skippable(ctx, err) {
				return fmt.Errorf("uid %d: sub_account_at %d: %w", p.UID, i, err)
			}
			a.skip("sub_account_at", p, i, err)
			out.Failed++
			continue
		}

		stake, err := read(ctx, a, "stake_of", func(ctx context.Context) (*big.Int, error) {
			return a.cfg.Reader.StakeOf(ctx, addr)
		})
		if err != nil {
			if !skippable(ctx, err) {
				return fmt.Errorf("uid %d: stake_of %d: %w", p.UID, i, err)
			}
			a.skip("stake_of", p, i, err)
			out.Failed++
			continue
		}
		if stake != nil && stake.Sign() > 0 {
			out.Value.Add(out.Value, stake)
		}
		out.SubAccounts++
	}
	return nil
}

// skippable reports whether a failed read may count as zero: only a remote
// failure while ctx is still live.
func skippable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, chain.ErrRemoteUnavailable) || errors.Is(err, chain.ErrRemoteRejected)
}

func (a *Aggregator) skip(op string, p Participant, index uint64, err error) {
	metrics.SkippedReadsTotal.WithLabelValues(op).Inc()
	a.log.Warn("weights: skipping failed read", "operation", op, "uid", p.UID, "hotkey", p.Hotkey, "index", index, "error", err)
}

func read[T any](ctx context.Context, a *Aggregator, op string, fn func(context.Context) (T, error)) (T, error) {
	cfg := a.cfg.Retry
	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RemoteRetriesTotal.WithLabelValues(op).Inc()
		a.log.Debug("weights: retrying read", "operation", op, "attempt", attempt, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	return retry.Value(ctx, cfg, func() (T, error) {
		if a.cfg.Limiter != nil {
			if err := a.cfg.Limiter.Wait(ctx); err != nil {
				var zero T
				if ctx.Err() != nil {
					return zero, ctx.Err()
				}
				// Wait fails early when the next token lands after the deadline.
				return zero, fmt.Errorf("rate limiter: %w: %v", context.DeadlineExceeded, err)
			}
		}
		return fn(ctx)
	})
}
