package submitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/tenexium/tenex/utils/pkg/retry"
	"github.com/tenexium/tenex/validator/pkg/chain"
	"github.com/tenexium/tenex/validator/pkg/metrics"
	"github.com/tenexium/tenex/validator/pkg/weights"
)

var ErrSubmissionFailed = errors.New("submission failed")

// Registry is the write surface of the weight registry.
type Registry interface {
	WeightsVersion(ctx context.Context) (uint64, error)
	SubmitWeights(ctx context.Context, uids, weights []uint16, versionTag uint64) (common.Hash, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry Registry

	// Retry wraps the version fetch and the transaction together. Defaults to
	// 2 attempts, since a submission is far costlier than a single read.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 2
	}
	if cfg.Retry.Backoff == nil {
		cfg.Retry.Backoff = retry.LinearBackoff(2 * time.Second)
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = chain.IsRetryable
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

// Result is the outcome of one submission. Success is set only once the
// transaction is mined without reverting.
type Result struct {
	Success    bool
	Detail     string
	Block      uint64
	TxHash     common.Hash
	VersionKey uint64
	Attempts   int
}

// Err returns nil on success, otherwise an error matching ErrSubmissionFailed.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSubmissionFailed, r.Detail)
}

type Submitter struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Submitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Submitter{log: cfg.Logger, cfg: cfg}, nil
}

// Submit sends the weight vector for the pass that started at block. It never
// returns an error; failures are reported through Result.
func (s *Submitter) Submit(ctx context.Context, block uint64, vector []weights.Weight) Result {
	res := Result{Block: block}
	if len(vector) == 0 {
		res.Detail = "empty weight vector"
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return res
	}
	uids, values := weights.Split(vector)

	cfg := s.cfg.Retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.RemoteRetriesTotal.WithLabelValues("submit_weights").Inc()
		s.log.Warn("submitter: retrying submission", "block", block, "attempt", attempt, "delay", delay, "error", err)
	}

	hash, err := retry.Value(ctx, cfg, func() (common.Hash, error) {
		res.Attempts++
		version, err := s.cfg.Registry.WeightsVersion(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to read weights version: %w", err)
		}
		res.VersionKey = version

		hash, err := s.cfg.Registry.SubmitWeights(ctx, uids, values, version)
		if err != nil {
			res.TxHash = hash
			return common.Hash{}, fmt.Errorf("failed to submit weights: %w", err)
		}
		return hash, nil
	})
	if err != nil {
		res.Detail = err.Error()
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		s.log.Error("submitter: submission failed", "block", block, "attempts", res.Attempts, "error", err)
		return res
	}

	res.Success = true
	res.TxHash = hash
	res.Detail = fmt.Sprintf("weights set in tx %s", hash.Hex())
	metrics.SubmissionsTotal.WithLabelValues("success").Inc()
	s.log.Info("submitter: weights submitted",
		"block", block,
		"tx_hash", hash.Hex(),
		"version_key", res.VersionKey,
		"participants", len(vector),
		"attempts", res.Attempts,
	)
	return res
}
