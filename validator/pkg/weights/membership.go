package weights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tenexium/tenex/utils/pkg/retry"
	"github.com/tenexium/tenex/utils/pkg/ss58"
	"github.com/tenexium/tenex/validator/pkg/chain"
)

// MembershipReader is the metagraph surface used to enumerate participants.
type MembershipReader interface {
	ParticipantCount(ctx context.Context) (uint16, error)
	Hotkey(ctx context.Context, uid uint16) ([32]byte, error)
}

type MembershipConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Reader MembershipReader
	Retry  retry.Config

	// SS58Prefix is used to render hotkeys. Defaults to the generic substrate prefix.
	SS58Prefix uint16
}

func (cfg *MembershipConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reader == nil {
		return errors.New("membership reader is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SS58Prefix == 0 {
		cfg.SS58Prefix = ss58.GenericPrefix
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

// Membership snapshots the subnet's participants at the start of a pass.
type Membership struct {
	log *slog.Logger
	cfg MembershipConfig
}

func NewMembership(cfg MembershipConfig) (*Membership, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Membership{log: cfg.Logger, cfg: cfg}, nil
}

// Participants returns every registered uid in order. Unlike stake reads, a
// failed membership read invalidates the pass.
func (m *Membership) Participants(ctx context.Context) ([]Participant, error) {
	count, err := retry.Value(ctx, m.cfg.Retry, func() (uint16, error) {
		return m.cfg.Reader.ParticipantCount(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read participant count: %w", ErrAggregationFailed, err)
	}

	participants := make([]Participant, 0, count)
	for uid := range count {
		key, err := retry.Value(ctx, m.cfg.Retry, func() ([32]byte, error) {
			return m.cfg.Reader.Hotkey(ctx, uid)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read hotkey for uid %d: %w", ErrAggregationFailed, uid, err)
		}
		hotkey, err := ss58.Encode(key, m.cfg.SS58Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to encode hotkey for uid %d: %w", uid, err)
		}
		participants = append(participants, Participant{UID: uid, Hotkey: hotkey, Key: key})
	}

	m.log.Debug("weights: membership loaded", "participants", len(participants))
	return participants, nil
}
