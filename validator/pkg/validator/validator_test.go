package validator

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/tenexium/tenex/utils/pkg/retry"
	tenextesting "github.com/tenexium/tenex/utils/pkg/testing"
	"github.com/tenexium/tenex/validator/pkg/chain"
	"github.com/tenexium/tenex/validator/pkg/state"
	"github.com/tenexium/tenex/validator/pkg/weights"
)

type submission struct {
	uids    []uint16
	weights []uint16
	version uint64
}

// fakeChain is an in-memory subnet: hotkeys[uid] owns subAccounts[hotkey],
// each with a stake.
type fakeChain struct {
	mu sync.Mutex

	block       uint64
	hotkeys     [][32]byte
	subAccounts map[[32]byte][]common.Address
	stakes      map[common.Address]*big.Int
	failStakeOf map[common.Address]bool

	submitted chan submission
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *fakeChain) ParticipantCount(context.Context) (uint16, error) {
	return uint16(len(f.hotkeys)), nil
}

func (f *fakeChain) Hotkey(_ context.Context, uid uint16) ([32]byte, error) {
	return f.hotkeys[uid], nil
}

func (f *fakeChain) MaxSubAccountsPerParticipant(context.Context) (uint64, error) {
	return 4, nil
}

func (f *fakeChain) SubAccountCount(_ context.Context, key [32]byte) (uint64, error) {
	return uint64(len(f.subAccounts[key])), nil
}

func (f *fakeChain) SubAccountAt(_ context.Context, key [32]byte, index uint64) (common.Address, error) {
	return f.subAccounts[key][index], nil
}

func (f *fakeChain) StakeOf(_ context.Context, account common.Address) (*big.Int, error) {
	if f.failStakeOf[account] {
		return nil, chain.ErrRemoteUnavailable
	}
	return f.stakes[account], nil
}

func (f *fakeChain) WeightsVersion(context.Context) (uint64, error) {
	return 1010, nil
}

func (f *fakeChain) SubmitWeights(_ context.Context, uids, w []uint16, versionTag uint64) (common.Hash, error) {
	f.submitted <- submission{uids: uids, weights: w, version: versionTag}
	return common.HexToHash("0xfeed"), nil
}

func (f *fakeChain) ProtocolStats(context.Context) (chain.ProtocolStats, error) {
	tokens := func(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18)) }
	return chain.ProtocolStats{
		TotalCollateral: tokens(40),
		TotalBorrowed:   tokens(20),
		TotalVolume:     tokens(100),
		TotalTrades:     big.NewInt(7),
		ProtocolFees:    tokens(1),
		TotalLPStakes:   tokens(50),
	}, nil
}

func newFakeChain() *fakeChain {
	f := &fakeChain{
		block:       5000,
		subAccounts: map[[32]byte][]common.Address{},
		stakes:      map[common.Address]*big.Int{},
		failStakeOf: map[common.Address]bool{},
		submitted:   make(chan submission, 4),
	}
	// uid 0 is the subnet owner; uid 1 holds 1 + 2, uid 2 holds 3 + 4 + (failing) 5.
	for uid := range 3 {
		f.hotkeys = append(f.hotkeys, [32]byte{byte(uid + 1)})
	}
	add := func(uid int, addr byte, stake int64) {
		a := common.Address{addr}
		key := f.hotkeys[uid]
		f.subAccounts[key] = append(f.subAccounts[key], a)
		f.stakes[a] = big.NewInt(stake)
	}
	add(1, 1, 10)
	add(1, 2, 20)
	add(2, 3, 30)
	add(2, 4, 40)
	add(2, 5, 1000)
	f.failStakeOf[common.Address{5}] = true
	return f
}

func TestTenex_Validator_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Logger: tenextesting.NewLogger(), Chain: newFakeChain()}
	require.EqualError(t, cfg.Validate(), "interval blocks must be greater than 0")

	cfg.IntervalBlocks = 100
	cfg.RequestsPerSecond = -1
	require.Error(t, cfg.Validate())

	cfg.RequestsPerSecond = 0
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
}

func TestTenex_Validator_EndToEndPass(t *testing.T) {
	t.Parallel()

	fc := newFakeChain()
	store := state.NewFileStore(t.TempDir() + "/state.json")
	fastRetry := retry.Config{
		MaxAttempts: 2,
		Backoff:     func(int) time.Duration { return 0 },
		Clock:       clockwork.NewRealClock(),
		Retryable:   chain.IsRetryable,
	}

	v, err := New(Config{
		Logger:            tenextesting.NewLogger(),
		Clock:             clockwork.NewFakeClock(),
		Chain:             fc,
		IntervalBlocks:    100,
		MaxConcurrency:    2,
		RequestsPerSecond: 1000,
		ReadRetry:         fastRetry,
		SubmitRetry:       fastRetry,
		Store:             store,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()

	var sub submission
	select {
	case sub = <-fc.submitted:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for submission")
	}

	require.Equal(t, []uint16{0, 1, 2}, sub.uids)
	want, err := weights.Normalize([]weights.Score{
		{UID: 0, Value: big.NewInt(0)},
		{UID: 1, Value: big.NewInt(30)},
		{UID: 2, Value: big.NewInt(70)},
	}, weights.MaxWeight)
	require.NoError(t, err)
	_, wantValues := weights.Split(want)
	require.Equal(t, wantValues, sub.weights)
	require.Equal(t, []uint16{0, 19660, 45874}, sub.weights)
	require.Equal(t, uint64(1010), sub.version)

	require.Eventually(t, func() bool {
		st := v.Status()
		return st.Watermark != nil && *st.Watermark == 5000 && st.LastPass != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, v.Ready())

	last := v.Status().LastPass
	require.NotNil(t, last)
	require.NotNil(t, last.Protocol)
	require.Equal(t, "50000000000000000000", last.Protocol.Liquidity)
	require.Equal(t, 2.5, last.Protocol.HealthRatio)

	cancel()
	require.NoError(t, <-done)

	block, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5000), block)
}
