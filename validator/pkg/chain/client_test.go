package chain

import (
	"context"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	tenextesting "github.com/tenexium/tenex/utils/pkg/testing"
)

const testPrivateKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var testRegistryAddress = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type mockBackend struct {
	mu sync.Mutex

	blockNumberFunc  func(context.Context) (uint64, error)
	nonceFunc        func(context.Context, common.Address) (uint64, error)
	callContractFunc func(context.Context, ethereum.CallMsg) ([]byte, error)
	sendFunc         func(context.Context, *types.Transaction) error
	receiptFunc      func(context.Context, common.Hash) (*types.Receipt, error)

	sent []*types.Transaction
}

func (m *mockBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if m.blockNumberFunc != nil {
		return m.blockNumberFunc(ctx)
	}
	return 1000, nil
}

func (m *mockBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(964), nil
}

func (m *mockBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.callContractFunc != nil {
		return m.callContractFunc(ctx, call)
	}
	return nil, nil
}

func (m *mockBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if m.nonceFunc != nil {
		return m.nonceFunc(ctx, account)
	}
	return 7, nil
}

func (m *mockBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(10_000_000_000), nil
}

func (m *mockBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (m *mockBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	m.sent = append(m.sent, tx)
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(ctx, tx)
	}
	return nil
}

func (m *mockBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if m.receiptFunc != nil {
		return m.receiptFunc(ctx, hash)
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
}

type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string  { return e.msg }
func (e *rpcError) ErrorCode() int { return e.code }

func newTestRegistry(t *testing.T, backend Backend) *Registry {
	t.Helper()
	return newTestRegistryWith(t, backend, ClientConfig{Clock: clockwork.NewFakeClock()})
}

func newTestRegistryWith(t *testing.T, backend Backend, cfg ClientConfig) *Registry {
	t.Helper()
	signer, err := NewSigner(testPrivateKey)
	require.NoError(t, err)
	cfg.Logger = tenextesting.NewLogger()
	cfg.Backend = backend
	cfg.Signer = signer
	client, err := NewClient(cfg)
	require.NoError(t, err)
	reg, err := NewRegistry(RegistryConfig{
		Client:          client,
		NetUID:          DefaultNetUID,
		RegistryAddress: testRegistryAddress,
	})
	require.NoError(t, err)
	return reg
}

// packResult encodes outputs for method the way the node would return them.
func packResult(t *testing.T, c *Contract, method string, values ...any) []byte {
	t.Helper()
	out, err := c.ABI.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	return out
}

func TestTenex_Chain_Client_Validate(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{Backend: &mockBackend{}})
	require.EqualError(t, err, "logger is required")

	_, err = NewClient(ClientConfig{Logger: tenextesting.NewLogger()})
	require.EqualError(t, err, "backend is required")
}

func TestTenex_Chain_Client_ErrorClassification(t *testing.T) {
	t.Parallel()

	t.Run("transport failure is unavailable", func(t *testing.T) {
		t.Parallel()
		reg := newTestRegistry(t, &mockBackend{
			blockNumberFunc: func(context.Context) (uint64, error) {
				return 0, &net.OpError{Op: "dial", Err: errors.New("connection refused")}
			},
		})
		_, err := reg.BlockNumber(context.Background())
		require.ErrorIs(t, err, ErrRemoteUnavailable)
		require.True(t, IsRetryable(err))
	})

	t.Run("rpc error is rejected", func(t *testing.T) {
		t.Parallel()
		reg := newTestRegistry(t, &mockBackend{
			callContractFunc: func(context.Context, ethereum.CallMsg) ([]byte, error) {
				return nil, &rpcError{code: 3, msg: "execution reverted"}
			},
		})
		_, err := reg.MaxSubAccountsPerParticipant(context.Background())
		require.ErrorIs(t, err, ErrRemoteRejected)
		require.NotErrorIs(t, err, ErrRemoteUnavailable)
		require.True(t, IsRetryable(err))
	})

	t.Run("server side http failure is unavailable", func(t *testing.T) {
		t.Parallel()
		reg := newTestRegistry(t, &mockBackend{
			blockNumberFunc: func(context.Context) (uint64, error) {
				return 0, rpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway"}
			},
		})
		_, err := reg.BlockNumber(context.Background())
		require.ErrorIs(t, err, ErrRemoteUnavailable)
	})

	t.Run("client side http failure is rejected", func(t *testing.T) {
		t.Parallel()
		reg := newTestRegistry(t, &mockBackend{
			blockNumberFunc: func(context.Context) (uint64, error) {
				return 0, rpc.HTTPError{StatusCode: 401, Status: "401 Unauthorized"}
			},
		})
		_, err := reg.BlockNumber(context.Background())
		require.ErrorIs(t, err, ErrRemoteRejected)
	})

	t.Run("unrecognized failure is rejected", func(t *testing.T) {
		t.Parallel()
		reg := newTestRegistry(t, &mockBackend{
			blockNumberFunc: func(context.Context) (uint64, error) {
				return 0, errors.New("invalid sender")
			},
		})
		_, err := reg.BlockNumber(context.Background())
		require.ErrorIs(t, err, ErrRemoteRejected)
		require.NotErrorIs(t, err, ErrRemoteUnavailable)
	})

	t.Run("empty result is rejected", func(t *testing.T) {
		t.Parallel()
		reg := newTestRegistry(t, &mockBackend{})
		_, err := reg.MaxSubAccountsPerParticipant(context.Background())
		require.ErrorIs(t, err, ErrRemoteRejected)
	})

	t.Run("caller cancellation is not retryable", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		reg := newTestRegistry(t, &mockBackend{
			blockNumberFunc: func(ctx context.Context) (uint64, error) {
				return 0, ctx.Err()
			},
		})
		_, err := reg.BlockNumber(ctx)
		require.ErrorIs(t, err, context.Canceled)
		require.False(t, IsRetryable(err))
	})
}

func TestTenex_Chain_Registry_Reads(t *testing.T) {
	t.Parallel()

	key := [32]byte{1, 2, 3}
	sub := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	registry := mustContract(testRegistryAddress, registryABI)
	metagraph := mustContract(MetagraphPrecompile, metagraphABI)
	subnet := mustContract(SubnetPrecompile, subnetABI)

	backend := &mockBackend{
		callContractFunc: func(_ context.Context, call ethereum.CallMsg) ([]byte, error) {
			var c *Contract
			switch *call.To {
			case testRegistryAddress:
				c = registry
			case MetagraphPrecompile:
				c = metagraph
			case SubnetPrecompile:
				c = subnet
			default:
				return nil, errors.New("unknown contract")
			}
			method, err := c.ABI.MethodById(call.Data[:4])
			require.NoError(t, err)
			args, err := method.Inputs.Unpack(call.Data[4:])
			require.NoError(t, err)

			switch method.Name {
			case "maxSubAccountsPerParticipant":
				return packResult(t, c, method.Name, big.NewInt(5)), nil
			case "subAccountCount":
				require.Equal(t, key, args[0])
				return packResult(t, c, method.Name, big.NewInt(3)), nil
			case "subAccountAt":
				require.Equal(t, key, args[0])
				require.Equal(t, int64(2), args[1].(*big.Int).Int64())
				return packResult(t, c, method.Name, sub), nil
			case "stakeOf":
				require.Equal(t, sub, args[0])
				return packResult(t, c, method.Name, big.NewInt(1_500_000_000_000_000_000)), nil
			case "getUidCount":
				require.Equal(t, DefaultNetUID, args[0])
				return packResult(t, c, method.Name, uint16(12)), nil
			case "getHotkey":
				require.Equal(t, uint16(4), args[1])
				return packResult(t, c, method.Name, key), nil
			case "getWeightsVersionKey":
				return packResult(t, c, method.Name, uint64(1010)), nil
			case "getProtocolStats":
				return packResult(t, c, method.Name,
					big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4), big.NewInt(5), big.NewInt(6),
				), nil
			}
			return nil, errors.New("unexpected method")
		},
	}
	reg := newTestRegistry(t, backend)
	ctx := context.Background()

	maxSub, err := reg.MaxSubAccountsPerParticipant(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), maxSub)

	count, err := reg.SubAccountCount(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	addr, err := reg.SubAccountAt(ctx, key, 2)
	require.NoError(t, err)
	require.Equal(t, sub, addr)

	stake, err := reg.StakeOf(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", stake.String())

	n, err := reg.ParticipantCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(12), n)

	hk, err := reg.Hotkey(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, key, hk)

	version, err := reg.WeightsVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1010), version)

	stats, err := reg.ProtocolStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalCollateral.Int64())
	require.Equal(t, int64(2), stats.TotalBorrowed.Int64())
	require.Equal(t, int64(5), stats.ProtocolFees.Int64())
	require.Equal(t, int64(6), stats.TotalLPStakes.Int64())
}

func TestTenex_Chain_Registry_SubmitWeights(t *testing.T) {
	t.Parallel()

	t.Run("signs and waits for receipt", func(t *testing.T) {
		t.Parallel()
		backend := &mockBackend{}
		reg := newTestRegistry(t, backend)

		hash, err := reg.SubmitWeights(context.Background(), []uint16{0, 1, 2}, []uint16{0, 100, 65435}, 7)
		require.NoError(t, err)
		require.Len(t, backend.sent, 1)

		tx := backend.sent[0]
		require.Equal(t, tx.Hash(), hash)
		require.Equal(t, uint64(7), tx.Nonce())
		require.Equal(t, uint64(120_000), tx.Gas())
		require.Equal(t, testRegistryAddress, *tx.To())

		sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(964)), tx)
		require.NoError(t, err)
		signer, err := NewSigner("0x" + testPrivateKey)
		require.NoError(t, err)
		require.Equal(t, signer.Address(), sender)

		registry := mustContract(testRegistryAddress, registryABI)
		method, err := registry.ABI.MethodById(tx.Data()[:4])
		require.NoError(t, err)
		require.Equal(t, "submitWeights", method.Name)
		args, err := method.Inputs.Unpack(tx.Data()[4:])
		require.NoError(t, err)
		require.Equal(t, []uint16{0, 1, 2}, args[0])
		require.Equal(t, []uint16{0, 100, 65435}, args[1])
		require.Equal(t, uint64(7), args[2])
	})

	t.Run("reverted receipt is rejected", func(t *testing.T) {
		t.Parallel()
		reg := newTestRegistry(t, &mockBackend{
			receiptFunc: func(_ context.Context, hash common.Hash) (*types.Receipt, error) {
				return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: hash}, nil
			},
		})
		hash, err := reg.SubmitWeights(context.Background(), []uint16{1}, []uint16{1}, 0)
		require.ErrorIs(t, err, ErrTransactionReverted)
		require.ErrorIs(t, err, ErrRemoteRejected)
		require.NotEqual(t, common.Hash{}, hash)
	})

	t.Run("send failure is classified", func(t *testing.T) {
		t.Parallel()
		reg := newTestRegistry(t, &mockBackend{
			sendFunc: func(context.Context, *types.Transaction) error {
				return errors.New("dial tcp: i/o timeout")
			},
		})
		_, err := reg.SubmitWeights(context.Background(), []uint16{1}, []uint16{1}, 0)
		require.ErrorIs(t, err, ErrRemoteUnavailable)
	})
}

func TestTenex_Chain_Registry_SubmitWeightsAfterReceiptTimeout(t *testing.T) {
	t.Parallel()

	fastReceipts := ClientConfig{
		Clock:               clockwork.NewRealClock(),
		ReceiptTimeout:      20 * time.Millisecond,
		ReceiptPollInterval: 5 * time.Millisecond,
	}

	t.Run("late receipt of the first transaction is reused", func(t *testing.T) {
		t.Parallel()
		var mu sync.Mutex
		mined := false
		backend := &mockBackend{
			receiptFunc: func(_ context.Context, hash common.Hash) (*types.Receipt, error) {
				mu.Lock()
				defer mu.Unlock()
				if !mined {
					return nil, ethereum.NotFound
				}
				return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
			},
		}
		reg := newTestRegistryWith(t, backend, fastReceipts)

		_, err := reg.SubmitWeights(context.Background(), []uint16{1}, []uint16{65535}, 3)
		require.ErrorIs(t, err, ErrRemoteUnavailable)
		require.Len(t, backend.sent, 1)

		mu.Lock()
		mined = true
		mu.Unlock()

		hash, err := reg.SubmitWeights(context.Background(), []uint16{1}, []uint16{65535}, 3)
		require.NoError(t, err)
		require.Len(t, backend.sent, 1, "no second transaction is sent")
		require.Equal(t, backend.sent[0].Hash(), hash)
	})

	t.Run("unmined transaction is replaced at the same nonce", func(t *testing.T) {
		t.Parallel()
		var nonceReads int
		var mu sync.Mutex
		var first common.Hash
		backend := &mockBackend{
			nonceFunc: func(context.Context, common.Address) (uint64, error) {
				mu.Lock()
				defer mu.Unlock()
				nonceReads++
				// The pool already counts the pending transaction.
				return uint64(6 + nonceReads), nil
			},
			receiptFunc: func(_ context.Context, hash common.Hash) (*types.Receipt, error) {
				mu.Lock()
				defer mu.Unlock()
				if first == (common.Hash{}) {
					first = hash
				}
				if hash == first {
					return nil, ethereum.NotFound
				}
				return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
			},
		}
		reg := newTestRegistryWith(t, backend, fastReceipts)

		_, err := reg.SubmitWeights(context.Background(), []uint16{1}, []uint16{65535}, 3)
		require.ErrorIs(t, err, ErrRemoteUnavailable)

		hash, err := reg.SubmitWeights(context.Background(), []uint16{1}, []uint16{65535}, 3)
		require.NoError(t, err)
		require.Len(t, backend.sent, 2)

		original, replacement := backend.sent[0], backend.sent[1]
		require.Equal(t, replacement.Hash(), hash)
		require.Equal(t, original.Nonce(), replacement.Nonce())
		require.Equal(t, 1, nonceReads, "the replacement reuses the pending nonce")
		require.Equal(t, "11250000000", replacement.GasPrice().String())

		// Settled: the next submission takes a fresh nonce.
		_, err = reg.SubmitWeights(context.Background(), []uint16{1}, []uint16{65535}, 4)
		require.NoError(t, err)
		require.Equal(t, uint64(8), backend.sent[2].Nonce())
	})
}

func TestTenex_Chain_Signer(t *testing.T) {
	t.Parallel()

	_, err := NewSigner("")
	require.ErrorIs(t, err, ErrMissingPrivateKey)

	_, err = NewSigner("not-hex")
	require.Error(t, err)

	a, err := NewSigner(testPrivateKey)
	require.NoError(t, err)
	b, err := NewSigner("0x" + testPrivateKey)
	require.NoError(t, err)
	require.Equal(t, a.Address(), b.Address())
}

func TestTenex_Chain_Network(t *testing.T) {
	t.Parallel()

	t.Run("rpc urls", func(t *testing.T) {
		t.Parallel()
		url, err := RPCURL(NetworkMainnet)
		require.NoError(t, err)
		require.Equal(t, "https://lite.chain.opentensor.ai", url)
		url, err = RPCURL(NetworkTestnet)
		require.NoError(t, err)
		require.Equal(t, "https://test.chain.opentensor.ai", url)
		_, err = RPCURL("devnet")
		require.ErrorIs(t, err, ErrUnsupportedNetwork)
	})

	t.Run("deployment address", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := filepath.Join(dir, "testnet-tenexium.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"tenexiumProtocol":{"proxy":"0x00000000000000000000000000000000000000aa"}}`), 0o644))

		addr, err := DeploymentAddress(dir, NetworkTestnet, "tenexium")
		require.NoError(t, err)
		require.Equal(t, testRegistryAddress, addr)

		_, err = DeploymentAddress(dir, NetworkMainnet, "tenexium")
		require.Error(t, err)
	})
}
