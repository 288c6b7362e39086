package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the resolved handle for one network: the registry contract plus
// the metagraph and subnet precompiles, all read through one Client.
type Registry struct {
	client    *Client
	netUID    uint16
	registry  *Contract
	metagraph *Contract
	subnet    *Contract
}

type RegistryConfig struct {
	Client          *Client
	NetUID          uint16
	RegistryAddress common.Address
	// Optional overrides for the precompile addresses.
	MetagraphAddress common.Address
	SubnetAddress    common.Address
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.RegistryAddress == (common.Address{}) {
		return nil, fmt.Errorf("registry address is required")
	}
	if cfg.MetagraphAddress == (common.Address{}) {
		cfg.MetagraphAddress = MetagraphPrecompile
	}
	if cfg.SubnetAddress == (common.Address{}) {
		cfg.SubnetAddress = SubnetPrecompile
	}
	return &Registry{
		client:    cfg.Client,
		netUID:    cfg.NetUID,
		registry:  mustContract(cfg.RegistryAddress, registryABI),
		metagraph: mustContract(cfg.MetagraphAddress, metagraphABI),
		subnet:    mustContract(cfg.SubnetAddress, subnetABI),
	}, nil
}

func (r *Registry) Address() common.Address {
	return r.registry.Address
}

func (r *Registry) NetUID() uint16 {
	return r.netUID
}

func (r *Registry) BlockNumber(ctx context.Context) (uint64, error) {
	return r.client.BlockNumber(ctx)
}

func (r *Registry) MaxSubAccountsPerParticipant(ctx context.Context) (uint64, error) {
	return r.callUint(ctx, r.registry, "maxSubAccountsPerParticipant")
}

func (r *Registry) SubAccountCount(ctx context.Context, key [32]byte) (uint64, error) {
	return r.callUint(ctx, r.registry, "subAccountCount", key)
}

func (r *Registry) SubAccountAt(ctx context.Context, key [32]byte, index uint64) (common.Address, error) {
	out, err := r.client.Call(ctx, r.registry, "subAccountAt", key, new(big.Int).SetUint64(index))
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: subAccountAt: unexpected result type %T", ErrRemoteRejected, out[0])
	}
	return addr, nil
}

func (r *Registry) StakeOf(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := r.client.Call(ctx, r.registry, "stakeOf", account)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: stakeOf: unexpected result type %T", ErrRemoteRejected, out[0])
	}
	return v, nil
}

// ProtocolStats is the registry's aggregate book, all amounts in wei.
type ProtocolStats struct {
	TotalCollateral *big.Int
	TotalBorrowed   *big.Int
	TotalVolume     *big.Int
	TotalTrades     *big.Int
	ProtocolFees    *big.Int
	TotalLPStakes   *big.Int
}

func (r *Registry) ProtocolStats(ctx context.Context) (ProtocolStats, error) {
	out, err := r.client.Call(ctx, r.registry, "getProtocolStats")
	if err != nil {
		return ProtocolStats{}, err
	}
	values := make([]*big.Int, len(out))
	for i, v := range out {
		n, ok := v.(*big.Int)
		if !ok {
			return ProtocolStats{}, fmt.Errorf("%w: getProtocolStats: unexpected result type %T at %d", ErrRemoteRejected, v, i)
		}
		values[i] = n
	}
	return ProtocolStats{
		TotalCollateral: values[0],
		TotalBorrowed:   values[1],
		TotalVolume:     values[2],
		TotalTrades:     values[3],
		ProtocolFees:    values[4],
		TotalLPStakes:   values[5],
	}, nil
}

// ParticipantCount returns the number of uids registered on the subnet.
func (r *Registry) ParticipantCount(ctx context.Context) (uint16, error) {
	out, err := r.client.Call(ctx, r.metagraph, "getUidCount", r.netUID)
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(uint16)
	if !ok {
		return 0, fmt.Errorf("%w: getUidCount: unexpected result type %T", ErrRemoteRejected, out[0])
	}
	return n, nil
}

// Hotkey returns the 32-byte public key registered at uid.
func (r *Registry) Hotkey(ctx context.Context, uid uint16) ([32]byte, error) {
	out, err := r.client.Call(ctx, r.metagraph, "getHotkey", r.netUID, uid)
	if err != nil {
		return [32]byte{}, err
	}
	key, ok := out[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: getHotkey: unexpected result type %T", ErrRemoteRejected, out[0])
	}
	return key, nil
}

// WeightsVersion returns the subnet's current weights version key.
func (r *Registry) WeightsVersion(ctx context.Context) (uint64, error) {
	out, err := r.client.Call(ctx, r.subnet, "getWeightsVersionKey", r.netUID)
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: getWeightsVersionKey: unexpected result type %T", ErrRemoteRejected, out[0])
	}
	return v, nil
}

// SubmitWeights sends submitWeights and returns the mined transaction hash.
func (r *Registry) SubmitWeights(ctx context.Context, uids, weights []uint16, versionTag uint64) (common.Hash, error) {
	receipt, err := r.client.Transact(ctx, r.registry, "submitWeights", uids, weights, versionTag)
	if err != nil {
		if receipt != nil {
			return receipt.TxHash, err
		}
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

func (r *Registry) callUint(ctx context.Context, c *Contract, method string, args ...any) (uint64, error) {
	out, err := r.client.Call(ctx, c, method, args...)
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%w: %s: unexpected result type %T", ErrRemoteRejected, method, out[0])
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s: value %s overflows uint64", ErrRemoteRejected, method, v)
	}
	return v.Uint64(), nil
}
