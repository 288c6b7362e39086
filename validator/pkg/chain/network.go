package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

const (
	NetworkTestnet = "testnet"
	NetworkMainnet = "mainnet"

	DefaultNetUID uint16 = 67
)

var (
	// MetagraphPrecompile exposes subnet membership (uid count, hotkeys).
	MetagraphPrecompile = common.HexToAddress("0x0000000000000000000000000000000000000802")
	// SubnetPrecompile exposes subnet hyperparameters such as the weights version key.
	SubnetPrecompile = common.HexToAddress("0x0000000000000000000000000000000000000803")
)

var ErrUnsupportedNetwork = errors.New("unsupported network")

// RPCURL returns the EVM RPC endpoint for a network.
func RPCURL(network string) (string, error) {
	switch network {
	case NetworkTestnet:
		return "https://test.chain.opentensor.ai", nil
	case NetworkMainnet:
		return "https://lite.chain.opentensor.ai", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
}

type deployment struct {
	TenexiumProtocol struct {
		Proxy string `json:"proxy"`
	} `json:"tenexiumProtocol"`
}

// DeploymentAddress reads the proxy address from <dir>/<network>-<contract>.json.
func DeploymentAddress(dir, network, contract string) (common.Address, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", network, contract))
	data, err := os.ReadFile(path)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to read deployment config for %s: %w", network, err)
	}
	var d deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return common.Address{}, fmt.Errorf("failed to parse deployment config %s: %w", path, err)
	}
	if !common.IsHexAddress(d.TenexiumProtocol.Proxy) {
		return common.Address{}, fmt.Errorf("deployment config %s has no valid proxy address", path)
	}
	return common.HexToAddress(d.TenexiumProtocol.Proxy), nil
}
