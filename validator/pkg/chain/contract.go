package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract pairs a deployed address with its parsed ABI. Immutable after
// construction and safe for concurrent use.
type Contract struct {
	Address common.Address
	ABI     abi.ABI
}

func NewContract(address common.Address, abiJSON string) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}
	return &Contract{Address: address, ABI: parsed}, nil
}

func mustContract(address common.Address, abiJSON string) *Contract {
	c, err := NewContract(address, abiJSON)
	if err != nil {
		panic(err)
	}
	return c
}
