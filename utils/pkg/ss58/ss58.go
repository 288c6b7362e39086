// Package ss58 encodes and decodes Substrate SS58 addresses carrying 32-byte
// public keys, the identity format used for participant hotkeys.
package ss58

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// GenericPrefix is the generic Substrate address format.
const GenericPrefix uint16 = 42

const (
	publicKeyLen = 32
	checksumLen  = 2
)

var (
	checksumPrefix = []byte("SS58PRE")
	evmMirrorTag   = []byte("evm:")

	ErrInvalidAddress  = errors.New("invalid ss58 address")
	ErrInvalidChecksum = errors.New("invalid ss58 checksum")
)

// Decode returns the network prefix and public key of an SS58 address.
func Decode(address string) (uint16, [32]byte, error) {
	var key [32]byte
	raw, err := base58.Decode(address)
	if err != nil {
		return 0, key, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if len(raw) < 1 {
		return 0, key, ErrInvalidAddress
	}

	var prefix uint16
	var prefixLen int
	switch {
	case raw[0] < 64:
		prefix = uint16(raw[0])
		prefixLen = 1
	case raw[0] < 128:
		if len(raw) < 2 {
			return 0, key, ErrInvalidAddress
		}
		lower := uint16(raw[0]&0x3f)<<2 | uint16(raw[1]>>6)
		upper := uint16(raw[1] & 0x3f)
		prefix = lower | upper<<8
		prefixLen = 2
	default:
		return 0, key, fmt.Errorf("%w: reserved prefix byte %d", ErrInvalidAddress, raw[0])
	}

	if len(raw) != prefixLen+publicKeyLen+checksumLen {
		return 0, key, fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(raw))
	}

	body := raw[:prefixLen+publicKeyLen]
	sum := checksum(body)
	if !bytes.Equal(sum[:checksumLen], raw[prefixLen+publicKeyLen:]) {
		return 0, key, ErrInvalidChecksum
	}

	copy(key[:], raw[prefixLen:prefixLen+publicKeyLen])
	return prefix, key, nil
}

// Encode renders a public key as an SS58 address under the given prefix.
func Encode(key [32]byte, prefix uint16) (string, error) {
	var pre []byte
	switch {
	case prefix < 64:
		pre = []byte{byte(prefix)}
	case prefix < 16384:
		first := byte((prefix&0x00fc)>>2) | 0x40
		second := byte(prefix>>8) | byte((prefix&0x0003)<<6)
		pre = []byte{first, second}
	default:
		return "", fmt.Errorf("ss58 prefix %d out of range", prefix)
	}

	body := append(pre, key[:]...)
	sum := checksum(body)
	return base58.Encode(append(body, sum[:checksumLen]...)), nil
}

// MirrorAddress returns the SS58 account that mirrors a 20-byte EVM address,
// blake2b-256("evm:" || h160).
func MirrorAddress(h160 [20]byte, prefix uint16) (string, error) {
	return Encode(blake2b.Sum256(append(append([]byte{}, evmMirrorTag...), h160[:]...)), prefix)
}

func checksum(body []byte) [64]byte {
	return blake2b.Sum512(append(append([]byte{}, checksumPrefix...), body...))
}
