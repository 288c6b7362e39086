package weights

import (
	"errors"
	"math/big"
)

// MaxWeight is the fixed-point scale of a weight vector.
const MaxWeight uint16 = 65535

var ErrAggregationFailed = errors.New("aggregation failed")

// Participant is one member of the subnet at pass time. Key is the 32-byte
// public key behind Hotkey and is what the registry is keyed on.
type Participant struct {
	UID    uint16
	Hotkey string
	Key    [32]byte
}

// Score is the unnormalized contribution of one participant: the summed stake
// of its sub-accounts, in wei.
type Score struct {
	UID    uint16
	Hotkey string
	Value  *big.Int

	// SubAccounts is the number of sub-accounts whose stake was read.
	SubAccounts uint64
	// Failed is the number of reads skipped after exhausting retries.
	Failed uint64
}

type Weight struct {
	UID   uint16
	Value uint16
}

// Total sums the score values. Nil values count as zero.
func Total(scores []Score) *big.Int {
	total := new(big.Int)
	for _, s := range scores {
		if s.Value != nil {
			total.Add(total, s.Value)
		}
	}
	return total
}

// Active counts scores greater than zero.
func Active(scores []Score) int {
	n := 0
	for _, s := range scores {
		if s.Value != nil && s.Value.Sign() > 0 {
			n++
		}
	}
	return n
}

// Split returns the uid and value columns of a weight vector.
func Split(weights []Weight) (uids, values []uint16) {
	uids = make([]uint16, len(weights))
	values = make([]uint16, len(weights))
	for i, w := range weights {
		uids[i] = w.UID
		values[i] = w.Value
	}
	return uids, values
}
