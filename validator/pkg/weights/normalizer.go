package weights

import (
	"fmt"
	"math/big"
)

// Normalize scales scores into a weight vector whose sum never exceeds
// maxWeight. Entries keep the order of scores.
//
// With a zero total the whole of maxWeight goes to the first entry. Otherwise
// every entry after the first gets floor(score * maxWeight / total) and the
// first entry passes its raw score through, capped at whatever headroom the
// scaled entries leave.
//
// OPEN QUESTION: the first-slot passthrough mirrors what the registry has
// always received for uid 0. It is likely meant to reserve that slot rather
// than carry a raw stake, and needs confirming against the registry's
// on-chain expectations before it is treated as settled.
func Normalize(scores []Score, maxWeight uint16) ([]Weight, error) {
	weights := make([]Weight, len(scores))
	if len(scores) == 0 {
		return weights, nil
	}
	for i, s := range scores {
		if s.Value != nil && s.Value.Sign() < 0 {
			return nil, fmt.Errorf("negative score for uid %d", s.UID)
		}
		weights[i].UID = s.UID
	}

	total := Total(scores)
	if total.Sign() == 0 {
		weights[0].Value = maxWeight
		return weights, nil
	}

	max := new(big.Int).SetUint64(uint64(maxWeight))
	var assigned uint64
	scaled := new(big.Int)
	for i := 1; i < len(scores); i++ {
		if scores[i].Value == nil {
			continue
		}
		scaled.Mul(scores[i].Value, max)
		scaled.Quo(scaled, total)
		// scores[i] <= total, so scaled <= maxWeight.
		weights[i].Value = uint16(scaled.Uint64())
		assigned += scaled.Uint64()
	}

	headroom := uint64(maxWeight) - assigned
	if first := scores[0].Value; first != nil {
		if first.IsUint64() && first.Uint64() < headroom {
			weights[0].Value = uint16(first.Uint64())
		} else {
			weights[0].Value = uint16(headroom)
		}
	}
	return weights, nil
}
