package state

import "context"

// Store persists the cadence watermark across restarts.
type Store interface {
	// Load returns the stored watermark. ok is false when nothing was stored yet.
	Load(ctx context.Context) (block uint64, ok bool, err error)
	Save(ctx context.Context, block uint64) error
}

// ColdStartWatermark is the watermark assumed when none is stored: one full
// interval behind the current block, so the first check is eligible.
func ColdStartWatermark(current, interval uint64) uint64 {
	if current < interval {
		return 0
	}
	return current - interval
}
