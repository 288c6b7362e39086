package scheduler

import "time"

// Status is a point-in-time view of the loop for operators.
type Status struct {
	State             string      `json:"state"`
	Ready             bool        `json:"ready"`
	CurrentBlock      uint64      `json:"current_block"`
	Watermark         *uint64     `json:"watermark,omitempty"`
	NextEligibleBlock *uint64     `json:"next_eligible_block,omitempty"`
	IntervalBlocks    uint64      `json:"interval_blocks"`
	LastPass          *PassStatus `json:"last_pass,omitempty"`
}

type PassStatus struct {
	ID           string    `json:"id"`
	Block        uint64    `json:"block"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	Duration     string    `json:"duration"`
	Participants int       `json:"participants"`
	Active       int       `json:"active_participants"`
	TotalStake   string    `json:"total_stake"`
	SkippedReads uint64    `json:"skipped_reads"`
	TxHash       string    `json:"tx_hash,omitempty"`

	Protocol *ProtocolStatus `json:"protocol,omitempty"`
}

type ProtocolStatus struct {
	Block       uint64  `json:"block"`
	Liquidity   string  `json:"total_liquidity_wei"`
	Borrowed    string  `json:"total_borrowed_wei"`
	HealthRatio float64 `json:"health_ratio"`
}

func (s *Scheduler) Status() Status {
	st := Status{
		State:          s.State().String(),
		Ready:          s.Ready(),
		CurrentBlock:   s.currentBlock.Load(),
		IntervalBlocks: s.cfg.Interval,
	}
	if watermark, ok := s.Watermark(); ok {
		next := watermark + s.cfg.Interval
		st.Watermark = &watermark
		st.NextEligibleBlock = &next
	}

	s.lastMu.Lock()
	last := s.lastPass
	s.lastMu.Unlock()
	if last != nil {
		stake := "0"
		if last.TotalStake != nil {
			stake = last.TotalStake.String()
		}
		st.LastPass = &PassStatus{
			ID:           last.ID.String(),
			Block:        last.Block,
			Status:       last.Status,
			Detail:       last.Detail,
			StartedAt:    last.StartedAt.UTC(),
			Duration:     last.FinishedAt.Sub(last.StartedAt).String(),
			Participants: last.Participants,
			Active:       last.Active,
			TotalStake:   stake,
			SkippedReads: last.SkippedReads,
			TxHash:       last.TxHash,
		}
		if p := last.Protocol; p != nil {
			st.LastPass.Protocol = &ProtocolStatus{
				Block:       p.Block,
				Liquidity:   p.Liquidity.String(),
				Borrowed:    p.Borrowed.String(),
				HealthRatio: p.HealthRatio,
			}
		}
	}
	return st
}
