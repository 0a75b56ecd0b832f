package scheduler

import "sync/atomic"

// Progress is a thread-safe step counter against a known total, ported
// from original_source/core/utils/progress_tracking.h's ProgressTracking:
// operator()() becomes Increment, getProgress() becomes Fraction, reset()
// becomes Reset.
type Progress struct {
	total atomic.Int64
	done  atomic.Int64
}

// NewProgress creates a tracker for a known total step count.
func NewProgress(total int) *Progress {
	p := &Progress{}
	p.total.Store(int64(total))
	return p
}

// Increment advances the counter by one step.
func (p *Progress) Increment() { p.done.Add(1) }

// Fraction returns the completed fraction in [0, 1]; a zero total reports
// 1 (nothing to do is complete by definition).
func (p *Progress) Fraction() float32 {
	total := p.total.Load()
	if total <= 0 {
		return 1
	}
	done := p.done.Load()
	if done > total {
		done = total
	}
	return float32(done) / float32(total)
}

// Reset restarts the tracker against a new total.
func (p *Progress) Reset(total int) {
	p.total.Store(int64(total))
	p.done.Store(0)
}
