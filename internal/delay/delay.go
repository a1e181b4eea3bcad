// Package delay computes the randomized pause between two sends.
package delay

import (
	"math/rand"
	"sync"
	"time"
)

// Policy yields durations uniformly distributed over [Min, Max] at
// millisecond granularity, both bounds inclusive.
type Policy struct {
	min time.Duration
	max time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a policy. Negative bounds clamp to zero and swapped bounds are
// reordered, so Next never returns a negative duration. A nil src seeds from
// the clock.
func New(min, max time.Duration, src rand.Source) *Policy {
	if min < 0 {
		min = 0
	}
	if max < 0 {
		max = 0
	}
	if min > max {
		min, max = max, min
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Policy{
		min: min.Truncate(time.Millisecond),
		max: max.Truncate(time.Millisecond),
		rng: rand.New(src),
	}
}

func (p *Policy) Bounds() (min, max time.Duration) { return p.min, p.max }

// Next returns the next wait.
func (p *Policy) Next() time.Duration {
	span := int64((p.max - p.min) / time.Millisecond)
	if span <= 0 {
		return p.min
	}
	p.mu.Lock()
	n := p.rng.Int63n(span + 1)
	p.mu.Unlock()
	return p.min + time.Duration(n)*time.Millisecond
}

// Sleep waits d or until done is closed. It reports false when interrupted.
func Sleep(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
