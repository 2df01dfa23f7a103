package decoder

import (
	"context"
	"sync"
	"time"
)

const (
	// pressureThreshold is the buffer fill fraction above which the
	// decoder pauses before the next read.
	pressureThreshold = 0.8

	minBackoff = 10 * time.Millisecond
	maxBackoff = 500 * time.Millisecond
)

// BackpressureMetrics reports how much the decoder has had to slow down.
type BackpressureMetrics struct {
	Buffered       int           `json:"buffered"`
	Capacity       int           `json:"capacity"`
	PressureEvents int64         `json:"pressure_events"`
	TotalWait      time.Duration `json:"total_wait"`
}

// backpressure tracks an exponential backoff that grows while the consumer
// buffer stays full and decays once pressure abates.
type backpressure struct {
	mu             sync.Mutex
	wait           time.Duration
	pressureEvents int64
	totalWait      time.Duration
}

func newBackpressure() *backpressure {
	return &backpressure{wait: minBackoff}
}

// pause blocks for the current backoff and grows it. Returns early on
// context cancellation.
func (b *backpressure) pause(ctx context.Context) {
	b.mu.Lock()
	wait := b.wait
	b.wait *= 2
	if b.wait > maxBackoff {
		b.wait = maxBackoff
	}
	b.pressureEvents++
	b.totalWait += wait
	b.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// relax decays the backoff after a read without pressure.
func (b *backpressure) relax() {
	b.mu.Lock()
	b.wait /= 2
	if b.wait < minBackoff {
		b.wait = minBackoff
	}
	b.mu.Unlock()
}

func (b *backpressure) metrics() (int64, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pressureEvents, b.totalWait
}
