package pubsub

import (
	"time"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
)

// MinPublishingInterval is the floor enforced on a subscription's
// publishing interval (spec.md §3: "publishingInterval (ms ≥ floor)").
const MinPublishingInterval = 10 * time.Millisecond

// Timer drives a single subscription's publishing interval, keep-alive
// counter and lifetime counter. One Timer is owned per Subscription; the
// engine advances it once per Tick (spec §2, §4.2).
type Timer struct {
	PublishingInterval time.Duration
	MaxKeepAliveCount  uint32
	MaxLifetimeCount   uint32

	timeToKeepAlive   uint32
	timeToExpiration  uint32
	intervalRemainder time.Duration // accumulated time since last interval fire
}

// validateTimerConfig enforces spec.md §3's per-subscription invariants:
// publishingInterval at or above MinPublishingInterval, and
// maxLifetimeCount at least 3x maxKeepAliveCount.
func validateTimerConfig(publishingInterval time.Duration, maxKeepAlive, maxLifetime uint32) error {
	if publishingInterval < MinPublishingInterval {
		return domain.ErrPublishingIntervalLow
	}
	if maxLifetime < 3*maxKeepAlive {
		return domain.ErrLifetimeTooShort
	}
	return nil
}

// NewTimer constructs a Timer with its counters reset to their initial
// values (full keep-alive and lifetime budget). It returns
// domain.ErrPublishingIntervalLow or domain.ErrLifetimeTooShort if the
// arguments violate spec.md §3's invariants.
func NewTimer(publishingInterval time.Duration, maxKeepAlive, maxLifetime uint32) (*Timer, error) {
	if err := validateTimerConfig(publishingInterval, maxKeepAlive, maxLifetime); err != nil {
		return nil, err
	}
	t := &Timer{
		PublishingInterval: publishingInterval,
		MaxKeepAliveCount:  maxKeepAlive,
		MaxLifetimeCount:   maxLifetime,
	}
	t.Reset()
	return t, nil
}

// Reset restores both counters to their configured maximums, as happens on
// creation, on every emit and whenever a keep-alive response is sent.
// Subscription.ResetLifeTimeCounter uses ResetLifetime instead.
func (t *Timer) Reset() {
	t.timeToKeepAlive = t.MaxKeepAliveCount
	t.timeToExpiration = t.MaxLifetimeCount
}

// ResetLifetime restores only the lifetime counter, leaving keep-alive
// tracking untouched. A Publish request servicing the subscription resets
// lifetime but the keep-alive counter is managed by the state machine.
func (t *Timer) ResetLifetime() {
	t.timeToExpiration = t.MaxLifetimeCount
}

// TimeToExpiration returns the number of publishing intervals remaining
// before the subscription expires.
func (t *Timer) TimeToExpiration() uint32 { return t.timeToExpiration }

// TimeToKeepAlive returns the number of publishing intervals remaining
// before a keep-alive must be sent.
func (t *Timer) TimeToKeepAlive() uint32 { return t.timeToKeepAlive }

// DueForInterval advances the accumulated interval clock by elapsed and
// reports whether at least one publishing interval has fired. It consumes
// exactly one interval's worth of elapsed time per call so multiple elapsed
// intervals are reported on subsequent calls rather than coalesced.
func (t *Timer) DueForInterval(elapsed time.Duration) bool {
	if t.PublishingInterval <= 0 {
		return true
	}
	t.intervalRemainder += elapsed
	if t.intervalRemainder >= t.PublishingInterval {
		t.intervalRemainder -= t.PublishingInterval
		return true
	}
	return false
}

// DecrementKeepAlive decrements the keep-alive counter by one tick and
// reports whether it has reached zero.
func (t *Timer) DecrementKeepAlive() bool {
	if t.timeToKeepAlive > 0 {
		t.timeToKeepAlive--
	}
	return t.timeToKeepAlive == 0
}

// DecrementExpiration decrements the lifetime counter by one tick and
// reports whether the subscription has expired.
func (t *Timer) DecrementExpiration() bool {
	if t.timeToExpiration > 0 {
		t.timeToExpiration--
	}
	return t.timeToExpiration == 0
}
