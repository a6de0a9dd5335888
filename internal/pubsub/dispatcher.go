package pubsub

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
)

// Callback is the transport-side continuation for a single Publish request.
// It is a one-shot: exactly one Deliver call per PublishRequestRecord,
// enforced by Dispatcher (spec §9 design notes: "callbacks as
// continuations").
type Callback func(req *ua.PublishRequest, resp *ua.PublishResponse)

// Dispatcher wraps a Callback as a move-only, single-use delivery. Delivery
// happens synchronously on the engine's execution context (spec §5), but
// the callback itself runs in session/transport code outside this
// subsystem's control — a callback panic is recovered and counted as a
// breaker failure, and repeated failures trip the breaker open so later
// deliveries fail fast. A callback that blocks is not detected.
type Dispatcher struct {
	fn      Callback
	breaker *gobreaker.CircuitBreaker
	fired   atomic.Bool
	logger  zerolog.Logger
}

// NewDispatcher wraps fn for one-shot delivery through breaker.
func NewDispatcher(fn Callback, breaker *gobreaker.CircuitBreaker, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{fn: fn, breaker: breaker, logger: logger}
}

// NewTransportBreaker returns a gobreaker.CircuitBreaker configured for
// guarding publish-response delivery: it trips after a handful of
// consecutive callback failures and recovers on the next successful call
// once half-open.
func NewTransportBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// Deliver invokes the wrapped callback exactly once. A second call is a
// programmer-contract violation (spec §7): it is logged and dropped rather
// than panicking, since by the time it would fire the engine has already
// moved on to other work.
func (d *Dispatcher) Deliver(req *ua.PublishRequest, resp *ua.PublishResponse) {
	if !d.fired.CompareAndSwap(false, true) {
		d.logger.Error().Err(domain.ErrDispatcherMisuse).Msg("dropping duplicate publish response delivery")
		return
	}

	_, err := d.breaker.Execute(func() (result interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("publish callback panicked: %v", r)
			}
		}()
		d.fn(req, resp)
		return nil, nil
	})
	if err != nil {
		d.logger.Error().Err(err).
			Uint32("request_handle", requestHandle(req)).
			Msg("publish response delivery rejected by circuit breaker")
	}
}

func requestHandle(req *ua.PublishRequest) uint32 {
	if req == nil || req.RequestHeader == nil {
		return 0
	}
	return req.RequestHeader.RequestHandle
}
