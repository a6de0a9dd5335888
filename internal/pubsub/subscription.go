package pubsub

import (
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
)

// State is a Subscription's position in the OPC UA Part 4 §5.13 state
// machine (spec §4.2).
type State int

const (
	StateCreating State = iota
	StateNormal
	StateLate
	StateKeepAlive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "Creating"
	case StateNormal:
		return "Normal"
	case StateLate:
		return "Late"
	case StateKeepAlive:
		return "KeepAlive"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Producer is the opaque notification source a Subscription asks for data
// on each publishing cycle. The engine and the Subscription state machine
// never inspect its internals (spec §9 "duck-typed Subscription" /
// MonitoredItem sampling is out of scope per spec §1) — it is implemented
// by whatever owns the address space and MonitoredItems for this
// subscription.
type Producer interface {
	// HasPending reports whether data-change or event notifications are
	// queued and ready to be batched into the next NotificationMessage.
	HasPending() bool
	// Drain returns up to max queued notification items, encoded as
	// ExtensionObjects ready to ride in NotificationMessage.NotificationData,
	// and whether more remain beyond max.
	Drain(max int) (data []*ua.ExtensionObject, more bool)
	// ResendInitialValues is invoked on subscription transfer with
	// sendInitialValues=true; it should re-queue a full current-value
	// snapshot to be picked up by the next Drain.
	ResendInitialValues()
}

// Subscription is a single subscription's state machine, notification
// production and acknowledgement handling (spec §4.2). The engine treats it
// as an opaque notification producer; Subscription calls back into the
// engine only through SendNotificationMessage / SendKeepAliveResponse
// (spec §5).
type Subscription struct {
	ID                         domain.SubscriptionID
	Priority                   uint8
	PublishingEnabled          bool
	MaxNotificationsPerPublish int

	Timer    *Timer
	ring     *NotificationRing
	producer Producer

	state       State
	messageSent bool

	engine *Engine // non-owning back-reference; set only by Engine attach/detach
}

// NewSubscription constructs a Subscription in its Creating state. ringSize
// should be at least maxNotificationsPerPublish * maxRepublishDepth
// (spec §4.1). timer is re-validated against spec.md §3's invariants here
// too, since a caller may have built a *Timer literal directly instead of
// going through NewTimer.
func NewSubscription(id domain.SubscriptionID, priority uint8, timer *Timer, maxNotificationsPerPublish, ringSize int, producer Producer) (*Subscription, error) {
	if err := validateTimerConfig(timer.PublishingInterval, timer.MaxKeepAliveCount, timer.MaxLifetimeCount); err != nil {
		return nil, err
	}
	return &Subscription{
		ID:                         id,
		Priority:                   priority,
		PublishingEnabled:          true,
		MaxNotificationsPerPublish: maxNotificationsPerPublish,
		Timer:                      timer,
		ring:                       NewNotificationRing(ringSize),
		producer:                   producer,
		state:                      StateCreating,
	}, nil
}

// State returns the subscription's current state-machine position.
func (s *Subscription) State() State { return s.state }

// MessageSent reports whether any notification has ever been delivered.
func (s *Subscription) MessageSent() bool { return s.messageSent }

// TimeToExpiration returns ticks remaining before lifetime expiry.
func (s *Subscription) TimeToExpiration() uint32 { return s.Timer.TimeToExpiration() }

// TimeToKeepAlive returns ticks remaining before a keep-alive must be sent.
func (s *Subscription) TimeToKeepAlive() uint32 { return s.Timer.TimeToKeepAlive() }

// HasPendingNotifications reports whether the retained ring is non-empty
// or the producer has queued items ready to drain.
func (s *Subscription) HasPendingNotifications() bool {
	return s.ring.Len() > 0 || (s.producer != nil && s.producer.HasPending())
}

// PublishEngine returns the engine this subscription is currently attached
// to, or nil if detached.
func (s *Subscription) PublishEngine() *Engine { return s.engine }

// GetAvailableSequenceNumbers returns a snapshot of retained sequence
// numbers, for PublishResponse.AvailableSequenceNumbers.
func (s *Subscription) GetAvailableSequenceNumbers() []domain.SequenceNumber {
	return s.ring.Available()
}

// AcknowledgeNotification delegates to the ring and returns the resulting
// StatusCode.
func (s *Subscription) AcknowledgeNotification(seq domain.SequenceNumber) ua.StatusCode {
	return s.ring.Ack(seq)
}

// ResetLifeTimeCounter restores the lifetime counter, without touching
// keep-alive tracking. Called by Transfer; the publishing paths (emit and
// keep-alive) reset both counters through Timer.Reset instead.
func (s *Subscription) ResetLifeTimeCounter() {
	s.Timer.ResetLifetime()
}

// ResendInitialValues asks the producer to re-queue a full snapshot, to be
// picked up by the next ProcessSubscription call.
func (s *Subscription) ResendInitialValues() {
	if s.producer != nil {
		s.producer.ResendInitialValues()
	}
}

// NotifyTransfer emits a StatusChangeNotification(GoodSubscriptionTransferred)
// through the (source) engine's SendNotificationMessage with force set, so
// it answers a waiting Publish request or is stashed if none waits. The departing
// session's client observes the transfer as a normal publish response
// (spec §4.5 step 1). It must be called before the subscription is
// detached from its source engine.
func (s *Subscription) NotifyTransfer(now time.Time) {
	if s.engine == nil {
		return
	}
	data := []*ua.ExtensionObject{statusChangeNotification(ua.StatusGoodSubscriptionTransferred)}
	seq := s.ring.AssignAndStore(now, data)
	s.engine.SendNotificationMessage(s, notificationParam{
		SequenceNumber:    seq,
		PublishTime:       now,
		Data:              data,
		MoreNotifications: false,
	}, true)
}

// ProcessSubscription runs one publishing cycle for this subscription: it
// is invoked by the engine when ticking or when engine fairness decides to
// feed this subscription a waiting Publish request (spec §4.2). It
// produces zero or one NotificationMessage.
func (s *Subscription) ProcessSubscription(now time.Time) {
	if s.state == StateClosed {
		return
	}

	hasData := s.producer != nil && s.producer.HasPending()

	switch s.state {
	case StateCreating:
		if hasData {
			s.emit(now)
			s.state = StateNormal
		} else {
			s.state = StateKeepAlive
		}

	case StateNormal:
		if hasData {
			s.emit(now)
		} else if s.Timer.DecrementKeepAlive() {
			s.state = StateKeepAlive
		}

	case StateKeepAlive:
		switch {
		case hasData:
			s.emit(now)
			s.state = StateNormal
		case s.engine != nil && s.engine.SendKeepAliveResponse(s, now):
			s.state = StateNormal
			s.Timer.Reset()
		case s.Timer.DecrementKeepAlive():
			s.state = StateLate
		}

	case StateLate:
		switch {
		case hasData:
			s.emit(now)
			s.state = StateNormal
		case s.engine != nil && s.engine.SendKeepAliveResponse(s, now):
			// A waiting Publish request was available (the engine only
			// reaches this subscription from feedLate when one is); serve
			// it so the client sees the subscription is alive.
			s.state = StateNormal
			s.Timer.Reset()
		}
		// Otherwise no request is waiting yet; stays Late.
	}

	if s.state != StateClosed && s.Timer.DecrementExpiration() {
		s.state = StateClosed
	}
}

// emit drains the producer, stores the batch in the ring and hands it to
// the engine for delivery (stashed if no Publish request is waiting).
func (s *Subscription) emit(now time.Time) {
	data, more := s.producer.Drain(s.MaxNotificationsPerPublish)

	// TakeOverflow is one-shot: it fires only on the first emit after the
	// ring actually dropped an entry, so this carries the loss exactly once.
	if s.ring.TakeOverflow() {
		data = append(data, statusChangeNotification(badOutOfMemoryFlavor))
		if s.engine != nil && s.engine.metrics != nil {
			s.engine.metrics.RingOverflows.Inc()
		}
	}

	seq := s.ring.AssignAndStore(now, data)
	s.messageSent = true
	s.Timer.Reset()

	if s.engine != nil {
		s.engine.SendNotificationMessage(s, notificationParam{
			SequenceNumber:    seq,
			PublishTime:       now,
			Data:              data,
			MoreNotifications: more,
		}, true)
	}
}

// badOutOfMemoryFlavor is the ring-overflow status carried on the next
// emitted StatusChangeNotification (spec §4.1, §9 Open Question #3).
const badOutOfMemoryFlavor = ua.StatusBadOutOfMemory

func statusChangeNotification(code ua.StatusCode) *ua.ExtensionObject {
	return &ua.ExtensionObject{
		TypeID: &ua.ExpandedNodeID{
			NodeID: ua.NewNumericNodeID(0, uint32(ua.StatusChangeNotification_Encoding_DefaultBinary)),
		},
		Value: &ua.StatusChangeNotification{Status: code},
	}
}
