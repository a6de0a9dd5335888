package pubsub

import (
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
)

// RetainedNotification is a NotificationMessage kept around until the client
// acknowledges it (or it is evicted by the ring's size bound).
type RetainedNotification struct {
	SequenceNumber domain.SequenceNumber
	PublishTime    time.Time
	Data           []*ua.ExtensionObject
}

// NotificationRing retains sent notifications for a single subscription,
// in insertion order, until they are acknowledged or evicted. It is owned
// exclusively by its Subscription (spec §5) — never shared.
type NotificationRing struct {
	capacity int
	next     domain.SequenceNumber
	entries  []RetainedNotification // insertion order, oldest first
	overflowed bool
}

// NewNotificationRing creates a ring that retains at most capacity entries,
// dropping the oldest beyond that. Per spec §4.1 capacity should be
// maxNotificationsPerPublish * maxRepublishDepth.
func NewNotificationRing(capacity int) *NotificationRing {
	if capacity < 1 {
		capacity = 1
	}
	return &NotificationRing{
		capacity: capacity,
		next:     1,
	}
}

// AssignAndStore assigns the next sequence number to data, retains it, and
// returns the assigned number.
func (r *NotificationRing) AssignAndStore(publishTime time.Time, data []*ua.ExtensionObject) domain.SequenceNumber {
	seq := r.next
	r.next = domain.NextSequenceNumber(r.next)

	r.entries = append(r.entries, RetainedNotification{
		SequenceNumber: seq,
		PublishTime:    publishTime,
		Data:           data,
	})

	if len(r.entries) > r.capacity {
		// Drop oldest; the subscription must surface lost-notification
		// status on its next emitted message (spec §4.1, §9).
		r.entries = r.entries[1:]
		r.overflowed = true
	}

	return seq
}

// Ack removes every retained entry with SequenceNumber <= seq. OPC UA
// specifies per-seqnum ack; a cumulative ack is only honored if an entry
// for seq actually exists.
func (r *NotificationRing) Ack(seq domain.SequenceNumber) ua.StatusCode {
	if len(r.entries) == 0 {
		return ua.StatusBadSequenceNumberUnknown
	}

	idx := -1
	for i, e := range r.entries {
		if e.SequenceNumber == seq {
			idx = i
			break
		}
	}
	if idx == -1 {
		if seq == 0 {
			return ua.StatusBadSequenceNumberInvalid
		}
		return ua.StatusBadSequenceNumberUnknown
	}

	r.entries = r.entries[idx+1:]
	return ua.StatusOK
}

// Available returns a snapshot of currently retained sequence numbers, in
// order, for use as PublishResponse.AvailableSequenceNumbers.
func (r *NotificationRing) Available() []domain.SequenceNumber {
	out := make([]domain.SequenceNumber, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.SequenceNumber
	}
	return out
}

// Lookup returns a retained notification by sequence number, used by
// Republish. The bool is false if the entry has been acked or evicted.
func (r *NotificationRing) Lookup(seq domain.SequenceNumber) (RetainedNotification, bool) {
	for _, e := range r.entries {
		if e.SequenceNumber == seq {
			return e, true
		}
	}
	return RetainedNotification{}, false
}

// Len reports how many notifications are currently retained.
func (r *NotificationRing) Len() int {
	return len(r.entries)
}

// TakeOverflow reports and clears the overflow flag. Called by the
// subscription when it next emits, so it can attach a StatusChange
// notification to the outgoing message exactly once.
func (r *NotificationRing) TakeOverflow() bool {
	o := r.overflowed
	r.overflowed = false
	return o
}
