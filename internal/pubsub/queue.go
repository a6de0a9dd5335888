package pubsub

import (
	"time"

	"github.com/gopcua/opcua/ua"
)

// PublishRequestRecord tracks one pending client Publish request while it
// waits in the engine's queue for a notification or keep-alive to answer it
// with (spec §3 "PublishRequest record").
type PublishRequestRecord struct {
	Request        *ua.PublishRequest
	AckResults     []ua.StatusCode
	Callback       *Dispatcher
	ReceivedAt     time.Time
	TimeoutDeadline time.Time // zero value means no deadline
}

func (r *PublishRequestRecord) hasDeadline() bool {
	return !r.TimeoutDeadline.IsZero()
}

// PublishQueue is a fixed-capacity FIFO of pending Publish requests with
// timeout bookkeeping (spec §4.3).
type PublishQueue struct {
	capacity int
	records  []*PublishRequestRecord
}

// NewPublishQueue creates a queue bounded to capacity records.
func NewPublishQueue(capacity int) *PublishQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &PublishQueue{capacity: capacity}
}

// Len reports the number of queued records.
func (q *PublishQueue) Len() int { return len(q.records) }

// Capacity reports the queue's configured bound.
func (q *PublishQueue) Capacity() int { return q.capacity }

// Enqueue appends record to the tail of the queue.
func (q *PublishQueue) Enqueue(record *PublishRequestRecord) {
	q.records = append(q.records, record)
}

// EvictOldestIfOverCapacity removes and returns the oldest record if the
// queue is over capacity by exactly one (the admission step in spec §4.4
// step 6c), or nil if the queue is within bounds.
func (q *PublishQueue) EvictOldestIfOverCapacity() *PublishRequestRecord {
	if len(q.records) <= q.capacity {
		return nil
	}
	oldest := q.records[0]
	q.records = q.records[1:]
	return oldest
}

// Dequeue removes and returns the oldest record, or nil if the queue is
// empty.
func (q *PublishQueue) Dequeue() *PublishRequestRecord {
	if len(q.records) == 0 {
		return nil
	}
	r := q.records[0]
	q.records = q.records[1:]
	return r
}

// PurgeTimedOut removes and returns every record whose TimeoutDeadline has
// passed relative to now.
func (q *PublishQueue) PurgeTimedOut(now time.Time) []*PublishRequestRecord {
	if len(q.records) == 0 {
		return nil
	}
	var expired []*PublishRequestRecord
	kept := q.records[:0:0]
	for _, r := range q.records {
		if r.hasDeadline() && r.TimeoutDeadline.Before(now) {
			expired = append(expired, r)
			continue
		}
		kept = append(kept, r)
	}
	q.records = kept
	return expired
}

// CancelAll removes and returns every queued record, for session close or
// secure-channel renegotiation (spec §4.4).
func (q *PublishQueue) CancelAll() []*PublishRequestRecord {
	all := q.records
	q.records = nil
	return all
}
