package pubsub

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
)

// TestSubscription_StateMachine walks Creating -> KeepAlive -> Late -> Normal,
// matching the state table in spec §4.2: an idle subscription with no
// waiting Publish request eventually goes Late, and is brought back to
// Normal once the engine feeds it a request through fairness.
func TestSubscription_StateMachine(t *testing.T) {
	now := time.Now()
	e := NewEngine("E1", Config{}, NewFakeClock(now), testLogger())
	producer := &fakeProducer{}
	timer, err := NewTimer(10*time.Millisecond, 2, 30)
	require.NoError(t, err)
	sub, err := NewSubscription(1, 0, timer, 10, 100, producer)
	require.NoError(t, err)
	require.NoError(t, e.AddSubscription(sub))

	// Creating, no data -> KeepAlive.
	sub.ProcessSubscription(now)
	assert.Equal(t, StateKeepAlive, sub.State())

	// KeepAlive, no data, no pending request -> once the keep-alive count
	// (2) has elapsed, Late.
	sub.ProcessSubscription(now)
	assert.Equal(t, StateKeepAlive, sub.State())
	sub.ProcessSubscription(now)
	assert.Equal(t, StateLate, sub.State())

	// A Publish request arrives; engine fairness feeds this subscription.
	var resp *ua.PublishResponse
	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 1}}, deliverInto(&resp))

	assert.Equal(t, StateNormal, sub.State())
	require.NotNil(t, resp)
	assert.Nil(t, resp.NotificationMessage, "keep-alive carries no notification message")
}

func TestSubscription_KeepAliveServedDirectlyWhenRequestWaiting(t *testing.T) {
	now := time.Now()
	e := NewEngine("E1", Config{}, NewFakeClock(now), testLogger())
	producer := &fakeProducer{}
	timer, err := NewTimer(10*time.Millisecond, 1, 30)
	require.NoError(t, err)
	sub, err := NewSubscription(1, 0, timer, 10, 100, producer)
	require.NoError(t, err)
	require.NoError(t, e.AddSubscription(sub))

	sub.ProcessSubscription(now) // Creating -> KeepAlive
	require.Equal(t, StateKeepAlive, sub.State())

	var resp *ua.PublishResponse
	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 1}}, deliverInto(&resp))
	require.Nil(t, resp, "feedLate only fires for Late subscriptions, not KeepAlive")

	sub.ProcessSubscription(now)

	require.NotNil(t, resp)
	assert.Equal(t, StateNormal, sub.State())
}

func TestSubscription_AcknowledgeDelegatesToRing(t *testing.T) {
	sub := newTestSubscription(1, &fakeProducer{})
	sub.ring.AssignAndStore(time.Now(), dataChangePayload())

	status := sub.AcknowledgeNotification(1)

	assert.Equal(t, ua.StatusOK, status)
	assert.Empty(t, sub.GetAvailableSequenceNumbers())
}

// TestSubscription_EmitSurfacesOverflowExactlyOnce exercises emit's own
// overflow handling (not just the ring's flag in isolation): a ring
// overflow must be surfaced as a StatusChangeNotification on the very next
// emit and never again afterwards, per the Open Question #3 decision in
// DESIGN.md.
func TestSubscription_EmitSurfacesOverflowExactlyOnce(t *testing.T) {
	now := time.Now()
	producer := &fakeProducer{batches: [][]*ua.ExtensionObject{
		dataChangePayload(), // emit1: ring holds 1 of 2
		dataChangePayload(), // emit2: fills ring to capacity
		dataChangePayload(), // emit3: overflows, evicts emit1's entry
		dataChangePayload(), // emit4: must carry the overflow notice, no new overflow (we ack first)
		dataChangePayload(), // emit5: must NOT repeat the overflow notice
	}}
	timer, err := NewTimer(10*time.Millisecond, 10, 30)
	require.NoError(t, err)
	sub, err := NewSubscription(1, 0, timer, 10, 2, producer) // ring capacity 2
	require.NoError(t, err)

	sub.emit(now) // emit1
	sub.emit(now) // emit2
	sub.emit(now) // emit3: overflows

	// Free a slot the way a client ack would, so emit4's own AssignAndStore
	// does not itself overflow.
	seqs := sub.GetAvailableSequenceNumbers()
	require.Len(t, seqs, 2)
	sub.AcknowledgeNotification(seqs[0])

	sub.emit(now) // emit4: must surface the emit3 overflow exactly here
	seq4 := domain.SequenceNumber(4)
	retained4, ok := sub.ring.Lookup(seq4)
	require.True(t, ok)
	assert.Len(t, retained4.Data, 2, "emit4 must carry the data-change plus one overflow StatusChangeNotification")

	// Free another slot so emit5's own AssignAndStore does not itself
	// overflow, isolating whether the emit4 notice gets repeated.
	seqs = sub.GetAvailableSequenceNumbers()
	require.Len(t, seqs, 2)
	sub.AcknowledgeNotification(seqs[0])

	sub.emit(now) // emit5: no new overflow, must not repeat the notice
	seq5 := domain.SequenceNumber(5)
	retained5, ok := sub.ring.Lookup(seq5)
	require.True(t, ok)
	assert.Len(t, retained5.Data, 1, "emit5 must not repeat the overflow notice")
}
