package pubsub

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
)

// fakeProducer is a hand-fed Producer stand-in: the engine and Subscription
// never look inside it (spec §9 "duck-typed Subscription"), so a queue of
// pre-built batches is all a test needs.
type fakeProducer struct {
	batches     [][]*ua.ExtensionObject
	resendCalls int
}

func (f *fakeProducer) HasPending() bool { return len(f.batches) > 0 }

func (f *fakeProducer) Drain(max int) ([]*ua.ExtensionObject, bool) {
	if len(f.batches) == 0 {
		return nil, false
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, len(f.batches) > 0
}

func (f *fakeProducer) ResendInitialValues() { f.resendCalls++ }

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// newTestSubscription builds a Subscription with fixed, always-valid timer
// arguments; it panics on error since its inputs never vary across callers.
func newTestSubscription(id domain.SubscriptionID, producer Producer) *Subscription {
	timer, err := NewTimer(100*time.Millisecond, 10, 30)
	if err != nil {
		panic(err)
	}
	sub, err := NewSubscription(id, 0, timer, 10, 100, producer)
	if err != nil {
		panic(err)
	}
	return sub
}

func deliverInto(slot **ua.PublishResponse) Callback {
	return func(_ *ua.PublishRequest, resp *ua.PublishResponse) {
		*slot = resp
	}
}

func TestEngine_S1_HappyPath(t *testing.T) {
	start := time.Now()
	e := NewEngine("E1", Config{}, NewFakeClock(start), testLogger())
	producer := &fakeProducer{batches: [][]*ua.ExtensionObject{dataChangePayload()}}
	sub := newTestSubscription(1, producer)
	require.NoError(t, e.AddSubscription(sub))

	var resp *ua.PublishResponse
	req := &ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 42, TimeoutHint: 5000}}
	e.OnPublishRequest(req, deliverInto(&resp))

	require.Nil(t, resp, "no notification has been produced yet; request should still be queued")
	assert.Equal(t, 1, e.PendingPublishRequestCount())

	e.Tick(start.Add(100 * time.Millisecond))

	require.NotNil(t, resp)
	assert.Equal(t, uint32(42), resp.ResponseHeader.RequestHandle)
	assert.Equal(t, ua.StatusOK, resp.ResponseHeader.ServiceResult)
	assert.Equal(t, uint32(1), resp.SubscriptionID)
	assert.Equal(t, []uint32{1}, resp.AvailableSequenceNumbers)
	assert.False(t, resp.MoreNotifications)
	require.NotNil(t, resp.NotificationMessage)
	assert.Equal(t, uint32(1), resp.NotificationMessage.SequenceNumber)
	assert.Equal(t, 0, e.PendingPublishRequestCount())
}

func TestEngine_S2_TooMany(t *testing.T) {
	e := NewEngine("E1", Config{MaxPublishRequestInQueue: 2}, NewFakeClock(time.Now()), testLogger())
	sub := newTestSubscription(1, &fakeProducer{})
	require.NoError(t, e.AddSubscription(sub))

	var resp1, resp2, resp3 *ua.PublishResponse
	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 1}}, deliverInto(&resp1))
	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 2}}, deliverInto(&resp2))
	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 3}}, deliverInto(&resp3))

	require.NotNil(t, resp1)
	assert.Equal(t, ua.StatusBadTooManyPublishRequests, resp1.ResponseHeader.ServiceResult)
	assert.Equal(t, uint32(1), resp1.ResponseHeader.RequestHandle)
	assert.Nil(t, resp2)
	assert.Nil(t, resp3)
	assert.Equal(t, 2, e.PendingPublishRequestCount())
}

func TestEngine_S3_NoSubscription(t *testing.T) {
	e := NewEngine("E1", Config{}, NewFakeClock(time.Now()), testLogger())

	var resp *ua.PublishResponse
	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 7}}, deliverInto(&resp))

	require.NotNil(t, resp)
	assert.Equal(t, ua.StatusBadNoSubscription, resp.ResponseHeader.ServiceResult)
}

func TestEngine_S4_ClosedDrain(t *testing.T) {
	e := NewEngine("E1", Config{}, NewFakeClock(time.Now()), testLogger())
	sub := newTestSubscription(1, &fakeProducer{})
	require.NoError(t, e.AddSubscription(sub))

	now := time.Now()
	for i := 0; i < 3; i++ {
		sub.ring.AssignAndStore(now, dataChangePayload()) // seeds seqnums 1..3
	}
	sub.ring.AssignAndStore(now, dataChangePayload()) // 4
	sub.ring.AssignAndStore(now, dataChangePayload()) // 5
	sub.ring.Ack(3)                                    // retained: [4, 5]

	e.OnCloseSubscription(sub)
	assert.Equal(t, 0, e.SubscriptionCount())

	var r1, r2, r3 *ua.PublishResponse
	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 100}}, deliverInto(&r1))
	require.NotNil(t, r1)
	assert.Equal(t, uint32(4), r1.NotificationMessage.SequenceNumber)
	assert.True(t, r1.MoreNotifications)

	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 101}}, deliverInto(&r2))
	require.NotNil(t, r2)
	assert.Equal(t, uint32(5), r2.NotificationMessage.SequenceNumber)
	assert.False(t, r2.MoreNotifications)

	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 102}}, deliverInto(&r3))
	require.NotNil(t, r3)
	assert.Equal(t, ua.StatusBadNoSubscription, r3.ResponseHeader.ServiceResult)
}

func TestEngine_S5_Timeout(t *testing.T) {
	t0 := time.Now()
	clock := NewFakeClock(t0)
	e := NewEngine("E1", Config{}, clock, testLogger())
	sub := newTestSubscription(1, &fakeProducer{})
	require.NoError(t, e.AddSubscription(sub))

	var resp *ua.PublishResponse
	req := &ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 9, TimeoutHint: 1000}}
	e.OnPublishRequest(req, deliverInto(&resp))
	require.Nil(t, resp)

	e.Tick(t0.Add(1500 * time.Millisecond))

	require.NotNil(t, resp)
	assert.Equal(t, ua.StatusBadTimeout, resp.ResponseHeader.ServiceResult)
}

func TestEngine_S6_Transfer(t *testing.T) {
	now := time.Now()
	e1 := NewEngine("E1", Config{}, NewFakeClock(now), testLogger())
	e2 := NewEngine("E2", Config{}, NewFakeClock(now), testLogger())

	producer := &fakeProducer{}
	sub := newTestSubscription(1, producer)
	require.NoError(t, e1.AddSubscription(sub))
	sub.ring.AssignAndStore(now, dataChangePayload()) // retained [1]

	err := Transfer(sub, e2, true, now)
	require.NoError(t, err)

	assert.Same(t, e2, sub.PublishEngine())
	assert.Equal(t, 1, producer.resendCalls)
	assert.Equal(t, uint32(30), sub.TimeToExpiration())

	var resp *ua.PublishResponse
	e1.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 55}}, deliverInto(&resp))

	require.NotNil(t, resp)
	require.NotNil(t, resp.NotificationMessage)
	require.Len(t, resp.NotificationMessage.NotificationData, 1)
	sc, ok := resp.NotificationMessage.NotificationData[0].Value.(*ua.StatusChangeNotification)
	require.True(t, ok)
	assert.Equal(t, ua.StatusGoodSubscriptionTransferred, sc.Status)
}

func TestEngine_SessionCloseCancelsQueuedRequests(t *testing.T) {
	e := NewEngine("E1", Config{}, NewFakeClock(time.Now()), testLogger())
	sub := newTestSubscription(1, &fakeProducer{})
	require.NoError(t, e.AddSubscription(sub))

	var resp *ua.PublishResponse
	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 1}}, deliverInto(&resp))
	require.Nil(t, resp)

	e.OnSessionClose()

	require.NotNil(t, resp)
	assert.Equal(t, ua.StatusBadSessionClosed, resp.ResponseHeader.ServiceResult)

	var resp2 *ua.PublishResponse
	e.OnPublishRequest(&ua.PublishRequest{RequestHeader: &ua.RequestHeader{RequestHandle: 2}}, deliverInto(&resp2))
	require.NotNil(t, resp2)
	assert.Equal(t, ua.StatusBadSessionClosed, resp2.ResponseHeader.ServiceResult)
}

func TestEngine_ShutdownRequiresNoSubscriptions(t *testing.T) {
	e := NewEngine("E1", Config{}, NewFakeClock(time.Now()), testLogger())
	sub := newTestSubscription(1, &fakeProducer{})
	require.NoError(t, e.AddSubscription(sub))

	err := e.Shutdown()
	assert.ErrorIs(t, err, domain.ErrShutdownWithSubs)

	require.NoError(t, e.DetachSubscription(sub))
	assert.NoError(t, e.Shutdown())
}

func TestEngine_Republish(t *testing.T) {
	e := NewEngine("E1", Config{}, NewFakeClock(time.Now()), testLogger())
	sub := newTestSubscription(1, &fakeProducer{})
	require.NoError(t, e.AddSubscription(sub))
	sub.ring.AssignAndStore(time.Now(), dataChangePayload())

	msg, status := e.Republish(1, 1)
	require.Equal(t, ua.StatusOK, status)
	assert.Equal(t, uint32(1), msg.SequenceNumber)

	_, status = e.Republish(1, 99)
	assert.Equal(t, ua.StatusBadMessageNotAvailable, status)

	_, status = e.Republish(2, 1)
	assert.Equal(t, ua.StatusBadSubscriptionIDInvalid, status)
}

func TestEngine_SubscriptionPoliciesApplyByApplicationName(t *testing.T) {
	e := NewEngine("E1", Config{}, NewFakeClock(time.Now()), testLogger())
	e.SetSubscriptionPolicies(map[string]SubscriptionPolicy{
		"historian-client": {Priority: 9, RingSize: 500},
	})

	p, ok := e.PolicyForApplication("historian-client")
	require.True(t, ok)
	assert.Equal(t, uint8(9), p.Priority)

	_, ok = e.PolicyForApplication("unknown-client")
	assert.False(t, ok)

	sub := newTestSubscription(1, &fakeProducer{})
	require.Equal(t, uint8(0), sub.Priority)
	e.ApplyPolicy(sub, "historian-client")
	assert.Equal(t, uint8(9), sub.Priority)

	e.ApplyPolicy(sub, "unknown-client")
	assert.Equal(t, uint8(9), sub.Priority, "no matching policy leaves priority untouched")
}
