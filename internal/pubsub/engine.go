// Package pubsub implements the OPC UA server-side Publish/Subscribe
// engine: the multiplexer that pairs client Publish requests against
// server-owned Subscriptions and delivers Notification Messages under
// ordering and liveness guarantees (spec.md §§2-5).
//
// The engine is single-threaded cooperative (spec §5): every exported
// method on Engine must be called from the same logical execution context
// (an event loop or actor mailbox). There is no internal locking.
package pubsub

import (
	"sort"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
	"github.com/nexus-edge/opcua-pubsub-engine/internal/metrics"
)

// DefaultMaxPublishRequestInQueue is the config default from spec §6.
const DefaultMaxPublishRequestInQueue = 100

// notificationParam is the internal handoff from a Subscription's emit to
// Engine.SendNotificationMessage.
type notificationParam struct {
	SequenceNumber    domain.SequenceNumber
	PublishTime       time.Time
	Data              []*ua.ExtensionObject
	MoreNotifications bool
}

// Config holds the options recognized by the engine (spec §6).
type Config struct {
	MaxPublishRequestInQueue int
}

// SubscriptionPolicy assigns scheduling defaults to subscriptions created
// for a given client application, keyed by application name in the
// engine's policy table (spec.md §4.4 fairness is priority-keyed).
type SubscriptionPolicy struct {
	Priority uint8
	RingSize int
}

// LifecycleObserver is an optional sink for subscription lifecycle events
// (created, closed, transferred, expired). The engine never requires one;
// it is wired in by adapters such as internal/adapter/eventbridge.
type LifecycleObserver interface {
	OnSubscriptionCreated(id domain.SubscriptionID)
	OnSubscriptionClosed(id domain.SubscriptionID)
	OnSubscriptionTransferred(id domain.SubscriptionID, fromEngine, toEngine string)
	OnSubscriptionExpired(id domain.SubscriptionID)
}

// Engine is the PublishEngine multiplexer (spec §4.4): it owns
// subscriptions, pairs pending Publish requests with notifications, and
// handles fairness, transfer and session/channel events.
type Engine struct {
	Name string // used only for logging/metrics/transfer bookkeeping

	clock   Clock
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker
	obs     LifecycleObserver
	metrics *metrics.Registry

	subscriptions map[domain.SubscriptionID]*Subscription
	requests      *PublishQueue
	stashed       []*stashedResponse
	closedDrain   []*Subscription
	policies      map[string]SubscriptionPolicy

	isSessionClosed bool
	lastTick        time.Time
}

type stashedResponse struct {
	subscription *Subscription
	param        notificationParam
}

// NewEngine constructs an Engine. cfg.MaxPublishRequestInQueue defaults to
// DefaultMaxPublishRequestInQueue when zero.
func NewEngine(name string, cfg Config, clock Clock, logger zerolog.Logger) *Engine {
	if cfg.MaxPublishRequestInQueue <= 0 {
		cfg.MaxPublishRequestInQueue = DefaultMaxPublishRequestInQueue
	}
	return &Engine{
		Name:          name,
		clock:         clock,
		logger:        logger.With().Str("component", "publish-engine").Str("engine", name).Logger(),
		breaker:       NewTransportBreaker("publish-engine:" + name),
		subscriptions: make(map[domain.SubscriptionID]*Subscription),
		requests:      NewPublishQueue(cfg.MaxPublishRequestInQueue),
		lastTick:      clock.Now(),
	}
}

// SetLifecycleObserver wires an optional lifecycle event sink.
func (e *Engine) SetLifecycleObserver(obs LifecycleObserver) { e.obs = obs }

// SetMetrics wires an optional Prometheus registry. Nil (the default) is a
// valid no-instrumentation state.
func (e *Engine) SetMetrics(reg *metrics.Registry) { e.metrics = reg }

// SetSubscriptionPolicies installs the engine's per-application scheduling
// policy table, loaded at startup from the static policy file (spec_full.md
// fairness supplement). Passing nil clears the table.
func (e *Engine) SetSubscriptionPolicies(policies map[string]SubscriptionPolicy) {
	e.policies = policies
}

// PolicyForApplication looks up the configured policy for a client
// application name, reporting whether one exists.
func (e *Engine) PolicyForApplication(applicationName string) (SubscriptionPolicy, bool) {
	p, ok := e.policies[applicationName]
	return p, ok
}

// ApplyPolicy sets sub.Priority from the configured policy for
// applicationName, if one is registered. It is a no-op when no policy
// matches, leaving whatever priority the caller assigned at construction.
func (e *Engine) ApplyPolicy(sub *Subscription, applicationName string) {
	if p, ok := e.PolicyForApplication(applicationName); ok {
		sub.Priority = p.Priority
	}
}

func (e *Engine) observeQueueDepth() {
	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(e.requests.Len()))
		e.metrics.SubscriptionCount.Set(float64(len(e.subscriptions)))
		e.metrics.ClosedDrainDepth.Set(float64(len(e.closedDrain)))
	}
}

// SubscriptionCount returns the number of subscriptions currently attached.
func (e *Engine) SubscriptionCount() int { return len(e.subscriptions) }

// PendingPublishRequestCount returns the queue depth (spec invariant 4).
func (e *Engine) PendingPublishRequestCount() int { return e.requests.Len() }

// PendingPublishResponseCount returns the stashed-response count (spec
// invariant 1, paired with PendingPublishRequestCount).
func (e *Engine) PendingPublishResponseCount() int { return len(e.stashed) }

// AddSubscription attaches sub to this engine (spec §4.4). It is a
// programmer-contract violation to attach a subscription already attached
// elsewhere.
func (e *Engine) AddSubscription(sub *Subscription) error {
	if sub.engine != nil {
		return domain.ErrAlreadyAttached
	}
	sub.engine = e
	e.subscriptions[sub.ID] = sub
	if e.obs != nil {
		e.obs.OnSubscriptionCreated(sub.ID)
	}
	e.logger.Info().Uint32("subscription_id", uint32(sub.ID)).Msg("subscription attached")
	return nil
}

// DetachSubscription removes sub from this engine's map and clears its
// back-reference. It is a programmer-contract violation to detach a
// subscription owned by a different engine.
func (e *Engine) DetachSubscription(sub *Subscription) error {
	if sub.engine != e {
		return domain.ErrNotOwnedByEngine
	}
	delete(e.subscriptions, sub.ID)
	sub.engine = nil
	return nil
}

// OnPublishRequest is the engine's single inbound entry point for a client
// Publish request (spec §4.4).
func (e *Engine) OnPublishRequest(req *ua.PublishRequest, cb Callback) {
	if e.metrics != nil {
		e.metrics.PublishRequestsIn.Inc()
	}
	defer e.observeQueueDepth()

	now := e.clock.Now()
	ackResults := e.processSubscriptionAcknowledgements(req)

	record := &PublishRequestRecord{
		Request:    req,
		AckResults: ackResults,
		Callback:   NewDispatcher(cb, e.breaker, e.logger),
		ReceivedAt: now,
	}

	// Step 3: a stashed response answers this request immediately.
	if stashed := e.popStashed(); stashed != nil {
		if e.metrics != nil {
			e.metrics.NotificationsSent.Inc()
		}
		resp := e.buildResponse(stashed.subscription, stashed.param, ackResults)
		resp.ResponseHeader.RequestHandle = requestHandle(req)
		record.Callback.Deliver(req, resp)
		return
	}

	// Step 4: session closed.
	if e.isSessionClosed {
		record.Callback.Deliver(req, e.statusOnlyResponse(req, ua.StatusBadSessionClosed, ackResults))
		return
	}

	// Step 5: no subscriptions at all.
	if len(e.subscriptions) == 0 {
		if head := e.closedDrainHead(); head != nil && head.HasPendingNotifications() {
			e.requests.Enqueue(record)
			e.drainOneClosed()
			return
		}
		record.Callback.Deliver(req, e.statusOnlyResponse(req, ua.StatusBadNoSubscription, ackResults))
		return
	}

	// Step 6: enqueue and run fairness/drain/too-many.
	e.setDeadline(record, now, req)
	e.requests.Enqueue(record)

	e.feedLate(now)
	if head := e.closedDrainHead(); head != nil && head.HasPendingNotifications() {
		e.drainOneClosed()
	}
	if evicted := e.requests.EvictOldestIfOverCapacity(); evicted != nil {
		if e.metrics != nil {
			e.metrics.RequestsTooMany.Inc()
		}
		evicted.Callback.Deliver(evicted.Request, e.statusOnlyResponse(evicted.Request, ua.StatusBadTooManyPublishRequests, evicted.AckResults))
	}
}

func (e *Engine) setDeadline(record *PublishRequestRecord, now time.Time, req *ua.PublishRequest) {
	if req.RequestHeader == nil || req.RequestHeader.TimeoutHint == 0 {
		return
	}
	record.TimeoutDeadline = now.Add(time.Duration(req.RequestHeader.TimeoutHint) * time.Millisecond)
}

// processSubscriptionAcknowledgements applies ack pairs before the response
// for this same request is constructed (spec §5 ordering guarantee).
func (e *Engine) processSubscriptionAcknowledgements(req *ua.PublishRequest) []ua.StatusCode {
	acks := req.SubscriptionAcknowledgements
	results := make([]ua.StatusCode, len(acks))
	for i, ack := range acks {
		sub, ok := e.subscriptions[domain.SubscriptionID(ack.SubscriptionID)]
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		results[i] = sub.AcknowledgeNotification(domain.SequenceNumber(ack.SequenceNumber))
	}
	return results
}

// feedLate implements the two-tier fairness policy of spec §4.4 step 6a /
// §4.6: subscriptions that have never delivered win by soonest expiry;
// otherwise Late subscriptions win by descending priority, tie-broken by
// ascending time-to-expiration.
func (e *Engine) feedLate(now time.Time) {
	var neverSent []*Subscription
	var late []*Subscription
	for _, sub := range e.subscriptions {
		if sub.state == StateClosed {
			continue
		}
		if !sub.messageSent && sub.state == StateLate {
			neverSent = append(neverSent, sub)
			continue
		}
		if sub.state == StateLate && sub.PublishingEnabled {
			late = append(late, sub)
		}
	}

	var candidate *Subscription
	if len(neverSent) > 0 {
		sort.Slice(neverSent, func(i, j int) bool {
			return neverSent[i].TimeToExpiration() < neverSent[j].TimeToExpiration()
		})
		candidate = neverSent[0]
	} else if len(late) > 0 {
		sort.Slice(late, func(i, j int) bool {
			if late[i].Priority != late[j].Priority {
				return late[i].Priority > late[j].Priority
			}
			return late[i].TimeToExpiration() < late[j].TimeToExpiration()
		})
		candidate = late[0]
	}

	if candidate != nil {
		candidate.ProcessSubscription(now)
	}
}

// SendNotificationMessage is called by a Subscription (or by NotifyTransfer)
// when it has produced a NotificationMessage. If a Publish request is
// waiting it is answered immediately; otherwise the response is stashed
// (spec §4.4 "send_notification_message").
func (e *Engine) SendNotificationMessage(sub *Subscription, param notificationParam, force bool) {
	if e.requests.Len() == 0 && !force {
		e.logger.Error().Uint32("subscription_id", uint32(sub.ID)).
			Msg("send_notification_message called with no pending request and force=false")
		return
	}

	record := e.requests.Dequeue()
	if record == nil {
		// spec invariant 1 guarantees the request queue is empty here.
		e.stashed = append(e.stashed, &stashedResponse{subscription: sub, param: param})
		return
	}

	if e.metrics != nil {
		e.metrics.NotificationsSent.Inc()
	}
	resp := e.buildResponse(sub, param, record.AckResults)
	resp.ResponseHeader.RequestHandle = requestHandle(record.Request)
	record.Callback.Deliver(record.Request, resp)
}

// SendKeepAliveResponse is the convenience path equivalent to
// SendNotificationMessage with empty notification data. It returns false
// (and sends nothing) if no Publish request is currently waiting — the
// caller must remain in KeepAlive.
func (e *Engine) SendKeepAliveResponse(sub *Subscription, now time.Time) bool {
	record := e.requests.Dequeue()
	if record == nil {
		return false
	}

	param := notificationParam{
		SequenceNumber:    0,
		PublishTime:       now,
		MoreNotifications: false,
	}
	if e.metrics != nil {
		e.metrics.KeepAlivesSent.Inc()
	}
	resp := e.buildKeepAliveResponse(sub, param, record.AckResults)
	resp.ResponseHeader.RequestHandle = requestHandle(record.Request)
	record.Callback.Deliver(record.Request, resp)
	return true
}

// Tick drives the engine's clock cadence: it purges timed-out requests and
// advances every attached subscription whose publishing interval has
// elapsed (spec §4.4 "tick()", §4.2 state table).
func (e *Engine) Tick(now time.Time) {
	defer e.observeQueueDepth()

	elapsed := now.Sub(e.lastTick)
	e.lastTick = now

	for _, record := range e.requests.PurgeTimedOut(now) {
		if e.metrics != nil {
			e.metrics.RequestsTimedOut.Inc()
		}
		record.Callback.Deliver(record.Request, e.statusOnlyResponse(record.Request, ua.StatusBadTimeout, record.AckResults))
	}

	for _, sub := range e.subscriptions {
		if sub.state == StateClosed {
			continue
		}
		if sub.Timer.DueForInterval(elapsed) {
			sub.ProcessSubscription(now)
			if sub.state == StateClosed {
				e.closeExpired(sub)
			}
		}
	}
}

func (e *Engine) closeExpired(sub *Subscription) {
	e.logger.Info().Uint32("subscription_id", uint32(sub.ID)).Msg("subscription expired")
	if e.obs != nil {
		e.obs.OnSubscriptionExpired(sub.ID)
	}
	if e.metrics != nil {
		e.metrics.SubscriptionsClosed.Inc()
	}
	e.removeAndMaybeDrain(sub)
}

// OnCloseSubscription removes sub from the engine (spec §4.4). If it still
// holds retained notifications, it parks on the closed-drain list until
// those notifications are delivered to future Publish requests.
func (e *Engine) OnCloseSubscription(sub *Subscription) {
	sub.state = StateClosed
	if e.obs != nil {
		e.obs.OnSubscriptionClosed(sub.ID)
	}
	if e.metrics != nil {
		e.metrics.SubscriptionsClosed.Inc()
	}
	e.removeAndMaybeDrain(sub)
}

func (e *Engine) removeAndMaybeDrain(sub *Subscription) {
	if sub.engine == e {
		delete(e.subscriptions, sub.ID)
		sub.engine = nil
	}

	if sub.HasPendingNotifications() {
		e.closedDrain = append(e.closedDrain, sub)
	}

	if len(e.subscriptions) == 0 {
		for {
			head := e.closedDrainHead()
			if head == nil || !head.HasPendingNotifications() || e.requests.Len() == 0 {
				break
			}
			e.drainOneClosed()
		}
		for _, record := range e.requests.CancelAll() {
			record.Callback.Deliver(record.Request, e.statusOnlyResponse(record.Request, ua.StatusBadNoSubscription, record.AckResults))
		}
	}
}

func (e *Engine) closedDrainHead() *Subscription {
	if len(e.closedDrain) == 0 {
		return nil
	}
	return e.closedDrain[0]
}

// drainOneClosed answers exactly one queued Publish request with the
// oldest retained notification from the closed-drain head, discarding the
// subscription once it has no more retained notifications (spec §4.4 step
// 6b, §8 scenario S4).
func (e *Engine) drainOneClosed() {
	head := e.closedDrainHead()
	if head == nil {
		return
	}

	record := e.requests.Dequeue()
	if record == nil {
		return
	}

	seqs := head.GetAvailableSequenceNumbers()
	if len(seqs) == 0 {
		e.closedDrain = e.closedDrain[1:]
		record.Callback.Deliver(record.Request, e.statusOnlyResponse(record.Request, ua.StatusBadNoSubscription, record.AckResults))
		return
	}

	oldest := seqs[0]
	retained, ok := head.ring.Lookup(oldest)
	if !ok {
		e.closedDrain = e.closedDrain[1:]
		record.Callback.Deliver(record.Request, e.statusOnlyResponse(record.Request, ua.StatusBadNoSubscription, record.AckResults))
		return
	}

	head.ring.Ack(oldest)
	if e.metrics != nil {
		e.metrics.NotificationsSent.Inc()
	}
	resp := e.buildResponse(head, notificationParam{
		SequenceNumber:    retained.SequenceNumber,
		PublishTime:       retained.PublishTime,
		Data:              retained.Data,
		MoreNotifications: len(head.GetAvailableSequenceNumbers()) > 0,
	}, record.AckResults)
	resp.ResponseHeader.RequestHandle = requestHandle(record.Request)
	record.Callback.Deliver(record.Request, resp)

	if !head.HasPendingNotifications() {
		e.closedDrain = e.closedDrain[1:]
	}
}

// OnSessionClose cancels all pending Publish requests with
// BadSessionClosed and marks the engine closed (spec §4.4).
func (e *Engine) OnSessionClose() {
	e.isSessionClosed = true
	for _, record := range e.requests.CancelAll() {
		record.Callback.Deliver(record.Request, e.statusOnlyResponse(record.Request, ua.StatusBadSessionClosed, record.AckResults))
	}
}

// CancelPendingPublishRequestBeforeChannelChange cancels all pending
// requests with BadSecureChannelClosed, used when a secure channel is
// renegotiated under the same session (spec §4.4).
func (e *Engine) CancelPendingPublishRequestBeforeChannelChange() {
	for _, record := range e.requests.CancelAll() {
		record.Callback.Deliver(record.Request, e.statusOnlyResponse(record.Request, ua.StatusBadSecureChannelClosed, record.AckResults))
	}
}

// Shutdown discards both queues and the closed-drain list. It requires
// zero subscriptions attached; callers must drain first.
func (e *Engine) Shutdown() error {
	if len(e.subscriptions) != 0 {
		return domain.ErrShutdownWithSubs
	}
	e.requests = NewPublishQueue(e.requests.Capacity())
	e.stashed = nil
	e.closedDrain = nil
	return nil
}

// Republish returns a still-retained notification directly, bypassing the
// Publish queue (the OPC UA Republish service; spec_full.md supplement).
func (e *Engine) Republish(id domain.SubscriptionID, seq domain.SequenceNumber) (*ua.NotificationMessage, ua.StatusCode) {
	sub, ok := e.subscriptions[id]
	if !ok {
		return nil, ua.StatusBadSubscriptionIDInvalid
	}
	retained, ok := sub.ring.Lookup(seq)
	if !ok {
		return nil, ua.StatusBadMessageNotAvailable
	}
	return &ua.NotificationMessage{
		SequenceNumber:   uint32(retained.SequenceNumber),
		PublishTime:      retained.PublishTime,
		NotificationData: retained.Data,
	}, ua.StatusOK
}

// DeleteSubscriptions applies OnCloseSubscription to each id (the OPC UA
// DeleteSubscriptions service, always plural on the wire).
func (e *Engine) DeleteSubscriptions(ids []domain.SubscriptionID) []ua.StatusCode {
	results := make([]ua.StatusCode, len(ids))
	for i, id := range ids {
		sub, ok := e.subscriptions[id]
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		e.OnCloseSubscription(sub)
		results[i] = ua.StatusOK
	}
	return results
}

// SetPublishingMode flips PublishingEnabled on each named subscription (the
// OPC UA SetPublishingMode service).
func (e *Engine) SetPublishingMode(enabled bool, ids []domain.SubscriptionID) []ua.StatusCode {
	results := make([]ua.StatusCode, len(ids))
	for i, id := range ids {
		sub, ok := e.subscriptions[id]
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		sub.PublishingEnabled = enabled
		results[i] = ua.StatusOK
	}
	return results
}

func (e *Engine) popStashed() *stashedResponse {
	if len(e.stashed) == 0 {
		return nil
	}
	s := e.stashed[0]
	e.stashed = e.stashed[1:]
	return s
}

func (e *Engine) buildResponse(sub *Subscription, param notificationParam, ackResults []ua.StatusCode) *ua.PublishResponse {
	var msg *ua.NotificationMessage
	if param.SequenceNumber != 0 {
		msg = &ua.NotificationMessage{
			SequenceNumber:   uint32(param.SequenceNumber),
			PublishTime:      param.PublishTime,
			NotificationData: param.Data,
		}
	}
	return &ua.PublishResponse{
		ResponseHeader:            &ua.ResponseHeader{ServiceResult: ua.StatusOK},
		SubscriptionID:            uint32(sub.ID),
		AvailableSequenceNumbers:  sequenceNumbersToUint32(sub.GetAvailableSequenceNumbers()),
		MoreNotifications:         param.MoreNotifications,
		NotificationMessage:       msg,
		Results:                   ackResults,
	}
}

func (e *Engine) buildKeepAliveResponse(sub *Subscription, param notificationParam, ackResults []ua.StatusCode) *ua.PublishResponse {
	return &ua.PublishResponse{
		ResponseHeader:           &ua.ResponseHeader{ServiceResult: ua.StatusOK},
		SubscriptionID:           uint32(sub.ID),
		AvailableSequenceNumbers: sequenceNumbersToUint32(sub.GetAvailableSequenceNumbers()),
		MoreNotifications:        false,
		NotificationMessage:      nil,
		Results:                  ackResults,
	}
}

func (e *Engine) statusOnlyResponse(req *ua.PublishRequest, code ua.StatusCode, ackResults []ua.StatusCode) *ua.PublishResponse {
	return &ua.PublishResponse{
		ResponseHeader: &ua.ResponseHeader{
			RequestHandle: requestHandle(req),
			ServiceResult: code,
		},
		Results: ackResults,
	}
}

func sequenceNumbersToUint32(seqs []domain.SequenceNumber) []uint32 {
	out := make([]uint32, len(seqs))
	for i, s := range seqs {
		out[i] = uint32(s)
	}
	return out
}
