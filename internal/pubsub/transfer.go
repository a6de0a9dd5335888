package pubsub

import (
	"sort"
	"time"

	"github.com/nexus-edge/opcua-pubsub-engine/internal/domain"
)

// Transfer hot-migrates a live subscription from its current engine to
// dest (spec §4.5). No Publish request on either engine may observe the
// subscription half-attached: the subscription's back-reference is the
// single source of truth and is updated atomically within this call since
// the engine is single-threaded cooperative (spec §5).
func Transfer(sub *Subscription, dest *Engine, sendInitialValues bool, now time.Time) error {
	src := sub.engine

	if src != nil {
		sub.NotifyTransfer(now)
		if err := src.DetachSubscription(sub); err != nil {
			return err
		}
	}

	if err := dest.AddSubscription(sub); err != nil {
		return err
	}

	if src != nil && dest.obs != nil {
		dest.obs.OnSubscriptionTransferred(sub.ID, src.Name, dest.Name)
	}
	if dest.metrics != nil {
		dest.metrics.Transfers.Inc()
	}

	sub.ResetLifeTimeCounter()

	if sendInitialValues {
		sub.ResendInitialValues()
	}

	return nil
}

// TransferAll transfers every subscription from src to dest, preserving
// order. src is guaranteed empty on return.
func TransferAll(src, dest *Engine, sendInitialValues bool, now time.Time) error {
	ids := make([]int, 0, len(src.subscriptions))
	for id := range src.subscriptions {
		ids = append(ids, int(id))
	}
	sort.Ints(ids) // deterministic order: ascending subscription id

	for _, id := range ids {
		sub := src.subscriptions[domain.SubscriptionID(id)]
		if sub == nil {
			continue
		}
		if err := Transfer(sub, dest, sendInitialValues, now); err != nil {
			return err
		}
	}
	return nil
}
