/*
Package events implements the cache builder's upsert/delete notification
broker (§4.5): a non-blocking, per-endpoint pub/sub fan-out from the
builder's apply loop to streaming query subscribers.

# Usage

	broker := events.NewBroker("orders")
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			// forward event to a streaming query client
		}
	}()

	broker.Publish(&events.Event{Endpoint: "orders", Type: events.EventUpserted, RecordID: 42})

A full subscriber buffer drops the notification rather than blocking the
cache builder's apply loop; drops are counted in
metrics.CacheNotifyDroppedTotal.
*/
package events
