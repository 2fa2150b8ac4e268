package durable

import (
	"context"
	"time"
)

// BusMessage is one cross-process pub/sub message, distinct from the
// in-process corerun EventManager emission it often carries.
type BusMessage struct {
	Type      string
	Payload   []byte
	Timestamp time.Time
}

// EventBus is the cross-process publish/subscribe contract. Handler
// errors must not abort publishing; adapters surface them through
// OnHandlerError rather than propagating them to Publish's caller.
type EventBus interface {
	Publish(ctx context.Context, channel string, msg BusMessage) error
	Subscribe(ctx context.Context, channel string, handler func(BusMessage)) (unsubscribe func(), err error)
	OnHandlerError(fn func(channel string, err error))
}

// DurableEventsChannel is the well-known channel DurableContext.Emit
// publishes to, per spec.md §4.6.
const DurableEventsChannel = "durable:events"
