package collection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kvdexerr"
)

// EnqueueOptions configures Collection.Enqueue. IDsIfUndelivered names
// document ids whose __undelivered__ slot (scoped to this collection)
// receives the message after delivery attempts are exhausted.
type EnqueueOptions struct {
	Delay            time.Duration
	IDsIfUndelivered []keys.Part
	BackoffSchedule  []time.Duration
	Topic            string
}

// handlerID derives the routing key a message's envelope carries
// (spec §6): the collection's base key plus an optional topic.
func (c *Collection[T]) handlerID(topic string) (string, error) {
	b, err := json.Marshal(c.baseKey)
	if err != nil {
		return "", err
	}
	return string(b) + topic, nil
}

// Enqueue submits data for delivery to every handler registered for
// topic on this collection (spec §4.6).
func (c *Collection[T]) Enqueue(ctx context.Context, data []byte, opts EnqueueOptions) error {
	if c.dispatcher == nil {
		return kvdexerr.InvalidCollectionf("collection has no queue dispatcher configured")
	}
	handlerID, err := c.handlerID(opts.Topic)
	if err != nil {
		return err
	}
	kvOpts := kv.EnqueueOptions{Delay: opts.Delay, BackoffSchedule: opts.BackoffSchedule}
	for _, id := range opts.IDsIfUndelivered {
		kvOpts.KeysIfUndelivered = append(kvOpts.KeysIfUndelivered, c.undeliveredKey(id))
	}
	return c.dispatcher.Enqueue(ctx, handlerID, QueueMessage{Data: data}, kvOpts)
}

// ListenQueue registers handler for topic, activating the facade's
// idempotent dispatcher on first use. Registration is synchronous;
// delivered messages are handled by the facade's background
// dispatcher goroutine, not on the calling goroutine.
func (c *Collection[T]) ListenQueue(ctx context.Context, topic string, handler Handler) error {
	if c.dispatcher == nil {
		return kvdexerr.InvalidCollectionf("collection has no queue dispatcher configured")
	}
	handlerID, err := c.handlerID(topic)
	if err != nil {
		return err
	}
	return c.dispatcher.Listen(ctx, handlerID, handler)
}

// FindUndelivered reads the captured message for id, if delivery was
// ever exhausted for it.
func (c *Collection[T]) FindUndelivered(ctx context.Context, id keys.Part) ([]byte, error) {
	e, err := c.store.Get(ctx, c.undeliveredKey(id), kv.GetOptions{})
	if err != nil {
		return nil, err
	}
	if !e.Found() {
		return nil, nil
	}
	return e.Value, nil
}

// DeleteUndelivered removes id's captured undelivered message, if any.
func (c *Collection[T]) DeleteUndelivered(ctx context.Context, id keys.Part) error {
	return c.store.Delete(ctx, c.undeliveredKey(id))
}
