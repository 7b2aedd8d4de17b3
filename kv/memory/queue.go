package memory

import (
	"context"
	"time"

	"github.com/kvdexhq/kvdex/kv"
)

func (s *Store) enqueueLocked(value []byte, opts kv.EnqueueOptions) {
	s.nextVS++ // also serves as a monotonic message id source
	s.queue = append(s.queue, queueItem{
		id:                int64(s.nextVS),
		value:             value,
		readyAt:           time.Now().Add(opts.Delay),
		backoff:           opts.BackoffSchedule,
		keysIfUndelivered: opts.KeysIfUndelivered,
	})
}

func (s *Store) Enqueue(ctx context.Context, value []byte, opts kv.EnqueueOptions) error {
	s.mu.Lock()
	s.enqueueLocked(value, opts)
	s.mu.Unlock()
	s.queueCond.Broadcast()
	return nil
}

// ListenQueue registers handler as a dispatch target for every future
// (and currently queued) message. Mirrors the contract's note that a
// Store typically has one process-wide dispatcher per queue; this
// reference backend allows several for testing convenience.
func (s *Store) ListenQueue(ctx context.Context, handler kv.QueueHandler) error {
	s.mu.Lock()
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
	s.queueCond.Broadcast()

	<-ctx.Done()
	return ctx.Err()
}

// dispatchLoop is the single background worker draining s.queue,
// delivering to every registered handler and retrying per each
// message's backoff schedule before falling back to
// KeysIfUndelivered.
func (s *Store) dispatchLoop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.queueCond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		now := time.Now()
		if item.readyAt.After(now) {
			s.mu.Unlock()
			time.Sleep(item.readyAt.Sub(now))
			continue
		}
		s.queue = s.queue[1:]
		handlers := append([]kv.QueueHandler(nil), s.handlers...)
		s.mu.Unlock()

		if len(handlers) == 0 {
			// No dispatcher registered yet; wait for one rather than
			// dropping the message.
			s.mu.Lock()
			item.readyAt = time.Now().Add(50 * time.Millisecond)
			s.queue = append([]queueItem{item}, s.queue...)
			s.mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.deliver(item, handlers)
	}
}

func (s *Store) deliver(item queueItem, handlers []kv.QueueHandler) {
	ctx := context.Background()
	msg := kv.QueueMessage{Value: item.value}

	var failed bool
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			failed = true
		}
	}
	if !failed {
		return
	}

	if item.attempt < len(item.backoff) {
		delay := item.backoff[item.attempt]
		item.attempt++
		s.mu.Lock()
		item.readyAt = time.Now().Add(delay)
		s.queue = append(s.queue, item)
		s.mu.Unlock()
		s.queueCond.Broadcast()
		return
	}

	for _, k := range item.keysIfUndelivered {
		enc, err := encode(k)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.setLocked(enc, k, item.value, 0)
		s.mu.Unlock()
		s.notify(enc)
	}
}
