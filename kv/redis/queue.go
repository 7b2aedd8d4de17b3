package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kvdexhq/kvdex/kv"
)

func (s *Store) Enqueue(ctx context.Context, value []byte, opts kv.EnqueueOptions) error {
	if opts.Delay <= 0 {
		return s.client.RPush(ctx, queueKey, value).Err()
	}
	go func() {
		time.Sleep(opts.Delay)
		s.client.RPush(context.Background(), queueKey, value)
	}()
	return nil
}

// ListenQueue blocks on BLPOP, delivering one message per pop — Redis's
// native analogue of the in-memory backend's condition-variable wait
// loop, without that backend's retry/backoff bookkeeping (the CLI
// collaborators this backend serves don't enqueue with a backoff
// schedule).
func (s *Store) ListenQueue(ctx context.Context, handler kv.QueueHandler) error {
	for {
		res, err := s.client.BLPop(ctx, time.Second, queueKey).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(res) != 2 {
			continue
		}
		_ = handler(ctx, kv.QueueMessage{Value: []byte(res[1])})
	}
}
