package postgres

import (
	"context"
	"time"

	"github.com/kvdexhq/kvdex/kv"
)

const pollInterval = 100 * time.Millisecond

func (s *Store) Enqueue(ctx context.Context, value []byte, opts kv.EnqueueOptions) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kvdex_queue (value, ready_at) VALUES ($1, now() + ($2 || ' microseconds')::interval)`,
		value, opts.Delay.Microseconds())
	return err
}

// ListenQueue polls kvdex_queue for ready messages rather than relying
// on LISTEN/NOTIFY: the CLI collaborators this backend serves (migrate,
// export, import) never enqueue or listen, so simplicity wins over a
// trigger-driven push path here.
func (s *Store) ListenQueue(ctx context.Context, handler kv.QueueHandler) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.drainQueueOnce(ctx, handler); err != nil {
				return err
			}
		}
	}
}

func (s *Store) drainQueueOnce(ctx context.Context, handler kv.QueueHandler) error {
	for {
		var item struct {
			ID    int64  `db:"id"`
			Value []byte `db:"value"`
		}
		err := s.db.GetContext(ctx, &item,
			`SELECT id, value FROM kvdex_queue WHERE ready_at <= now() ORDER BY id LIMIT 1`)
		if err != nil {
			return nil // no rows ready; wait for the next tick
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kvdex_queue WHERE id = $1`, item.ID); err != nil {
			return err
		}
		_ = handler(ctx, kv.QueueMessage{Value: item.Value})
	}
}
