package redis

import (
	"context"
	"time"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

const watchPollInterval = 200 * time.Millisecond

// watchStream polls rather than using Redis keyspace notifications:
// those require server-side config (notify-keyspace-events) the CLI
// collaborators using this backend can't assume is set, so Recv
// re-reads and diffs versionstamps on a timer, the same contract
// collection/watch.go implements against the in-memory backend's
// pushed signals.
type watchStream struct {
	store *Store
	keys  []keys.Key
	raw   bool
	last  []kv.Versionstamp
	done  chan struct{}
}

func (s *Store) Watch(ctx context.Context, watchKeys []keys.Key, opts kv.WatchOptions) (kv.WatchStream, error) {
	return &watchStream{store: s, keys: watchKeys, raw: opts.Raw, last: make([]kv.Versionstamp, len(watchKeys)), done: make(chan struct{})}, nil
}

func (w *watchStream) Recv(ctx context.Context) ([]kv.Entry, error) {
	first := true
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.done:
			return nil, ctx.Err()
		default:
		}

		entries := make([]kv.Entry, len(w.keys))
		changed := first
		for i, k := range w.keys {
			e, err := w.store.Get(ctx, k, kv.GetOptions{})
			if err != nil {
				return nil, err
			}
			entries[i] = e
			if w.last[i] != e.Versionstamp {
				changed = true
			}
			w.last[i] = e.Versionstamp
		}
		first = false

		if changed || w.raw {
			return entries, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(watchPollInterval):
		}
	}
}

func (w *watchStream) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return nil
}
