package memory

import (
	"context"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

type subscriber struct {
	s       *Store
	encKeys []string
	sig     chan struct{}
	raw     bool
	last    []kv.Versionstamp
}

// notify pings every subscriber watching enc. Signals are coalesced
// (buffered size 1, dropped if already pending) since a watcher only
// ever cares about "something changed since I last read", not every
// individual mutation.
func (s *Store) notify(enc string) {
	s.mu.Lock()
	subs := append([]*subscriber(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		for _, k := range sub.encKeys {
			if k == enc {
				select {
				case sub.sig <- struct{}{}:
					s.metrics.WatchEmissionsTotal.Inc()
				default:
				}
				break
			}
		}
	}
}

func (s *Store) Watch(ctx context.Context, watchKeys []keys.Key, opts kv.WatchOptions) (kv.WatchStream, error) {
	encKeys := make([]string, len(watchKeys))
	for i, k := range watchKeys {
		enc, err := encode(k)
		if err != nil {
			return nil, err
		}
		encKeys[i] = enc
	}
	sub := &subscriber{
		s:       s,
		encKeys: encKeys,
		sig:     make(chan struct{}, 1),
		raw:     opts.Raw,
		last:    make([]kv.Versionstamp, len(watchKeys)),
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	// Fire once immediately so the first Recv reflects current state.
	sub.sig <- struct{}{}

	return &watchStream{store: s, sub: sub, keys: watchKeys}, nil
}

type watchStream struct {
	store   *Store
	sub     *subscriber
	keys    []keys.Key
	emitted bool
}

func (w *watchStream) Recv(ctx context.Context) ([]kv.Entry, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.sub.sig:
		}

		entries := make([]kv.Entry, len(w.keys))
		changed := false
		for i, k := range w.keys {
			enc := w.sub.encKeys[i]
			w.store.mu.Lock()
			e, ok := w.store.getLocked(enc)
			w.store.mu.Unlock()
			if !ok {
				e = kv.Entry{Key: k}
			}
			entries[i] = e
			if w.sub.last[i] != e.Versionstamp {
				changed = true
			}
			w.sub.last[i] = e.Versionstamp
		}

		if changed || w.sub.raw || !w.emitted {
			w.emitted = true
			return entries, nil
		}
	}
}

func (w *watchStream) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	for i, s := range w.store.subs {
		if s == w.sub {
			w.store.subs = append(w.store.subs[:i], w.store.subs[i+1:]...)
			break
		}
	}
	close(w.sub.sig)
	return nil
}
