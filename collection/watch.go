package collection

import (
	"context"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

// WatchOptions configures Watch/WatchMany.
type WatchOptions struct {
	Raw bool
}

// DocStream reconstructs documents (through §4.5's segment-aware read
// path) for each raw kv.WatchStream emission.
type DocStream[T any] struct {
	ws  kv.WatchStream
	ids []keys.Part
	c   *Collection[T]
}

// Recv blocks for the next change to any watched id and returns one
// *Document[T] per watched id, in the same order, nil where the
// document does not currently exist.
func (s *DocStream[T]) Recv(ctx context.Context) ([]*Document[T], error) {
	entries, err := s.ws.Recv(ctx)
	if err != nil {
		return nil, err
	}
	docs := make([]*Document[T], len(entries))
	for i, e := range entries {
		if !e.Found() {
			continue
		}
		v, err := s.c.readValue(ctx, s.ids[i], e.Value)
		if err != nil {
			return nil, err
		}
		docs[i] = &Document[T]{ID: s.ids[i], Versionstamp: e.Versionstamp, Value: v}
	}
	return docs, nil
}

func (s *DocStream[T]) Close() error { return s.ws.Close() }

// WatchMany opens a change stream over several ids at once.
func (c *Collection[T]) WatchMany(ctx context.Context, ids []keys.Part, opts WatchOptions) (*DocStream[T], error) {
	keysList := make([]keys.Key, len(ids))
	for i, id := range ids {
		keysList[i] = c.idKey(id)
	}
	ws, err := c.store.Watch(ctx, keysList, kv.WatchOptions{Raw: opts.Raw})
	if err != nil {
		return nil, err
	}
	return &DocStream[T]{ws: ws, ids: append([]keys.Part(nil), ids...), c: c}, nil
}

// Watch opens a change stream over a single id.
func (c *Collection[T]) Watch(ctx context.Context, id keys.Part, opts WatchOptions) (*DocStream[T], error) {
	return c.WatchMany(ctx, []keys.Part{id}, opts)
}

// WatchFunc loops Recv until ctx is done or fn returns an error,
// invoking fn with the single watched document on every emission —
// the convenience form spec §4.6 describes as "watch(id, fn)".
func (c *Collection[T]) WatchFunc(ctx context.Context, id keys.Part, opts WatchOptions, fn func(*Document[T]) error) error {
	stream, err := c.Watch(ctx, id, opts)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		docs, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		if err := fn(docs[0]); err != nil {
			return err
		}
	}
}
