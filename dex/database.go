// Package dex implements the database facade (spec §4.9): the root
// object holding the KV handle, the registry of descendant
// collections used by countAll/deleteAll/wipe, and the process-wide
// queue dispatcher collections borrow through the collection.Dispatcher
// interface: a handler map keyed by handler id, fanned out to
// concurrent subscriber callbacks, generalized from a fixed event set
// to kvdex's arbitrary handler-id namespace, plus golang.org/x/time/rate
// for the per-handler backpressure limiter.
package dex

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/kvdexhq/kvdex/atomicwrap"
	"github.com/kvdexhq/kvdex/collection"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/logging"
	"github.com/kvdexhq/kvdex/metrics"
)

// Descendant is the non-generic surface a registered collection
// exposes to the facade for countAll/deleteAll (dex can't hold a
// slice of *collection.Collection[T] for varying T directly).
type Descendant interface {
	BaseKey() keys.Key
	CountAll(ctx context.Context) (int, error)
	DeleteAllDocs(ctx context.Context) error
}

// envelope is the on-wire queue message shape (spec §6): every
// enqueue, whether from a collection, the atomic builder, or a
// scheduler, is wrapped in this before it reaches the underlying
// kv.Store's queue.
type envelope struct {
	IsUndefined bool            `json:"__is_undefined__"`
	Data        json.RawMessage `json:"__data__"`
	HandlerID   string          `json:"__handlerId__"`
}

// Database is the facade returned by Open. It implements
// collection.Dispatcher so collections constructed against it can
// enqueue and register handlers without importing this package.
type Database struct {
	store kv.Store
	log   *logging.Logger

	mu          sync.Mutex
	descendants []Descendant
	handlers    map[string][]collection.Handler
	limiters    map[string]*rate.Limiter

	listenOnce sync.Once
	listenErr  error

	metrics *metrics.Recorder
}

// Open constructs a Database over store with no metrics recording. log
// defaults to logging.NewDefault() when nil.
func Open(store kv.Store, log *logging.Logger) *Database {
	return OpenWithMetrics(store, log, metrics.Noop())
}

// OpenWithMetrics constructs a Database that records queue dispatch
// metrics (delivered, retried) through rec.
func OpenWithMetrics(store kv.Store, log *logging.Logger, rec *metrics.Recorder) *Database {
	if log == nil {
		log = logging.NewDefault()
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	return &Database{
		store:    store,
		log:      log,
		handlers: make(map[string][]collection.Handler),
		limiters: make(map[string]*rate.Limiter),
		metrics:  rec,
	}
}

// Store exposes the underlying KV handle, for collection.New and the
// atomic builder.
func (db *Database) Store() kv.Store { return db.store }

// Register adds d to the facade's descendant registry. Collection
// constructors wired through this package call Register themselves;
// see NewCollection.
func (db *Database) Register(d Descendant) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.descendants = append(db.descendants, d)
}

// NewCollection constructs a *collection.Collection[T] rooted at
// baseKey, wires db in as its Dispatcher if the caller didn't already
// set one, and registers it as a descendant.
func NewCollection[T any](db *Database, baseKey keys.Key, opts collection.Options[T]) *collection.Collection[T] {
	if opts.Dispatcher == nil {
		opts.Dispatcher = db
	}
	if opts.Log == nil {
		opts.Log = db.log
	}
	c := collection.New[T](db.store, baseKey, opts)
	db.Register(c)
	return c
}

// Enqueue implements collection.Dispatcher: it wraps msg in the
// on-wire envelope and hands it to the underlying store's queue.
func (db *Database) Enqueue(ctx context.Context, handlerID string, msg collection.QueueMessage, opts kv.EnqueueOptions) error {
	env := envelope{IsUndefined: msg.IsUndefined, Data: json.RawMessage(msg.Data), HandlerID: handlerID}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return db.store.Enqueue(ctx, payload, opts)
}

// Listen implements collection.Dispatcher: it registers h under
// handlerID and, the first time any Listen call is made on this
// Database, starts the single background dispatcher goroutine (spec
// §4.9's "idempotent listener activator").
func (db *Database) Listen(ctx context.Context, handlerID string, h collection.Handler) error {
	db.mu.Lock()
	db.handlers[handlerID] = append(db.handlers[handlerID], h)
	db.mu.Unlock()

	db.listenOnce.Do(func() {
		go func() {
			db.listenErr = db.store.ListenQueue(ctx, db.dispatch)
		}()
	})
	return nil
}

// dispatch is the single ListenQueue handler backing every
// collection's, scheduler's and atomic builder's enqueue — it parses
// the envelope, resolves __handlerId__, and invokes every registered
// handler for it concurrently (spec §4.9).
func (db *Database) dispatch(ctx context.Context, qm kv.QueueMessage) error {
	var env envelope
	if err := json.Unmarshal(qm.Value, &env); err != nil {
		// Foreign message: doesn't conform to kvdex's envelope shape.
		// Silently dropped per spec §6.
		return nil
	}

	db.mu.Lock()
	handlers := append([]collection.Handler(nil), db.handlers[env.HandlerID]...)
	db.mu.Unlock()
	if len(handlers) == 0 {
		return nil
	}

	if err := db.limiterFor(env.HandlerID).Wait(ctx); err != nil {
		return err
	}

	msg := collection.QueueMessage{Data: env.Data, IsUndefined: env.IsUndefined}
	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h collection.Handler) {
			defer wg.Done()
			errs[i] = h(ctx, msg)
		}(i, h)
	}
	wg.Wait()

	var merr *multierror.Error
	for _, e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
			db.metrics.QueueRetriesTotal.WithLabelValues(env.HandlerID).Inc()
		} else {
			db.metrics.QueueDeliveredTotal.WithLabelValues(env.HandlerID).Inc()
		}
	}
	return merr.ErrorOrNil()
}

// limiterFor returns (creating if necessary) the per-handler-id rate
// limiter that keeps one slow consumer from starving the single
// dispatcher goroutine the in-memory KV drives notifications from.
func (db *Database) limiterFor(handlerID string) *rate.Limiter {
	db.mu.Lock()
	defer db.mu.Unlock()
	l, ok := db.limiters[handlerID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(50), 50)
		db.limiters[handlerID] = l
	}
	return l
}

// CountAll sums Count across every registered descendant collection.
func (db *Database) CountAll(ctx context.Context) (int, error) {
	total := 0
	for _, d := range db.snapshotDescendants() {
		n, err := d.CountAll(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// DeleteAll calls DeleteMany on every registered descendant
// collection.
func (db *Database) DeleteAll(ctx context.Context) error {
	for _, d := range db.snapshotDescendants() {
		if err := d.DeleteAllDocs(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Wipe scans the entire store and deletes every key via the atomic
// wrapper, including undelivered and history entries — the scorched
// -earth reset spec §4.9 describes.
func (db *Database) Wipe(ctx context.Context) error {
	it, err := db.store.List(ctx, kv.Selector{Prefix: keys.Key{}}, kv.ListOptions{})
	if err != nil {
		return err
	}
	defer it.Close()

	w := atomicwrap.New(db.store)
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		w.Delete(e.Key)
	}
	_, err = w.Commit(ctx)
	return err
}

func (db *Database) snapshotDescendants() []Descendant {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]Descendant(nil), db.descendants...)
}
