// Package memory implements kv.Store over a plain ordered map (spec
// §4.2): kvdex's reference backend, used for tests and local
// development without a native FoundationDB-style engine. Shaped as a
// TTL-map with a cleanup goroutine (versioned entries, a cleanup
// timer), generalized from a single flat cache to kvdex's tuple-keyed,
// watch/queue-capable contract.
package memory

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/logging"
	"github.com/kvdexhq/kvdex/metrics"
)

type record struct {
	key          keys.Key
	value        []byte
	versionstamp uint64
	expireTimer  *time.Timer
}

// Store is an in-memory, single-process kv.Store.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	order   []string // encoded keys, kept sorted
	nextVS  uint64

	subs []*subscriber

	queue       []queueItem
	queueCond   *sync.Cond
	handlers    []kv.QueueHandler
	dispatching bool
	closed      bool

	limits  kv.Limits
	log     *logging.Logger
	metrics *metrics.Recorder
}

type queueItem struct {
	id                int64
	value             []byte
	readyAt           time.Time
	attempt           int
	backoff           []time.Duration
	keysIfUndelivered []keys.Key
}

// New constructs an empty Store with no metrics recording.
func New(limits kv.Limits, log *logging.Logger) *Store {
	return NewWithMetrics(limits, log, metrics.Noop())
}

// NewWithMetrics constructs an empty Store that records commit and
// watch-emission metrics through rec.
func NewWithMetrics(limits kv.Limits, log *logging.Logger, rec *metrics.Recorder) *Store {
	if log == nil {
		log = logging.NewDefault()
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	s := &Store{
		records: make(map[string]*record),
		limits:  limits,
		log:     log,
		metrics: rec,
	}
	s.queueCond = sync.NewCond(&s.mu)
	go s.dispatchLoop()
	return s
}

func (s *Store) Limits() kv.Limits { return s.limits }

func encode(k keys.Key) (string, error) {
	b, err := keys.Encode(k)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func versionstampString(v uint64) kv.Versionstamp {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return kv.Versionstamp(hex.EncodeToString(b[:]))
}

// locate returns the position in s.order where enc either is, or
// should be inserted.
func (s *Store) locate(enc string) (int, bool) {
	i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= enc })
	if i < len(s.order) && s.order[i] == enc {
		return i, true
	}
	return i, false
}

func (s *Store) getLocked(enc string) (Entry kv.Entry, ok bool) {
	r, found := s.records[enc]
	if !found {
		return kv.Entry{}, false
	}
	return kv.Entry{Key: r.key, Value: append([]byte(nil), r.value...), Versionstamp: versionstampString(r.versionstamp)}, true
}

func (s *Store) Get(ctx context.Context, key keys.Key, _ kv.GetOptions) (kv.Entry, error) {
	enc, err := encode(key)
	if err != nil {
		return kv.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(enc)
	if !ok {
		return kv.Entry{Key: key}, nil
	}
	return e, nil
}

func (s *Store) GetMany(ctx context.Context, keysList []keys.Key, opts kv.GetOptions) ([]kv.Entry, error) {
	if len(keysList) > s.limits.GetManyKeyLimit && s.limits.GetManyKeyLimit > 0 {
		return nil, fmt.Errorf("memory: getMany exceeds key limit %d", s.limits.GetManyKeyLimit)
	}
	out := make([]kv.Entry, len(keysList))
	for i, k := range keysList {
		e, err := s.Get(ctx, k, opts)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func (s *Store) setLocked(enc string, key keys.Key, value []byte, expireIn time.Duration) uint64 {
	s.nextVS++
	vs := s.nextVS
	r, exists := s.records[enc]
	if !exists {
		r = &record{key: key}
		s.records[enc] = r
		i, _ := s.locate(enc)
		s.order = append(s.order, "")
		copy(s.order[i+1:], s.order[i:])
		s.order[i] = enc
	}
	if r.expireTimer != nil {
		r.expireTimer.Stop()
		r.expireTimer = nil
	}
	r.value = append([]byte(nil), value...)
	r.versionstamp = vs
	if expireIn > 0 {
		r.expireTimer = time.AfterFunc(expireIn, func() {
			s.mu.Lock()
			s.deleteLocked(enc)
			s.mu.Unlock()
			s.notify(enc)
		})
	}
	return vs
}

func (s *Store) deleteLocked(enc string) bool {
	r, exists := s.records[enc]
	if !exists {
		return false
	}
	if r.expireTimer != nil {
		r.expireTimer.Stop()
	}
	delete(s.records, enc)
	i, found := s.locate(enc)
	if found {
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
	return true
}

func (s *Store) Set(ctx context.Context, key keys.Key, value []byte, opts kv.SetOptions) (kv.CommitResult, error) {
	enc, err := encode(key)
	if err != nil {
		return kv.CommitResult{}, err
	}
	s.mu.Lock()
	vs := s.setLocked(enc, key, value, opts.ExpireIn)
	s.mu.Unlock()
	s.notify(enc)
	return kv.CommitResult{OK: true, Versionstamp: versionstampString(vs)}, nil
}

func (s *Store) Delete(ctx context.Context, key keys.Key) error {
	enc, err := encode(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.deleteLocked(enc)
	s.mu.Unlock()
	s.notify(enc)
	return nil
}

// prefixUpperBound returns the exclusive upper bound for a byte-prefix
// scan, or nil if the prefix has no finite upper bound (all 0xFF).
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func computeRange(sel kv.Selector) (lower, upper []byte, err error) {
	var prefixB, startB, endB []byte
	if sel.Prefix != nil {
		if prefixB, err = keys.Encode(sel.Prefix); err != nil {
			return nil, nil, err
		}
	}
	if sel.Start != nil {
		if startB, err = keys.Encode(sel.Start); err != nil {
			return nil, nil, err
		}
	}
	if sel.End != nil {
		if endB, err = keys.Encode(sel.End); err != nil {
			return nil, nil, err
		}
	}

	switch {
	case sel.Start != nil && sel.End != nil:
		// Per spec's codified Open Question: prefix is dropped when
		// both start and end are present.
		return startB, endB, nil
	case sel.Prefix != nil && sel.Start != nil:
		return startB, prefixUpperBound(prefixB), nil
	case sel.Prefix != nil && sel.End != nil:
		return prefixB, endB, nil
	case sel.Prefix != nil:
		return prefixB, prefixUpperBound(prefixB), nil
	case sel.Start != nil:
		return startB, nil, nil
	case sel.End != nil:
		return nil, endB, nil
	default:
		return nil, nil, nil
	}
}

type iterator struct {
	s        *Store
	encKeys  []string
	pos      int
	limit    int
	consumed int
	cursor   string
}

func (it *iterator) Next(ctx context.Context) (kv.Entry, bool, error) {
	if it.limit > 0 && it.consumed >= it.limit {
		return kv.Entry{}, false, nil
	}
	if it.pos >= len(it.encKeys) {
		it.cursor = ""
		return kv.Entry{}, false, nil
	}
	enc := it.encKeys[it.pos]
	it.pos++
	it.consumed++
	it.s.mu.Lock()
	e, ok := it.s.getLocked(enc)
	it.s.mu.Unlock()
	it.cursor = hex.EncodeToString([]byte(enc))
	if !ok {
		// Deleted between snapshot and read; skip forward.
		return it.Next(ctx)
	}
	return e, true, nil
}

func (it *iterator) Cursor() string { return it.cursor }
func (it *iterator) Close() error   { return nil }

func (s *Store) List(ctx context.Context, sel kv.Selector, opts kv.ListOptions) (kv.Iterator, error) {
	lower, upper, err := computeRange(sel)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	lo := 0
	if lower != nil {
		lo = sort.SearchStrings(s.order, string(lower))
	}
	hi := len(s.order)
	if upper != nil {
		hi = sort.SearchStrings(s.order, string(upper))
	}
	snapshot := append([]string(nil), s.order[lo:hi]...)
	s.mu.Unlock()

	if opts.Cursor != "" {
		cursorBytes, err := hex.DecodeString(opts.Cursor)
		if err == nil {
			cursorEnc := string(cursorBytes)
			i := sort.SearchStrings(snapshot, cursorEnc)
			if i < len(snapshot) && snapshot[i] == cursorEnc {
				i++
			}
			snapshot = snapshot[i:]
		}
	}

	if opts.Reverse {
		for i, j := 0, len(snapshot)-1; i < j; i, j = i+1, j-1 {
			snapshot[i], snapshot[j] = snapshot[j], snapshot[i]
		}
	}

	return &iterator{s: s, encKeys: snapshot, limit: opts.Limit}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.queueCond.Broadcast()
	return nil
}
