package memory

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

type checkEntry struct {
	key keys.Key
	vs  kv.Versionstamp
}

type mutKind int

const (
	mutSet mutKind = iota
	mutDelete
	mutSum
	mutMin
	mutMax
)

type mutation struct {
	kind    mutKind
	key     keys.Key
	value   []byte
	opts    kv.SetOptions
	operand int64
}

type enqueueMutation struct {
	value []byte
	opts  kv.EnqueueOptions
}

// atomicOp accumulates mutations for one all-or-nothing Commit. Not
// safe for concurrent use by multiple goroutines — matches the
// builder-pattern contract in kv.AtomicOp.
type atomicOp struct {
	store    *Store
	checks   []checkEntry
	muts     []mutation
	enqueues []enqueueMutation
}

func (s *Store) Atomic() kv.AtomicOp {
	return &atomicOp{store: s}
}

func (a *atomicOp) Check(key keys.Key, vs kv.Versionstamp) kv.AtomicOp {
	a.checks = append(a.checks, checkEntry{key: key, vs: vs})
	return a
}

func (a *atomicOp) Set(key keys.Key, value []byte, opts kv.SetOptions) kv.AtomicOp {
	a.muts = append(a.muts, mutation{kind: mutSet, key: key, value: value, opts: opts})
	return a
}

func (a *atomicOp) Delete(key keys.Key) kv.AtomicOp {
	a.muts = append(a.muts, mutation{kind: mutDelete, key: key})
	return a
}

func (a *atomicOp) Sum(key keys.Key, delta int64) kv.AtomicOp {
	a.muts = append(a.muts, mutation{kind: mutSum, key: key, operand: delta})
	return a
}

func (a *atomicOp) Min(key keys.Key, value int64) kv.AtomicOp {
	a.muts = append(a.muts, mutation{kind: mutMin, key: key, operand: value})
	return a
}

func (a *atomicOp) Max(key keys.Key, value int64) kv.AtomicOp {
	a.muts = append(a.muts, mutation{kind: mutMax, key: key, operand: value})
	return a
}

func (a *atomicOp) Enqueue(value []byte, opts kv.EnqueueOptions) kv.AtomicOp {
	a.enqueues = append(a.enqueues, enqueueMutation{value: value, opts: opts})
	return a
}

func (a *atomicOp) Size() (mutations, checks, keyBytes, valueBytes int) {
	mutations = len(a.muts) + len(a.enqueues)
	checks = len(a.checks)
	for _, c := range a.checks {
		if b, err := keys.Encode(c.key); err == nil {
			keyBytes += len(b)
		}
	}
	for _, m := range a.muts {
		if b, err := keys.Encode(m.key); err == nil {
			keyBytes += len(b)
		}
		valueBytes += len(m.value)
	}
	for _, e := range a.enqueues {
		valueBytes += len(e.value)
	}
	return
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func (a *atomicOp) Commit(ctx context.Context) (kv.CommitResult, error) {
	s := a.store
	start := time.Now()
	defer func() { s.metrics.CommitDuration.Observe(time.Since(start).Seconds()) }()

	s.mu.Lock()

	for _, c := range a.checks {
		enc, err := encode(c.key)
		if err != nil {
			s.mu.Unlock()
			s.metrics.CommitsTotal.WithLabelValues("error").Inc()
			return kv.CommitResult{}, err
		}
		e, ok := s.getLocked(enc)
		var actual kv.Versionstamp
		if ok {
			actual = e.Versionstamp
		}
		if actual != c.vs {
			s.mu.Unlock()
			s.metrics.CommitsTotal.WithLabelValues("conflict").Inc()
			return kv.CommitResult{OK: false}, nil
		}
	}

	var touched []string
	var lastVS uint64

	for _, m := range a.muts {
		enc, err := encode(m.key)
		if err != nil {
			s.mu.Unlock()
			s.metrics.CommitsTotal.WithLabelValues("error").Inc()
			return kv.CommitResult{}, err
		}
		switch m.kind {
		case mutSet:
			lastVS = s.setLocked(enc, m.key, m.value, m.opts.ExpireIn)
		case mutDelete:
			s.deleteLocked(enc)
		case mutSum:
			cur := int64(0)
			if r, ok := s.records[enc]; ok {
				cur = decodeInt64(r.value)
			}
			lastVS = s.setLocked(enc, m.key, encodeInt64(cur+m.operand), 0)
		case mutMin:
			cur := m.operand
			if r, ok := s.records[enc]; ok {
				if existing := decodeInt64(r.value); existing < cur {
					cur = existing
				}
			}
			lastVS = s.setLocked(enc, m.key, encodeInt64(cur), 0)
		case mutMax:
			cur := m.operand
			if r, ok := s.records[enc]; ok {
				if existing := decodeInt64(r.value); existing > cur {
					cur = existing
				}
			}
			lastVS = s.setLocked(enc, m.key, encodeInt64(cur), 0)
		}
		touched = append(touched, enc)
	}

	for _, e := range a.enqueues {
		s.enqueueLocked(e.value, e.opts)
	}

	s.mu.Unlock()

	for _, enc := range touched {
		s.notify(enc)
	}
	if len(a.enqueues) > 0 {
		s.queueCond.Broadcast()
	}

	s.metrics.CommitsTotal.WithLabelValues("ok").Inc()
	return kv.CommitResult{OK: true, Versionstamp: versionstampString(lastVS)}, nil
}
