// Package atomicwrap implements kvdex's atomic operation wrapper (spec
// §4.3): a builder that transparently splits an oversized sequence of
// mutations into multiple sequential commits against the underlying
// kv.Store whenever a single commit would exceed the store's
// documented limits: chunked submission against a capacity-limited
// downstream. A new batch is started when the mutation count, the
// check count or the estimated total byte size would exceed its limit.
// Key size and value length are not batching dimensions: a single key
// over AtomicOperationKeySizeLimit or a single value over
// Uint8ArrayLengthLimit is rejected, not split.
package atomicwrap

import (
	"context"
	"fmt"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/metrics"
)

// Per-mutation byte-size estimates used for AtomicOperationSizeLimit
// accounting, mirroring the native backend's own fixed overheads for
// non-set mutation kinds (the value payload dominates only for Set and
// Enqueue).
const (
	estimatedSetOverhead     = 67
	estimatedSmallMutation   = 3 // delete, sum, min, max, check
	estimatedEnqueueOverhead = 96
)

type opKind int

const (
	opCheck opKind = iota
	opSet
	opDelete
	opSum
	opMin
	opMax
	opEnqueue
)

type pendingMutation struct {
	kind        opKind
	key         keys.Key
	value       []byte
	setOpts     kv.SetOptions
	operand     int64
	checkVS     kv.Versionstamp
	enqueueOpts kv.EnqueueOptions
	sizeBytes   int
}

// Wrapper accumulates mutations and commits them to the underlying
// Store in one or more batches, each respecting store.Limits(). Its
// builder methods mirror kv.AtomicOp's but return *Wrapper. The first
// invalid call (an unencodable or oversized key, an oversized value)
// is recorded, later calls are ignored, and Commit returns that error
// without submitting anything.
type Wrapper struct {
	store   kv.Store
	limits  kv.Limits
	pending []pendingMutation
	err     error
	metrics *metrics.Recorder
}

// New constructs a Wrapper with no metrics recording.
func New(store kv.Store) *Wrapper {
	return NewWithMetrics(store, metrics.Noop())
}

// NewWithMetrics constructs a Wrapper that records a CommitBatchesTotal
// observation per batch committed through rec.
func NewWithMetrics(store kv.Store, rec *metrics.Recorder) *Wrapper {
	if rec == nil {
		rec = metrics.Noop()
	}
	return &Wrapper{store: store, limits: store.Limits(), metrics: rec}
}

func (w *Wrapper) fail(err error) *Wrapper {
	if w.err == nil {
		w.err = err
	}
	return w
}

func keySize(k keys.Key) (int, error) {
	b, err := keys.Encode(k)
	if err != nil {
		return 0, fmt.Errorf("atomicwrap: encode key: %w", err)
	}
	return len(b), nil
}

func (w *Wrapper) checkKeySize(k keys.Key, n int) error {
	if w.limits.AtomicOperationKeySizeLimit > 0 && n > w.limits.AtomicOperationKeySizeLimit {
		return fmt.Errorf("atomicwrap: key %v exceeds key size limit %d bytes", k, w.limits.AtomicOperationKeySizeLimit)
	}
	return nil
}

func (w *Wrapper) checkValueSize(n int) error {
	if w.limits.Uint8ArrayLengthLimit > 0 && n > w.limits.Uint8ArrayLengthLimit {
		return fmt.Errorf("atomicwrap: value exceeds length limit %d bytes", w.limits.Uint8ArrayLengthLimit)
	}
	return nil
}

func (w *Wrapper) Check(key keys.Key, vs kv.Versionstamp) *Wrapper {
	if w.err != nil {
		return w
	}
	n, err := keySize(key)
	if err != nil {
		return w.fail(err)
	}
	if err := w.checkKeySize(key, n); err != nil {
		return w.fail(err)
	}
	w.pending = append(w.pending, pendingMutation{kind: opCheck, key: key, checkVS: vs, sizeBytes: n + estimatedSmallMutation})
	return w
}

func (w *Wrapper) Set(key keys.Key, value []byte, opts kv.SetOptions) *Wrapper {
	if w.err != nil {
		return w
	}
	n, err := keySize(key)
	if err != nil {
		return w.fail(err)
	}
	if err := w.checkKeySize(key, n); err != nil {
		return w.fail(err)
	}
	if err := w.checkValueSize(len(value)); err != nil {
		return w.fail(err)
	}
	w.pending = append(w.pending, pendingMutation{kind: opSet, key: key, value: value, setOpts: opts, sizeBytes: n + len(value) + estimatedSetOverhead})
	return w
}

func (w *Wrapper) Delete(key keys.Key) *Wrapper {
	if w.err != nil {
		return w
	}
	n, err := keySize(key)
	if err != nil {
		return w.fail(err)
	}
	if err := w.checkKeySize(key, n); err != nil {
		return w.fail(err)
	}
	w.pending = append(w.pending, pendingMutation{kind: opDelete, key: key, sizeBytes: n + estimatedSmallMutation})
	return w
}

func (w *Wrapper) numeric(kind opKind, key keys.Key, operand int64) *Wrapper {
	if w.err != nil {
		return w
	}
	n, err := keySize(key)
	if err != nil {
		return w.fail(err)
	}
	if err := w.checkKeySize(key, n); err != nil {
		return w.fail(err)
	}
	w.pending = append(w.pending, pendingMutation{kind: kind, key: key, operand: operand, sizeBytes: n + estimatedSmallMutation})
	return w
}

func (w *Wrapper) Sum(key keys.Key, delta int64) *Wrapper { return w.numeric(opSum, key, delta) }
func (w *Wrapper) Min(key keys.Key, value int64) *Wrapper { return w.numeric(opMin, key, value) }
func (w *Wrapper) Max(key keys.Key, value int64) *Wrapper { return w.numeric(opMax, key, value) }

func (w *Wrapper) Enqueue(value []byte, opts kv.EnqueueOptions) *Wrapper {
	if w.err != nil {
		return w
	}
	if err := w.checkValueSize(len(value)); err != nil {
		return w.fail(err)
	}
	size := len(value) + estimatedEnqueueOverhead
	for _, k := range opts.KeysIfUndelivered {
		n, err := keySize(k)
		if err != nil {
			return w.fail(err)
		}
		size += n
	}
	w.pending = append(w.pending, pendingMutation{kind: opEnqueue, value: value, enqueueOpts: opts, sizeBytes: size})
	return w
}

// Len reports how many mutations (of any kind) are pending.
func (w *Wrapper) Len() int { return len(w.pending) }

// Commit splits the pending mutations into one or more batches sized
// to fit the store's limits and commits each in turn. It stops and
// returns the first failed (OK == false) batch's result, or the first
// commit error, without applying later batches — a caller that needs
// true cross-batch atomicity must instead keep the whole sequence
// under a single batch's limits (the atomic builder's collision gate
// exists precisely to make that judgment before mutations are queued).
func (w *Wrapper) Commit(ctx context.Context) (kv.CommitResult, error) {
	if w.err != nil {
		return kv.CommitResult{}, w.err
	}
	if len(w.pending) == 0 {
		return kv.CommitResult{OK: true}, nil
	}

	batches := w.splitBatches()
	var last kv.CommitResult
	for _, batch := range batches {
		op := w.store.Atomic()
		for _, m := range batch {
			switch m.kind {
			case opCheck:
				op = op.Check(m.key, m.checkVS)
			case opSet:
				op = op.Set(m.key, m.value, m.setOpts)
			case opDelete:
				op = op.Delete(m.key)
			case opSum:
				op = op.Sum(m.key, m.operand)
			case opMin:
				op = op.Min(m.key, m.operand)
			case opMax:
				op = op.Max(m.key, m.operand)
			case opEnqueue:
				op = op.Enqueue(m.value, m.enqueueOpts)
			}
		}
		res, err := op.Commit(ctx)
		w.metrics.CommitBatchesTotal.Inc()
		if err != nil {
			return kv.CommitResult{}, err
		}
		if !res.OK {
			return res, nil
		}
		last = res
	}
	return last, nil
}

func (w *Wrapper) splitBatches() [][]pendingMutation {
	var batches [][]pendingMutation
	var current []pendingMutation
	var mutCount, checkCount, byteCount int

	mutLimit := w.limits.AtomicOperationMutationLimit
	checkLimit := w.limits.AtomicOperationCheckLimit
	sizeLimit := w.limits.AtomicOperationSizeLimit

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			mutCount, checkCount, byteCount = 0, 0, 0
		}
	}

	for _, m := range w.pending {
		isCheck := m.kind == opCheck
		wouldExceedMut := !isCheck && mutLimit > 0 && mutCount+1 > mutLimit
		wouldExceedCheck := isCheck && checkLimit > 0 && checkCount+1 > checkLimit
		wouldExceedBytes := sizeLimit > 0 && byteCount+m.sizeBytes > sizeLimit
		if (wouldExceedMut || wouldExceedCheck || wouldExceedBytes) && len(current) > 0 {
			flush()
		}
		current = append(current, m)
		if isCheck {
			checkCount++
		} else {
			mutCount++
		}
		byteCount += m.sizeBytes
	}
	flush()
	return batches
}
