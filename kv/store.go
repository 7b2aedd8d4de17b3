// Package kv defines the ordered tuple-keyed store contract that the
// collection engine is built on (spec §4.1). Concrete backends — the
// in-memory reference in kv/memory, and the redis/postgres
// collaborators used only by the CLI tools — implement Store.
package kv

import (
	"context"
	"time"

	"github.com/kvdexhq/kvdex/keys"
)

// Tunable limits, with the documented defaults. A Store implementation
// is expected to honor whatever Limits its caller configures it with;
// the collection engine and atomic wrapper read these back off the
// Store to size their own batching.
type Limits struct {
	AtomicOperationMutationLimit int
	AtomicOperationCheckLimit    int
	AtomicOperationSizeLimit     int
	AtomicOperationKeySizeLimit  int
	GetManyKeyLimit              int
	Uint8ArrayLengthLimit        int
}

// DefaultLimits mirrors the constants a native FoundationDB-style
// backend documents.
func DefaultLimits() Limits {
	return Limits{
		AtomicOperationMutationLimit: 1000,
		AtomicOperationCheckLimit:    1000,
		AtomicOperationSizeLimit:     10 * 1024 * 1024,
		AtomicOperationKeySizeLimit:  1000,
		GetManyKeyLimit:              1000,
		Uint8ArrayLengthLimit:        65536,
	}
}

// Consistency selects read consistency for Get/GetMany/List.
type Consistency int

const (
	ConsistencyStrong Consistency = iota
	ConsistencyEventual
)

// Versionstamp is the opaque monotonic token a Store mints on every
// write to a key. Callers must treat it as opaque and only compare it
// for equality or pass it back as a check.
type Versionstamp string

// Entry is one (key, value, versionstamp) triple as returned by Get,
// GetMany and List. A Versionstamp of "" with Value == nil denotes a
// missing key.
type Entry struct {
	Key          keys.Key
	Value        []byte
	Versionstamp Versionstamp
}

func (e Entry) Found() bool { return e.Versionstamp != "" || e.Value != nil }

// GetOptions configures Get/GetMany/List reads.
type GetOptions struct {
	Consistency Consistency
}

// SetOptions configures a single-key Set.
type SetOptions struct {
	ExpireIn time.Duration
}

// CommitResult is returned by Set and by AtomicOp.Commit.
type CommitResult struct {
	OK           bool
	Versionstamp Versionstamp
}

// Selector describes a list range: one of {Prefix}, {Prefix, Start},
// {Prefix, End}, {Start, End}. Prefix is silently ignored whenever
// both Start and End are set.
type Selector struct {
	Prefix keys.Key
	Start  keys.Key
	End    keys.Key
}

// ListOptions configures List.
type ListOptions struct {
	Limit       int
	Cursor      string
	Reverse     bool
	Consistency Consistency
	BatchSize   int
}

// Iterator is a lazy, resumable sequence of entries produced by List.
type Iterator interface {
	Next(ctx context.Context) (Entry, bool, error)
	// Cursor returns a resumption token valid once iteration has
	// stopped (exhausted, erred, or the caller gave up early). Empty
	// once the underlying range is fully exhausted.
	Cursor() string
	Close() error
}

// EnqueueOptions configures Enqueue.
type EnqueueOptions struct {
	Delay              time.Duration
	KeysIfUndelivered  []keys.Key
	BackoffSchedule    []time.Duration
}

// QueueMessage is what a registered ListenQueue handler receives.
type QueueMessage struct {
	Value []byte
}

// QueueHandler processes one delivered queue message. Returning an
// error marks the attempt failed; the Store retries per
// EnqueueOptions.BackoffSchedule before giving up and writing the
// value to every KeysIfUndelivered key.
type QueueHandler func(ctx context.Context, msg QueueMessage) error

// WatchOptions configures Watch.
type WatchOptions struct {
	Raw bool
}

// WatchStream emits one []Entry per watched-key-set change. The slice
// has the same length and order as the keys passed to Watch.
type WatchStream interface {
	Recv(ctx context.Context) ([]Entry, error)
	Close() error
}

// AtomicOp accumulates mutations for a single all-or-nothing commit.
type AtomicOp interface {
	Check(key keys.Key, versionstamp Versionstamp) AtomicOp
	Set(key keys.Key, value []byte, opts SetOptions) AtomicOp
	Delete(key keys.Key) AtomicOp
	Sum(key keys.Key, delta int64) AtomicOp
	Min(key keys.Key, value int64) AtomicOp
	Max(key keys.Key, value int64) AtomicOp
	Enqueue(value []byte, opts EnqueueOptions) AtomicOp
	// Size reports how many mutations and checks, and how many key and
	// value bytes, this op has accumulated so far.
	Size() (mutations, checks, keyBytes, valueBytes int)
	Commit(ctx context.Context) (CommitResult, error)
}

// Store is the full KV primitive contract (spec §4.1).
type Store interface {
	Get(ctx context.Context, key keys.Key, opts GetOptions) (Entry, error)
	GetMany(ctx context.Context, keysList []keys.Key, opts GetOptions) ([]Entry, error)
	Set(ctx context.Context, key keys.Key, value []byte, opts SetOptions) (CommitResult, error)
	Delete(ctx context.Context, key keys.Key) error
	List(ctx context.Context, sel Selector, opts ListOptions) (Iterator, error)
	Atomic() AtomicOp
	Enqueue(ctx context.Context, value []byte, opts EnqueueOptions) error
	ListenQueue(ctx context.Context, handler QueueHandler) error
	Watch(ctx context.Context, watchKeys []keys.Key, opts WatchOptions) (WatchStream, error)
	Limits() Limits
	Close() error
}
