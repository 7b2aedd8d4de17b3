// Package collection implements the collection engine (spec §4.6): the
// subsystem mapping a typed document model onto the ordered kv.Store
// primitive, with optional primary/secondary indexing, large-value
// segmentation, a version-history log and queue dispatch. Structured
// as a typed CRUD facade over a shared storage handle with
// options-struct constructors and structured logging throughout,
// generalized from a fixed account schema to kvdex's arbitrary
// user-declared document models.
package collection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kvdexhq/kvdex/encoding"
	"github.com/kvdexhq/kvdex/idgen"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/logging"
)

// IndexKind distinguishes a unique (primary) index from a
// non-unique (secondary) one.
type IndexKind int

const (
	IndexPrimary IndexKind = iota
	IndexSecondary
)

// IndexDef declares one indexed field of a document type T. Value
// extracts the indexed field; the bool return reports whether the
// field is defined on this particular document (an undefined field is
// simply not indexed, per spec invariant I2).
type IndexDef[T any] struct {
	Name  string
	Kind  IndexKind
	Value func(T) (keys.Part, bool)
}

// Document is the (id, versionstamp, value) triple a read returns.
type Document[T any] struct {
	ID           keys.Part
	Versionstamp kv.Versionstamp
	Value        T
}

// QueueMessage is what a registered handler receives, after the
// collection has stripped kvdex's queue envelope.
type QueueMessage struct {
	Data        []byte
	IsUndefined bool
}

// Handler processes one delivered, envelope-unwrapped queue message.
type Handler func(ctx context.Context, msg QueueMessage) error

// Dispatcher is the facade-owned resource a collection borrows to
// enqueue and to register handlers (spec §4.9's "once-only listener
// activator" and process-wide handler registry). Injected at
// construction so collection has no import-time dependency on the
// database facade package.
type Dispatcher interface {
	Enqueue(ctx context.Context, handlerID string, msg QueueMessage, opts kv.EnqueueOptions) error
	Listen(ctx context.Context, handlerID string, h Handler) error
}

// Options configures a Collection at construction time.
type Options[T any] struct {
	Indices     []IndexDef[T]
	Encoder     *encoding.Encoder
	History     bool
	IDGenerator idgen.Generator
	Dispatcher  Dispatcher
	Log         *logging.Logger
}

// Collection is read-only after construction: its state is solely its
// key prefix, model type (via T), encoder, id-generator, index list
// and history flag (spec §4.6 "State").
type Collection[T any] struct {
	baseKey     keys.Key
	store       kv.Store
	indices     []IndexDef[T]
	encoder     *encoding.Encoder
	history     bool
	idGenerator idgen.Generator
	dispatcher  Dispatcher
	log         *logging.Logger
}

// New constructs a Collection rooted at baseKey. baseKey must not use
// any of the reserved parts listed in spec §6.
func New[T any](store kv.Store, baseKey keys.Key, opts Options[T]) *Collection[T] {
	idGen := opts.IDGenerator
	if idGen == nil {
		idGen = idgen.ULID()
	}
	log := opts.Log
	if log == nil {
		log = logging.NewDefault()
	}
	return &Collection[T]{
		baseKey:     baseKey,
		store:       store,
		indices:     opts.Indices,
		encoder:     opts.Encoder,
		history:     opts.History,
		idGenerator: idGen,
		dispatcher:  opts.Dispatcher,
		log:         log,
	}
}

func (c *Collection[T]) isIndexable() bool { return len(c.indices) > 0 }

// BaseKey exposes the collection's root prefix, used by the database
// facade's schema walk and by wipe/countAll/deleteAll.
func (c *Collection[T]) BaseKey() keys.Key { return append(keys.Key(nil), c.baseKey...) }

// CommitResult is returned by every write-shaped collection operation.
type CommitResult struct {
	OK           bool
	ID           keys.Part
	Versionstamp kv.Versionstamp
}

// WriteOptions configures add/set/write.
type WriteOptions struct {
	Retry   int
	SetOpts kv.SetOptions
}

func idJSON(id keys.Part) (json.RawMessage, error) {
	b, err := json.Marshal(idWire{Value: id})
	if err != nil {
		return nil, fmt.Errorf("collection: marshal id: %w", err)
	}
	return b, nil
}

// idWire round-trips a keys.Part through JSON without losing its
// concrete Go type, since json.Marshal/Unmarshal on `any` would
// otherwise collapse int64 into float64.
type idWire struct {
	Value keys.Part
}

func (w idWire) MarshalJSON() ([]byte, error) {
	switch v := w.Value.(type) {
	case []byte:
		return json.Marshal(struct {
			T string `json:"t"`
			V []byte `json:"v"`
		}{"bytes", v})
	case string:
		return json.Marshal(struct {
			T string `json:"t"`
			V string `json:"v"`
		}{"string", v})
	case int64:
		return json.Marshal(struct {
			T string `json:"t"`
			V int64  `json:"v"`
		}{"int64", v})
	case bool:
		return json.Marshal(struct {
			T string `json:"t"`
			V bool   `json:"v"`
		}{"bool", v})
	default:
		return nil, fmt.Errorf("collection: unsupported id part type %T", v)
	}
}

func (w *idWire) UnmarshalJSON(data []byte) error {
	var head struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.T {
	case "bytes":
		var v struct {
			V []byte `json:"v"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = v.V
	case "string":
		var v struct {
			V string `json:"v"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = v.V
	case "int64":
		var v struct {
			V int64 `json:"v"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = v.V
	case "bool":
		var v struct {
			V bool `json:"v"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		w.Value = v.V
	default:
		return fmt.Errorf("collection: unknown id wire type %q", head.T)
	}
	return nil
}
