// Package atomicbuilder implements the fluent, cross-collection atomic
// transaction composer (spec §4.7): a Builder accumulates add/set/
// write/delete calls against several collections — of possibly
// different document types — plus raw check/sum/min/max/enqueue
// mutations, and commits them as one underlying kv.Store.Atomic().
//
// Built as chained options-struct mutators that defer to a single
// Commit, generalized here across heterogeneous generic collection
// types via the package-level Add/Set/Write/Delete functions (a method
// cannot introduce its own type parameter in Go).
package atomicbuilder

import (
	"context"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

// Deletable is the non-generic surface a collection exposes for the
// builder's Delete: collection.Collection[T] implements this for any
// T, since none of these methods mention T.
type Deletable interface {
	StageDelete(ctx context.Context, op kv.AtomicOp, id keys.Part) (kv.AtomicOp, []keys.Key, error)
	IsIndexable() bool
	BaseKeyString() string
}

type deleteRequest struct {
	target Deletable
	id     keys.Part
}

// Builder accumulates mutations for one eventual commit. A Builder is
// not safe for concurrent use; build it up from one goroutine at a
// time.
type Builder struct {
	store             kv.Store
	op                kv.AtomicOp
	insertCollections map[string]bool
	deleteCollections map[string]bool
	deletes           []deleteRequest
	err               error
}

// New starts a Builder against store. All collections later passed to
// Add/Set/Write/Delete must share this same underlying store (spec
// §4.7's "one schema, one kv handle" assumption) — the builder has no
// way to check this since Deletable doesn't expose a comparable store
// handle, so a cross-store mix simply produces keys the one committed
// store never recognizes.
func New(store kv.Store) *Builder {
	return &Builder{
		store:             store,
		op:                store.Atomic(),
		insertCollections: map[string]bool{},
		deleteCollections: map[string]bool{},
	}
}

// collectionStager is the generic surface a *collection.Collection[T]
// exposes for staging an insert; kept package-private and matched
// structurally so Add/Set/Write can be free functions parameterized
// over T without atomicbuilder importing package collection (which
// would in turn need to import atomicbuilder's Deletable — avoided
// here since collection has no reason to know about the builder).
type collectionStager[T any] interface {
	StageInsert(op kv.AtomicOp, id keys.Part, value T, checkVacant bool) (kv.AtomicOp, error)
	GenerateID() (keys.Part, error)
	IsIndexable() bool
	BaseKeyString() string
}

// Add generates a fresh id and stages value as a new document.
func Add[T any](b *Builder, c collectionStager[T], value T) *Builder {
	if b.err != nil {
		return b
	}
	id, err := c.GenerateID()
	if err != nil {
		b.err = err
		return b
	}
	return stageInsert(b, c, id, value, true)
}

// Set stages value at id, asserting the id is currently vacant.
func Set[T any](b *Builder, c collectionStager[T], id keys.Part, value T) *Builder {
	return stageInsert(b, c, id, value, true)
}

// Write stages value at id without an id-vacancy check (an index
// collision with a different document is still staged as a Check and
// will fail the commit).
func Write[T any](b *Builder, c collectionStager[T], id keys.Part, value T) *Builder {
	return stageInsert(b, c, id, value, false)
}

func stageInsert[T any](b *Builder, c collectionStager[T], id keys.Part, value T, checkVacant bool) *Builder {
	if b.err != nil {
		return b
	}
	op, err := c.StageInsert(b.op, id, value, checkVacant)
	if err != nil {
		b.err = err
		return b
	}
	b.op = op
	if c.IsIndexable() {
		b.insertCollections[c.BaseKeyString()] = true
	}
	return b
}

// Delete registers id for deletion from c. The read needed to
// reconstruct c's live index entries (if c is indexable) happens at
// Commit time, not here — spec §4.7 step 3.
func Delete(b *Builder, c Deletable, id keys.Part) *Builder {
	if b.err != nil {
		return b
	}
	b.deletes = append(b.deletes, deleteRequest{target: c, id: id})
	if c.IsIndexable() {
		b.deleteCollections[c.BaseKeyString()] = true
	}
	return b
}

// Check stages a raw versionstamp check.
func (b *Builder) Check(key keys.Key, vs kv.Versionstamp) *Builder {
	if b.err == nil {
		b.op = b.op.Check(key, vs)
	}
	return b
}

// Sum/Min/Max stage the corresponding numeric mutation directly.
func (b *Builder) Sum(key keys.Key, delta int64) *Builder {
	if b.err == nil {
		b.op = b.op.Sum(key, delta)
	}
	return b
}

func (b *Builder) Min(key keys.Key, value int64) *Builder {
	if b.err == nil {
		b.op = b.op.Min(key, value)
	}
	return b
}

func (b *Builder) Max(key keys.Key, value int64) *Builder {
	if b.err == nil {
		b.op = b.op.Max(key, value)
	}
	return b
}

// Enqueue stages a raw queue message onto the commit.
func (b *Builder) Enqueue(value []byte, opts kv.EnqueueOptions) *Builder {
	if b.err == nil {
		b.op = b.op.Enqueue(value, opts)
	}
	return b
}

// Commit runs the five-step sequence from spec §4.7:
//  1. (already done — Add/Set/Write staged their mutations eagerly,
//     there being no async boundary to defer across in Go)
//  2. reject if any collection was both inserted-into and
//     deleted-from (invariant I5)
//  3. resolve each pending delete's id-key and, for indexable
//     collections, its live index keys
//  4. commit the combined op
//  5. best-effort post-commit cleanup of deleted documents' index
//     entries, in a separate atomic per document
func (b *Builder) Commit(ctx context.Context) (kv.CommitResult, error) {
	if b.err != nil {
		return kv.CommitResult{}, b.err
	}

	for name := range b.insertCollections {
		if b.deleteCollections[name] {
			return kv.CommitResult{OK: false}, nil
		}
	}

	type cleanup struct{ keys []keys.Key }
	var cleanups []cleanup
	for _, req := range b.deletes {
		op, indexKeys, err := req.target.StageDelete(ctx, b.op, req.id)
		if err != nil {
			return kv.CommitResult{}, err
		}
		b.op = op
		if len(indexKeys) > 0 {
			cleanups = append(cleanups, cleanup{keys: indexKeys})
		}
	}

	res, err := b.op.Commit(ctx)
	if err != nil || !res.OK {
		return res, err
	}

	var cleanupErr error
	for _, cl := range cleanups {
		cleanupOp := b.store.Atomic()
		for _, k := range cl.keys {
			cleanupOp = cleanupOp.Delete(k)
		}
		if _, err := cleanupOp.Commit(ctx); err != nil && cleanupErr == nil {
			// Best-effort: the document is already gone; a failed
			// index cleanup leaves a stale back-reference rather than
			// reviving the document, so report but don't fail Commit.
			cleanupErr = err
		}
	}
	return res, cleanupErr
}
