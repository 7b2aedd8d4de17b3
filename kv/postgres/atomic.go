package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"

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

// atomicOp runs its whole batch inside a single SQL transaction: checks
// are evaluated via SELECT ... FOR UPDATE so a concurrent writer can't
// slip in between the check and the mutations, mirroring the
// collision-free guarantee kv.AtomicOp documents.
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
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return kv.CommitResult{}, err
	}
	defer tx.Rollback()

	for _, c := range a.checks {
		enc, err := keys.Encode(c.key)
		if err != nil {
			return kv.CommitResult{}, err
		}
		var vs sql.NullInt64
		err = tx.GetContext(ctx, &vs,
			`SELECT versionstamp FROM kvdex_entries WHERE key_bytes = $1 FOR UPDATE`, []byte(enc))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return kv.CommitResult{}, err
		}
		var actual kv.Versionstamp
		if vs.Valid {
			actual = versionstampOf(vs.Int64)
		}
		if actual != c.vs {
			return kv.CommitResult{OK: false}, nil
		}
	}

	var lastVS int64
	for _, m := range a.muts {
		enc, err := keys.Encode(m.key)
		if err != nil {
			return kv.CommitResult{}, err
		}
		switch m.kind {
		case mutSet:
			lastVS = s.allocateVS()
			keyJSON, err := keys.MarshalJSON(m.key)
			if err != nil {
				return kv.CommitResult{}, err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kvdex_entries (key_bytes, key_json, value_bytes, versionstamp)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (key_bytes) DO UPDATE SET value_bytes = $3, versionstamp = $4
			`, []byte(enc), keyJSON, m.value, lastVS); err != nil {
				return kv.CommitResult{}, err
			}
		case mutDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM kvdex_entries WHERE key_bytes = $1`, []byte(enc)); err != nil {
				return kv.CommitResult{}, err
			}
		case mutSum, mutMin, mutMax:
			var cur sql.NullString
			err := tx.GetContext(ctx, &cur,
				`SELECT value_bytes FROM kvdex_entries WHERE key_bytes = $1 FOR UPDATE`, []byte(enc))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return kv.CommitResult{}, err
			}
			curVal := int64(0)
			if cur.Valid {
				curVal = decodeInt64([]byte(cur.String))
			}
			var next int64
			switch m.kind {
			case mutSum:
				next = curVal + m.operand
			case mutMin:
				next = m.operand
				if cur.Valid && curVal < next {
					next = curVal
				}
			case mutMax:
				next = m.operand
				if cur.Valid && curVal > next {
					next = curVal
				}
			}
			lastVS = s.allocateVS()
			keyJSON, err := keys.MarshalJSON(m.key)
			if err != nil {
				return kv.CommitResult{}, err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kvdex_entries (key_bytes, key_json, value_bytes, versionstamp)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (key_bytes) DO UPDATE SET value_bytes = $3, versionstamp = $4
			`, []byte(enc), keyJSON, encodeInt64(next), lastVS); err != nil {
				return kv.CommitResult{}, err
			}
		}
	}

	for _, e := range a.enqueues {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kvdex_queue (value, ready_at) VALUES ($1, now() + ($2 || ' microseconds')::interval)`,
			e.value, e.opts.Delay.Microseconds()); err != nil {
			return kv.CommitResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return kv.CommitResult{}, err
	}
	return kv.CommitResult{OK: true, Versionstamp: versionstampOf(lastVS)}, nil
}
