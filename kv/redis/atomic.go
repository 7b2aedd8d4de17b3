package redis

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/go-redis/redis/v8"

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

// atomicOp evaluates checks first, then applies mutations through a
// WATCH/MULTI/EXEC transaction so a concurrent writer touching any
// checked key aborts the whole batch — Redis's native analogue of the
// in-memory backend's single-mutex critical section.
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

	watchKeys := make([]string, 0, len(a.checks))
	for _, c := range a.checks {
		enc, err := keys.Encode(c.key)
		if err != nil {
			return kv.CommitResult{}, err
		}
		watchKeys = append(watchKeys, entryRedisKey(enc))
	}

	var result kv.CommitResult
	txf := func(tx *redis.Tx) error {
		for _, c := range a.checks {
			enc, err := keys.Encode(c.key)
			if err != nil {
				return err
			}
			raw, err := tx.Get(ctx, entryRedisKey(enc)).Bytes()
			var actual kv.Versionstamp
			if err == nil {
				var env envelope
				if err := json.Unmarshal(raw, &env); err != nil {
					return err
				}
				actual = versionstampOf(env.VS)
			} else if err != redis.Nil {
				return err
			}
			if actual != c.vs {
				result = kv.CommitResult{OK: false}
				return nil
			}
		}

		var lastVS int64
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range a.muts {
				enc, err := keys.Encode(m.key)
				if err != nil {
					return err
				}
				switch m.kind {
				case mutSet:
					lastVS, err = s.client.Incr(ctx, vsCounter).Result()
					if err != nil {
						return err
					}
					keyJSON, err := keys.MarshalJSON(m.key)
					if err != nil {
						return err
					}
					payload, err := json.Marshal(envelope{Value: m.value, VS: lastVS, KeyJSON: keyJSON})
					if err != nil {
						return err
					}
					pipe.Set(ctx, entryRedisKey(enc), payload, 0)
					pipe.ZAdd(ctx, indexKey, &redis.Z{Score: 0, Member: string(enc)})
				case mutDelete:
					pipe.Del(ctx, entryRedisKey(enc))
					pipe.ZRem(ctx, indexKey, string(enc))
				case mutSum, mutMin, mutMax:
					raw, getErr := tx.Get(ctx, entryRedisKey(enc)).Bytes()
					cur := int64(0)
					if getErr == nil {
						var env envelope
						if err := json.Unmarshal(raw, &env); err == nil {
							cur = decodeInt64(env.Value)
						}
					} else if getErr != redis.Nil {
						return getErr
					}
					var next int64
					switch m.kind {
					case mutSum:
						next = cur + m.operand
					case mutMin:
						next = m.operand
						if getErr == nil && cur < next {
							next = cur
						}
					case mutMax:
						next = m.operand
						if getErr == nil && cur > next {
							next = cur
						}
					}
					lastVS, err = s.client.Incr(ctx, vsCounter).Result()
					if err != nil {
						return err
					}
					keyJSON, err := keys.MarshalJSON(m.key)
					if err != nil {
						return err
					}
					payload, err := json.Marshal(envelope{Value: encodeInt64(next), VS: lastVS, KeyJSON: keyJSON})
					if err != nil {
						return err
					}
					pipe.Set(ctx, entryRedisKey(enc), payload, 0)
					pipe.ZAdd(ctx, indexKey, &redis.Z{Score: 0, Member: string(enc)})
				}
			}
			for _, e := range a.enqueues {
				pipe.RPush(ctx, queueKey, e.value)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = kv.CommitResult{OK: true, Versionstamp: versionstampOf(lastVS)}
		return nil
	}

	if err := s.client.Watch(ctx, txf, watchKeys...); err != nil {
		return kv.CommitResult{}, err
	}
	return result, nil
}
