// Package redis implements kv.Store over a single Redis instance using
// go-redis/redis/v8: a collaborator-tier backend used only by the
// migrate/export/import CLI tools. Each logical entry is a Redis string
// under a "kvdex:e:" prefix holding a small JSON envelope (value +
// versionstamp); range scans are served by a parallel sorted set whose
// members are the entries' encoded keys with score 0, so ZRANGEBYLEX's
// byte-lexical ordering matches keys.Encode's documented ordering
// exactly. Generalized from a read-only hot-store cache pattern to a
// full read/write/range/queue/watch kv.Store.
package redis

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

const (
	entryPrefix = "kvdex:e:"
	indexKey    = "kvdex:idx"
	queueKey    = "kvdex:q"
	vsCounter   = "kvdex:vs"
)

type envelope struct {
	Value   []byte `json:"v"`
	VS      int64  `json:"vs"`
	KeyJSON []byte `json:"k"`
}

// Store is a Redis-backed kv.Store.
type Store struct {
	client *redis.Client
	limits kv.Limits
}

func New(client *redis.Client, limits kv.Limits) *Store {
	return &Store{client: client, limits: limits}
}

func (s *Store) Limits() kv.Limits { return s.limits }
func (s *Store) Close() error      { return s.client.Close() }

func entryRedisKey(enc []byte) string {
	return entryPrefix + hex.EncodeToString(enc)
}

func versionstampOf(n int64) kv.Versionstamp {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return kv.Versionstamp(hex.EncodeToString(b[:]))
}

func (s *Store) Get(ctx context.Context, key keys.Key, _ kv.GetOptions) (kv.Entry, error) {
	enc, err := keys.Encode(key)
	if err != nil {
		return kv.Entry{}, err
	}
	raw, err := s.client.Get(ctx, entryRedisKey(enc)).Bytes()
	if err == redis.Nil {
		return kv.Entry{Key: key}, nil
	}
	if err != nil {
		return kv.Entry{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return kv.Entry{}, err
	}
	return kv.Entry{Key: key, Value: env.Value, Versionstamp: versionstampOf(env.VS)}, nil
}

func (s *Store) GetMany(ctx context.Context, keysList []keys.Key, opts kv.GetOptions) ([]kv.Entry, error) {
	if s.limits.GetManyKeyLimit > 0 && len(keysList) > s.limits.GetManyKeyLimit {
		return nil, fmt.Errorf("redis: getMany exceeds key limit %d", s.limits.GetManyKeyLimit)
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

func (s *Store) writeEntry(ctx context.Context, key keys.Key, value []byte, vs int64) error {
	enc, err := keys.Encode(key)
	if err != nil {
		return err
	}
	keyJSON, err := keys.MarshalJSON(key)
	if err != nil {
		return err
	}
	env := envelope{Value: value, VS: vs, KeyJSON: keyJSON}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryRedisKey(enc), payload, 0)
	pipe.ZAdd(ctx, indexKey, &redis.Z{Score: 0, Member: string(enc)})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Set(ctx context.Context, key keys.Key, value []byte, opts kv.SetOptions) (kv.CommitResult, error) {
	vs, err := s.client.Incr(ctx, vsCounter).Result()
	if err != nil {
		return kv.CommitResult{}, err
	}
	if err := s.writeEntry(ctx, key, value, vs); err != nil {
		return kv.CommitResult{}, err
	}
	if opts.ExpireIn > 0 {
		enc, _ := keys.Encode(key)
		s.client.Expire(ctx, entryRedisKey(enc), opts.ExpireIn)
	}
	return kv.CommitResult{OK: true, Versionstamp: versionstampOf(vs)}, nil
}

func (s *Store) Delete(ctx context.Context, key keys.Key) error {
	enc, err := keys.Encode(key)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, entryRedisKey(enc))
	pipe.ZRem(ctx, indexKey, string(enc))
	_, err = pipe.Exec(ctx)
	return err
}

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

// lexBound renders a byte boundary as a ZRANGEBYLEX argument. nil means
// unbounded in that direction.
func lexBound(b []byte, inclusive bool) string {
	if b == nil {
		return "-"
	}
	if inclusive {
		return "[" + string(b)
	}
	return "(" + string(b)
}

type iterator struct {
	s       *Store
	members []string
	pos     int
	limit   int
	seen    int
}

func (it *iterator) Next(ctx context.Context) (kv.Entry, bool, error) {
	for {
		if it.limit > 0 && it.seen >= it.limit {
			return kv.Entry{}, false, nil
		}
		if it.pos >= len(it.members) {
			return kv.Entry{}, false, nil
		}
		enc := []byte(it.members[it.pos])
		it.pos++

		raw, err := it.s.client.Get(ctx, entryRedisKey(enc)).Bytes()
		if err == redis.Nil {
			continue // deleted between ZRANGE snapshot and read
		}
		if err != nil {
			return kv.Entry{}, false, err
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return kv.Entry{}, false, err
		}
		key, err := keys.UnmarshalJSON(env.KeyJSON)
		if err != nil {
			return kv.Entry{}, false, err
		}
		it.seen++
		return kv.Entry{Key: key, Value: env.Value, Versionstamp: versionstampOf(env.VS)}, true, nil
	}
}

func (it *iterator) Cursor() string {
	if it.pos >= len(it.members) {
		return ""
	}
	return hex.EncodeToString([]byte(it.members[it.pos-1]))
}

func (it *iterator) Close() error { return nil }

func (s *Store) List(ctx context.Context, sel kv.Selector, opts kv.ListOptions) (kv.Iterator, error) {
	lower, upper, err := computeRange(sel)
	if err != nil {
		return nil, err
	}

	min := lexBound(lower, true)
	max := "+"
	if upper != nil {
		max = lexBound(upper, false)
	}

	members, err := s.client.ZRangeByLex(ctx, indexKey, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, err
	}

	if opts.Cursor != "" {
		cursor, err := hex.DecodeString(opts.Cursor)
		if err == nil {
			for i, m := range members {
				if m > string(cursor) {
					members = members[i:]
					break
				}
				if i == len(members)-1 {
					members = nil
				}
			}
		}
	}

	if opts.Reverse {
		for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
			members[i], members[j] = members[j], members[i]
		}
	}

	return &iterator{s: s, members: members, limit: opts.Limit}, nil
}
