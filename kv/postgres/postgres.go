// Package postgres implements kv.Store over a single PostgreSQL table
// of (key_bytes, value_bytes, versionstamp) using jmoiron/sqlx +
// lib/pq: a collaborator-tier backend used only by the
// migrate/export/import CLI tools, never by the collection engine's
// tests. A *sql.DB-backed Store satisfies the kv.Store interface with
// ExecContext/QueryRowContext, generalized from per-domain tables to
// kvdex's single generic key/value table and built on sqlx for its
// named-parameter and struct-scan ergonomics.
package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

// schema is applied once by New; CREATE TABLE IF NOT EXISTS keeps
// repeated Open calls against the same database idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS kvdex_entries (
	key_bytes    BYTEA PRIMARY KEY,
	key_json     JSONB NOT NULL,
	value_bytes  BYTEA NOT NULL,
	versionstamp BIGINT NOT NULL,
	expire_at    TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS kvdex_queue (
	id       BIGSERIAL PRIMARY KEY,
	value    BYTEA NOT NULL,
	ready_at TIMESTAMPTZ NOT NULL
);
`

// Store is a PostgreSQL-backed kv.Store. Watch is implemented by
// polling rather than LISTEN/NOTIFY: kvdex's Watch contract only
// requires "eventually observe the latest value", and the CLI
// collaborators that use this backend never call Watch.
type Store struct {
	db      *sqlx.DB
	limits  kv.Limits
	nextVS  int64
	vsMu    sync.Mutex
	closeCh chan struct{}
}

// New wraps an already-open *sql.DB (typically via sql.Open("postgres",
// dsn)) and ensures the schema exists.
func New(db *sql.DB, limits kv.Limits) (*Store, error) {
	sx := sqlx.NewDb(db, "postgres")
	if _, err := sx.Exec(schema); err != nil {
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &Store{db: sx, limits: limits, closeCh: make(chan struct{})}, nil
}

func (s *Store) Limits() kv.Limits { return s.limits }

func (s *Store) Close() error {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	return s.db.Close()
}

func versionstampOf(n int64) kv.Versionstamp {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return kv.Versionstamp(hex.EncodeToString(b[:]))
}

func (s *Store) allocateVS() int64 {
	s.vsMu.Lock()
	defer s.vsMu.Unlock()
	s.nextVS++
	return s.nextVS
}

func (s *Store) Get(ctx context.Context, key keys.Key, _ kv.GetOptions) (kv.Entry, error) {
	enc, err := keys.Encode(key)
	if err != nil {
		return kv.Entry{}, err
	}
	var row struct {
		ValueBytes   []byte `db:"value_bytes"`
		Versionstamp int64  `db:"versionstamp"`
	}
	err = s.db.GetContext(ctx, &row,
		`SELECT value_bytes, versionstamp FROM kvdex_entries WHERE key_bytes = $1`, []byte(enc))
	if errors.Is(err, sql.ErrNoRows) {
		return kv.Entry{Key: key}, nil
	}
	if err != nil {
		return kv.Entry{}, err
	}
	return kv.Entry{Key: key, Value: row.ValueBytes, Versionstamp: versionstampOf(row.Versionstamp)}, nil
}

func (s *Store) GetMany(ctx context.Context, keysList []keys.Key, opts kv.GetOptions) ([]kv.Entry, error) {
	if s.limits.GetManyKeyLimit > 0 && len(keysList) > s.limits.GetManyKeyLimit {
		return nil, fmt.Errorf("postgres: getMany exceeds key limit %d", s.limits.GetManyKeyLimit)
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

func (s *Store) Set(ctx context.Context, key keys.Key, value []byte, opts kv.SetOptions) (kv.CommitResult, error) {
	enc, err := keys.Encode(key)
	if err != nil {
		return kv.CommitResult{}, err
	}
	keyJSON, err := keys.MarshalJSON(key)
	if err != nil {
		return kv.CommitResult{}, err
	}
	vs := s.allocateVS()
	var expireAt *time.Time
	if opts.ExpireIn > 0 {
		t := time.Now().Add(opts.ExpireIn)
		expireAt = &t
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kvdex_entries (key_bytes, key_json, value_bytes, versionstamp, expire_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key_bytes) DO UPDATE SET value_bytes = $3, versionstamp = $4, expire_at = $5
	`, enc, keyJSON, value, vs, expireAt)
	if err != nil {
		return kv.CommitResult{}, err
	}
	return kv.CommitResult{OK: true, Versionstamp: versionstampOf(vs)}, nil
}

func (s *Store) Delete(ctx context.Context, key keys.Key) error {
	enc, err := keys.Encode(key)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM kvdex_entries WHERE key_bytes = $1`, enc)
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

type row struct {
	KeyBytes     []byte `db:"key_bytes"`
	KeyJSON      []byte `db:"key_json"`
	ValueBytes   []byte `db:"value_bytes"`
	Versionstamp int64  `db:"versionstamp"`
}

type iterator struct {
	rows  []row
	pos   int
	limit int
	seen  int
}

func (it *iterator) Next(ctx context.Context) (kv.Entry, bool, error) {
	if it.limit > 0 && it.seen >= it.limit {
		return kv.Entry{}, false, nil
	}
	if it.pos >= len(it.rows) {
		return kv.Entry{}, false, nil
	}
	r := it.rows[it.pos]
	it.pos++
	it.seen++
	key, err := keys.UnmarshalJSON(r.KeyJSON)
	if err != nil {
		return kv.Entry{}, false, err
	}
	return kv.Entry{Key: key, Value: r.ValueBytes, Versionstamp: versionstampOf(r.Versionstamp)}, true, nil
}

func (it *iterator) Cursor() string {
	if it.pos >= len(it.rows) {
		return ""
	}
	return hex.EncodeToString(it.rows[it.pos-1].KeyBytes)
}

func (it *iterator) Close() error { return nil }

func (s *Store) List(ctx context.Context, sel kv.Selector, opts kv.ListOptions) (kv.Iterator, error) {
	lower, upper, err := computeRange(sel)
	if err != nil {
		return nil, err
	}

	query := `SELECT key_bytes, key_json, value_bytes, versionstamp FROM kvdex_entries WHERE 1=1`
	var args []any
	n := 1
	if lower != nil {
		n++
		query += fmt.Sprintf(" AND key_bytes >= $%d", n)
		args = append(args, lower)
	}
	if upper != nil {
		n++
		query += fmt.Sprintf(" AND key_bytes < $%d", n)
		args = append(args, upper)
	}
	if opts.Cursor != "" {
		cursor, err := hex.DecodeString(opts.Cursor)
		if err == nil {
			n++
			query += fmt.Sprintf(" AND key_bytes > $%d", n)
			args = append(args, cursor)
		}
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		return string(rows[i].KeyBytes) < string(rows[j].KeyBytes)
	})
	if opts.Reverse {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return &iterator{rows: rows, limit: opts.Limit}, nil
}
