package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(db, kv.DefaultLimits())
	require.NoError(t, err)
	return s, mock
}

func TestGetReturnsMissingEntryOnNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value_bytes, versionstamp").WillReturnError(sql.ErrNoRows)

	e, err := s.Get(context.Background(), keys.Key{"missing"}, kv.GetOptions{})
	require.NoError(t, err)
	assert.False(t, e.Found())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDecodesStoredRow(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"value_bytes", "versionstamp"}).AddRow([]byte("hello"), int64(7))
	mock.ExpectQuery("SELECT value_bytes, versionstamp").WillReturnRows(rows)

	e, err := s.Get(context.Background(), keys.Key{"k"}, kv.GetOptions{})
	require.NoError(t, err)
	require.True(t, e.Found())
	assert.Equal(t, []byte("hello"), e.Value)
}

func TestSetIssuesUpsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO kvdex_entries").WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := s.Set(context.Background(), keys.Key{"k"}, []byte("v"), kv.SetOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteIssuesDelete(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM kvdex_entries").WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Delete(context.Background(), keys.Key{"k"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyJSONRoundTripsEveryPartKind(t *testing.T) {
	big := keys.Key{[]byte("raw"), "text", int64(-5), true}
	encoded, err := keys.MarshalJSON(big)
	require.NoError(t, err)

	decoded, err := keys.UnmarshalJSON(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 4)
	assert.Equal(t, []byte("raw"), decoded[0])
	assert.Equal(t, "text", decoded[1])
	assert.Equal(t, int64(-5), decoded[2])
	assert.Equal(t, true, decoded[3])
}
