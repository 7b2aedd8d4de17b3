package keys

import (
	"math/big"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encode is a small helper that fails the test on an encoding error
// rather than threading err through every assertion below.
func encode(t *testing.T, k Key) []byte {
	t.Helper()
	b, err := Encode(k)
	require.NoError(t, err)
	return b
}

func TestEncodeOrdersVariableLengthStringsLexicographically(t *testing.T) {
	// "ab" < "b" under ordinary byte-lexicographic comparison even
	// though "ab" is longer; a length-prefixed encoding would get this
	// backwards.
	ab := encode(t, Key{"ab"})
	b := encode(t, Key{"b"})
	assert.Negative(t, Compare(Key{"ab"}, Key{"b"}))
	assert.True(t, string(ab) < string(b))
}

func TestEncodeOrdersVariableLengthByteSlicesLexicographically(t *testing.T) {
	assert.Negative(t, Compare(Key{[]byte("ab")}, Key{[]byte("b")}))
}

func TestEncodePrefixKeySortsBeforeItsExtension(t *testing.T) {
	// A key that is a strict prefix of another (in part-count, with a
	// shared leading part) must sort first, matching list()'s
	// ascending-by-key contract for prefix-bounded ranges.
	assert.Negative(t, Compare(Key{"users"}, Key{"users", "alice"}))
	assert.Negative(t, Compare(Key{"a"}, Key{"ab"}))
}

func TestEncodeOrdersEscapedNULBytesCorrectly(t *testing.T) {
	withNUL := Key{string([]byte{'a', 0x00, 'b'})}
	withoutNUL := Key{"ab"}
	// "a\x00b" < "ab": the escape must not let the embedded NUL byte
	// collide with the terminator or reorder past a key without one.
	assert.Negative(t, Compare(withNUL, withoutNUL))
}

func TestEncodeSortsAWholeKeySetInNaturalOrder(t *testing.T) {
	ids := []string{"b", "ab", "abc", "a", "aa", "z", "abb"}
	want := append([]string(nil), ids...)
	sort.Strings(want)

	byEncoded := make(map[string]string, len(ids))
	encodedForms := make([]string, len(ids))
	for i, id := range ids {
		e := string(encode(t, Key{"users", id}))
		byEncoded[e] = id
		encodedForms[i] = e
	}
	sort.Strings(encodedForms)

	got := make([]string, len(ids))
	for i, e := range encodedForms {
		got[i] = byEncoded[e]
	}
	assert.Equal(t, want, got)
}

func TestEncodeTypeClassesNeverCollideAcrossKinds(t *testing.T) {
	// A string and a []byte part of equal content still differ by
	// their leading type-class byte.
	assert.NotEqual(t, encode(t, Key{[]byte("x")}), encode(t, Key{"x"}))
}

func TestEncodeIntegerOrderingIsNumeric(t *testing.T) {
	assert.Negative(t, Compare(Key{int64(-5)}, Key{int64(3)}))
	assert.Negative(t, Compare(Key{int64(3)}, Key{int64(300)}))
}

func TestEncodeBigIntOrdersAcrossSignAndEqualMagnitude(t *testing.T) {
	assert.Negative(t, Compare(Key{big.NewInt(-1)}, Key{big.NewInt(1)}))
	assert.Negative(t, Compare(Key{big.NewInt(1)}, Key{big.NewInt(2)}))
}

func TestKeyJSONRoundTripsEveryPartKind(t *testing.T) {
	k := Key{[]byte("raw"), "str", int64(-42), uint64(7), big.NewInt(123), true}
	data, err := MarshalJSON(k)
	require.NoError(t, err)

	decoded, err := UnmarshalJSON(data)
	require.NoError(t, err)
	require.Len(t, decoded, len(k))

	assert.Equal(t, k[0], decoded[0])
	assert.Equal(t, k[1], decoded[1])
	assert.Equal(t, k[2], decoded[2])
	assert.Equal(t, k[3], decoded[3])
	assert.Equal(t, 0, k[4].(*big.Int).Cmp(decoded[4].(*big.Int)))
	assert.Equal(t, k[5], decoded[5])
}
