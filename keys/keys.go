// Package keys implements kvdex's tuple key space: ordered sequences of
// primitive parts that every other package builds on.
package keys

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

// Part is a single component of a tuple Key. The concrete kinds are
// []byte, string, int64, *big.Int (bigint) and bool — the five
// primitive part kinds named by the collection engine's data model.
type Part interface{}

// Key is an ordered sequence of primitive parts, kvdex's unit of
// addressing. Two keys compare equal iff every part compares equal in
// order; List iterates keys in the byte order of Encode.
type Key []Part

// typeClass orders kinds ahead of natural per-kind ordering, matching
// the in-memory backend's documented sort rule: byte array < string <
// number < bigint < boolean.
func typeClass(p Part) (int, error) {
	switch p.(type) {
	case []byte:
		return 0, nil
	case string:
		return 1, nil
	case int64, int, uint64:
		return 2, nil
	case *big.Int:
		return 3, nil
	case bool:
		return 4, nil
	default:
		return 0, fmt.Errorf("keys: unsupported part type %T", p)
	}
}

// Encode renders a Key into a byte sequence whose lexicographic order
// matches Key's documented ordering rule. Each part is tagged with its
// type class so that parts of different classes never compare equal
// and so that prefix keys correctly bound ranges over longer keys.
func Encode(k Key) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range k {
		class, err := typeClass(p)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(byte(class))
		switch v := p.(type) {
		case []byte:
			writeEscaped(&buf, v)
		case string:
			writeEscaped(&buf, []byte(v))
		case int64:
			writeInt64(&buf, v)
		case int:
			writeInt64(&buf, int64(v))
		case uint64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], v)
			buf.Write(b[:])
		case *big.Int:
			writeLenPrefixed(&buf, encodeBigInt(v))
		case bool:
			if v {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		default:
			return nil, fmt.Errorf("keys: unsupported part type %T", p)
		}
	}
	return buf.Bytes(), nil
}

// writeInt64 encodes a signed integer so that byte-lexicographic order
// matches numeric order: flip the sign bit.
func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	buf.Write(b[:])
}

func encodeBigInt(v *big.Int) []byte {
	// Sign-magnitude with a leading sign byte keeps ordering correct
	// across positive/negative values without needing two's-complement
	// arithmetic on arbitrary-width magnitudes.
	sign := byte(1)
	if v.Sign() < 0 {
		sign = 0
	}
	mag := new(big.Int).Abs(v).Bytes()
	out := make([]byte, 0, len(mag)+9)
	out = append(out, sign)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(mag)))
	out = append(out, lenBuf[:]...)
	out = append(out, mag...)
	return out
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// writeEscaped encodes b so that byte-lexicographic order over the
// encoding matches byte-lexicographic order over b itself, with no
// dependence on length: every 0x00 byte in b is escaped to 0x00 0xFF,
// and the whole run is terminated by an unescaped 0x00 0x00. Because
// the terminator is the only place a raw 0x00 is followed by another
// 0x00, a key that is a strict prefix of another always sorts first.
func writeEscaped(buf *bytes.Buffer, b []byte) {
	for _, c := range b {
		if c == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xFF)
		} else {
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

// Append returns a new Key with extra parts appended, leaving k
// untouched. This is the "key extension" utility the collection
// engine uses to build __id__/__segment__/__index_*__ keys from a
// collection's base key.
func Append(k Key, parts ...Part) Key {
	out := make(Key, 0, len(k)+len(parts))
	out = append(out, k...)
	out = append(out, parts...)
	return out
}

// Equal reports whether two keys encode identically.
func Equal(a, b Key) bool {
	ea, err := Encode(a)
	if err != nil {
		return false
	}
	eb, err := Encode(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// jsonPart is Key's portable JSON rendering: Encode's byte form is
// sortable but one-way, so backends that need the original typed Key
// back (Redis, Postgres, and the export/import CLI collaborators, all
// of which persist outside a Go process) carry this alongside it.
type jsonPart struct {
	T string `json:"t"`
	V string `json:"v"`
}

// MarshalJSON renders k as portable JSON, tagging each part with its
// kind so UnmarshalJSON can recover the exact Go type.
func MarshalJSON(k Key) ([]byte, error) {
	parts := make([]jsonPart, len(k))
	for i, p := range k {
		switch v := p.(type) {
		case []byte:
			parts[i] = jsonPart{T: "b", V: hex.EncodeToString(v)}
		case string:
			parts[i] = jsonPart{T: "s", V: v}
		case int64:
			parts[i] = jsonPart{T: "i", V: fmt.Sprintf("%d", v)}
		case int:
			parts[i] = jsonPart{T: "i", V: fmt.Sprintf("%d", v)}
		case uint64:
			parts[i] = jsonPart{T: "u", V: fmt.Sprintf("%d", v)}
		case *big.Int:
			parts[i] = jsonPart{T: "n", V: v.String()}
		case bool:
			parts[i] = jsonPart{T: "o", V: fmt.Sprintf("%v", v)}
		default:
			return nil, fmt.Errorf("keys: unsupported part type %T", p)
		}
	}
	return json.Marshal(parts)
}

// UnmarshalJSON recovers a Key from MarshalJSON's output.
func UnmarshalJSON(b []byte) (Key, error) {
	var parts []jsonPart
	if err := json.Unmarshal(b, &parts); err != nil {
		return nil, err
	}
	k := make(Key, len(parts))
	for i, p := range parts {
		switch p.T {
		case "b":
			raw, err := hex.DecodeString(p.V)
			if err != nil {
				return nil, err
			}
			k[i] = raw
		case "s":
			k[i] = p.V
		case "i":
			var n int64
			if _, err := fmt.Sscanf(p.V, "%d", &n); err != nil {
				return nil, err
			}
			k[i] = n
		case "u":
			var n uint64
			if _, err := fmt.Sscanf(p.V, "%d", &n); err != nil {
				return nil, err
			}
			k[i] = n
		case "n":
			n, ok := new(big.Int).SetString(p.V, 10)
			if !ok {
				return nil, fmt.Errorf("keys: invalid bigint part %q", p.V)
			}
			k[i] = n
		case "o":
			k[i] = p.V == "true"
		default:
			return nil, fmt.Errorf("keys: unknown part tag %q", p.T)
		}
	}
	return k, nil
}

// Compare orders two keys by their canonical encoding.
func Compare(a, b Key) int {
	ea, erra := Encode(a)
	eb, errb := Encode(b)
	if erra != nil || errb != nil {
		return 0
	}
	return bytes.Compare(ea, eb)
}
