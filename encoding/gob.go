package encoding

import (
	"bytes"
	"encoding/gob"
)

// GobSerializer is kvdex's "native structured-clone" analogue: Go's
// own binary codec, which round-trips Go composite types (structs,
// typed slices/maps, pointers) without a tagged JSON envelope. Unlike
// JSONSerializer it requires concrete registered types rather than
// `any`/interface values at the leaves, matching the native path's
// tradeoff of less portability for more fidelity.
type GobSerializer struct{}

func (GobSerializer) Name() string { return "gob" }

func (GobSerializer) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobSerializer) Deserialize(data []byte, out any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}
