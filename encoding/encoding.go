// Package encoding implements the pluggable Encoder contract (spec
// §4.4): a Serializer plus an optional Compressor, used for
// large-value segmentation. Index keys do not go through it; they are
// built with keys.Encode.
package encoding

// Serializer maps an arbitrary in-memory value to bytes and back.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, out any) error
	// Name identifies the serializer in diagnostics; it is not
	// persisted as part of any key or value.
	Name() string
}

// Compressor optionally compresses the serialized bytes before they
// are segmented and stored.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
}

// Encoder is the full pair a collection is configured with. Compressor
// may be nil, in which case the serialized bytes are stored as-is.
type Encoder struct {
	Serializer Serializer
	Compressor Compressor
}

// Encode runs v through Serializer then, if present, Compressor.
func (e Encoder) Encode(v any) ([]byte, error) {
	data, err := e.Serializer.Serialize(v)
	if err != nil {
		return nil, err
	}
	if e.Compressor != nil {
		return e.Compressor.Compress(data)
	}
	return data, nil
}

// Decode reverses Encode into out.
func (e Encoder) Decode(data []byte, out any) error {
	if e.Compressor != nil {
		plain, err := e.Compressor.Decompress(data)
		if err != nil {
			return err
		}
		data = plain
	}
	return e.Serializer.Deserialize(data, out)
}
