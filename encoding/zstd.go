package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor is kvdex's shipped Compressor, using
// klauspost/compress/zstd rather than brotli — no brotli implementation
// is available in this module's dependency lineage, and zstd satisfies
// the same two-method Compressor contract.
type ZstdCompressor struct {
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	encErr      error
	decErr      error
}

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (z *ZstdCompressor) Name() string { return "zstd" }

func (z *ZstdCompressor) getEncoder() (*zstd.Encoder, error) {
	z.encoderOnce.Do(func() {
		z.encoder, z.encErr = zstd.NewWriter(nil)
	})
	return z.encoder, z.encErr
}

func (z *ZstdCompressor) getDecoder() (*zstd.Decoder, error) {
	z.decoderOnce.Do(func() {
		z.decoder, z.decErr = zstd.NewReader(nil)
	})
	return z.decoder, z.decErr
}

func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	enc, err := z.getEncoder()
	if err != nil {
		return nil, fmt.Errorf("encoding: zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, nil), nil
}

func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec, err := z.getDecoder()
	if err != nil {
		return nil, fmt.Errorf("encoding: zstd decoder: %w", err)
	}
	return dec.DecodeAll(data, nil)
}
